// internal/export/exporter.go
package export

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"picoammeter-service/internal/model"
	"picoammeter-service/internal/session"
	"picoammeter-service/internal/utils"
)

const (
	// HeaderPrefix starts the single comment line of an export file
	HeaderPrefix = "# Starttime: "
	// StartTimeLayout is the header's start time format, YYYY/MM/DD - HH:MM
	StartTimeLayout = "2006/01/02 - 15:04"
)

// elapsedSeconds is written as a whole number of seconds
type elapsedSeconds float64

func (e elapsedSeconds) MarshalCSV() (string, error) {
	return strconv.FormatInt(int64(e), 10), nil
}

func (e *elapsedSeconds) UnmarshalCSV(s string) error {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("elapsed %q: %w", s, err)
	}
	*e = elapsedSeconds(n)
	return nil
}

// amps is written in scientific notation with 14 significant digits
type amps float64

func (a amps) MarshalCSV() (string, error) {
	return strconv.FormatFloat(float64(a), 'e', 13, 64), nil
}

func (a *amps) UnmarshalCSV(s string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("value %q: %w", s, err)
	}
	*a = amps(v)
	return nil
}

type row struct {
	Elapsed elapsedSeconds `csv:"elapsed"`
	Value   amps           `csv:"value"`
}

// Exporter writes sessions to tab-separated text files
type Exporter struct {
	dir    string
	logger *zap.Logger
}

// NewExporter creates an exporter resolving relative paths against dir
func NewExporter(dir string, logger *zap.Logger) *Exporter {
	return &Exporter{
		dir:    dir,
		logger: logger.With(zap.String("component", "exporter")),
	}
}

// Resolve turns a requested path into the file that will be written. An
// empty path is named after the session start time.
func (e *Exporter) Resolve(path string, s *session.Session) string {
	if path == "" && s != nil {
		path = DefaultFileName(s.StartedAt)
	}
	if path == "" || filepath.IsAbs(path) || e.dir == "" {
		return path
	}
	return filepath.Join(e.dir, path)
}

// DefaultFileName names an export after its session start
func DefaultFileName(startedAt time.Time) string {
	return "keithley-" + startedAt.Format("20060102-150405") + ".txt"
}

// Export writes the filled prefix of the session buffer to path. An empty
// session writes nothing and returns false. On failure no partial file is
// left behind and the buffer is not modified.
func (e *Exporter) Export(path string, s *session.Session) (bool, error) {
	if s.Empty() {
		e.logger.Info("Nothing to export")
		return false, nil
	}

	path = e.Resolve(path, s)
	samples := s.Buffer.Samples()

	op := utils.NewOperationLogger(e.logger, "export", s.ID.String())
	op.Start(zap.String("path", path), zap.Int("samples", len(samples)))

	if err := writeFile(path, s.StartedAt, samples); err != nil {
		exportErr := &model.ExportError{Path: path, Err: err}
		op.Error(exportErr)
		return false, exportErr
	}

	op.Success(zap.String("path", path))
	return true, nil
}

// writeFile writes into a temporary file next to path and renames it
// into place once complete
func writeFile(path string, startedAt time.Time, samples []model.Sample) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = Write(tmp, startedAt, samples); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Write emits the header line and one row per sample
func Write(w io.Writer, startedAt time.Time, samples []model.Sample) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(HeaderPrefix + startedAt.Format(StartTimeLayout) + "\n"); err != nil {
		return err
	}

	rows := make([]row, len(samples))
	for i, s := range samples {
		rows[i] = row{Elapsed: elapsedSeconds(s.Elapsed), Value: amps(s.Value)}
	}

	cw := csv.NewWriter(bw)
	cw.Comma = '\t'
	if err := gocsv.MarshalCSVWithoutHeaders(&rows, gocsv.NewSafeCSVWriter(cw)); err != nil {
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}

	return bw.Flush()
}

// Import reads back a file produced by Export
func Import(path string) (time.Time, []model.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, nil, err
	}
	defer f.Close()

	return Read(f)
}

// Read parses an export stream: the start time header, then the rows
func Read(r io.Reader) (time.Time, []model.Sample, error) {
	br := bufio.NewReader(r)

	header, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return time.Time{}, nil, err
	}
	header = strings.TrimRight(header, "\r\n")
	if !strings.HasPrefix(header, HeaderPrefix) {
		return time.Time{}, nil, fmt.Errorf("missing %q header", strings.TrimSpace(HeaderPrefix))
	}

	startedAt, err := time.ParseInLocation(StartTimeLayout, strings.TrimPrefix(header, HeaderPrefix), time.Local)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("header start time: %w", err)
	}

	cr := csv.NewReader(br)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.FieldsPerRecord = 2

	var rows []row
	if err := gocsv.UnmarshalCSVWithoutHeaders(cr, &rows); err != nil && !errors.Is(err, gocsv.ErrEmptyCSVFile) {
		return startedAt, nil, err
	}

	samples := make([]model.Sample, len(rows))
	for i, r := range rows {
		value := float64(r.Value)
		samples[i] = model.Sample{
			Elapsed: float64(r.Elapsed),
			Value:   value,
			Exact:   exactFromFloat(value),
		}
	}
	return startedAt, samples, nil
}

func exactFromFloat(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}
