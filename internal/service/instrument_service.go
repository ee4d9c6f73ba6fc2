// internal/service/instrument_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"picoammeter-service/internal/config"
	"picoammeter-service/internal/discovery"
	"picoammeter-service/internal/export"
	"picoammeter-service/internal/model"
	"picoammeter-service/internal/observability"
	"picoammeter-service/internal/repository"
	"picoammeter-service/internal/sampling"
	"picoammeter-service/internal/session"
	"picoammeter-service/internal/utils"
	"picoammeter-service/pkg/driver"
)

// InstrumentService owns the driver, the sampling loop and the session
// buffer, and serializes the operations that must not overlap
type InstrumentService struct {
	ammeter  driver.Ammeter
	scanner  discovery.PortScanner
	exporter *export.Exporter
	archive  repository.SessionRepository
	events   EventPublisher
	metrics  *observability.Metrics
	clock    clockwork.Clock
	config   *config.SamplingConfig
	logger   *utils.ServiceLogger

	// ctx outlives individual requests; sampling reads run under it
	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	busy    string
	loop    *sampling.Loop
	session *session.Session
	buffer  *session.Buffer
	lastErr error
}

// NewInstrumentService creates the service. archive may be nil.
func NewInstrumentService(
	ammeter driver.Ammeter,
	scanner discovery.PortScanner,
	exporter *export.Exporter,
	archive repository.SessionRepository,
	events EventPublisher,
	metrics *observability.Metrics,
	cfg *config.SamplingConfig,
	logger *zap.Logger,
) *InstrumentService {
	ctx, cancel := context.WithCancel(context.Background())

	return &InstrumentService{
		ammeter:  ammeter,
		scanner:  scanner,
		exporter: exporter,
		archive:  archive,
		events:   events,
		metrics:  metrics,
		clock:    clockwork.NewRealClock(),
		config:   cfg,
		logger:   utils.NewServiceLogger(logger, "instrument-service"),
		ctx:      ctx,
		cancel:   cancel,
		buffer:   session.NewBuffer(cfg.Capacity),
	}
}

// SetClock replaces the clock used for session start times and sampling
func (s *InstrumentService) SetClock(clock clockwork.Clock) {
	s.clock = clock
}

// ListPorts enumerates openable serial ports; none at all is ErrNoPorts
func (s *InstrumentService) ListPorts(ctx context.Context) ([]string, error) {
	return discovery.RequirePorts(ctx, s.scanner, s.logger.Logger)
}

// Connect opens and identifies the instrument on port
func (s *InstrumentService) Connect(ctx context.Context, port string) error {
	if err := s.begin("connect"); err != nil {
		return err
	}
	defer s.end()

	err := s.ammeter.Connect(ctx, port)
	s.publishState()
	if err != nil {
		s.setLastErr(err)
		return err
	}

	s.setLastErr(nil)
	return nil
}

// ZeroCorrect runs the zero-correction sequence; rejected while sampling
func (s *InstrumentService) ZeroCorrect(ctx context.Context) error {
	if err := s.begin("zero_correct"); err != nil {
		return err
	}
	defer s.end()

	if s.ammeter.State() != model.StateConnected {
		return model.ErrNotConnected
	}

	err := s.ammeter.ZeroCorrect(ctx)

	data := map[string]any{"success": err == nil}
	if err != nil {
		data["error"] = err.Error()
		s.setLastErr(err)
	}
	s.publish(model.EventZeroCorrectionDone, data)

	var connErr *model.ConnectError
	if errors.As(err, &connErr) {
		s.publishState()
	}
	return err
}

// Close stops any sampling run and releases the port
func (s *InstrumentService) Close(ctx context.Context) error {
	if _, err := s.stopLoop(ctx, "instrument closed"); err != nil && !errors.Is(err, model.ErrNotSampling) {
		return err
	}

	err := s.ammeter.Close()
	s.publishState()
	return err
}

// StartSampling begins a new session at the given frequency. Starting
// clears the previous session's samples.
func (s *InstrumentService) StartSampling(frequency float64) (model.SessionRecord, error) {
	if frequency == 0 {
		frequency = s.config.DefaultFrequency
	}
	poll, err := model.NewPollConfig(frequency, s.config.Frequencies)
	if err != nil {
		return model.SessionRecord{}, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.busy != "" {
		return model.SessionRecord{}, fmt.Errorf("%w: %s in progress", model.ErrBusy, s.busy)
	}
	if s.samplingLocked() {
		return model.SessionRecord{}, model.ErrAlreadySampling
	}
	if s.finishingLocked() {
		return model.SessionRecord{}, fmt.Errorf("%w: previous session still finishing", model.ErrBusy)
	}

	info := s.ammeter.Info()
	if info.State != model.StateConnected {
		return model.SessionRecord{}, model.ErrNotConnected
	}

	sess := session.New(info.Port, poll, s.buffer, s.clock.Now())
	s.session = sess
	s.lastErr = nil

	s.metrics.BufferFill.Set(0)
	observability.SetBool(s.metrics.SamplingActive, true)
	s.publish(model.EventSamplingStarted, map[string]any{
		"session_id": sess.ID.String(),
		"frequency":  float64(poll.Frequency),
		"period_ms":  poll.Period.Milliseconds(),
	})

	s.loop = sampling.Start(s.ctx, sampling.Config{
		Reader:   observability.NewTimedReader(s.ammeter, s.metrics.ReadLatency),
		Buffer:   s.buffer,
		Poll:     poll,
		Clock:    s.clock,
		Logger:   s.logger.Logger,
		OnSample: s.onSample,
		OnSkip:   s.onSkip,
		OnHalt:   func(err error) { s.onHalt(sess, err) },
	})

	s.logger.Info("Sampling session started",
		zap.String("session_id", sess.ID.String()),
		zap.Stringer("frequency", poll.Frequency),
		zap.String("port", info.Port),
	)

	return model.SessionRecord{
		ID:        sess.ID,
		Port:      sess.Port,
		Frequency: poll.Frequency,
		StartedAt: sess.StartedAt,
	}, nil
}

// StopSampling ends the run and archives the session when an archive is
// configured
func (s *InstrumentService) StopSampling(ctx context.Context) (model.SessionRecord, error) {
	rec, err := s.stopLoop(ctx, "stopped")
	if err != nil {
		return model.SessionRecord{}, err
	}
	return *rec, nil
}

// stopLoop stops an active run, waits for its goroutine and archives it.
// The service stays busy until the archive is written, so a new run cannot
// clear the buffer underneath it.
func (s *InstrumentService) stopLoop(ctx context.Context, reason string) (*model.SessionRecord, error) {
	s.mutex.Lock()
	loop, sess := s.loop, s.session
	// A loop that halted itself first is archived by onHalt
	if loop == nil || !loop.Stop() {
		s.mutex.Unlock()
		return nil, model.ErrNotSampling
	}
	s.busy = "stop"
	s.mutex.Unlock()
	defer s.end()

	select {
	case <-loop.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	observability.SetBool(s.metrics.SamplingActive, false)

	rec := sess.Record(s.clock.Now(), reason)
	s.publish(model.EventSamplingStopped, map[string]any{
		"session_id": sess.ID.String(),
		"samples":    rec.SampleCount,
		"reason":     reason,
	})

	s.logger.Info("Sampling session stopped",
		zap.String("session_id", sess.ID.String()),
		zap.Int("samples", rec.SampleCount),
		zap.String("reason", reason),
	)

	s.archiveSession(ctx, rec, sess)
	return &rec, nil
}

func (s *InstrumentService) onSample(index int, sample model.Sample) {
	s.metrics.SamplesAppended.Inc()
	s.metrics.BufferFill.Set(float64(index + 1))
	s.events.Publish(model.NewSampleEvent(index, sample, s.clock.Now()))
}

func (s *InstrumentService) onSkip(tick int, err error) {
	s.metrics.ReadsSkipped.Inc()
	s.publish(model.EventReadSkipped, map[string]any{
		"tick":  tick,
		"error": err.Error(),
	})
}

// onHalt runs on the loop goroutine when a run stops itself. Done stays open
// until it returns, which keeps StartSampling from reusing the buffer.
func (s *InstrumentService) onHalt(sess *session.Session, err error) {
	reason := observability.HaltReason(err)
	s.metrics.Halts.WithLabelValues(reason).Inc()
	observability.SetBool(s.metrics.SamplingActive, false)
	s.setLastErr(err)

	message := err.Error()
	if errors.Is(err, model.ErrBufferFull) {
		message = "buffer full: stop and export or clear to continue"
	}
	s.publish(model.EventSamplingHalted, map[string]any{
		"session_id": sess.ID.String(),
		"reason":     reason,
		"error":      message,
		"samples":    sess.Buffer.Len(),
	})

	var connErr *model.ConnectError
	if errors.As(err, &connErr) {
		s.publishState()
	}

	s.archiveSession(s.ctx, sess.Record(s.clock.Now(), reason), sess)
}

func (s *InstrumentService) archiveSession(ctx context.Context, rec model.SessionRecord, sess *session.Session) {
	if s.archive == nil || sess.Empty() {
		return
	}

	if err := s.archive.Save(ctx, rec, sess.Buffer.Samples()); err != nil {
		utils.LogError(s.logger.Logger, "Failed to archive session", err,
			zap.String("session_id", rec.ID.String()))
	}
}

// Export writes the current session to a file. Nothing recorded yet is
// reported as Written == false, not as an error.
func (s *InstrumentService) Export(path string) (ExportResult, error) {
	s.mutex.Lock()
	sess := s.session
	s.mutex.Unlock()

	if sess.Empty() {
		s.metrics.Exports.WithLabelValues("empty").Inc()
		return ExportResult{}, nil
	}

	resolved := s.exporter.Resolve(path, sess)
	written, err := s.exporter.Export(path, sess)
	if err != nil {
		s.metrics.Exports.WithLabelValues("error").Inc()
		return ExportResult{Path: resolved}, err
	}

	result := "written"
	if !written {
		result = "empty"
	}
	s.metrics.Exports.WithLabelValues(result).Inc()

	return ExportResult{Written: written, Path: resolved, Samples: sess.Buffer.Len()}, nil
}

// Clear empties the session buffer; rejected while sampling
func (s *InstrumentService) Clear() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.samplingLocked() {
		return fmt.Errorf("%w: sampling in progress", model.ErrBusy)
	}
	if s.busy != "" || s.finishingLocked() {
		return fmt.Errorf("%w: session still finishing", model.ErrBusy)
	}

	s.buffer.Clear()
	s.metrics.BufferFill.Set(0)
	s.publish(model.EventBufferCleared, nil)
	return nil
}

// Samples returns the samples from index from onwards. A from beyond the
// filled region (after a clear) restarts at the end of it.
func (s *InstrumentService) Samples(from int) SamplesPage {
	if from < 0 {
		from = 0
	}
	if n := s.buffer.Len(); from > n {
		from = n
	}

	samples := s.buffer.Snapshot(from)
	return SamplesPage{From: from, Next: from + len(samples), Samples: samples}
}

// Status reports connection, sampling and buffer state
func (s *InstrumentService) Status() Status {
	info := s.ammeter.Info()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	status := Status{InstrumentStatus: model.InstrumentStatus{
		State:       info.State,
		Port:        info.Port,
		Identity:    info.Identity,
		Sampling:    s.samplingLocked(),
		ZeroingNow:  s.busy == "zero_correct",
		SampleCount: s.buffer.Len(),
		Capacity:    s.buffer.Cap(),
	}}

	if s.session != nil {
		id := s.session.ID
		startedAt := s.session.StartedAt
		status.SessionID = &id
		status.StartedAt = &startedAt
		status.Frequency = s.session.Poll.Frequency
	}
	if s.loop != nil {
		stats := s.loop.Stats()
		status.Loop = &stats
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}

	return status
}

// Frequencies lists the selectable poll rates
func (s *InstrumentService) Frequencies() FrequencyOptions {
	return FrequencyOptions{
		Frequencies: append([]float64(nil), s.config.Frequencies...),
		Default:     s.config.DefaultFrequency,
	}
}

// Sessions lists archived sessions
func (s *InstrumentService) Sessions(ctx context.Context, filter *repository.SessionFilter) ([]*model.SessionRecord, int, error) {
	if s.archive == nil {
		return nil, 0, ErrArchiveDisabled
	}
	return s.archive.List(ctx, filter)
}

// SessionSamples returns the samples of an archived session
func (s *InstrumentService) SessionSamples(ctx context.Context, id uuid.UUID) ([]model.Sample, error) {
	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return s.archive.GetSamples(ctx, id)
}

// Shutdown stops sampling, closes the port and cancels background reads
func (s *InstrumentService) Shutdown(ctx context.Context) error {
	defer s.cancel()

	if _, err := s.stopLoop(ctx, "shutdown"); err != nil && !errors.Is(err, model.ErrNotSampling) {
		s.logger.Warn("Sampling did not stop cleanly", zap.Error(err))
	}

	if err := s.ammeter.Close(); err != nil {
		return fmt.Errorf("failed to close instrument: %w", err)
	}
	return nil
}

// begin claims the instrument for an exclusive operation
func (s *InstrumentService) begin(op string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.samplingLocked() || s.finishingLocked() {
		return fmt.Errorf("%w: sampling in progress", model.ErrBusy)
	}
	if s.busy != "" {
		return fmt.Errorf("%w: %s in progress", model.ErrBusy, s.busy)
	}

	s.busy = op
	return nil
}

func (s *InstrumentService) end() {
	s.mutex.Lock()
	s.busy = ""
	s.mutex.Unlock()
}

func (s *InstrumentService) samplingLocked() bool {
	return s.loop != nil && s.loop.Active()
}

// finishingLocked reports a run that no longer samples but whose goroutine
// is still halting or archiving
func (s *InstrumentService) finishingLocked() bool {
	if s.loop == nil {
		return false
	}
	select {
	case <-s.loop.Done():
		return false
	default:
		return true
	}
}

func (s *InstrumentService) setLastErr(err error) {
	s.mutex.Lock()
	s.lastErr = err
	s.mutex.Unlock()
}

func (s *InstrumentService) publishState() {
	info := s.ammeter.Info()
	observability.SetBool(s.metrics.Connected, info.State == model.StateConnected)

	s.publish(model.EventInstrumentState, map[string]any{
		"state":    string(info.State),
		"port":     info.Port,
		"identity": info.Identity,
	})
}

func (s *InstrumentService) publish(eventType model.EventType, data map[string]any) {
	s.events.Publish(model.Event{
		Type:      eventType,
		Source:    "instrument-service",
		Data:      data,
		Timestamp: s.clock.Now(),
	})
}
