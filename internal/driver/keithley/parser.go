// internal/driver/keithley/parser.go
package keithley

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"picoammeter-service/internal/model"
)

// framePattern matches a reading such as +1.23456E-03A followed by the rest
// of the frame (timestamp and status elements, terminator)
var framePattern = regexp.MustCompile(`(?s)^([+-][0-9]\.[0-9]{2,6}E[+-][0-9]{2})A.*$`)

// ParseFrame validates a READ? answer and extracts the current in amps.
// A frame of the wrong length or shape is a PARSE_MISMATCH read error; a
// zero length disables the length check.
func ParseFrame(frame []byte, length int) (model.Reading, error) {
	if length > 0 && len(frame) != length {
		return model.Reading{}, &model.ReadError{
			Kind:  model.ReadParseMismatch,
			Frame: string(frame),
			Err:   fmt.Errorf("frame is %d bytes, want %d", len(frame), length),
		}
	}

	match := framePattern.FindSubmatch(frame)
	if match == nil {
		return model.Reading{}, &model.ReadError{
			Kind:  model.ReadParseMismatch,
			Frame: string(frame),
		}
	}

	text := string(match[1])
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return model.Reading{}, &model.ReadError{Kind: model.ReadParseMismatch, Frame: string(frame), Err: err}
	}

	exact, err := decimal.NewFromString(strings.TrimPrefix(text, "+"))
	if err != nil {
		return model.Reading{}, &model.ReadError{Kind: model.ReadParseMismatch, Frame: string(frame), Err: err}
	}

	return model.Reading{Value: value, Exact: exact, Text: text}, nil
}
