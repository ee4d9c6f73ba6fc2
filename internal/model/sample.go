// internal/model/sample.go
package model

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Sample is one timestamped current reading
type Sample struct {
	// Elapsed is seconds since session start, derived from the poll period.
	Elapsed float64 `json:"elapsed"`
	// Value is the current in amps.
	Value float64 `json:"value"`
	// Exact is the reading as reported by the instrument, without float rounding.
	Exact decimal.Decimal `json:"exact"`
}

// Reading is one parsed current value as reported by the instrument
type Reading struct {
	Value float64
	Exact decimal.Decimal
	Text  string
}

// UnfilledSample is the sentinel held by buffer slots that were never written
func UnfilledSample() Sample {
	return Sample{Elapsed: math.NaN(), Value: math.NaN()}
}

// IsUnfilled reports whether the sample is the unfilled sentinel
func (s Sample) IsUnfilled() bool {
	return math.IsNaN(s.Elapsed) && math.IsNaN(s.Value)
}

// Frequency is a poll rate in hertz
type Frequency float64

// Period returns the poll period for the frequency
func (f Frequency) Period() time.Duration {
	return time.Duration(float64(time.Second) / float64(f))
}

// String formats the frequency the way it is offered to the user
func (f Frequency) String() string {
	return strconv.FormatFloat(float64(f), 'f', -1, 64) + " Hz"
}

// PollConfig is the frequency chosen for one sampling run
type PollConfig struct {
	Frequency Frequency     `json:"frequency"`
	Period    time.Duration `json:"period"`
}

// NewPollConfig validates the frequency against the offered set
func NewPollConfig(frequency float64, allowed []float64) (PollConfig, error) {
	if frequency <= 0 || math.IsNaN(frequency) || math.IsInf(frequency, 0) {
		return PollConfig{}, fmt.Errorf("%w: %v", ErrInvalidFrequency, frequency)
	}
	if len(allowed) > 0 && !slices.Contains(allowed, frequency) {
		return PollConfig{}, fmt.Errorf("%w: %v not in %v", ErrInvalidFrequency, frequency, allowed)
	}

	f := Frequency(frequency)
	return PollConfig{Frequency: f, Period: f.Period()}, nil
}
