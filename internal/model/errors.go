// internal/model/errors.go
package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("instrument not connected")
	ErrBusy             = errors.New("instrument busy")
	ErrBufferFull       = errors.New("sample buffer full: stop and export or clear to continue")
	ErrNoPorts          = errors.New("no serial ports available")
	ErrInvalidFrequency = errors.New("invalid sampling frequency")
	ErrNotSampling      = errors.New("sampling not active")
	ErrAlreadySampling  = errors.New("sampling already active")
)

// ConnectReason tells port problems apart from instrument problems
type ConnectReason string

const (
	ReasonPortUnavailable ConnectReason = "PORT_UNAVAILABLE"
	ReasonNoResponse      ConnectReason = "NO_RESPONSE"
	ReasonWrongInstrument ConnectReason = "WRONG_INSTRUMENT"
	ReasonDeviceLost      ConnectReason = "DEVICE_LOST"
)

// ConnectError is fatal to the current connection
type ConnectError struct {
	Port   string
	Reason ConnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %s", e.Port, e.Reason)
	}
	return fmt.Sprintf("connect %s: %s: %v", e.Port, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ReadErrorKind classifies a failed reading
type ReadErrorKind string

const (
	ReadParseMismatch ReadErrorKind = "PARSE_MISMATCH"
	ReadNotConnected  ReadErrorKind = "NOT_CONNECTED"
)

// ReadError is a single failed reading. A parse mismatch is transient.
type ReadError struct {
	Kind  ReadErrorKind
	Frame string
	Err   error
}

func (e *ReadError) Error() string {
	msg := "read " + string(e.Kind)
	if e.Frame != "" {
		msg += fmt.Sprintf(" (frame %q)", e.Frame)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotConnected) match a NOT_CONNECTED read
func (e *ReadError) Is(target error) bool {
	return target == ErrNotConnected && e.Kind == ReadNotConnected
}

// IsParseMismatch reports whether err is a transient malformed frame
func IsParseMismatch(err error) bool {
	var readErr *ReadError
	return errors.As(err, &readErr) && readErr.Kind == ReadParseMismatch
}

// ExportError wraps an I/O failure while writing a session file
type ExportError struct {
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s: %v", e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}
