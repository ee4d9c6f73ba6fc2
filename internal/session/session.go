// internal/session/session.go
package session

import (
	"time"

	"github.com/google/uuid"

	"picoammeter-service/internal/model"
)

// Session is one sampling run: when it started, at what rate, and its samples
type Session struct {
	ID        uuid.UUID
	Port      string
	StartedAt time.Time
	Poll      model.PollConfig
	Buffer    *Buffer
}

// New starts a session on a cleared buffer
func New(port string, poll model.PollConfig, buffer *Buffer, startedAt time.Time) *Session {
	buffer.Clear()
	return &Session{
		ID:        uuid.New(),
		Port:      port,
		StartedAt: startedAt,
		Poll:      poll,
		Buffer:    buffer,
	}
}

// Empty reports whether nothing has been recorded
func (s *Session) Empty() bool {
	return s == nil || s.Buffer.Len() == 0
}

// Record builds the archive entry for the session
func (s *Session) Record(stoppedAt time.Time, reason string) model.SessionRecord {
	return model.SessionRecord{
		ID:          s.ID,
		Port:        s.Port,
		Frequency:   s.Poll.Frequency,
		StartedAt:   s.StartedAt,
		StoppedAt:   &stoppedAt,
		SampleCount: s.Buffer.Len(),
		StopReason:  reason,
	}
}
