// internal/repository/interfaces.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"picoammeter-service/internal/model"
)

// ErrSessionNotFound is returned for an unknown session id
var ErrSessionNotFound = errors.New("session not found")

// SessionRepository archives finished sampling sessions
type SessionRepository interface {
	// Save stores the session and its samples in one transaction
	Save(ctx context.Context, record model.SessionRecord, samples []model.Sample) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.SessionRecord, error)
	GetSamples(ctx context.Context, id uuid.UUID) ([]model.Sample, error)
	List(ctx context.Context, filter *SessionFilter) ([]*model.SessionRecord, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// SessionFilter represents session listing filters
type SessionFilter struct {
	Port      *string    `json:"port,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Page      int        `json:"page"`
	PerPage   int        `json:"per_page"`
}

// Normalize applies paging defaults
func (f *SessionFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 || f.PerPage > 100 {
		f.PerPage = 20
	}
}
