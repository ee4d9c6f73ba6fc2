// internal/repository/session_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"picoammeter-service/internal/database"
	"picoammeter-service/internal/model"
)

// sessionRepository implements SessionRepository on PostgreSQL
type sessionRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *database.DB, logger *zap.Logger) SessionRepository {
	return &sessionRepository{
		db:     db,
		logger: logger,
	}
}

// Save inserts the session row and bulk-copies its samples
func (r *sessionRepository) Save(ctx context.Context, record model.SessionRecord, samples []model.Sample) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO sessions (
			id, port, frequency, started_at, stopped_at, sample_count, stop_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err = tx.ExecContext(ctx, query,
		record.ID, record.Port, float64(record.Frequency), record.StartedAt,
		record.StoppedAt, record.SampleCount, record.StopReason,
	); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("session_samples", "session_id", "idx", "elapsed", "value"))
	if err != nil {
		return fmt.Errorf("failed to prepare sample copy: %w", err)
	}

	for i, s := range samples {
		if _, err = stmt.ExecContext(ctx, record.ID, i, s.Elapsed, exactValue(s)); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("failed to copy sample %d: %w", i, err)
		}
	}

	if _, err = stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("failed to flush sample copy: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return fmt.Errorf("failed to close sample copy: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}

	r.logger.Info("Session archived",
		zap.String("session_id", record.ID.String()),
		zap.Int("samples", len(samples)),
	)
	return nil
}

// exactValue prefers the instrument's decimal text over the float
func exactValue(s model.Sample) decimal.Decimal {
	if !s.Exact.IsZero() || s.Value == 0 {
		return s.Exact
	}
	return decimal.NewFromFloat(s.Value)
}

// GetByID retrieves a session by ID
func (r *sessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.SessionRecord, error) {
	query := `
		SELECT id, port, frequency, started_at, stopped_at, sample_count, stop_reason
		FROM sessions WHERE id = $1
	`

	record, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return record, nil
}

// GetSamples returns the session's samples in append order
func (r *sessionRepository) GetSamples(ctx context.Context, id uuid.UUID) ([]model.Sample, error) {
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}

	query := `SELECT elapsed, value FROM session_samples WHERE session_id = $1 ORDER BY idx`

	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	samples := []model.Sample{}
	for rows.Next() {
		var s model.Sample
		if err := rows.Scan(&s.Elapsed, &s.Exact); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.Value = s.Exact.InexactFloat64()
		samples = append(samples, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	return samples, nil
}

// List retrieves sessions with filtering and pagination, newest first
func (r *sessionRepository) List(ctx context.Context, filter *SessionFilter) ([]*model.SessionRecord, int, error) {
	filter.Normalize()

	whereConditions := []string{}
	args := []interface{}{}
	argIndex := 1

	if filter.Port != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("port = $%d", argIndex))
		args = append(args, *filter.Port)
		argIndex++
	}

	if filter.StartDate != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("started_at >= $%d", argIndex))
		args = append(args, *filter.StartDate)
		argIndex++
	}

	if filter.EndDate != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("started_at <= $%d", argIndex))
		args = append(args, *filter.EndDate)
		argIndex++
	}

	whereClause := ""
	if len(whereConditions) > 0 {
		whereClause = "WHERE " + strings.Join(whereConditions, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM sessions %s", whereClause)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	offset := (filter.Page - 1) * filter.PerPage
	query := fmt.Sprintf(`
		SELECT id, port, frequency, started_at, stopped_at, sample_count, stop_reason
		FROM sessions %s
		ORDER BY started_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argIndex, argIndex+1)

	args = append(args, filter.PerPage, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*model.SessionRecord{}
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			r.logger.Error("Failed to scan session row", zap.Error(err))
			continue
		}
		sessions = append(sessions, record)
	}

	return sessions, total, rows.Err()
}

// Delete removes a session; its samples go with it
func (r *sessionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*model.SessionRecord, error) {
	record := &model.SessionRecord{}
	var frequency float64
	var stoppedAt sql.NullTime

	if err := row.Scan(
		&record.ID, &record.Port, &frequency, &record.StartedAt,
		&stoppedAt, &record.SampleCount, &record.StopReason,
	); err != nil {
		return nil, err
	}

	record.Frequency = model.Frequency(frequency)
	if stoppedAt.Valid {
		record.StoppedAt = &stoppedAt.Time
	}
	return record, nil
}
