package models

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Attempt is one delivery of one queued payload, successful or not.
type Attempt struct {
	ID          string    `json:"id"`
	PassID      string    `json:"pass_id"`
	PayloadHash string    `json:"payload_hash"`
	Transport   string    `json:"transport,omitempty"`
	Success     bool      `json:"success"`
	StatusCode  int       `json:"status_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	ArchiveKey  string    `json:"archive_key,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	AttemptedAt time.Time `json:"attempted_at"`
}

const (
	defaultAttemptLimit = 50
	maxAttemptLimit     = 500
)

func InsertAttempt(ctx context.Context, pool *pgxpool.Pool, a Attempt) (string, error) {
	attemptedAt := a.AttemptedAt
	if attemptedAt.IsZero() {
		attemptedAt = time.Now()
	}

	var id string
	err := pool.QueryRow(ctx,
		`INSERT INTO delivery_attempts
		   (pass_id, payload_hash, transport, success, status_code, error, archive_key, duration_ms, attempted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		a.PassID, a.PayloadHash, a.Transport, a.Success, a.StatusCode, a.Error, a.ArchiveKey, a.DurationMs, attemptedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return id, nil
}

// ListRecentAttempts returns the newest attempts first. limit is clamped to
// a sane range.
func ListRecentAttempts(ctx context.Context, pool *pgxpool.Pool, limit int) ([]Attempt, error) {
	limit = ClampLimit(limit)

	rows, err := pool.Query(ctx,
		`SELECT id, pass_id, payload_hash, transport, success, status_code, error, archive_key, duration_ms, attempted_at
		 FROM delivery_attempts
		 ORDER BY attempted_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}

	attempts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Attempt, error) {
		var a Attempt
		err := row.Scan(&a.ID, &a.PassID, &a.PayloadHash, &a.Transport, &a.Success,
			&a.StatusCode, &a.Error, &a.ArchiveKey, &a.DurationMs, &a.AttemptedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning delivery attempts: %w", err)
	}
	return attempts, nil
}

func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultAttemptLimit
	case limit > maxAttemptLimit:
		return maxAttemptLimit
	default:
		return limit
	}
}

// AttemptLog records attempts into Postgres.
type AttemptLog struct {
	pool *pgxpool.Pool
}

func NewAttemptLog(pool *pgxpool.Pool) *AttemptLog {
	return &AttemptLog{pool: pool}
}

func (l *AttemptLog) Record(ctx context.Context, a Attempt) error {
	_, err := InsertAttempt(ctx, l.pool, a)
	return err
}

func (l *AttemptLog) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	return ListRecentAttempts(ctx, l.pool, limit)
}
