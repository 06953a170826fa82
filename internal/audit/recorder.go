// Package audit persists one row per request that reached a terminal state.
package audit

import (
	"context"
	"fmt"
	"time"

	"imagegen/internal/domain"
	"imagegen/internal/infra"
	"imagegen/internal/sqlinline"
)

// Record is the audit view of a finished request.
type Record struct {
	RequestID      string
	Backend        domain.Backend
	CallerID       string
	OriginCountry  string
	Status         domain.Status
	OriginalPrompt string
	EnhancedPrompt string
	ErrorKind      domain.ErrorKind
	QueueWait      time.Duration
	Duration       time.Duration
	CreatedAt      time.Time
	FinishedAt     time.Time
}

// FromRequest builds a Record from a terminal request. cause is the error that
// failed the request, if any.
func FromRequest(req domain.GenerationRequest, country string, cause error) Record {
	rec := Record{
		RequestID:      req.ID,
		Backend:        req.Backend,
		CallerID:       req.CallerID,
		OriginCountry:  country,
		Status:         req.Status,
		OriginalPrompt: req.OriginalPrompt,
		EnhancedPrompt: req.EnhancedPrompt,
		Duration:       req.Duration(),
		CreatedAt:      req.CreatedAt,
		FinishedAt:     req.FinishedAt,
	}
	if !req.StartedAt.IsZero() {
		rec.QueueWait = req.StartedAt.Sub(req.CreatedAt)
	}
	if cause != nil {
		rec.ErrorKind = domain.KindOf(cause)
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	return rec
}

// Recorder stores audit records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// NopRecorder drops every record. It is used when no database is configured.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Record) error { return nil }

// SQLRecorder writes records to Postgres through marked queries.
type SQLRecorder struct {
	sql infra.SQLExecutor
}

func NewSQLRecorder(sql infra.SQLExecutor) *SQLRecorder {
	return &SQLRecorder{sql: sql}
}

// EnsureSchema creates the audit and credential tables when missing.
func (r *SQLRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.sql.Exec(ctx, sqlinline.QEnsureSchema); err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

func (r *SQLRecorder) Record(ctx context.Context, rec Record) error {
	_, err := r.sql.Exec(ctx, sqlinline.QInsertGenerationAudit,
		rec.RequestID,
		rec.Backend.String(),
		rec.CallerID,
		rec.OriginCountry,
		string(rec.Status),
		rec.OriginalPrompt,
		rec.EnhancedPrompt,
		string(rec.ErrorKind),
		rec.QueueWait.Milliseconds(),
		rec.Duration.Milliseconds(),
		rec.CreatedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", rec.RequestID, err)
	}
	return nil
}

// Recent lists the newest records, optionally filtered by caller.
func (r *SQLRecorder) Recent(ctx context.Context, callerID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.sql.Query(ctx, sqlinline.QSelectRecentAudit, callerID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                        Record
			backend, status, errorKind string
			waitMS, durationMS         int64
		)
		if err := rows.Scan(
			&rec.RequestID, &backend, &rec.CallerID, &rec.OriginCountry, &status,
			&rec.OriginalPrompt, &rec.EnhancedPrompt, &errorKind,
			&waitMS, &durationMS, &rec.CreatedAt, &rec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		rec.Backend = domain.Backend(backend)
		rec.Status = domain.Status(status)
		rec.ErrorKind = domain.ErrorKind(errorKind)
		rec.QueueWait = time.Duration(waitMS) * time.Millisecond
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return out, nil
}

var (
	_ Recorder = NopRecorder{}
	_ Recorder = (*SQLRecorder)(nil)
)
