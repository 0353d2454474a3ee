// Package pgstore provides a PostgreSQL implementation of analysis.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/lookout/internal/analysis"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lookout/internal/analysis/pgstore")

//go:embed schema.sql
var schema string

// MaxRecent caps the number of rows Recent returns.
const MaxRecent = 500

// Store persists analysis records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller
// owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const recordColumns = `id, batch_id, fingerprint, message, level, container, pod, namespace,
	app_label, job_name, image, event_timestamp, service_affected, probable_cause,
	suggested_action, verdict, error, raw_excerpt, created_at, duration_s`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*analysis.Record, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM analysis_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get record: %w", err))
	}
	return r, true, nil
}

// Put inserts or replaces a record.
func (s *Store) Put(ctx context.Context, r *analysis.Record) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			service_affected = EXCLUDED.service_affected,
			probable_cause   = EXCLUDED.probable_cause,
			suggested_action = EXCLUDED.suggested_action,
			verdict          = EXCLUDED.verdict,
			error            = EXCLUDED.error,
			raw_excerpt      = EXCLUDED.raw_excerpt,
			duration_s       = EXCLUDED.duration_s`,
		r.ID, r.BatchID, r.Fingerprint,
		r.Event.Message, r.Event.Level, r.Event.Container, r.Event.Pod, r.Event.Namespace,
		r.Event.AppLabel, r.Event.JobName, r.Event.Image, r.Event.Timestamp,
		r.Result.ServiceAffected, r.Result.ProbableCause, r.Result.SuggestedAction,
		string(r.Verdict), r.Error, r.RawExcerpt, r.CreatedAt, r.Duration,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert record: %w", err))
	}
	return nil
}

// Recent returns up to limit records, newest first. limit is clamped to
// [1, MaxRecent].
func (s *Store) Recent(ctx context.Context, limit int) ([]*analysis.Record, error) {
	ctx, span := startSpan(ctx, "pgstore.Recent", "SELECT")
	defer span.End()

	if limit <= 0 || limit > MaxRecent {
		limit = MaxRecent
	}

	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM analysis_records ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query recent: %w", err))
	}
	defer rows.Close()

	out := make([]*analysis.Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fail(span, fmt.Errorf("scan record: %w", err))
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate records: %w", err))
	}
	span.SetAttributes(attribute.Int("db.response.returned_rows", len(out)))
	return out, nil
}

func scanRecord(row pgx.Row) (*analysis.Record, error) {
	var r analysis.Record
	var verdict string
	err := row.Scan(
		&r.ID, &r.BatchID, &r.Fingerprint,
		&r.Event.Message, &r.Event.Level, &r.Event.Container, &r.Event.Pod, &r.Event.Namespace,
		&r.Event.AppLabel, &r.Event.JobName, &r.Event.Image, &r.Event.Timestamp,
		&r.Result.ServiceAffected, &r.Result.ProbableCause, &r.Result.SuggestedAction,
		&verdict, &r.Error, &r.RawExcerpt, &r.CreatedAt, &r.Duration,
	)
	if err != nil {
		return nil, err
	}
	r.Verdict = analysis.Verdict(verdict)
	return &r, nil
}
