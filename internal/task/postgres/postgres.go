// Package postgres provides a PostgreSQL-backed [task.Store].
//
// Segment lists and diarization turns are stored as JSONB. Updates use
// optimistic concurrency on the version column: a write only lands if the row
// still carries the version that was read, otherwise the mutator is re-applied
// to a fresh copy.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PinQiH/speech-to-text/internal/task"
	"github.com/PinQiH/speech-to-text/pkg/segment"
)

// Schema is the SQL DDL for the transcription_tasks table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS transcription_tasks (
    id                  TEXT PRIMARY KEY,
    audio_ref           TEXT NOT NULL,
    filename            TEXT NOT NULL DEFAULT '',
    owner_id            TEXT NOT NULL DEFAULT '',
    username            TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    attempt             INTEGER NOT NULL DEFAULT 1,
    version             BIGINT NOT NULL DEFAULT 1,
    raw_text            TEXT NOT NULL DEFAULT '',
    raw_segments        JSONB NOT NULL DEFAULT '[]',
    raw_formatted       TEXT NOT NULL DEFAULT '',
    corrected_text      TEXT NOT NULL DEFAULT '',
    corrected_segments  JSONB NOT NULL DEFAULT '[]',
    corrected_formatted TEXT NOT NULL DEFAULT '',
    diarization         JSONB,
    summary             TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transcription_tasks_owner_created ON transcription_tasks(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transcription_tasks_status ON transcription_tasks(status);
`

// maxUpdateAttempts bounds the optimistic retry loop in [Store.Update].
const maxUpdateAttempts = 5

const selectColumns = `
		id, audio_ref, filename, owner_id, username, status, attempt, version,
		raw_text, raw_segments, raw_formatted,
		corrected_text, corrected_segments, corrected_formatted,
		diarization, summary, created_at, updated_at`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [task.Store] backed by PostgreSQL.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

var _ task.Store = (*Store)(nil)

// New returns a Store on top of an existing connection or pool. The caller
// owns db and must call [Store.Migrate] before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects a pool to dsn, pings it and applies [Schema]. The returned
// store owns the pool; release it with [Store.Close].
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("task postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("task postgres: ping: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores built
// with [New].
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("task postgres: migrate: %w", err)
	}
	return nil
}

// Create implements [task.Store].
func (s *Store) Create(ctx context.Context, t *task.Task) error {
	enc, err := encodeArtifacts(t)
	if err != nil {
		return err
	}
	if t.Attempt == 0 {
		t.Attempt = 1
	}

	const query = `
		INSERT INTO transcription_tasks (
			id, audio_ref, filename, owner_id, username, status, attempt, version,
			raw_text, raw_segments, raw_formatted,
			corrected_text, corrected_segments, corrected_formatted,
			diarization, summary
		) VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		t.ID, t.AudioRef, t.Filename, t.OwnerID, t.Username, string(t.Status), t.Attempt,
		t.RawText, enc.raw, t.RawFormatted,
		t.CorrectedText, enc.corrected, t.CorrectedFormatted,
		enc.diarization, t.Summary,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %q", task.ErrAlreadyExists, t.ID)
		}
		return fmt.Errorf("task postgres: create: %w", err)
	}
	t.Version = 1
	return nil
}

// Get implements [task.Store].
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	query := `SELECT ` + selectColumns + ` FROM transcription_tasks WHERE id = $1`

	t, err := scanTask(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", task.ErrNotFound, id)
		}
		return nil, fmt.Errorf("task postgres: get %q: %w", id, err)
	}
	return t, nil
}

// List implements [task.Store].
func (s *Store) List(ctx context.Context, q task.ListQuery) ([]*task.Task, error) {
	q = q.Normalized()

	var (
		where []string
		args  []any
	)
	if !q.IncludeOthers {
		args = append(args, q.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	var b strings.Builder
	b.WriteString(`SELECT `)
	b.WriteString(selectColumns)
	b.WriteString(` FROM transcription_tasks`)
	if len(where) > 0 {
		b.WriteString(` WHERE `)
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, q.Limit, q.Skip)
	fmt.Fprintf(&b, ` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("task postgres: list: %w", err)
	}
	defer rows.Close()

	out := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("task postgres: list scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task postgres: list rows: %w", err)
	}
	return out, nil
}

// Update implements [task.Store]. The row is only written if its version is
// unchanged since it was read; on a lost race fn is re-applied to the fresh
// row, up to a bounded number of times, after which [task.ErrConflict] is
// returned.
func (s *Store) Update(ctx context.Context, id string, fn task.Mutator) (*task.Task, error) {
	const query = `
		UPDATE transcription_tasks SET
			audio_ref = $3, filename = $4, owner_id = $5, username = $6,
			status = $7, attempt = $8,
			raw_text = $9, raw_segments = $10, raw_formatted = $11,
			corrected_text = $12, corrected_segments = $13, corrected_formatted = $14,
			diarization = $15, summary = $16,
			version = version + 1,
			updated_at = GREATEST(now(), updated_at)
		WHERE id = $1 AND version = $2
		RETURNING updated_at`

	for range maxUpdateAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.ID = cur.ID
		next.CreatedAt = cur.CreatedAt

		enc, err := encodeArtifacts(next)
		if err != nil {
			return nil, err
		}
		err = s.db.QueryRow(ctx, query,
			id, cur.Version,
			next.AudioRef, next.Filename, next.OwnerID, next.Username,
			string(next.Status), next.Attempt,
			next.RawText, enc.raw, next.RawFormatted,
			next.CorrectedText, enc.corrected, next.CorrectedFormatted,
			enc.diarization, next.Summary,
		).Scan(&next.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the race (or the row vanished); re-read and try again.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("task postgres: update %q: %w", id, err)
		}
		next.Version = cur.Version + 1
		return next, nil
	}
	return nil, fmt.Errorf("%w: %q after %d attempts", task.ErrConflict, id, maxUpdateAttempts)
}

// Ping implements [task.Store].
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("task postgres: ping: %w", err)
	}
	return nil
}

type artifacts struct {
	raw, corrected, diarization []byte
}

func encodeArtifacts(t *task.Task) (artifacts, error) {
	var (
		a   artifacts
		err error
	)
	if a.raw, err = json.Marshal(emptySegments(t.RawSegments)); err != nil {
		return a, fmt.Errorf("task postgres: marshal raw_segments: %w", err)
	}
	if a.corrected, err = json.Marshal(emptySegments(t.CorrectedSegments)); err != nil {
		return a, fmt.Errorf("task postgres: marshal corrected_segments: %w", err)
	}
	// A nil slice maps to SQL NULL so "not diarized" survives a round trip.
	if t.Diarization != nil {
		if a.diarization, err = json.Marshal(t.Diarization); err != nil {
			return a, fmt.Errorf("task postgres: marshal diarization: %w", err)
		}
	}
	return a, nil
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t                        task.Task
		status                   string
		rawJSON, corrJSON, diarJ []byte
	)
	err := row.Scan(
		&t.ID, &t.AudioRef, &t.Filename, &t.OwnerID, &t.Username, &status, &t.Attempt, &t.Version,
		&t.RawText, &rawJSON, &t.RawFormatted,
		&t.CorrectedText, &corrJSON, &t.CorrectedFormatted,
		&diarJ, &t.Summary, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)

	if len(rawJSON) > 0 {
		if err := json.Unmarshal(rawJSON, &t.RawSegments); err != nil {
			return nil, fmt.Errorf("unmarshal raw_segments: %w", err)
		}
	}
	if len(corrJSON) > 0 {
		if err := json.Unmarshal(corrJSON, &t.CorrectedSegments); err != nil {
			return nil, fmt.Errorf("unmarshal corrected_segments: %w", err)
		}
	}
	if len(diarJ) > 0 {
		if err := json.Unmarshal(diarJ, &t.Diarization); err != nil {
			return nil, fmt.Errorf("unmarshal diarization: %w", err)
		}
	}
	return &t, nil
}

func emptySegments(s []segment.Segment) []segment.Segment {
	if s == nil {
		return []segment.Segment{}
	}
	return s
}

// isDuplicateKeyError reports whether err is a unique-violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
