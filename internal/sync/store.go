package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/calliohq/calliope/internal/platform"
)

// jobColumns is the ordered list of columns for job SELECT queries.
const jobColumns = `id, platform, mode, state, attempts,
	records_fetched, records_matched, records_created, records_failed, records_ambiguous,
	error, started_at, finished_at, created_at, updated_at`

// Store persists sync jobs and reads sync checkpoints. Checkpoint writes
// happen only inside identity.Service.CommitPage, atomically with the
// page's resolution outcomes.
type Store struct {
	db *sql.DB
}

// NewStore creates a sync store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new job in the pending state.
func (s *Store) CreateJob(ctx context.Context, p platform.Name, mode platform.SyncMode) (*Job, error) {
	now := time.Now().UTC()
	j := &Job{
		ID:        uuid.New().String(),
		Platform:  p,
		Mode:      mode,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, platform, mode, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, string(p), string(mode), string(j.State),
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	return j, nil
}

// UpdateJob persists a job's current state, attempts, stats and timestamps.
func (s *Store) UpdateJob(ctx context.Context, j *Job) error {
	j.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET
			state = ?, attempts = ?,
			records_fetched = ?, records_matched = ?, records_created = ?,
			records_failed = ?, records_ambiguous = ?,
			error = ?, started_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ?`,
		string(j.State), j.Attempts,
		j.Stats.Fetched, j.Stats.Matched, j.Stats.Created,
		j.Stats.Failed, j.Stats.Ambiguous,
		j.Error, formatNullableTime(j.StartedAt), formatNullableTime(j.FinishedAt),
		j.UpdatedAt.Format(time.RFC3339), j.ID)
	if err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID. Returns nil when the job does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return j, nil
}

// ListJobs returns the most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// FailOrphanedJobs marks jobs left non-terminal by a previous process as
// failed. Called once at startup.
func (s *Store) FailOrphanedJobs(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET state = ?, error = 'orphaned by process restart',
			finished_at = ?, updated_at = ?
		WHERE state IN (?, ?, ?)`,
		string(StateFailed), now, now,
		string(StatePending), string(StateRunning), string(StateRetrying))
	if err != nil {
		return 0, fmt.Errorf("failing orphaned jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// GetCheckpoint retrieves the checkpoint for (platform, mode). Returns nil
// when no sync has committed yet.
func (s *Store) GetCheckpoint(ctx context.Context, p platform.Name, mode platform.SyncMode) (*platform.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT platform, mode, cursor, last_success_at, updated_at
		FROM sync_checkpoints WHERE platform = ? AND mode = ?`, string(p), string(mode))
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns all checkpoints ordered by platform and mode.
func (s *Store) ListCheckpoints(ctx context.Context) ([]platform.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, mode, cursor, last_success_at, updated_at
		FROM sync_checkpoints ORDER BY platform, mode`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var cps []platform.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		cps = append(cps, *cp)
	}
	return cps, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var p, mode, state, createdAt, updatedAt string
	var startedAt, finishedAt sql.NullString
	err := row.Scan(&j.ID, &p, &mode, &state, &j.Attempts,
		&j.Stats.Fetched, &j.Stats.Matched, &j.Stats.Created,
		&j.Stats.Failed, &j.Stats.Ambiguous,
		&j.Error, &startedAt, &finishedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.Platform = platform.Name(p)
	j.Mode = platform.SyncMode(mode)
	j.State = State(state)
	j.StartedAt = parseNullableTime(startedAt)
	j.FinishedAt = parseNullableTime(finishedAt)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func scanCheckpoint(row scanner) (*platform.Checkpoint, error) {
	var cp platform.Checkpoint
	var p, mode, lastSuccess, updatedAt string
	if err := row.Scan(&p, &mode, &cp.Cursor, &lastSuccess, &updatedAt); err != nil {
		return nil, err
	}
	cp.Platform = platform.Name(p)
	cp.Mode = platform.SyncMode(mode)
	cp.LastSuccessAt = parseTime(lastSuccess)
	cp.UpdatedAt = parseTime(updatedAt)
	return &cp, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
