package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/calliohq/calliope/internal/identity"
	"github.com/calliohq/calliope/internal/platform"
)

// WorkerConfig tunes the page loop of a sync worker.
type WorkerConfig struct {
	// MaxPageAttempts bounds fetch attempts per page, including the first.
	MaxPageAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// BackoffCap caps the retry delay.
	BackoffCap time.Duration
	// IncrementalLookback seeds the watermark of a first incremental sync.
	IncrementalLookback time.Duration
	// CommitRetries bounds commit attempts when concurrent jobs conflict
	// on an artist; each retry re-resolves against fresh state.
	CommitRetries int
}

// DefaultWorkerConfig returns the default worker tuning.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxPageAttempts:     5,
		BackoffBase:         500 * time.Millisecond,
		BackoffCap:          30 * time.Second,
		IncrementalLookback: 7 * 24 * time.Hour,
		CommitRetries:       3,
	}
}

// PageCommitter applies one page's outcomes and advances the checkpoint
// atomically. Satisfied by *identity.Service.
type PageCommitter interface {
	CommitPage(ctx context.Context, outcomes []identity.Outcome, cp platform.Checkpoint) error
}

// PageResolver maps records to resolution outcomes without writing.
// Satisfied by *identity.Resolver.
type PageResolver interface {
	Resolve(ctx context.Context, records []platform.Record) ([]identity.Outcome, error)
}

// Worker drives one platform client through a full or incremental crawl:
// page fetches with backoff, record normalization, batch resolution, and
// all-or-nothing page commits that advance the checkpoint. Rate limiting
// lives in the clients, which wait before each outbound request.
type Worker struct {
	client    platform.Client
	resolver  PageResolver
	committer PageCommitter
	store     *Store
	config    WorkerConfig
	logger    *slog.Logger
}

// NewWorker creates a worker for one platform client. Zero config fields
// fall back to the defaults.
func NewWorker(client platform.Client, resolver PageResolver, committer PageCommitter, store *Store, config WorkerConfig, logger *slog.Logger) *Worker {
	def := DefaultWorkerConfig()
	if config.MaxPageAttempts <= 0 {
		config.MaxPageAttempts = def.MaxPageAttempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = def.BackoffCap
	}
	if config.CommitRetries <= 0 {
		config.CommitRetries = def.CommitRetries
	}
	return &Worker{
		client:    client,
		resolver:  resolver,
		committer: committer,
		store:     store,
		config:    config,
		logger: logger.With(
			slog.String("component", "sync-worker"),
			slog.String("platform", string(client.Name()))),
	}
}

// Run executes the job to completion, mutating its stats and attempt count
// as it goes. A non-nil return means the job failed; the checkpoint then
// still points at the last committed page, so the next run resumes there.
// Cancellation is honored between pages only: an in-flight page runs to
// commit or failure first.
func (w *Worker) Run(ctx context.Context, job *Job) error {
	name := w.client.Name()

	cp, err := w.store.GetCheckpoint(ctx, name, job.Mode)
	if err != nil {
		return err
	}

	cursor := ""
	var watermark time.Time
	runStart := time.Now().UTC()
	if job.Mode == platform.ModeIncremental {
		watermark = runStart.Add(-w.config.IncrementalLookback)
		if cp != nil && cp.Cursor != "" {
			if t, err := time.Parse(time.RFC3339, cp.Cursor); err == nil {
				watermark = t
			}
		}
	} else if cp != nil {
		cursor = cp.Cursor
	}

	w.logger.Info("sync started",
		slog.String("mode", string(job.Mode)),
		slog.String("cursor", cursor))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := w.fetchPage(ctx, job, cursor)
		if err != nil {
			return fmt.Errorf("fetching page at cursor %q: %w", cursor, err)
		}

		records, stale := w.screenRecords(job, page.Records, watermark)
		allStale := len(page.Records) > 0 && stale == len(page.Records)
		done := !page.HasMore || (job.Mode == platform.ModeIncremental && allStale)

		next := platform.Checkpoint{Platform: name, Mode: job.Mode}
		if job.Mode == platform.ModeIncremental {
			// The watermark moves only once the whole incremental crawl
			// completed; a crash mid-crawl replays from the old one.
			next.Cursor = watermark.Format(time.RFC3339)
			if done {
				next.Cursor = runStart.Format(time.RFC3339)
			}
		} else {
			next.Cursor = page.NextCursor
		}

		if err := w.commitPage(ctx, job, records, next); err != nil {
			return err
		}
		if err := w.store.UpdateJob(ctx, job); err != nil {
			return err
		}

		if done {
			break
		}
		cursor = page.NextCursor
	}

	w.logger.Info("sync finished",
		slog.String("mode", string(job.Mode)),
		slog.Int("fetched", job.Stats.Fetched),
		slog.Int("matched", job.Stats.Matched),
		slog.Int("created", job.Stats.Created),
		slog.Int("failed", job.Stats.Failed),
		slog.Int("ambiguous", job.Stats.Ambiguous))
	return nil
}

// fetchPage fetches one page, retrying transient failures with capped,
// jittered exponential backoff. A server-requested Retry-After floors the
// next delay, even past the cap.
func (w *Worker) fetchPage(ctx context.Context, job *Job, cursor string) (*platform.Page, error) {
	exp := retry.WithCappedDuration(w.config.BackoffCap,
		retry.WithJitterPercent(20, retry.NewExponential(w.config.BackoffBase)))
	var floor time.Duration
	backoff := retry.WithMaxRetries(uint64(w.config.MaxPageAttempts-1),
		retry.BackoffFunc(func() (time.Duration, bool) {
			d, stop := exp.Next()
			if stop {
				return d, true
			}
			if floor > d {
				d = floor
			}
			floor = 0
			return d, false
		}))

	attempts := 0
	var page *platform.Page
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		p, err := w.client.FetchPage(ctx, cursor)
		if err != nil {
			var unavail *platform.ErrUnavailable
			if errors.As(err, &unavail) {
				floor = unavail.RetryAfter
				w.logger.Warn("transient fetch failure",
					slog.String("cursor", cursor),
					slog.Int("attempt", attempts),
					slog.String("error", err.Error()))
				job.State = StateRetrying
				if uerr := w.store.UpdateJob(ctx, job); uerr != nil {
					w.logger.Error("persisting retrying state", "error", uerr)
				}
				return retry.RetryableError(err)
			}
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	job.State = StateRunning
	if attempts > job.Attempts {
		job.Attempts = attempts
	}
	return page, nil
}

// screenRecords drops malformed records (counted as failed) and, in
// incremental mode, records older than the watermark. One bad record never
// aborts a page.
func (w *Worker) screenRecords(job *Job, records []platform.Record, watermark time.Time) (kept []platform.Record, stale int) {
	job.Stats.Fetched += len(records)
	for _, rec := range records {
		if rec.ExternalID == "" || rec.Name == "" {
			job.Stats.Failed++
			w.logger.Warn("skipping malformed record",
				slog.String("external_id", rec.ExternalID),
				slog.String("name", rec.Name))
			continue
		}
		if !watermark.IsZero() && !rec.ModifiedAt.IsZero() && rec.ModifiedAt.Before(watermark) {
			stale++
			continue
		}
		kept = append(kept, rec)
	}
	return kept, stale
}

// commitPage resolves the page and commits outcomes plus checkpoint as one
// transaction. A concurrent-write conflict re-resolves against fresh state.
func (w *Worker) commitPage(ctx context.Context, job *Job, records []platform.Record, next platform.Checkpoint) error {
	for attempt := 1; ; attempt++ {
		outcomes, err := w.resolver.Resolve(ctx, records)
		if err != nil {
			return fmt.Errorf("resolving page: %w", err)
		}

		err = w.committer.CommitPage(ctx, outcomes, next)
		if err == nil {
			for _, o := range outcomes {
				switch o.Kind {
				case identity.OutcomeMatched:
					job.Stats.Matched++
				case identity.OutcomeCreated:
					job.Stats.Created++
				case identity.OutcomeAmbiguous:
					job.Stats.Ambiguous++
				}
			}
			return nil
		}
		if errors.Is(err, identity.ErrConflict) && attempt < w.config.CommitRetries {
			w.logger.Warn("commit conflict, re-resolving page",
				slog.Int("attempt", attempt))
			continue
		}
		return fmt.Errorf("committing page: %w", err)
	}
}
