package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/calliohq/calliope/internal/identity"
	"github.com/calliohq/calliope/internal/platform"
)

// ErrJobActive is returned when a job for the platform is already running;
// at most one job per platform is active at a time.
var ErrJobActive = errors.New("sync: a job is already active for this platform")

// ErrUnknownPlatform is returned when no client is registered for the
// requested platform.
var ErrUnknownPlatform = errors.New("sync: no client registered for platform")

// Config tunes the orchestrator.
type Config struct {
	// Concurrency bounds how many jobs run at once across all platforms.
	Concurrency int
	Worker      WorkerConfig
}

// DefaultConfig returns the default orchestrator tuning.
func DefaultConfig() Config {
	return Config{
		Concurrency: 3,
		Worker:      DefaultWorkerConfig(),
	}
}

// Orchestrator schedules sync jobs: one active job per platform, jobs for
// distinct platforms concurrent up to a global bound. Failed jobs are not
// resubmitted automatically; a later submission resumes from the last
// durable checkpoint.
type Orchestrator struct {
	registry *platform.Registry
	resolver *identity.Resolver
	repo     *identity.Service
	store    *Store
	config   Config
	logger   *slog.Logger

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[platform.Name]bool
}

// NewOrchestrator creates an orchestrator. Call Close to cancel running
// jobs and wait for them to settle.
func NewOrchestrator(registry *platform.Registry, resolver *identity.Resolver, repo *identity.Service, store *Store, config Config, logger *slog.Logger) *Orchestrator {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConfig().Concurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		registry: registry,
		resolver: resolver,
		repo:     repo,
		store:    store,
		config:   config,
		logger:   logger.With(slog.String("component", "orchestrator")),
		sem:      semaphore.NewWeighted(int64(config.Concurrency)),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[platform.Name]bool),
	}
}

// Recover marks jobs orphaned by a previous process as failed. Called once
// at startup, before any submission.
func (o *Orchestrator) Recover(ctx context.Context) error {
	n, err := o.store.FailOrphanedJobs(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.Warn("failed orphaned jobs from previous run", slog.Int("count", n))
	}
	return nil
}

// SubmitJob schedules a sync job for one platform and returns its ID. The
// job runs asynchronously; poll GetJob for progress. Submission fails when
// the platform has no registered client, the mode is invalid, or a job for
// the platform is already active.
func (o *Orchestrator) SubmitJob(ctx context.Context, p platform.Name, mode platform.SyncMode) (string, error) {
	if !mode.Valid() {
		return "", fmt.Errorf("invalid sync mode: %s", mode)
	}
	client := o.registry.Get(p)
	if client == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownPlatform, p)
	}

	o.mu.Lock()
	if o.active[p] {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrJobActive, p)
	}
	o.active[p] = true
	o.mu.Unlock()

	job, err := o.store.CreateJob(ctx, p, mode)
	if err != nil {
		o.release(p)
		return "", err
	}

	o.wg.Add(1)
	go o.run(job, client)

	o.logger.Info("job submitted",
		slog.String("job_id", job.ID),
		slog.String("platform", string(p)),
		slog.String("mode", string(mode)))
	return job.ID, nil
}

// GetJob returns the current status of a job, or nil when unknown.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*Job, error) {
	return o.store.GetJob(ctx, id)
}

// ListJobs returns the most recent jobs, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	return o.store.ListJobs(ctx, limit)
}

// ListCheckpoints returns all sync checkpoints.
func (o *Orchestrator) ListCheckpoints(ctx context.Context) ([]platform.Checkpoint, error) {
	return o.store.ListCheckpoints(ctx)
}

// Wait blocks until all submitted jobs have settled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels running jobs (effective at their next page boundary) and
// waits for them to settle.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) run(job *Job, client platform.Client) {
	defer o.wg.Done()
	defer o.release(job.Platform)

	if err := o.sem.Acquire(o.ctx, 1); err != nil {
		o.finish(job, err)
		return
	}
	defer o.sem.Release(1)

	now := time.Now().UTC()
	job.State = StateRunning
	job.StartedAt = &now
	if err := o.store.UpdateJob(o.ctx, job); err != nil {
		o.logger.Error("persisting job start", "job_id", job.ID, "error", err)
	}

	worker := NewWorker(client, o.resolver, o.repo, o.store, o.config.Worker, o.logger)
	o.finish(job, worker.Run(o.ctx, job))
}

// finish records the terminal state. Job status always carries the full
// stats, even on failure.
func (o *Orchestrator) finish(job *Job, runErr error) {
	now := time.Now().UTC()
	job.FinishedAt = &now
	if runErr != nil {
		job.State = StateFailed
		job.Error = runErr.Error()
		o.logger.Error("job failed",
			slog.String("job_id", job.ID),
			slog.String("platform", string(job.Platform)),
			slog.String("error", runErr.Error()))
	} else {
		job.State = StateSucceeded
		o.logger.Info("job succeeded",
			slog.String("job_id", job.ID),
			slog.String("platform", string(job.Platform)),
			slog.Int("fetched", job.Stats.Fetched),
			slog.Int("matched", job.Stats.Matched),
			slog.Int("created", job.Stats.Created),
			slog.Int("failed", job.Stats.Failed),
			slog.Int("ambiguous", job.Stats.Ambiguous))
	}

	// Terminal updates must land even when the run context is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.logger.Error("persisting job result", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) release(p platform.Name) {
	o.mu.Lock()
	delete(o.active, p)
	o.mu.Unlock()
}
