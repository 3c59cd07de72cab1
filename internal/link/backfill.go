package link

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"palletspace/internal/telemetry"
	"palletspace/internal/types"
)

// parkTimeout bounds the status write that parks a run. Parking must land
// even when the driving context is already canceled, so it runs on a
// detached context with its own deadline.
const parkTimeout = 5 * time.Second

// UnlinkedLister pages through users that still need linking. Satisfied by
// db.UserRepository.
type UnlinkedLister interface {
	ListUnlinkedAfter(ctx context.Context, cursor string, limit int) ([]*types.User, error)
}

// RunStore persists backfill run state. Satisfied by db.BackfillRepository.
type RunStore interface {
	Start(ctx context.Context, batchSize int, cursor string) (*types.BackfillRun, error)
	Advance(ctx context.Context, id string, cursor string, processed int, failed int) error
	SetStatus(ctx context.Context, id string, status types.BackfillStatus) error
}

// Linker is the slice of the Coordinator the backfill drives.
type Linker interface {
	EnsureLinked(ctx context.Context, userID string) (*types.LinkResult, error)
}

// BackfillConfig tunes batch size and per-batch concurrency.
type BackfillConfig struct {
	BatchSize   int
	Concurrency int
}

// Backfill repairs the historical user population by walking it in id order
// and calling EnsureLinked for every user that is not linked. Interruptible
// at batch granularity: the cursor is committed only after every user in the
// batch has been attempted, and EnsureLinked's idempotence makes replaying a
// half-finished batch harmless.
//
// Every entry point claims the single active run row before touching users,
// so at most one backfill makes progress at a time, across both the paged
// admin endpoint and background runs.
type Backfill struct {
	users   UnlinkedLister
	runs    RunStore
	linker  Linker
	cfg     BackfillConfig
	logger  *slog.Logger
	metrics telemetry.Collector

	stopMu  sync.Mutex
	stopped bool
	running sync.WaitGroup
}

// NewBackfill creates a Backfill job.
func NewBackfill(
	users UnlinkedLister,
	runs RunStore,
	linker Linker,
	cfg BackfillConfig,
	logger *slog.Logger,
	metrics telemetry.Collector,
) *Backfill {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.Noop{}
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Backfill{
		users:   users,
		runs:    runs,
		linker:  linker,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Stop requests a graceful halt of the active run and blocks until any
// background run has parked. The current batch finishes and commits its
// cursor; the run parks as paused and can resume from the cursor later.
func (b *Backfill) Stop() {
	b.stopMu.Lock()
	b.stopped = true
	b.stopMu.Unlock()
	b.running.Wait()
}

func (b *Backfill) stopRequested() bool {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()
	return b.stopped
}

// claim takes the single active run slot. A pending Stop applies to the run
// it was issued against, not the next one, so the flag resets here.
func (b *Backfill) claim(ctx context.Context, batchSize int, cursor string) (*types.BackfillRun, error) {
	run, err := b.runs.Start(ctx, batchSize, cursor)
	if err != nil {
		return nil, err
	}
	b.stopMu.Lock()
	b.stopped = false
	b.stopMu.Unlock()
	return run, nil
}

// Run claims the active run slot and drives batches until the population is
// exhausted, Stop is called, or ctx is canceled. A second concurrent run
// anywhere fails with conflict_backfill_running.
func (b *Backfill) Run(ctx context.Context, startCursor string) (*types.BackfillRun, error) {
	run, err := b.claim(ctx, b.cfg.BatchSize, startCursor)
	if err != nil {
		return nil, err
	}
	if err := b.drive(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// StartRun claims the active run slot and drives the job in a background
// goroutine detached from the caller's deadline, returning the claimed run
// immediately. Stop pauses the goroutine after its current batch.
func (b *Backfill) StartRun(ctx context.Context, startCursor string) (*types.BackfillRun, error) {
	run, err := b.claim(ctx, b.cfg.BatchSize, startCursor)
	if err != nil {
		return nil, err
	}

	// The goroutine drives its own copy; the returned run is a snapshot the
	// caller can encode without racing the background progress.
	bg := *run
	runCtx := context.WithoutCancel(ctx)
	b.running.Add(1)
	go func() {
		defer b.running.Done()
		if err := b.drive(runCtx, &bg); err != nil {
			b.logger.ErrorContext(runCtx, "background backfill run failed",
				"run_id", run.ID,
				"error", err,
			)
		}
	}()
	return run, nil
}

// RunBatch claims the active run slot, processes exactly one page, commits
// progress, and releases the slot as paused, or completed when the page came
// up short. The operator feeds NextCursor back in for the following page.
func (b *Backfill) RunBatch(ctx context.Context, cursor string, batchSize int) (*types.BackfillReport, error) {
	if batchSize <= 0 {
		batchSize = b.cfg.BatchSize
	}
	run, err := b.claim(ctx, batchSize, cursor)
	if err != nil {
		return nil, err
	}

	report, err := b.processBatch(ctx, cursor, batchSize)
	if err != nil {
		b.park(ctx, run, types.BackfillFailed)
		return nil, err
	}
	if report.Processed > 0 {
		if err := b.runs.Advance(ctx, run.ID, report.NextCursor, report.Processed, len(report.Failures)); err != nil {
			b.park(ctx, run, types.BackfillFailed)
			return nil, err
		}
	}

	status := types.BackfillPaused
	if report.Done {
		status = types.BackfillCompleted
	}
	if err := b.runs.SetStatus(ctx, run.ID, status); err != nil {
		return nil, err
	}
	run.Status = status
	report.RunID = run.ID
	return report, nil
}

// drive loops batches for an already-claimed run. Whatever ends the loop
// early parks the run, so the active slot is always released.
func (b *Backfill) drive(ctx context.Context, run *types.BackfillRun) error {
	cursor := run.Cursor
	for {
		if ctx.Err() != nil || b.stopRequested() {
			b.park(ctx, run, types.BackfillPaused)
			return nil
		}

		report, err := b.processBatch(ctx, cursor, run.BatchSize)
		if err != nil {
			b.park(ctx, run, types.BackfillFailed)
			return err
		}

		if report.Processed > 0 {
			if err := b.runs.Advance(ctx, run.ID, report.NextCursor, report.Processed, len(report.Failures)); err != nil {
				b.park(ctx, run, types.BackfillFailed)
				return err
			}
			cursor = report.NextCursor
		}

		if report.Done {
			if err := b.runs.SetStatus(ctx, run.ID, types.BackfillCompleted); err != nil {
				return err
			}
			run.Status = types.BackfillCompleted
			b.logger.InfoContext(ctx, "backfill completed", "run_id", run.ID)
			return nil
		}
	}
}

func (b *Backfill) processBatch(ctx context.Context, cursor string, batchSize int) (*types.BackfillReport, error) {
	batchStart := time.Now()

	users, err := b.users.ListUnlinkedAfter(ctx, cursor, batchSize)
	if err != nil {
		return nil, err
	}

	report := &types.BackfillReport{
		Processed: len(users),
		Done:      len(users) < batchSize,
	}
	if len(users) == 0 {
		return report, nil
	}
	report.NextCursor = users[len(users)-1].ID

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)

	linked := 0
	for _, u := range users {
		user := u
		g.Go(func() error {
			res, err := b.linker.EnsureLinked(gctx, user.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Per-user failures never abort the batch; they go in the
				// report for the operator.
				report.Failures = append(report.Failures, types.BackfillFailure{
					UserID: user.ID,
					Code:   string(types.ErrCodeOf(err)),
					Reason: err.Error(),
				})
				return nil
			}
			if res.Created {
				linked++
			}
			return nil
		})
	}
	// Workers only return nil; Wait is for completion, not errors.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.Linked = linked
	b.metrics.Count(ctx, telemetry.MetricBackfillBatch, nil)
	b.logger.InfoContext(ctx, "backfill batch processed",
		"cursor", cursor,
		"next_cursor", report.NextCursor,
		"processed", report.Processed,
		"linked", report.Linked,
		"failed", len(report.Failures),
		"duration_ms", time.Since(batchStart).Milliseconds(),
		"done", report.Done,
	)
	return report, nil
}

// park releases the active run slot. The write is detached from ctx so a
// canceled run still persists its paused or failed status; a run row stuck
// in running would lock out every later claim.
func (b *Backfill) park(ctx context.Context, run *types.BackfillRun, status types.BackfillStatus) {
	parkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), parkTimeout)
	defer cancel()
	if err := b.runs.SetStatus(parkCtx, run.ID, status); err != nil {
		b.logger.ErrorContext(parkCtx, "failed to park backfill run",
			"run_id", run.ID,
			"status", string(status),
			"error", err,
		)
		return
	}
	run.Status = status
}
