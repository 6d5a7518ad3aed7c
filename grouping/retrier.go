/*
retrier.go - Background retry of pending group placements

PURPOSE:
  Every enrollment commits a pending PlacementTask together with the
  subscription. The inline placement after commit normally completes it.
  When that fails (store error, timeout, crash between commit and
  placement), the task stays pending and this worker retries it.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Each pass takes up to BatchSize pending tasks, oldest first
  - A failed attempt bumps the task's attempt counter and records the error
  - Tasks are never dropped; a task stays pending until placement succeeds

USAGE:
  retrier := NewRetrier(store, policy, logger, 30*time.Second, 50)
  retrier.Start()
  // ... later
  retrier.Stop()

SEE ALSO:
  - policy.go: Assign (idempotent, marks the task done)
  - api/handlers.go: RetryPlacements endpoint (manual pass)
*/
package grouping

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/course-market/market"
)

// TaskQueue is the slice of the store the retrier reads and annotates.
type TaskQueue interface {
	PendingPlacements(ctx context.Context, limit int) ([]market.PlacementTask, error)
	RecordPlacementFailure(ctx context.Context, taskID string, reason string) error
}

type Assigner interface {
	Assign(ctx context.Context, userID market.UserID, courseID market.CourseID) (market.GroupID, error)
}

// RetryReport summarizes one pass.
type RetryReport struct {
	Processed int `json:"processed"`
	Placed    int `json:"placed"`
	Failed    int `json:"failed"`
}

type Retrier struct {
	Tasks     TaskQueue
	Assigner  Assigner
	Interval  time.Duration
	BatchSize int

	log     *zap.Logger
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	passMu  sync.Mutex
}

func NewRetrier(tasks TaskQueue, assigner Assigner, log *zap.Logger, interval time.Duration, batchSize int) *Retrier {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Retrier{
		Tasks:     tasks,
		Assigner:  assigner,
		Interval:  interval,
		BatchSize: batchSize,
		log:       log,
	}
}

// Start begins the retry loop. Calling Start on a running retrier is a no-op.
func (r *Retrier) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go r.run(r.stop)

	r.log.Info("placement retrier started",
		zap.Duration("interval", r.Interval),
		zap.Int("batch_size", r.BatchSize))
}

// Stop signals the loop to exit and waits for the current pass to finish.
func (r *Retrier) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	close(r.stop)
	r.wg.Wait()
	r.running = false
	r.log.Info("placement retrier stopped")
}

func (r *Retrier) run(stop <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	// Pick up whatever a previous process left pending.
	r.pass()

	for {
		select {
		case <-ticker.C:
			r.pass()
		case <-stop:
			return
		}
	}
}

func (r *Retrier) pass() {
	ctx, cancel := context.WithTimeout(context.Background(), r.Interval)
	defer cancel()

	if _, err := r.RunNow(ctx); err != nil {
		r.log.Error("placement retry pass failed", zap.Error(err))
	}
}

// RunNow runs one pass immediately (for admin/testing). Passes never overlap.
func (r *Retrier) RunNow(ctx context.Context) (RetryReport, error) {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	var report RetryReport

	tasks, err := r.Tasks.PendingPlacements(ctx, r.BatchSize)
	if err != nil {
		return report, err
	}

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Processed++

		groupID, err := r.Assigner.Assign(ctx, task.UserID, task.CourseID)
		if err != nil {
			report.Failed++
			r.log.Warn("placement retry failed",
				zap.String("task_id", task.ID),
				zap.String("user_id", string(task.UserID)),
				zap.String("course_id", string(task.CourseID)),
				zap.Int("attempts", task.Attempts+1),
				zap.Error(err))
			if rerr := r.Tasks.RecordPlacementFailure(ctx, task.ID, err.Error()); rerr != nil {
				r.log.Error("failed to record placement failure",
					zap.String("task_id", task.ID), zap.Error(rerr))
			}
			continue
		}

		report.Placed++
		r.log.Info("pending placement completed",
			zap.String("task_id", task.ID),
			zap.String("group_id", string(groupID)))
	}

	if report.Processed > 0 {
		r.log.Info("placement retry pass completed",
			zap.Int("processed", report.Processed),
			zap.Int("placed", report.Placed),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}
