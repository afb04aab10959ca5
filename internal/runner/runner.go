// File: internal/runner/runner.go
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/taskfleet/agent/api/schemas"
)

// Publisher delivers progress and terminal results toward the dispatcher.
// Implemented by the transport Router; both calls are fire-and-forget.
type Publisher interface {
	SendProgress(taskID string, progress int, message string)
	SendResult(taskID string, result schemas.TaskResult)
}

// job is the runtime handle for one accepted task.
type job struct {
	taskID string
	cancel context.CancelFunc
	// done is closed when the job's goroutine has fully finished, including
	// release of its automation session.
	done chan struct{}
	// superseded marks a job displaced by a newer assignment with the same
	// task_id. A superseded job's remaining events are suppressed so they can
	// never trail the replacement's.
	superseded atomic.Bool
	// lastProgress enforces monotone progress within the job's lifetime.
	lastProgress int
	progressMu   sync.Mutex
}

// Runner owns the set of currently executing jobs, keyed by task_id. It
// enforces at most one live job per id, cooperative cancellation, and fault
// isolation: nothing a job does can take down a sibling or the runner.
type Runner struct {
	engine schemas.TaskEngine
	pub    Publisher
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// New creates a Runner executing tasks through the given engine.
func New(engine schemas.TaskEngine, pub Publisher, logger *zap.Logger) *Runner {
	return &Runner{
		engine: engine,
		pub:    pub,
		logger: logger.Named("runner"),
		jobs:   make(map[string]*job),
	}
}

// AcceptTask validates an assignment and starts it as an isolated concurrent
// job. Validation failures and unknown task types produce a synchronous
// terminal result and never enter the running state. A duplicate task_id
// cancels and evicts the existing job before the new one acquires resources;
// the new job always wins.
func (r *Runner) AcceptTask(task schemas.Task) {
	if err := r.validate(task); err != nil {
		r.logger.Warn("rejecting malformed task assignment",
			zap.String("task_id", task.ID), zap.Error(err))
		r.pub.SendResult(task.ID, schemas.FailureResult(schemas.ErrInvalidTaskData, err.Error()))
		return
	}

	if !r.engine.Supports(task.Type) {
		r.logger.Warn("rejecting unsupported task type",
			zap.String("task_id", task.ID), zap.String("task_type", string(task.Type)))
		r.pub.SendResult(task.ID, schemas.FailureResult(
			schemas.ErrUnsupportedTaskType,
			fmt.Sprintf("unsupported task type: %s", task.Type)))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		taskID:       task.ID,
		cancel:       cancel,
		done:         make(chan struct{}),
		lastProgress: -1,
	}

	r.mu.Lock()
	prev := r.jobs[task.ID]
	if prev != nil {
		prev.superseded.Store(true)
		prev.cancel()
	}
	r.jobs[task.ID] = j
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("superseding active job with same task_id", zap.String("task_id", task.ID))
	}

	r.wg.Add(1)
	go r.run(ctx, task, j, prev)
}

// run executes one job to its terminal state. Any panic is converted into a
// TASK_EXECUTION_ERROR result; the runner itself never unwinds.
func (r *Runner) run(ctx context.Context, task schemas.Task, j *job, prev *job) {
	defer r.wg.Done()
	defer close(j.done)
	defer r.evict(j)

	// The displaced job must finish (and release its automation session)
	// before this one acquires anything.
	if prev != nil {
		<-prev.done
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("job panicked",
				zap.String("task_id", task.ID), zap.Any("panic", rec))
			r.finish(j, schemas.FailureResult(
				schemas.ErrTaskExecutionError,
				fmt.Sprintf("task execution error: %v", rec)))
		}
	}()

	r.logger.Info("job started",
		zap.String("task_id", task.ID), zap.String("task_type", string(task.Type)))

	r.reportProgress(j, 0, "task started")
	result := r.engine.Execute(ctx, task, func(percent int, message string) {
		r.reportProgress(j, percent, message)
	})
	r.finish(j, result)
}

// finish emits the closing 100 progress followed by the single terminal
// result, unless the job was superseded in the meantime.
func (r *Runner) finish(j *job, result schemas.TaskResult) {
	if j.superseded.Load() {
		r.logger.Debug("suppressing terminal events of superseded job",
			zap.String("task_id", j.taskID))
		return
	}
	r.reportProgress(j, 100, "task finished")
	r.logger.Info("job finished",
		zap.String("task_id", j.taskID),
		zap.Bool("success", result.Success),
		zap.String("error_code", string(result.ErrorCode)))
	r.pub.SendResult(j.taskID, result)
}

// reportProgress clamps to [0,100] and drops regressions so observed progress
// is monotone within one job.
func (r *Runner) reportProgress(j *job, percent int, message string) {
	if j.superseded.Load() {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	j.progressMu.Lock()
	if percent < j.lastProgress {
		j.progressMu.Unlock()
		return
	}
	j.lastProgress = percent
	j.progressMu.Unlock()

	r.pub.SendProgress(j.taskID, percent, message)
}

// evict removes the job from the active set unless it was already replaced.
func (r *Runner) evict(j *job) {
	r.mu.Lock()
	if r.jobs[j.taskID] == j {
		delete(r.jobs, j.taskID)
	}
	r.mu.Unlock()
}

// CancelTask requests cooperative cancellation of the job with the given id.
// A no-op when no such job exists.
func (r *Runner) CancelTask(taskID string) {
	r.mu.Lock()
	j := r.jobs[taskID]
	r.mu.Unlock()

	if j == nil {
		return
	}
	r.logger.Info("cancelling job", zap.String("task_id", taskID))
	j.cancel()
}

// CancelAll cancels every active job. Used during shutdown.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	jobs := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
	}
	if len(jobs) > 0 {
		r.logger.Info("cancelled all active jobs", zap.Int("count", len(jobs)))
	}
}

// Wait blocks until every accepted job has reached its terminal state.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// ActiveJobCount reports the number of jobs currently in the active set.
func (r *Runner) ActiveJobCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// validate checks the structural validity of an assignment before admission.
func (r *Runner) validate(task schemas.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task assignment missing task_id")
	}
	if task.Type == "" {
		return fmt.Errorf("task assignment missing task_type")
	}
	if len(task.Data) == 0 {
		return fmt.Errorf("task assignment missing payload")
	}
	if err := r.engine.Validate(task); err != nil {
		return fmt.Errorf("malformed payload for %s task: %w", task.Type, err)
	}
	return nil
}
