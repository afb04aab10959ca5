// File: internal/automation/engine.go
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taskfleet/agent/api/schemas"
	"github.com/taskfleet/agent/internal/config"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Progress band covered by item processing in batch workflows. The runner
// owns 0 and 100; everything in between belongs to the engine.
const (
	batchBandStart = 30
	batchBandWidth = 60
)

// Engine executes the unit of automation work behind one task by driving an
// automated browsing session through the workflow matching the task type.
type Engine struct {
	factory schemas.SessionFactory
	cfg     config.TasksConfig
	logger  *zap.Logger
}

// NewEngine creates an engine acquiring sessions from the given factory.
func NewEngine(factory schemas.SessionFactory, cfg config.TasksConfig, logger *zap.Logger) *Engine {
	return &Engine{
		factory: factory,
		cfg:     cfg,
		logger:  logger.Named("automation"),
	}
}

// Supports reports whether a workflow exists for the task type.
func (e *Engine) Supports(t schemas.TaskType) bool {
	switch t {
	case schemas.TaskDelist, schemas.TaskCollect, schemas.TaskUpload:
		return true
	default:
		return false
	}
}

// Validate checks that the payload is well formed for its declared type.
func (e *Engine) Validate(task schemas.Task) error {
	switch task.Type {
	case schemas.TaskDelist:
		var p schemas.DelistPayload
		if err := codec.Unmarshal(task.Data, &p); err != nil {
			return fmt.Errorf("invalid delist payload: %w", err)
		}
		return nil
	default:
		if !json.Valid(task.Data) {
			return fmt.Errorf("payload is not valid JSON")
		}
		return nil
	}
}

// Execute runs the workflow matching the task type to a terminal result. It
// never returns an error; every fault is folded into the TaskResult.
func (e *Engine) Execute(ctx context.Context, task schemas.Task, report schemas.ProgressFunc) schemas.TaskResult {
	switch task.Type {
	case schemas.TaskDelist:
		return e.runDelist(ctx, task, report)
	case schemas.TaskCollect:
		return e.runPlaceholder(ctx, "collect", report)
	case schemas.TaskUpload:
		return e.runPlaceholder(ctx, "upload", report)
	default:
		return schemas.FailureResult(
			schemas.ErrUnsupportedTaskType,
			fmt.Sprintf("unsupported task type: %s", task.Type))
	}
}

// runDelist walks the declared product list through the browsing session.
// Per-item faults and timeouts mark that item failed and never abort the
// batch; cancellation observed at any suspension point yields TASK_CANCELLED
// with the session still released.
func (e *Engine) runDelist(ctx context.Context, task schemas.Task, report schemas.ProgressFunc) schemas.TaskResult {
	start := time.Now()
	log := e.logger.With(zap.String("task_id", task.ID))

	var payload schemas.DelistPayload
	if err := codec.Unmarshal(task.Data, &payload); err != nil {
		return schemas.FailureResult(schemas.ErrInvalidTaskData, fmt.Sprintf("invalid delist payload: %v", err))
	}

	// Fail fast before any session resources are touched.
	if len(payload.ProductIDs) == 0 {
		return schemas.FailureResult(schemas.ErrEmptyProductList, "product id list is empty")
	}

	report(10, "acquiring automation session")
	sess, err := e.factory(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return schemas.CancelledResult()
		}
		return schemas.FailureResult(schemas.ErrTaskExecutionError,
			fmt.Sprintf("failed to acquire automation session: %v", err))
	}
	// Release on every exit path. Close gets a fresh context so cleanup also
	// happens when the job context is already cancelled.
	defer func() {
		if cerr := sess.Close(context.Background()); cerr != nil {
			log.Warn("failed to close automation session", zap.Error(cerr))
		}
	}()

	report(20, "navigating to target site")
	readyCtx, cancelReady := context.WithTimeout(ctx, e.cfg.ReadyTimeout)
	err = sess.Navigate(readyCtx, e.cfg.TargetURL)
	if err == nil {
		err = sess.WaitReady(readyCtx)
	}
	cancelReady()
	if err != nil {
		if ctx.Err() != nil {
			return schemas.CancelledResult()
		}
		log.Warn("target site not reachable", zap.Error(err))
		return schemas.FailureResult(schemas.ErrWebsiteAccessFailed,
			fmt.Sprintf("target site did not become ready: %v", err))
	}

	total := len(payload.ProductIDs)
	processed := make([]string, 0, total)
	failed := make([]string, 0)

	// Pace items to avoid burst load on the remote system. The first Wait is
	// free; each subsequent one enforces the inter-item delay.
	delay := e.cfg.ItemDelay
	if payload.DelayBetweenItems > 0 {
		delay = time.Duration(payload.DelayBetweenItems * float64(time.Second))
	}
	limiter := rate.NewLimiter(rate.Every(delay), 1)

	for i, productID := range payload.ProductIDs {
		if err := limiter.Wait(ctx); err != nil {
			return schemas.CancelledResult()
		}

		report(batchBandStart+(i*batchBandWidth)/total,
			fmt.Sprintf("delisting item %d/%d: %s", i+1, total, productID))

		stepCtx, cancelStep := context.WithTimeout(ctx, e.cfg.StepTimeout)
		stepErr := sess.PerformStep(stepCtx, productID)
		cancelStep()

		if stepErr != nil {
			if ctx.Err() != nil {
				return schemas.CancelledResult()
			}
			log.Warn("delist step failed",
				zap.String("product_id", productID), zap.Error(stepErr))
			failed = append(failed, productID)
			continue
		}

		log.Debug("delist step completed", zap.String("product_id", productID))
		processed = append(processed, productID)
	}

	report(95, "aggregating batch results")

	result := schemas.TaskResult{
		Success:        len(processed) > 0,
		ProcessedCount: len(processed),
		FailedCount:    len(failed),
		ExecutionTime:  time.Since(start).Seconds(),
		ProcessedItems: processed,
		FailedItems:    failed,
	}
	if result.Success {
		result.Message = fmt.Sprintf("delist completed: %d processed, %d failed", len(processed), len(failed))
	} else {
		result.Message = "delist failed: no items processed"
		result.ErrorCode = schemas.ErrTaskExecutionError
	}
	return result
}

// runPlaceholder is the deterministic contract for recognized task types that
// have no workflow yet: midpoint progress, then FEATURE_NOT_IMPLEMENTED.
func (e *Engine) runPlaceholder(ctx context.Context, name string, report schemas.ProgressFunc) schemas.TaskResult {
	if ctx.Err() != nil {
		return schemas.CancelledResult()
	}
	report(50, fmt.Sprintf("%s workflow is not implemented yet", name))
	return schemas.FailureResult(
		schemas.ErrFeatureNotImplemented,
		fmt.Sprintf("%s tasks are not implemented", name))
}
