// File: internal/automation/engine_test.go
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskfleet/agent/api/schemas"
	"github.com/taskfleet/agent/internal/config"
)

// -- Mock Implementations for Testing --

// fakeSession is a scriptable AutomationSession.
type fakeSession struct {
	mu          sync.Mutex
	navigateErr error
	readyBlocks bool
	stepFn      func(ctx context.Context, itemID string) error
	closeCount  int
	steps       []string
}

func (f *fakeSession) Navigate(ctx context.Context, url string) error {
	return f.navigateErr
}

func (f *fakeSession) WaitReady(ctx context.Context) error {
	if f.readyBlocks {
		<-ctx.Done()
		return fmt.Errorf("page did not become ready: %w", ctx.Err())
	}
	return nil
}

func (f *fakeSession) PerformStep(ctx context.Context, itemID string) error {
	f.mu.Lock()
	f.steps = append(f.steps, itemID)
	fn := f.stepFn
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, itemID)
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return nil
}

func (f *fakeSession) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

func (f *fakeSession) performedSteps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.steps...)
}

// countingFactory hands out the given session and counts acquisitions.
type countingFactory struct {
	mu       sync.Mutex
	session  *fakeSession
	err      error
	acquired int
}

func (c *countingFactory) factory(ctx context.Context) (schemas.AutomationSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired++
	if c.err != nil {
		return nil, c.err
	}
	return c.session, nil
}

func (c *countingFactory) acquisitions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

// nullProgress discards progress reports.
func nullProgress(int, string) {}

// progressRecorder captures progress reports.
type progressRecorder struct {
	mu      sync.Mutex
	entries []int
}

func (p *progressRecorder) report(percent int, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, percent)
}

func (p *progressRecorder) recorded() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.entries...)
}

func testTasksConfig() config.TasksConfig {
	return config.TasksConfig{
		TargetURL:    "https://marketplace.example",
		ReadyTimeout: 100 * time.Millisecond,
		StepTimeout:  100 * time.Millisecond,
		ItemDelay:    time.Millisecond,
	}
}

func newTestEngine(f *countingFactory) *Engine {
	return NewEngine(f.factory, testTasksConfig(), zap.NewNop())
}

func delistTask(id string, productIDs ...string) schemas.Task {
	payload, _ := json.Marshal(map[string]any{"product_ids": productIDs, "batch_size": 10})
	return schemas.Task{ID: id, Type: schemas.TaskDelist, Data: payload}
}

// -- Tests --

func TestSupports(t *testing.T) {
	e := newTestEngine(&countingFactory{session: &fakeSession{}})

	assert.True(t, e.Supports(schemas.TaskDelist))
	assert.True(t, e.Supports(schemas.TaskCollect))
	assert.True(t, e.Supports(schemas.TaskUpload))
	assert.False(t, e.Supports("REPRICE"))
}

func TestValidateDelistPayload(t *testing.T) {
	e := newTestEngine(&countingFactory{session: &fakeSession{}})

	assert.NoError(t, e.Validate(delistTask("t1", "p1")))
	assert.Error(t, e.Validate(schemas.Task{
		ID:   "t1",
		Type: schemas.TaskDelist,
		Data: json.RawMessage(`{"product_ids": "not-an-array"}`),
	}))
}

func TestDelistEmptyListFailsBeforeSessionAcquisition(t *testing.T) {
	factory := &countingFactory{session: &fakeSession{}}
	e := newTestEngine(factory)

	result := e.Execute(context.Background(), delistTask("t1"), nullProgress)

	assert.False(t, result.Success)
	assert.Equal(t, schemas.ErrEmptyProductList, result.ErrorCode)
	assert.Equal(t, 0, factory.acquisitions())
}

func TestDelistPartialFailureAggregation(t *testing.T) {
	sess := &fakeSession{
		stepFn: func(ctx context.Context, itemID string) error {
			if itemID == "p2" {
				// Simulate a step that never calls back: the per-item
				// timeout converts it into that item's failure.
				<-ctx.Done()
				return fmt.Errorf("bridge completion not received: %w", ctx.Err())
			}
			return nil
		},
	}
	factory := &countingFactory{session: sess}
	e := newTestEngine(factory)

	result := e.Execute(context.Background(), delistTask("t1", "p1", "p2", "p3"), nullProgress)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.ProcessedCount)
	assert.Equal(t, 1, result.FailedCount)
	assert.ElementsMatch(t, []string{"p1", "p3"}, result.ProcessedItems)
	assert.ElementsMatch(t, []string{"p2"}, result.FailedItems)
	assert.Greater(t, result.ExecutionTime, 0.0)
	// Per-item failure never aborts the batch.
	assert.Equal(t, []string{"p1", "p2", "p3"}, sess.performedSteps())
	assert.Equal(t, 1, sess.closes())
}

func TestDelistAllItemsFailing(t *testing.T) {
	sess := &fakeSession{
		stepFn: func(ctx context.Context, itemID string) error {
			return fmt.Errorf("step rejected for item %s", itemID)
		},
	}
	e := newTestEngine(&countingFactory{session: sess})

	result := e.Execute(context.Background(), delistTask("t1", "p1", "p2"), nullProgress)

	assert.False(t, result.Success)
	assert.Equal(t, 0, result.ProcessedCount)
	assert.Equal(t, 2, result.FailedCount)
	assert.NotEmpty(t, result.ErrorCode)
	assert.Equal(t, 1, sess.closes())
}

func TestDelistReadyTimeoutReleasesSession(t *testing.T) {
	sess := &fakeSession{readyBlocks: true}
	factory := &countingFactory{session: sess}
	e := newTestEngine(factory)

	result := e.Execute(context.Background(), delistTask("t1", "p1"), nullProgress)

	assert.False(t, result.Success)
	assert.Equal(t, schemas.ErrWebsiteAccessFailed, result.ErrorCode)
	assert.Empty(t, sess.performedSteps())
	assert.Equal(t, 1, sess.closes())
}

func TestDelistCancellationMidBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{
		stepFn: func(stepCtx context.Context, itemID string) error {
			if itemID == "p1" {
				cancel()
				<-stepCtx.Done()
				return stepCtx.Err()
			}
			return nil
		},
	}
	e := newTestEngine(&countingFactory{session: sess})

	result := e.Execute(ctx, delistTask("t1", "p1", "p2", "p3"), nullProgress)

	assert.False(t, result.Success)
	assert.Equal(t, schemas.ErrTaskCancelled, result.ErrorCode)
	// No further items after the cancellation point, and exactly one release.
	assert.Equal(t, []string{"p1"}, sess.performedSteps())
	assert.Equal(t, 1, sess.closes())
}

func TestDelistProgressStaysInsideBatchBand(t *testing.T) {
	rec := &progressRecorder{}
	sess := &fakeSession{}
	e := newTestEngine(&countingFactory{session: sess})

	result := e.Execute(context.Background(), delistTask("t1", "p1", "p2", "p3", "p4"), rec.report)
	require.True(t, result.Success)

	for _, p := range rec.recorded() {
		assert.GreaterOrEqual(t, p, 10)
		assert.LessOrEqual(t, p, 95)
	}
}

func TestSessionAcquisitionFailure(t *testing.T) {
	factory := &countingFactory{err: fmt.Errorf("browser binary not found")}
	e := newTestEngine(factory)

	result := e.Execute(context.Background(), delistTask("t1", "p1"), nullProgress)

	assert.False(t, result.Success)
	assert.Equal(t, schemas.ErrTaskExecutionError, result.ErrorCode)
	assert.Contains(t, result.Message, "browser binary not found")
}

func TestPlaceholderWorkflows(t *testing.T) {
	for _, taskType := range []schemas.TaskType{schemas.TaskCollect, schemas.TaskUpload} {
		t.Run(string(taskType), func(t *testing.T) {
			rec := &progressRecorder{}
			factory := &countingFactory{session: &fakeSession{}}
			e := newTestEngine(factory)

			result := e.Execute(context.Background(), schemas.Task{
				ID:   "t1",
				Type: taskType,
				Data: json.RawMessage(`{}`),
			}, rec.report)

			assert.False(t, result.Success)
			assert.Equal(t, schemas.ErrFeatureNotImplemented, result.ErrorCode)
			assert.Equal(t, []int{50}, rec.recorded())
			assert.Equal(t, 0, factory.acquisitions())
		})
	}
}
