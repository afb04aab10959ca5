// File: internal/transport/router.go
package transport

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/taskfleet/agent/api/schemas"
)

// ConnectionListener observes connection state changes.
type ConnectionListener func(connected bool)

// TaskListener receives inbound task assignments.
type TaskListener func(task schemas.Task)

// MessageListener receives any other named inbound event with its raw payload,
// which may be nil.
type MessageListener func(event string, data json.RawMessage)

// Emitter is the outbound half the router publishes through. Implemented by
// the transport Session.
type Emitter interface {
	Connected() bool
	Emit(event string, payload any) error
}

// Router demultiplexes inbound events to subscribers and fans outbound status
// events back to the dispatcher. Subscriber lists are independent; delivery
// iterates a snapshot so subscription changes and misbehaving listeners never
// disturb in-flight notification.
type Router struct {
	logger *zap.Logger

	mu       sync.Mutex
	nextID   int
	connSubs map[int]ConnectionListener
	taskSubs map[int]TaskListener
	msgSubs  map[int]MessageListener
	emitter  Emitter
}

// NewRouter creates an event router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		logger:   logger.Named("router"),
		connSubs: make(map[int]ConnectionListener),
		taskSubs: make(map[int]TaskListener),
		msgSubs:  make(map[int]MessageListener),
	}
}

// Bind attaches the outbound emitter. Must be called before SendProgress or
// SendResult can deliver anything.
func (r *Router) Bind(e Emitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitter = e
}

// SubscribeConnection registers a connection-state listener and returns a
// token for UnsubscribeConnection.
func (r *Router) SubscribeConnection(l ConnectionListener) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.connSubs[r.nextID] = l
	return r.nextID
}

// UnsubscribeConnection removes a connection-state listener.
func (r *Router) UnsubscribeConnection(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connSubs, id)
}

// SubscribeTasks registers a task-assignment listener.
func (r *Router) SubscribeTasks(l TaskListener) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.taskSubs[r.nextID] = l
	return r.nextID
}

// UnsubscribeTasks removes a task-assignment listener.
func (r *Router) UnsubscribeTasks(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.taskSubs, id)
}

// SubscribeMessages registers a generic message listener.
func (r *Router) SubscribeMessages(l MessageListener) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.msgSubs[r.nextID] = l
	return r.nextID
}

// UnsubscribeMessages removes a generic message listener.
func (r *Router) UnsubscribeMessages(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.msgSubs, id)
}

// NotifyConnection fans out a connection-state change.
func (r *Router) NotifyConnection(connected bool) {
	r.mu.Lock()
	snapshot := make([]ConnectionListener, 0, len(r.connSubs))
	for _, l := range r.connSubs {
		snapshot = append(snapshot, l)
	}
	r.mu.Unlock()

	for _, l := range snapshot {
		r.deliver(func() { l(connected) })
	}
}

// NotifyTask fans out a task assignment.
func (r *Router) NotifyTask(task schemas.Task) {
	r.mu.Lock()
	snapshot := make([]TaskListener, 0, len(r.taskSubs))
	for _, l := range r.taskSubs {
		snapshot = append(snapshot, l)
	}
	r.mu.Unlock()

	for _, l := range snapshot {
		r.deliver(func() { l(task) })
	}
}

// NotifyMessage fans out a named event to generic message listeners.
func (r *Router) NotifyMessage(event string, data json.RawMessage) {
	r.mu.Lock()
	snapshot := make([]MessageListener, 0, len(r.msgSubs))
	for _, l := range r.msgSubs {
		snapshot = append(snapshot, l)
	}
	r.mu.Unlock()

	for _, l := range snapshot {
		r.deliver(func() { l(event, data) })
	}
}

// deliver invokes one listener, recovering a panic so delivery continues to
// the remaining subscribers.
func (r *Router) deliver(notify func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber panicked during delivery", zap.Any("panic", rec))
		}
	}()
	notify()
}

// SendProgress publishes a task_progress event. A no-op with a warning when
// the channel is down; never returns an error to the caller.
func (r *Router) SendProgress(taskID string, progress int, message string) {
	r.mu.Lock()
	e := r.emitter
	r.mu.Unlock()

	if e == nil || !e.Connected() {
		r.logger.Warn("dropping task progress, channel disconnected", zap.String("task_id", taskID))
		return
	}
	payload := schemas.ProgressPayload{TaskID: taskID, Progress: progress, Message: message}
	if err := e.Emit(schemas.EventTaskProgress, payload); err != nil {
		r.logger.Warn("failed to send task progress", zap.String("task_id", taskID), zap.Error(err))
	}
}

// SendResult publishes a task_result event. Same delivery semantics as
// SendProgress.
func (r *Router) SendResult(taskID string, result schemas.TaskResult) {
	r.mu.Lock()
	e := r.emitter
	r.mu.Unlock()

	if e == nil || !e.Connected() {
		r.logger.Warn("dropping task result, channel disconnected", zap.String("task_id", taskID))
		return
	}
	payload := schemas.ResultPayload{TaskID: taskID, Result: result}
	if err := e.Emit(schemas.EventTaskResult, payload); err != nil {
		r.logger.Warn("failed to send task result", zap.String("task_id", taskID), zap.Error(err))
	}
}
