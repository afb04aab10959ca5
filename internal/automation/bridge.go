// File: internal/automation/bridge.go
package automation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Reply is the single completion signal for one outstanding bridge request.
type Reply struct {
	Success bool
	Message string
}

// Bridge correlates asynchronous requests into the browsing context's script
// environment with their one-shot completions. The script side is an opaque
// peer: a request id goes out, at most one callback comes in, and the caller
// enforces its own timeout whether or not the peer ever answers.
type Bridge struct {
	mu      sync.Mutex
	pending map[string]chan Reply
}

// NewBridge creates an empty correlation table.
func NewBridge() *Bridge {
	return &Bridge{pending: make(map[string]chan Reply)}
}

// Open allocates a request id and its completion channel. The caller must
// eventually consume the channel or Discard the id.
func (b *Bridge) Open() (string, <-chan Reply) {
	id := uuid.NewString()
	ch := make(chan Reply, 1)

	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Resolve completes the request with the given id. Exactly one resolution is
// delivered per id; duplicates and unknown ids are dropped and reported as
// false.
func (b *Bridge) Resolve(id string, reply Reply) bool {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	ch <- reply
	return true
}

// Discard drops an outstanding request, releasing its table entry. Safe to
// call for ids already resolved.
func (b *Bridge) Discard(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Await blocks until the request completes or ctx expires. The caller should
// Discard the id after a failed wait.
func (b *Bridge) Await(ctx context.Context, ch <-chan Reply) (Reply, error) {
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, fmt.Errorf("bridge completion not received: %w", ctx.Err())
	}
}

// PendingCount reports the number of unresolved requests.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
