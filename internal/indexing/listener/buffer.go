package listener

import (
	"context"
	"net/http"
	"sync"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/platform/database"
)

type bufferKey struct{}

type entry struct {
	change model.PendingChange
	tx     *database.Tx
}

// Buffer is the request-scoped list of changes awaiting a durable commit
type Buffer struct {
	mu      sync.Mutex
	entries []entry
}

func (b *Buffer) append(tx *database.Tx, change model.PendingChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry{change: change, tx: tx})
}

// drain returns the buffered changes and empties the buffer
func (b *Buffer) drain() []model.PendingChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.PendingChange, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.change
	}
	b.entries = nil
	return out
}

// discard drops the changes recorded by tx or its sub-transactions
func (b *Buffer) discard(tx *database.Tx) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.entries[:0]
	for _, e := range b.entries {
		if !e.tx.Within(tx) {
			kept = append(kept, e)
		}
	}
	b.entries = kept
}

// Clear empties the buffer
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

// Len returns the number of buffered changes
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Changes returns a copy of the buffered changes
func (b *Buffer) Changes() []model.PendingChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.PendingChange, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.change
	}
	return out
}

// WithBuffer attaches a fresh buffer to ctx. The returned cleanup clears it
// and must run when the request or unit of work ends.
func WithBuffer(ctx context.Context) (context.Context, func()) {
	buf := &Buffer{}
	return context.WithValue(ctx, bufferKey{}, buf), buf.Clear
}

// BufferFrom returns the buffer attached to ctx
func BufferFrom(ctx context.Context) (*Buffer, bool) {
	buf, ok := ctx.Value(bufferKey{}).(*Buffer)
	return buf, ok
}

// Middleware gives every request its own buffer and clears it on teardown,
// panics included
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cleanup := WithBuffer(r.Context())
		defer cleanup()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
