package scopez

import (
	"context"
	"sync"
)

// scopeKeyType is a private type for context keys to avoid collisions.
type scopeKeyType struct{}

var scopeKey = scopeKeyType{}

type frozenLayer struct {
	tags        map[string]string
	breadcrumbs []Breadcrumb
	active      *ActiveSpan
}

// Snapshot is an immutable capture of a Scope stack. It can be restored on
// any execution unit, any number of times; each restore gets its own copy.
// The zero Snapshot restores to an empty Scope.
type Snapshot struct {
	tracer *Tracer
	layers []frozenLayer
}

// IsZero reports whether the snapshot was taken outside any scope.
func (s Snapshot) IsZero() bool {
	return len(s.layers) == 0
}

// Depth returns the number of captured layers.
func (s Snapshot) Depth() int {
	return len(s.layers)
}

// ActiveSpan returns the active span visible at capture time, or nil.
func (s Snapshot) ActiveSpan() *ActiveSpan {
	for i := len(s.layers) - 1; i >= 0; i-- {
		if s.layers[i].active != nil {
			return s.layers[i].active
		}
	}
	return nil
}

// Tags returns the effective tags at capture time.
func (s Snapshot) Tags() map[string]string {
	merged := make(map[string]string)
	for _, l := range s.layers {
		for k, v := range l.tags {
			merged[k] = v
		}
	}
	return merged
}

// Breadcrumbs returns the breadcrumbs of the captured top layer.
func (s Snapshot) Breadcrumbs() []Breadcrumb {
	if len(s.layers) == 0 {
		return nil
	}
	return copyBreadcrumbs(s.layers[len(s.layers)-1].breadcrumbs)
}

// scope rebuilds an independent Scope from the snapshot.
func (s Snapshot) scope(t *Tracer) *Scope {
	scope := newScope(t)
	if len(s.layers) == 0 {
		return scope
	}
	scope.layers = make([]*layer, len(s.layers))
	for i, f := range s.layers {
		scope.layers[i] = &layer{
			tags:        copyTags(f.tags),
			breadcrumbs: copyBreadcrumbs(f.breadcrumbs),
			active:      f.active,
		}
	}
	return scope
}

// Carrier binds Scopes to execution units.
type Carrier interface {
	// Current returns the Scope bound to the calling execution unit, or nil.
	Current(ctx context.Context) *Scope
	// Bind makes s current for the calling execution unit. The returned
	// release func restores the previous binding and must run on every exit path.
	Bind(ctx context.Context, s *Scope) (context.Context, func())
}

// ContextCarrier identifies an execution unit by the context chain threaded
// through it. This is the default and covers goroutines, callbacks and
// continuations that pass their context along.
type ContextCarrier struct{}

// Current implements Carrier.
func (ContextCarrier) Current(ctx context.Context) *Scope {
	return scopeFromContext(ctx)
}

// Bind implements Carrier. The parent context keeps its own binding, so the
// release func has nothing to undo.
func (ContextCarrier) Bind(ctx context.Context, s *Scope) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, scopeKey, s), func() {}
}

// WorkerCarrier additionally keys Scopes by goroutine, for worker code that
// does not thread a context through. A Scope found in the context always wins.
type WorkerCarrier struct {
	units map[uint64]*Scope
	mu    sync.RWMutex
}

// NewWorkerCarrier creates an empty goroutine-keyed carrier.
func NewWorkerCarrier() *WorkerCarrier {
	return &WorkerCarrier{units: make(map[uint64]*Scope)}
}

// Current implements Carrier.
func (w *WorkerCarrier) Current(ctx context.Context) *Scope {
	if s := scopeFromContext(ctx); s != nil {
		return s
	}
	gid := goroutineID()
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.units[gid]
}

// Bind implements Carrier. Release must run on the goroutine that called Bind.
func (w *WorkerCarrier) Bind(ctx context.Context, s *Scope) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	gid := goroutineID()

	w.mu.Lock()
	prev, had := w.units[gid]
	w.units[gid] = s
	w.mu.Unlock()

	release := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if had {
			w.units[gid] = prev
		} else {
			delete(w.units, gid)
		}
	}
	return context.WithValue(ctx, scopeKey, s), release
}

// Units returns the number of goroutines with a bound Scope.
func (w *WorkerCarrier) Units() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.units)
}

func scopeFromContext(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	if s, ok := ctx.Value(scopeKey).(*Scope); ok {
		return s
	}
	return nil
}

// Capture returns a snapshot of the Scope bound to the calling execution unit.
// Outside any scope it returns a zero Snapshot.
func (t *Tracer) Capture(ctx context.Context) Snapshot {
	if s := t.carrier.Current(ctx); s != nil {
		return s.Snapshot()
	}
	return Snapshot{tracer: t}
}

// Restore binds a fresh Scope rebuilt from snap to the calling execution unit.
// The release func closes that Scope, finishing any span it still owns
// (cancelled if ctx is done by then), and reverts to the previous binding.
// Defer it.
func (t *Tracer) Restore(ctx context.Context, snap Snapshot) (context.Context, func()) {
	restored, scope, unbind := t.restore(ctx, snap)
	return restored, sync.OnceFunc(func() {
		scope.Close(restored.Err())
		unbind()
	})
}

func (t *Tracer) restore(ctx context.Context, snap Snapshot) (context.Context, *Scope, func()) {
	scope := snap.scope(t)
	restored, unbind := t.carrier.Bind(ctx, scope)
	return restored, scope, unbind
}
