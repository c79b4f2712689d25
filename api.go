// Package scopez tracks the current span and contextual data (tags,
// breadcrumbs, active span) across synchronous calls, asynchronous
// continuations and concurrent goroutines, without a process-wide mutable
// "current scope".
//
// Core Components:
//   - Tracer: owns the registry, the carrier and the emit handlers.
//   - Scope: layered tags, breadcrumbs and active span of one execution unit.
//   - Snapshot: immutable capture of a Scope, restorable on another unit.
//   - Carrier: binds a Scope to an execution unit (context chain or goroutine).
//   - Registry: span arena keyed by id; builds trees from parent ids.
//   - Collector: buffers emitted trees for export.
//
// Basic Usage:
//
//	tracer := scopez.New()
//	defer tracer.Close()
//
//	collector := scopez.NewCollector("export", 1000)
//	tracer.AddEmitter(collector)
//
//	err := tracer.RunTransaction(ctx, "checkout", func(ctx context.Context) error {
//		scopez.SetTag(ctx, "user.id", "123")
//		return tracer.Trace(ctx, scopez.SpanAttrs{Op: "db.query"}, func(ctx context.Context) error {
//			return query(ctx)
//		})
//	})
//
// Boundaries:
//
// Plain function calls that pass ctx share the caller's Scope; use
// Tracer.Call or Tracer.Trace to open a layer. Goroutines must be started with
// Tracer.Go or a Group so each gets its own copy of the Scope. Callbacks and
// continuations that may run later are wrapped with Tracer.Continue or
// Tracer.Wrap, and Loop runs such continuations cooperatively on one goroutine.
//
// Tags flow down: a layer sees its ancestors' tags and may override them.
// Breadcrumbs flow up: when a layer pops, its breadcrumbs are appended to its
// parent's, also when the layer ended with an error.
//
// Missing Context:
//
// Outside any scope, lookups return nil and mutations do nothing, so
// uninstrumented code paths never fail because of tracing.
package scopez

import "context"

// CurrentSpan returns the active span bound to ctx, or nil. A nil
// *ActiveSpan is safe to use.
func CurrentSpan(ctx context.Context) *ActiveSpan {
	if s := scopeFromContext(ctx); s != nil {
		return s.ActiveSpan()
	}
	return nil
}

// ScopeFrom returns the Scope bound to ctx, or nil.
func ScopeFrom(ctx context.Context) *Scope {
	return scopeFromContext(ctx)
}

// SetTag sets a tag on the current layer of the Scope bound to ctx.
func SetTag(ctx context.Context, key, value string) {
	if s := scopeFromContext(ctx); s != nil {
		s.SetTag(key, value)
	}
}

// AddBreadcrumb records a breadcrumb on the current layer of the Scope bound to ctx.
func AddBreadcrumb(ctx context.Context, b Breadcrumb) {
	if s := scopeFromContext(ctx); s != nil {
		s.AddBreadcrumb(b)
	}
}
