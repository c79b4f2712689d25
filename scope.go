package scopez

import (
	"sync"

	"go.uber.org/zap"
)

// layer is one level of a Scope stack.
type layer struct {
	tags        map[string]string
	breadcrumbs []Breadcrumb
	active      *ActiveSpan
	guard       *ActiveSpan   // span the layer was pushed for, if any
	owned       []*ActiveSpan // spans created while this layer was on top
}

// own records a span as owned by the layer, dropping finished entries as it goes.
func (l *layer) own(span *ActiveSpan) {
	kept := l.owned[:0]
	for _, s := range l.owned {
		if !s.IsFinished() {
			kept = append(kept, s)
		}
	}
	l.owned = append(kept, span)
}

func (l *layer) openSpans() []*ActiveSpan {
	var open []*ActiveSpan
	for _, s := range l.owned {
		if !s.IsFinished() {
			open = append(open, s)
		}
	}
	return open
}

// Scope is the layered context of one execution unit: tags, breadcrumbs and
// the active span. A Scope is bound to exactly one execution unit by a
// Carrier; other units get their own Scope through Capture/Restore.
//
// The stack always holds a root layer. The mutex only guards against misuse;
// correct use never shares a Scope between execution units.
type Scope struct {
	tracer *Tracer
	layers []*layer
	mu     sync.Mutex
}

func newScope(t *Tracer) *Scope {
	return &Scope{
		tracer: t,
		layers: []*layer{{}},
	}
}

// PushLayer starts a new layer inheriting everything below it.
func (s *Scope) PushLayer() {
	s.push(nil)
}

// push adds a layer whose active span is guard. The guard is owned by the
// layer and is finished when the layer pops.
func (s *Scope) push(guard *ActiveSpan) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	depth := len(s.layers)
	l := &layer{}
	if guard != nil {
		l.active = guard
		l.guard = guard
		l.owned = []*ActiveSpan{guard}
	}
	s.layers = append(s.layers, l)
	return depth
}

// PopLayer removes the top layer. Its breadcrumbs fold into the parent layer
// and every span it owns that is still open is finished with a status derived
// from cause: ok for nil, cancelled for context cancellation, internal_error
// otherwise. The root layer cannot be popped.
func (s *Scope) PopLayer(cause error) error {
	s.mu.Lock()
	if len(s.layers) <= 1 {
		s.mu.Unlock()
		return ErrScopeUnderflow
	}
	top := s.popLocked()
	s.mu.Unlock()

	s.tracer.unwind(top.openSpans(), top.guard, cause)
	return nil
}

// unwindTo pops layers until the stack is depth layers deep.
func (s *Scope) unwindTo(depth int, cause error) {
	if depth < 1 {
		depth = 1
	}
	for {
		s.mu.Lock()
		if len(s.layers) <= depth {
			s.mu.Unlock()
			return
		}
		top := s.popLocked()
		s.mu.Unlock()

		s.tracer.unwind(top.openSpans(), top.guard, cause)
	}
}

func (s *Scope) popLocked() *layer {
	n := len(s.layers)
	top := s.layers[n-1]
	s.layers[n-1] = nil
	s.layers = s.layers[:n-1]
	foldBreadcrumbs(top, s.layers[n-2], s.tracer.maxBreadcrumbs())
	return top
}

// Close releases the whole stack: every layer above the root is popped with
// cause and the open spans owned by the root are finished.
func (s *Scope) Close(cause error) {
	s.unwindTo(1, cause)

	s.mu.Lock()
	root := s.layers[0]
	open := root.openSpans()
	root.owned = nil
	s.mu.Unlock()

	s.tracer.unwind(open, nil, cause)
}

// Depth returns the number of layers, including the root.
func (s *Scope) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.layers)
}

// SetTag sets a tag on the current layer.
func (s *Scope) SetTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	top := s.layers[len(s.layers)-1]
	if top.tags == nil {
		top.tags = make(map[string]string)
	}
	top.tags[key] = value
}

// RemoveTag deletes a tag from the current layer only; a same-named tag on an
// ancestor becomes visible again.
func (s *Scope) RemoveTag(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.layers[len(s.layers)-1].tags, key)
}

// AddBreadcrumb appends a breadcrumb to the current layer. A zero timestamp
// is filled from the tracer clock.
func (s *Scope) AddBreadcrumb(b Breadcrumb) {
	if b.Timestamp.IsZero() {
		b.Timestamp = s.tracer.now()
	}
	if b.Data != nil {
		data := make(map[string]any, len(b.Data))
		for k, v := range b.Data {
			data[k] = v
		}
		b.Data = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	top := s.layers[len(s.layers)-1]
	top.breadcrumbs = appendBreadcrumbs(top.breadcrumbs, []Breadcrumb{b}, s.tracer.maxBreadcrumbs())
}

// SetActiveSpan sets the active span of the current layer only.
func (s *Scope) SetActiveSpan(span *ActiveSpan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[len(s.layers)-1].active = span
}

// ActiveSpan returns the nearest active span walking from the current layer
// toward the root, or nil.
func (s *Scope) ActiveSpan() *ActiveSpan {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.layers) - 1; i >= 0; i-- {
		if s.layers[i].active != nil {
			return s.layers[i].active
		}
	}
	return nil
}

// EffectiveTags merges tags from the root layer to the current one; a tag set
// in a descendant overrides the same name from an ancestor.
func (s *Scope) EffectiveTags() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make(map[string]string)
	for _, l := range s.layers {
		for k, v := range l.tags {
			merged[k] = v
		}
	}
	return merged
}

// EffectiveBreadcrumbs returns the current layer's breadcrumbs, which include
// everything folded up from descendant layers that have already popped.
func (s *Scope) EffectiveBreadcrumbs() []Breadcrumb {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyBreadcrumbs(s.layers[len(s.layers)-1].breadcrumbs)
}

// own hands span to the current layer.
func (s *Scope) own(span *ActiveSpan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[len(s.layers)-1].own(span)
}

// Snapshot captures an immutable copy of the stack.
func (s *Scope) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	frozen := make([]frozenLayer, len(s.layers))
	for i, l := range s.layers {
		frozen[i] = frozenLayer{
			tags:        copyTags(l.tags),
			breadcrumbs: copyBreadcrumbs(l.breadcrumbs),
			active:      l.active,
		}
	}
	return Snapshot{tracer: s.tracer, layers: frozen}
}

// unwind force-finishes spans released by a layer, innermost first.
func (t *Tracer) unwind(open []*ActiveSpan, guard *ActiveSpan, cause error) {
	status := statusFor(cause)
	for i := len(open) - 1; i >= 0; i-- {
		span := open[i]
		if span != guard && cause == nil {
			t.log.Warn("span outlived its scope layer",
				zap.String("span_id", span.SpanID()),
				zap.String("trace_id", span.TraceID()),
				zap.String("op", span.Op()),
			)
		}
		_ = t.registry.Finish(span, status)
	}
}
