package scopez

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Node is one span in an emitted tree.
type Node struct {
	Span     Span    `json:"span"`
	Children []*Node `json:"children,omitempty"`
}

// Tree is a finished transaction with the forest of its finished descendants.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Tree struct {
	Tags        map[string]string `json:"tags,omitempty"`
	Breadcrumbs []Breadcrumb      `json:"breadcrumbs,omitempty"`
	Children    []*Node           `json:"children,omitempty"`
	Transaction Span              `json:"transaction"`
}

// Len returns the number of spans in the tree, transaction included.
func (t Tree) Len() int {
	n := 1
	t.Walk(func(int, *Span) { n++ })
	return n
}

// Walk visits every descendant depth first, in tree order. Depth starts at 1
// for direct children of the transaction.
func (t Tree) Walk(fn func(depth int, span *Span)) {
	var visit func(nodes []*Node, depth int)
	visit = func(nodes []*Node, depth int) {
		for _, n := range nodes {
			fn(depth, &n.Span)
			visit(n.Children, depth+1)
		}
	}
	visit(t.Children, 1)
}

func (t Tree) clone() Tree {
	c := Tree{
		Tags:        copyTags(t.Tags),
		Breadcrumbs: copyBreadcrumbs(t.Breadcrumbs),
		Transaction: t.Transaction.clone(),
	}
	c.Children = cloneNodes(t.Children)
	return c
}

func cloneNodes(nodes []*Node) []*Node {
	if nodes == nil {
		return nil
	}
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[i] = &Node{Span: n.Span.clone(), Children: cloneNodes(n.Children)}
	}
	return out
}

// treeContext is the scope state attached to an emitted tree.
type treeContext struct {
	tags        map[string]string
	breadcrumbs []Breadcrumb
}

type record struct {
	span     Span
	txID     string
	seq      uint64
	finished bool
	orphan   bool // transaction already emitted while this span was open
}

// Registry tracks spans by id and assembles finished transactions into trees.
// Parents are referenced by id only; the shape of a tree depends on explicit
// parent references, never on which span happened to be current.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Registry struct {
	clock   clockz.Clock
	ids     *idSource
	log     *zap.Logger
	metrics *Metrics
	emit    func(Tree)
	records map[string]*record
	byTx    map[string][]string // transaction id -> descendant ids in creation order
	seq     uint64
	mu      sync.Mutex
}

// NewRegistry creates a standalone registry. Finished trees are passed to emit,
// which may be nil.
func NewRegistry(clock clockz.Clock, emit func(Tree)) *Registry {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Registry{
		clock:   clock,
		ids:     newIDSource(0),
		log:     zap.NewNop(),
		emit:    emit,
		records: make(map[string]*record),
		byTx:    make(map[string][]string),
	}
}

// Begin starts a transaction span.
func (r *Registry) Begin(name string) *ActiveSpan {
	span := &Span{
		TraceID:   r.ids.traceID(),
		SpanID:    r.ids.spanID(),
		Name:      name,
		Op:        "transaction",
		StartTime: r.clock.Now(),
	}

	r.mu.Lock()
	r.seq++
	rec := &record{span: *span, txID: span.SpanID, seq: r.seq}
	r.records[span.SpanID] = rec
	r.mu.Unlock()

	r.metrics.spanStarted()
	return &ActiveSpan{span: span, registry: r, seq: rec.seq}
}

// StartChild starts a span under parent. It fails with ErrInvalidParent when
// parent is nil, finished, or unknown to this registry; no span is created.
func (r *Registry) StartChild(parent *ActiveSpan, attrs SpanAttrs) (*ActiveSpan, error) {
	if parent == nil {
		return nil, errors.Wrap(ErrInvalidParent, "nil parent")
	}
	parentID, traceID := parent.SpanID(), parent.TraceID()
	if parent.IsFinished() {
		return nil, errors.Wrapf(ErrInvalidParent, "parent %s already finished", parentID)
	}

	span := &Span{
		TraceID:     traceID,
		SpanID:      r.ids.spanID(),
		ParentID:    parentID,
		Op:          attrs.Op,
		Description: attrs.Description,
		Tags:        copyTags(attrs.Tags),
		StartTime:   r.clock.Now(),
	}
	if attrs.Data != nil {
		span.Data = make(map[string]any, len(attrs.Data))
		for k, v := range attrs.Data {
			span.Data[k] = v
		}
	}

	r.mu.Lock()
	prec, ok := r.records[parentID]
	if !ok || prec.finished {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrInvalidParent, "parent %s is not open in this registry", parentID)
	}
	r.seq++
	rec := &record{span: *span, seq: r.seq, orphan: prec.orphan}
	if !rec.orphan {
		rec.txID = r.transactionOf(parentID)
		r.byTx[rec.txID] = append(r.byTx[rec.txID], span.SpanID)
	}
	r.records[span.SpanID] = rec
	r.mu.Unlock()

	r.metrics.spanStarted()
	return &ActiveSpan{span: span, registry: r, seq: rec.seq}, nil
}

// transactionOf walks the parent chain up to the root. Caller holds r.mu.
func (r *Registry) transactionOf(id string) string {
	for {
		rec, ok := r.records[id]
		if !ok {
			return id
		}
		if rec.span.ParentID == "" {
			return id
		}
		if _, ok := r.records[rec.span.ParentID]; !ok {
			return rec.txID
		}
		id = rec.span.ParentID
	}
}

// Finish completes span. The first call records EndTime and status; later
// calls return ErrAlreadyFinished, log a warning and change nothing.
// Finishing a transaction emits its tree.
func (r *Registry) Finish(span *ActiveSpan, status Status) error {
	return r.finish(span, status, nil)
}

func (r *Registry) finish(span *ActiveSpan, status Status, tc *treeContext) error {
	if span == nil {
		return nil
	}
	done, ok := span.markFinished(r.clock.Now(), status)
	if !ok {
		r.metrics.duplicateFinish()
		r.log.Warn("span already finished",
			zap.String("span_id", span.SpanID()),
			zap.String("trace_id", span.TraceID()),
			zap.String("op", span.Op()),
		)
		return errors.Wrapf(ErrAlreadyFinished, "span %s", span.SpanID())
	}
	r.metrics.spanFinished(done.Status)

	r.mu.Lock()
	rec, ok := r.records[done.SpanID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	rec.span = done
	rec.finished = true

	switch {
	case rec.orphan:
		delete(r.records, done.SpanID)
		r.mu.Unlock()

		r.metrics.orphanedSpan()
		r.log.Warn("span finished after its transaction was emitted",
			zap.String("span_id", done.SpanID),
			zap.String("trace_id", done.TraceID),
			zap.String("op", done.Op),
		)
		return errors.Wrapf(ErrOrphanedSpan, "span %s", done.SpanID)

	case done.IsTransaction():
		tree := r.detach(done, tc)
		r.mu.Unlock()

		if r.emit != nil {
			r.emit(tree)
		}
		return nil

	default:
		parent, ok := r.records[done.ParentID]
		outlived := ok && parent.finished
		r.mu.Unlock()

		if outlived {
			r.log.Warn("span finished after its parent",
				zap.String("span_id", done.SpanID),
				zap.String("parent_id", done.ParentID),
				zap.String("op", done.Op),
			)
		}
		return nil
	}
}

// detach removes a finished transaction and its finished descendants from the
// arena and builds their tree. Open descendants stay behind as orphans.
// Caller holds r.mu.
func (r *Registry) detach(tx Span, tc *treeContext) Tree {
	ids := r.byTx[tx.SpanID]
	delete(r.byTx, tx.SpanID)
	delete(r.records, tx.SpanID)

	finished := make([]*record, 0, len(ids))
	for _, id := range ids {
		rec, ok := r.records[id]
		if !ok {
			continue
		}
		if rec.finished {
			finished = append(finished, rec)
			delete(r.records, id)
			continue
		}
		rec.orphan = true
	}

	tree := Tree{Transaction: tx, Children: buildForest(tx.SpanID, finished)}
	if tc != nil {
		tree.Tags = tc.tags
		tree.Breadcrumbs = tc.breadcrumbs
	}
	return tree
}

// Tree returns the forest of finished descendants of an open transaction.
func (r *Registry) Tree(txID string) []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	var finished []*record
	for _, id := range r.byTx[txID] {
		if rec, ok := r.records[id]; ok && rec.finished {
			finished = append(finished, rec)
		}
	}
	return cloneNodes(buildForest(txID, finished))
}

// Open returns the ids of unfinished descendants of a transaction, in
// creation order.
func (r *Registry) Open(txID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var open []string
	for _, id := range r.byTx[txID] {
		if rec, ok := r.records[id]; ok && !rec.finished {
			open = append(open, id)
		}
	}
	return open
}

// Len returns the number of spans held by the registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// buildForest links records by parent id. Records whose parent is not part
// of the forest, because it is still open, become additional roots.
// Siblings are ordered by start time, then creation order.
func buildForest(rootID string, recs []*record) []*Node {
	if len(recs) == 0 {
		return nil
	}
	nodes := make(map[string]*Node, len(recs))
	seq := make(map[*Node]uint64, len(recs))
	for _, rec := range recs {
		n := &Node{Span: rec.span}
		nodes[rec.span.SpanID] = n
		seq[n] = rec.seq
	}

	var roots []*Node
	for _, rec := range recs {
		n := nodes[rec.span.SpanID]
		if parent, ok := nodes[rec.span.ParentID]; ok && rec.span.ParentID != rootID {
			parent.Children = append(parent.Children, n)
			continue
		}
		roots = append(roots, n)
	}

	var order func(ns []*Node)
	order = func(ns []*Node) {
		sort.SliceStable(ns, func(i, j int) bool {
			a, b := ns[i], ns[j]
			if !a.Span.StartTime.Equal(b.Span.StartTime) {
				return a.Span.StartTime.Before(b.Span.StartTime)
			}
			return seq[a] < seq[b]
		})
		for _, n := range ns {
			order(n.Children)
		}
	}
	order(roots)
	return roots
}
