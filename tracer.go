package scopez

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TreeHandler is called once per finished transaction.
// Handlers must treat the tree as read-only.
type TreeHandler func(tree Tree)

// Emitter receives finished transaction trees. The tracer neither retries
// nor batches; transport is entirely the emitter's concern.
type Emitter interface {
	Emit(tree Tree)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(tree Tree)

// Emit implements Emitter.
func (f EmitterFunc) Emit(tree Tree) { f(tree) }

type handlerEntry struct {
	handler TreeHandler
	id      uint64
	async   bool
}

// Tracer owns the span registry, the carrier that binds scopes to execution
// units, and the handlers finished trees are emitted to.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	handlers     []handlerEntry
	closers      []io.Closer
	panicHook    func(handlerID uint64, r interface{})
	workers      *workerPool
	registry     *Registry
	carrier      Carrier
	log          *zap.Logger
	metrics      *Metrics
	clock        clockz.Clock
	config       Config
	handlersLock sync.RWMutex
	nextID       atomic.Uint64
	droppedTrees atomic.Uint64
}

// New creates a tracer with DefaultConfig.
// Uses the real clock for production behavior.
func New() *Tracer {
	t, err := NewWithConfig(DefaultConfig())
	if err != nil {
		// DefaultConfig always validates.
		panic(err)
	}
	return t
}

// NewWithConfig creates a tracer from cfg.
func NewWithConfig(cfg Config) (*Tracer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := cfg.logger()
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(nil)
	if err != nil {
		return nil, err
	}

	t := &Tracer{
		handlers: make([]handlerEntry, 0),
		carrier:  cfg.carrier(),
		log:      logger,
		metrics:  metrics,
		clock:    clockz.RealClock,
		config:   cfg,
	}
	t.registry = &Registry{
		clock:   t.clock,
		ids:     newIDSource(cfg.IDPoolSize),
		log:     logger,
		metrics: metrics,
		emit:    t.emit,
		records: make(map[string]*record),
		byTx:    make(map[string][]string),
	}

	if cfg.Workers > 0 {
		if err := t.EnableWorkerPool(cfg.Workers, cfg.QueueSize); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// WithClock sets the clock used for span and breadcrumb timestamps.
// Enables clock injection for deterministic testing. Call before use.
func (t *Tracer) WithClock(clock clockz.Clock) *Tracer {
	t.clock = clock
	t.registry.clock = clock
	return t
}

// WithLogger sets the logger diagnostics are reported to. Call before use.
func (t *Tracer) WithLogger(logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t.log = logger
	t.registry.log = logger
	return t
}

// WithMetrics replaces the tracer's metrics, typically with ones registered
// on a shared prometheus registry. Call before use.
func (t *Tracer) WithMetrics(m *Metrics) *Tracer {
	t.metrics = m
	t.registry.metrics = m
	return t
}

// WithCarrier sets how scopes are bound to execution units. Call before use.
func (t *Tracer) WithCarrier(c Carrier) *Tracer {
	if c == nil {
		c = ContextCarrier{}
	}
	t.carrier = c
	return t
}

// Registry returns the span registry.
func (t *Tracer) Registry() *Registry { return t.registry }

// Metrics returns the tracer's metrics.
func (t *Tracer) Metrics() *Metrics { return t.metrics }

// Config returns the configuration the tracer was built from.
func (t *Tracer) Config() Config { return t.config }

func (t *Tracer) now() time.Time {
	if t == nil || t.clock == nil {
		return time.Now()
	}
	return t.clock.Now()
}

func (t *Tracer) maxBreadcrumbs() int {
	if t == nil || t.config.MaxBreadcrumbs == 0 {
		return DefaultMaxBreadcrumbs
	}
	return t.config.MaxBreadcrumbs
}

// OnTransactionComplete registers a synchronous handler for finished trees.
func (t *Tracer) OnTransactionComplete(handler TreeHandler) uint64 {
	return t.registerHandler(handler, false)
}

// OnTransactionCompleteAsync registers an asynchronous handler for finished trees.
func (t *Tracer) OnTransactionCompleteAsync(handler TreeHandler) uint64 {
	return t.registerHandler(handler, true)
}

// AddEmitter registers e as a synchronous handler. Emitters that implement
// io.Closer are closed by Close.
func (t *Tracer) AddEmitter(e Emitter) uint64 {
	if e == nil {
		return 0
	}
	id := t.registerHandler(e.Emit, false)
	if c, ok := e.(io.Closer); ok {
		t.handlersLock.Lock()
		t.closers = append(t.closers, c)
		t.handlersLock.Unlock()
	}
	return id
}

func (t *Tracer) registerHandler(handler TreeHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := t.nextID.Inc()

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (t *Tracer) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	// Preserve order
	for i, h := range t.handlers {
		if h.id == id {
			copy(t.handlers[i:], t.handlers[i+1:])
			t.handlers = t.handlers[:len(t.handlers)-1]
			return
		}
	}
}

// HasHandlers reports whether any handler is registered.
func (t *Tracer) HasHandlers() bool {
	t.handlersLock.RLock()
	defer t.handlersLock.RUnlock()
	return len(t.handlers) > 0
}

// SetPanicHook sets a function to be called when a handler panics.
func (t *Tracer) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()
	t.panicHook = hook
}

// emit hands a finished tree to every handler.
func (t *Tracer) emit(tree Tree) {
	t.metrics.transactionEmitted()

	t.handlersLock.RLock()
	if len(t.handlers) == 0 {
		t.handlersLock.RUnlock()
		return
	}
	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	workers := t.workers
	t.handlersLock.RUnlock()

	for _, h := range handlers {
		if !h.async {
			t.safeCall(h, tree)
			continue
		}
		entry := h
		if workers == nil {
			go t.safeCall(entry, tree)
			continue
		}
		if !workers.submit(func() { t.safeCall(entry, tree) }) {
			t.droppedTrees.Inc()
			t.metrics.droppedTree()
			t.log.Warn("async handler queue full, tree dropped",
				zap.Uint64("handler_id", entry.id),
				zap.String("trace_id", tree.Transaction.TraceID),
			)
		}
	}
}

func (t *Tracer) safeCall(entry handlerEntry, tree Tree) {
	defer func() {
		if r := recover(); r != nil {
			t.handlersLock.RLock()
			hook := t.panicHook
			t.handlersLock.RUnlock()
			if hook != nil {
				hook(entry.id, r)
				return
			}
			t.log.Error("tree handler panicked",
				zap.Uint64("handler_id", entry.id),
				zap.Any("panic", r),
			)
		}
	}()
	entry.handler(tree)
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (t *Tracer) EnableWorkerPool(workers, queueSize int) error {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	if t.workers != nil {
		return errors.New("worker pool already enabled")
	}
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	t.workers = &workerPool{
		tasks: make(chan func(), queueSize),
		stop:  make(chan struct{}),
	}

	t.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.workers.run()
	}

	return nil
}

// DroppedTrees returns the number of trees dropped due to a full worker queue.
func (t *Tracer) DroppedTrees() uint64 {
	return t.droppedTrees.Load()
}

// Close shuts down the tracer, waits for in-flight async handlers and closes
// every emitter added with AddEmitter. Errors from emitters are combined.
func (t *Tracer) Close() error {
	t.handlersLock.Lock()
	t.handlers = nil
	workers := t.workers
	t.workers = nil
	closers := t.closers
	t.closers = nil
	t.handlersLock.Unlock()

	if workers != nil {
		workers.shutdown()
	}
	t.registry.ids.close()

	var err error
	for _, c := range closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// StartTransaction starts a root span and binds a new Scope for it to the
// returned context. The new Scope inherits the effective tags visible in ctx
// and nothing else, so the transaction never shares a live stack with its
// caller.
func (t *Tracer) StartTransaction(ctx context.Context, name string) (context.Context, *Transaction) {
	if ctx == nil {
		ctx = context.Background()
	}
	inherited := t.Capture(ctx).Tags()

	span := t.registry.Begin(name)
	scope := newScope(t)
	if len(inherited) > 0 {
		scope.layers[0].tags = inherited
	}
	scope.layers[0].active = span

	tx := &Transaction{ActiveSpan: span, scope: scope}
	span.tx = tx

	bound, unbind := t.carrier.Bind(ctx, scope)
	tx.release = sync.OnceFunc(unbind)
	return bound, tx
}

// RunTransaction runs work inside a new transaction and finishes it on every
// exit path. Spans still open when work returns are finished with a status
// matching the outcome: cancelled when ctx was cancelled, internal_error when
// work failed or panicked.
func (t *Tracer) RunTransaction(ctx context.Context, name string, work func(context.Context) error) (err error) {
	txCtx, tx := t.StartTransaction(ctx, name)
	defer func() {
		if r := recover(); r != nil {
			_ = tx.FinishWithCause(panicError{value: r})
			panic(r)
		}
	}()

	err = work(txCtx)
	_ = tx.FinishWithCause(unwindCause(txCtx, err))
	return err
}

// Scope returns the Scope bound to the calling execution unit, or nil.
func (t *Tracer) Scope(ctx context.Context) *Scope {
	return t.carrier.Current(ctx)
}

// Require is Scope for callers that want the missing-context case as an error.
func (t *Tracer) Require(ctx context.Context) (*Scope, error) {
	if s := t.carrier.Current(ctx); s != nil {
		return s, nil
	}
	return nil, ErrMissingContext
}

// CurrentSpan returns the active span of the calling execution unit, or nil.
func (t *Tracer) CurrentSpan(ctx context.Context) *ActiveSpan {
	if s := t.carrier.Current(ctx); s != nil {
		return s.ActiveSpan()
	}
	return nil
}

// SetTag sets a tag on the current layer. No-op outside a scope.
func (t *Tracer) SetTag(ctx context.Context, key, value string) {
	if s := t.carrier.Current(ctx); s != nil {
		s.SetTag(key, value)
	}
}

// AddBreadcrumb records a breadcrumb on the current layer. No-op outside a scope.
func (t *Tracer) AddBreadcrumb(ctx context.Context, b Breadcrumb) {
	if s := t.carrier.Current(ctx); s != nil {
		s.AddBreadcrumb(b)
	}
}

// StartSpan starts a child of the active span without making it active. The
// current layer owns it: if the layer is released first, the span is finished
// with the layer's outcome. Returns a nil span outside a scope.
func (t *Tracer) StartSpan(ctx context.Context, attrs SpanAttrs) (*ActiveSpan, error) {
	s := t.carrier.Current(ctx)
	if s == nil {
		return nil, nil
	}
	parent := s.ActiveSpan()
	if parent == nil {
		return nil, nil
	}
	span, err := t.registry.StartChild(parent, attrs)
	if err != nil {
		return nil, err
	}
	s.own(span)
	return span, nil
}

// Transaction is the root span of a tree together with the Scope it runs in.
type Transaction struct {
	*ActiveSpan
	scope   *Scope
	release func()
}

// Name returns the transaction name.
func (tx *Transaction) Name() string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.span.Name
}

// Scope returns the Scope created for the transaction.
func (tx *Transaction) Scope() *Scope { return tx.scope }

// Finish finishes the transaction and emits its tree. Repeated calls return
// ErrAlreadyFinished.
func (tx *Transaction) Finish() error {
	return tx.finish(StatusOK, nil)
}

// FinishWithStatus finishes the transaction with status.
func (tx *Transaction) FinishWithStatus(status Status) error {
	return tx.finish(status, nil)
}

// FinishWithCause finishes the transaction with a status derived from the way
// its work ended.
func (tx *Transaction) FinishWithCause(cause error) error {
	return tx.finish(statusFor(cause), cause)
}

func (tx *Transaction) finish(status Status, cause error) error {
	if tx.ActiveSpan.IsFinished() {
		return tx.registry.finish(tx.ActiveSpan, status, nil)
	}

	tx.scope.Close(cause)
	tc := &treeContext{
		tags:        tx.scope.EffectiveTags(),
		breadcrumbs: tx.scope.EffectiveBreadcrumbs(),
	}
	err := tx.registry.finish(tx.ActiveSpan, status, tc)
	tx.release()
	return err
}

// workerPool manages a fixed number of workers for processing async handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks chan func()
	stop  chan struct{}
	wg    sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			// Drain queued handlers before exiting.
			for {
				select {
				case task := <-w.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

func (w *workerPool) submit(task func()) bool {
	select {
	case w.tasks <- task:
		return true
	default:
		return false
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
