package scopez

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func runEmpty(t *testing.T, tracer *Tracer, name string) {
	t.Helper()
	if err := tracer.RunTransaction(context.Background(), name, noop); err != nil {
		t.Fatalf("run %s: %v", name, err)
	}
}

func TestNewTracer(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	if tracer.Registry() == nil {
		t.Error("Expected registry to be created")
	}
	if tracer.Metrics() == nil {
		t.Error("Expected metrics to be created")
	}
	if tracer.Config().Carrier != CarrierContext {
		t.Errorf("Expected context carrier, got %q", tracer.Config().Carrier)
	}
	if tracer.HasHandlers() {
		t.Error("Expected no handlers initially")
	}
}

func TestNewWithConfigInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Carrier = "thread"
	if _, err := NewWithConfig(cfg); err == nil {
		t.Error("Expected invalid carrier to be rejected")
	}
}

func TestTracerSyncHandlers(t *testing.T) {
	tracer, _, _ := newTestTracer(t)

	var order []string
	tracer.OnTransactionComplete(func(tree Tree) { order = append(order, "first:"+tree.Transaction.Name) })
	tracer.OnTransactionComplete(func(tree Tree) { order = append(order, "second:"+tree.Transaction.Name) })

	runEmpty(t, tracer, "tx")

	want := []string{"first:tx", "second:tx"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, order)
		}
	}
}

func TestTracerRemoveHandler(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	calls := 0
	id := tracer.OnTransactionComplete(func(Tree) { calls++ })
	if id == 0 {
		t.Fatal("Expected non-zero handler id")
	}
	if !tracer.HasHandlers() {
		t.Error("Expected handler to be registered")
	}

	runEmpty(t, tracer, "before")
	tracer.RemoveHandler(id)
	runEmpty(t, tracer, "after")

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if tracer.HasHandlers() {
		t.Error("Expected no handlers after removal")
	}
	if tracer.OnTransactionComplete(nil) != 0 {
		t.Error("Expected nil handler to be ignored")
	}
}

func TestTracerAsyncHandler(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	got := make(chan string, 1)
	tracer.OnTransactionCompleteAsync(func(tree Tree) { got <- tree.Transaction.Name })

	runEmpty(t, tracer, "async")

	select {
	case name := <-got:
		if name != "async" {
			t.Errorf("Expected async, got %s", name)
		}
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestTracerWorkerPool(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	if err := tracer.EnableWorkerPool(2, 10); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := tracer.EnableWorkerPool(2, 10); err == nil {
		t.Error("Expected second enable to fail")
	}

	var wg sync.WaitGroup
	wg.Add(5)
	tracer.OnTransactionCompleteAsync(func(Tree) { wg.Done() })
	for i := 0; i < 5; i++ {
		runEmpty(t, tracer, "pooled")
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pooled handlers never ran")
	}
}

func TestTracerWorkerPoolValidation(t *testing.T) {
	tracer := New()
	defer tracer.Close()

	if err := tracer.EnableWorkerPool(0, 10); err == nil {
		t.Error("Expected zero workers to be rejected")
	}
	if err := tracer.EnableWorkerPool(1, 0); err == nil {
		t.Error("Expected zero queue to be rejected")
	}
}

func TestTracerDroppedTrees(t *testing.T) {
	tracer := New()
	core, logs := observer.New(zapcore.WarnLevel)
	tracer.WithLogger(zap.New(core))
	m := withTestMetrics(t, tracer)

	if err := tracer.EnableWorkerPool(1, 1); err != nil {
		t.Fatalf("enable: %v", err)
	}

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	tracer.OnTransactionCompleteAsync(func(Tree) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	// First tree occupies the worker, second fills the queue.
	runEmpty(t, tracer, "busy")
	<-started
	runEmpty(t, tracer, "queued")
	runEmpty(t, tracer, "dropped")

	if tracer.DroppedTrees() != 1 {
		t.Errorf("Expected 1 dropped tree, got %d", tracer.DroppedTrees())
	}
	if logs.FilterMessage("async handler queue full, tree dropped").Len() != 1 {
		t.Error("Expected drop warning")
	}
	if v := testutil.ToFloat64(m.DroppedTrees); v != 1 {
		t.Errorf("Expected dropped_trees_total 1, got %v", v)
	}

	close(release)
	if err := tracer.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestTracerPanicHook(t *testing.T) {
	tracer, _, _ := newTestTracer(t)

	var hookID uint64
	var hookValue interface{}
	tracer.SetPanicHook(func(id uint64, r interface{}) {
		hookID = id
		hookValue = r
	})

	id := tracer.OnTransactionComplete(func(Tree) { panic("handler failure") })
	delivered := false
	tracer.OnTransactionComplete(func(Tree) { delivered = true })

	runEmpty(t, tracer, "tx")

	if hookID != id || hookValue != "handler failure" {
		t.Errorf("Expected hook for handler %d, got %d with %v", id, hookID, hookValue)
	}
	if !delivered {
		t.Error("Expected handlers after the panicking one to still run")
	}
}

func TestTracerHandlerPanicLogged(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	core, logs := observer.New(zapcore.ErrorLevel)
	tracer.WithLogger(zap.New(core))

	tracer.OnTransactionComplete(func(Tree) { panic("unhooked") })
	runEmpty(t, tracer, "tx")

	if logs.FilterMessage("tree handler panicked").Len() != 1 {
		t.Error("Expected handler panic to be logged")
	}
}

type failingEmitter struct {
	err    error
	closed bool
}

func (f *failingEmitter) Emit(Tree) {}

func (f *failingEmitter) Close() error {
	f.closed = true
	return f.err
}

func TestTracerCloseCombinesEmitterErrors(t *testing.T) {
	tracer := New()
	errA, errB := errors.New("flush a"), errors.New("flush b")
	a, b := &failingEmitter{err: errA}, &failingEmitter{err: errB}
	ok := &failingEmitter{}

	tracer.AddEmitter(a)
	tracer.AddEmitter(ok)
	tracer.AddEmitter(b)
	if tracer.AddEmitter(nil) != 0 {
		t.Error("Expected nil emitter to be ignored")
	}

	err := tracer.Close()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Expected both emitter errors, got %v", err)
	}
	if !a.closed || !b.closed || !ok.closed {
		t.Error("Expected every emitter to be closed")
	}
	if tracer.HasHandlers() {
		t.Error("Expected handlers to be cleared by Close")
	}
}

func TestTracerEmitterFunc(t *testing.T) {
	tracer, _, _ := newTestTracer(t)

	var names []string
	tracer.AddEmitter(EmitterFunc(func(tree Tree) { names = append(names, tree.Transaction.Name) }))
	runEmpty(t, tracer, "fn")

	if len(names) != 1 || names[0] != "fn" {
		t.Errorf("Expected [fn], got %v", names)
	}
}

func TestTracerClockInjection(t *testing.T) {
	tracer, collector, clock := newTestTracer(t)

	err := tracer.RunTransaction(context.Background(), "timed", func(ctx context.Context) error {
		clock.Advance(250 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	tx := onlyTree(t, collector).Transaction
	if !tx.StartTime.Equal(testEpoch) {
		t.Errorf("Expected start %v, got %v", testEpoch, tx.StartTime)
	}
	if tx.Duration != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", tx.Duration)
	}
}

func TestTransactionFinishWithStatus(t *testing.T) {
	tracer, collector, _ := newTestTracer(t)

	_, tx := tracer.StartTransaction(context.Background(), "status")
	if tx.Name() != "status" {
		t.Errorf("Expected name status, got %s", tx.Name())
	}
	if err := tx.FinishWithStatus(StatusDeadlineExceeded); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got := onlyTree(t, collector).Transaction.Status; got != StatusDeadlineExceeded {
		t.Errorf("Expected deadline_exceeded, got %s", got)
	}
}

func TestTransactionActiveSpanFinishEmits(t *testing.T) {
	tracer, collector, _ := newTestTracer(t)

	ctx, _ := tracer.StartTransaction(context.Background(), "via-span")
	if err := CurrentSpan(ctx).Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if collector.Count() != 1 {
		t.Errorf("Expected finishing the root span to emit the tree, got %d", collector.Count())
	}
}
