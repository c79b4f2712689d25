package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoobzio/scopez"
)

// TestLoopMultiplexesFlows drives several transactions through one event loop,
// posting each flow's next step from the previous one, like chained callbacks.
func TestLoopMultiplexesFlows(t *testing.T) {
	tracer := scopez.New()
	defer tracer.Close()
	collector := NewMockCollector(t, tracer)

	loop := tracer.NewLoop()
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(context.Background()) }()

	const flows, steps = 8, 4
	var wg sync.WaitGroup
	for f := 0; f < flows; f++ {
		name := fmt.Sprintf("flow-%d", f)
		ctx, tx := tracer.StartTransaction(context.Background(), name)
		scopez.SetTag(ctx, "flow", name)

		wg.Add(1)
		var step func(n int) func(context.Context) error
		step = func(n int) func(context.Context) error {
			return func(ctx context.Context) error {
				assert.Equal(t, name, tracer.Scope(ctx).EffectiveTags()["flow"], "step ran under another flow's scope")
				err := tracer.Trace(ctx, scopez.SpanAttrs{Op: "step", Description: fmt.Sprintf("%s/%d", name, n)}, func(context.Context) error {
					return nil
				})
				if n+1 < steps {
					loop.Post(ctx, step(n+1))
					return err
				}
				assert.NoError(t, tx.Finish())
				wg.Done()
				return err
			}
		}
		require.True(t, loop.Post(ctx, step(0)))
	}

	wg.Wait()
	loop.Stop()
	require.NoError(t, <-runDone)

	trees := collector.WaitForTrees(flows, time.Second)
	for _, tree := range trees {
		assert.Equal(t, steps+1, tree.Len(), Outline(tree))
		i := 0
		tree.Walk(func(_ int, s *scopez.Span) {
			assert.Equal(t, fmt.Sprintf("%s/%d", tree.Transaction.Name, i), s.Description)
			i++
		})
		AssertConnected(t, tree)
	}
}

// TestWrappedCallbacks registers callbacks on a shared dispatcher that runs
// them later from its own goroutine.
func TestWrappedCallbacks(t *testing.T) {
	tracer := scopez.New()
	defer tracer.Close()
	collector := NewMockCollector(t, tracer)

	var (
		mu        sync.Mutex
		callbacks []func()
	)
	register := func(cb func()) {
		mu.Lock()
		callbacks = append(callbacks, cb)
		mu.Unlock()
	}

	var txs []*scopez.Transaction
	for _, name := range []string{"a", "b", "c"} {
		ctx, tx := tracer.StartTransaction(context.Background(), name)
		txs = append(txs, tx)
		register(tracer.Wrap(ctx, func(ctx context.Context) {
			_ = tracer.Trace(ctx, scopez.SpanAttrs{Op: "callback", Description: name}, func(context.Context) error { return nil })
		}))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(callbacks) - 1; i >= 0; i-- {
			callbacks[i]()
		}
	}()
	<-done

	for _, tx := range txs {
		require.NoError(t, tx.Finish())
	}
	for _, tree := range collector.WaitForTrees(3, time.Second) {
		require.Len(t, tree.Children, 1)
		assert.Equal(t, tree.Transaction.Name, tree.Children[0].Span.Description)
	}
}

// TestAsyncCollectorBackpressure emits through a small non-synchronous
// collector and checks drops are counted rather than blocking the tracer.
func TestAsyncCollectorBackpressure(t *testing.T) {
	tracer := scopez.New()
	collector := scopez.NewCollector("small", 1)
	tracer.AddEmitter(collector)

	for i := 0; i < 500; i++ {
		require.NoError(t, tracer.RunTransaction(context.Background(), "burst", func(ctx context.Context) error {
			return tracer.Trace(ctx, scopez.SpanAttrs{Op: "work"}, func(context.Context) error { return nil })
		}))
	}
	require.NoError(t, tracer.Close())

	kept := len(collector.Export())
	assert.Equal(t, int64(500), int64(kept)+collector.DroppedCount())
	assert.Zero(t, tracer.Registry().Len())
}
