package benchmarks

import (
	"context"
	"fmt"
	"testing"

	"github.com/zoobzio/scopez"
)

// BenchmarkTransactionWithChild measures one transaction with one traced call,
// the smallest complete tree.
func BenchmarkTransactionWithChild(b *testing.B) {
	tracer := scopez.New()
	defer tracer.Close()
	tracer.OnTransactionComplete(func(scopez.Tree) {})

	ctx := context.Background()
	attrs := scopez.SpanAttrs{Op: "http.client", Description: "GET /f1"}
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = tracer.RunTransaction(ctx, "t1", func(ctx context.Context) error {
			return tracer.Trace(ctx, attrs, func(context.Context) error { return nil })
		})
	}
}

// BenchmarkTransactionParallel runs independent transactions from many goroutines.
func BenchmarkTransactionParallel(b *testing.B) {
	tracer := scopez.New()
	defer tracer.Close()
	tracer.OnTransactionComplete(func(scopez.Tree) {})

	attrs := scopez.SpanAttrs{Op: "db.query"}
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			_ = tracer.RunTransaction(ctx, "parallel", func(ctx context.Context) error {
				return tracer.Trace(ctx, attrs, func(context.Context) error { return nil })
			})
		}
	})
}

// BenchmarkCapture measures snapshotting scopes of increasing depth.
func BenchmarkCapture(b *testing.B) {
	for _, depth := range []int{1, 8, 32} {
		b.Run(fmt.Sprintf("depth-%d", depth), func(b *testing.B) {
			tracer := scopez.New()
			defer tracer.Close()

			ctx, tx := tracer.StartTransaction(context.Background(), "capture")
			defer tx.Finish()
			s := tx.Scope()
			for i := 1; i < depth; i++ {
				s.PushLayer()
				s.SetTag(fmt.Sprintf("k%d", i), "v")
				s.AddBreadcrumb(scopez.Breadcrumb{Message: "crumb"})
			}

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = tracer.Capture(ctx)
			}
		})
	}
}

// BenchmarkGo measures spawning a goroutine with its own restored scope.
func BenchmarkGo(b *testing.B) {
	tracer := scopez.New()
	defer tracer.Close()

	ctx, tx := tracer.StartTransaction(context.Background(), "spawn")
	defer tx.Finish()
	work := func(context.Context) error { return nil }

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		<-tracer.Go(ctx, work)
	}
}

// BenchmarkLayerPushPop measures a Call layer with a breadcrumb folded on pop.
func BenchmarkLayerPushPop(b *testing.B) {
	tracer := scopez.New()
	defer tracer.Close()

	ctx, tx := tracer.StartTransaction(context.Background(), "layers")
	defer tx.Finish()
	crumb := scopez.Breadcrumb{Message: "step"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = tracer.Call(ctx, func(ctx context.Context) error {
			scopez.AddBreadcrumb(ctx, crumb)
			return nil
		})
	}
}

// BenchmarkMissingContext measures the no-op path outside any scope.
func BenchmarkMissingContext(b *testing.B) {
	tracer := scopez.New()
	defer tracer.Close()

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		scopez.SetTag(ctx, "k", "v")
		_ = scopez.CurrentSpan(ctx)
	}
}
