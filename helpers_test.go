package scopez

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var testEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// newTestTracer returns a tracer on a fake clock whose trees land in a
// synchronous collector.
func newTestTracer(t *testing.T) (*Tracer, *Collector, *clockz.FakeClock) {
	t.Helper()
	clock := clockz.NewFakeClockAt(testEpoch)
	tracer := New().WithClock(clock)
	collector := NewCollector("test", 100)
	collector.SetSyncMode(true)
	tracer.AddEmitter(collector)
	t.Cleanup(func() {
		if err := tracer.Close(); err != nil {
			t.Errorf("close tracer: %v", err)
		}
	})
	return tracer, collector, clock
}

// observeLogs swaps the tracer logger for one that records warnings.
func observeLogs(tracer *Tracer) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.WarnLevel)
	tracer.WithLogger(zap.New(core))
	return logs
}

// onlyTree exports the collector and fails unless exactly one tree was emitted.
func onlyTree(t *testing.T, c *Collector) Tree {
	t.Helper()
	trees := c.Export()
	if len(trees) != 1 {
		t.Fatalf("expected 1 tree, got %d", len(trees))
	}
	return trees[0]
}

func breadcrumbMessages(crumbs []Breadcrumb) []string {
	msgs := make([]string, len(crumbs))
	for i, b := range crumbs {
		msgs[i] = b.Message
	}
	return msgs
}

func crumb(msg string) Breadcrumb {
	return Breadcrumb{Message: msg}
}

func noop(context.Context) error { return nil }
