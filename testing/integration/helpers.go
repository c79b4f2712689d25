// Package integration exercises scopez end to end: real HTTP round trips,
// goroutine fan-out and event-loop style continuations.
package integration

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/scopez"
)

// MockCollector wraps a real collector with test utilities.
// Provides synchronous collection and verification helpers.
//
//nolint:govet // Field alignment optimized for test helper readability
type MockCollector struct {
	exported []scopez.Tree
	*scopez.Collector
	t  *testing.T
	mu sync.Mutex
}

// NewMockCollector creates a synchronous collector registered on tracer.
func NewMockCollector(t *testing.T, tracer *scopez.Tracer) *MockCollector {
	t.Helper()
	collector := scopez.NewCollector(t.Name(), 1000)
	collector.SetSyncMode(true)
	tracer.AddEmitter(collector)
	return &MockCollector{
		Collector: collector,
		t:         t,
	}
}

// Export returns collected trees and clears the buffer.
func (m *MockCollector) Export() []scopez.Tree {
	m.mu.Lock()
	defer m.mu.Unlock()

	trees := m.Collector.Export()
	m.exported = append(m.exported, trees...)
	return trees
}

// GetAll returns every tree exported so far without clearing the history.
func (m *MockCollector) GetAll() []scopez.Tree {
	m.Export()

	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]scopez.Tree, len(m.exported))
	copy(all, m.exported)
	return all
}

// WaitForTrees waits for the expected number of trees with timeout.
func (m *MockCollector) WaitForTrees(expected int, timeout time.Duration) []scopez.Tree {
	m.t.Helper()
	deadline := time.Now().Add(timeout)
	var trees []scopez.Tree
	for {
		trees = append(trees, m.Export()...)
		if len(trees) >= expected || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(trees) != expected {
		m.t.Errorf("Timeout waiting for trees: expected %d, got %d", expected, len(trees))
	}
	return trees
}

// TreeNamed returns the first exported tree whose transaction has name.
func (m *MockCollector) TreeNamed(name string) (scopez.Tree, bool) {
	for _, tree := range m.GetAll() {
		if tree.Transaction.Name == name {
			return tree, true
		}
	}
	return scopez.Tree{}, false
}

// Outline renders a tree one span per line, indented by depth, as
// "op description [status]". The first line is the transaction name.
func Outline(tree scopez.Tree) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]\n", tree.Transaction.Name, tree.Transaction.Status)
	tree.Walk(func(depth int, s *scopez.Span) {
		fmt.Fprintf(&b, "%s%s %s [%s]\n", strings.Repeat("  ", depth), s.Op, s.Description, s.Status)
	})
	return b.String()
}

// AssertConnected verifies every span in the tree carries the transaction's
// trace id and a parent that is present in the tree.
func AssertConnected(t *testing.T, tree scopez.Tree) {
	t.Helper()
	ids := map[string]bool{tree.Transaction.SpanID: true}
	tree.Walk(func(_ int, s *scopez.Span) { ids[s.SpanID] = true })

	tree.Walk(func(_ int, s *scopez.Span) {
		if s.TraceID != tree.Transaction.TraceID {
			t.Errorf("span %s has trace %s, expected %s", s.SpanID, s.TraceID, tree.Transaction.TraceID)
		}
		if !ids[s.ParentID] {
			t.Errorf("span %s references parent %s outside its tree", s.SpanID, s.ParentID)
		}
	})
}
