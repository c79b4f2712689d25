package scopez

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// closeTimeout bounds how long Close waits for the collector to drain.
const closeTimeout = 100 * time.Millisecond

// Collector buffers finished trees for batch export. It implements Emitter
// and io.Closer, so it can be handed to Tracer.AddEmitter.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	trees        *queue.Queue
	treesCh      chan Tree
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	name         string
	mu           sync.Mutex
	closed       atomic.Bool
	syncMode     atomic.Bool // Bypass channel for synchronous collection.
}

// NewCollector creates a new collector with the specified name and buffer size.
func NewCollector(name string, bufferSize int) *Collector {
	c := &Collector{
		name:    name,
		trees:   queue.New(),
		treesCh: make(chan Tree, bufferSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.start()
	return c
}

// Name returns the collector name.
func (c *Collector) Name() string { return c.name }

func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining trees before shutdown.
			for {
				select {
				case tree := <-c.treesCh:
					c.buffer(tree)
				default:
					return
				}
			}
		case tree := <-c.treesCh:
			c.buffer(tree)
		}
	}
}

// Close stops the collector after draining queued trees. Trees emitted
// afterwards are dropped. Safe to call more than once.
func (c *Collector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	select {
	case <-c.done:
		return nil
	case <-time.After(closeTimeout):
		return errors.Errorf("collector %s: drain timed out after %s", c.name, closeTimeout)
	}
}

// Emit buffers a deep copy of tree with backpressure protection. If the
// internal channel is full, the tree is dropped and the drop counter is
// incremented. In sync mode trees are buffered directly for deterministic tests.
func (c *Collector) Emit(tree Tree) {
	if c.closed.Load() {
		c.droppedCount.Inc()
		return
	}
	tree = tree.clone()

	if c.syncMode.Load() {
		c.buffer(tree)
		return
	}

	select {
	case c.treesCh <- tree:
	default:
		c.droppedCount.Inc()
	}
}

func (c *Collector) buffer(tree Tree) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trees.Add(tree)
}

// Export returns all buffered trees in emission order and clears the buffer.
func (c *Collector) Export() []Tree {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.trees.Length()
	if n == 0 {
		return nil
	}
	result := make([]Tree, 0, n)
	for c.trees.Length() > 0 {
		result = append(result, c.trees.Remove().(Tree))
	}
	return result
}

// Count returns the current number of buffered trees.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trees.Length()
}

// DroppedCount returns the total number of trees dropped.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode.Store(sync)
}

// Reset clears all buffered trees and resets the drop counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trees = queue.New()
	c.droppedCount.Store(0)
}
