package scopez

import (
	"crypto/rand"
	"encoding/hex"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// IDPool manages a pool of pre-generated IDs to amortize crypto/rand overhead.
type IDPool struct {
	factory func() string
	ids     chan string
	stopCh  chan struct{}
	hits    atomic.Uint64
	misses  atomic.Uint64
	closed  atomic.Bool
}

// NewIDPool creates a new ID pool with the specified capacity.
func NewIDPool(capacity int, factory func() string) *IDPool {
	if capacity <= 0 {
		capacity = 1
	}
	pool := &IDPool{
		ids:     make(chan string, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	go pool.refill()
	return pool
}

// Get retrieves an ID from the pool or generates one if pool is empty.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		p.hits.Inc()
		return id
	default:
		// Burst load: generate directly.
		p.misses.Inc()
		return p.factory()
	}
}

// Stats returns how many IDs were served from the pool and generated inline.
func (p *IDPool) Stats() (hits, misses uint64) {
	return p.hits.Load(), p.misses.Load()
}

func (p *IDPool) refill() {
	for {
		select {
		case p.ids <- p.factory():
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the refill goroutine. Safe to call more than once.
func (p *IDPool) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.stopCh)
	}
}

// idSource hands out trace and span ids. The span id pool starts lazily so
// tracers that never record spans never spawn the refill goroutine.
type idSource struct {
	pool *IDPool
	size int
	once sync.Once
}

func newIDSource(size int) *idSource {
	if size <= 0 {
		size = runtime.NumCPU() * 100
	}
	return &idSource{size: size}
}

// spanID returns 16 hex chars.
func (s *idSource) spanID() string {
	s.once.Do(func() {
		s.pool = NewIDPool(s.size, randomSpanID)
	})
	if s.pool == nil {
		return randomSpanID()
	}
	return s.pool.Get()
}

// traceID returns a UUIDv4 as 32 hex chars.
func (*idSource) traceID() string {
	u, err := uuid.NewRandom()
	if err != nil {
		return fallbackID(16)
	}
	return hex.EncodeToString(u[:])
}

// close stops the pool; ids requested afterwards are generated inline.
func (s *idSource) close() {
	s.once.Do(func() {})
	if s.pool != nil {
		s.pool.Close()
	}
}

func randomSpanID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fallbackID(8)
	}
	return hex.EncodeToString(b)
}

// fallbackID derives an id from the wall clock when crypto/rand fails.
func fallbackID(n int) string {
	id := hex.EncodeToString([]byte(strconv.FormatInt(time.Now().UnixNano(), 16)))
	for len(id) < 2*n {
		id = "0" + id
	}
	return id[len(id)-2*n:]
}
