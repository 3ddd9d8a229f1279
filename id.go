package rabbit

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxID int64 = 1 << 53
)

// IDGenerator hands out identifiers for sessions, subscriptions,
// registrations, invocations and publications.
type IDGenerator interface {
	NextID() ID
}

// CounterIDs is a monotonically increasing generator, starting at 1.
// The zero value is ready to use.
type CounterIDs struct {
	last atomic.Uint64
}

func (c *CounterIDs) NextID() ID {
	return ID(c.last.Add(1))
}

// defaultIDs is shared by every router and realm built without a generator.
var defaultIDs = new(CounterIDs)

// RandomIDs draws IDs uniformly from [1, 2^53], the WAMP global ID scope.
type RandomIDs struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandomIDs() *RandomIDs {
	return &RandomIDs{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (r *RandomIDs) NextID() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ID(r.rnd.Int63n(maxID) + 1)
}
