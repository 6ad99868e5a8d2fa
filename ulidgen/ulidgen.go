package ulidgen

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator : thread-safe monotonic ULID source. The relay tags every
// broadcast and submission attempt with one so retries of the same duty can
// be correlated in the logs.
type Generator struct {
	mtx     sync.Mutex
	entropy ulid.MonotonicReader
}

// NewGenerator : monotonic generator seeded from the wall clock
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// NewUlid : next id. Ids created by one generator sort in creation order.
func (g *Generator) NewUlid() (ulid.ULID, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return ulid.New(ulid.Now(), g.entropy)
}
