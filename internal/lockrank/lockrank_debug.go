//go:build lockrank

package lockrank

import (
	"fmt"
	"sync"
)

// held tracks each goroutine's currently-held lock ranks. Keyed by a
// caller-supplied goroutine token rather than runtime.Goexit trickery,
// since the standard library deliberately exposes no goroutine ID.
var (
	mu    sync.Mutex
	held  = map[int64][]Rank{}
)

// Checker guards one mutex's acquisition order for a given goroutine token.
type Checker struct {
	rank Rank
}

// New returns a Checker for a lock at rank.
func New(rank Rank) *Checker { return &Checker{rank: rank} }

// Acquire records that token is about to take this Checker's lock,
// panicking if token already holds a lock at this rank or deeper.
func (c *Checker) Acquire(token int64) {
	mu.Lock()
	defer mu.Unlock()

	stack := held[token]
	if len(stack) > 0 && stack[len(stack)-1] >= c.rank {
		panic(fmt.Sprintf("lockrank: goroutine %d acquired %s while holding %s", token, c.rank, stack[len(stack)-1]))
	}

	held[token] = append(stack, c.rank)
}

// Release pops this Checker's rank off token's held stack.
func (c *Checker) Release(token int64) {
	mu.Lock()
	defer mu.Unlock()

	stack := held[token]
	if len(stack) == 0 || stack[len(stack)-1] != c.rank {
		panic(fmt.Sprintf("lockrank: goroutine %d released %s out of order", token, c.rank))
	}

	held[token] = stack[:len(stack)-1]
}
