//go:build !lockrank

package lockrank

// Checker is a zero-cost no-op outside the lockrank build tag.
type Checker struct{}

// New returns a no-op Checker for rank.
func New(rank Rank) *Checker { return &Checker{} }

// Acquire is a no-op in production builds.
func (c *Checker) Acquire(token int64) {}

// Release is a no-op in production builds.
func (c *Checker) Release(token int64) {}
