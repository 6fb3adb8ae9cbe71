package fullaccess

import "github.com/mxgpuhv/gvcore/vf"

// Suspend marks idx's holder (if any) to skip the next timeout check and
// records the wall-clock time the suspend happened, so Resume can rebase
// the deadline by exactly the suspended duration.
func (c *Controller) Suspend(idx vf.Idx, now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, held := c.holders[c.scope(idx)]
	if !held {
		return
	}

	h.skipTimeoutCheck = true
	h.suspendedAtUS = now
}

// Resume rebases the holder's start time forward by the elapsed suspend
// duration before clearing skipTimeoutCheck. The order matters: clearing
// the flag first would expose a deadline computed against the pre-suspend
// clock, producing either an instantaneous false timeout or, if the
// rebase were skipped entirely, a deadline that never accounts for the
// suspended interval at all.
func (c *Controller) Resume(idx vf.Idx, now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, held := c.holders[c.scope(idx)]
	if !held || !h.skipTimeoutCheck {
		return
	}

	elapsed := now - h.suspendedAtUS
	h.startUS += elapsed
	h.skipTimeoutCheck = false
}
