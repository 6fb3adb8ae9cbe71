// Package api is the flat, C-shaped public function surface (spec.md §6.2):
// thin locking wrappers over one or more adapter.Adapter instances, exactly
// mirroring vmm.VMM's thin-wrapper relationship to machine.Machine, just
// fanned out to many device handles behind one process-wide Library.
package api

import (
	"errors"
	"sync"

	"github.com/mxgpuhv/gvcore/gverr"
)

// Code is the small per-subsystem exit code space spec.md §6.2 describes,
// pushed into a global ring every time a call returns non-Success.
type Code int

const (
	Success Code = iota
	Failure
	CodeIOV
	CodeRAS
	CodeReset
	CodeSched
)

func (c Code) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case Failure:
		return "FAILURE"
	case CodeIOV:
		return "IOV_FAILURE"
	case CodeRAS:
		return "RAS_FAILURE"
	case CodeReset:
		return "RESET_FAILURE"
	case CodeSched:
		return "SCHED_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// codeFromErr narrows an internal gverr.Error's Kind down to the small
// public Code space (spec.md §7's internal taxonomy feeding §6.2's public
// exit codes); err values that are not a *gverr.Error fall back to the
// caller-supplied default.
func codeFromErr(err error, fallback Code) Code {
	var gerr *gverr.Error
	if !errors.As(err, &gerr) {
		return fallback
	}

	switch gerr.Kind {
	case gverr.KindGuestAbuse, gverr.KindProtocolError:
		return CodeIOV
	case gverr.KindFirmwareTimeout, gverr.KindHiveFailure:
		return CodeReset
	case gverr.KindVfHang:
		return CodeSched
	case gverr.KindFatalEcc:
		return CodeRAS
	default:
		return fallback
	}
}

// ErrBadHandle is returned when a DeviceHandle does not name a live device.
var ErrBadHandle = errors.New("api: bad device handle")

// ErrNotOperational is returned when a call that requires HW_INIT is made
// against an adapter outside that status (spec.md §6.2's "check adapter
// status, HW_INIT required except a small whitelist").
var ErrNotOperational = errors.New("api: adapter not operational")

// errorRingLen is the fixed capacity of the global error code ring.
const errorRingLen = 64

// errorRing is a capped, overwrite-on-full record of recent non-success
// exit codes, visible to the shim the way amdgv_api.c pushes every failing
// call's code into a global ring.
type errorRing struct {
	mu      sync.Mutex
	entries []Code
	next    int
	full    bool
}

func newErrorRing() *errorRing {
	return &errorRing{entries: make([]Code, errorRingLen)}
}

func (r *errorRing) push(c Code) {
	if c == Success {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = c
	r.next = (r.next + 1) % errorRingLen

	if r.next == 0 {
		r.full = true
	}
}

// Recent returns the ring's entries oldest-first.
func (r *errorRing) Recent() []Code {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Code, r.next)
		copy(out, r.entries[:r.next])

		return out
	}

	out := make([]Code, errorRingLen)
	copy(out, r.entries[r.next:])
	copy(out[errorRingLen-r.next:], r.entries[:r.next])

	return out
}
