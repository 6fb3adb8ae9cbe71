// Package gverr defines the error taxonomy used across the scheduler core
// (spec.md §7): a small set of Kinds plus the numeric exit-code space that
// gets pushed into the adapter-wide error ring, generalized from the
// teacher's per-case sentinel errors (machine.ErrBadVA, ErrBadCPU,
// ErrWriteToCF9, ...) into one typed error since the spec calls for a
// numeric code space, not one ad-hoc error per case.
package gverr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation/escalation policy (spec.md §7).
type Kind int

const (
	KindGuestAbuse Kind = iota
	KindFirmwareTimeout
	KindVfHang
	KindHostResourceFailure
	KindFatalEcc
	KindHiveFailure
	KindProtocolError
)

func (k Kind) String() string {
	switch k {
	case KindGuestAbuse:
		return "GuestAbuse"
	case KindFirmwareTimeout:
		return "FirmwareTimeout"
	case KindVfHang:
		return "VfHang"
	case KindHostResourceFailure:
		return "HostResourceFailure"
	case KindFatalEcc:
		return "FatalEcc"
	case KindHiveFailure:
		return "HiveFailure"
	case KindProtocolError:
		return "ProtocolError"
	default:
		return "Unknown"
	}
}

// Code is the small per-subsystem exit-code space from spec.md §6.2:
// success, generic failure, then GPUMON_*/IOV_*/RAS_*/RESET_*/SCHED_* bands.
type Code int

const (
	CodeSuccess Code = iota
	CodeGenericFailure

	CodeGPUMONBase = 1000
	CodeIOVBase    = 2000
	CodeRASBase    = 3000
	CodeResetBase  = 4000
	CodeSchedBase  = 5000
)

const (
	CodeIOVGuardRejected Code = CodeIOVBase + iota
	CodeIOVQueueFull
	CodeIOVBadVFIndex
	CodeIOVDeviceRMA
	CodeIOVDeviceLost
	CodeIOVIllegalTransition
)

const (
	CodeSchedRecursiveWait Code = CodeSchedBase + iota
	CodeSchedWorkerLocked
	CodeSchedStaleEvent
)

const (
	CodeResetEscalated Code = CodeResetBase + iota
	CodeResetHiveBad
)

const (
	CodeRASRMAThresholdExceeded Code = CodeRASBase + iota
)

// Error is the typed error every public API call and internal handler
// returns or wraps.
type Error struct {
	Kind Kind
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (code=%d): %s: %v", e.Kind, e.Code, e.Msg, e.Err)
	}

	return fmt.Sprintf("%s (code=%d): %s", e.Kind, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind/code/message.
func New(k Kind, c Code, msg string) *Error {
	return &Error{Kind: k, Code: c, Msg: msg}
}

// Wrap builds an Error that chains an underlying cause.
func Wrap(k Kind, c Code, msg string, err error) *Error {
	return &Error{Kind: k, Code: c, Msg: msg, Err: err}
}

// Is supports errors.Is(err, gverr.KindFatalEcc)-style matching via a
// sentinel kind wrapper, since Kind itself is not an error.
func Is(err error, k Kind) bool {
	var e *Error

	if errors.As(err, &e) {
		return e.Kind == k
	}

	return false
}

// Ring is a small fixed-capacity ring buffer of errors, the "diagnostic
// consumer can read them out later" sink spec.md §7 requires.
type Ring struct {
	entries []*Error
	cap     int
	next    int
	count   int
}

// NewRing constructs a ring with the given capacity.
func NewRing(capacity int) *Ring {
	return &Ring{entries: make([]*Error, capacity), cap: capacity}
}

// Push records err, overwriting the oldest entry once full.
func (r *Ring) Push(err *Error) {
	if r.cap == 0 {
		return
	}

	r.entries[r.next] = err
	r.next = (r.next + 1) % r.cap

	if r.count < r.cap {
		r.count++
	}
}

// Recent returns up to n most-recently-pushed errors, newest first.
func (r *Ring) Recent(n int) []*Error {
	if n > r.count {
		n = r.count
	}

	out := make([]*Error, 0, n)

	idx := (r.next - 1 + r.cap) % r.cap
	for i := 0; i < n; i++ {
		out = append(out, r.entries[idx])
		idx = (idx - 1 + r.cap) % r.cap
	}

	return out
}
