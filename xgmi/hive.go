// Package xgmi implements the hive descriptor table and the chain-reset
// barrier used when a whole-GPU reset must run in lockstep across every
// adapter sharing an XGMI interconnect domain (the hive glue half of
// component C9, and the tier-4 escalation of component C4).
//
// The chain-reset coordination borrows directly from the two concurrency
// primitives the example ecosystem uses for exactly this shape of problem:
// golang.org/x/sync/semaphore.Weighted as the non-blocking mutex standing
// in for amdgv_hive.chain_reset_lock (TryAcquire maps naturally onto the
// "already in progress, this is a late/duplicate request" check), and
// golang.org/x/sync/errgroup.Group to fan the broadcast out to every member
// and block until all of them return — errgroup.Wait() *is* the barrier:
// no member proceeds past it until every member has.
package xgmi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// MaxHives is the process-wide cap on hive descriptors (spec.md §6.1,
// `MAX_XGMI_HIVE`).
const MaxHives = 8

// ErrBadHive is returned once a hive has been marked bad after a failed
// member reset; further resets are refused. Nothing in this package clears
// the mark.
var ErrBadHive = errors.New("xgmi: hive marked bad, resets refused")

// ErrOrphanChainReset is returned when a peer's broadcast arrives after the
// master has already cleared in_chain_reset — see DESIGN.md's Open
// Question #1 decision: this is the literal, intentionally-fragile
// behavior the specification describes.
var ErrOrphanChainReset = errors.New("xgmi: chain reset broadcast arrived after master cleared in_chain_reset")

// Member is one adapter's hive-visible hooks: the local whole-GPU reset to
// run when a chain reset is requested, and a name for diagnostics.
type Member interface {
	Name() string
	LocalWholeGPUReset(ctx context.Context) error
}

// Hive is one XGMI interconnect domain's shared coordination state.
type Hive struct {
	mu      sync.Mutex
	members []Member
	badHive bool

	chainResetLock *semaphore.Weighted
	inChainReset   bool
}

// NewHive constructs an empty hive ready to accept members.
func NewHive() *Hive {
	return &Hive{chainResetLock: semaphore.NewWeighted(1)}
}

// Join registers m as a hive member. Not safe to call concurrently with
// RunChainReset.
func (h *Hive) Join(m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.members = append(h.members, m)
}

// NumMembers reports the hive's current member count.
func (h *Hive) NumMembers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.members)
}

// InHive reports whether this hive has more than one node. The requesting
// adapter itself is not tracked as a Member (it drives the round via
// localReset in RunChainReset), so one or more joined peers already means
// the hive has at least two nodes — the condition under which tier 4
// (rather than a plain local WGR) applies.
func (h *Hive) InHive() bool {
	return h.NumMembers() >= 1
}

// Bad reports whether the hive has been marked bad by a prior failed
// chain reset.
func (h *Hive) Bad() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.badHive
}

// RunChainReset is called by the requesting (master) adapter. It acquires
// chain_reset_lock, broadcasts to every member by invoking
// LocalWholeGPUReset concurrently (including the requester, via localReset,
// so the caller's own reset runs under the same barrier as its peers),
// waits for every member to finish, and marks the hive bad if any failed.
func (h *Hive) RunChainReset(ctx context.Context, localReset func(ctx context.Context) error) error {
	if h.Bad() {
		return ErrBadHive
	}

	if !h.chainResetLock.TryAcquire(1) {
		// Case 2/4 of amdgv_sched_gpu_chain_reset: another adapter already
		// owns this round; this caller did not initiate it and has no local
		// reset of its own to contribute, so it simply defers to the
		// in-flight round.
		return nil
	}

	h.mu.Lock()
	h.inChainReset = true
	members := append([]Member(nil), h.members...)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.inChainReset = false
		h.mu.Unlock()
		h.chainResetLock.Release(1)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return localReset(gctx) })

	for _, m := range members {
		m := m
		g.Go(func() error {
			if err := h.AcceptBroadcast(gctx, m.LocalWholeGPUReset); err != nil {
				return fmt.Errorf("xgmi: member %s: %w", m.Name(), err)
			}

			return nil
		})
	}

	// errgroup.Wait is the barrier: every goroutine above must return
	// before any caller proceeds past this point.
	if err := g.Wait(); err != nil {
		h.mu.Lock()
		h.badHive = true
		h.mu.Unlock()

		return fmt.Errorf("xgmi: chain reset failed: %w", err)
	}

	return nil
}

// AcceptBroadcast is called by a peer (non-master) adapter when it
// observes SCHED_FORCE_RESET_GPU_INTERNAL. If in_chain_reset has already
// been cleared by the master, the broadcast is stale and is dropped per
// the literal spec behavior.
func (h *Hive) AcceptBroadcast(ctx context.Context, localReset func(ctx context.Context) error) error {
	h.mu.Lock()
	inProgress := h.inChainReset
	h.mu.Unlock()

	if !inProgress {
		return ErrOrphanChainReset
	}

	return localReset(ctx)
}
