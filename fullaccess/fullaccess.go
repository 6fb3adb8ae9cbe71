// Package fullaccess implements the exclusive-mode controller (component
// C7): grants one VF at a time (or one per partition) exclusive MMIO/FB/
// doorbell access for init/fini/reset, tracks a wall-clock deadline, and
// forces recovery on timeout.
//
// Entry/exit follow an explicit numbered sequence the way machine.Machine
// runs its vCPU lifecycle through discrete, individually-erroring steps
// rather than one large function; each step here returns early through a
// sentinel error so a caller can tell exactly which stage failed.
package fullaccess

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mxgpuhv/gvcore/guard"
	"github.com/mxgpuhv/gvcore/vf"
)

// Mode selects whether exclusive access is adapter-wide or per-partition.
type Mode int

const (
	AdapterWide Mode = iota
	PerPartition
)

// Default full-access windows (spec.md §4.3/§4.5), in microseconds.
const (
	DefaultWindowSingleVFUS = 3_000_000
	DefaultWindowMultiVFUS  = 600_000
	MaxWindowUS             = 500_000_000
)

var (
	// ErrAlreadyHeld is returned when entry is requested while another VF
	// already holds exclusive access in the same scope.
	ErrAlreadyHeld = errors.New("fullaccess: already held by another vf")
	// ErrNotHolder is returned when exit is requested by a VF that does not
	// hold exclusive access.
	ErrNotHolder = errors.New("fullaccess: caller does not hold exclusive access")
)

// Request identifies which entry body ran, so callers can drive the
// event-specific steps in §4.5 step 8 / exit step 2.
type Request int

const (
	ReqInit Request = iota
	ReqReset
	ReqFini
)

// Stepper is the set of side-effecting operations a Controller drives
// through the entry/exit sequence; the adapter wiring supplies the concrete
// implementation (world-switch stop, mailbox IRQ enable, access grant,
// RLC safe mode, auto-reset, WGR escalation).
type Stepper interface {
	StopWorldSwitch(idx vf.Idx) (becameAbnormal bool, err error)
	AutoVFReset(idx vf.Idx) error
	DetectAndResetOrphan(idx vf.Idx) error
	EnableMailboxIRQ(idx vf.Idx) error
	DisableMailboxIRQ(idx vf.Idx) error
	GrantAccess(idx vf.Idx) error
	RevokeAccess(idx vf.Idx) error
	AssertRLCSafeMode(idx vf.Idx) error
	DeassertRLCSafeMode(idx vf.Idx) error
	EnableRLCG(idx vf.Idx) error
	NotifyReadyToAccessGPU(ctx context.Context, idx vf.Idx) error
	EventBody(ctx context.Context, idx vf.Idx, req Request) error
	ForceShutdownVF(idx vf.Idx) error
	ReadMailboxStatus(idx vf.Idx) error
	AddToActiveWorldSwitchList(idx vf.Idx) error
	RunStarvationPreventionLoop() error
	ForceSave(idx vf.Idx) error
	ForceFLR(idx vf.Idx) error
	EscalateWholeGPUReset() error
}

// holder tracks one exclusive-access session.
type holder struct {
	idx              vf.Idx
	req              Request
	startUS          uint64
	skipTimeoutCheck bool
	suspendedAtUS    uint64
}

// Controller is the exclusive-mode controller for one adapter.
type Controller struct {
	mode     Mode
	windowUS uint64
	step     Stepper
	guardTbl *guard.Table
	partOf   func(vf.Idx) int // partition id lookup, only used in PerPartition mode

	mu      sync.Mutex
	holders map[int]*holder // key 0 in AdapterWide mode, partition id in PerPartition mode
}

// New constructs a Controller. windowUS is clamped to [0, MaxWindowUS].
func New(mode Mode, windowUS uint64, step Stepper, guardTbl *guard.Table, partOf func(vf.Idx) int) *Controller {
	if windowUS > MaxWindowUS {
		windowUS = MaxWindowUS
	}

	return &Controller{
		mode:     mode,
		windowUS: windowUS,
		step:     step,
		guardTbl: guardTbl,
		partOf:   partOf,
		holders:  make(map[int]*holder),
	}
}

func (c *Controller) scope(idx vf.Idx) int {
	if c.mode == PerPartition && c.partOf != nil {
		return c.partOf(idx)
	}

	return 0
}

// Holder reports the VF currently holding exclusive access in idx's scope,
// or vf.Invalid if none.
func (c *Controller) Holder(idx vf.Idx) vf.Idx {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.holders[c.scope(idx)]
	if !ok {
		return vf.Invalid
	}

	return h.idx
}

// Enter runs the §4.5 entry sequence for idx under req.
func (c *Controller) Enter(ctx context.Context, idx vf.Idx, req Request, now uint64) error {
	c.mu.Lock()
	scope := c.scope(idx)
	if _, held := c.holders[scope]; held {
		c.mu.Unlock()

		return ErrAlreadyHeld
	}
	c.mu.Unlock()

	// Step 1 (grace period for the scheduler's abuse guard) has no
	// counterpart here: nothing on this path sets vf.Slot.SkipNextPunish.

	// Step 2: stop world-switch on every scheduler touching this VF.
	abnormal, err := c.step.StopWorldSwitch(idx)
	if err != nil {
		return fmt.Errorf("fullaccess: stop world switch: %w", err)
	}

	// Step 3: recover from an ABNORMAL scheduler caused by the stop.
	if abnormal {
		if err := c.step.AutoVFReset(idx); err != nil {
			if req == ReqFini {
				_ = c.step.NotifyReadyToAccessGPU(ctx, idx)

				return fmt.Errorf("fullaccess: auto vf reset during fini: %w", err)
			}

			return fmt.Errorf("fullaccess: auto vf reset: %w", err)
		}
	}

	// Step 4: orphan detection on INIT/RESET.
	if req == ReqInit || req == ReqReset {
		if err := c.step.DetectAndResetOrphan(idx); err != nil {
			return fmt.Errorf("fullaccess: orphan detect/reset: %w", err)
		}
	}

	if err := c.enterBody(ctx, idx, req); err != nil {
		// Step 10: failure unwind.
		_ = c.step.RevokeAccess(idx)
		_ = c.step.DeassertRLCSafeMode(idx)
		_ = c.step.AutoVFReset(idx)

		return err
	}

	c.mu.Lock()
	c.holders[scope] = &holder{idx: idx, req: req, startUS: now}
	c.mu.Unlock()

	return nil
}

func (c *Controller) enterBody(ctx context.Context, idx vf.Idx, req Request) error {
	// Step 5: mailbox interrupts.
	if err := c.step.EnableMailboxIRQ(idx); err != nil {
		return fmt.Errorf("fullaccess: enable mailbox irq: %w", err)
	}

	// Step 6: grant MMIO/FB/doorbell.
	if err := c.step.GrantAccess(idx); err != nil {
		return fmt.Errorf("fullaccess: grant access: %w", err)
	}

	// Step 7: RLC safe mode.
	if err := c.step.AssertRLCSafeMode(idx); err != nil {
		return fmt.Errorf("fullaccess: assert rlc safe mode: %w", err)
	}

	// Step 8: event-specific body.
	if err := c.step.EventBody(ctx, idx, req); err != nil {
		return fmt.Errorf("fullaccess: event body: %w", err)
	}

	// Step 9: success path.
	if err := c.step.EnableRLCG(idx); err != nil {
		return fmt.Errorf("fullaccess: enable rlcg: %w", err)
	}

	return c.step.NotifyReadyToAccessGPU(ctx, idx)
}

// Exit runs the §4.5 exit sequence for idx, which must currently hold
// exclusive access in its scope.
func (c *Controller) Exit(ctx context.Context, idx vf.Idx, req Request, cpSchedulerInit bool) error {
	c.mu.Lock()
	scope := c.scope(idx)
	h, held := c.holders[scope]
	if !held || h.idx != idx {
		c.mu.Unlock()

		return ErrNotHolder
	}
	c.mu.Unlock()

	// Step 1: deassert RLC safe mode.
	if err := c.step.DeassertRLCSafeMode(idx); err != nil {
		return fmt.Errorf("fullaccess: deassert rlc safe mode: %w", err)
	}

	// Step 2: event-specific body.
	if err := c.step.EventBody(ctx, idx, req); err != nil {
		return fmt.Errorf("fullaccess: exit event body: %w", err)
	}

	// Step 3: revoke MMIO/FB/doorbell.
	if err := c.step.RevokeAccess(idx); err != nil {
		return fmt.Errorf("fullaccess: revoke access: %w", err)
	}

	// Step 4: force SHUTDOWN_VF on an uninitialized CP scheduler for REL_GPU_INIT.
	if req == ReqInit && !cpSchedulerInit {
		if err := c.step.ForceShutdownVF(idx); err != nil {
			return fmt.Errorf("fullaccess: force shutdown vf: %w", err)
		}
	}

	// Step 5: mailbox status (best-effort; its error is ignored).
	_ = c.step.ReadMailboxStatus(idx)

	// Step 6: disable mailbox interrupts.
	if err := c.step.DisableMailboxIRQ(idx); err != nil {
		return fmt.Errorf("fullaccess: disable mailbox irq: %w", err)
	}

	// Step 7: add to active world-switch list.
	if req == ReqInit && cpSchedulerInit {
		if err := c.step.AddToActiveWorldSwitchList(idx); err != nil {
			return fmt.Errorf("fullaccess: add to active list: %w", err)
		}
	}

	// Step 8: starvation-prevention pass for other active VFs.
	if err := c.step.RunStarvationPreventionLoop(); err != nil {
		return fmt.Errorf("fullaccess: starvation prevention: %w", err)
	}

	// Step 9: release.
	c.mu.Lock()
	delete(c.holders, scope)
	c.mu.Unlock()

	return nil
}

// TimeoutInfo reports the start/end timestamps of a forced exit, for the
// caller to emit as a DRIVER_FULL_ACCESS_TIMEOUT diagnostic.
type TimeoutInfo struct {
	VF      vf.Idx
	StartUS uint64
	EndUS   uint64
}

// CheckTimeout drives the critical timeout property: if now exceeds idx's
// start plus the configured window, it forces exit and reports the session
// that was torn down.
func (c *Controller) CheckTimeout(ctx context.Context, idx vf.Idx, now uint64) (info TimeoutInfo, timedOut bool) {
	c.mu.Lock()
	scope := c.scope(idx)
	h, held := c.holders[scope]
	if !held || h.idx != idx || h.skipTimeoutCheck {
		c.mu.Unlock()

		return TimeoutInfo{}, false
	}

	if now-h.startUS <= c.windowUS {
		c.mu.Unlock()

		return TimeoutInfo{}, false
	}
	startUS := h.startUS
	c.mu.Unlock()

	_ = c.step.RevokeAccess(idx)

	_ = c.step.ForceSave(idx)

	if err := c.step.ForceFLR(idx); err != nil {
		_ = c.step.EscalateWholeGPUReset()
	}

	if c.guardTbl != nil {
		_ = c.guardTbl.Bump(idx, guard.ExclusiveTimeout, now)
	}

	c.mu.Lock()
	delete(c.holders, scope)
	c.mu.Unlock()

	return TimeoutInfo{VF: idx, StartUS: startUS, EndUS: now}, true
}
