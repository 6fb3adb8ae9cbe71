// Package reset implements the four-tier reset hierarchy (component C4):
// VF-FLR, auto-VF-reset, whole-GPU reset, and XGMI chain reset, each
// escalating to the next on failure.
//
// The controller is a thin orchestrator over collaborator capabilities the
// way vmm.VMM sits thinly over machine.Machine: it owns no hardware state
// itself, only the escalation sequence and bookkeeping, delegating every
// side effect to a Stepper the adapter wiring implements.
package reset

import (
	"context"
	"errors"
	"fmt"

	"github.com/mxgpuhv/gvcore/guard"
	"github.com/mxgpuhv/gvcore/vf"
)

// ErrRMA is returned by every tier once the adapter has transitioned to a
// terminal bad-GPU state (spec.md §4.4: "An adapter in HW_RMA or HIVE_RMA
// rejects all tiers except terminal notification").
var ErrRMA = errors.New("reset: adapter in terminal RMA state, reset rejected")

// Tier identifies which escalation level actually ran.
type Tier int

const (
	TierFLR Tier = iota
	TierAutoVF
	TierWholeGPU
	TierXGMIChain
)

func (t Tier) String() string {
	switch t {
	case TierFLR:
		return "VF_FLR"
	case TierAutoVF:
		return "AUTO_VF_RESET"
	case TierWholeGPU:
		return "WHOLE_GPU_RESET"
	case TierXGMIChain:
		return "XGMI_CHAIN_RESET"
	default:
		return "UNKNOWN"
	}
}

// AbnormalScheduler identifies one hw scheduler found in the ABNORMAL state
// during an auto-VF-reset scan.
type AbnormalScheduler struct {
	CurrIdxVF vf.Idx
}

// Stepper is the set of side-effecting operations the controller drives;
// the adapter wiring supplies the concrete implementation tying this to
// mailbox, worldswitch, and the ASIC driver.
type Stepper interface {
	// RMA reports whether the adapter is currently in a terminal state.
	RMA() bool

	// NotifyFLR sends FLR_NOTIFICATION and waits (bounded) for READY_TO_RESET,
	// proceeding regardless of the outcome.
	NotifyFLR(ctx context.Context, idx vf.Idx) (acked bool)
	// TriggerHardwareFLR issues the hardware FLR for idx.
	TriggerHardwareFLR(idx vf.Idx) error
	// RevokeFBAccess revokes FB access if FB protection is enabled.
	RevokeFBAccess(idx vf.Idx)
	// ReplayBadPageReplacements replays RAS-queued bad-page replacements.
	ReplayBadPageReplacements(idx vf.Idx)
	// NotifyFLRCompletion sends FLR_NOTIFICATION_COMPLETION.
	NotifyFLRCompletion(idx vf.Idx)

	// FindAbnormalScheduler returns the first ABNORMAL hw scheduler, if any.
	FindAbnormalScheduler() (AbnormalScheduler, bool)
	// PFInUse reports whether the PF-as-VF slot is actively in use.
	PFInUse() bool
	// SyncSiblingSchedulers context-switches sibling hw schedulers to idx.
	SyncSiblingSchedulers(idx vf.Idx) error

	// NotifyPFAndActiveVFs sends FLR_NOTIFICATION to the PF (if used) and
	// every active VF, waiting briefly for acknowledgements.
	NotifyPFAndActiveVFs() (activeVFs []vf.Idx)
	// MarkAllShutdown marks every hw scheduler's per-VF state SHUTDOWN.
	MarkAllShutdown()
	// TriggerGPUReset calls the ASIC-specific reset entry point.
	TriggerGPUReset() error
	// ClearVFFBAccess clears VF FB access bits.
	ClearVFFBAccess()
	// NotifyCompletionAndRelease notifies each previously-active VF of
	// completion and moves it to AVAIL.
	NotifyCompletionAndRelease(activeVFs []vf.Idx)
	// ClearVRAMLost clears vram_lost on every VF unless lightweight is true.
	ClearVRAMLost(lightweight bool)
	// MarkStaleList0Events marks stale List 0 events FINISHED.
	MarkStaleList0Events()
	// SaveSRIOVConfig / RestoreSRIOVConfig bracket a WGR.
	SaveSRIOVConfig()
	RestoreSRIOVConfig()
	// TransitionHWLost moves the adapter to HW_LOST after a failed reset.
	TransitionHWLost()
}

// Controller runs the reset hierarchy for one adapter.
type Controller struct {
	step     Stepper
	guardTbl *guard.Table
}

// New constructs a Controller.
func New(step Stepper, guardTbl *guard.Table) *Controller {
	return &Controller{step: step, guardTbl: guardTbl}
}

// SchedVFFLR runs tier 1: VF FLR (spec.md §4.4.1).
func (c *Controller) SchedVFFLR(ctx context.Context, idx vf.Idx, now uint64) error {
	if c.step.RMA() {
		return ErrRMA
	}

	c.step.NotifyFLR(ctx, idx)

	if err := c.step.TriggerHardwareFLR(idx); err != nil {
		return fmt.Errorf("reset: hardware flr on %s: %w", idx, err)
	}

	c.step.RevokeFBAccess(idx)
	c.step.ReplayBadPageReplacements(idx)
	c.step.NotifyFLRCompletion(idx)

	if c.guardTbl != nil {
		_ = c.guardTbl.Bump(idx, guard.FLR, now)
	}

	return nil
}

// ResetVFAuto runs tier 2: auto VF reset (spec.md §4.4.2).
func (c *Controller) ResetVFAuto(ctx context.Context, now uint64) error {
	if c.step.RMA() {
		return ErrRMA
	}

	abnormal, found := c.step.FindAbnormalScheduler()
	if !found {
		return nil
	}

	if abnormal.CurrIdxVF == vf.PFIdx && !c.step.PFInUse() {
		return c.WholeGPUReset(ctx)
	}

	if err := c.step.SyncSiblingSchedulers(abnormal.CurrIdxVF); err != nil {
		return fmt.Errorf("reset: sync sibling schedulers: %w", err)
	}

	if err := c.SchedVFFLR(ctx, abnormal.CurrIdxVF, now); err != nil {
		return c.WholeGPUReset(ctx)
	}

	return nil
}

// WholeGPUReset runs tier 3 (spec.md §4.4.3) with lightweight=false, so
// vram_lost is cleared across the whole VF set. In wholeGPUReset,
// lightweight marks a PF-only FLR that leaves vram_lost untouched.
func (c *Controller) WholeGPUReset(ctx context.Context) error {
	return c.wholeGPUReset(ctx, false)
}

func (c *Controller) wholeGPUReset(ctx context.Context, lightweight bool) error {
	if c.step.RMA() {
		return ErrRMA
	}

	activeVFs := c.step.NotifyPFAndActiveVFs()
	c.step.MarkAllShutdown()
	c.step.SaveSRIOVConfig()

	if err := c.step.TriggerGPUReset(); err != nil {
		c.step.TransitionHWLost()

		return fmt.Errorf("reset: trigger gpu reset: %w", err)
	}

	c.step.ClearVFFBAccess()
	c.step.NotifyCompletionAndRelease(activeVFs)
	c.step.ClearVRAMLost(lightweight)
	c.step.MarkStaleList0Events()
	c.step.RestoreSRIOVConfig()

	return nil
}

// ChainStepper extends Stepper with the hive glue tier 4 needs. The xgmi
// package implements the barrier itself; Controller only needs to know
// whether it's in a multi-node hive and how to reach it.
type ChainStepper interface {
	InHive() bool
	RunChainReset(ctx context.Context, local func(ctx context.Context) error) error
}

// XGMIChainReset runs tier 4 (spec.md §4.4.4) when the adapter belongs to a
// multi-node hive; otherwise it degrades to a local whole-GPU reset.
func (c *Controller) XGMIChainReset(ctx context.Context, hive ChainStepper) error {
	if c.step.RMA() {
		return ErrRMA
	}

	if hive == nil || !hive.InHive() {
		return c.WholeGPUReset(ctx)
	}

	return hive.RunChainReset(ctx, func(ctx context.Context) error {
		return c.WholeGPUReset(ctx)
	})
}
