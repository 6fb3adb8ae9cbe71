// Package ras implements the RAS/ECC reactor (component C5): it classifies
// inbound poison/interrupt telemetry into MCA bank reads, emits CPER
// records into a ras/cper.Ring, and drives the four-step recovery policy
// that decides between a page retirement, a targeted VF reset, or an
// escalation to whole-GPU reset.
//
// Like fullaccess.Controller and reset.Controller, the reactor never touches
// hardware directly: every side effect runs through the Stepper interface,
// grounded the same way reset.Stepper is — so an adapter implementation can
// be swapped for a fake in tests without the reactor knowing the
// difference.
package ras

import (
	"context"
	"time"

	"github.com/mxgpuhv/gvcore/event"
	"github.com/mxgpuhv/gvcore/ras/cper"
	"github.com/mxgpuhv/gvcore/vf"
)

// MCABank is one machine-check bank read (status/addr/misc/synd), the same
// register tuple a FatalSection carries.
type MCABank struct {
	BankIdx    uint32
	Status     uint64
	Addr       uint64
	Misc       uint64
	Synd       uint64
	Deferred   bool
	Uncorrect  bool
}

// Queuer is the narrow slice of event.Pipeline the reactor needs to act on
// its own recovery decisions (spec.md §4.9 steps 2/3: queue a whole-GPU
// reset or a targeted SCHED_FORCE_RESET_VF).
type Queuer interface {
	QueueEventEx(idx vf.Idx, id event.ID, block vf.SchedBlock, data event.Data) error
}

// Stepper is every hardware/adapter-state hook the reactor needs: MCA bank
// polling, page retirement, bad-page-table/EEPROM queries, and the feature
// flags the recovery policy branches on.
type Stepper interface {
	// QueryMCABank polls block's MCA bank once, looking for a new deferred
	// error (amdgv_mca_bank_poll).
	QueryMCABank(idx vf.Idx, block vf.SchedBlock) (MCABank, bool)

	// RetirePage runs the UMC page-retirement callback for bank.
	RetirePage(idx vf.Idx, bank MCABank)

	// QueryErrorCounters reads the DF/NBIO error counters backing a
	// SCHED_RAS_UMC/SCHED_RAS_FED interrupt.
	QueryErrorCounters(idx vf.Idx, block vf.SchedBlock) MCABank

	// BadPageCount reports the EEPROM's current retired-page count.
	BadPageCount() int

	// BadPageThreshold reports the configured retired-page RMA threshold
	// (bad_page_record_threshold).
	BadPageThreshold() int

	// PoisonModeEnabled reports whether poison mode is enabled for the
	// adapter.
	PoisonModeEnabled() bool

	// HangResetFlag reports whether the hang-reset flag is set.
	HangResetFlag() bool

	// InHive reports whether the adapter belongs to a multi-node XGMI hive,
	// so a whole-GPU reset should prefer the hive master.
	InHive() bool

	// TransitionHWRMA moves the adapter to HW_RMA: shuts down all active
	// VFs, clears every VF_ACCESS_* bit, and makes subsequent API calls
	// fail with the RMA code (spec.md scenario S4).
	TransitionHWRMA(ctx context.Context)

	// ClearPendingDeferredError resets idx's pending-deferred-error
	// counter (recovery policy step 4).
	ClearPendingDeferredError(idx vf.Idx)
}

// Reactor is the adapter-owned RAS/ECC state machine.
type Reactor struct {
	step            Stepper
	queue           Queuer
	ring            *cper.Ring
	clock           event.Clock
	maxDeQueryRetry int
}

// DefaultMaxDeQueryRetry is the default poll count for a poison-consumption
// deferred-error search.
const DefaultMaxDeQueryRetry = 3

// New constructs a Reactor with the default poll budget.
func New(step Stepper, queue Queuer, ring *cper.Ring, clock event.Clock) *Reactor {
	return &Reactor{
		step:            step,
		queue:           queue,
		ring:            ring,
		clock:           clock,
		maxDeQueryRetry: DefaultMaxDeQueryRetry,
	}
}

// SetMaxDeQueryRetry overrides the poison-consumption poll budget.
func (r *Reactor) SetMaxDeQueryRetry(n int) {
	if n > 0 {
		r.maxDeQueryRetry = n
	}
}

// HandlePoisonConsumption services SCHED_RAS_POISON_CONSUMPTION: it polls
// up to maxDeQueryRetry times for a new deferred error, and on finding one
// retires the page and starts recovery.
func (r *Reactor) HandlePoisonConsumption(ctx context.Context, idx vf.Idx, block vf.SchedBlock) error {
	for i := 0; i < r.maxDeQueryRetry; i++ {
		bank, found := r.step.QueryMCABank(idx, block)
		if !found || !bank.Deferred {
			continue
		}

		r.step.RetirePage(idx, bank)
		r.emitCPER(idx, bank)

		return r.recover(ctx, idx, block, bank)
	}

	return nil
}

// HandleInterrupt services a DF/NBIO interrupt (SCHED_RAS_UMC or
// SCHED_RAS_FED): it queries error counters, emits a CPER, and routes to
// recovery.
func (r *Reactor) HandleInterrupt(ctx context.Context, idx vf.Idx, block vf.SchedBlock) error {
	bank := r.step.QueryErrorCounters(idx, block)
	r.emitCPER(idx, bank)

	return r.recover(ctx, idx, block, bank)
}

// HandlePoisonCreation services SCHED_RAS_POISON_CREATION: pure telemetry,
// no reset (spec.md §4.9).
func (r *Reactor) HandlePoisonCreation(idx vf.Idx, block vf.SchedBlock) {
	bank, found := r.step.QueryMCABank(idx, block)
	if !found {
		return
	}

	r.emitCPER(idx, bank)
}

// recover implements the four-step recovery policy from spec.md §4.9.
func (r *Reactor) recover(ctx context.Context, idx vf.Idx, block vf.SchedBlock, bank MCABank) error {
	defer r.step.ClearPendingDeferredError(idx)

	// Step 1: bad-page EEPROM threshold -> HW_RMA.
	if r.step.BadPageCount() >= r.step.BadPageThreshold() {
		r.step.TransitionHWRMA(ctx)

		return nil
	}

	// Step 2: PF-originated, poison mode disabled, hang-reset flag set, or
	// a non-GFX/SDMA block -> whole-GPU reset, preferring the hive master.
	if idx == vf.PFIdx || !r.step.PoisonModeEnabled() || r.step.HangResetFlag() || !isGFXOrSDMA(block) {
		return r.queue.QueueEventEx(idx, event.SchedForceResetGPU, block, event.ResetData{HiveMaster: r.step.InHive()})
	}

	// Step 3: targeted VF reset.
	return r.queue.QueueEventEx(idx, event.SchedForceResetVF, block, nil)
}

func isGFXOrSDMA(block vf.SchedBlock) bool {
	return block == vf.BlockGFX || block == vf.BlockSDMA
}

// emitCPER builds and commits a fatal-crashdump CPER record for bank.
func (r *Reactor) emitCPER(idx vf.Idx, bank MCABank) {
	if r.ring == nil {
		return
	}

	now := time.Now()
	if r.clock != nil {
		now = time.UnixMicro(int64(r.clock.NowUS()))
	}

	rec := cper.Record{
		Header: cper.NewHeader(cper.TypeFatal, severityFor(bank), 1, r.ring.NextUID(), now),
		Fatal: []cper.FatalSection{{
			BankIdx: bank.BankIdx,
			Status:  bank.Status,
			Addr:    bank.Addr,
			Misc:    bank.Misc,
			Synd:    bank.Synd,
		}},
	}

	_ = r.ring.Commit(rec)
}

func severityFor(bank MCABank) cper.Severity {
	if bank.Uncorrect {
		return cper.SeverityFatal
	}

	if bank.Deferred {
		return cper.SeverityCorrected
	}

	return cper.SeverityInformational
}
