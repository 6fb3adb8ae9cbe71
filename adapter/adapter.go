// Package adapter wires every other package into one running device handle
// (component C9): the VF slot arena, the five hardware-scheduler world
// switches, the abuse guard, the mailbox, the exclusive-access and reset
// controllers, and the RAS reactor all become concrete collaborators behind
// the narrow Stepper/Dispatcher/GuardChecker interfaces those packages
// declare.
//
// This is the seam vmm.VMM occupies in the teacher: vmm.VMM owns no device
// state of its own, it just holds the concrete machine.Machine and serial
// devices a kvm.KVM instance needs and wires them together at New. Adapter
// plays the same role here, just over a larger set of collaborators.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mxgpuhv/gvcore/asic"
	"github.com/mxgpuhv/gvcore/config"
	"github.com/mxgpuhv/gvcore/event"
	"github.com/mxgpuhv/gvcore/fullaccess"
	"github.com/mxgpuhv/gvcore/guard"
	"github.com/mxgpuhv/gvcore/gverr"
	"github.com/mxgpuhv/gvcore/mailbox"
	"github.com/mxgpuhv/gvcore/osshim"
	"github.com/mxgpuhv/gvcore/ras"
	"github.com/mxgpuhv/gvcore/ras/cper"
	"github.com/mxgpuhv/gvcore/reset"
	"github.com/mxgpuhv/gvcore/vf"
	"github.com/mxgpuhv/gvcore/worldswitch"
	"github.com/mxgpuhv/gvcore/xgmi"
)

// Adapter is one SR-IOV GPU device handle.
type Adapter struct {
	status *statusMachine

	cfg     *config.InitData
	devConf config.DevConf

	clock osshim.Clock
	log   osshim.Printer

	driver asic.Driver

	slotsMu sync.RWMutex
	slots   [vf.MaxSlot]*vf.Slot

	switches map[vf.SchedBlock]*worldswitch.Switch

	guardTbl   *guard.Table
	pipeline   *event.Pipeline
	mbox       *mailbox.Mailbox
	fa         *fullaccess.Controller
	resetCtl   *reset.Controller
	rasReactor *ras.Reactor
	cperRing   *cper.Ring

	hive     *xgmi.Hive
	badPages *osshim.BoltStore

	badPageMu      sync.Mutex
	badPageCounter int

	activeMu sync.Mutex
	active   map[vf.Idx]bool
}

// engineBlocks is the fixed set of real hardware schedulers a world switch
// drives; BlockAll is a dispatch wildcard, not a schedulable engine.
var engineBlocks = []vf.SchedBlock{
	vf.BlockGFX, vf.BlockCompute, vf.BlockSDMA, vf.BlockVCN, vf.BlockJPEG,
}

var errBadIdx = gverr.New(gverr.KindProtocolError, gverr.CodeIOVBadVFIndex, "invalid vf index")

// New wires one Adapter. transport and driver/fw are the host-specific
// register backends; osshim/sim.go and asic.Sim supply simulated ones for
// tests and the CLI demo. badPages and hive are both optional.
func New(
	cfg *config.InitData,
	devConf config.DevConf,
	driver asic.Driver,
	fw worldswitch.Firmware,
	transport mailbox.Transport,
	clock osshim.Clock,
	log osshim.Printer,
	badPages *osshim.BoltStore,
	hive *xgmi.Hive,
) *Adapter {
	a := &Adapter{
		status:   newStatusMachine(),
		cfg:      cfg,
		devConf:  devConf,
		clock:    clock,
		log:      log,
		driver:   driver,
		switches: make(map[vf.SchedBlock]*worldswitch.Switch, len(engineBlocks)),
		hive:     hive,
		badPages: badPages,
		active:   make(map[vf.Idx]bool),
	}

	for i := vf.Idx(0); uint32(i) < vf.MaxSlot; i++ {
		a.slots[i] = vf.NewSlot(i)
	}

	mode := worldswitch.RoundRobin
	for _, block := range engineBlocks {
		a.switches[block] = worldswitch.New(block, fw, mode)
	}

	a.guardTbl = guard.NewTable()
	a.guardTbl.Enabled = devConf.GuardEnabled

	a.pipeline = event.New(clock, a, a)
	a.mbox = mailbox.New(transport, a.guardTbl, a.pipeline, clock)

	windowUS := devConf.AllowTimeFullAccessUS()
	if cfg != nil && cfg.AllowTimeFullAccess > 0 {
		windowUS = uint64(cfg.AllowTimeFullAccess) * 1000
	}
	a.fa = fullaccess.New(fullaccess.AdapterWide, windowUS, a, a.guardTbl, nil)

	a.resetCtl = reset.New(a, a.guardTbl)

	var mirror cper.Mirror
	if badPages != nil {
		mirror = badPages
	}
	a.cperRing = cper.NewRing(cper.MaxCountLimit, mirror)
	a.rasReactor = ras.New(a, a.pipeline, a.cperRing, clock)

	return a
}

// compile-time interface satisfaction checks.
var (
	_ event.GuardChecker = (*Adapter)(nil)
	_ event.Dispatcher   = (*Adapter)(nil)
	_ fullaccess.Stepper = (*Adapter)(nil)
	_ reset.Stepper      = (*Adapter)(nil)
	_ ras.Stepper        = (*Adapter)(nil)
)

// Start runs init_pf_state on every hardware scheduler and moves the adapter
// to HW_INIT, then starts the event pipeline's worker goroutine.
func (a *Adapter) Start(ctx context.Context) error {
	for _, sw := range a.switches {
		if err := sw.InitPFState(); err != nil {
			return fmt.Errorf("adapter: init pf state: %w", err)
		}
	}

	a.status.markHWInit()
	a.pipeline.Start()

	return nil
}

// Stop drains and stops the event pipeline worker.
func (a *Adapter) Stop() error {
	return a.pipeline.Stop()
}

// Status reports the adapter's current lifecycle state.
func (a *Adapter) Status() Status { return a.status.get() }

// Pipeline exposes the event pipeline for callers that queue events directly
// (the mailbox poll loop and the public API layer).
func (a *Adapter) Pipeline() *event.Pipeline { return a.pipeline }

// Mailbox exposes the mailbox controller for the transport's poll loop.
func (a *Adapter) Mailbox() *mailbox.Mailbox { return a.mbox }

// CPERRing exposes the RAS reactor's error ring for diagnostic consumers.
func (a *Adapter) CPERRing() *cper.Ring { return a.cperRing }

// SlotSnapshot returns a read-only copy of idx's slot record.
func (a *Adapter) SlotSnapshot(idx vf.Idx) vf.Slot {
	a.slotsMu.RLock()
	defer a.slotsMu.RUnlock()

	if !idx.Valid() {
		return vf.Slot{}
	}

	return *a.slots[idx]
}

// SlotsSnapshot returns a point-in-time copy of every slot, for the live
// update exporter and the public API's VF query surface.
func (a *Adapter) SlotsSnapshot() [vf.MaxSlot]*vf.Slot {
	a.slotsMu.RLock()
	defer a.slotsMu.RUnlock()

	var out [vf.MaxSlot]*vf.Slot

	for i, s := range a.slots {
		if s == nil {
			continue
		}

		cp := *s
		out[i] = &cp
	}

	return out
}

// RestoreSlots overwrites every non-nil entry of slots into the live arena,
// for the live update importer.
func (a *Adapter) RestoreSlots(slots [vf.MaxSlot]*vf.Slot) {
	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()

	for i, s := range slots {
		if s == nil {
			continue
		}

		cp := *s
		a.slots[i] = &cp
	}
}

// GuardTable exposes the abuse guard for the public API's guard-config
// surface.
func (a *Adapter) GuardTable() *guard.Table { return a.guardTbl }

// DevConf returns the current enumerated device configuration.
func (a *Adapter) DevConf() config.DevConf { return a.devConf }

// SetDevConf replaces the device configuration and re-applies its
// guard-enable flag to the live guard table.
func (a *Adapter) SetDevConf(d config.DevConf) {
	a.devConf = d
	a.guardTbl.Enabled = d.GuardEnabled
}

// Hive exposes the adapter's XGMI hive membership, nil if not joined.
func (a *Adapter) Hive() *xgmi.Hive { return a.hive }

// Clock exposes the adapter's timestamp source.
func (a *Adapter) Clock() osshim.Clock { return a.clock }

// AllocateVF configures idx and moves it from UNAVAIL to AVAIL
// (allocate_vf). It is a no-op configuration step; the slot only becomes
// schedulable once a guest actually drives it through the world switch.
func (a *Adapter) AllocateVF(idx vf.Idx) error {
	if !idx.Valid() {
		return fmt.Errorf("adapter: allocate_vf: %s: %w", idx, errBadIdx)
	}

	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()

	s := a.slots[idx]
	if err := s.Transition(vf.Avail); err != nil {
		return gverr.Wrap(gverr.KindProtocolError, gverr.CodeIOVIllegalTransition, "allocate_vf", err)
	}

	s.Configured = true

	return nil
}

// FreeVF reverses AllocateVF (free_vf): the slot returns to UNAVAIL and its
// FB/time-slice configuration is cleared.
func (a *Adapter) FreeVF(idx vf.Idx) error {
	if !idx.Valid() {
		return fmt.Errorf("adapter: free_vf: %s: %w", idx, errBadIdx)
	}

	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()

	s := a.slots[idx]
	if err := s.Transition(vf.Unavail); err != nil {
		return gverr.Wrap(gverr.KindProtocolError, gverr.CodeIOVIllegalTransition, "free_vf", err)
	}

	s.Configured = false
	s.FBOffsetMB, s.FBSizeMB, s.RealFBSize = 0, 0, 0

	for i := range s.TimeSliceUS {
		s.TimeSliceUS[i] = 0
	}

	return nil
}

// ConfigureVF applies set_vf's FB layout and per-block time slice to idx.
// block == vf.BlockAll leaves the time slice table untouched.
func (a *Adapter) ConfigureVF(idx vf.Idx, fbOffsetMB, fbSizeMB uint64, block vf.SchedBlock, timeSliceUS uint64) error {
	if !idx.Valid() {
		return fmt.Errorf("adapter: set_vf: %s: %w", idx, errBadIdx)
	}

	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()

	s := a.slots[idx]
	s.FBOffsetMB = fbOffsetMB
	s.FBSizeMB = fbSizeMB

	if int(block) >= 0 && int(block) < len(s.TimeSliceUS) && block != vf.BlockAll {
		s.TimeSliceUS[block] = timeSliceUS
	}

	info := mailbox.PF2VFInfo{
		Header:           mailbox.MsgHeader{Version: 1},
		FBOffsetMB:       fbOffsetMB,
		FBSizeMB:         fbSizeMB,
		UpdateIntervalMS: 1000,
	}
	mailbox.UpdatePF2VFChecksum(&info)
	a.mbox.SetPF2VFInfo(idx, info)

	return nil
}

func (a *Adapter) setSlotState(idx vf.Idx, next vf.State) {
	if !idx.Valid() {
		return
	}

	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()

	if err := a.slots[idx].Transition(next); err != nil {
		a.log.Printf("adapter: %v", err)
	}
}

func (a *Adapter) markActive(idx vf.Idx) {
	if !idx.Valid() {
		return
	}

	a.activeMu.Lock()
	a.active[idx] = true
	a.activeMu.Unlock()
}

func (a *Adapter) clearActive(idx vf.Idx) {
	a.activeMu.Lock()
	delete(a.active, idx)
	a.activeMu.Unlock()
}

func (a *Adapter) activeList() []vf.Idx {
	a.activeMu.Lock()
	defer a.activeMu.Unlock()

	out := make([]vf.Idx, 0, len(a.active))
	for idx := range a.active {
		out = append(out, idx)
	}

	return out
}

// --- event.GuardChecker ---

func (a *Adapter) Unrecoverable() bool { return a.status.unrecoverable() }

func (a *Adapter) BumpExclusiveMod(idx vf.Idx, now uint64) error {
	return a.guardTbl.Bump(idx, guard.ExclusiveMod, now)
}

func (a *Adapter) ExclusiveTimeoutFull(idx vf.Idx) bool {
	return a.guardTbl.IsFull(idx, guard.ExclusiveTimeout)
}

func (a *Adapter) BumpFLR(idx vf.Idx, now uint64) error {
	return a.guardTbl.Bump(idx, guard.FLR, now)
}

// --- event.Dispatcher ---

func (a *Adapter) FullAccessHolder() vf.Idx { return a.fa.Holder(vf.Idx(0)) }

func (a *Adapter) CheckFullAccessDeadlines(ctx context.Context) {
	now := a.clock.NowUS()

	for i := vf.Idx(0); uint32(i) < vf.MaxSlot; i++ {
		if _, timedOut := a.fa.CheckTimeout(ctx, i, now); timedOut {
			a.setSlotState(i, vf.Avail)
		}
	}
}

func (a *Adapter) Handle(ctx context.Context, ev *event.Event) event.Result {
	switch ev.ID {
	case event.SchedForceResetGPU, event.SchedForceResetGPUInternal:
		hiveMaster := false
		if data, ok := ev.Data.(event.ResetData); ok {
			hiveMaster = data.HiveMaster
		}

		var err error
		if hiveMaster && a.hive != nil {
			err = a.resetCtl.XGMIChainReset(ctx, a.hive)
		} else {
			err = a.resetCtl.WholeGPUReset(ctx)
		}

		if err != nil {
			a.log.Printf("adapter: whole gpu reset: %v", err)
		}

		return event.Continue

	case event.SchedResetVF, event.SchedForceResetVF, event.HwSchedResetVF:
		if err := a.resetCtl.SchedVFFLR(ctx, ev.IdxVF, ev.TimestampUS); err != nil {
			a.log.Printf("adapter: vf flr %s: %v", ev.IdxVF, err)
		}

		return event.Continue

	case event.SchedRasPoisonConsumption:
		if err := a.rasReactor.HandlePoisonConsumption(ctx, ev.IdxVF, ev.SchedBlock); err != nil {
			a.log.Printf("adapter: poison consumption %s: %v", ev.IdxVF, err)
		}

		return event.Continue

	case event.SchedRasUMC, event.SchedRasFed:
		if err := a.rasReactor.HandleInterrupt(ctx, ev.IdxVF, ev.SchedBlock); err != nil {
			a.log.Printf("adapter: ras interrupt %s: %v", ev.IdxVF, err)
		}

		return event.Continue

	case event.SchedRasPoisonCreation:
		a.rasReactor.HandlePoisonCreation(ev.IdxVF, ev.SchedBlock)

		return event.Continue

	case event.ReqGPUInit:
		return a.runFullAccessEnter(ctx, ev.IdxVF, fullaccess.ReqInit)
	case event.ReqGPUReset:
		return a.runFullAccessEnter(ctx, ev.IdxVF, fullaccess.ReqReset)
	case event.ReqGPUFini:
		return a.runFullAccessEnter(ctx, ev.IdxVF, fullaccess.ReqFini)

	case event.RelGPUInit:
		return a.runFullAccessExit(ctx, ev.IdxVF, fullaccess.ReqInit)
	case event.RelGPUFini:
		return a.runFullAccessExit(ctx, ev.IdxVF, fullaccess.ReqFini)

	case event.SchedSuspendVF, event.SchedSuspend, event.SchedSuspendLive:
		if ev.ID == event.SchedSuspendLive {
			a.fa.Suspend(ev.IdxVF, a.clock.NowUS())
		}

		a.suspendVF(ev.IdxVF)

		return event.Continue

	case event.SchedResumeVF, event.SchedResume, event.SchedResumeLive:
		if ev.ID == event.SchedResumeLive {
			a.fa.Resume(ev.IdxVF, a.clock.NowUS())
		}

		a.resumeVF(ev.IdxVF)

		return event.Continue

	case event.SchedRemoveVF:
		a.removeVF(ev.IdxVF)

		return event.Continue

	case event.SchedStopVF:
		if sw, ok := a.switches[ev.SchedBlock]; ok {
			_ = sw.Stop(ev.IdxVF)
		}

		return event.Continue

	case event.SchedSetVFAccess:
		if data, ok := ev.Data.(event.AccessData); ok {
			a.setVFAccess(ev.IdxVF, data)
		}

		return event.Continue

	case event.CurVFCtxEmpty:
		if sw, ok := a.switches[ev.SchedBlock]; ok {
			_ = sw.CurVFCtxEmpty(func() vf.Idx { return ev.IdxVF })
		}

		return event.Continue

	default:
		// Telemetry and maintenance events (SCHED_GPUMON, SCHED_GET_TOPOLOGY,
		// live-update and PSP gate plumbing, diagnostics dumps, ...) are out
		// of scope; they drain harmlessly without a handler.
		return event.Continue
	}
}

func (a *Adapter) runFullAccessEnter(ctx context.Context, idx vf.Idx, req fullaccess.Request) event.Result {
	if err := a.fa.Enter(ctx, idx, req, a.clock.NowUS()); err != nil {
		if errors.Is(err, fullaccess.ErrAlreadyHeld) {
			return event.StopAndKeep
		}

		a.log.Printf("adapter: full access enter %s: %v", idx, err)
	}

	return event.Continue
}

func (a *Adapter) runFullAccessExit(ctx context.Context, idx vf.Idx, req fullaccess.Request) event.Result {
	if err := a.fa.Exit(ctx, idx, req, true); err != nil {
		a.log.Printf("adapter: full access exit %s: %v", idx, err)
	}

	return event.Continue
}

func (a *Adapter) suspendVF(idx vf.Idx) {
	for _, sw := range a.switches {
		_ = sw.Save(idx)
	}

	a.setSlotState(idx, vf.Suspended)
}

func (a *Adapter) resumeVF(idx vf.Idx) {
	for _, sw := range a.switches {
		_ = sw.Load(idx)
	}

	a.setSlotState(idx, vf.Active)
	a.markActive(idx)
}

func (a *Adapter) removeVF(idx vf.Idx) {
	for _, sw := range a.switches {
		_ = sw.Stop(idx)
	}

	a.setSlotState(idx, vf.Unavail)
	a.clearActive(idx)
}

func (a *Adapter) setVFAccess(idx vf.Idx, data event.AccessData) {
	if !idx.Valid() {
		return
	}

	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()

	s := a.slots[idx]
	s.MMIOAccess = data.MMIO
	s.FBAccess = data.FB
	s.DoorbellAccess = data.Doorbell
}

// --- fullaccess.Stepper ---

func (a *Adapter) StopWorldSwitch(idx vf.Idx) (bool, error) {
	var firstErr error

	abnormal := false

	for _, sw := range a.switches {
		if err := sw.Stop(idx); err != nil && firstErr == nil {
			firstErr = err
		}

		if sw.Abnormal() {
			abnormal = true
		}
	}

	return abnormal, firstErr
}

func (a *Adapter) AutoVFReset(idx vf.Idx) error {
	return a.resetCtl.SchedVFFLR(context.Background(), idx, a.clock.NowUS())
}

func (a *Adapter) DetectAndResetOrphan(idx vf.Idx) error {
	for _, sw := range a.switches {
		cur, _ := sw.State()
		if cur.Valid() && cur != idx && sw.Abnormal() {
			if err := a.resetCtl.SchedVFFLR(context.Background(), cur, a.clock.NowUS()); err != nil {
				return err
			}
		}
	}

	return nil
}

func (a *Adapter) EnableMailboxIRQ(idx vf.Idx) error {
	a.mbox.MarkAvailable(idx, true)

	return nil
}

func (a *Adapter) DisableMailboxIRQ(idx vf.Idx) error {
	a.mbox.MarkAvailable(idx, false)

	return nil
}

func (a *Adapter) GrantAccess(idx vf.Idx) error {
	if !idx.Valid() {
		return nil
	}

	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()

	s := a.slots[idx]
	s.MMIOAccess, s.FBAccess, s.DoorbellAccess = true, true, true

	return nil
}

func (a *Adapter) RevokeAccess(idx vf.Idx) error {
	if !idx.Valid() {
		return nil
	}

	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()

	s := a.slots[idx]
	s.MMIOAccess, s.FBAccess, s.DoorbellAccess = false, false, false

	return nil
}

func (a *Adapter) AssertRLCSafeMode(idx vf.Idx) error   { return a.driver.EnterRLCSafeMode(idx) }
func (a *Adapter) DeassertRLCSafeMode(idx vf.Idx) error { return a.driver.ExitRLCSafeMode(idx) }

// EnableRLCG has no ASIC register analogue in the simulated driver; it is a
// pure bookkeeping step in the real firmware and needs nothing here.
func (a *Adapter) EnableRLCG(idx vf.Idx) error { return nil }

func (a *Adapter) NotifyReadyToAccessGPU(ctx context.Context, idx vf.Idx) error {
	return a.mbox.NotifyReadyToAccessGPU(ctx, idx)
}

// EventBody runs the request-specific body both fullaccess.Controller.Enter
// (step 8) and Exit (step 2) delegate to: entry moves the slot into
// FULL_ACCESS, exit moves it back out, so the same idempotent toggle serves
// both call sites without the caller telling EventBody which direction it's
// running (invariant P4's FULL_ACCESS edge is symmetric).
func (a *Adapter) EventBody(ctx context.Context, idx vf.Idx, req fullaccess.Request) error {
	if !idx.Valid() {
		return nil
	}

	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()

	s := a.slots[idx]
	if s.State == vf.FullAccess {
		return s.Transition(vf.Avail)
	}

	return s.Transition(vf.FullAccess)
}

func (a *Adapter) ForceShutdownVF(idx vf.Idx) error {
	var firstErr error

	for _, sw := range a.switches {
		if err := sw.Stop(idx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// ReadMailboxStatus is a best-effort diagnostic read; a failure here does not
// fail the exit sequence (spec.md §4.5 exit step 5).
func (a *Adapter) ReadMailboxStatus(idx vf.Idx) error { return nil }

func (a *Adapter) AddToActiveWorldSwitchList(idx vf.Idx) error {
	a.markActive(idx)

	return nil
}

// RunStarvationPreventionLoop is a no-op in round-robin mode; HYBRID_LIQUID
// scheduling would check every other active VF's accrued wait time here.
func (a *Adapter) RunStarvationPreventionLoop() error { return nil }

func (a *Adapter) ForceSave(idx vf.Idx) error {
	for _, sw := range a.switches {
		if err := sw.Save(idx); err != nil {
			return err
		}
	}

	return nil
}

func (a *Adapter) ForceFLR(idx vf.Idx) error { return a.driver.TriggerHardwareFLR(idx) }

func (a *Adapter) EscalateWholeGPUReset() error {
	return a.resetCtl.WholeGPUReset(context.Background())
}

// --- reset.Stepper ---

func (a *Adapter) RMA() bool { return a.status.rma() }

func (a *Adapter) NotifyFLR(ctx context.Context, idx vf.Idx) bool {
	return a.mbox.NotifyFLR(ctx, idx)
}

func (a *Adapter) TriggerHardwareFLR(idx vf.Idx) error { return a.driver.TriggerHardwareFLR(idx) }

func (a *Adapter) RevokeFBAccess(idx vf.Idx) {
	if !idx.Valid() || !a.cfg.Flags.VFFBProtection {
		return
	}

	a.slotsMu.Lock()
	a.slots[idx].FBAccess = false
	a.slotsMu.Unlock()
}

// ReplayBadPageReplacements replays nothing against the simulated driver;
// a hardware backend would rewrite the UMC page-remap table here.
func (a *Adapter) ReplayBadPageReplacements(idx vf.Idx) {}

func (a *Adapter) NotifyFLRCompletion(idx vf.Idx) { a.mbox.NotifyFLRCompletion(idx) }

func (a *Adapter) FindAbnormalScheduler() (reset.AbnormalScheduler, bool) {
	for _, sw := range a.switches {
		if sw.Abnormal() {
			cur, _ := sw.State()

			return reset.AbnormalScheduler{CurrIdxVF: cur}, true
		}
	}

	return reset.AbnormalScheduler{}, false
}

func (a *Adapter) PFInUse() bool {
	a.slotsMu.RLock()
	defer a.slotsMu.RUnlock()

	s := a.slots[vf.PFIdx].State

	return s == vf.Active || s == vf.FullAccess
}

func (a *Adapter) SyncSiblingSchedulers(idx vf.Idx) error {
	for _, sw := range a.switches {
		cur, _ := sw.State()
		if cur != idx {
			if err := sw.SwitchTo(idx); err != nil {
				return err
			}
		}
	}

	return nil
}

func (a *Adapter) NotifyPFAndActiveVFs() []vf.Idx {
	actives := a.activeList()

	if a.cfg != nil && a.cfg.UsePF {
		a.mbox.NotifyFLR(context.Background(), vf.PFIdx)
	}

	for _, idx := range actives {
		a.mbox.NotifyFLR(context.Background(), idx)
	}

	return actives
}

func (a *Adapter) MarkAllShutdown() {
	for _, sw := range a.switches {
		sw.Reset()
	}
}

func (a *Adapter) TriggerGPUReset() error { return a.driver.TriggerGPUReset() }

func (a *Adapter) ClearVFFBAccess() {
	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()

	for i := range a.slots {
		a.slots[i].FBAccess = false
	}
}

func (a *Adapter) NotifyCompletionAndRelease(activeVFs []vf.Idx) {
	for _, idx := range activeVFs {
		a.mbox.NotifyFLRCompletion(idx)
		a.setSlotState(idx, vf.Avail)
		a.clearActive(idx)
	}
}

func (a *Adapter) ClearVRAMLost(lightweight bool) {
	if lightweight {
		return
	}

	a.slotsMu.Lock()
	defer a.slotsMu.Unlock()

	for i := range a.slots {
		a.slots[i].VRAMLost = false
	}
}

func (a *Adapter) MarkStaleList0Events() { a.pipeline.MarkStaleAfterWGR() }

// SaveSRIOVConfig/RestoreSRIOVConfig bracket a whole-GPU reset's PCI config
// space save/restore; the simulated driver keeps no config space to save.
func (a *Adapter) SaveSRIOVConfig()    {}
func (a *Adapter) RestoreSRIOVConfig() {}

func (a *Adapter) TransitionHWLost() { a.status.markTerminal(HWLost) }

// --- ras.Stepper ---

func (a *Adapter) QueryMCABank(idx vf.Idx, block vf.SchedBlock) (ras.MCABank, bool) {
	bank, ok := a.driver.ReadMCABank(idx, block)

	return toRasBank(bank), ok
}

func (a *Adapter) RetirePage(idx vf.Idx, bank ras.MCABank) {
	a.driver.RetirePage(idx, toAsicBank(bank))

	if a.badPages != nil {
		_ = a.badPages.AddBadPage(bank.Addr)

		return
	}

	a.badPageMu.Lock()
	a.badPageCounter++
	a.badPageMu.Unlock()
}

func (a *Adapter) QueryErrorCounters(idx vf.Idx, block vf.SchedBlock) ras.MCABank {
	bank, _ := a.driver.ReadMCABank(idx, block)

	return toRasBank(bank)
}

func (a *Adapter) BadPageCount() int {
	if a.badPages != nil {
		n, _ := a.badPages.BadPageCount()

		return n
	}

	a.badPageMu.Lock()
	defer a.badPageMu.Unlock()

	return a.badPageCounter
}

func (a *Adapter) BadPageThreshold() int {
	if a.cfg == nil {
		return 0
	}

	return a.cfg.BadPageRecordThreshold
}

func (a *Adapter) PoisonModeEnabled() bool { return a.cfg == nil || !a.cfg.Flags.PoisonModeDisabled }

// SetPoisonModeDisabled toggles RAS poison handling for the public API's
// enable/disable_ras_feature calls.
func (a *Adapter) SetPoisonModeDisabled(disabled bool) {
	if a.cfg == nil {
		return
	}

	a.cfg.Flags.PoisonModeDisabled = disabled
}

// ClearBadPages resets the retired page record (ras_eeprom_clear).
func (a *Adapter) ClearBadPages() error {
	if a.badPages != nil {
		return a.badPages.ClearBadPages()
	}

	a.badPageMu.Lock()
	a.badPageCounter = 0
	a.badPageMu.Unlock()

	return nil
}

func (a *Adapter) HangResetFlag() bool { return a.cfg != nil && a.cfg.Flags.HangResetFlag }

func (a *Adapter) InHive() bool { return a.hive != nil && a.hive.InHive() }

// TransitionHWRMA moves the adapter to the terminal HW_RMA state, resets
// every hardware scheduler, and clears every VF's access bits (spec.md
// scenario S4).
func (a *Adapter) TransitionHWRMA(ctx context.Context) {
	a.status.markTerminal(HWRMA)

	for _, sw := range a.switches {
		sw.Reset()
	}

	a.slotsMu.Lock()
	for i := range a.slots {
		a.slots[i].MMIOAccess, a.slots[i].FBAccess, a.slots[i].DoorbellAccess = false, false, false
	}
	a.slotsMu.Unlock()
}

func (a *Adapter) ClearPendingDeferredError(idx vf.Idx) {
	if !idx.Valid() {
		return
	}

	a.slotsMu.Lock()
	a.slots[idx].PendingDeferredErrors = 0
	a.slotsMu.Unlock()
}

func toRasBank(b asic.MCABank) ras.MCABank {
	return ras.MCABank{
		BankIdx:   b.BankIdx,
		Status:    b.Status,
		Addr:      b.Addr,
		Misc:      b.Misc,
		Synd:      b.Synd,
		Deferred:  b.Deferred,
		Uncorrect: b.Uncorrect,
	}
}

func toAsicBank(b ras.MCABank) asic.MCABank {
	return asic.MCABank{
		BankIdx:   b.BankIdx,
		Status:    b.Status,
		Addr:      b.Addr,
		Misc:      b.Misc,
		Synd:      b.Synd,
		Deferred:  b.Deferred,
		Uncorrect: b.Uncorrect,
	}
}
