package adapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mxgpuhv/gvcore/asic"
	"github.com/mxgpuhv/gvcore/config"
	"github.com/mxgpuhv/gvcore/event"
	"github.com/mxgpuhv/gvcore/vf"
)

type fakeClock struct {
	mu sync.Mutex
	us uint64
}

func (c *fakeClock) NowUS() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.us++

	return c.us
}

func (c *fakeClock) UTCNowUS() uint64 { return c.NowUS() }

type fakePrinter struct {
	mu   sync.Mutex
	logs []string
}

func (p *fakePrinter) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logs = append(p.logs, format)
}

type fakeTransport struct{}

func (fakeTransport) RecvMsg(idx vf.Idx) ([4]uint32, bool)   { return [4]uint32{}, false }
func (fakeTransport) SendMsg(idx vf.Idx, msg [4]uint32) error { return nil }
func (fakeTransport) AckPending(idx vf.Idx) bool              { return true }

func newTestAdapter(t *testing.T, cfg *config.InitData) (*Adapter, *asic.Sim) {
	t.Helper()

	sim := asic.NewSim()
	a := New(cfg, config.DefaultDevConf(cfg.NumVF), sim, sim, fakeTransport{}, &fakeClock{}, &fakePrinter{}, nil, nil)

	return a, sim
}

func TestStartMovesStatusToHWInit(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, &config.InitData{NumVF: 1, BadPageRecordThreshold: 100})

	if got := a.Status(); got != SWInit {
		t.Fatalf("status before Start = %s, want SW_INIT", got)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := a.Status(); got != HWInit {
		t.Fatalf("status after Start = %s, want HW_INIT", got)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestFullAccessEnterExitCycleMovesSlotToFullAccessAndBack(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, &config.InitData{NumVF: 1, BadPageRecordThreshold: 100})

	idx := vf.Idx(0)
	a.setSlotState(idx, vf.Avail)

	ctx := context.Background()

	enter := &event.Event{IdxVF: idx, ID: event.ReqGPUInit, SchedBlock: vf.BlockAll, TimestampUS: 1}
	if res := a.Handle(ctx, enter); res != event.Continue {
		t.Fatalf("enter Handle result = %v, want Continue", res)
	}

	if got := a.SlotSnapshot(idx).State; got != vf.FullAccess {
		t.Fatalf("state after enter = %s, want FULL_ACCESS", got)
	}

	exit := &event.Event{IdxVF: idx, ID: event.RelGPUInit, SchedBlock: vf.BlockAll, TimestampUS: 2}
	if res := a.Handle(ctx, exit); res != event.Continue {
		t.Fatalf("exit Handle result = %v, want Continue", res)
	}

	if got := a.SlotSnapshot(idx).State; got != vf.Avail {
		t.Fatalf("state after exit = %s, want AVAIL", got)
	}
}

func TestRASRecoveryTransitionsHWRMAWhenBadPageThresholdExceeded(t *testing.T) {
	t.Parallel()

	a, sim := newTestAdapter(t, &config.InitData{NumVF: 1, BadPageRecordThreshold: 0})

	idx := vf.Idx(0)
	sim.PendingBanks[idx] = asic.MCABank{BankIdx: 1, Deferred: true, Addr: 0x1000}

	if err := a.rasReactor.HandlePoisonConsumption(context.Background(), idx, vf.BlockGFX); err != nil {
		t.Fatalf("HandlePoisonConsumption: %v", err)
	}

	if got := a.Status(); got != HWRMA {
		t.Fatalf("status = %s, want HW_RMA", got)
	}
}

func TestRASRecoveryEscalatesToWholeGPUResetOnNonGFXSDMABlock(t *testing.T) {
	t.Parallel()

	a, sim := newTestAdapter(t, &config.InitData{NumVF: 1, BadPageRecordThreshold: 100})

	idx := vf.Idx(0)
	sim.PendingBanks[idx] = asic.MCABank{BankIdx: 2, Deferred: true, Addr: 0x2000}
	sim.FailReset = true

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	if err := a.rasReactor.HandlePoisonConsumption(context.Background(), idx, vf.BlockVCN); err != nil {
		t.Fatalf("HandlePoisonConsumption: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if a.Status() == HWLost {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("status never reached HW_LOST, got %s", a.Status())
}

func TestGuardCheckerRejectsFLRAfterThreshold(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, &config.InitData{NumVF: 1, BadPageRecordThreshold: 100})

	idx := vf.Idx(0)

	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = a.BumpFLR(idx, uint64(i+1))
	}

	if lastErr == nil {
		t.Fatal("expected guard rejection after exceeding the FLR threshold")
	}
}

func TestSuspendResumeRemoveVFUpdateSlotState(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, &config.InitData{NumVF: 1, BadPageRecordThreshold: 100})

	idx := vf.Idx(1)
	a.setSlotState(idx, vf.Avail)
	a.setSlotState(idx, vf.Active)

	ctx := context.Background()

	a.Handle(ctx, &event.Event{IdxVF: idx, ID: event.SchedSuspendVF, SchedBlock: vf.BlockAll})
	if got := a.SlotSnapshot(idx).State; got != vf.Suspended {
		t.Fatalf("state after suspend = %s, want SUSPENDED", got)
	}

	a.Handle(ctx, &event.Event{IdxVF: idx, ID: event.SchedResumeVF, SchedBlock: vf.BlockAll})
	if got := a.SlotSnapshot(idx).State; got != vf.Active {
		t.Fatalf("state after resume = %s, want ACTIVE", got)
	}

	a.Handle(ctx, &event.Event{IdxVF: idx, ID: event.SchedRemoveVF, SchedBlock: vf.BlockAll})
	if got := a.SlotSnapshot(idx).State; got != vf.Unavail {
		t.Fatalf("state after remove = %s, want UNAVAIL", got)
	}
}

func TestAllocateConfigureFreeVFLifecycle(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, &config.InitData{NumVF: 1, BadPageRecordThreshold: 100})

	idx := vf.Idx(2)

	if err := a.AllocateVF(idx); err != nil {
		t.Fatalf("AllocateVF: %v", err)
	}

	if got := a.SlotSnapshot(idx).State; got != vf.Avail {
		t.Fatalf("state after allocate = %s, want AVAIL", got)
	}

	if err := a.ConfigureVF(idx, 256, 2048, vf.BlockGFX, 6000); err != nil {
		t.Fatalf("ConfigureVF: %v", err)
	}

	snap := a.SlotSnapshot(idx)
	if snap.FBOffsetMB != 256 || snap.FBSizeMB != 2048 || snap.TimeSliceUS[vf.BlockGFX] != 6000 {
		t.Fatalf("configure did not apply: %+v", snap)
	}

	if err := a.FreeVF(idx); err != nil {
		t.Fatalf("FreeVF: %v", err)
	}

	snap = a.SlotSnapshot(idx)
	if snap.State != vf.Unavail || snap.Configured {
		t.Fatalf("state after free = %+v, want UNAVAIL and unconfigured", snap)
	}
}

func TestCheckFullAccessDeadlinesForcesSaveThenFLRPastDeadline(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, &config.InitData{NumVF: 1, BadPageRecordThreshold: 100})

	idx := vf.Idx(0)
	a.setSlotState(idx, vf.Avail)

	ctx := context.Background()

	enter := &event.Event{IdxVF: idx, ID: event.ReqGPUInit, SchedBlock: vf.BlockAll, TimestampUS: 1}
	if res := a.Handle(ctx, enter); res != event.Continue {
		t.Fatalf("enter Handle result = %v, want Continue", res)
	}

	if got := a.SlotSnapshot(idx).State; got != vf.FullAccess {
		t.Fatalf("state after enter = %s, want FULL_ACCESS", got)
	}

	// Fast-forward the clock well past the default single-VF full-access
	// window (3000ms) without ever failing the FLR, then run the deadline
	// sweep once: the holder should be forced out of FULL_ACCESS via
	// save-then-FLR, with no escalation to a whole GPU reset.
	for i := 0; i < 3_100_000; i++ {
		a.Clock().NowUS()
	}

	a.CheckFullAccessDeadlines(ctx)

	if got := a.SlotSnapshot(idx).State; got != vf.Avail {
		t.Fatalf("state after forced timeout exit = %s, want AVAIL", got)
	}

	if got := a.Status(); got == HWLost {
		t.Fatal("expected no escalation to whole gpu reset when FLR succeeds")
	}
}

func TestCheckFullAccessDeadlinesEscalatesWhenFLRFails(t *testing.T) {
	t.Parallel()

	a, sim := newTestAdapter(t, &config.InitData{NumVF: 1, BadPageRecordThreshold: 100})

	idx := vf.Idx(0)
	sim.FailFLR[idx] = true
	sim.FailReset = true
	a.setSlotState(idx, vf.Avail)

	ctx := context.Background()

	enter := &event.Event{IdxVF: idx, ID: event.ReqGPUInit, SchedBlock: vf.BlockAll, TimestampUS: 1}
	if res := a.Handle(ctx, enter); res != event.Continue {
		t.Fatalf("enter Handle result = %v, want Continue", res)
	}

	for i := 0; i < 3_100_000; i++ {
		a.Clock().NowUS()
	}

	a.CheckFullAccessDeadlines(ctx)

	if got := a.SlotSnapshot(idx).State; got != vf.Avail {
		t.Fatalf("state after forced timeout exit = %s, want AVAIL", got)
	}

	if got := a.Status(); got != HWLost {
		t.Fatalf("status = %s, want HW_LOST after escalated whole gpu reset failed", got)
	}
}

func TestSlotsSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, &config.InitData{NumVF: 1, BadPageRecordThreshold: 100})

	idx := vf.Idx(4)
	a.setSlotState(idx, vf.Avail)

	snap := a.SlotsSnapshot()
	if snap[idx] == nil || snap[idx].State != vf.Avail {
		t.Fatalf("SlotsSnapshot[%d] = %+v, want AVAIL", idx, snap[idx])
	}

	snap[idx].VRAMLost = true
	a.RestoreSlots(snap)

	if got := a.SlotSnapshot(idx).VRAMLost; !got {
		t.Fatal("RestoreSlots did not apply mutated snapshot")
	}
}
