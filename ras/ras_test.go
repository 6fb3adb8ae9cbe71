package ras_test

import (
	"context"
	"testing"

	"github.com/mxgpuhv/gvcore/event"
	"github.com/mxgpuhv/gvcore/ras"
	"github.com/mxgpuhv/gvcore/ras/cper"
	"github.com/mxgpuhv/gvcore/vf"
)

type fakeStep struct {
	bank             ras.MCABank
	bankFound        bool
	badPageCount     int
	badPageThreshold int
	poisonMode       bool
	hangReset        bool
	inHive           bool
	rmaCalls         int
	clearCalls       int
	retireCalls      int
}

func (s *fakeStep) QueryMCABank(idx vf.Idx, block vf.SchedBlock) (ras.MCABank, bool) {
	return s.bank, s.bankFound
}

func (s *fakeStep) RetirePage(idx vf.Idx, bank ras.MCABank) { s.retireCalls++ }

func (s *fakeStep) QueryErrorCounters(idx vf.Idx, block vf.SchedBlock) ras.MCABank { return s.bank }

func (s *fakeStep) BadPageCount() int               { return s.badPageCount }
func (s *fakeStep) BadPageThreshold() int           { return s.badPageThreshold }
func (s *fakeStep) PoisonModeEnabled() bool         { return s.poisonMode }
func (s *fakeStep) HangResetFlag() bool             { return s.hangReset }
func (s *fakeStep) InHive() bool                    { return s.inHive }
func (s *fakeStep) TransitionHWRMA(ctx context.Context) { s.rmaCalls++ }
func (s *fakeStep) ClearPendingDeferredError(idx vf.Idx) { s.clearCalls++ }

type fakeQueue struct {
	queued []event.ID
	data   []event.Data
}

func (q *fakeQueue) QueueEventEx(idx vf.Idx, id event.ID, block vf.SchedBlock, data event.Data) error {
	q.queued = append(q.queued, id)
	q.data = append(q.data, data)

	return nil
}

func defaultStep() *fakeStep {
	return &fakeStep{
		bank:             ras.MCABank{BankIdx: 1, Deferred: true},
		bankFound:        true,
		badPageThreshold: 128,
		poisonMode:       true,
	}
}

func TestHandlePoisonConsumptionRetiresAndResetsVF(t *testing.T) {
	t.Parallel()

	step := defaultStep()
	queue := &fakeQueue{}
	ring := cper.NewRing(4, nil)
	r := ras.New(step, queue, ring, nil)

	if err := r.HandlePoisonConsumption(context.Background(), vf.Idx(2), vf.BlockGFX); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if step.retireCalls != 1 {
		t.Fatalf("expected page retirement to run once, got %d", step.retireCalls)
	}

	if len(queue.queued) != 1 || queue.queued[0] != event.SchedForceResetVF {
		t.Fatalf("expected SCHED_FORCE_RESET_VF queued, got %v", queue.queued)
	}

	if step.clearCalls != 1 {
		t.Fatal("expected pending-deferred-error counter cleared")
	}

	if ring.Count() != 1 {
		t.Fatalf("expected one CPER committed, got %d", ring.Count())
	}
}

func TestHandlePoisonConsumptionGivesUpAfterRetryBudget(t *testing.T) {
	t.Parallel()

	step := defaultStep()
	step.bankFound = false
	queue := &fakeQueue{}
	r := ras.New(step, queue, cper.NewRing(4, nil), nil)

	if err := r.HandlePoisonConsumption(context.Background(), vf.Idx(2), vf.BlockGFX); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(queue.queued) != 0 {
		t.Fatalf("expected no reset queued when no deferred error is ever found, got %v", queue.queued)
	}
}

func TestRecoveryTransitionsRMAWhenBadPageThresholdExceeded(t *testing.T) {
	t.Parallel()

	step := defaultStep()
	step.badPageCount = 128
	step.badPageThreshold = 128
	queue := &fakeQueue{}
	r := ras.New(step, queue, cper.NewRing(4, nil), nil)

	if err := r.HandleInterrupt(context.Background(), vf.Idx(3), vf.BlockGFX); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if step.rmaCalls != 1 {
		t.Fatalf("expected HW_RMA transition, got %d calls", step.rmaCalls)
	}

	if len(queue.queued) != 0 {
		t.Fatalf("expected no reset queued once RMA'd, got %v", queue.queued)
	}
}

func TestRecoveryEscalatesToWholeGPUResetFromPF(t *testing.T) {
	t.Parallel()

	step := defaultStep()
	queue := &fakeQueue{}
	r := ras.New(step, queue, cper.NewRing(4, nil), nil)

	if err := r.HandleInterrupt(context.Background(), vf.PFIdx, vf.BlockGFX); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(queue.queued) != 1 || queue.queued[0] != event.SchedForceResetGPU {
		t.Fatalf("expected SCHED_FORCE_RESET_GPU queued, got %v", queue.queued)
	}
}

func TestRecoveryEscalatesToWholeGPUResetPreferringHiveMaster(t *testing.T) {
	t.Parallel()

	step := defaultStep()
	step.inHive = true
	queue := &fakeQueue{}
	r := ras.New(step, queue, cper.NewRing(4, nil), nil)

	if err := r.HandleInterrupt(context.Background(), vf.PFIdx, vf.BlockGFX); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rd, ok := queue.data[0].(event.ResetData)
	if !ok || !rd.HiveMaster {
		t.Fatalf("expected ResetData.HiveMaster=true, got %#v", queue.data[0])
	}
}

func TestRecoveryEscalatesOnNonGFXSDMABlock(t *testing.T) {
	t.Parallel()

	step := defaultStep()
	queue := &fakeQueue{}
	r := ras.New(step, queue, cper.NewRing(4, nil), nil)

	if err := r.HandleInterrupt(context.Background(), vf.Idx(1), vf.BlockVCN); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(queue.queued) != 1 || queue.queued[0] != event.SchedForceResetGPU {
		t.Fatalf("expected whole-gpu reset for a non-GFX/SDMA block, got %v", queue.queued)
	}
}

func TestPoisonCreationNeverQueuesAReset(t *testing.T) {
	t.Parallel()

	step := defaultStep()
	queue := &fakeQueue{}
	ring := cper.NewRing(4, nil)
	r := ras.New(step, queue, ring, nil)

	r.HandlePoisonCreation(vf.Idx(0), vf.BlockGFX)

	if len(queue.queued) != 0 {
		t.Fatalf("expected poison creation to never queue a reset, got %v", queue.queued)
	}

	if ring.Count() != 1 {
		t.Fatalf("expected telemetry CPER committed, got %d", ring.Count())
	}
}
