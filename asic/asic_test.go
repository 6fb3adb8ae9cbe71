package asic_test

import (
	"testing"

	"github.com/mxgpuhv/gvcore/asic"
	"github.com/mxgpuhv/gvcore/vf"
)

func TestSimTriggerGPUResetHonorsFailFlag(t *testing.T) {
	t.Parallel()

	s := asic.NewSim()
	if err := s.TriggerGPUReset(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.FailReset = true
	if err := s.TriggerGPUReset(); err == nil {
		t.Fatal("expected error once FailReset is set")
	}
}

func TestSimReadMCABankConsumesPendingEntry(t *testing.T) {
	t.Parallel()

	s := asic.NewSim()
	s.PendingBanks[vf.Idx(1)] = asic.MCABank{BankIdx: 4, Deferred: true}

	bank, ok := s.ReadMCABank(vf.Idx(1), vf.BlockGFX)
	if !ok || bank.BankIdx != 4 {
		t.Fatalf("expected pending bank, got %+v ok=%v", bank, ok)
	}

	if _, ok := s.ReadMCABank(vf.Idx(1), vf.BlockGFX); ok {
		t.Fatal("expected pending bank consumed after first read")
	}
}

func TestSimTriggerHardwareFLRPerVFFailure(t *testing.T) {
	t.Parallel()

	s := asic.NewSim()
	s.FailFLR[vf.Idx(2)] = true

	if err := s.TriggerHardwareFLR(vf.Idx(1)); err != nil {
		t.Fatalf("unexpected error for vf 1: %v", err)
	}

	if err := s.TriggerHardwareFLR(vf.Idx(2)); err == nil {
		t.Fatal("expected error for vf 2")
	}
}
