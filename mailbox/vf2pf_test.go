package mailbox_test

import (
	"testing"

	"github.com/mxgpuhv/gvcore/event"
	"github.com/mxgpuhv/gvcore/guard"
	"github.com/mxgpuhv/gvcore/mailbox"
	"github.com/mxgpuhv/gvcore/vf"
)

func TestVF2PFInfoRoundTripAndChecksum(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	p := event.New(fixedClock{}, noopGuard{}, &capturingDispatcher{})
	m := mailbox.New(transport, guard.NewTable(), p, fixedClock{})

	idx := vf.Idx(1)

	if _, _, ok := m.VF2PFInfo(idx); ok {
		t.Fatal("expected no VF2PFInfo before any post")
	}

	info := mailbox.VF2PFInfo{FBUsageMB: 512, GfxUsagePercent: 40}
	mailbox.UpdateVF2PFChecksum(&info)
	m.SetVF2PFInfo(idx, info)

	got, validChecksum, ok := m.VF2PFInfo(idx)
	if !ok {
		t.Fatal("expected a posted VF2PFInfo")
	}

	if !validChecksum {
		t.Fatal("expected checksum to validate right after UpdateVF2PFChecksum")
	}

	if got.FBUsageMB != 512 || got.GfxUsagePercent != 40 {
		t.Fatalf("unexpected VF2PFInfo: %+v", got)
	}

	got.FBUsageMB = 999
	m.SetVF2PFInfo(idx, got)

	if _, validChecksum, _ := m.VF2PFInfo(idx); validChecksum {
		t.Fatal("expected stale checksum to be rejected after mutating without recomputing")
	}
}

func TestPF2VFInfoRoundTripAndChecksum(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	p := event.New(fixedClock{}, noopGuard{}, &capturingDispatcher{})
	m := mailbox.New(transport, guard.NewTable(), p, fixedClock{})

	idx := vf.Idx(2)

	if _, _, ok := m.PF2VFInfo(idx); ok {
		t.Fatal("expected no PF2VFInfo before any post")
	}

	info := mailbox.PF2VFInfo{FBOffsetMB: 256, FBSizeMB: 2048}
	mailbox.UpdatePF2VFChecksum(&info)
	m.SetPF2VFInfo(idx, info)

	got, validChecksum, ok := m.PF2VFInfo(idx)
	if !ok {
		t.Fatal("expected a posted PF2VFInfo")
	}

	if !validChecksum {
		t.Fatal("expected checksum to validate right after UpdatePF2VFChecksum")
	}

	if got.FBOffsetMB != 256 || got.FBSizeMB != 2048 {
		t.Fatalf("unexpected PF2VFInfo: %+v", got)
	}
}
