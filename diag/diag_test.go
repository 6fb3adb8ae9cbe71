package diag

import (
	"errors"
	"testing"

	"github.com/mxgpuhv/gvcore/ras/cper"
	"github.com/mxgpuhv/gvcore/vf"
)

type fakeMem struct {
	data []byte
	err  error
}

func (m fakeMem) ReadAt(addr uint64, buf []byte) (int, error) {
	if m.err != nil {
		return 0, m.err
	}

	n := copy(buf, m.data)

	return n, nil
}

func TestDumpWithoutCrashContext(t *testing.T) {
	t.Parallel()

	ring := cper.NewRing(4, nil)
	mca := []MCASnapshot{{IdxVF: vf.Idx(0), State: vf.Active, PendingErrors: 1}}

	snap := Dump(ring, 2, mca, 0, 0, nil)

	if snap.Crash != nil {
		t.Fatalf("Crash = %+v, want nil when rip is 0", snap.Crash)
	}

	if snap.BadPageCount != 2 {
		t.Fatalf("BadPageCount = %d, want 2", snap.BadPageCount)
	}

	if len(snap.MCAStates) != 1 {
		t.Fatalf("MCAStates len = %d, want 1", len(snap.MCAStates))
	}
}

func TestDumpDecodesCrashInstruction(t *testing.T) {
	t.Parallel()

	ring := cper.NewRing(4, nil)
	// NOP encoding: 0x90.
	mem := fakeMem{data: []byte{0x90}}

	snap := Dump(ring, 0, nil, 0, 0xdeadbeef, mem)

	if snap.Crash == nil {
		t.Fatal("Crash = nil, want non-nil when rip and mem are set")
	}

	if snap.Crash.DecodeErr != nil {
		t.Fatalf("DecodeErr = %v, want nil", snap.Crash.DecodeErr)
	}

	if snap.Crash.Inst == "" {
		t.Fatal("Inst = empty, want decoded instruction text")
	}
}

func TestDumpSurfacesMemReadError(t *testing.T) {
	t.Parallel()

	ring := cper.NewRing(4, nil)
	mem := fakeMem{err: errors.New("boom")}

	snap := Dump(ring, 0, nil, 0, 0x1000, mem)

	if snap.Crash == nil || snap.Crash.DecodeErr == nil {
		t.Fatal("expected a crash context carrying the read error")
	}
}
