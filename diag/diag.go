// Package diag assembles consumer-facing diagnostic data: a snapshot of
// recent CPER records, bad page counts, and per-VF MCA bank state, plus
// (when a memory reader is supplied and the instruction pointer is nonzero)
// a best-effort disassembly of the few bytes around a faulting instruction
// pointer. No debug-dump flag is consulted. Grounded on
// `amdgv_get_diag_data`'s aggregate dump and on
// `machine/debug_amd64.go`'s use of golang.org/x/arch/x86/x86asm to decode
// guest instructions at a captured RIP.
package diag

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/mxgpuhv/gvcore/ras/cper"
	"github.com/mxgpuhv/gvcore/vf"
)

// MCASnapshot is one VF's most recently observed machine-check state, for
// consumer-facing dumps rather than reactor decision-making.
type MCASnapshot struct {
	IdxVF         vf.Idx
	State         vf.State
	VRAMLost      bool
	PendingErrors int
}

// CrashContext is the disassembly-annotated detail captured for a faulting
// instruction pointer, when the caller has a memory reader available.
type CrashContext struct {
	RIP   uint64
	Bytes []byte
	// Inst is the decoded instruction in GNU syntax, empty if decode failed.
	Inst string
	// DecodeErr is set when x86asm could not decode Bytes at RIP.
	DecodeErr error
}

// MemReader reads up to len(buf) bytes of guest/device memory starting at
// addr, returning the number of bytes actually read. Adapters that expose
// no debug memory window may leave this nil; Dump then skips crash context.
type MemReader interface {
	ReadAt(addr uint64, buf []byte) (int, error)
}

// Snapshot is the aggregate diagnostic dump (amdgv_get_diag_data's payload,
// minus the raw call-trace buffer spec.md's Non-goals exclude).
type Snapshot struct {
	CPERs         []cper.Record
	CPEROverflow  uint64
	BadPageCount  int
	MCAStates     []MCASnapshot
	Crash         *CrashContext
}

// maxInstrLen is the longest an x86 instruction can encode to; reading this
// many bytes is always enough for one decode attempt.
const maxInstrLen = 15

// Dump builds a Snapshot from the CPER ring, the current bad page count, and
// a caller-supplied slice of per-VF MCA state. rip/mem are optional: when
// mem is non-nil and rip != 0, Dump attempts one instruction decode at rip
// for the crash context (AMDGV_FLAG_DEBUG_DUMP_ENABLE's behavior).
func Dump(ring *cper.Ring, badPages int, mca []MCASnapshot, rptr uint64, rip uint64, mem MemReader) Snapshot {
	entries, _, overflow := ring.GetEntries(rptr)

	snap := Snapshot{
		CPERs:        entries,
		CPEROverflow: overflow,
		BadPageCount: badPages,
		MCAStates:    mca,
	}

	if mem != nil && rip != 0 {
		snap.Crash = decodeCrash(rip, mem)
	}

	return snap
}

func decodeCrash(rip uint64, mem MemReader) *CrashContext {
	buf := make([]byte, maxInstrLen)

	n, err := mem.ReadAt(rip, buf)
	if err != nil {
		return &CrashContext{RIP: rip, DecodeErr: fmt.Errorf("diag: read crash ip: %w", err)}
	}

	buf = buf[:n]

	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return &CrashContext{RIP: rip, Bytes: buf, DecodeErr: fmt.Errorf("diag: decode crash ip: %w", err)}
	}

	return &CrashContext{RIP: rip, Bytes: buf[:inst.Len], Inst: x86asm.GNUSyntax(inst, rip, nil)}
}
