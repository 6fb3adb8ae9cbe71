// Package vf describes the per-VF slot state store (component C8):
// SR-IOV slot configuration, lifecycle state, and the time logs kept per
// hardware scheduler.
package vf

import "fmt"

// MaxSlot is the number of VF slots an adapter can hold, including the
// PF-as-VF slot.
const MaxSlot = 32

// PFIdx is the slot index that represents the PF acting as a schedulable VF.
const PFIdx = Idx(31)

// Invalid is the public-API sentinel for "no VF index" (0xffffffff). It is
// never equal to PFIdx even though both denote "not an ordinary guest VF" in
// different contexts — see DESIGN.md's Open Question #2.
const Invalid = Idx(0xffffffff)

// Idx is a typed VF slot index, per the Design Notes' "typed integer handle"
// guidance (spec.md §9) rather than a bare uint32 passed around positionally.
type Idx uint32

// Valid reports whether i addresses a real slot (0..MaxSlot).
func (i Idx) Valid() bool {
	return i != Invalid && uint32(i) < MaxSlot
}

func (i Idx) String() string {
	switch i {
	case Invalid:
		return "vf(invalid)"
	case PFIdx:
		return "vf(pf)"
	default:
		return fmt.Sprintf("vf(%d)", uint32(i))
	}
}

// State is the lifecycle state of a VF slot (spec.md §3.1).
type State int

const (
	Unavail State = iota
	Avail
	Active
	Suspended
	FullAccess
)

func (s State) String() string {
	switch s {
	case Unavail:
		return "UNAVAIL"
	case Avail:
		return "AVAIL"
	case Active:
		return "ACTIVE"
	case Suspended:
		return "SUSPENDED"
	case FullAccess:
		return "FULL_ACCESS"
	default:
		return "UNKNOWN"
	}
}

// CanTransitionTo reports whether s -> next is a legal edge under
// invariant P4: UNAVAIL->AVAIL->{ACTIVE,SUSPENDED,FULL_ACCESS},
// ACTIVE<->SUSPENDED, FULL_ACCESS->AVAIL. Direct jumps are bugs.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case Unavail:
		return next == Avail
	case Avail:
		return next == Active || next == Suspended || next == FullAccess || next == Unavail
	case Active:
		return next == Suspended || next == Avail || next == Unavail
	case Suspended:
		return next == Active || next == Avail || next == Unavail
	case FullAccess:
		return next == Avail
	default:
		return false
	}
}

// SchedBlock identifies an engine block a hardware scheduler drives.
type SchedBlock int

const (
	BlockGFX SchedBlock = iota
	BlockCompute
	BlockSDMA
	BlockVCN
	BlockJPEG
	BlockAll
	blockCount
)

func (b SchedBlock) String() string {
	switch b {
	case BlockGFX:
		return "GFX"
	case BlockCompute:
		return "COMPUTE"
	case BlockSDMA:
		return "SDMA"
	case BlockVCN:
		return "VCN"
	case BlockJPEG:
		return "JPEG"
	case BlockAll:
		return "ALL"
	default:
		return "UNKNOWN"
	}
}

// TimeLog is the per-(VF, hw scheduler) telemetry record (spec.md §3.1).
type TimeLog struct {
	CumulativeRunUS uint64
	LastResetUS     uint64
	ResetCount      uint32
	InitStartUS     uint64
	InitEndUS       uint64
}

// FWInfo snapshots one firmware component's last-loaded version.
type FWInfo struct {
	Name    string
	Version uint32
}

// Slot is the full per-VF record owned by the adapter's arena.
type Slot struct {
	Idx   Idx
	State State

	FBOffsetMB uint64
	FBSizeMB   uint64
	RealFBSize uint64
	FBSizeTMR  *uint64 // nil unless a TMR override is configured

	TimeSliceUS   [blockCount]uint64
	MMBandwidth   map[SchedBlock]uint64
	TimeLog       map[SchedBlock]*TimeLog
	FWInfoList    []FWInfo

	Configured        bool
	GPUInitDataReady  bool
	ReadyToReset      bool
	Unshutdown        bool
	SkipRun           bool
	VRAMLost          bool
	SkipNextPunish    bool

	MMIOAccess     bool
	FBAccess       bool
	DoorbellAccess bool

	PendingDeferredErrors int
}

// NewSlot returns a zeroed, UNAVAIL slot for index i.
func NewSlot(i Idx) *Slot {
	return &Slot{
		Idx:         i,
		State:       Unavail,
		MMBandwidth: make(map[SchedBlock]uint64),
		TimeLog:     make(map[SchedBlock]*TimeLog),
	}
}

// DefaultTimeSliceUS returns the default per-engine time slice for a given
// VF count, per spec.md §4.3: 6ms for multi-VF, up to 500ms for a single VF.
func DefaultTimeSliceUS(numVF int) uint64 {
	if numVF <= 1 {
		return 500_000
	}

	return 6_000
}

// Transition moves the slot to next if legal, else returns an error
// describing the illegal jump (invariant P4).
func (s *Slot) Transition(next State) error {
	if !s.State.CanTransitionTo(next) {
		return fmt.Errorf("vf %s: illegal state transition %s -> %s", s.Idx, s.State, next)
	}

	s.State = next

	return nil
}
