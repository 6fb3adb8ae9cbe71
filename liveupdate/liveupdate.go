// Package liveupdate implements the export/import side of live update
// (spec.md §6.2's get/set_live_update_state, export_live_info_data,
// import_live_info_data): a gob-encoded snapshot of VF slot state plus the
// guard table's per-VF counters, framed over an io.Writer/io.Reader the
// same way the teacher frames a migration snapshot.
//
// Guest/VF framebuffer memory and firmware images are out of scope here
// (spec.md's Non-goals exclude PSP/SMU firmware content); only the
// scheduler-owned bookkeeping that the event pipeline and guard table need
// to keep running across an update is carried.
package liveupdate

import (
	"github.com/mxgpuhv/gvcore/guard"
	"github.com/mxgpuhv/gvcore/vf"
)

// VFState is one VF slot's exported, gob-friendly snapshot.
type VFState struct {
	Idx   vf.Idx
	State vf.State

	FBOffsetMB uint64
	FBSizeMB   uint64
	RealFBSize uint64
	FBSizeTMR  *uint64

	Configured       bool
	GPUInitDataReady bool
	ReadyToReset     bool
	Unshutdown       bool
	SkipRun          bool
	VRAMLost         bool
	SkipNextPunish   bool

	MMIOAccess     bool
	FBAccess       bool
	DoorbellAccess bool

	PendingDeferredErrors int
}

// GuardState is one (VF, event kind) guard counter's snapshot.
type GuardState struct {
	Idx  vf.Idx
	Kind guard.EventKind
	Info guard.Info
}

// Snapshot is the complete exportable live-update state for one adapter.
type Snapshot struct {
	NumVF            int
	VFs              []VFState
	Guards           []GuardState
	FullAccessHolder vf.Idx
}

// guardedKinds is the fixed set of guard event kinds captured per VF; it
// mirrors guard.kindCount's enumeration (unexported in guard, so listed
// explicitly here).
var guardedKinds = []guard.EventKind{
	guard.FLR,
	guard.ExclusiveMod,
	guard.ExclusiveTimeout,
	guard.AllInt,
	guard.RASErrCount,
	guard.RASCPERDump,
}

// Export builds a Snapshot from live slot and guard state. slots may contain
// nil entries for unused indices; they are skipped.
func Export(slots [vf.MaxSlot]*vf.Slot, guardTbl *guard.Table, fullAccessHolder vf.Idx) Snapshot {
	snap := Snapshot{NumVF: vf.MaxSlot, FullAccessHolder: fullAccessHolder}

	for _, s := range slots {
		if s == nil {
			continue
		}

		var fbSizeTMR *uint64
		if s.FBSizeTMR != nil {
			v := *s.FBSizeTMR
			fbSizeTMR = &v
		}

		snap.VFs = append(snap.VFs, VFState{
			Idx:                   s.Idx,
			State:                 s.State,
			FBOffsetMB:            s.FBOffsetMB,
			FBSizeMB:              s.FBSizeMB,
			RealFBSize:            s.RealFBSize,
			FBSizeTMR:             fbSizeTMR,
			Configured:            s.Configured,
			GPUInitDataReady:      s.GPUInitDataReady,
			ReadyToReset:          s.ReadyToReset,
			Unshutdown:            s.Unshutdown,
			SkipRun:               s.SkipRun,
			VRAMLost:              s.VRAMLost,
			SkipNextPunish:        s.SkipNextPunish,
			MMIOAccess:            s.MMIOAccess,
			FBAccess:              s.FBAccess,
			DoorbellAccess:        s.DoorbellAccess,
			PendingDeferredErrors: s.PendingDeferredErrors,
		})

		if guardTbl == nil {
			continue
		}

		for _, kind := range guardedKinds {
			snap.Guards = append(snap.Guards, GuardState{
				Idx:  s.Idx,
				Kind: kind,
				Info: guardTbl.Info(s.Idx, kind),
			})
		}
	}

	return snap
}

// Apply restores snap's VF bookkeeping into slots. Guard counters are not
// replayed (event timing resets across an update is acceptable; the
// interval/threshold configuration survives independently of the snapshot
// since it lives in the running guard.Table, not in exported state), so
// snap.Guards is not read. Entries with an invalid Idx are skipped; Apply
// always returns nil.
func Apply(snap Snapshot, slots *[vf.MaxSlot]*vf.Slot) error {
	for _, v := range snap.VFs {
		if !v.Idx.Valid() {
			continue
		}

		s := slots[v.Idx]
		if s == nil {
			s = vf.NewSlot(v.Idx)
			slots[v.Idx] = s
		}

		s.State = v.State
		s.FBOffsetMB = v.FBOffsetMB
		s.FBSizeMB = v.FBSizeMB
		s.RealFBSize = v.RealFBSize

		if v.FBSizeTMR != nil {
			tmr := *v.FBSizeTMR
			s.FBSizeTMR = &tmr
		} else {
			s.FBSizeTMR = nil
		}

		s.Configured = v.Configured
		s.GPUInitDataReady = v.GPUInitDataReady
		s.ReadyToReset = v.ReadyToReset
		s.Unshutdown = v.Unshutdown
		s.SkipRun = v.SkipRun
		s.VRAMLost = v.VRAMLost
		s.SkipNextPunish = v.SkipNextPunish
		s.MMIOAccess = v.MMIOAccess
		s.FBAccess = v.FBAccess
		s.DoorbellAccess = v.DoorbellAccess
		s.PendingDeferredErrors = v.PendingDeferredErrors
	}

	return nil
}
