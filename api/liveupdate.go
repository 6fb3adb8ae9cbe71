package api

import "github.com/mxgpuhv/gvcore/liveupdate"

// LiveUpdateOp selects which data category export_live_info_data/
// import_live_info_data transfers, for callers that move a live update
// across in per-subsystem chunks instead of one export_all_live_info_data
// blob.
type LiveUpdateOp int

const (
	OpVFState LiveUpdateOp = iota
	OpGuardState
)

// GetLiveUpdateState reports whether handle has live update enabled
// (get_live_update_state), backed by config.DevConf's gpuv_live_update
// flag.
func (l *Library) GetLiveUpdateState(handle DeviceHandle) (bool, Code) {
	a, err := l.get(handle)
	if err != nil {
		return false, l.record(Failure)
	}

	return a.DevConf().Flags.GPUVLiveUpdate, Success
}

// SetLiveUpdateState toggles handle's live update flag (set_live_update_state).
func (l *Library) SetLiveUpdateState(handle DeviceHandle, enabled bool) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	d := a.DevConf()
	d.Flags.GPUVLiveUpdate = enabled
	a.SetDevConf(d)

	return Success
}

// ExportLiveInfoData serializes only op's data category (export_live_info_
// data), the chunked counterpart to ExportAllLiveInfoData's single blob.
func (l *Library) ExportLiveInfoData(handle DeviceHandle, op LiveUpdateOp) ([]byte, Code) {
	a, err := l.get(handle)
	if err != nil {
		return nil, l.record(Failure)
	}

	snap := liveupdate.Export(a.SlotsSnapshot(), a.GuardTable(), a.FullAccessHolder())

	switch op {
	case OpVFState:
		snap.Guards = nil
	case OpGuardState:
		snap.VFs = nil
	}

	data, encErr := liveupdate.EncodeSnapshot(snap)
	if encErr != nil {
		return nil, l.record(Failure)
	}

	return data, Success
}

// ImportLiveInfoData restores op's data category from a previously exported
// chunk (import_live_info_data). Only OpVFState actually mutates state:
// guard counters are deliberately not replayed on import, matching
// ImportAllLiveInfoData's same decision, so an OpGuardState import is
// accepted but applies nothing.
func (l *Library) ImportLiveInfoData(handle DeviceHandle, op LiveUpdateOp, data []byte) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	snap, decErr := liveupdate.DecodeSnapshot(data)
	if decErr != nil {
		return l.record(Failure)
	}

	if op != OpVFState {
		return Success
	}

	restored := a.SlotsSnapshot()
	if applyErr := liveupdate.Apply(snap, &restored); applyErr != nil {
		return l.record(Failure)
	}

	a.RestoreSlots(restored)

	return Success
}

// ExportAllLiveInfoData serializes handle's VF bookkeeping and guard state
// for a live update (export_all_live_info_data). The encoded bytes are the
// unit ExportLiveInfoSize/ExportLiveInfoData/ImportLiveInfoData operate on.
func (l *Library) ExportAllLiveInfoData(handle DeviceHandle) ([]byte, Code) {
	a, err := l.get(handle)
	if err != nil {
		return nil, l.record(Failure)
	}

	snap := liveupdate.Export(a.SlotsSnapshot(), a.GuardTable(), a.FullAccessHolder())

	data, encErr := liveupdate.EncodeSnapshot(snap)
	if encErr != nil {
		return nil, l.record(Failure)
	}

	return data, Success
}

// ExportLiveInfoSize reports the size export_all_live_info_data would
// produce right now (export_live_info_size), for callers that size a
// buffer before calling ExportLiveInfoData.
func (l *Library) ExportLiveInfoSize(handle DeviceHandle) (int, Code) {
	data, code := l.ExportAllLiveInfoData(handle)
	if code != Success {
		return 0, code
	}

	return len(data), Success
}

// ImportAllLiveInfoData restores handle's VF bookkeeping from a previously
// exported blob (import_live_info_data's full-snapshot counterpart to
// ExportAllLiveInfoData). Guard counters are deliberately not replayed:
// guard configuration lives independently in the running guard.Table and
// resetting its history across an update is acceptable.
func (l *Library) ImportAllLiveInfoData(handle DeviceHandle, data []byte) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	snap, decErr := liveupdate.DecodeSnapshot(data)
	if decErr != nil {
		return l.record(Failure)
	}

	restored := a.SlotsSnapshot()
	if applyErr := liveupdate.Apply(snap, &restored); applyErr != nil {
		return l.record(Failure)
	}

	a.RestoreSlots(restored)

	return Success
}
