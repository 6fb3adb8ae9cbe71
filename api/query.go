package api

import (
	"github.com/mxgpuhv/gvcore/adapter"
	"github.com/mxgpuhv/gvcore/vf"
)

// DevInfoKind enumerates amdgv_get_dev_info's type argument
// (original_source/libgv/core/amdgv_api.c's amdgv_get_dev_info switch),
// carried in full even though spec.md's prose only sketches a few kinds.
type DevInfoKind int

const (
	DevInfoEnabledVFNum DevInfoKind = iota
	DevInfoDebugLevel
	DevInfoResvArea
	DevInfoFBLayout
	DevInfoPSPVBFlashSupport
	DevInfoXGMIInfo
	DevInfoOAMIdx
	DevInfoComputeProfile
)

// DevInfo is the union amdgv_get_dev_info fills in, flattened into one
// struct since Go has no tagged union; only the field matching the
// requested DevInfoKind is populated.
type DevInfo struct {
	EnabledVFNum int
	OAMIdx       int
	VBFlashSupport bool
}

// GetDevStatus returns handle's adapter lifecycle status (get_dev_status);
// this is always answerable, even outside HW_INIT.
func (l *Library) GetDevStatus(handle DeviceHandle) (adapter.Status, Code) {
	a, err := l.get(handle)
	if err != nil {
		return 0, l.record(Failure)
	}

	return a.Status(), Success
}

// GetDevInfo answers one DevInfoKind query (get_dev_info).
func (l *Library) GetDevInfo(handle DeviceHandle, kind DevInfoKind, numVF int) (DevInfo, Code) {
	a, err := l.get(handle)
	if err != nil {
		return DevInfo{}, l.record(Failure)
	}

	var info DevInfo

	switch kind {
	case DevInfoEnabledVFNum:
		if a.Status() == adapter.HWInit {
			info.EnabledVFNum = numVF
		}
	case DevInfoOAMIdx:
		info.OAMIdx = -1
		if a.Hive() != nil && a.Hive().NumMembers() > 1 {
			info.OAMIdx = 0
		}
	case DevInfoXGMIInfo:
		// Hive topology beyond membership count is out of scope; callers
		// use GetDevStatus + Hive membership directly.
	case DevInfoDebugLevel, DevInfoResvArea, DevInfoFBLayout, DevInfoPSPVBFlashSupport, DevInfoComputeProfile:
		// No register-level/firmware-backed analogue in the simulated
		// driver; these kinds always report the zero value.
	}

	return info, Success
}

// VFInfoKind enumerates amdgv_get_vf_info's type argument.
type VFInfoKind int

const (
	VFInfoSchedState VFInfoKind = iota
	VFInfoFB
	VFInfoTimeLog
)

// VFInfo is the union amdgv_get_vf_info fills in.
type VFInfo struct {
	State      vf.State
	FBOffsetMB uint64
	FBSizeMB   uint64
}

// GetVFInfo answers one VFInfoKind query for idx (get_vf_info).
func (l *Library) GetVFInfo(handle DeviceHandle, idx vf.Idx, kind VFInfoKind) (VFInfo, Code) {
	a, err := l.get(handle)
	if err != nil {
		return VFInfo{}, l.record(Failure)
	}

	if !idx.Valid() {
		return VFInfo{}, l.record(CodeIOV)
	}

	snap := a.SlotSnapshot(idx)

	var info VFInfo

	switch kind {
	case VFInfoSchedState:
		info.State = snap.State
	case VFInfoFB:
		info.FBOffsetMB, info.FBSizeMB = snap.FBOffsetMB, snap.FBSizeMB
	case VFInfoTimeLog:
		// Per-block time log detail lives in snap.TimeLog; callers after
		// raw numbers should read SlotSnapshot directly instead of this
		// flattened view.
	}

	return info, Success
}

// GetVFOption reads idx's FB layout and GFX time slice
// (get_vf_option's reduced form).
func (l *Library) GetVFOption(handle DeviceHandle, idx vf.Idx) (fbOffsetMB, fbSizeMB, gfxTimeSliceUS uint64, code Code) {
	a, err := l.get(handle)
	if err != nil {
		return 0, 0, 0, l.record(Failure)
	}

	if !idx.Valid() {
		return 0, 0, 0, l.record(CodeIOV)
	}

	snap := a.SlotSnapshot(idx)

	return snap.FBOffsetMB, snap.FBSizeMB, snap.TimeSliceUS[vf.BlockGFX], Success
}

// FBRegionsInfo reports every configured VF's FB window, for
// get_fb_regions_info.
type FBRegionsInfo struct {
	Idx        vf.Idx
	FBOffsetMB uint64
	FBSizeMB   uint64
}

// GetFBRegionsInfo lists every configured VF's FB window.
func (l *Library) GetFBRegionsInfo(handle DeviceHandle) ([]FBRegionsInfo, Code) {
	a, err := l.get(handle)
	if err != nil {
		return nil, l.record(Failure)
	}

	var out []FBRegionsInfo

	for _, s := range a.SlotsSnapshot() {
		if s == nil || !s.Configured {
			continue
		}

		out = append(out, FBRegionsInfo{Idx: s.Idx, FBOffsetMB: s.FBOffsetMB, FBSizeMB: s.FBSizeMB})
	}

	return out, Success
}
