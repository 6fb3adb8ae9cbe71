package event

// ID enumerates every scheduler event identifier from spec.md §3.2, grouped
// by the priority list it is dispatched through.
type ID int

const (
	// List 0 — highest priority: reset/RAS/power.
	SchedForceResetGPU ID = iota
	SchedForceResetGPUInternal
	SchedRasUMC
	EnterPowerSaving
	ExitPowerSaving
	SchedRasPoisonConsumption
	SchedRasPoisonCreation
	SchedRasFed

	// List 1 — VF suspend/resume/remove.
	SchedSuspendVF
	SchedResumeVF
	SchedRemoveVF
	SchedStopVF
	SchedSuspend
	SchedResume
	SchedSuspendLive
	SchedResumeLive
	CurVFCtxEmpty
	CollectDiagData

	// List 2 — exclusive-mode exits.
	RelGPUInit
	RelGPUFini
	SchedUpdateTopology
	RelGPUDebug

	// List 3 — targeted resets & maintenance.
	SchedResetVF
	SchedForceResetVF
	HwSchedResetVF
	SchedInitVFFB
	SchedFWLiveUpdateDFC
	SchedSetVFAccess
	SchedMMSCHGeneralNotification
	SchedPSPVFGate
	SchedPSPVFCmdRelay
	HandleCrash
	SchedRMA

	// List 4 — exclusive-mode entries & VF queries.
	ReqGPUInit
	ReqGPUFini
	ReqGPUReset
	ReqGPUInitData
	SchedVFReqRasErrorCount
	SchedVFReqRasCperDump
	ReqGPUDebug

	// List 5 — background telemetry.
	SchedGPUMon
	SchedUpdateMcaBanks
	SchedGetTopology

	idCount
)

func (id ID) String() string {
	names := [idCount]string{
		SchedForceResetGPU:             "SCHED_FORCE_RESET_GPU",
		SchedForceResetGPUInternal:     "SCHED_FORCE_RESET_GPU_INTERNAL",
		SchedRasUMC:                    "SCHED_RAS_UMC",
		EnterPowerSaving:               "ENTER_POWER_SAVING",
		ExitPowerSaving:                "EXIT_POWER_SAVING",
		SchedRasPoisonConsumption:      "SCHED_RAS_POISON_CONSUMPTION",
		SchedRasPoisonCreation:         "SCHED_RAS_POISON_CREATION",
		SchedRasFed:                    "SCHED_RAS_FED",
		SchedSuspendVF:                 "SCHED_SUSPEND_VF",
		SchedResumeVF:                  "SCHED_RESUME_VF",
		SchedRemoveVF:                  "SCHED_REMOVE_VF",
		SchedStopVF:                    "SCHED_STOP_VF",
		SchedSuspend:                   "SCHED_SUSPEND",
		SchedResume:                    "SCHED_RESUME",
		SchedSuspendLive:               "SCHED_SUSPEND_LIVE",
		SchedResumeLive:                "SCHED_RESUME_LIVE",
		CurVFCtxEmpty:                  "CUR_VF_CTX_EMPTY",
		CollectDiagData:                "COLLECT_DIAG_DATA",
		RelGPUInit:                     "REL_GPU_INIT",
		RelGPUFini:                     "REL_GPU_FINI",
		SchedUpdateTopology:            "SCHED_UPDATE_TOPOLOGY",
		RelGPUDebug:                    "REL_GPU_DEBUG",
		SchedResetVF:                   "SCHED_RESET_VF",
		SchedForceResetVF:              "SCHED_FORCE_RESET_VF",
		HwSchedResetVF:                 "HW_SCHED_RESET_VF",
		SchedInitVFFB:                  "SCHED_INIT_VF_FB",
		SchedFWLiveUpdateDFC:           "SCHED_FW_LIVE_UPDATE_DFC",
		SchedSetVFAccess:               "SCHED_SET_VF_ACCESS",
		SchedMMSCHGeneralNotification:  "SCHED_MMSCH_GENERAL_NOTIFICATION",
		SchedPSPVFGate:                 "SCHED_PSP_VF_GATE",
		SchedPSPVFCmdRelay:             "SCHED_PSP_VF_CMD_RELAY",
		HandleCrash:                    "HANDLE_CRASH",
		SchedRMA:                       "SCHED_RMA",
		ReqGPUInit:                     "REQ_GPU_INIT",
		ReqGPUFini:                     "REQ_GPU_FINI",
		ReqGPUReset:                    "REQ_GPU_RESET",
		ReqGPUInitData:                 "REQ_GPU_INIT_DATA",
		SchedVFReqRasErrorCount:        "SCHED_VF_REQ_RAS_ERROR_COUNT",
		SchedVFReqRasCperDump:          "SCHED_VF_REQ_RAS_CPER_DUMP",
		ReqGPUDebug:                    "REQ_GPU_DEBUG",
		SchedGPUMon:                    "SCHED_GPUMON",
		SchedUpdateMcaBanks:            "SCHED_UPDATE_MCA_BANKS",
		SchedGetTopology:                "SCHED_GET_TOPOLOGY",
	}
	if int(id) >= 0 && int(id) < int(idCount) {
		return names[id]
	}

	return "UNKNOWN_EVENT"
}

// List returns which of the six priority lists (0 highest .. 5 lowest)
// this id is dispatched through (spec.md §3.2).
func (id ID) List() int {
	switch id {
	case SchedForceResetGPU, SchedForceResetGPUInternal, SchedRasUMC,
		EnterPowerSaving, ExitPowerSaving, SchedRasPoisonConsumption,
		SchedRasPoisonCreation, SchedRasFed:
		return 0
	case SchedSuspendVF, SchedResumeVF, SchedRemoveVF, SchedStopVF,
		SchedSuspend, SchedResume, SchedSuspendLive, SchedResumeLive,
		CurVFCtxEmpty, CollectDiagData:
		return 1
	case RelGPUInit, RelGPUFini, SchedUpdateTopology, RelGPUDebug:
		return 2
	case SchedResetVF, SchedForceResetVF, HwSchedResetVF, SchedInitVFFB,
		SchedFWLiveUpdateDFC, SchedSetVFAccess, SchedMMSCHGeneralNotification,
		SchedPSPVFGate, SchedPSPVFCmdRelay, HandleCrash, SchedRMA:
		return 3
	case ReqGPUInit, ReqGPUFini, ReqGPUReset, ReqGPUInitData,
		SchedVFReqRasErrorCount, SchedVFReqRasCperDump, ReqGPUDebug:
		return 4
	case SchedGPUMon, SchedUpdateMcaBanks, SchedGetTopology:
		return 5
	default:
		return 5
	}
}

const numLists = 6

// dedupIDs is the set of ids that collapse duplicates targeting the same VF
// within the same list on insertion (spec.md §4.6).
var dedupIDs = map[ID]bool{
	ReqGPUInit: true, ReqGPUFini: true, ReqGPUReset: true, ReqGPUInitData: true,
	RelGPUInit: true, RelGPUFini: true,
	SchedForceResetGPU: true, SchedForceResetGPUInternal: true,
	SchedRasUMC: true, ExitPowerSaving: true, EnterPowerSaving: true,
	SchedRasPoisonConsumption: true, SchedRasPoisonCreation: true, SchedRasFed: true,
	SchedUpdateTopology: true, RelGPUDebug: true, SchedRMA: true,
	SchedGPUMon: true, SchedUpdateMcaBanks: true, SchedGetTopology: true,
}

// IsDedup reports whether id participates in the insertion-time
// de-duplication rule.
func (id ID) IsDedup() bool { return dedupIDs[id] }

// rejectWhitelist is the set of ids admitted even when the adapter has an
// unrecoverable error (spec.md §4.2 sanitation step 1).
var rejectWhitelist = map[ID]bool{
	SchedForceResetGPUInternal: true,
	SchedGPUMon:                true,
}

// AllowedWhenUnrecoverable reports whether id bypasses the unrecoverable-
// error rejection rule.
func (id ID) AllowedWhenUnrecoverable() bool { return rejectWhitelist[id] }

// exclusiveEntryIDs are the four events that bump the EXCLUSIVE_MOD guard
// on insertion (spec.md §4.2 step 2). REQ_GPU_FINI is counted on every
// insertion: Pipeline.sanitize does not check whether the target VF is
// active.
var exclusiveEntryIDs = map[ID]bool{
	ReqGPUInit: true, ReqGPUReset: true, ReqGPUDebug: true, ReqGPUFini: true,
}

// IsExclusiveEntry reports whether id is one of the exclusive-mode entry
// events guarded by EXCLUSIVE_MOD.
func (id ID) IsExclusiveEntry() bool { return exclusiveEntryIDs[id] }

// flrGuardedIDs bump the FLR guard on insertion (spec.md §4.2 step 4).
var flrGuardedIDs = map[ID]bool{
	ReqGPUReset: true, ReqGPUInit: true,
}

// IsFLRGuarded reports whether id is subject to the FLR guard check.
func (id ID) IsFLRGuarded() bool { return flrGuardedIDs[id] }

// staleSet is the predefined set of List 0 / List 4 ids marked FINISHED
// after a successful whole-GPU reset (spec.md §4.6 "stale-event handling").
var staleSet = map[ID]bool{
	SchedForceResetGPU: true, SchedForceResetGPUInternal: true,
	SchedRasUMC: true, SchedRasPoisonConsumption: true,
	SchedRasPoisonCreation: true, SchedRasFed: true,
	ReqGPUInit: true, ReqGPUFini: true, ReqGPUReset: true, ReqGPUInitData: true,
}

// IsStaleAfterWGR reports whether id belongs to the post-WGR stale set.
func (id ID) IsStaleAfterWGR() bool { return staleSet[id] }

// lockExemptIDs bypass lock_world_switch deferral (spec.md §4.6).
var lockExemptIDs = map[ID]bool{
	ExitPowerSaving: true, SchedResume: true, SchedResumeLive: true, RelGPUDebug: true,
}

// IsLockExempt reports whether id is processed even while the worker holds
// lock_world_switch.
func (id ID) IsLockExempt() bool { return lockExemptIDs[id] }

// lockSetIDs assert lock_world_switch; lockClearIDs deassert it.
var lockSetIDs = map[ID]bool{
	SchedSuspend: true, SchedSuspendLive: true, EnterPowerSaving: true, ReqGPUDebug: true,
}

var lockClearIDs = map[ID]bool{
	SchedResume: true, SchedResumeLive: true, ExitPowerSaving: true, RelGPUDebug: true,
}

// SetsLock reports whether id asserts lock_world_switch.
func (id ID) SetsLock() bool { return lockSetIDs[id] }

// ClearsLock reports whether id deasserts lock_world_switch.
func (id ID) ClearsLock() bool { return lockClearIDs[id] }

// fullAccessServiceable is the §4.10 deferral table: ids that run even
// while a VF holds full access (subject to per-handler target checks the
// dispatcher applies).
var fullAccessServiceable = map[ID]bool{
	RelGPUInit: true, RelGPUFini: true,
	SchedRasUMC: true, SchedRasPoisonConsumption: true, SchedRasPoisonCreation: true, SchedRasFed: true,
	SchedSetVFAccess: true, SchedSuspendVF: true, SchedResumeVF: true,
	SchedRemoveVF: true, CollectDiagData: true,
}

// IsFullAccessServiceable reports whether id may run while a VF holds full
// access (spec.md §4.10); others are deferred until the holder releases.
func (id ID) IsFullAccessServiceable() bool { return fullAccessServiceable[id] }
