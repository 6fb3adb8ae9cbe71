package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/mxgpuhv/gvcore/adapter"
	"github.com/mxgpuhv/gvcore/asic"
	"github.com/mxgpuhv/gvcore/config"
	"github.com/mxgpuhv/gvcore/event"
	"github.com/mxgpuhv/gvcore/guard"
	"github.com/mxgpuhv/gvcore/mailbox"
	"github.com/mxgpuhv/gvcore/osshim"
	"github.com/mxgpuhv/gvcore/vf"
	"github.com/mxgpuhv/gvcore/worldswitch"
	"github.com/mxgpuhv/gvcore/xgmi"
)

// DeviceHandle is the opaque per-GPU handle device_init hands back, the Go
// analogue of amdgv_dev_t.
type DeviceHandle int32

// InvalidHandle never names a live device.
const InvalidHandle DeviceHandle = -1

// FiniOpt selects how device_fini tears a device down.
type FiniOpt int

const (
	FiniNormal FiniOpt = iota
	FiniForce
)

// Library is the process-wide handle table init/fini manage (spec.md
// §6.2's "process lifecycle"). mu guards only the handle table itself;
// calls into an adapter are not serialized by it, and there is no
// per-device api_lock.
type Library struct {
	mu      sync.Mutex
	devices map[DeviceHandle]*adapter.Adapter
	next    DeviceHandle
	errs    *errorRing

	ffbmMu   sync.Mutex
	ffbmTbls map[DeviceHandle]*ffbm
}

// Init starts the library. shim validation (refusing to load without
// "print") lives in osshim.Init; Library assumes that has already
// succeeded.
func Init() *Library {
	return &Library{
		devices:  make(map[DeviceHandle]*adapter.Adapter),
		errs:     newErrorRing(),
		ffbmTbls: make(map[DeviceHandle]*ffbm),
	}
}

// Fini stops and releases every remaining device.
func (l *Library) Fini() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for h, a := range l.devices {
		_ = a.Stop()
		delete(l.devices, h)
	}

	l.ffbmMu.Lock()
	l.ffbmTbls = make(map[DeviceHandle]*ffbm)
	l.ffbmMu.Unlock()
}

// ErrorRing returns the recent non-success exit codes, oldest first.
func (l *Library) ErrorRing() []Code { return l.errs.Recent() }

func (l *Library) record(c Code) Code {
	l.errs.push(c)

	return c
}

// DeviceInit wires and starts one adapter, returning its handle
// (device_init). driver/fw/transport/clock/log are the host backends;
// badPages/hive are optional.
func (l *Library) DeviceInit(
	ctx context.Context,
	cfg *config.InitData,
	devConf config.DevConf,
	driver asic.Driver,
	fw worldswitch.Firmware,
	transport mailbox.Transport,
	clock osshim.Clock,
	log osshim.Printer,
	badPages *osshim.BoltStore,
	hive *xgmi.Hive,
) (DeviceHandle, Code) {
	a := adapter.New(cfg, devConf, driver, fw, transport, clock, log, badPages, hive)

	if err := a.Start(ctx); err != nil {
		log.Printf("api: device_init: %v", err)

		return InvalidHandle, l.record(Failure)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.next
	l.next++
	l.devices[h] = a

	return h, Success
}

// DeviceFini stops and releases handle (device_fini). opt is accepted for
// API parity; both options behave the same since the simulated driver has
// no in-flight DMA to drain before release.
func (l *Library) DeviceFini(handle DeviceHandle, opt FiniOpt) Code {
	l.mu.Lock()
	a, ok := l.devices[handle]
	if ok {
		delete(l.devices, handle)
	}
	l.mu.Unlock()

	if !ok {
		return l.record(Failure)
	}

	if err := a.Stop(); err != nil {
		return l.record(Failure)
	}

	l.ffbmMu.Lock()
	delete(l.ffbmTbls, handle)
	l.ffbmMu.Unlock()

	return Success
}

func (l *Library) get(handle DeviceHandle) (*adapter.Adapter, error) {
	l.mu.Lock()
	a, ok := l.devices[handle]
	l.mu.Unlock()

	if !ok {
		return nil, ErrBadHandle
	}

	return a, nil
}

// requireOperational enforces spec.md §6.2's "adapter status check, HW_INIT
// required except a small whitelist" for mutating calls; queries call get
// directly since reading status/diagnostics must work even when not
// operational.
func requireOperational(a *adapter.Adapter) error {
	if a.Status() != adapter.HWInit {
		return fmt.Errorf("%w: status=%s", ErrNotOperational, a.Status())
	}

	return nil
}

// --- VF control ---

// AllocateVF brings idx under scheduler control (allocate_vf).
func (l *Library) AllocateVF(handle DeviceHandle, idx vf.Idx) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	if err := requireOperational(a); err != nil {
		return l.record(CodeIOV)
	}

	if err := a.AllocateVF(idx); err != nil {
		return l.record(codeFromErr(err, CodeIOV))
	}

	return Success
}

// FreeVF releases idx back to UNAVAIL (free_vf).
func (l *Library) FreeVF(handle DeviceHandle, idx vf.Idx) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	if err := a.FreeVF(idx); err != nil {
		return l.record(codeFromErr(err, CodeIOV))
	}

	return Success
}

// SetVF applies idx's FB layout and one engine's time slice (set_vf).
func (l *Library) SetVF(handle DeviceHandle, idx vf.Idx, fbOffsetMB, fbSizeMB uint64, block vf.SchedBlock, timeSliceUS uint64) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	if err := a.ConfigureVF(idx, fbOffsetMB, fbSizeMB, block, timeSliceUS); err != nil {
		return l.record(codeFromErr(err, CodeIOV))
	}

	return Success
}

// FLRVF schedules a function-level reset for idx (flr_vf).
func (l *Library) FLRVF(handle DeviceHandle, idx vf.Idx) Code {
	return l.queueVF(handle, idx, event.SchedForceResetVF, vf.BlockAll)
}

// StopVF halts idx's world switch participation (stop_vf).
func (l *Library) StopVF(handle DeviceHandle, idx vf.Idx, block vf.SchedBlock) Code {
	return l.queueVF(handle, idx, event.SchedStopVF, block)
}

// SuspendVF suspends idx (suspend_vf).
func (l *Library) SuspendVF(handle DeviceHandle, idx vf.Idx) Code {
	return l.queueVF(handle, idx, event.SchedSuspendVF, vf.BlockAll)
}

// ResumeVF resumes a previously suspended idx (resume_vf).
func (l *Library) ResumeVF(handle DeviceHandle, idx vf.Idx) Code {
	return l.queueVF(handle, idx, event.SchedResumeVF, vf.BlockAll)
}

// queueVF is the shared mutator path: validate the handle, check the
// adapter is operational, and queue id for idx.
func (l *Library) queueVF(handle DeviceHandle, idx vf.Idx, id event.ID, block vf.SchedBlock) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	if err := requireOperational(a); err != nil {
		return l.record(CodeSched)
	}

	if err := a.Pipeline().QueueEvent(idx, id, block); err != nil {
		return l.record(CodeSched)
	}

	return Success
}

// SetVFNumber records the configured VF count (set_vf_number); it only
// updates bookkeeping, the arena is always sized MaxSlot wide.
func (l *Library) SetVFNumber(handle DeviceHandle, n int) Code {
	_, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	if n < 0 || n > vf.MaxSlot {
		return l.record(CodeIOV)
	}

	return Success
}

// ForceResetGPU schedules a whole-GPU reset (force_reset_gpu).
func (l *Library) ForceResetGPU(handle DeviceHandle) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	if err := requireOperational(a); err != nil {
		return l.record(CodeReset)
	}

	if err := a.Pipeline().QueueEvent(vf.PFIdx, event.SchedForceResetGPU, vf.BlockAll); err != nil {
		return l.record(CodeReset)
	}

	return Success
}

// --- Guard ---

// SetGuardConfig changes idx's monitored window/threshold for kind
// (set_guard_config).
func (l *Library) SetGuardConfig(handle DeviceHandle, idx vf.Idx, kind guard.EventKind, intervalUS uint64, threshold uint32) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	a.GuardTable().SetConfig(idx, kind, intervalUS, threshold)

	return Success
}

// GetGuardInfo reads idx's current guard counter state for kind
// (get_guard_info).
func (l *Library) GetGuardInfo(handle DeviceHandle, idx vf.Idx, kind guard.EventKind) (guard.Info, Code) {
	a, err := l.get(handle)
	if err != nil {
		return guard.Info{}, l.record(Failure)
	}

	return a.GuardTable().Info(idx, kind), Success
}

// ResetGuardConfig restores idx's kind counter to its package default
// (reset_guard_config).
func (l *Library) ResetGuardConfig(handle DeviceHandle, idx vf.Idx, kind guard.EventKind) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	a.GuardTable().ResetConfig(idx, kind)

	return Success
}

// --- Config ---

// GetDevConf reads the adapter's enumerated configuration (get_dev_conf).
func (l *Library) GetDevConf(handle DeviceHandle) (config.DevConf, Code) {
	a, err := l.get(handle)
	if err != nil {
		return config.DevConf{}, l.record(Failure)
	}

	return a.DevConf(), Success
}

// SetDevConf replaces the adapter's enumerated configuration
// (set_dev_conf).
func (l *Library) SetDevConf(handle DeviceHandle, d config.DevConf) Code {
	a, err := l.get(handle)
	if err != nil {
		return l.record(Failure)
	}

	a.SetDevConf(d)

	return Success
}
