// Package asic defines the per-ASIC capability interface (spec.md §9's
// "ASIC driver registers function tables", modeled here as a Go interface
// rather than IH/SDMA/GFX/MMHUB/UMC/MCA/PSP/XGMI function-pointer tables)
// plus a reference in-memory implementation for tests and the CLI demo.
//
// One Driver is selected once at adapter construction, the way
// machine.Machine is built against one concrete set of device backends at
// boot rather than dispatching through a runtime table lookup per call.
package asic

import (
	"sync"

	"github.com/mxgpuhv/gvcore/vf"
)

// MCABank is one machine-check bank reading, kept free of any ras package
// import so asic has no dependency on the reactor that consumes it; callers
// convert to ras.MCABank at the call site.
type MCABank struct {
	BankIdx   uint32
	Status    uint64
	Addr      uint64
	Misc      uint64
	Synd      uint64
	Deferred  bool
	Uncorrect bool
}

// Driver is the capability surface an adapter drives for reset, RLC safe
// mode, and MCA bank telemetry — the "ASIC-specific" hooks spec.md's reset
// hierarchy and RAS reactor call out without specifying register detail.
type Driver interface {
	// TriggerGPUReset issues the ASIC-specific whole-GPU reset sequence.
	TriggerGPUReset() error
	// TriggerHardwareFLR issues a function-level reset for one VF.
	TriggerHardwareFLR(idx vf.Idx) error
	// EnterRLCSafeMode/ExitRLCSafeMode bracket register access that must not
	// race the running firmware scheduler.
	EnterRLCSafeMode(idx vf.Idx) error
	ExitRLCSafeMode(idx vf.Idx) error
	// ReadMCABank polls one (VF, block) MCA bank for a new error.
	ReadMCABank(idx vf.Idx, block vf.SchedBlock) (MCABank, bool)
	// RetirePage runs the UMC page-retirement callback for bank.
	RetirePage(idx vf.Idx, bank MCABank)
}

// Sim is a reference in-memory Driver: it never touches real hardware,
// standing in for device.IODevice's pure-software device implementations.
type Sim struct {
	mu sync.Mutex

	FailReset    bool
	FailFLR      map[vf.Idx]bool
	PendingBanks map[vf.Idx]MCABank
}

// NewSim constructs an empty simulated driver; no reset or FLR fails, and no
// MCA banks are pending until a test populates PendingBanks.
func NewSim() *Sim {
	return &Sim{
		FailFLR:      make(map[vf.Idx]bool),
		PendingBanks: make(map[vf.Idx]MCABank),
	}
}

func (s *Sim) TriggerGPUReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailReset {
		return errSimReset
	}

	return nil
}

func (s *Sim) TriggerHardwareFLR(idx vf.Idx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailFLR[idx] {
		return errSimFLR
	}

	return nil
}

func (s *Sim) EnterRLCSafeMode(idx vf.Idx) error { return nil }
func (s *Sim) ExitRLCSafeMode(idx vf.Idx) error  { return nil }

func (s *Sim) ReadMCABank(idx vf.Idx, block vf.SchedBlock) (MCABank, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bank, ok := s.PendingBanks[idx]
	if ok {
		delete(s.PendingBanks, idx)
	}

	return bank, ok
}

func (s *Sim) RetirePage(idx vf.Idx, bank MCABank) {}

// The five methods below give Sim the shape of worldswitch.Firmware too, so
// one simulated driver can back both the ASIC capability surface and the
// per-hw-scheduler firmware commands in a demo/test wiring — there is no
// register-level firmware to simulate beyond "the command succeeded"
// (spec.md's Non-goals exclude PSP/SMU firmware loaders and per-ASIC
// register detail).
func (s *Sim) InitGPU(idx vf.Idx, block vf.SchedBlock) error     { return nil }
func (s *Sim) RunGPU(idx vf.Idx, block vf.SchedBlock) error      { return nil }
func (s *Sim) SaveGPU(idx vf.Idx, block vf.SchedBlock) error     { return nil }
func (s *Sim) LoadGPU(idx vf.Idx, block vf.SchedBlock) error     { return nil }
func (s *Sim) ShutdownGPU(idx vf.Idx, block vf.SchedBlock) error { return nil }

var (
	errSimReset = simError("asic: simulated gpu reset failure")
	errSimFLR   = simError("asic: simulated hardware flr failure")
)

type simError string

func (e simError) Error() string { return string(e) }
