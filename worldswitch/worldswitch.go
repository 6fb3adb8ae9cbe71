// Package worldswitch implements the per-hardware-scheduler VF context
// state machine (component C3): the IDLE/RUN/SAVE/LOAD/INIT/SHUTDOWN cycle
// driven through firmware commands with per-command timeouts, plus the
// ABNORMAL latch that forces recovery on a firmware hang.
//
// The state machine and its synchronous, timeout-guarded command style
// follow machine.Machine's vCPU run loop: explicit named states, a mutex
// guarding the mutable fields, and sentinel errors for each failure mode
// rather than bare error strings.
package worldswitch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mxgpuhv/gvcore/vf"
)

// State is a world switch's per-VF context state (spec.md §4.3).
type State int

const (
	Shutdown State = iota
	Init
	Run
	Idle
	Save
	Load
)

func (s State) String() string {
	switch s {
	case Shutdown:
		return "SHUTDOWN"
	case Init:
		return "INIT"
	case Run:
		return "RUN"
	case Idle:
		return "IDLE"
	case Save:
		return "SAVE"
	case Load:
		return "LOAD"
	default:
		return "UNKNOWN"
	}
}

// SchedMode selects the rotation policy among active VFs.
type SchedMode int

const (
	RoundRobin SchedMode = iota
	HybridLiquid
)

// Firmware is the capability a world switch drives to move a VF through
// the state machine; one command per transition, each bounded by a
// caller-visible timeout.
type Firmware interface {
	InitGPU(idx vf.Idx, block vf.SchedBlock) error
	RunGPU(idx vf.Idx, block vf.SchedBlock) error
	SaveGPU(idx vf.Idx, block vf.SchedBlock) error
	LoadGPU(idx vf.Idx, block vf.SchedBlock) error
	ShutdownGPU(idx vf.Idx, block vf.SchedBlock) error
}

// ErrAbnormal is returned by every operation once the ABNORMAL latch is set,
// until Reset clears it (spec.md §4.3: "all subsequent commands ... are
// skipped until reset").
var ErrAbnormal = errors.New("worldswitch: abnormal latch set, command skipped")

// ErrCommandTimeout wraps a firmware command that exceeded its deadline.
var ErrCommandTimeout = errors.New("worldswitch: firmware command timed out")

// DefaultCommandTimeout bounds every firmware command issued by a Switch.
const DefaultCommandTimeout = 100 * time.Millisecond

// Switch drives one hardware scheduler's VF context state machine.
type Switch struct {
	Block SchedBlock
	fw    Firmware
	mode  SchedMode

	mu         sync.Mutex
	cur        vf.Idx
	state      State
	abnormal   bool
	initDone   map[vf.Idx]bool
	cmdTimeout time.Duration
}

// SchedBlock names which engine this Switch schedules, for diagnostics.
type SchedBlock = vf.SchedBlock

// New constructs a Switch for one hardware scheduler, starting SHUTDOWN with
// no VF loaded.
func New(block SchedBlock, fw Firmware, mode SchedMode) *Switch {
	return &Switch{
		Block:      block,
		fw:         fw,
		mode:       mode,
		cur:        vf.Invalid,
		state:      Shutdown,
		initDone:   make(map[vf.Idx]bool),
		cmdTimeout: DefaultCommandTimeout,
	}
}

// State reports the current VF and its world-switch state.
func (s *Switch) State() (vf.Idx, State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cur, s.state
}

// Abnormal reports whether the ABNORMAL latch is set.
func (s *Switch) Abnormal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.abnormal
}

// Reset clears the ABNORMAL latch and returns the scheduler to SHUTDOWN with
// no VF loaded (called after a reset has run on this hw scheduler).
func (s *Switch) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.abnormal = false
	s.cur = vf.Invalid
	s.state = Shutdown
	s.initDone = make(map[vf.Idx]bool)
}

func withTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)

	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return ErrCommandTimeout
	}
}

func (s *Switch) command(name string, fn func() error) error {
	err := withTimeout(s.cmdTimeout, fn)
	if err != nil {
		s.mu.Lock()
		s.abnormal = true
		s.mu.Unlock()

		return fmt.Errorf("worldswitch: %s: %w", name, err)
	}

	return nil
}

// InitPFState runs init_pf_state: called once at driver init and after a
// whole-GPU reset.
func (s *Switch) InitPFState() error {
	return s.command("init_pf_state", func() error {
		return s.fw.InitGPU(vf.PFIdx, s.Block)
	})
}

// Save drives IDLE -> SAVE. A SAVE on an already-SHUTDOWN VF is a no-op.
func (s *Switch) Save(idx vf.Idx) error {
	s.mu.Lock()
	if s.abnormal {
		s.mu.Unlock()

		return ErrAbnormal
	}

	if s.cur != idx || s.state == Shutdown {
		s.mu.Unlock()

		return nil
	}
	s.mu.Unlock()

	if err := s.command("save", func() error { return s.fw.SaveGPU(idx, s.Block) }); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = Save
	s.mu.Unlock()

	return nil
}

// Load drives (SHUTDOWN|SAVE) -> INIT-or-LOAD -> RUN: if idx has never been
// INIT'd in this lifecycle, INIT_GPU runs first.
func (s *Switch) Load(idx vf.Idx) error {
	s.mu.Lock()
	if s.abnormal {
		s.mu.Unlock()

		return ErrAbnormal
	}
	needsInit := !s.initDone[idx]
	s.mu.Unlock()

	if needsInit {
		if err := s.command("init", func() error { return s.fw.InitGPU(idx, s.Block) }); err != nil {
			return err
		}

		s.mu.Lock()
		s.initDone[idx] = true
		s.state = Init
		s.mu.Unlock()
	} else {
		if err := s.command("load", func() error { return s.fw.LoadGPU(idx, s.Block) }); err != nil {
			return err
		}

		s.mu.Lock()
		s.state = Load
		s.mu.Unlock()
	}

	if err := s.command("run", func() error { return s.fw.RunGPU(idx, s.Block) }); err != nil {
		return err
	}

	s.mu.Lock()
	s.cur = idx
	s.state = Run
	s.mu.Unlock()

	return nil
}

// SwitchTo moves from the currently loaded VF to idx: IDLE -> SAVE, then
// INIT-or-LOAD -> RUN on idx. A no-op if idx is already RUN.
func (s *Switch) SwitchTo(idx vf.Idx) error {
	s.mu.Lock()
	if s.abnormal {
		s.mu.Unlock()

		return ErrAbnormal
	}

	if s.cur == idx && s.state == Run {
		s.mu.Unlock()

		return nil
	}
	prev := s.cur
	s.mu.Unlock()

	if prev.Valid() {
		if err := s.Save(prev); err != nil {
			return err
		}
	}

	return s.Load(idx)
}

// Stop drives the current VF toward SAVE; a firmware hang marks ABNORMAL
// (spec.md §4.3's stop()).
func (s *Switch) Stop(idx vf.Idx) error {
	if err := s.Save(idx); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = Shutdown
	s.mu.Unlock()

	return s.command("shutdown", func() error { return s.fw.ShutdownGPU(idx, s.Block) })
}

// CurVFCtxEmpty is the HYBRID_LIQUID early-rotation hook: called when the
// currently active VF's context-empty interrupt fires.
func (s *Switch) CurVFCtxEmpty(next func() vf.Idx) error {
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()

	if mode != HybridLiquid {
		return nil
	}

	return s.SwitchTo(next())
}
