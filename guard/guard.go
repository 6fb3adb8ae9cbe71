// Package guard implements the abuse guard (component C1): a per-VF,
// per-event-kind sliding-window rate limiter over guest-visible events.
//
// The window is an exact circular buffer of timestamps, not a token bucket —
// see DESIGN.md's guard entry for why golang.org/x/time/rate does not fit
// the spec's occurrence-counting invariant (P2).
package guard

import (
	"fmt"
	"sync"

	"github.com/mxgpuhv/gvcore/vf"
)

// EventKind enumerates the six guarded event kinds (spec.md §3.3).
type EventKind int

const (
	FLR EventKind = iota
	ExclusiveMod
	ExclusiveTimeout
	AllInt
	RASErrCount
	RASCPERDump
	kindCount
)

func (k EventKind) String() string {
	switch k {
	case FLR:
		return "FLR"
	case ExclusiveMod:
		return "EXCLUSIVE_MOD"
	case ExclusiveTimeout:
		return "EXCLUSIVE_TIMEOUT"
	case AllInt:
		return "ALL_INT"
	case RASErrCount:
		return "RAS_ERR_COUNT"
	case RASCPERDump:
		return "RAS_CPER_DUMP"
	default:
		return "UNKNOWN"
	}
}

// State is the current occupancy state of one monitor event.
type State int

const (
	Normal State = iota
	Full
	Overflow
)

// Defaults per spec.md §4.8 / original_source amdgv_guard.h.
const (
	DefaultFLRIntervalUS             = 60 * 1_000_000
	DefaultFLRThreshold              = 3
	DefaultExclusiveModIntervalUS    = 60 * 1_000_000
	DefaultExclusiveModThreshold     = 9
	DefaultExclusiveTimeoutInterval  = 500 * 1_000_000
	DefaultExclusiveTimeoutThreshold = 2
	DefaultAllIntIntervalUS          = 60 * 1_000_000
	DefaultAllIntThreshold           = 56
	DefaultRASTelemetryIntervalUS    = 60 * 1_000_000
	DefaultRASTelemetryThreshold     = 15
)

// monitorEvent is one (VF, kind) sliding-window counter (spec.md §3.3).
type monitorEvent struct {
	mu sync.Mutex

	intervalUS uint64
	threshold  uint32

	record    []uint64 // circular buffer, len == threshold
	active    uint32
	originIdx uint32
	state     State
	amount    uint64
}

func newMonitorEvent(intervalUS uint64, threshold uint32) *monitorEvent {
	return &monitorEvent{
		intervalUS: intervalUS,
		threshold:  threshold,
		record:     make([]uint64, threshold),
	}
}

// bump runs the three-step algorithm in spec.md §4.8.
func (m *monitorEvent) bump(now uint64) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Step 1: expire stale timestamps.
	for m.active > 0 && now-m.record[m.originIdx] > m.intervalUS {
		m.originIdx = (m.originIdx + 1) % m.threshold
		m.active--
	}

	// Step 2: reject if the window is already saturated.
	if m.active == m.threshold {
		m.state = Overflow

		return Overflow, fmt.Errorf("guard overflow: %d events within %dus", m.threshold, m.intervalUS)
	}

	// Step 3: record the new occurrence.
	slot := (m.originIdx + m.active) % m.threshold
	m.record[slot] = now
	m.active++
	m.amount++

	if m.active == m.threshold {
		m.state = Full
	} else {
		m.state = Normal
	}

	return m.state, nil
}

func (m *monitorEvent) isFull() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state == Full || m.state == Overflow
}

func (m *monitorEvent) info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Info{
		IntervalUS: m.intervalUS,
		Threshold:  m.threshold,
		Active:     m.active,
		State:      m.state,
		Amount:     m.amount,
	}
}

func (m *monitorEvent) reset(intervalUS uint64, threshold uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.intervalUS = intervalUS
	m.threshold = threshold
	m.record = make([]uint64, threshold)
	m.active = 0
	m.originIdx = 0
	m.state = Normal
}

// Info is the read-only snapshot returned by get_guard_info.
type Info struct {
	IntervalUS uint64
	Threshold  uint32
	Active     uint32
	State      State
	Amount     uint64
}

// Table holds every VF's guard state for one adapter. Host-issued events may
// disable the guard globally via Enabled.
type Table struct {
	mu      sync.RWMutex
	Enabled bool
	events  map[vf.Idx]*[kindCount]*monitorEvent
}

// NewTable constructs a guard table with default thresholds for every slot
// 0..vf.MaxSlot, enabled by default.
func NewTable() *Table {
	t := &Table{
		Enabled: true,
		events:  make(map[vf.Idx]*[kindCount]*monitorEvent),
	}

	for i := vf.Idx(0); uint32(i) < vf.MaxSlot; i++ {
		t.initVF(i)
	}

	return t
}

func (t *Table) initVF(idx vf.Idx) {
	var arr [kindCount]*monitorEvent
	arr[FLR] = newMonitorEvent(DefaultFLRIntervalUS, DefaultFLRThreshold)
	arr[ExclusiveMod] = newMonitorEvent(DefaultExclusiveModIntervalUS, DefaultExclusiveModThreshold)
	arr[ExclusiveTimeout] = newMonitorEvent(DefaultExclusiveTimeoutInterval, DefaultExclusiveTimeoutThreshold)
	arr[AllInt] = newMonitorEvent(DefaultAllIntIntervalUS, DefaultAllIntThreshold)
	arr[RASErrCount] = newMonitorEvent(DefaultRASTelemetryIntervalUS, DefaultRASTelemetryThreshold)
	arr[RASCPERDump] = newMonitorEvent(DefaultRASTelemetryIntervalUS, DefaultRASTelemetryThreshold)

	t.mu.Lock()
	t.events[idx] = &arr
	t.mu.Unlock()
}

func (t *Table) arr(idx vf.Idx) *[kindCount]*monitorEvent {
	t.mu.RLock()
	arr, ok := t.events[idx]
	t.mu.RUnlock()

	if !ok {
		t.initVF(idx)
		t.mu.RLock()
		arr = t.events[idx]
		t.mu.RUnlock()
	}

	return arr
}

// Bump records one occurrence of kind for idx at time now (microseconds
// since boot). If the guard table is globally disabled, it always succeeds
// without recording.
func (t *Table) Bump(idx vf.Idx, kind EventKind, now uint64) error {
	t.mu.RLock()
	enabled := t.Enabled
	t.mu.RUnlock()

	if !enabled {
		return nil
	}

	_, err := t.arr(idx)[kind].bump(now)

	return err
}

// IsFull reports whether kind's window is FULL or OVERFLOW for idx.
func (t *Table) IsFull(idx vf.Idx, kind EventKind) bool {
	return t.arr(idx)[kind].isFull()
}

// Info returns a read-only snapshot of idx's guard state for kind.
func (t *Table) Info(idx vf.Idx, kind EventKind) Info {
	return t.arr(idx)[kind].info()
}

// SetConfig reconfigures idx's kind window and clears its history
// (set_guard_config).
func (t *Table) SetConfig(idx vf.Idx, kind EventKind, intervalUS uint64, threshold uint32) {
	t.arr(idx)[kind].reset(intervalUS, threshold)
}

// ResetConfig restores idx's kind window to its factory default
// (reset_guard_config).
func (t *Table) ResetConfig(idx vf.Idx, kind EventKind) {
	switch kind {
	case FLR:
		t.SetConfig(idx, kind, DefaultFLRIntervalUS, DefaultFLRThreshold)
	case ExclusiveMod:
		t.SetConfig(idx, kind, DefaultExclusiveModIntervalUS, DefaultExclusiveModThreshold)
	case ExclusiveTimeout:
		t.SetConfig(idx, kind, DefaultExclusiveTimeoutInterval, DefaultExclusiveTimeoutThreshold)
	case AllInt:
		t.SetConfig(idx, kind, DefaultAllIntIntervalUS, DefaultAllIntThreshold)
	case RASErrCount, RASCPERDump:
		t.SetConfig(idx, kind, DefaultRASTelemetryIntervalUS, DefaultRASTelemetryThreshold)
	}
}
