package event

import (
	"github.com/mxgpuhv/gvcore/vf"
)

// Status marks whether an event is still live or was discarded as stale
// after a whole-GPU reset (spec.md §3.1, §4.6).
type Status int

const (
	StatusNormal Status = iota
	StatusFinished
)

// Data is the tagged-payload union for event-specific fields (spec.md §9's
// "event payload union" guidance: a sum type whose variants carry only what
// each handler needs, matched on the Event's ID rather than one giant
// struct — mirroring the teacher's many small per-purpose structs like
// migration.VCPUState, migration.BlkState, etc).
type Data interface {
	isEventData()
}

// NoData is used by fire-and-forget events with no payload.
type NoData struct{}

func (NoData) isEventData() {}

// ResetData carries the reset tier an event targets.
type ResetData struct {
	HiveMaster bool
}

func (ResetData) isEventData() {}

// RasData carries MCA-bank/poison telemetry for RAS events.
type RasData struct {
	Block      vf.SchedBlock
	BankIdx    int
	IsDeferred bool
}

func (RasData) isEventData() {}

// CperDumpData carries the guest-provided CPER read pointer for
// SCHED_VF_REQ_RAS_CPER_DUMP.
type CperDumpData struct {
	GuestRptr uint64
}

func (CperDumpData) isEventData() {}

// AccessData carries the requested access bits for SCHED_SET_VF_ACCESS.
type AccessData struct {
	MMIO, FB, Doorbell bool
}

func (AccessData) isEventData() {}

// Event is one unit of pipeline work (spec.md §3.1).
type Event struct {
	IdxVF      vf.Idx
	ID         ID
	SchedBlock vf.SchedBlock
	TimestampUS uint64
	Data       Data
	Status     Status

	// signal, if non-nil, is closed by the worker when the event completes;
	// queue_event_and_wait_ex blocks on it. skipped is set if the event was
	// discarded as stale rather than actually processed.
	signal  chan struct{}
	skipped bool
	err     error
}

func newEvent(idx vf.Idx, id ID, block vf.SchedBlock, data Data, now uint64, withSignal bool) *Event {
	if data == nil {
		data = NoData{}
	}

	ev := &Event{
		IdxVF:       idx,
		ID:          id,
		SchedBlock:  block,
		TimestampUS: now,
		Data:        data,
		Status:      StatusNormal,
	}

	if withSignal {
		ev.signal = make(chan struct{})
	}

	return ev
}

// Wait blocks until the worker finishes processing the event. It reports
// whether the event was skipped as stale, and any handler error.
func (e *Event) Wait() (skipped bool, err error) {
	if e.signal == nil {
		return false, nil
	}

	<-e.signal

	return e.skipped, e.err
}

func (e *Event) complete(skipped bool, err error) {
	e.skipped = skipped
	e.err = err

	if e.signal != nil {
		close(e.signal)
	}
}
