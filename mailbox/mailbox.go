// Package mailbox implements the VF<->PF handshake (component C2): a
// 4-DWORD register buffer per VF with a VALID/ACK protocol, decoding
// incoming guest requests into scheduler event ids.
//
// The per-VF state machine and the Transport capability interface mirror
// serial.Serial's register-plus-IRQ-injector shape, generalized from one
// fixed COM1 port to an indexed array of VF mailboxes, in the spirit of
// amdgv_mailbox.h's amdgv_mailbox_funcs function table (here a Go
// interface instead of a struct of function pointers).
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mxgpuhv/gvcore/event"
	"github.com/mxgpuhv/gvcore/guard"
	"github.com/mxgpuhv/gvcore/vf"
)

// MsgLen is the guest<->host message length in DWORDs (amdgv_mailbox_data_len).
type MsgLen int

const (
	Len1 MsgLen = iota + 1
	Len2
	Len3
	Len4 // maximum supported by platform
)

// IDH enumerates the guest message identifiers handled at §4.7.
type IDH int

const (
	IDHReqGPUInit IDH = iota
	IDHReqGPUInitData
	IDHReqGPUReset
	IDHReqGPUFini
	IDHReadyToReset
	IDHTextMessage
	IDHLogVFError
	IDHRasPoison
	IDHReqRasErrorCount
	IDHReqRasCperDump
	IDHReqGPUDebug
	IDHRelGPUDebug
)

func (idh IDH) String() string {
	switch idh {
	case IDHReqGPUInit:
		return "IDH_REQ_GPU_INIT"
	case IDHReqGPUInitData:
		return "IDH_REQ_GPU_INIT_DATA"
	case IDHReqGPUReset:
		return "IDH_REQ_GPU_RESET"
	case IDHReqGPUFini:
		return "IDH_REQ_GPU_FINI"
	case IDHReadyToReset:
		return "IDH_READY_TO_RESET"
	case IDHTextMessage:
		return "IDH_TEXT_MESSAGE"
	case IDHLogVFError:
		return "IDH_LOG_VF_ERROR"
	case IDHRasPoison:
		return "IDH_RAS_POISON"
	case IDHReqRasErrorCount:
		return "IDH_REQ_RAS_ERROR_COUNT"
	case IDHReqRasCperDump:
		return "IDH_REQ_RAS_CPER_DUMP"
	case IDHReqGPUDebug:
		return "IDH_REQ_GPU_DEBUG"
	case IDHRelGPUDebug:
		return "IDH_REL_GPU_DEBUG"
	default:
		return "IDH_UNKNOWN"
	}
}

// Transport is the register-level capability a host driver backend
// provides, analogous to amdgv_mailbox_funcs's rcv_msg/trn_msg/ack_msg.
type Transport interface {
	// RecvMsg reads the next 4-DWORD message posted by idx, or ok=false if
	// none is pending.
	RecvMsg(idx vf.Idx) (msg [4]uint32, ok bool)
	// SendMsg writes a 4-DWORD message to idx's PF->VF buffer and asserts
	// VALID.
	SendMsg(idx vf.Idx, msg [4]uint32) error
	// AckPending reports whether idx has ACKed the last outgoing message.
	AckPending(idx vf.Idx) bool
}

// ErrAckTimeout is returned when an outgoing message's ACK does not arrive
// within the bounded window (spec.md §4.7).
var ErrAckTimeout = errors.New("mailbox: ack wait timed out")

type vfState struct {
	mu sync.Mutex

	msgBufLen    MsgLen
	rcvMsgAcked  bool
	rcvAckCount  uint32
	savedAckCount uint32
	trnDW        [4]uint32
	available    bool

	vf2pf    VF2PFInfo
	vf2pfSet bool
	pf2vf    PF2VFInfo
	pf2vfSet bool
}

// Mailbox is the per-adapter mailbox controller.
type Mailbox struct {
	transport Transport
	guardTbl  *guard.Table
	pipeline  *event.Pipeline
	clock     event.Clock

	mu     sync.RWMutex
	states map[vf.Idx]*vfState
}

// New constructs a Mailbox wired to transport for register I/O, guardTbl for
// the ALL_INT bump on every received message, pipeline to post decoded
// scheduler events, and clock for guard timestamps.
func New(transport Transport, guardTbl *guard.Table, pipeline *event.Pipeline, clock event.Clock) *Mailbox {
	return &Mailbox{
		transport: transport,
		guardTbl:  guardTbl,
		pipeline:  pipeline,
		clock:     clock,
		states:    make(map[vf.Idx]*vfState),
	}
}

func (m *Mailbox) state(idx vf.Idx) *vfState {
	m.mu.RLock()
	s, ok := m.states[idx]
	m.mu.RUnlock()

	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok = m.states[idx]; ok {
		return s
	}

	s = &vfState{msgBufLen: Len4}
	m.states[idx] = s

	return s
}

// MarkAvailable toggles whether idx's VF is available; messages from
// unavailable VFs are ignored (spec.md §4.7).
func (m *Mailbox) MarkAvailable(idx vf.Idx, available bool) {
	s := m.state(idx)
	s.mu.Lock()
	s.available = available
	s.mu.Unlock()
}

// decodeTable maps a guest IDH to the scheduler event it produces, per the
// §4.7 table. A nil entry means the message is handled inline rather than
// by posting an event (IDH_READY_TO_RESET, IDH_TEXT_MESSAGE, IDH_LOG_VF_ERROR).
var decodeTable = map[IDH]event.ID{
	IDHReqGPUInit:       event.ReqGPUInit,
	IDHReqGPUInitData:   event.ReqGPUInitData,
	IDHReqGPUReset:      event.ReqGPUReset,
	IDHReqGPUFini:       event.ReqGPUFini,
	IDHRasPoison:        event.SchedRasPoisonConsumption,
	IDHReqRasErrorCount: event.SchedVFReqRasErrorCount,
	IDHReqRasCperDump:   event.SchedVFReqRasCperDump,
	IDHReqGPUDebug:      event.ReqGPUDebug,
	IDHRelGPUDebug:      event.RelGPUDebug,
}

// Logger receives inline-handled message side effects (IDH_TEXT_MESSAGE at
// INFO, IDH_LOG_VF_ERROR into the error ring); the caller supplies the
// concrete sink so this package stays dependency-light.
type Logger interface {
	Infof(format string, args ...interface{})
	LogVFError(idx vf.Idx, code uint32)
}

// Poll drains every pending inbound message across all VF slots, decodes
// each into a scheduler event per §4.7, and posts it to the pipeline.
// Messages from unavailable VFs are dropped. Every received message bumps
// the ALL_INT guard regardless of outcome.
func (m *Mailbox) Poll(log Logger) {
	for i := vf.Idx(0); uint32(i) < vf.MaxSlot; i++ {
		m.pollOne(i, log)
	}
}

func (m *Mailbox) pollOne(idx vf.Idx, log Logger) {
	s := m.state(idx)

	s.mu.Lock()
	available := s.available
	s.mu.Unlock()

	msg, ok := m.transport.RecvMsg(idx)
	if !ok {
		return
	}

	_ = m.guardTbl.Bump(idx, guard.AllInt, m.clock.NowUS())

	if !available {
		return
	}

	idh := IDH(msg[0])

	switch idh {
	case IDHReadyToReset:
		s.mu.Lock()
		s.rcvMsgAcked = true
		s.mu.Unlock()

		return
	case IDHTextMessage:
		if log != nil {
			log.Infof("vf %s: mailbox text message: %08x %08x %08x", idx, msg[1], msg[2], msg[3])
		}

		return
	case IDHLogVFError:
		if log != nil {
			log.LogVFError(idx, msg[1])
		}

		return
	}

	id, known := decodeTable[idh]
	if !known {
		return
	}

	var data event.Data

	switch idh {
	case IDHRasPoison:
		data = event.RasData{Block: vf.SchedBlock(msg[1])}
	case IDHReqRasCperDump:
		data = event.CperDumpData{GuestRptr: uint64(msg[1])<<32 | uint64(msg[2])}
	}

	_ = m.pipeline.QueueEventEx(idx, id, vf.BlockAll, data)
}

// sendAndAwaitAck sends msg to idx and blocks until AckPending reports true
// or the timeout / ctx elapses (spec.md §4.7's "followed by an ACK wait
// with timeout" rule for full-access grant, RAS-ready, and init-data-ready).
func (m *Mailbox) sendAndAwaitAck(ctx context.Context, idx vf.Idx, msg [4]uint32, timeout time.Duration) error {
	if err := m.transport.SendMsg(idx, msg); err != nil {
		return fmt.Errorf("mailbox: send to %s: %w", idx, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	poll := time.NewTicker(time.Millisecond)
	defer poll.Stop()

	for {
		if m.transport.AckPending(idx) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: vf %s", ErrAckTimeout, idx)
		case <-poll.C:
		}
	}
}

// NotifyReadyToAccessGPU sends the full-access grant message and waits for
// the guest ACK (spec.md §4.5 step 9).
func (m *Mailbox) NotifyReadyToAccessGPU(ctx context.Context, idx vf.Idx) error {
	return m.sendAndAwaitAck(ctx, idx, [4]uint32{uint32(msgReadyToAccessGPU), 0, 0, 0}, ackTimeout)
}

// NotifyRasReady sends the RAS-ready message and waits for the guest ACK.
func (m *Mailbox) NotifyRasReady(ctx context.Context, idx vf.Idx) error {
	return m.sendAndAwaitAck(ctx, idx, [4]uint32{uint32(msgRasReady), 0, 0, 0}, ackTimeout)
}

// NotifyInitDataReady sends the init-data-ready message and waits for the
// guest ACK.
func (m *Mailbox) NotifyInitDataReady(ctx context.Context, idx vf.Idx) error {
	return m.sendAndAwaitAck(ctx, idx, [4]uint32{uint32(msgInitDataReady), 0, 0, 0}, ackTimeout)
}

// NotifyFLR sends FLR_NOTIFICATION and waits up to a bounded window for
// READY_TO_RESET, but the caller proceeds with the reset regardless of the
// outcome (spec.md §4.4 step: "wait up to a bounded window ... but proceed
// regardless").
func (m *Mailbox) NotifyFLR(ctx context.Context, idx vf.Idx) (acked bool) {
	if err := m.transport.SendMsg(idx, [4]uint32{uint32(msgFLRNotification), 0, 0, 0}); err != nil {
		return false
	}

	s := m.state(idx)

	deadline := time.After(flrReadyWindow)
	poll := time.NewTicker(time.Millisecond)
	defer poll.Stop()

	for {
		s.mu.Lock()
		ready := s.rcvMsgAcked
		s.mu.Unlock()

		if ready {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-poll.C:
		}
	}
}

// NotifyFLRCompletion sends FLR_NOTIFICATION_COMPLETION. Unlike the three
// grant/ready messages, completion is not followed by an ACK wait (spec.md
// §4.7 only names full-access grant, RAS-ready, and init-data-ready as
// ACK-waited sends).
func (m *Mailbox) NotifyFLRCompletion(idx vf.Idx) {
	_ = m.transport.SendMsg(idx, [4]uint32{uint32(msgFLRNotificationCompletion), 0, 0, 0})
}

// SaveState snapshots idx's ACK count across an FLR so it can be restored
// (amdgv_mailbox_save_state/restore_state).
func (m *Mailbox) SaveState(idx vf.Idx) {
	s := m.state(idx)
	s.mu.Lock()
	s.savedAckCount = s.rcvAckCount
	s.rcvMsgAcked = false
	s.mu.Unlock()
}

// RestoreState restores idx's ACK count saved by SaveState.
func (m *Mailbox) RestoreState(idx vf.Idx) {
	s := m.state(idx)
	s.mu.Lock()
	s.rcvAckCount = s.savedAckCount
	s.mu.Unlock()
}

// Info reports idx's mailbox bookkeeping for the dump_sriov_msg consumer
// bridge: whether the VF is marked available, the last outgoing message's
// acked state, and the stored ACK count. No message path increments that
// count; only SaveState/RestoreState change it.
// VF2PFInfo/PF2VFInfo report the get_vf2pf_info/get_pf2vf_info structs.
func (m *Mailbox) Info(idx vf.Idx) (available bool, acked bool, ackCount uint32) {
	s := m.state(idx)
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.available, s.rcvMsgAcked, s.rcvAckCount
}

const (
	msgReadyToAccessGPU         = 0x100
	msgRasReady                 = 0x101
	msgInitDataReady            = 0x102
	msgFLRNotification          = 0x103
	msgFLRNotificationCompletion = 0x104

	ackTimeout     = 100 * time.Millisecond
	flrReadyWindow = 500 * time.Millisecond
)
