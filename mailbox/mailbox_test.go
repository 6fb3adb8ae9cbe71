package mailbox_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mxgpuhv/gvcore/event"
	"github.com/mxgpuhv/gvcore/guard"
	"github.com/mxgpuhv/gvcore/mailbox"
	"github.com/mxgpuhv/gvcore/vf"
)

type fakeTransport struct {
	mu      sync.Mutex
	pending map[vf.Idx][4]uint32
	acked   map[vf.Idx]bool
	sent    map[vf.Idx][4]uint32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		pending: make(map[vf.Idx][4]uint32),
		acked:   make(map[vf.Idx]bool),
		sent:    make(map[vf.Idx][4]uint32),
	}
}

func (f *fakeTransport) post(idx vf.Idx, msg [4]uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[idx] = msg
}

func (f *fakeTransport) RecvMsg(idx vf.Idx) ([4]uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	msg, ok := f.pending[idx]
	if ok {
		delete(f.pending, idx)
	}

	return msg, ok
}

func (f *fakeTransport) SendMsg(idx vf.Idx, msg [4]uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[idx] = msg

	return nil
}

func (f *fakeTransport) AckPending(idx vf.Idx) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.acked[idx]
}

func (f *fakeTransport) ack(idx vf.Idx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[idx] = true
}

type fixedClock struct{}

func (fixedClock) NowUS() uint64 { return 1 }

func TestPollDecodesReqGPUInit(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	gt := guard.NewTable()

	d := &capturingDispatcher{}
	p := event.New(fixedClock{}, noopGuard{}, d)

	mb := mailbox.New(tr, gt, p, fixedClock{})
	mb.MarkAvailable(vf.Idx(0), true)
	tr.post(vf.Idx(0), [4]uint32{uint32(mailbox.IDHReqGPUInit), 0, 0, 0})

	mb.Poll(nil)

	p.Start()
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.handled) != 1 || d.handled[0] != event.ReqGPUInit {
		t.Fatalf("expected a single REQ_GPU_INIT, got %v", d.handled)
	}
}

func TestPollIgnoresUnavailableVF(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	gt := guard.NewTable()
	d := &capturingDispatcher{}
	p := event.New(fixedClock{}, noopGuard{}, d)

	mb := mailbox.New(tr, gt, p, fixedClock{})
	tr.post(vf.Idx(2), [4]uint32{uint32(mailbox.IDHReqGPUInit), 0, 0, 0})

	mb.Poll(nil)

	if err := p.QueueEvent(vf.Idx(0), event.SchedGPUMon, vf.BlockAll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Start()
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range d.handled {
		if id == event.ReqGPUInit {
			t.Fatalf("expected no REQ_GPU_INIT from an unavailable VF, got %v", d.handled)
		}
	}
}

func TestNotifyReadyToAccessGPUWaitsForAck(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	gt := guard.NewTable()
	d := &capturingDispatcher{}
	p := event.New(fixedClock{}, noopGuard{}, d)
	mb := mailbox.New(tr, gt, p, fixedClock{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.ack(vf.Idx(0))
	}()

	if err := mb.NotifyReadyToAccessGPU(context.Background(), vf.Idx(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNotifyFLRProceedsRegardlessOfAck(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	gt := guard.NewTable()
	d := &capturingDispatcher{}
	p := event.New(fixedClock{}, noopGuard{}, d)
	mb := mailbox.New(tr, gt, p, fixedClock{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if acked := mb.NotifyFLR(ctx, vf.Idx(0)); acked {
		t.Fatal("expected no ack to have arrived")
	}
}

type capturingDispatcher struct {
	mu      sync.Mutex
	handled []event.ID
}

func (d *capturingDispatcher) FullAccessHolder() vf.Idx { return vf.Invalid }

func (d *capturingDispatcher) Handle(ctx context.Context, ev *event.Event) event.Result {
	d.mu.Lock()
	d.handled = append(d.handled, ev.ID)
	d.mu.Unlock()

	return event.Continue
}

func (d *capturingDispatcher) CheckFullAccessDeadlines(ctx context.Context) {}

type noopGuard struct{}

func (noopGuard) Unrecoverable() bool                            { return false }
func (noopGuard) BumpExclusiveMod(vf.Idx, uint64) error          { return nil }
func (noopGuard) ExclusiveTimeoutFull(vf.Idx) bool               { return false }
func (noopGuard) BumpFLR(vf.Idx, uint64) error                   { return nil }
