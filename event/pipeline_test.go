package event_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mxgpuhv/gvcore/event"
	"github.com/mxgpuhv/gvcore/vf"
)

type fakeClock struct {
	mu  sync.Mutex
	now uint64
}

func (c *fakeClock) NowUS() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now++

	return c.now
}

type fakeGuard struct {
	rejectExclusiveMod  bool
	rejectFLR           bool
	unrecoverable       bool
	exclusiveTimeoutFull bool
}

func (g *fakeGuard) Unrecoverable() bool { return g.unrecoverable }

func (g *fakeGuard) BumpExclusiveMod(vf.Idx, uint64) error {
	if g.rejectExclusiveMod {
		return errors.New("rejected")
	}

	return nil
}

func (g *fakeGuard) ExclusiveTimeoutFull(vf.Idx) bool { return g.exclusiveTimeoutFull }

func (g *fakeGuard) BumpFLR(vf.Idx, uint64) error {
	if g.rejectFLR {
		return errors.New("rejected")
	}

	return nil
}

// recordingDispatcher records every handled id and captures the context the
// pipeline passes in, so tests can attempt a recursive wait from "inside"
// the worker the way a real handler accidentally could.
type recordingDispatcher struct {
	mu         sync.Mutex
	handled    []event.ID
	holder     vf.Idx
	onHandle   func(ctx context.Context, ev *event.Event)
}

func (d *recordingDispatcher) FullAccessHolder() vf.Idx { return d.holder }

func (d *recordingDispatcher) Handle(ctx context.Context, ev *event.Event) event.Result {
	d.mu.Lock()
	d.handled = append(d.handled, ev.ID)
	d.mu.Unlock()

	if d.onHandle != nil {
		d.onHandle(ctx, ev)
	}

	return event.Continue
}

func (d *recordingDispatcher) CheckFullAccessDeadlines(ctx context.Context) {}

func newTestPipeline(d *recordingDispatcher) (*event.Pipeline, *fakeGuard) {
	g := &fakeGuard{}
	p := event.New(&fakeClock{}, g, d)

	return p, g
}

func TestQueueBoundRejects257th(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(&recordingDispatcher{holder: vf.Invalid})

	for i := 0; i < event.QueueEntryNum; i++ {
		if err := p.QueueEvent(vf.Idx(0), event.SchedGPUMon, vf.BlockAll); err != nil {
			t.Fatalf("event %d: unexpected error: %v", i, err)
		}
	}

	if err := p.QueueEvent(vf.Idx(0), event.SchedGPUMon, vf.BlockAll); !errors.Is(err, event.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull on 257th event, got %v", err)
	}
}

func TestRecursiveWaitRejected(t *testing.T) {
	t.Parallel()

	capturedCtx := make(chan context.Context, 1)
	d := &recordingDispatcher{
		holder: vf.Invalid,
		onHandle: func(ctx context.Context, ev *event.Event) {
			select {
			case capturedCtx <- ctx:
			default:
			}
		},
	}

	p, _ := newTestPipeline(d)
	p.Start()
	defer p.Stop()

	if err := p.QueueEvent(vf.Idx(0), event.SchedGPUMon, vf.BlockAll); err != nil {
		t.Fatalf("queue: %v", err)
	}

	select {
	case ctx := <-capturedCtx:
		_, err := p.QueueEventAndWaitEx(ctx, vf.Idx(0), event.ReqGPUInit, vf.BlockAll, nil)
		if !errors.Is(err, event.ErrRecursiveWait) {
			t.Fatalf("expected ErrRecursiveWait, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatcher context")
	}
}

func TestDedupCollapsesOlderEntryAndSkipsItsWaiter(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{holder: vf.Invalid}
	p, _ := newTestPipeline(d)

	results := make(chan bool, 2)

	go func() {
		skipped, _ := waitFor(p, vf.Idx(3), event.ReqGPUInit)
		results <- skipped
	}()

	// Give the first goroutine a head start so it enqueues before the
	// second, deterministically making it the "older" entry to collapse.
	time.Sleep(20 * time.Millisecond)

	go func() {
		skipped, _ := waitFor(p, vf.Idx(3), event.ReqGPUInit)
		results <- skipped
	}()

	p.Start()
	defer p.Stop()

	first := <-results
	second := <-results

	if first == second {
		t.Fatalf("expected exactly one of the two duplicate waiters to be skipped, got first=%v second=%v", first, second)
	}
}

func waitFor(p *event.Pipeline, idx vf.Idx, id event.ID) (bool, error) {
	return p.QueueEventAndWaitEx(context.Background(), idx, id, vf.BlockAll, nil)
}

func TestStaleEventsMarkedFinishedAfterWGR(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{holder: vf.Invalid}
	p, _ := newTestPipeline(d)

	done := make(chan bool, 1)

	go func() {
		skipped, _ := waitFor(p, vf.Idx(1), event.ReqGPUInit)
		done <- skipped
	}()

	time.Sleep(20 * time.Millisecond)

	p.MarkStaleAfterWGR()
	p.Start()
	defer p.Stop()

	select {
	case skipped := <-done:
		if !skipped {
			t.Fatal("expected the stale REQ_GPU_INIT to complete as skipped")
		}
	case <-time.After(time.Second):
		t.Fatal("stale REQ_GPU_INIT never completed")
	}
}

func TestGuardRejectionPreventsQueueing(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{holder: vf.Invalid}
	p, g := newTestPipeline(d)
	g.rejectExclusiveMod = true

	if err := p.QueueEvent(vf.Idx(0), event.ReqGPUInit, vf.BlockAll); !errors.Is(err, event.ErrGuardRejected) {
		t.Fatalf("expected ErrGuardRejected, got %v", err)
	}
}

func TestUnrecoverableRejectsNonWhitelisted(t *testing.T) {
	t.Parallel()

	d := &recordingDispatcher{holder: vf.Invalid}
	p, g := newTestPipeline(d)
	g.unrecoverable = true

	if err := p.QueueEvent(vf.Idx(0), event.ReqGPUInit, vf.BlockAll); !errors.Is(err, event.ErrUnrecoverable) {
		t.Fatalf("expected ErrUnrecoverable, got %v", err)
	}

	if err := p.QueueEvent(vf.Idx(0), event.SchedGPUMon, vf.BlockAll); err != nil {
		t.Fatalf("whitelisted event should still queue, got %v", err)
	}
}
