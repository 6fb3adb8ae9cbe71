// Package event implements the serialized event pipeline (component C6):
// a fixed-size ring buffer, six priority-ordered lists, de-duplication on
// insertion, and a single worker goroutine that drains them.
//
// The worker's lifecycle is supervised with gopkg.in/tomb.v2 rather than a
// bare sync.WaitGroup + channel, because it has several independent
// blocking waits (mailbox ACK, firmware timeouts, XGMI barrier) that must
// all unwind cleanly on Stop or a fatal adapter transition — see
// DESIGN.md's event-pipeline entry.
package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/mxgpuhv/gvcore/vf"
)

// QueueEntryNum is the fixed ring-buffer capacity (spec.md §4.6, property P3).
const QueueEntryNum = 256

// ErrQueueFull is returned when the 257th concurrent event is rejected.
var ErrQueueFull = errors.New("event: queue full")

// ErrRecursiveWait is returned when queue_event_and_wait is called from
// inside the worker goroutine itself (spec.md §4.2 deadlock prevention).
var ErrRecursiveWait = errors.New("event: recursive queue_and_wait from worker goroutine")

// ErrGuardRejected wraps a guard rejection observed at insertion time.
var ErrGuardRejected = errors.New("event: guard rejected")

// ErrUnrecoverable is returned when a non-whitelisted event is queued while
// the adapter has an unrecoverable error latched.
var ErrUnrecoverable = errors.New("event: adapter unrecoverable, event rejected")

type workerCtxKey struct{}

// insideWorker returns a context that marks execution as running on the
// pipeline's own worker goroutine, used to reject recursive waits.
func insideWorker(ctx context.Context) context.Context {
	return context.WithValue(ctx, workerCtxKey{}, true)
}

func isInsideWorker(ctx context.Context) bool {
	v, _ := ctx.Value(workerCtxKey{}).(bool)

	return v
}

// Result is the action a Dispatcher's Handle returns, matching the worker
// loop contract in spec.md §4.6 step 6-8.
type Result int

const (
	// Continue signals the event completed normally: signal waiters, free it.
	Continue Result = iota
	// StopAndRelease signals the event completed but the worker should stop
	// draining lists this iteration (e.g. a reset just happened).
	StopAndRelease
	// StopAndKeep leaves the event at the head of its list to be re-picked
	// next iteration (e.g. deferred while a VF holds full access).
	StopAndKeep
)

// GuardChecker is consulted at insertion time for the sanitation rules in
// spec.md §4.2.
type GuardChecker interface {
	// Unrecoverable reports whether the adapter currently rejects all but
	// whitelisted events.
	Unrecoverable() bool
	// BumpExclusiveMod applies the EXCLUSIVE_MOD guard check.
	BumpExclusiveMod(idx vf.Idx, now uint64) error
	// ExclusiveTimeoutFull reports whether idx's EXCLUSIVE_TIMEOUT guard is FULL.
	ExclusiveTimeoutFull(idx vf.Idx) bool
	// BumpFLR applies the FLR guard check.
	BumpFLR(idx vf.Idx, now uint64) error
}

// Dispatcher processes events popped from the pipeline and tracks the
// worker-visible parts of full-access and lock_world_switch state.
type Dispatcher interface {
	// FullAccessHolder returns the VF currently holding full access, or
	// vf.Invalid if none.
	FullAccessHolder() vf.Idx
	// Handle processes ev and returns the worker's next action.
	Handle(ctx context.Context, ev *Event) Result
	// CheckFullAccessDeadlines drives the §4.5 timeout handler for any VF
	// past its deadline; called once per worker loop iteration.
	CheckFullAccessDeadlines(ctx context.Context)
}

// Clock supplies the pipeline's monotonic timestamp source.
type Clock interface {
	NowUS() uint64
}

// Pipeline is the per-adapter event pipeline.
type Pipeline struct {
	clock   Clock
	guard   GuardChecker
	dispatch Dispatcher

	mu     sync.Mutex // stands in for the spec's producer spinlock
	ring   [QueueEntryNum]*Event
	wptr   uint8
	rptr   uint8
	length int

	notify chan struct{}

	listsMu sync.Mutex
	lists   [numLists][]*Event

	lockMu          sync.Mutex
	lockWorldSwitch bool

	t tomb.Tomb
}

// New constructs a Pipeline. Start must be called to begin draining it.
func New(clock Clock, guard GuardChecker, dispatch Dispatcher) *Pipeline {
	return &Pipeline{
		clock:    clock,
		guard:    guard,
		dispatch: dispatch,
		notify:   make(chan struct{}, 1),
	}
}

func (p *Pipeline) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// sanitize applies the insertion-time rules from spec.md §4.2, in order.
func (p *Pipeline) sanitize(idx vf.Idx, id ID, now uint64) error {
	if p.guard.Unrecoverable() && !id.AllowedWhenUnrecoverable() {
		return fmt.Errorf("%w: %s", ErrUnrecoverable, id)
	}

	if id.IsExclusiveEntry() {
		if err := p.guard.BumpExclusiveMod(idx, now); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrGuardRejected, id, err)
		}
	}

	if p.guard.ExclusiveTimeoutFull(idx) {
		return fmt.Errorf("%w: %s: EXCLUSIVE_TIMEOUT guard full", ErrGuardRejected, id)
	}

	if id.IsFLRGuarded() {
		if err := p.guard.BumpFLR(idx, now); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrGuardRejected, id, err)
		}
	}

	return nil
}

func (p *Pipeline) enqueue(idx vf.Idx, id ID, block vf.SchedBlock, data Data, withSignal bool) (*Event, error) {
	now := p.clock.NowUS()

	if err := p.sanitize(idx, id, now); err != nil {
		return nil, err
	}

	ev := newEvent(idx, id, block, data, now, withSignal)

	p.mu.Lock()
	if p.length >= QueueEntryNum {
		p.mu.Unlock()

		return nil, ErrQueueFull
	}

	p.ring[p.wptr] = ev
	p.wptr++ // wraps mod 256 via uint8 overflow
	p.length++
	p.mu.Unlock()

	p.wake()

	return ev, nil
}

// QueueEvent is the fire-and-forget entry point.
func (p *Pipeline) QueueEvent(idx vf.Idx, id ID, block vf.SchedBlock) error {
	_, err := p.enqueue(idx, id, block, nil, false)

	return err
}

// QueueEventEx queues an event carrying a payload.
func (p *Pipeline) QueueEventEx(idx vf.Idx, id ID, block vf.SchedBlock, data Data) error {
	_, err := p.enqueue(idx, id, block, data, false)

	return err
}

// QueueEventAndWaitEx queues an event and blocks until the worker completes
// it. It fails immediately if called from the worker goroutine itself
// (spec.md §4.2 deadlock prevention).
func (p *Pipeline) QueueEventAndWaitEx(ctx context.Context, idx vf.Idx, id ID, block vf.SchedBlock, data Data) (skipped bool, err error) {
	if isInsideWorker(ctx) {
		return false, ErrRecursiveWait
	}

	ev, err := p.enqueue(idx, id, block, data, true)
	if err != nil {
		return false, err
	}

	return ev.Wait()
}

// distribute pops every ring entry and files it into its priority list,
// applying the de-duplication rule (spec.md §4.6 step 3 and the dedup rule).
func (p *Pipeline) distribute() {
	p.mu.Lock()
	var popped []*Event
	for p.length > 0 {
		popped = append(popped, p.ring[p.rptr])
		p.ring[p.rptr] = nil
		p.rptr++
		p.length--
	}
	p.mu.Unlock()

	if len(popped) == 0 {
		return
	}

	p.listsMu.Lock()
	defer p.listsMu.Unlock()

	for _, ev := range popped {
		list := ev.ID.List()

		if ev.ID.IsDedup() {
			kept := p.lists[list][:0]

			for _, existing := range p.lists[list] {
				if existing.ID == ev.ID && existing.IdxVF == ev.IdxVF {
					// Drop the older entry in favor of this one.
					existing.complete(true, nil)

					continue
				}

				kept = append(kept, existing)
			}

			p.lists[list] = kept
		}

		p.lists[list] = append(p.lists[list], ev)
	}
}

// popNext returns the highest-priority runnable event, honoring
// lock_world_switch, or nil if none is currently runnable.
func (p *Pipeline) popNext() *Event {
	p.listsMu.Lock()
	defer p.listsMu.Unlock()

	p.lockMu.Lock()
	locked := p.lockWorldSwitch
	p.lockMu.Unlock()

	for listIdx := 0; listIdx < numLists; listIdx++ {
		l := p.lists[listIdx]
		for i, ev := range l {
			if locked && !ev.ID.IsLockExempt() {
				continue
			}

			p.lists[listIdx] = append(l[:i:i], l[i+1:]...)

			return ev
		}
	}

	return nil
}

// requeueFront puts ev back at the head of its list (StopAndKeep).
func (p *Pipeline) requeueFront(ev *Event) {
	p.listsMu.Lock()
	defer p.listsMu.Unlock()

	l := ev.ID.List()
	p.lists[l] = append([]*Event{ev}, p.lists[l]...)
}

func (p *Pipeline) applyLockTransition(id ID) {
	if !id.SetsLock() && !id.ClearsLock() {
		return
	}

	p.lockMu.Lock()
	defer p.lockMu.Unlock()

	if id.SetsLock() {
		p.lockWorldSwitch = true
	}

	if id.ClearsLock() {
		p.lockWorldSwitch = false
	}
}

// MarkStaleAfterWGR marks every queued event in Lists 0 and 4 belonging to
// the stale set as FINISHED, both in the priority lists and in the ring not
// yet distributed; the worker then completes them as skipped
// (spec.md §4.6, property P6).
func (p *Pipeline) MarkStaleAfterWGR() {
	p.listsMu.Lock()
	defer p.listsMu.Unlock()

	for _, listIdx := range []int{0, 4} {
		for _, ev := range p.lists[listIdx] {
			if ev.ID.IsStaleAfterWGR() {
				ev.Status = StatusFinished
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, n := p.rptr, 0; n < p.length; i, n = i+1, n+1 {
		if ev := p.ring[i]; ev != nil && ev.ID.IsStaleAfterWGR() {
			ev.Status = StatusFinished
		}
	}
}

// Start launches the worker goroutine.
func (p *Pipeline) Start() {
	p.t.Go(p.run)
}

// Stop signals the worker to exit and waits for it.
func (p *Pipeline) Stop() error {
	p.t.Kill(nil)

	return p.t.Wait()
}

// Dying returns a channel closed when Stop has been requested, so long
// internal waits (mailbox ACK, firmware timeouts) can bail out early.
func (p *Pipeline) Dying() <-chan struct{} {
	return p.t.Dying()
}

func (p *Pipeline) run() error {
	ctx := insideWorker(context.Background())

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.t.Dying():
			return nil
		case <-p.notify:
		case <-ticker.C:
		}

		p.dispatch.CheckFullAccessDeadlines(ctx)
		p.distribute()
		p.drainRunnable(ctx)
	}
}

// drainRunnable pops and handles events until none remain runnable or a
// handler asks the worker to stop for this iteration.
func (p *Pipeline) drainRunnable(ctx context.Context) {
	for {
		ev := p.popNext()
		if ev == nil {
			return
		}

		if ev.Status == StatusFinished {
			ev.complete(true, nil)

			continue
		}

		p.applyLockTransition(ev.ID)

		switch p.dispatch.Handle(ctx, ev) {
		case StopAndRelease:
			ev.complete(false, nil)

			return
		case StopAndKeep:
			p.requeueFront(ev)

			return
		default:
			ev.complete(false, nil)
		}
	}
}
