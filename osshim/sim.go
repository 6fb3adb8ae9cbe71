package osshim

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

// SimClock is an in-memory Clock for tests and the CLI demo: it never
// touches a real timer unless explicitly advanced, so tests are
// deterministic — analogous to how iodev/*.go gives the teacher pure
// software devices distinct from the real kvm/*.go ioctl path.
type SimClock struct {
	mu  sync.Mutex
	now uint64
}

// NewSimClock returns a clock starting at t0 microseconds.
func NewSimClock(t0 uint64) *SimClock {
	return &SimClock{now: t0}
}

func (c *SimClock) NowUS() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *SimClock) UTCNowUS() uint64 {
	return c.NowUS()
}

// Advance moves the clock forward by us microseconds.
func (c *SimClock) Advance(us uint64) {
	c.mu.Lock()
	c.now += us
	c.mu.Unlock()
}

// Set pins the clock to an absolute value.
func (c *SimClock) Set(us uint64) {
	c.mu.Lock()
	c.now = us
	c.mu.Unlock()
}

// SimPrinter collects printed lines instead of writing to stderr, so tests
// can assert on diagnostic output.
type SimPrinter struct {
	mu    sync.Mutex
	Lines []string
}

func (p *SimPrinter) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Lines = append(p.Lines, fmt.Sprintf(format, args...))
}

// SimSleeper never actually sleeps — SleepUS is a no-op and WaitContext
// returns immediately unless ctx is already done, matching the worker-under-
// test need to run without wall-clock delay.
type SimSleeper struct{}

func (SimSleeper) SleepUS(uint64) {}

func (SimSleeper) WaitContext(ctx context.Context, _ time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// SimMMIO is a plain byte-slice-backed MMIO region for tests.
type SimMMIO struct {
	mem []byte
}

func NewSimMMIO(size int) *SimMMIO {
	return &SimMMIO{mem: make([]byte, size)}
}

func (m *SimMMIO) Read8(off uint64) (uint8, error)  { return m.mem[off], nil }
func (m *SimMMIO) Write8(off uint64, v uint8) error { m.mem[off] = v; return nil }

func (m *SimMMIO) Read16(off uint64) (uint16, error) {
	return uint16(m.mem[off]) | uint16(m.mem[off+1])<<8, nil
}

func (m *SimMMIO) Write16(off uint64, v uint16) error {
	m.mem[off], m.mem[off+1] = byte(v), byte(v>>8)

	return nil
}

func (m *SimMMIO) Read32(off uint64) (uint32, error) {
	v := uint32(0)
	for i := 0; i < 4; i++ {
		v |= uint32(m.mem[off+uint64(i)]) << (8 * i)
	}

	return v, nil
}

func (m *SimMMIO) Write32(off uint64, v uint32) error {
	for i := 0; i < 4; i++ {
		m.mem[off+uint64(i)] = byte(v >> (8 * i))
	}

	return nil
}

func (m *SimMMIO) Read64(off uint64) (uint64, error) {
	v := uint64(0)
	for i := 0; i < 8; i++ {
		v |= uint64(m.mem[off+uint64(i)]) << (8 * i)
	}

	return v, nil
}

func (m *SimMMIO) Write64(off uint64, v uint64) error {
	for i := 0; i < 8; i++ {
		m.mem[off+uint64(i)] = byte(v >> (8 * i))
	}

	return nil
}

// SimRandom wraps crypto/rand for deterministic-enough test IDs.
type SimRandom struct{}

func (SimRandom) Read(p []byte) (int, error) { return rand.Read(p) }

// NewSimShim builds an in-memory Shim for tests with Printer, Clock, Sleeper
// and Random set; MMIO, DMA, PCI and IRQ are left nil.
func NewSimShim() *Shim {
	printer := &SimPrinter{}

	return &Shim{
		Printer: printer,
		Clock:   NewSimClock(0),
		Sleeper: SimSleeper{},
		Random:  SimRandom{},
	}
}
