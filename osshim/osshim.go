// Package osshim defines the OS abstraction layer the core scheduler
// consumes (spec.md §6.1): PCI/MMIO/DMA accessors, locks, threads, timers,
// timestamps, SR-IOV capability walk, interrupt registration, and random
// bytes. The ~150-name function-pointer table described in the spec is
// modeled here as a small set of Go interfaces — one per concern — rather
// than 150 raw function pointers, since Go's interface dispatch already
// gives the "swap the implementation" property the table exists for.
package osshim

import (
	"context"
	"errors"
	"time"
)

// ErrMissingRequired is returned by Init when the shim lacks a capability
// the core cannot run without. The only such capability is Printer — every
// other interface is optional and its absence is merely logged.
var ErrMissingRequired = errors.New("osshim: required capability missing")

// Clock provides monotonic and UTC timestamps in microseconds, matching the
// granularity every timeout and time_log field in the spec is expressed in.
type Clock interface {
	NowUS() uint64
	UTCNowUS() uint64
}

// Printer is the one capability Init refuses to start without — the shim's
// diagnostic sink (stands in for the driver's `print` callback).
type Printer interface {
	Printf(format string, args ...any)
}

// MMIO provides sized register accessors for one BAR region.
type MMIO interface {
	Read8(off uint64) (uint8, error)
	Read16(off uint64) (uint16, error)
	Read32(off uint64) (uint32, error)
	Read64(off uint64) (uint64, error)
	Write8(off uint64, v uint8) error
	Write16(off uint64, v uint16) error
	Write32(off uint64, v uint32) error
	Write64(off uint64, v uint64) error
}

// DMA allocates coherent, bus-addressable memory for firmware command
// buffers and mailbox scratch areas.
type DMA interface {
	AllocCoherent(size int) (busAddr uint64, mem []byte, err error)
	FreeCoherent(busAddr uint64, mem []byte)
}

// PCI provides config-space access and SR-IOV control.
type PCI interface {
	ConfigRead32(offset int) (uint32, error)
	ConfigWrite32(offset int, v uint32) error
	SRIOVEnable(numVFs int) error
	SRIOVDisable() error
	ExtCapabilityOffset(capID uint16) (int, bool)
}

// IRQ registers interrupt bottom-halves.
type IRQ interface {
	Register(vector int, handler func()) error
	Unregister(vector int) error
	ScheduleBottomHalf(fn func())
}

// Random supplies cryptographically uninteresting random bytes for
// diagnostic IDs; not used for anything security-sensitive.
type Random interface {
	Read(p []byte) (int, error)
}

// Sleeper provides blocking waits the worker uses for bounded firmware and
// guest-ACK timeouts (spec.md §5's "suspension points").
type Sleeper interface {
	SleepUS(us uint64)
	// WaitContext blocks until ctx is done or timeout elapses, returning
	// ctx.Err() in the former case and context.DeadlineExceeded in the
	// latter — the two ways every bounded firmware wait in this core can
	// give up.
	WaitContext(ctx context.Context, timeout time.Duration) error
}

// Shim aggregates every optional capability plus the one required one.
// A concrete adapter is built against one Shim; osshim/linux.go and
// osshim/sim.go provide two implementations.
type Shim struct {
	Printer Printer // required

	Clock   Clock
	MMIO    func(bar int) (MMIO, error)
	DMA     DMA
	PCI     PCI
	IRQ     IRQ
	Random  Random
	Sleeper Sleeper
}

// knownOptional lists the optional capability names logged when absent,
// standing in for the spec's ~150-name stable-order table.
var knownOptional = []string{"Clock", "MMIO", "DMA", "PCI", "IRQ", "Random", "Sleeper"}

// Init validates a Shim the way spec.md §6.1 describes: refuse to load if
// the printer is missing, warn for every other missing optional function.
func Init(s *Shim) error {
	if s == nil || s.Printer == nil {
		return ErrMissingRequired
	}

	if s.Clock == nil {
		s.Printer.Printf("osshim: optional capability missing: Clock")
	}

	if s.MMIO == nil {
		s.Printer.Printf("osshim: optional capability missing: MMIO")
	}

	if s.DMA == nil {
		s.Printer.Printf("osshim: optional capability missing: DMA")
	}

	if s.PCI == nil {
		s.Printer.Printf("osshim: optional capability missing: PCI")
	}

	if s.IRQ == nil {
		s.Printer.Printf("osshim: optional capability missing: IRQ")
	}

	if s.Random == nil {
		s.Printer.Printf("osshim: optional capability missing: Random")
	}

	if s.Sleeper == nil {
		s.Printer.Printf("osshim: optional capability missing: Sleeper")
	}

	return nil
}

// KnownOptionalCapabilities returns the stable-order name list used for
// Init's missing-capability warnings.
func KnownOptionalCapabilities() []string {
	out := make([]string, len(knownOptional))
	copy(out, knownOptional)

	return out
}
