//go:build linux

package osshim

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sys/unix"
)

// LinuxClock is the reference Clock backed by CLOCK_MONOTONIC / CLOCK_REALTIME,
// directly grounded in the teacher's own reach for golang.org/x/sys/unix over
// bare syscall numbers (machine/debug_amd64.go).
type LinuxClock struct{}

func (LinuxClock) NowUS() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}

	return uint64(ts.Sec)*1_000_000 + uint64(ts.Nsec)/1000
}

func (LinuxClock) UTCNowUS() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return 0
	}

	return uint64(ts.Sec)*1_000_000 + uint64(ts.Nsec)/1000
}

// LinuxSleeper implements Sleeper with unix.Nanosleep and a context-aware
// timer for bounded waits.
type LinuxSleeper struct{}

func (LinuxSleeper) SleepUS(us uint64) {
	ts := unix.NsecToTimespec(int64(us) * 1000)
	for {
		var rem unix.Timespec
		if err := unix.Nanosleep(&ts, &rem); err != nil {
			if err == unix.EINTR {
				ts = rem

				continue
			}
		}

		return
	}
}

func (LinuxSleeper) WaitContext(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return context.DeadlineExceeded
	}
}

// LinuxPrinter forwards to the standard logger, matching the teacher's own
// preference for stdlib log over any logging library (vmm/vmm.go).
type LinuxPrinter struct{}

func (LinuxPrinter) Printf(format string, args ...any) {
	log.Printf(format, args...)
}

// LinuxMMIOBAR memory-maps a PCI BAR resource file via unix.Mmap and
// exposes it through the MMIO interface using golang.org/x/sys/unix's
// little-endian helpers.
type LinuxMMIOBAR struct {
	mem []byte
}

// NewLinuxMMIOBAR maps size bytes of fd starting at offset 0.
func NewLinuxMMIOBAR(fd int, size int) (*LinuxMMIOBAR, error) {
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap bar: %w", err)
	}

	return &LinuxMMIOBAR{mem: mem}, nil
}

func (b *LinuxMMIOBAR) Close() error {
	return unix.Munmap(b.mem)
}

func (b *LinuxMMIOBAR) bound(off uint64, width int) error {
	if off+uint64(width) > uint64(len(b.mem)) {
		return fmt.Errorf("mmio access out of range: off=%#x width=%d size=%d", off, width, len(b.mem))
	}

	return nil
}

func (b *LinuxMMIOBAR) Read8(off uint64) (uint8, error) {
	if err := b.bound(off, 1); err != nil {
		return 0, err
	}

	return b.mem[off], nil
}

func (b *LinuxMMIOBAR) Read16(off uint64) (uint16, error) {
	if err := b.bound(off, 2); err != nil {
		return 0, err
	}

	return uint16(b.mem[off]) | uint16(b.mem[off+1])<<8, nil
}

func (b *LinuxMMIOBAR) Read32(off uint64) (uint32, error) {
	if err := b.bound(off, 4); err != nil {
		return 0, err
	}

	v := uint32(0)
	for i := 0; i < 4; i++ {
		v |= uint32(b.mem[off+uint64(i)]) << (8 * i)
	}

	return v, nil
}

func (b *LinuxMMIOBAR) Read64(off uint64) (uint64, error) {
	if err := b.bound(off, 8); err != nil {
		return 0, err
	}

	v := uint64(0)
	for i := 0; i < 8; i++ {
		v |= uint64(b.mem[off+uint64(i)]) << (8 * i)
	}

	return v, nil
}

func (b *LinuxMMIOBAR) Write8(off uint64, v uint8) error {
	if err := b.bound(off, 1); err != nil {
		return err
	}

	b.mem[off] = v

	return nil
}

func (b *LinuxMMIOBAR) Write16(off uint64, v uint16) error {
	if err := b.bound(off, 2); err != nil {
		return err
	}

	b.mem[off] = byte(v)
	b.mem[off+1] = byte(v >> 8)

	return nil
}

func (b *LinuxMMIOBAR) Write32(off uint64, v uint32) error {
	if err := b.bound(off, 4); err != nil {
		return err
	}

	for i := 0; i < 4; i++ {
		b.mem[off+uint64(i)] = byte(v >> (8 * i))
	}

	return nil
}

func (b *LinuxMMIOBAR) Write64(off uint64, v uint64) error {
	if err := b.bound(off, 8); err != nil {
		return err
	}

	for i := 0; i < 8; i++ {
		b.mem[off+uint64(i)] = byte(v >> (8 * i))
	}

	return nil
}
