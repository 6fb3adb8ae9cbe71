package cper_test

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/mxgpuhv/gvcore/ras/cper"
)

func TestNewHeaderDecomposesBCDTimestamp(t *testing.T) {
	t.Parallel()

	h := cper.NewHeader(cper.TypeFatal, cper.SeverityFatal, 1, 7, time.Date(2026, time.March, 5, 13, 45, 9, 0, time.UTC))

	if h.Century != 0x20 || h.Year != 0x26 {
		t.Fatalf("expected century=0x20 year=0x26, got century=%#x year=%#x", h.Century, h.Year)
	}

	if h.Month != 0x03 || h.Day != 0x05 {
		t.Fatalf("expected month=0x03 day=0x05, got month=%#x day=%#x", h.Month, h.Day)
	}

	if h.Hour != 0x13 || h.Minute != 0x45 || h.Second != 0x09 {
		t.Fatalf("unexpected time fields: %+v", h)
	}
}

func TestMarshalRoundTripsWithoutOverflow(t *testing.T) {
	t.Parallel()

	rec := cper.Record{
		Header: cper.NewHeader(cper.TypeFatal, cper.SeverityFatal, 1, 1, time.Now()),
		Fatal:  []cper.FatalSection{{BankIdx: 3, Status: 0xdead}},
	}

	data, err := rec.Marshal()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(data) == 0 {
		t.Fatal("expected non-empty record bytes")
	}

	if got := binary.LittleEndian.Uint32(data[4:8]); got != uint32(len(data)) {
		t.Fatalf("expected record_length=%d, got %d", len(data), got)
	}
}

type memMirror struct {
	persisted map[uint64][]byte
}

func (m *memMirror) PersistCPER(wptr uint64, data []byte) error {
	if m.persisted == nil {
		m.persisted = make(map[uint64][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.persisted[wptr] = cp

	return nil
}

func TestRingOverwritesOldestWhenFull(t *testing.T) {
	t.Parallel()

	mirror := &memMirror{}
	r := cper.NewRing(4, mirror)

	for i := 0; i < 6; i++ {
		rec := cper.Record{Header: cper.NewHeader(cper.TypeRuntime, cper.SeverityInformational, 0, r.NextUID(), time.Now())}
		if err := r.Commit(rec); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	if r.Count() != 4 {
		t.Fatalf("expected ring capped at 4, got %d", r.Count())
	}

	entries, wptr, overflow := r.GetEntries(0)
	if wptr != 6 {
		t.Fatalf("expected wptr=6, got %d", wptr)
	}

	if overflow != 2 {
		t.Fatalf("expected overflow_count=2 for a reader stuck at rptr=0, got %d", overflow)
	}

	if len(entries) != 4 {
		t.Fatalf("expected 4 readable entries, got %d", len(entries))
	}

	if len(mirror.persisted) != 6 {
		t.Fatalf("expected every commit mirrored, got %d", len(mirror.persisted))
	}
}

func TestGetEntriesWithinWindowHasNoOverflow(t *testing.T) {
	t.Parallel()

	r := cper.NewRing(4, nil)

	for i := 0; i < 3; i++ {
		rec := cper.Record{Header: cper.NewHeader(cper.TypeRuntime, cper.SeverityInformational, 0, r.NextUID(), time.Now())}
		if err := r.Commit(rec); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	entries, _, overflow := r.GetEntries(0)
	if overflow != 0 {
		t.Fatalf("expected no overflow, got %d", overflow)
	}

	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
}

func TestNextUIDIsMonotonic(t *testing.T) {
	t.Parallel()

	r := cper.NewRing(4, nil)

	prev := uint64(0)
	for i := 0; i < 5; i++ {
		uid := r.NextUID()
		if uid <= prev {
			t.Fatalf(fmt.Sprintf("expected monotonic uid, got %d after %d", uid, prev))
		}
		prev = uid
	}
}
