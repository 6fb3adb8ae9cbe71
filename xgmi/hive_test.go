package xgmi_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mxgpuhv/gvcore/xgmi"
)

type fakeMember struct {
	name string
	err  error
	mu   *sync.Mutex
	ran  *bool
}

func (m *fakeMember) Name() string { return m.name }

func (m *fakeMember) LocalWholeGPUReset(ctx context.Context) error {
	m.mu.Lock()
	*m.ran = true
	m.mu.Unlock()

	return m.err
}

func TestRunChainResetRunsRequesterAndAllMembers(t *testing.T) {
	t.Parallel()

	h := xgmi.NewHive()

	var mu sync.Mutex
	ranA, ranB := false, false
	h.Join(&fakeMember{name: "a", mu: &mu, ran: &ranA})
	h.Join(&fakeMember{name: "b", mu: &mu, ran: &ranB})

	requesterRan := false
	err := h.RunChainReset(context.Background(), func(ctx context.Context) error {
		requesterRan = true

		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !requesterRan || !ranA || !ranB {
		t.Fatalf("expected requester and all members to run: requester=%v a=%v b=%v", requesterRan, ranA, ranB)
	}

	if h.Bad() {
		t.Fatal("hive should not be marked bad on success")
	}
}

func TestRunChainResetMarksHiveBadOnMemberFailure(t *testing.T) {
	t.Parallel()

	h := xgmi.NewHive()

	var mu sync.Mutex
	ran := false
	h.Join(&fakeMember{name: "bad-peer", err: errors.New("reset failed"), mu: &mu, ran: &ran})

	err := h.RunChainReset(context.Background(), func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error")
	}

	if !h.Bad() {
		t.Fatal("expected hive marked bad after a member failure")
	}
}

func TestBadHiveRefusesFurtherResets(t *testing.T) {
	t.Parallel()

	h := xgmi.NewHive()

	var mu sync.Mutex
	ran := false
	h.Join(&fakeMember{name: "bad-peer", err: errors.New("fail"), mu: &mu, ran: &ran})

	_ = h.RunChainReset(context.Background(), func(ctx context.Context) error { return nil })

	if err := h.RunChainReset(context.Background(), func(ctx context.Context) error { return nil }); !errors.Is(err, xgmi.ErrBadHive) {
		t.Fatalf("expected ErrBadHive, got %v", err)
	}
}

func TestInHiveReflectsMemberCount(t *testing.T) {
	t.Parallel()

	h := xgmi.NewHive()
	if h.InHive() {
		t.Fatal("expected a hive with zero members not to count as multi-node")
	}

	var mu sync.Mutex
	ran := false
	h.Join(&fakeMember{name: "only-peer", mu: &mu, ran: &ran})

	if !h.InHive() {
		t.Fatal("expected a hive with one peer (plus the requester) to count as multi-node")
	}
}

func TestAcceptBroadcastDropsStaleRequest(t *testing.T) {
	t.Parallel()

	h := xgmi.NewHive()

	err := h.AcceptBroadcast(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, xgmi.ErrOrphanChainReset) {
		t.Fatalf("expected ErrOrphanChainReset when no chain reset is in progress, got %v", err)
	}
}
