//go:build lockrank

package lockrank

import "testing"

func TestAcquireInRankOrderSucceeds(t *testing.T) {
	t.Parallel()

	outer := New(RankAPI)
	inner := New(RankEventThread)

	outer.Acquire(1)
	inner.Acquire(1)
	inner.Release(1)
	outer.Release(1)
}

func TestAcquireOutOfRankOrderPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("Acquire out of rank order did not panic")
		}
	}()

	inner := New(RankGuardQueue)
	outer := New(RankAPI)

	inner.Acquire(2)
	outer.Acquire(2)
}
