package par

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestFor_CoversEveryIndexOnce(t *testing.T) {
	for _, n := range []int{0, 1, 1023, 1024, 5000, 70001} {
		hits := make([]int32, n)
		err := For(context.Background(), n, 7, func(lo, hi int) error {
			for i := lo; i < hi; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("n=%d: index %d visited %d times", n, i, h)
			}
		}
	}
}

func TestFor_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := For(context.Background(), 10000, 4, func(lo, hi int) error {
		if lo == 0 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestWorkersDefault(t *testing.T) {
	if Workers(0) < 1 {
		t.Fatalf("expected at least one worker")
	}
	if Workers(3) != 3 {
		t.Fatalf("explicit worker count not honored")
	}
}
