package timeutil

import (
	"sync"
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	before := time.Now()
	got := RealClock{}.Now()
	if got.Before(before) || got.After(time.Now()) {
		t.Errorf("RealClock.Now() = %v, outside [%v, now]", got, before)
	}
}

func TestMockClock(t *testing.T) {
	epoch := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(epoch)
	if !c.Now().Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", c.Now(), epoch)
	}

	c.Advance(1500 * time.Millisecond)
	if want := epoch.Add(1500 * time.Millisecond); !c.Now().Equal(want) {
		t.Errorf("after Advance, Now() = %v, want %v", c.Now(), want)
	}

	// Host clocks can step backwards; the mock must allow it.
	back := epoch.Add(-time.Hour)
	c.Set(back)
	if !c.Now().Equal(back) {
		t.Errorf("after Set, Now() = %v, want %v", c.Now(), back)
	}
}

func TestMockClock_Concurrent(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Advance(time.Millisecond)
				_ = c.Now()
			}
		}()
	}
	wg.Wait()
	if got := c.Now().Sub(time.Unix(0, 0)); got != 800*time.Millisecond {
		t.Errorf("elapsed = %v, want 800ms", got)
	}
}

var _ Clock = RealClock{}
var _ Clock = (*MockClock)(nil)
