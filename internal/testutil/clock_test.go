package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_StartsAtEpoch(t *testing.T) {
	c := NewFakeClock(time.Time{})
	assert.Equal(t, DefaultEpoch, c.Now())
}

func TestFakeClock_DoesNotMoveOnItsOwn(t *testing.T) {
	c := NewFakeClock(time.Time{})
	first := c.Now()
	time.Sleep(time.Millisecond)
	assert.Equal(t, first, c.Now())
}

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	c := NewFakeClock(time.Time{})

	got := c.Advance(90 * time.Second)
	assert.Equal(t, DefaultEpoch.Add(90*time.Second), got)
	assert.Equal(t, got, c.Now())

	target := time.Date(2030, 6, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	c.Set(target)
	assert.Equal(t, time.UTC, c.Now().Location())
	assert.True(t, target.Equal(c.Now()))
}

func TestFakeClock_ConcurrentAdvance(t *testing.T) {
	c := NewFakeClock(time.Time{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, DefaultEpoch.Add(50*time.Second), c.Now())
}
