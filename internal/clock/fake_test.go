package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealcollab/internal/clock"
)

func TestFakeAfterFunc(t *testing.T) {
	start := time.Unix(1000, 0)
	c := clock.NewFake(start)

	var firedAt []time.Time
	c.AfterFunc(300*time.Millisecond, func() { firedAt = append(firedAt, c.Now()) })
	c.AfterFunc(100*time.Millisecond, func() { firedAt = append(firedAt, c.Now()) })
	stopped := c.AfterFunc(200*time.Millisecond, func() { t.Fatal("stopped timer fired") })
	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())

	c.Advance(250 * time.Millisecond)
	require.Len(t, firedAt, 1)
	assert.Equal(t, start.Add(100*time.Millisecond), firedAt[0])

	c.Advance(50 * time.Millisecond)
	require.Len(t, firedAt, 2)
	assert.Equal(t, start.Add(300*time.Millisecond), firedAt[1])
	assert.Equal(t, 0, c.Waiters())
}

func TestFakeAfterFuncRearmFromCallback(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	count := 0
	var arm func()
	arm = func() {
		c.AfterFunc(time.Second, func() {
			count++
			if count < 3 {
				arm()
			}
		})
	}
	arm()
	c.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}

func TestFakeTicker(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	c.Advance(time.Second)
	select {
	case <-tk.C:
	default:
		t.Fatal("expected tick")
	}

	// Ticks beyond the channel capacity are dropped.
	c.Advance(3 * time.Second)
	<-tk.C
	select {
	case <-tk.C:
		t.Fatal("unexpected buffered tick")
	default:
	}
}
