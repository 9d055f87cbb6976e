package floodctrl_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/botgate/floodctrl"
)

func TestFloodControl_SingleWindow(t *testing.T) {
	fc := floodctrl.New(floodctrl.Limit{Window: time.Minute, MaxEvents: 20})
	now := time.Unix(1000, 0)

	for i := 0; i < 20; i++ {
		wait, ok := fc.Allow(now)
		require.True(t, ok, "event %d must pass", i)
		require.Zero(t, wait)
	}

	wait, ok := fc.Allow(now)
	require.False(t, ok)
	assert.Equal(t, time.Minute, wait)

	// After the window slides past the first event, one more is admitted.
	later := now.Add(61 * time.Second)
	_, ok = fc.Allow(later)
	assert.True(t, ok)
}

func TestFloodControl_TightestLimitWins(t *testing.T) {
	fc := floodctrl.New(
		floodctrl.Limit{Window: time.Minute, MaxEvents: 20},
		floodctrl.Limit{Window: time.Hour, MaxEvents: 30},
	)
	now := time.Unix(1000, 0)

	// Exhaust the hourly limit across three minutes.
	for minute := 0; minute < 3; minute++ {
		at := now.Add(time.Duration(minute) * 61 * time.Second)
		for i := 0; i < 10; i++ {
			_, ok := fc.Allow(at)
			require.True(t, ok)
		}
	}

	at := now.Add(4 * 61 * time.Second)
	wait, ok := fc.Allow(at)
	require.False(t, ok)
	// The hourly window must drain before the next event.
	assert.Greater(t, wait, 50*time.Minute)
}

func TestFloodControl_WakeupAtIdle(t *testing.T) {
	fc := floodctrl.New(floodctrl.Limit{Window: time.Second, MaxEvents: 1})
	now := time.Unix(1000, 0)
	assert.Equal(t, now, fc.WakeupAt(now))

	fc.AddEvent(now)
	assert.Equal(t, now.Add(time.Second), fc.WakeupAt(now))
}

func TestKeyed_IndependentKeys(t *testing.T) {
	k := floodctrl.NewKeyed(time.Hour, floodctrl.Limit{Window: time.Minute, MaxEvents: 1})
	now := time.Unix(1000, 0)

	_, ok := k.Allow("1.2.3.4", now)
	require.True(t, ok)
	_, ok = k.Allow("1.2.3.4", now)
	require.False(t, ok)

	_, ok = k.Allow("5.6.7.8", now)
	assert.True(t, ok)
	assert.Equal(t, 2, k.Size())
}

func TestFloodControl_CreationScenario(t *testing.T) {
	// 21 events from one source in 10 seconds: the 21st is rejected with a
	// positive wait, and admission resumes once the minute window slides.
	fc := floodctrl.New(
		floodctrl.Limit{Window: time.Minute, MaxEvents: 20},
		floodctrl.Limit{Window: time.Hour, MaxEvents: 600},
	)
	start := time.Unix(2000, 0)
	for i := 0; i < 20; i++ {
		_, ok := fc.Allow(start.Add(time.Duration(i) * 500 * time.Millisecond))
		require.True(t, ok)
	}
	wait, ok := fc.Allow(start.Add(10 * time.Second))
	require.False(t, ok)
	assert.GreaterOrEqual(t, wait, time.Second)

	_, ok = fc.Allow(start.Add(61 * time.Second))
	assert.True(t, ok)
}
