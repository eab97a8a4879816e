package offsetcron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_PositiveOffset(t *testing.T) {
	// Daily close plus six hours.
	s, err := New("0 0 * * *", 6*time.Hour)
	require.NoError(t, err)

	now := time.Date(2024, 6, 14, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 6, 15, 6, 0, 0, 0, time.UTC), s.Next(now))
}

func TestNext_NegativeOffset(t *testing.T) {
	// Wake one minute before the 16:00 close.
	s, err := New("0 16 * * *", -60*time.Second)
	require.NoError(t, err)

	now := time.Date(2024, 1, 14, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 14, 15, 59, 0, 0, time.UTC), s.Next(now))
}

func TestNext_NegativeOffsetNearBoundary(t *testing.T) {
	s := MustNew("0 16 * * *", -60*time.Second)

	// One second before today's fire: still today.
	now := time.Date(2024, 1, 14, 15, 58, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 14, 15, 59, 0, 0, time.UTC), s.Next(now))

	// Exactly at today's fire: tomorrow. Strictly-after contract.
	now = time.Date(2024, 1, 14, 15, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 15, 15, 59, 0, 0, time.UTC), s.Next(now))
}

func TestNext_ZeroOffsetMatchesBase(t *testing.T) {
	s := MustNew("*/5 * * * *", 0)

	now := time.Date(2024, 3, 1, 10, 2, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC), s.Next(now))
}

func TestNext_StrictlyAfterNow(t *testing.T) {
	offsets := []time.Duration{-5 * time.Minute, -30 * time.Second, 0, 30 * time.Second, 6 * time.Hour}
	now := time.Date(2024, 6, 14, 23, 59, 59, 0, time.UTC)

	for _, off := range offsets {
		s := MustNew("* * * * *", off)
		next := s.Next(now)
		assert.True(t, next.After(now), "offset %v produced %v not after %v", off, next, now)
	}
}

func TestNew_InvalidExpression(t *testing.T) {
	_, err := New("not a cron", time.Second)
	assert.Error(t, err)

	// Seconds field (6 fields) is not part of the contract.
	_, err = New("0 0 0 * * *", 0)
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "0 16 * * *", MustNew("0 16 * * *", 0).String())
	assert.Equal(t, "0 16 * * *-30s", MustNew("0 16 * * *", -30*time.Second).String())
	assert.Equal(t, "0 0 * * *+21600s", MustNew("0 0 * * *", 6*time.Hour).String())
}
