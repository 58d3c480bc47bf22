package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRound(t *testing.T) {
	ts := time.Date(2025, 11, 16, 10, 37, 42, 0, time.UTC)

	tests := []struct {
		name string
		g    time.Duration
		mode Mode
		want time.Time
	}{
		{"hour down", time.Hour, RoundDown, time.Date(2025, 11, 16, 10, 0, 0, 0, time.UTC)},
		{"hour up", time.Hour, RoundUp, time.Date(2025, 11, 16, 11, 0, 0, 0, time.UTC)},
		{"hour nearest", time.Hour, RoundNearest, time.Date(2025, 11, 16, 11, 0, 0, 0, time.UTC)},
		{"15m down", 15 * time.Minute, RoundDown, time.Date(2025, 11, 16, 10, 30, 0, 0, time.UTC)},
		{"15m up", 15 * time.Minute, RoundUp, time.Date(2025, 11, 16, 10, 45, 0, 0, time.UTC)},
		{"15m nearest", 15 * time.Minute, RoundNearest, time.Date(2025, 11, 16, 10, 45, 0, 0, time.UTC)},
		{"day down", 24 * time.Hour, RoundDown, time.Date(2025, 11, 16, 0, 0, 0, 0, time.UTC)},
		{"day up", 24 * time.Hour, RoundUp, time.Date(2025, 11, 17, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Round(ts, tt.g, tt.mode)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestRound_NearestHalfUp(t *testing.T) {
	half := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)
	got, err := Round(half, time.Hour, RoundNearest)
	require.NoError(t, err)
	assert.Equal(t, 11, got.Hour())

	below := half.Add(-time.Nanosecond)
	got, err = Round(below, time.Hour, RoundNearest)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Hour())
}

func TestRound_InvalidGranularity(t *testing.T) {
	for _, g := range []time.Duration{0, -time.Hour} {
		_, err := Round(time.Now(), g, RoundDown)
		assert.ErrorIs(t, err, ErrInvalidGranularity)
	}
}

func TestRound_Bounds(t *testing.T) {
	base := time.Date(2025, 3, 30, 0, 0, 0, 0, time.UTC)
	granularities := []time.Duration{
		time.Second, 7 * time.Second, time.Minute, 15 * time.Minute,
		time.Hour, 90 * time.Minute, 24 * time.Hour, 7 * 24 * time.Hour,
	}
	offsets := []time.Duration{
		0, time.Nanosecond, 13 * time.Second, 59 * time.Minute,
		3*time.Hour + 17*time.Minute + 5*time.Second, -26 * time.Hour,
	}

	for _, g := range granularities {
		for _, off := range offsets {
			ts := base.Add(off)
			down, err := Round(ts, g, RoundDown)
			require.NoError(t, err)
			up, err := Round(ts, g, RoundUp)
			require.NoError(t, err)

			assert.False(t, down.After(ts), "down(%s, %s) = %s", ts, g, down)
			assert.False(t, up.Before(ts), "up(%s, %s) = %s", ts, g, up)
			assert.Equal(t, Aligned(ts, g), down.Equal(ts))
			assert.True(t, ts.Sub(down) < g)
			assert.True(t, Aligned(down, g))
			assert.True(t, Aligned(up, g))
		}
	}
}

func TestRound_BeforeEpoch(t *testing.T) {
	ts := time.Date(1969, 12, 31, 23, 30, 0, 0, time.UTC)
	down, err := Round(ts, time.Hour, RoundDown)
	require.NoError(t, err)
	assert.True(t, time.Date(1969, 12, 31, 23, 0, 0, 0, time.UTC).Equal(down))

	up, err := Round(ts, time.Hour, RoundUp)
	require.NoError(t, err)
	assert.True(t, time.Unix(0, 0).Equal(up))
}

func TestRound_KeepsLocation(t *testing.T) {
	// The day boundary is the UTC one, shown in the caller's zone.
	loc := time.FixedZone("UTC+5:30", 5*3600+1800)
	ts := time.Date(2025, 11, 16, 10, 37, 42, 0, loc)

	got, err := Round(ts, 24*time.Hour, RoundDown)
	require.NoError(t, err)
	assert.Equal(t, loc, got.Location())
	assert.True(t, time.Date(2025, 11, 16, 0, 0, 0, 0, time.UTC).Equal(got))
	assert.Equal(t, 5, got.Hour())
}

func TestParseTimestamp(t *testing.T) {
	naive, err := ParseTimestamp("2025-01-01T00:00:00")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, naive.Location())
	assert.True(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Equal(naive))

	zulu, err := ParseTimestamp("2025-01-01T06:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 6, zulu.UTC().Hour())

	offset, err := ParseTimestamp("2025-01-01T06:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, 4, offset.UTC().Hour())

	dateOnly, err := ParseTimestamp("2025-01-02")
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC).Equal(dateOnly))

	for _, bad := range []string{"", "yesterday", "2025-13-01T00:00:00Z"} {
		_, err := ParseTimestamp(bad)
		assert.Error(t, err, bad)
	}
}
