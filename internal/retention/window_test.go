package retention_test

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/hydrocam/collector/internal/retention"
	"github.com/stretchr/testify/require"
)

func TestWindowContains(t *testing.T) {
	t.Parallel()

	at := func(h, m int) time.Time {
		return time.Date(2024, time.March, 1, h, m, 0, 0, time.UTC)
	}

	w := retention.DefaultWindow
	require.False(t, w.Contains(at(22, 59)))
	require.True(t, w.Contains(at(23, 0)))
	require.True(t, w.Contains(at(23, 29)))
	require.False(t, w.Contains(at(23, 30)))

	late, err := retention.ParseWindow("23:45", time.Hour)
	require.NoError(t, err)
	require.True(t, late.Contains(at(23, 50)))
	require.True(t, late.Contains(at(0, 30)))
	require.False(t, late.Contains(at(0, 45)))
	require.Equal(t, "23:45+1h0m0s", late.String())
}

func TestParseWindowErrors(t *testing.T) {
	t.Parallel()

	_, err := retention.ParseWindow("25:00", time.Minute)
	require.Error(t, err)

	_, err = retention.ParseWindow("noon", time.Minute)
	require.Error(t, err)

	_, err = retention.ParseWindow("12:00", 0)
	require.Error(t, err)

	_, err = retention.ParseWindow("12:00", 24*time.Hour)
	require.Error(t, err)
}

func TestCutoffUsesLocalMidnight(t *testing.T) {
	t.Parallel()

	mst := time.FixedZone("MST", -7*60*60)

	// 02:00 UTC on the 11th is still the 10th in MST.
	now := time.Date(2024, time.September, 11, 2, 0, 0, 0, time.UTC)

	require.Equal(t,
		time.Date(2024, time.August, 11, 0, 0, 0, 0, mst),
		retention.Cutoff(now, 30, mst),
	)
	require.Equal(t,
		time.Date(2024, time.August, 12, 0, 0, 0, 0, time.UTC),
		retention.Cutoff(now, 30, time.UTC),
	)
}

func TestWindowContainsOnDSTChange(t *testing.T) {
	t.Parallel()

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Clocks jump from 02:00 to 03:00, so the day is 23 hours long.
	for _, day := range []int{10, 11} {
		at := func(h, m int) time.Time {
			return time.Date(2024, time.March, day, h, m, 0, 0, ny)
		}
		require.True(t, retention.DefaultWindow.Contains(at(23, 10)), "march %d 23:10", day)
		require.False(t, retention.DefaultWindow.Contains(at(22, 10)), "march %d 22:10", day)
	}

	// Clocks fall back from 02:00 to 01:00, so the day is 25 hours long.
	fall := time.Date(2024, time.November, 3, 23, 5, 0, 0, ny)
	require.True(t, retention.DefaultWindow.Contains(fall))
	require.False(t, retention.DefaultWindow.Contains(fall.Add(-time.Hour+10*time.Minute)))
}
