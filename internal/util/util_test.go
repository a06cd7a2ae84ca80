package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameTradingDay_UsesLocalMidnight(t *testing.T) {
	// 23:00 UTC on the 16th is already the 17th in Kolkata.
	a := time.Date(2026, 10, 16, 19, 0, 0, 0, time.UTC)
	b := time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC)
	assert.True(t, SameTradingDay("UTC", a, b))
	assert.False(t, SameTradingDay("Asia/Kolkata", a, b))
	assert.Equal(t, "2026-10-17", DayKey("Asia/Kolkata", b))
}

func TestClockOffset(t *testing.T) {
	d, err := ClockOffset("09:15")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour+15*time.Minute, d)

	_, err = ClockOffset("9.15")
	assert.Error(t, err)
}

func TestSnapshot_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "day.json")
	now := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	snap := SeedForToday("UTC", now)
	snap.Users["u1"] = UserCounters{TradesToday: 3, LossToday: 1200, Halted: true, HaltReason: "daily loss cap"}
	require.NoError(t, SaveSnapshot(path, snap))

	got, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	open, err := ParseDayOpenISO(got.DayOpenISO)
	require.NoError(t, err)
	assert.True(t, SameTradingDay("UTC", open, now))
}

func TestPidLock_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governor.pid")
	f, err := AcquirePidLock(path)
	require.NoError(t, err)

	_, err = AcquirePidLock(path)
	assert.ErrorIs(t, err, ErrLocked)

	ReleasePidLock(f)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
