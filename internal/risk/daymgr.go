package risk

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chidi150c/governor/internal/util"
)

// DayManager owns the trading-day boundary for the gate: it resets counters
// when the local day changes and keeps a snapshot on disk so a restart within
// the same day keeps its counters and halt flags.
type DayManager struct {
	TZ   string
	Path string // snapshot file path; empty disables persistence

	gate *Gate
	log  zerolog.Logger

	mu      sync.Mutex
	dayOpen time.Time
}

func NewDayManager(tz, path string, gate *Gate, log zerolog.Logger) *DayManager {
	if tz == "" {
		tz = "UTC"
	}
	return &DayManager{TZ: tz, Path: path, gate: gate, log: log}
}

// InitAtStartup loads or seeds today's snapshot and initializes the gate.
func (dm *DayManager) InitAtStartup(ctx context.Context, now time.Time) util.DaySnapshot {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	open := util.TodayOpen(dm.TZ, now)
	day := util.DayKey(dm.TZ, now)
	dm.dayOpen = open

	seed := util.SeedForToday(dm.TZ, now)
	if dm.Path == "" {
		dm.gate.ResetDay(ctx, day)
		return seed
	}

	snap, err := util.LoadSnapshot(dm.Path)
	if err != nil {
		dm.gate.ResetDay(ctx, day)
		dm.save(seed)
		dm.log.Info().Str("tz", dm.TZ).Msg("seeded snapshot for today")
		return seed
	}

	dayOpenPrev, err := util.ParseDayOpenISO(snap.DayOpenISO)
	if err != nil || !util.SameTradingDay(dm.TZ, dayOpenPrev, now) {
		// Old snapshot → start a fresh trading day
		dm.gate.ResetDay(ctx, day)
		dm.save(seed)
		dm.log.Info().Str("tz", dm.TZ).Msg("rolled snapshot to today")
		return seed
	}

	// Same day: reuse
	dm.gate.ResetDay(ctx, day)
	dm.gate.Restore(day, snap.Users)
	dm.log.Info().Str("tz", dm.TZ).Int("users", len(snap.Users)).Msg("loaded snapshot for today")
	return snap
}

// RolloverIfNeeded resets the gate when `now` has crossed into a new local
// day and returns true. Call this once per tick.
func (dm *DayManager) RolloverIfNeeded(ctx context.Context, now time.Time) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if !dm.dayOpen.IsZero() && util.SameTradingDay(dm.TZ, dm.dayOpen, now) {
		return false
	}
	dm.dayOpen = util.TodayOpen(dm.TZ, now)
	day := util.DayKey(dm.TZ, now)
	dm.gate.ResetDay(ctx, day)
	dm.save(util.SeedForToday(dm.TZ, now))
	dm.log.Info().Str("day", day).Msg("new trading day started")
	return true
}

// PersistProgress writes the gate's counters; best-effort.
func (dm *DayManager) PersistProgress(now time.Time) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.dayOpen.IsZero() || !util.SameTradingDay(dm.TZ, dm.dayOpen, now) {
		return
	}
	snap := util.SeedForToday(dm.TZ, now)
	snap.Users = dm.gate.Counters()
	dm.save(snap)
}

func (dm *DayManager) save(snap util.DaySnapshot) {
	if dm.Path == "" {
		return
	}
	if err := util.SaveSnapshot(dm.Path, snap); err != nil {
		dm.log.Error().Err(err).Str("path", dm.Path).Msg("saving day snapshot")
	}
}
