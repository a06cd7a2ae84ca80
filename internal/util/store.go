package util

import (
	"encoding/json"
	"errors"
	"os"
	"time"
)

// UserCounters is the durable part of one user's risk state for the day.
type UserCounters struct {
	Category      string         `json:"category,omitempty"`
	Capital       float64        `json:"capital"`
	TradesToday   int            `json:"trades_today"`
	SymbolTrades  map[string]int `json:"symbol_trades,omitempty"`
	LossToday     float64        `json:"loss_today"`
	RealizedPnL   float64        `json:"realized_pnl"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	Exposure      float64        `json:"exposure"`
	Halted        bool           `json:"halted,omitempty"`
	HaltReason    string         `json:"halt_reason,omitempty"`
}

type DaySnapshot struct {
	// Trading day anchor
	DayOpenISO string `json:"day_open_iso"`
	Timezone   string `json:"timezone"`

	// Per-user counters (persisted across restarts)
	Users map[string]UserCounters `json:"users"`
}

func LoadSnapshot(path string) (DaySnapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return DaySnapshot{}, err
	}
	var s DaySnapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return DaySnapshot{}, err
	}
	if s.Users == nil {
		s.Users = map[string]UserCounters{}
	}
	return s, nil
}

func SaveSnapshot(path string, s DaySnapshot) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	// best-effort .bak
	_ = os.WriteFile(path+".bak", b, 0o600)
	return writeFileAtomic(path, b, 0o600)
}

// SeedForToday builds an empty snapshot for the current trading day.
func SeedForToday(tz string, now time.Time) DaySnapshot {
	return DaySnapshot{
		DayOpenISO: TodayOpen(tz, now).UTC().Format(time.RFC3339),
		Timezone:   tz,
		Users:      map[string]UserCounters{},
	}
}

func ParseDayOpenISO(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty day_open_iso")
	}
	return time.Parse(time.RFC3339, s)
}
