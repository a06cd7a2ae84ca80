// Package cycle drives the wall-clock trading cycle: a signal window followed
// by three execution windows, repeating every 15 minutes through the session.
package cycle

import (
	"fmt"
	"time"

	"github.com/chidi150c/governor/internal/util"
)

type Phase int

const (
	PhaseClosed Phase = iota
	PhaseSignal
	PhaseExec1
	PhaseExec2
	PhaseExec3
)

const CycleLength = 15 * time.Minute

// phase ends, as offsets into the cycle
var phaseEnds = []struct {
	end   time.Duration
	phase Phase
}{
	{2 * time.Minute, PhaseSignal},
	{7 * time.Minute, PhaseExec1},
	{12 * time.Minute, PhaseExec2},
	{CycleLength, PhaseExec3},
}

func (p Phase) String() string {
	switch p {
	case PhaseSignal:
		return "SIGNAL"
	case PhaseExec1:
		return "EXEC_1"
	case PhaseExec2:
		return "EXEC_2"
	case PhaseExec3:
		return "EXEC_3"
	default:
		return "CLOSED"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// AcceptsOrders is true only in the execution windows.
func AcceptsOrders(p Phase) bool { return p >= PhaseExec1 && p <= PhaseExec3 }

// Session is the daily trading window. Open and Close are offsets from local
// midnight in TZ.
type Session struct {
	TZ    string
	Open  time.Duration
	Close time.Duration
}

func DefaultSession() Session {
	return Session{TZ: "Asia/Kolkata", Open: 9*time.Hour + 15*time.Minute, Close: 15*time.Hour + 30*time.Minute}
}

// ParseSession builds a session from "HH:MM" clock strings.
func ParseSession(tz, open, end string) (Session, error) {
	o, err := util.ClockOffset(open)
	if err != nil {
		return Session{}, fmt.Errorf("session open: %w", err)
	}
	c, err := util.ClockOffset(end)
	if err != nil {
		return Session{}, fmt.Errorf("session close: %w", err)
	}
	if c <= o {
		return Session{}, fmt.Errorf("session close %s is not after open %s", end, open)
	}
	return Session{TZ: tz, Open: o, Close: c}, nil
}

// Position locates an instant within the session.
type Position struct {
	Phase Phase     `json:"phase"`
	Index int       `json:"index"` // zero-based cycle number within the day, -1 when closed
	Start time.Time `json:"start,omitempty"`
	ID    string    `json:"id,omitempty"`
}

// PhaseAt derives the phase purely from the clock: (now - open) mod 15m.
// Nothing about earlier ticks is consulted.
func (s Session) PhaseAt(now time.Time) Position {
	loc := util.Location(s.TZ)
	local := now.In(loc)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	open, end := midnight.Add(s.Open), midnight.Add(s.Close)
	if local.Before(open) || !local.Before(end) {
		return Position{Phase: PhaseClosed, Index: -1}
	}
	elapsed := local.Sub(open)
	idx := int(elapsed / CycleLength)
	start := open.Add(time.Duration(idx) * CycleLength)
	into := local.Sub(start)
	phase := PhaseExec3
	for _, pe := range phaseEnds {
		if into < pe.end {
			phase = pe.phase
			break
		}
	}
	return Position{
		Phase: phase,
		Index: idx,
		Start: start,
		ID:    fmt.Sprintf("%s-%02d", local.Format("20060102"), idx+1),
	}
}
