// Package audit carries governor decisions to append-only sinks. Recording is
// fire-and-forget: a slow or failing sink is logged and never blocks trading.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventPhaseChanged    EventType = "CYCLE_PHASE_CHANGED"
	EventDecisionIssued  EventType = "CAPACITY_DECISION"
	EventOrderAccepted   EventType = "ORDER_ACCEPTED"
	EventOrderRejected   EventType = "ORDER_REJECTED"
	EventUserHalted      EventType = "USER_HALTED"
	EventOrderFilled     EventType = "ORDER_FILLED"
	EventOrderPartial    EventType = "ORDER_PARTIAL"
	EventOrderFailed     EventType = "ORDER_FAILED"
	EventDayReset        EventType = "TRADING_DAY_RESET"
	EventSettled         EventType = "SETTLEMENT_RECORDED"
	EventSettleDuplicate EventType = "SETTLEMENT_DUPLICATE"
	EventTransferDone    EventType = "TRANSFER_COMPLETED"
	EventTransferFailed  EventType = "TRANSFER_FAILED"
	EventTransferSkipped EventType = "TRANSFER_SKIPPED"
)

type Event struct {
	ID     string         `json:"id"`
	Type   EventType      `json:"type"`
	UserID string         `json:"user_id,omitempty"`
	At     time.Time      `json:"at"`
	Data   map[string]any `json:"data,omitempty"`
}

// New stamps an event with an id and the current time.
func New(t EventType, userID string, data map[string]any) Event {
	return Event{ID: uuid.NewString(), Type: t, UserID: userID, At: time.Now().UTC(), Data: data}
}

type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Memory keeps events in order; used by tests and the paper mode.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType filters recorded events.
func (m *Memory) OfType(t EventType) []Event {
	var out []Event
	for _, ev := range m.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
