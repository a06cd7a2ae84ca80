package cycle

import (
	"context"
	"math"

	"github.com/chidi150c/governor/internal/capacity"
)

type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	Flat  Direction = "FLAT"
)

// Signal is what the model layer reports at the start of each cycle.
type Signal struct {
	Direction     Direction          `json:"direction"`
	Confidence    float64            `json:"confidence"`
	Volatility    float64            `json:"volatility"`
	SymbolQuality map[string]float64 `json:"symbol_quality,omitempty"`
	Flags         capacity.Flags     `json:"flags"`
}

type SignalSource interface {
	GetSignal(ctx context.Context) (Signal, error)
}

// ConfidenceWindow keeps the last N confidence readings.
type ConfidenceWindow struct {
	size int
	vals []float64
}

func NewConfidenceWindow(size int) *ConfidenceWindow {
	if size < 1 {
		size = 1
	}
	return &ConfidenceWindow{size: size}
}

// Push drops readings outside [0,1].
func (w *ConfidenceWindow) Push(v float64) bool {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return false
	}
	w.vals = append(w.vals, v)
	if len(w.vals) > w.size {
		w.vals = w.vals[1:]
	}
	return true
}

func (w *ConfidenceWindow) Len() int { return len(w.vals) }

func (w *ConfidenceWindow) Mean() (float64, bool) {
	if len(w.vals) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range w.vals {
		sum += v
	}
	return sum / float64(len(w.vals)), true
}
