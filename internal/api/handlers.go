package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/chidi150c/governor/internal/compliance"
	"github.com/chidi150c/governor/internal/cycle"
	"github.com/chidi150c/governor/internal/risk"
	"github.com/chidi150c/governor/internal/settlement"
)

type errorBody struct {
	Error  string    `json:"error"`
	Reason string    `json:"reason"`
	Tier   risk.Tier `json:"tier,omitempty"`
	Halted bool      `json:"halted,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, errorBody{Error: code, Reason: reason})
}

// StatusFor maps a rejection tier to its HTTP status so clients can tell a
// day-long halt from a one-order deferral.
func StatusFor(err error) int {
	rej, ok := risk.AsRejection(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch rej.Tier {
	case risk.TierHard:
		return http.StatusLocked
	case risk.TierAdaptive:
		return http.StatusTooManyRequests
	case risk.TierCompliance:
		if rej.Code == risk.CodeUnknownUser {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	case risk.TierPhase:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeRejection(w http.ResponseWriter, err error) {
	rej, ok := risk.AsRejection(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, StatusFor(err), errorBody{Error: rej.Code, Reason: rej.Reason, Tier: rej.Tier, Halted: risk.IsHalt(err)})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCapacity(w http.ResponseWriter, _ *http.Request) {
	d := s.backend.Decision()
	if d == nil {
		writeError(w, http.StatusServiceUnavailable, "no_decision", "no capacity decision published yet")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type cycleResponse struct {
	Position      cycle.Position `json:"position"`
	AcceptsOrders bool           `json:"accepts_orders"`
	CycleID       string         `json:"cycle_id,omitempty"`
	Executions    int64          `json:"executions"`
}

func (s *Server) handleCycle(w http.ResponseWriter, _ *http.Request) {
	pos, cyc := s.backend.Cycle()
	resp := cycleResponse{Position: pos, AcceptsOrders: cycle.AcceptsOrders(pos.Phase)}
	if cyc != nil {
		resp.CycleID = cyc.ID
		resp.Executions = cyc.Executions()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	st, ok := s.backend.UserState(user)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_user", "user "+user+" is not registered")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, err := time.Parse("2006-01-02", vars["date"]); err != nil {
		writeError(w, http.StatusBadRequest, "bad_date", "date must be YYYY-MM-DD")
		return
	}
	rec, err := s.backend.Settlement(r.Context(), vars["user"], vars["date"])
	if errors.Is(err, settlement.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_settled", "no settlement for "+vars["user"]+" on "+vars["date"])
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("settlement lookup")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type orderBody struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      compliance.Side `json:"side"`
	Quantity  int64           `json:"quantity"`
	PriceHint float64         `json:"price_hint"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body orderBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	rep, err := s.backend.Submit(r.Context(), compliance.OrderRequest{
		ID:        body.ID,
		UserID:    mux.Vars(r)["user"],
		Symbol:    body.Symbol,
		Side:      body.Side,
		Quantity:  body.Quantity,
		PriceHint: body.PriceHint,
	})
	if err != nil {
		writeRejection(w, err)
		return
	}
	status := http.StatusOK
	if rep.Status == compliance.StatusFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, rep)
}

type pnlBody struct {
	RealizedDelta float64 `json:"realized_delta"`
	Unrealized    float64 `json:"unrealized"`
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	var body pnlBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	user := mux.Vars(r)["user"]
	if err := s.backend.MarkPnL(r.Context(), user, body.RealizedDelta, body.Unrealized); err != nil {
		writeError(w, http.StatusNotFound, "unknown_user", err.Error())
		return
	}
	st, _ := s.backend.UserState(user)
	writeJSON(w, http.StatusOK, st)
}
