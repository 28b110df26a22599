package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/tradesim/internal/domain"
	"github.com/betbot/tradesim/internal/executor"
	"github.com/betbot/tradesim/internal/trade"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	authed := false
	if s.deps.Authenticated != nil {
		authed = s.deps.Authenticated()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "authenticated": authed})
}

func (s *Server) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	st, err := s.deps.Account.Snapshot(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type createTradeRequest struct {
	Side       string               `json:"side"`
	Instrument domain.InstrumentRef `json:"instrument"`
	Quantity   decimal.Decimal      `json:"quantity"`
}

func (s *Server) handleTradeCreate(w http.ResponseWriter, r *http.Request) {
	var req createTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	out, err := s.deps.Trader.Execute(r.Context(), side, req.Instrument, req.Quantity)
	if err != nil {
		status := tradeErrorStatus(err)
		if status >= 500 {
			log.Warnf("trade %s %s %s failed: %v", side, req.Quantity, req.Instrument, err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// tradeErrorStatus 交易错误到 HTTP 状态码
func tradeErrorStatus(err error) int {
	switch {
	case errors.Is(err, trade.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, trade.ErrInstrumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusBadGateway
}

// handleReconcile 同步对账一次并返回最新状态
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	s.deps.Reconciler.Refresh(r.Context())
	s.handleAccountGet(w, r)
}
