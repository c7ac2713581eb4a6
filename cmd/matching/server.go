package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/exchange/bridge/internal/engine"
	"github.com/exchange/bridge/internal/ledger"
	"github.com/exchange/bridge/internal/metrics"
	"github.com/exchange/bridge/internal/model"
	"github.com/exchange/bridge/internal/reconcile"
	"github.com/exchange/bridge/internal/wallet"
	commonerrors "github.com/exchange/bridge/pkg/errors"
	"github.com/exchange/bridge/pkg/health"
	"github.com/exchange/bridge/pkg/logger"
	"github.com/exchange/bridge/pkg/response"
	"github.com/exchange/bridge/pkg/tracing"
)

const (
	defaultDepth = 20
	maxDepth     = 500
	maxBodyBytes = 1 << 20
)

// tradeHistory 持久化的成交查询，未配置时回退到撮合引擎内存中的近期成交
type tradeHistory interface {
	ListTrades(ctx context.Context, userID int64, pair string, limit int) ([]*model.Trade, error)
}

type server struct {
	exchange  *engine.Exchange
	trades    tradeHistory
	ledger    *ledger.Ledger
	wallet    *wallet.Service
	reconcile *reconcile.Job
	health    *health.Health
	metrics   *metrics.Metrics
	log       *logger.Logger

	internalToken string
	allowReset    bool
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/live", s.health.LiveHandler())
	mux.HandleFunc("/ready", s.health.ReadyHandler())
	mux.HandleFunc("/health", s.health.ReadyHandler())
	mux.Handle("/metrics", s.metrics.Handler())

	mux.HandleFunc("/depth", s.requireInternalAuth(s.handleDepth))
	mux.HandleFunc("/balances", s.requireInternalAuth(s.handleBalances))
	mux.HandleFunc("/trades", s.requireInternalAuth(s.handleTrades))
	mux.HandleFunc("/reconcile", s.requireInternalAuth(s.handleReconcile))

	mux.HandleFunc("/internal/orders", s.requireInternalAuth(s.handlePlaceOrder))
	mux.HandleFunc("/internal/orders/cancel", s.requireInternalAuth(s.handleCancelOrder))
	mux.HandleFunc("/internal/deposits", s.requireInternalAuth(s.handleDeposit))
	mux.HandleFunc("/internal/withdrawals", s.requireInternalAuth(s.handleWithdrawals))
	mux.HandleFunc("/internal/withdrawals/complete", s.requireInternalAuth(s.handleWithdrawalTransition(true)))
	mux.HandleFunc("/internal/withdrawals/cancel", s.requireInternalAuth(s.handleWithdrawalTransition(false)))
	if s.allowReset {
		mux.HandleFunc("/internal/reset", s.requireInternalAuth(s.handleReset))
	}

	var h http.Handler = mux
	h = tracing.HTTPMiddleware(h)
	h = response.RecoveryMiddleware(s.log, h)
	h = response.RequestIDMiddleware(h)
	return h
}

func (s *server) requireInternalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-Token") != s.internalToken {
			response.WriteErrorCode(w, r, commonerrors.CodeForbidden, "forbidden")
			return
		}
		next(w, r)
	}
}

func (s *server) handleDepth(w http.ResponseWriter, r *http.Request) {
	pair := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("pair")))
	if pair == "" {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "pair required")
		return
	}
	limit := defaultDepth
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxDepth {
		limit = maxDepth
	}
	snap, err := s.exchange.Snapshot(pair, limit)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, snap)
}

func (s *server) handleBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userParam(w, r, "user")
	if !ok {
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"userId":   userID,
		"balances": s.ledger.Balances(userID),
	})
}

func (s *server) handleTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userParam(w, r, "user")
	if !ok {
		return
	}
	pair := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("pair")))
	limit := engine.DefaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid limit")
			return
		}
		limit = n
	}

	var (
		trades []*model.Trade
		err    error
	)
	if s.trades != nil {
		trades, err = s.trades.ListTrades(r.Context(), userID, pair, limit)
	} else {
		trades, err = s.exchange.Trades(userID, pair, limit)
	}
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	if trades == nil {
		trades = []*model.Trade{}
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"userId": userID,
		"trades": trades,
	})
}

func (s *server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconcile == nil {
		response.WriteErrorCode(w, r, commonerrors.CodeUnavailable, "reconciliation disabled")
		return
	}
	if r.Method == http.MethodPost {
		rep := s.reconcile.RunOnce(r.Context())
		response.WriteJSON(w, http.StatusOK, rep)
		return
	}
	last := s.reconcile.Last()
	if last == nil {
		response.WriteErrorCode(w, r, commonerrors.CodeNotFound, "no reconciliation yet")
		return
	}
	response.WriteJSON(w, http.StatusOK, last)
}

func (s *server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req engine.PlaceOrder
	if !decodeBody(w, r, &req) {
		return
	}
	req.Pair = strings.ToUpper(strings.TrimSpace(req.Pair))
	res, err := s.exchange.PlaceOrder(r.Context(), req)
	if err != nil && res == nil {
		response.WriteError(w, r, err)
		return
	}
	if err != nil {
		s.log.WithError(err).Warnf("order placed with settlement error", map[string]interface{}{"pair": req.Pair, "userId": req.UserID})
		writePartialResult(w, r, err, res)
		return
	}
	response.WriteJSON(w, http.StatusOK, res)
}

// partialResult 撮合中途结算失败：错误码决定状态码，result 为已落定的订单与成交
type partialResult struct {
	commonerrors.Error
	Result *engine.OrderResult `json:"result"`
}

func writePartialResult(w http.ResponseWriter, r *http.Request, err error, res *engine.OrderResult) {
	payload := partialResult{Result: res}
	if commonerrors.CodeOf(err) == commonerrors.CodeInternal {
		payload.Error = *commonerrors.New(commonerrors.CodeInternal, "internal server error")
	} else {
		payload.Error = *commonerrors.Wrap(err, commonerrors.CodeInternal)
	}
	payload.RequestID = response.RequestIDFromContext(r.Context())
	response.WriteJSON(w, payload.HTTPStatus(), &payload)
}

func (s *server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req engine.CancelOrder
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := s.exchange.CancelOrder(r.Context(), req)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, order)
}

func (s *server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req wallet.DepositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	bal, err := s.wallet.Deposit(r.Context(), req)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, bal)
}

func (s *server) handleWithdrawals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var userID int64
		if r.URL.Query().Get("user") != "" {
			id, ok := s.userParam(w, r, "user")
			if !ok {
				return
			}
			userID = id
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		response.WriteJSON(w, http.StatusOK, s.wallet.ListWithdrawals(userID, limit))
	case http.MethodPost:
		var req wallet.WithdrawRequest
		if !decodeBody(w, r, &req) {
			return
		}
		wd, err := s.wallet.RequestWithdrawal(r.Context(), req)
		if err != nil {
			response.WriteError(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, wd)
	default:
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "method not allowed")
	}
}

func (s *server) handleWithdrawalTransition(complete bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil || id <= 0 {
			response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid withdrawal id")
			return
		}
		var wd *wallet.Withdrawal
		if complete {
			wd, err = s.wallet.CompleteWithdrawal(r.Context(), id)
		} else {
			wd, err = s.wallet.CancelWithdrawal(r.Context(), id)
		}
		if err != nil {
			response.WriteError(w, r, err)
			return
		}
		response.WriteJSON(w, http.StatusOK, wd)
	}
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	pair := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("pair")))
	n, err := s.exchange.ResetPair(r.Context(), engine.ResetPair{Pair: pair})
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	s.log.Infof("pair reset", map[string]interface{}{"pair": pair, "cancelled": n})
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"pair":      pair,
		"cancelled": n,
	})
}

func (s *server) userParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get(name)), 10, 64)
	if err != nil || id < 0 {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid "+name)
		return 0, false
	}
	return id, true
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "method not allowed")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "invalid request body")
		return false
	}
	return true
}
