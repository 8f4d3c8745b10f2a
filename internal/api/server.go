package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/uexplodem-png/socidev-sub003/internal/config"
	"github.com/uexplodem-png/socidev-sub003/internal/ledger"
	"github.com/uexplodem-png/socidev-sub003/internal/lease"
	"github.com/uexplodem-png/socidev-sub003/internal/models"
	"github.com/uexplodem-png/socidev-sub003/internal/orders"
	"github.com/uexplodem-png/socidev-sub003/internal/ratelimit"
	"github.com/uexplodem-png/socidev-sub003/internal/review"
	"github.com/uexplodem-png/socidev-sub003/internal/store"
	"github.com/uexplodem-png/socidev-sub003/internal/taskpool"
	"github.com/uexplodem-png/socidev-sub003/internal/telemetry"
)

// Server wires HTTP handlers for the worker and admin APIs.
type Server struct {
	cfg     *config.Config
	ledger  *ledger.Ledger
	orders  *orders.Ledger
	pool    *taskpool.Pool
	leases  *lease.Manager
	reviews *review.Gateway
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable claim
// rate limiting.
func New(cfg *config.Config, led *ledger.Ledger, ord *orders.Ledger, pool *taskpool.Pool, leases *lease.Manager, reviews *review.Gateway, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		ledger:  led,
		orders:  ord,
		pool:    pool,
		leases:  leases,
		reviews: reviews,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/orders", s.handleCreateOrder)
	r.Get("/orders/{id}", s.handleGetOrder)

	r.Get("/tasks", s.handleListTasks)
	r.Post("/tasks/{id}/claim", s.handleClaim)

	r.Post("/leases/{id}/submit", s.handleSubmit)
	r.Get("/leases/{id}", s.handleGetLease)

	r.Get("/users/{id}/balance", s.handleBalance)
	r.Get("/users/{id}/transactions", s.handleTransactions)
	r.Post("/users/{id}/withdrawals", s.handleRequestWithdrawal)

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAdmin)
		r.Post("/orders/{id}/process", s.handleProcessOrder)
		r.Post("/orders/{id}/cancel", s.handleCancelOrder)
		r.Post("/orders/{id}/fail", s.handleFailOrder)
		r.Post("/orders/{id}/refund", s.handleRefundOrder)
		r.Post("/tasks", s.handleCreateTask)
		r.Post("/tasks/{id}/review", s.handleReviewTask)
		r.Get("/leases", s.handleListLeases)
		r.Post("/leases/{id}/approve", s.handleApprove)
		r.Post("/leases/{id}/reject", s.handleReject)
		r.Post("/withdrawals/{id}/approve", s.handleWithdrawalDecision(true))
		r.Post("/withdrawals/{id}/reject", s.handleWithdrawalDecision(false))
		r.Post("/users/{id}/deposit", s.handleDeposit)
	})

	return r
}

type createOrderRequest struct {
	Platform  string          `json:"platform"`
	Service   string          `json:"service"`
	TargetURL string          `json:"target_url"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Priority  string          `json:"priority"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "X-User-ID header is required")
		return
	}
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	order, err := s.orders.Create(r.Context(), orders.CreateParams{
		OwnerID:   userID,
		Platform:  req.Platform,
		Service:   req.Service,
		TargetURL: req.TargetURL,
		Quantity:  req.Quantity,
		UnitPrice: req.UnitPrice,
		Priority:  req.Priority,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	tasks, err := s.pool.Claimable(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "X-User-ID header is required")
		return
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("claim:%s", userID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate_limit_error", "rate limiter unavailable")
			return
		}
		if !allowed {
			telemetry.RateLimited.Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many claim attempts")
			return
		}
	}
	l, err := s.pool.Claim(r.Context(), taskpool.ClaimInput{
		TaskID:    chi.URLParam(r, "id"),
		UserID:    userID,
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

type submitRequest struct {
	ProofURL string `json:"proof_url"`
	Notes    string `json:"notes"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "X-User-ID header is required")
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	l, err := s.leases.Submit(r.Context(), chi.URLParam(r, "id"), userID, req.ProofURL, req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	l, err := s.leases.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// A lease is visible to its holder and to admins only.
	if adminFromRequest(r) == "" && userFromRequest(r) != l.UserID {
		writeDomainError(w, models.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	bal, err := s.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": bal})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	txns, err := s.ledger.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	txn, err := s.ledger.RequestWithdrawal(r.Context(), chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func (s *Server) handleProcessOrder(w http.ResponseWriter, r *http.Request) {
	order, task, err := s.orders.Process(r.Context(), chi.URLParam(r, "id"), adminFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order, "task": task})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Cancel(r.Context(), chi.URLParam(r, "id"), adminFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleFailOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Fail(r.Context(), chi.URLParam(r, "id"), adminFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleRefundOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Refund(r.Context(), chi.URLParam(r, "id"), adminFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type createTaskRequest struct {
	Type      string          `json:"type"`
	Platform  string          `json:"platform"`
	TargetURL string          `json:"target_url"`
	Quantity  int             `json:"quantity"`
	Rate      decimal.Decimal `json:"rate"`
	Priority  string          `json:"priority"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	task, err := s.pool.CreateStandalone(r.Context(), adminFromRequest(r), taskpool.StandaloneParams{
		Type:      req.Type,
		Platform:  req.Platform,
		TargetURL: req.TargetURL,
		Quantity:  req.Quantity,
		Rate:      req.Rate,
		Priority:  req.Priority,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type reviewTaskRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleReviewTask(w http.ResponseWriter, r *http.Request) {
	var req reviewTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	task, err := s.pool.Review(r.Context(), chi.URLParam(r, "id"), adminFromRequest(r), req.Approve)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	f := store.LeaseFilter{
		TaskID: r.URL.Query().Get("task_id"),
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 100),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", "from must be RFC3339")
			return
		}
		f.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", "to must be RFC3339")
			return
		}
		f.To = t
	}
	leases, err := s.leases.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leases": leases})
}

type approveRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	l, err := s.reviews.Approve(r.Context(), chi.URLParam(r, "id"), adminFromRequest(r), req.Notes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	l, err := s.reviews.Reject(r.Context(), chi.URLParam(r, "id"), adminFromRequest(r), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleWithdrawalDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		txn, err := s.ledger.FinalizeWithdrawal(r.Context(), chi.URLParam(r, "id"), approve)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, txn)
	}
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	txn, err := s.ledger.Credit(r.Context(), chi.URLParam(r, "id"), req.Amount, models.TxDeposit, "")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

func userFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func adminFromRequest(r *http.Request) string {
	return r.Header.Get("X-Admin-ID")
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if adminFromRequest(r) == "" {
			writeError(w, http.StatusUnauthorized, "missing_admin", "X-Admin-ID header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeDomainError maps domain sentinel errors onto HTTP statuses. Anything
// unrecognized is a 500 with the detail kept server-side.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, models.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "insufficient_balance", err.Error())
	case errors.Is(err, models.ErrNoCapacity):
		writeError(w, http.StatusConflict, "no_capacity", err.Error())
	case errors.Is(err, models.ErrAlreadyActive):
		writeError(w, http.StatusConflict, "already_active", err.Error())
	case errors.Is(err, models.ErrSelfExclusion):
		writeError(w, http.StatusConflict, "self_exclusion", err.Error())
	case errors.Is(err, models.ErrNotClaimable):
		writeError(w, http.StatusConflict, "not_claimable", err.Error())
	case errors.Is(err, models.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, models.ErrLeaseExpired):
		writeError(w, http.StatusGone, "lease_expired", err.Error())
	case errors.Is(err, models.ErrInvariant):
		writeError(w, http.StatusInternalServerError, "invariant_violation", "internal inconsistency detected")
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
