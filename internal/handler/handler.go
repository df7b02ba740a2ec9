// Package handler содержит HTTP-обработчики API сервиса boostmart.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostmart/internal/middleware"
	"github.com/mmeshcher/boostmart/internal/model"
	"github.com/mmeshcher/boostmart/internal/order"
	"github.com/mmeshcher/boostmart/internal/payment"
	"github.com/mmeshcher/boostmart/internal/validation"
	"github.com/mmeshcher/boostmart/internal/wallet"
)

// OrderService размещает заказы и отдаёт их список.
type OrderService interface {
	PlaceOrder(ctx context.Context, req order.Request) (*model.Order, error)
	List(ctx context.Context, userID int64, limit, offset int) ([]model.Order, error)
}

// AccountService отдаёт состояние кошелька и зачисляет пополнения.
type AccountService interface {
	Status(ctx context.Context, userID int64) (model.AccountStatus, error)
	History(ctx context.Context, userID int64, limit, offset int) ([]model.FundsTransaction, error)
	Credit(ctx context.Context, req wallet.CreditRequest) (*wallet.CreditResult, error)
}

// PaymentVerifier проверяет платёж во внешней платёжной системе.
type PaymentVerifier interface {
	Verify(ctx context.Context, reference string) (*payment.Verification, error)
}

// Pinger проверяет доступность хранилища.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler реализует HTTP-обработчики API сервиса boostmart.
type Handler struct {
	orders         OrderService
	accounts       AccountService
	payments       PaymentVerifier
	pinger         Pinger
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт обработчик. payments и pinger могут быть nil.
func NewHandler(orders OrderService, accounts AccountService, payments PaymentVerifier, pinger Pinger, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		orders:         orders,
		accounts:       accounts,
		payments:       payments,
		pinger:         pinger,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func pageParams(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	return limit, offset
}

type placeOrderRequest struct {
	ServiceID int64  `json:"service"`
	Link      string `json:"link"`
	Quantity  int64  `json:"quantity"`
}

type orderResponse struct {
	OrderID    int64           `json:"order"`
	ServiceID  int64           `json:"service"`
	Link       string          `json:"link"`
	Quantity   int64           `json:"quantity"`
	Charge     decimal.Decimal `json:"charge"`
	StartCount int64           `json:"start_count"`
	Remains    int64           `json:"remains"`
	Status     string          `json:"status"`
	CreatedAt  string          `json:"created_at"`
}

func toOrderResponse(o model.Order) orderResponse {
	return orderResponse{
		OrderID:    o.OrderID,
		ServiceID:  o.ServiceID,
		Link:       o.Link,
		Quantity:   o.Quantity,
		Charge:     o.Charge,
		StartCount: o.StartCount,
		Remains:    o.Remains,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt.Format(time.RFC3339),
	}
}

// PlaceOrder размещает заказ текущего пользователя.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, err := h.orders.PlaceOrder(r.Context(), order.Request{
		UserID:    userID,
		ServiceID: req.ServiceID,
		Link:      req.Link,
		Quantity:  req.Quantity,
	})
	if err != nil {
		var verr *order.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, wallet.ErrInsufficientFunds):
			writeError(w, http.StatusPaymentRequired, "insufficient funds")
		case errors.Is(err, order.ErrPlacementFailed):
			writeError(w, http.StatusBadGateway, "failed to place order")
		default:
			h.logger.Error("place order error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(*o))
}

// GetOrders возвращает заказы текущего пользователя, новые первыми.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit, offset := pageParams(r)
	orders, err := h.orders.List(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

type accountResponse struct {
	Balance         decimal.Decimal `json:"balance"`
	Tier            int             `json:"tier"`
	TotalOrders     int64           `json:"total_orders"`
	CompletedOrders int64           `json:"completed_orders"`
	CompletedAmount decimal.Decimal `json:"completed_amount"`
}

// GetAccount возвращает сводку по кошельку текущего пользователя.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	st, err := h.accounts.Status(r.Context(), userID)
	if err != nil {
		h.logger.Error("get account error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		Balance:         st.Balance,
		Tier:            int(st.Tier),
		TotalOrders:     st.TotalOrders,
		CompletedOrders: st.CompletedOrders,
		CompletedAmount: st.CompletedAmount,
	})
}

type transactionResponse struct {
	TransactionID int64           `json:"transaction_id"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Method        string          `json:"payment_method"`
	Reference     string          `json:"reference,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

// GetTransactions возвращает журнал операций кошелька.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit, offset := pageParams(r)
	txs, err := h.accounts.History(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("get transactions error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		resp = append(resp, transactionResponse{
			TransactionID: tx.TransactionID,
			Type:          string(tx.Type),
			Amount:        tx.Amount,
			Status:        string(tx.Status),
			BalanceBefore: tx.BalanceBefore,
			BalanceAfter:  tx.BalanceAfter,
			Method:        string(tx.PaymentMethod),
			Reference:     tx.ExternalReference,
			CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type topUpRequest struct {
	Reference string `json:"reference"`
}

type topUpResponse struct {
	Balance   decimal.Decimal `json:"balance"`
	Amount    decimal.Decimal `json:"amount"`
	Duplicate bool            `json:"duplicate"`
}

// TopUp проверяет платёж по ссылке и зачисляет его на кошелёк.
// Повтор той же ссылки возвращает результат первого зачисления.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validation.IsValidReference(req.Reference) {
		writeError(w, http.StatusBadRequest, "invalid payment reference")
		return
	}
	if h.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payments are not configured")
		return
	}

	v, err := h.payments.Verify(r.Context(), req.Reference)
	if err != nil {
		var rl *payment.RateLimitedError
		switch {
		case errors.Is(err, payment.ErrReferenceNotFound):
			writeError(w, http.StatusNotFound, "payment not found")
		case errors.As(err, &rl):
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "payment provider is busy")
		case errors.Is(err, payment.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "payments are not configured")
		default:
			h.logger.Warn("verify payment error", zap.Error(err), zap.String("reference", req.Reference))
			writeError(w, http.StatusBadGateway, "failed to verify payment")
		}
		return
	}

	res, err := h.accounts.Credit(r.Context(), wallet.CreditRequest{
		UserID:    userID,
		Amount:    v.Amount,
		Method:    model.PaymentPaystack,
		Reference: v.Reference,
		Status:    v.Status,
	})
	if err != nil {
		switch {
		case errors.Is(err, wallet.ErrCreditNotSuccessful):
			writeError(w, http.StatusUnprocessableEntity, "payment is not successful")
		case errors.Is(err, wallet.ErrReferenceOwnedByAnother):
			writeError(w, http.StatusConflict, "payment reference already used")
		case errors.Is(err, wallet.ErrInvalidAmount), errors.Is(err, wallet.ErrMissingReference):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.logger.Error("credit wallet error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := topUpResponse{Amount: v.Amount, Duplicate: res.Duplicate}
	if res.Account != nil {
		resp.Balance = res.Account.Balance
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health сообщает о доступности сервиса и БД.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
