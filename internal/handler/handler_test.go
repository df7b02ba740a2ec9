package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostmart/internal/middleware"
	"github.com/mmeshcher/boostmart/internal/model"
	"github.com/mmeshcher/boostmart/internal/order"
	"github.com/mmeshcher/boostmart/internal/payment"
	"github.com/mmeshcher/boostmart/internal/wallet"
)

type stubOrders struct {
	placed   *model.Order
	placeErr error
	lastReq  order.Request

	listResp  []model.Order
	listErr   error
	lastLimit int
}

func (s *stubOrders) PlaceOrder(_ context.Context, req order.Request) (*model.Order, error) {
	s.lastReq = req
	return s.placed, s.placeErr
}

func (s *stubOrders) List(_ context.Context, _ int64, limit, _ int) ([]model.Order, error) {
	s.lastLimit = limit
	return s.listResp, s.listErr
}

type stubAccounts struct {
	status    model.AccountStatus
	statusErr error

	history    []model.FundsTransaction
	historyErr error

	credit     *wallet.CreditResult
	creditErr  error
	lastCredit wallet.CreditRequest
}

func (s *stubAccounts) Status(context.Context, int64) (model.AccountStatus, error) {
	return s.status, s.statusErr
}

func (s *stubAccounts) History(context.Context, int64, int, int) ([]model.FundsTransaction, error) {
	return s.history, s.historyErr
}

func (s *stubAccounts) Credit(_ context.Context, req wallet.CreditRequest) (*wallet.CreditResult, error) {
	s.lastCredit = req
	return s.credit, s.creditErr
}

type stubPayments struct {
	verification *payment.Verification
	err          error
}

func (s *stubPayments) Verify(context.Context, string) (*payment.Verification, error) {
	return s.verification, s.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestHandler(t *testing.T, orders OrderService, accounts AccountService, payments PaymentVerifier) *Handler {
	t.Helper()

	auth := middleware.NewAuthMiddleware("test-secret")
	return NewHandler(orders, accounts, payments, nil, zap.NewNop(), auth)
}

func serve(h *Handler, method, target string, body []byte, userID int64) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if userID > 0 {
		req.Header.Set("Authorization", "Bearer "+h.authMiddleware.Issue(userID))
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func TestPlaceOrder_Created(t *testing.T) {
	orders := &stubOrders{placed: &model.Order{
		OrderID:   9001,
		ServiceID: 12,
		Link:      "https://instagram.com/p/x",
		Quantity:  100,
		Charge:    decimal.RequireFromString("150"),
		Remains:   100,
		Status:    model.OrderStatusPending,
		CreatedAt: time.Now(),
	}}
	h := newTestHandler(t, orders, &stubAccounts{}, nil)

	body, _ := json.Marshal(placeOrderRequest{ServiceID: 12, Link: "https://instagram.com/p/x", Quantity: 100})
	rec := serve(h, http.MethodPost, "/api/orders", body, 5)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if orders.lastReq.UserID != 5 || orders.lastReq.ServiceID != 12 || orders.lastReq.Quantity != 100 {
		t.Fatalf("unexpected request: %+v", orders.lastReq)
	}

	var resp orderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OrderID != 9001 || resp.Status != "Pending" || !resp.Charge.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPlaceOrder_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &order.ValidationError{Field: "quantity", Reason: "must be positive"}, http.StatusBadRequest},
		{"insufficient funds", wallet.ErrInsufficientFunds, http.StatusPaymentRequired},
		{"upstream failure", order.ErrPlacementFailed, http.StatusBadGateway},
		{"internal", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubOrders{placeErr: tt.err}, &stubAccounts{}, nil)

			body, _ := json.Marshal(placeOrderRequest{ServiceID: 1, Link: "https://x.com/a", Quantity: 1})
			rec := serve(h, http.MethodPost, "/api/orders", body, 1)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestPlaceOrder_UpstreamDetailNotLeaked(t *testing.T) {
	h := newTestHandler(t, &stubOrders{placeErr: order.ErrPlacementFailed}, &stubAccounts{}, nil)

	body, _ := json.Marshal(placeOrderRequest{ServiceID: 1, Link: "https://x.com/a", Quantity: 1})
	rec := serve(h, http.MethodPost, "/api/orders", body, 1)

	if !strings.Contains(rec.Body.String(), "failed to place order") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestPlaceOrder_BadBody(t *testing.T) {
	h := newTestHandler(t, &stubOrders{}, &stubAccounts{}, nil)

	rec := serve(h, http.MethodPost, "/api/orders", []byte("{"), 1)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestRoutes_RequireAuth(t *testing.T) {
	h := newTestHandler(t, &stubOrders{}, &stubAccounts{}, nil)

	for _, target := range []string{"/api/orders", "/api/account", "/api/account/transactions"} {
		rec := serve(h, http.MethodGet, target, nil, 0)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want %d", target, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestGetOrders_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubOrders{listResp: []model.Order{}}, &stubAccounts{}, nil)

	rec := serve(h, http.MethodGet, "/api/orders", nil, 1)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestGetOrders_JSONResponse(t *testing.T) {
	orders := &stubOrders{listResp: []model.Order{
		{OrderID: 2, Status: model.OrderStatusPartial, Charge: decimal.NewFromInt(3), CreatedAt: time.Now()},
		{OrderID: 1, Status: model.OrderStatusCompleted, Charge: decimal.NewFromInt(4), CreatedAt: time.Now()},
	}}
	h := newTestHandler(t, orders, &stubAccounts{}, nil)

	rec := serve(h, http.MethodGet, "/api/orders?limit=2", nil, 1)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
	if orders.lastLimit != 2 {
		t.Fatalf("limit = %d, want 2", orders.lastLimit)
	}

	var resp []orderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 2 || resp[0].OrderID != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetAccount(t *testing.T) {
	accounts := &stubAccounts{status: model.AccountStatus{
		Balance:         decimal.RequireFromString("12.5"),
		Tier:            model.Tier2,
		TotalOrders:     4,
		CompletedOrders: 3,
		CompletedAmount: decimal.RequireFromString("30000"),
	}}
	h := newTestHandler(t, &stubOrders{}, accounts, nil)

	rec := serve(h, http.MethodGet, "/api/account", nil, 1)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp accountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Tier != 2 || !resp.Balance.Equal(decimal.RequireFromString("12.5")) || resp.CompletedOrders != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetTransactions(t *testing.T) {
	accounts := &stubAccounts{history: []model.FundsTransaction{{
		TransactionID: 2301780,
		Type:          model.TransactionCredit,
		Amount:        decimal.NewFromInt(50),
		Status:        model.TransactionSuccessful,
		PaymentMethod: model.PaymentPaystack,
		CreatedAt:     time.Now(),
	}}}
	h := newTestHandler(t, &stubOrders{}, accounts, nil)

	rec := serve(h, http.MethodGet, "/api/account/transactions", nil, 1)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"transaction_id":2301780`) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestTopUp_Credits(t *testing.T) {
	payments := &stubPayments{verification: &payment.Verification{
		Reference: "ps_ref_1",
		Amount:    decimal.RequireFromString("1500.5"),
		Status:    model.TransactionSuccessful,
	}}
	accounts := &stubAccounts{credit: &wallet.CreditResult{
		Account: &model.Account{UserID: 3, Balance: decimal.RequireFromString("1500.5")},
	}}
	h := newTestHandler(t, &stubOrders{}, accounts, payments)

	body, _ := json.Marshal(topUpRequest{Reference: "ps_ref_1"})
	rec := serve(h, http.MethodPost, "/api/account/funds", body, 3)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if accounts.lastCredit.Method != model.PaymentPaystack || accounts.lastCredit.UserID != 3 {
		t.Fatalf("unexpected credit request: %+v", accounts.lastCredit)
	}
	if !accounts.lastCredit.Amount.Equal(decimal.RequireFromString("1500.5")) {
		t.Fatalf("amount = %s", accounts.lastCredit.Amount)
	}
}

func TestTopUp_ErrorMapping(t *testing.T) {
	ok := &payment.Verification{Reference: "r1", Amount: decimal.NewFromInt(1), Status: model.TransactionSuccessful}

	tests := []struct {
		name      string
		reference string
		verify    *stubPayments
		creditErr error
		want      int
	}{
		{"bad reference", "bad ref!", &stubPayments{verification: ok}, nil, http.StatusBadRequest},
		{"not found", "r1", &stubPayments{err: payment.ErrReferenceNotFound}, nil, http.StatusNotFound},
		{"rate limited", "r1", &stubPayments{err: &payment.RateLimitedError{RetryAfter: 5 * time.Second}}, nil, http.StatusTooManyRequests},
		{"gateway", "r1", &stubPayments{err: errors.New("eof")}, nil, http.StatusBadGateway},
		{"not successful", "r1", &stubPayments{verification: ok}, wallet.ErrCreditNotSuccessful, http.StatusUnprocessableEntity},
		{"other user", "r1", &stubPayments{verification: ok}, wallet.ErrReferenceOwnedByAnother, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := &stubAccounts{creditErr: tt.creditErr, credit: &wallet.CreditResult{}}
			h := newTestHandler(t, &stubOrders{}, accounts, tt.verify)

			body, _ := json.Marshal(topUpRequest{Reference: tt.reference})
			rec := serve(h, http.MethodPost, "/api/account/funds", body, 1)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	auth := middleware.NewAuthMiddleware("s")

	h := NewHandler(&stubOrders{}, &stubAccounts{}, nil, stubPinger{}, zap.NewNop(), auth)
	if rec := serve(h, http.MethodGet, "/healthz", nil, 0); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	h = NewHandler(&stubOrders{}, &stubAccounts{}, nil, stubPinger{err: errors.New("down")}, zap.NewNop(), auth)
	if rec := serve(h, http.MethodGet, "/healthz", nil, 0); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
