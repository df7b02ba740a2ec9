// Package payment проверяет платежи пополнения во внешней платёжной системе.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/boostmart/internal/model"
)

var (
	// ErrNotConfigured возвращается, если не задан секретный ключ.
	ErrNotConfigured = errors.New("paystack client not configured")
	// ErrReferenceNotFound возвращается, если платёж с такой ссылкой не найден.
	ErrReferenceNotFound = errors.New("payment reference not found")
)

// RateLimitedError: платёжная система попросила повторить позже.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("paystack rate limited, retry after %s", e.RetryAfter)
}

// Verification: результат проверки платежа.
type Verification struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Status    model.TransactionStatus
}

type verifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		Status    string `json:"status"`
	} `json:"data"`
}

// Paystack: клиент проверки транзакций Paystack.
type Paystack struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewPaystack создаёт клиент с пулом соединений.
func NewPaystack(baseURL, secretKey string, timeout time.Duration) *Paystack {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = timeout

	return &Paystack{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: httpClient,
	}
}

// Verify запрашивает состояние платежа по ссылке. Сумма приходит в минимальных
// единицах валюты и переводится в основные.
func (p *Paystack) Verify(ctx context.Context, reference string) (*Verification, error) {
	if p == nil || p.baseURL == "" || p.secretKey == "" {
		return nil, ErrNotConfigured
	}

	endpoint := fmt.Sprintf("%s/transaction/verify/%s", p.baseURL, url.PathEscape(reference))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusBadRequest:
		return nil, ErrReferenceNotFound
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	default:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !body.Status {
		return nil, ErrReferenceNotFound
	}

	ref := body.Data.Reference
	if ref == "" {
		ref = reference
	}

	return &Verification{
		Reference: ref,
		Amount:    decimal.New(body.Data.Amount, -2),
		Currency:  body.Data.Currency,
		Status:    mapStatus(body.Data.Status),
	}, nil
}

func mapStatus(s string) model.TransactionStatus {
	switch strings.ToLower(s) {
	case "success":
		return model.TransactionSuccessful
	case "failed", "abandoned", "reversed":
		return model.TransactionFailed
	}
	return model.TransactionPending
}
