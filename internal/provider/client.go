// Package provider предоставляет клиент API провайдера, исполняющего заказы.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// MaxBulkIDs: сколько идентификаторов провайдер принимает в одном запросе статусов.
const MaxBulkIDs = 100

const maxResponseBytes = 8 << 20

var (
	// ErrNotConfigured возвращается, если клиент создан без адреса API.
	ErrNotConfigured = errors.New("provider client not configured")
	// ErrMalformedResponse возвращается, если ответ провайдера не удалось разобрать.
	ErrMalformedResponse = errors.New("malformed provider response")
	// ErrTooManyIDs возвращается при попытке запросить больше MaxBulkIDs статусов за раз.
	ErrTooManyIDs = fmt.Errorf("bulk status accepts at most %d ids", MaxBulkIDs)
)

// APIError описывает ошибку, которую провайдер вернул в поле error.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return "provider error: " + e.Message
}

// Client инкапсулирует HTTP-взаимодействие с API провайдера.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option настраивает клиент.
type Option func(*Client)

// WithHTTPClient подменяет HTTP-клиент.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimit ограничивает частоту запросов к провайдеру.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewClient создаёт клиент API провайдера. timeout ограничивает каждый запрос целиком.
func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = timeout

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: hc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status: состояние заказа у провайдера. Числовые поля провайдер отдаёт строками.
type Status struct {
	Status     string
	StartCount string
	Remains    string
	Charge     string
	Currency   string
}

// StatusResult: результат запроса статуса одного заказа: либо статус, либо ошибка.
type StatusResult struct {
	status Status
	err    error
}

// StatusOK оборачивает успешный статус.
func StatusOK(s Status) StatusResult {
	return StatusResult{status: s}
}

// StatusError оборачивает ошибку провайдера по конкретному заказу.
func StatusError(message string) StatusResult {
	return StatusResult{err: &APIError{Message: message}}
}

// Unwrap возвращает статус или ошибку провайдера.
func (r StatusResult) Unwrap() (Status, error) {
	return r.status, r.err
}

// Balance: баланс аккаунта у провайдера.
type Balance struct {
	Balance  decimal.Decimal
	Currency string
}

// Service: услуга из каталога провайдера.
type Service struct {
	ServiceID int64
	Name      string
	Type      string
	Category  string
	Rate      decimal.Decimal
	Min       int64
	Max       int64
	Refill    bool
	Cancel    bool
}

// PlaceOrder размещает заказ и возвращает его идентификатор у провайдера.
// Повторов нет: решение о повторе принимает вызывающий.
func (c *Client) PlaceOrder(ctx context.Context, serviceID int64, link string, quantity int64) (int64, error) {
	body, err := c.call(ctx, "add", url.Values{
		"service":  {strconv.FormatInt(serviceID, 10)},
		"link":     {link},
		"quantity": {strconv.FormatInt(quantity, 10)},
	})
	if err != nil {
		return 0, err
	}

	var resp struct {
		Order json.Number `json:"order"`
		Error string      `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.Error != "" {
		return 0, &APIError{Message: resp.Error}
	}

	id, err := resp.Order.Int64()
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: missing order id", ErrMalformedResponse)
	}
	return id, nil
}

// Status запрашивает статус одного заказа.
func (c *Client) Status(ctx context.Context, orderID int64) (Status, error) {
	body, err := c.call(ctx, "status", url.Values{
		"order": {strconv.FormatInt(orderID, 10)},
	})
	if err != nil {
		return Status{}, err
	}
	return decodeStatus(body)
}

// BulkStatus запрашивает статусы не более чем MaxBulkIDs заказов одним запросом.
// Разбивку на пачки выполняет вызывающий.
func (c *Client) BulkStatus(ctx context.Context, orderIDs []int64) (map[int64]StatusResult, error) {
	if len(orderIDs) == 0 {
		return map[int64]StatusResult{}, nil
	}
	if len(orderIDs) > MaxBulkIDs {
		return nil, ErrTooManyIDs
	}

	ids := make([]string, len(orderIDs))
	for i, id := range orderIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}

	body, err := c.call(ctx, "status", url.Values{
		"orders": {strings.Join(ids, ",")},
	})
	if err != nil {
		return nil, err
	}
	return decodeBulkStatus(body)
}

// Balance запрашивает баланс аккаунта у провайдера.
func (c *Client) Balance(ctx context.Context) (Balance, error) {
	body, err := c.call(ctx, "balance", nil)
	if err != nil {
		return Balance{}, err
	}

	var resp struct {
		Balance  *decimal.Decimal `json:"balance"`
		Currency string           `json:"currency"`
		Error    string           `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Balance{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.Error != "" {
		return Balance{}, &APIError{Message: resp.Error}
	}
	if resp.Balance == nil {
		return Balance{}, fmt.Errorf("%w: missing balance", ErrMalformedResponse)
	}

	return Balance{Balance: *resp.Balance, Currency: resp.Currency}, nil
}

type serviceJSON struct {
	Service  json.Number     `json:"service"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Category string          `json:"category"`
	Rate     decimal.Decimal `json:"rate"`
	Min      json.Number     `json:"min"`
	Max      json.Number     `json:"max"`
	Refill   bool            `json:"refill"`
	Cancel   bool            `json:"cancel"`
}

// Services загружает каталог услуг провайдера.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	body, err := c.call(ctx, "services", nil)
	if err != nil {
		return nil, err
	}

	var items []serviceJSON
	if err := json.Unmarshal(body, &items); err != nil {
		var tagged struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &tagged) == nil && tagged.Error != "" {
			return nil, &APIError{Message: tagged.Error}
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	res := make([]Service, 0, len(items))
	for _, it := range items {
		id, err := it.Service.Int64()
		if err != nil {
			continue
		}
		minQty, _ := it.Min.Int64()
		maxQty, _ := it.Max.Int64()

		res = append(res, Service{
			ServiceID: id,
			Name:      it.Name,
			Type:      it.Type,
			Category:  it.Category,
			Rate:      it.Rate,
			Min:       minQty,
			Max:       maxQty,
			Refill:    it.Refill,
			Cancel:    it.Cancel,
		})
	}
	return res, nil
}

func (c *Client) call(ctx context.Context, action string, params url.Values) ([]byte, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait rate limiter: %w", err)
		}
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("key", c.apiKey)
	q.Set("action", action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return body, nil
}
