// Package order размещает заказы у провайдера: проверка, резерв средств,
// вызов провайдера и запись заказа с компенсирующим возвратом при сбое.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostmart/internal/catalog"
	"github.com/mmeshcher/boostmart/internal/events"
	"github.com/mmeshcher/boostmart/internal/model"
	"github.com/mmeshcher/boostmart/internal/validation"
	"github.com/mmeshcher/boostmart/internal/wallet"
)

// ErrPlacementFailed возвращается, если провайдер не принял заказ. Детали ошибки только в логе.
var ErrPlacementFailed = errors.New("failed to place order")

const (
	releaseRetries = 3
	releaseBackoff = 200 * time.Millisecond
)

// ValidationError описывает отклонённый до каких-либо изменений запрос.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Catalog ищет активные услуги.
type Catalog interface {
	FindActiveService(ctx context.Context, serviceID int64) (*model.Service, error)
}

// Ledger резервирует и возвращает средства.
type Ledger interface {
	Reserve(ctx context.Context, userID int64, amount decimal.Decimal) (*model.Account, error)
	Refund(ctx context.Context, userID int64, amount decimal.Decimal) (*model.Account, error)
}

// Provider размещает заказ у провайдера.
type Provider interface {
	PlaceOrder(ctx context.Context, serviceID int64, link string, quantity int64) (int64, error)
}

// Store хранит намерения размещения и заказы.
type Store interface {
	CreateIntent(ctx context.Context, in *model.PlacementIntent) error
	MarkIntentPlaced(ctx context.Context, id uuid.UUID, externalOrderID int64) error
	ReleaseIntent(ctx context.Context, id uuid.UUID) error
	CompletePlacement(ctx context.Context, intentID uuid.UUID, o model.Order, event *model.OutboxMessage) (*model.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64, limit, offset int) ([]model.Order, error)
}

// Tracker принимает новые заказы на сверку статусов.
type Tracker interface {
	Register(orderID int64)
}

// ActivityRecorder пишет журнал действий пользователя.
type ActivityRecorder interface {
	Record(ctx context.Context, userID int64, action string) error
}

// Dependencies: коллабораторы Service.
type Dependencies struct {
	Catalog  Catalog
	Ledger   Ledger
	Provider Provider
	Store    Store
	Tracker  Tracker
	Activity ActivityRecorder
	// Topic: топик для событий заказов.
	Topic string
}

// Service размещает заказы.
type Service struct {
	catalog  Catalog
	ledger   Ledger
	provider Provider
	store    Store
	tracker  Tracker
	activity ActivityRecorder
	topic    string
	logger   *zap.Logger

	releaseBackoff time.Duration
}

// NewService создаёт Service.
func NewService(d Dependencies, logger *zap.Logger) *Service {
	return &Service{
		catalog:  d.Catalog,
		ledger:   d.Ledger,
		provider: d.Provider,
		store:    d.Store,
		tracker:  d.Tracker,
		activity: d.Activity,
		topic:    d.Topic,
		logger:   logger,

		releaseBackoff: releaseBackoff,
	}
}

// Request: запрос на размещение заказа.
type Request struct {
	UserID    int64
	ServiceID int64
	Link      string
	Quantity  int64
}

func (s *Service) validate(ctx context.Context, req Request) (*model.Service, error) {
	if req.ServiceID <= 0 {
		return nil, &ValidationError{Field: "service", Reason: "is required"}
	}
	if req.Link == "" {
		return nil, &ValidationError{Field: "link", Reason: "is required"}
	}
	if !validation.IsValidLink(req.Link) {
		return nil, &ValidationError{Field: "link", Reason: "must be an http(s) URL"}
	}
	if req.Quantity <= 0 {
		return nil, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	svc, err := s.catalog.FindActiveService(ctx, req.ServiceID)
	if err != nil {
		if errors.Is(err, catalog.ErrServiceNotFound) {
			return nil, &ValidationError{Field: "service", Reason: "not found or inactive"}
		}
		return nil, fmt.Errorf("find service: %w", err)
	}

	if req.Quantity < svc.Min || req.Quantity > svc.Max {
		return nil, &ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("must be between %d and %d", svc.Min, svc.Max),
		}
	}

	return svc, nil
}

// Charge возвращает стоимость заказа: цена за единицу, умноженная на количество.
func Charge(rate decimal.Decimal, quantity int64) decimal.Decimal {
	return rate.Mul(decimal.NewFromInt(quantity))
}

// PlaceOrder проверяет запрос, резервирует средства и размещает заказ у провайдера.
// Если провайдер отказал, упал по таймауту или вызов паниковал, резерв возвращается.
func (s *Service) PlaceOrder(ctx context.Context, req Request) (*model.Order, error) {
	req.Link = strings.TrimSpace(req.Link)

	svc, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	charge := Charge(svc.Rate, req.Quantity)

	if _, err := s.ledger.Reserve(ctx, req.UserID, charge); err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve funds: %w", err)
	}

	// Дальше исход должен зафиксироваться даже при отмене запроса клиентом.
	bg := context.WithoutCancel(ctx)

	intent := &model.PlacementIntent{
		ID:        uuid.New(),
		UserID:    req.UserID,
		ServiceID: req.ServiceID,
		Link:      req.Link,
		Quantity:  req.Quantity,
		Charge:    charge,
	}
	if err := s.store.CreateIntent(bg, intent); err != nil {
		s.refund(bg, req.UserID, charge, "intent not saved")
		return nil, fmt.Errorf("save placement intent: %w", err)
	}

	externalID, err := s.callProvider(ctx, req)
	if err != nil {
		s.logger.Warn("provider rejected order",
			zap.Int64("userID", req.UserID),
			zap.Int64("serviceID", req.ServiceID),
			zap.String("intentID", intent.ID.String()),
			zap.Error(err),
		)
		if s.refund(bg, req.UserID, charge, "placement failed") {
			s.releaseIntent(bg, intent.ID)
		}
		return nil, ErrPlacementFailed
	}

	if err := s.store.MarkIntentPlaced(bg, intent.ID, externalID); err != nil {
		s.logger.Warn("mark placement intent failed",
			zap.String("intentID", intent.ID.String()),
			zap.Int64("orderID", externalID),
			zap.Error(err),
		)
	}

	o := model.Order{
		OrderID:    externalID,
		UserID:     req.UserID,
		ServiceID:  req.ServiceID,
		Link:       req.Link,
		Quantity:   req.Quantity,
		Charge:     charge,
		StartCount: 0,
		Remains:    req.Quantity,
		Status:     model.OrderStatusPending,
	}

	saved, err := s.complete(bg, intent.ID, o)
	if err != nil {
		s.logger.Error("order placed upstream but not recorded",
			zap.Int64("orderID", externalID),
			zap.String("intentID", intent.ID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	if s.tracker != nil {
		s.tracker.Register(saved.OrderID)
	}

	s.recordActivity(bg, req.UserID, fmt.Sprintf("placed an order of %d %s", req.Quantity, svc.Name))

	s.logger.Info("order placed",
		zap.Int64("orderID", saved.OrderID),
		zap.Int64("userID", saved.UserID),
		zap.String("charge", saved.Charge.String()),
	)

	return saved, nil
}

// releaseIntent закрывает намерение после успешного возврата. Незакрытое намерение
// восстановление позже пометит как зависшее, поэтому запись повторяется.
func (s *Service) releaseIntent(ctx context.Context, id uuid.UUID) {
	backoff := retry.WithMaxRetries(releaseRetries-1, retry.NewConstant(s.releaseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.store.ReleaseIntent(ctx, id); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("release placement intent failed, funds already refunded",
			zap.String("intentID", id.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) complete(ctx context.Context, intentID uuid.UUID, o model.Order) (*model.Order, error) {
	event, err := events.OrderPlaced(s.topic, o)
	if err != nil {
		return nil, err
	}

	saved, err := s.store.CompletePlacement(ctx, intentID, o, event)
	if err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}
	return saved, nil
}

// callProvider превращает панику клиента в ошибку, чтобы возврат средств выполнился всегда.
func (s *Service) callProvider(ctx context.Context, req Request) (id int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider call panicked: %v", r)
		}
	}()

	return s.provider.PlaceOrder(ctx, req.ServiceID, req.Link, req.Quantity)
}

func (s *Service) refund(ctx context.Context, userID int64, amount decimal.Decimal, reason string) bool {
	if _, err := s.ledger.Refund(ctx, userID, amount); err != nil {
		s.logger.Error("refund of reserved funds failed",
			zap.Int64("userID", userID),
			zap.String("amount", amount.String()),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *Service) recordActivity(ctx context.Context, userID int64, action string) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Record(ctx, userID, action); err != nil {
		s.logger.Warn("record activity failed", zap.Int64("userID", userID), zap.Error(err))
	}
}

// List возвращает заказы пользователя, новые первыми.
func (s *Service) List(ctx context.Context, userID int64, limit, offset int) ([]model.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	orders, err := s.store.ListOrdersByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}
