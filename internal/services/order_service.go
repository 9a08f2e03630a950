package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"communitymarket/internal/models"
	"communitymarket/internal/notify"
	"communitymarket/internal/store"
	"communitymarket/internal/wechatpay"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderStore is the persisted order aggregate, the only writer of order and
// payment status.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderByTradeNo(ctx context.Context, outTradeNo string) (*models.Order, error)
	ListOrdersForUser(ctx context.Context, userID string) ([]*models.Order, error)
	HasActiveOrder(ctx context.Context, listingID, receiverID string) (bool, error)
	UpdateOrderStatus(ctx context.Context, orderID string, from, to models.OrderStatus, entry models.TimelineEntry) (int64, error)
	SetPaymentPending(ctx context.Context, orderID string) (int64, error)
	PaymentSucceeded(ctx context.Context, orderID, transactionID string, amountFen int64, paidAt time.Time, entry *models.TimelineEntry) (int64, error)
	PaymentFailed(ctx context.Context, orderID string, paidAt time.Time) (int64, error)
	ListStalePending(ctx context.Context, cutoff time.Time) ([]*models.Order, error)
}

// ListingStore exposes the listing collaborator; the state machine mutates
// only its availability status.
type ListingStore interface {
	GetListing(ctx context.Context, listingID string) (*models.Listing, error)
	SetListingStatus(ctx context.Context, listingID string, status models.ListingStatus) error
}

// Gateway is the synchronous payment gateway surface.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req wechatpay.IntentRequest) (*wechatpay.Prepay, error)
	QueryPayment(ctx context.Context, outTradeNo string) (*wechatpay.TradeState, error)
	ClosePayment(ctx context.Context, outTradeNo string) error
}

// Dispatcher receives fire-and-forget notification events.
type Dispatcher interface {
	Dispatch(event notify.Event)
}

type transitionRole int

const (
	roleAnyParty transitionRole = iota
	rolePublisher
	roleReceiver
)

type transitionEdge struct {
	from models.OrderStatus
	to   models.OrderStatus
}

// transitionTable holds every legal status edge with the role allowed to
// drive it. Completed and Cancelled are terminal: they appear on no edge.
var transitionTable = map[transitionEdge]transitionRole{
	{models.OrderAwaitingAcceptance, models.OrderInProgress}: roleReceiver,
	{models.OrderAwaitingAcceptance, models.OrderCancelled}:  roleAnyParty,
	{models.OrderInProgress, models.OrderCompleted}:          rolePublisher,
	{models.OrderInProgress, models.OrderCancelled}:          roleAnyParty,
}

var transitionNotes = map[models.OrderStatus]string{
	models.OrderAwaitingAcceptance: "order created, waiting for acceptance",
	models.OrderInProgress:         "order accepted, service in progress",
	models.OrderCompleted:          "service completed",
	models.OrderCancelled:          "order cancelled",
}

type OrderService struct {
	Store    OrderStore
	Listings ListingStore
	Gateway  Gateway
	Notify   Dispatcher
	Locks    *OrderLocks
	Logger   *zap.Logger

	// AllowSelfOrder permits a receiver to order their own listing.
	AllowSelfOrder bool

	Clock func() time.Time
}

func (s *OrderService) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

// CreateOrder opens an order for a published listing, snapshotting the
// listing's price and metadata so later listing edits cannot alter it.
func (s *OrderService) CreateOrder(ctx context.Context, listingID, receiverID string) (*models.Order, error) {
	listing, err := s.Listings.GetListing(ctx, listingID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("listing %s: %w", listingID, ErrNotFound)
		}
		return nil, err
	}
	if listing.Status != models.ListingPublished {
		return nil, fmt.Errorf("listing %s: %w", listingID, ErrUnavailable)
	}
	if !s.AllowSelfOrder && listing.OwnerID == receiverID {
		return nil, fmt.Errorf("%w: cannot order your own listing", ErrForbidden)
	}

	active, err := s.Store.HasActiveOrder(ctx, listingID, receiverID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, fmt.Errorf("listing %s: %w", listingID, ErrDuplicateOrder)
	}

	now := s.now()
	id := uuid.NewString()
	order := &models.Order{
		ID:            id,
		ListingID:     listingID,
		PublisherID:   listing.OwnerID,
		ReceiverID:    receiverID,
		Status:        models.OrderAwaitingAcceptance,
		PaymentStatus: models.PaymentUnpaid,
		Price:         listing.Price,
		Title:         listing.Title,
		Description:   listing.Description,
		Location:      listing.Location,
		OutTradeNo:    wechatpay.TradeNo(id, now),
		Timeline: []models.TimelineEntry{{
			Status: models.OrderAwaitingAcceptance,
			At:     now,
			Actor:  receiverID,
			Note:   transitionNotes[models.OrderAwaitingAcceptance],
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.Store.CreateOrder(ctx, order); err != nil {
		// The store's unique constraint closes the race the existence
		// check above cannot: two creations passing HasActiveOrder at
		// the same time still resolve to one order.
		if errors.Is(err, store.ErrActiveOrderExists) {
			return nil, fmt.Errorf("listing %s: %w", listingID, ErrDuplicateOrder)
		}
		return nil, err
	}

	s.Notify.Dispatch(notify.Event{
		Type:      notify.EventOrderCreated,
		UserID:    order.PublisherID,
		Title:     "New order",
		Content:   fmt.Sprintf("Your listing %q has a new order", order.Title),
		OrderID:   order.ID,
		ListingID: order.ListingID,
	})
	return order, nil
}

// ApplyTransition validates and applies one status change on behalf of
// actorID, enforcing the transition table and its per-edge role.
func (s *OrderService) ApplyTransition(ctx context.Context, orderID string, requested models.OrderStatus, actorID string) (*models.Order, error) {
	unlock := s.Locks.Lock(orderID)
	defer unlock()

	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
		}
		return nil, err
	}
	if !order.Party(actorID) {
		return nil, fmt.Errorf("%w: not a party to this order", ErrForbidden)
	}

	role, ok := transitionTable[transitionEdge{order.Status, requested}]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, requested)
	}
	switch role {
	case rolePublisher:
		if actorID != order.PublisherID {
			return nil, fmt.Errorf("%w: only the publisher may complete", ErrForbidden)
		}
	case roleReceiver:
		if actorID != order.ReceiverID {
			return nil, fmt.Errorf("%w: only the receiver may accept", ErrForbidden)
		}
	}

	now := s.now()
	entry := models.TimelineEntry{
		Status: requested,
		At:     now,
		Actor:  actorID,
		Note:   transitionNotes[requested],
	}
	affected, err := s.Store.UpdateOrderStatus(ctx, orderID, order.Status, requested, entry)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: order changed concurrently", ErrInvalidTransition)
	}

	previous := order.Status
	order.Status = requested
	order.Timeline = append(order.Timeline, entry)
	order.UpdatedAt = now

	if err := s.applySideEffects(ctx, order, previous); err != nil {
		return nil, err
	}
	s.notifyTransition(order, actorID)
	return order, nil
}

func (s *OrderService) applySideEffects(ctx context.Context, order *models.Order, previous models.OrderStatus) error {
	switch order.Status {
	case models.OrderInProgress:
		if err := s.Listings.SetListingStatus(ctx, order.ListingID, models.ListingAccepted); err != nil {
			return fmt.Errorf("mark listing accepted: %w", err)
		}
	case models.OrderCompleted:
		if err := s.Listings.SetListingStatus(ctx, order.ListingID, models.ListingCompleted); err != nil {
			return fmt.Errorf("mark listing completed: %w", err)
		}
	case models.OrderCancelled:
		if previous == models.OrderInProgress {
			if err := s.Listings.SetListingStatus(ctx, order.ListingID, models.ListingPublished); err != nil {
				return fmt.Errorf("republish listing: %w", err)
			}
		}
		if order.PaymentStatus == models.PaymentPending {
			// Best effort: the sweep settles the payment either way.
			if err := s.Gateway.ClosePayment(ctx, order.OutTradeNo); err != nil {
				s.Logger.Warn("close payment failed",
					zap.String("order_id", order.ID),
					zap.String("out_trade_no", order.OutTradeNo),
					zap.Error(err))
			}
		}
	}
	return nil
}

func (s *OrderService) notifyTransition(order *models.Order, actorID string) {
	var event notify.Event
	switch order.Status {
	case models.OrderInProgress:
		event = notify.Event{
			Type:    notify.EventOrderAccepted,
			UserID:  order.PublisherID,
			Title:   "Order accepted",
			Content: fmt.Sprintf("Your order %q was accepted", order.Title),
		}
	case models.OrderCompleted:
		event = notify.Event{
			Type:    notify.EventOrderCompleted,
			UserID:  order.ReceiverID,
			Title:   "Order completed",
			Content: fmt.Sprintf("Order %q was marked completed", order.Title),
		}
	case models.OrderCancelled:
		target := order.PublisherID
		if actorID == order.PublisherID {
			target = order.ReceiverID
		}
		event = notify.Event{
			Type:    notify.EventOrderCancelled,
			UserID:  target,
			Title:   "Order cancelled",
			Content: fmt.Sprintf("Order %q was cancelled", order.Title),
		}
	default:
		return
	}
	event.OrderID = order.ID
	event.ListingID = order.ListingID
	s.Notify.Dispatch(event)
}

// RequestPayment places a payment intent with the gateway and marks the
// payment pending. Gateway failures leave the payment status untouched so
// the caller can retry; the retry reuses the order's out_trade_no.
func (s *OrderService) RequestPayment(ctx context.Context, orderID, actorID, clientIP string) (*wechatpay.Prepay, error) {
	unlock := s.Locks.Lock(orderID)
	defer unlock()

	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
		}
		return nil, err
	}
	if !order.Party(actorID) {
		return nil, fmt.Errorf("%w: not a party to this order", ErrForbidden)
	}
	if order.Status.Terminal() {
		return nil, fmt.Errorf("%w: order is closed", ErrInvalidTransition)
	}
	switch order.PaymentStatus {
	case models.PaymentPaid:
		return nil, fmt.Errorf("%w: order already paid", ErrInvalidTransition)
	case models.PaymentPending:
		return nil, fmt.Errorf("order %s: %w", orderID, ErrDuplicatePending)
	}

	if clientIP == "" {
		clientIP = "127.0.0.1"
	}
	prepay, err := s.Gateway.CreatePaymentIntent(ctx, wechatpay.IntentRequest{
		OutTradeNo: order.OutTradeNo,
		Body:       order.Title,
		Price:      order.Price,
		PayerID:    actorID,
		ClientIP:   clientIP,
	})
	if err != nil {
		return nil, err
	}

	affected, err := s.Store.SetPaymentPending(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrDuplicatePending)
	}

	s.Logger.Info("payment intent created",
		zap.String("order_id", orderID),
		zap.String("out_trade_no", order.OutTradeNo),
		zap.String("prepay_id", prepay.PrepayID))
	return prepay, nil
}

// GetOrder returns an order to one of its two parties.
func (s *OrderService) GetOrder(ctx context.Context, orderID, actorID string) (*models.Order, error) {
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
		}
		return nil, err
	}
	if !order.Party(actorID) {
		return nil, fmt.Errorf("%w: not a party to this order", ErrForbidden)
	}
	return order, nil
}

// ListOrders returns every order the user takes part in, newest first.
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]*models.Order, error) {
	return s.Store.ListOrdersForUser(ctx, userID)
}
