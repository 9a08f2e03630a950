package services

import (
	"context"
	"sync"
	"time"

	"communitymarket/internal/models"
	"communitymarket/internal/notify"
	"communitymarket/internal/store"
	"communitymarket/internal/wechatpay"
)

// memOrderStore mirrors the persistence guards of the real store: status
// updates are compare-and-swap, payment settlement only moves forward.
type memOrderStore struct {
	mu     sync.Mutex
	orders map[string]*models.Order
}

func newMemOrderStore(orders ...*models.Order) *memOrderStore {
	s := &memOrderStore{orders: make(map[string]*models.Order)}
	for _, o := range orders {
		s.orders[o.ID] = cloneOrder(o)
	}
	return s
}

func cloneOrder(o *models.Order) *models.Order {
	cp := *o
	cp.Timeline = append([]models.TimelineEntry(nil), o.Timeline...)
	if o.TransactionID != nil {
		v := *o.TransactionID
		cp.TransactionID = &v
	}
	if o.PaidAmountFen != nil {
		v := *o.PaidAmountFen
		cp.PaidAmountFen = &v
	}
	if o.PaidAt != nil {
		v := *o.PaidAt
		cp.PaidAt = &v
	}
	return &cp
}

func (s *memOrderStore) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.ListingID == order.ListingID && o.ReceiverID == order.ReceiverID && !o.Status.Terminal() {
			return store.ErrActiveOrderExists
		}
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *memOrderStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNoRows
	}
	return cloneOrder(o), nil
}

func (s *memOrderStore) GetOrderByTradeNo(ctx context.Context, outTradeNo string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.OutTradeNo == outTradeNo {
			return cloneOrder(o), nil
		}
	}
	return nil, store.ErrNoRows
}

func (s *memOrderStore) ListOrdersForUser(ctx context.Context, userID string) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if o.Party(userID) {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func (s *memOrderStore) HasActiveOrder(ctx context.Context, listingID, receiverID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.ListingID == listingID && o.ReceiverID == receiverID && !o.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *memOrderStore) UpdateOrderStatus(ctx context.Context, orderID string, from, to models.OrderStatus, entry models.TimelineEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != from {
		return 0, nil
	}
	o.Status = to
	o.Timeline = append(o.Timeline, entry)
	o.UpdatedAt = entry.At
	return 1, nil
}

func (s *memOrderStore) SetPaymentPending(ctx context.Context, orderID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return 0, nil
	}
	if o.PaymentStatus != models.PaymentUnpaid && o.PaymentStatus != models.PaymentFailed {
		return 0, nil
	}
	o.PaymentStatus = models.PaymentPending
	return 1, nil
}

func (s *memOrderStore) PaymentSucceeded(ctx context.Context, orderID, transactionID string, amountFen int64, paidAt time.Time, entry *models.TimelineEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.PaymentStatus.Terminal() {
		return 0, nil
	}
	o.PaymentStatus = models.PaymentPaid
	o.TransactionID = &transactionID
	o.PaidAmountFen = &amountFen
	o.PaidAt = &paidAt
	if entry != nil && o.Status == models.OrderAwaitingAcceptance {
		o.Status = entry.Status
		o.Timeline = append(o.Timeline, *entry)
	}
	return 1, nil
}

func (s *memOrderStore) PaymentFailed(ctx context.Context, orderID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.PaymentStatus.Terminal() {
		return 0, nil
	}
	o.PaymentStatus = models.PaymentFailed
	o.UpdatedAt = at
	return 1, nil
}

func (s *memOrderStore) ListStalePending(ctx context.Context, cutoff time.Time) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if o.PaymentStatus == models.PaymentPending && o.UpdatedAt.Before(cutoff) {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

// mustOrder reads the stored row directly, bypassing the service layer.
func (s *memOrderStore) mustOrder(orderID string) *models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneOrder(s.orders[orderID])
}

type memListingStore struct {
	mu       sync.Mutex
	listings map[string]*models.Listing
}

func newMemListingStore(listings ...*models.Listing) *memListingStore {
	s := &memListingStore{listings: make(map[string]*models.Listing)}
	for _, l := range listings {
		cp := *l
		s.listings[l.ID] = &cp
	}
	return s
}

func (s *memListingStore) GetListing(ctx context.Context, listingID string) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[listingID]
	if !ok {
		return nil, store.ErrNoRows
	}
	cp := *l
	return &cp, nil
}

func (s *memListingStore) SetListingStatus(ctx context.Context, listingID string, status models.ListingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[listingID]
	if !ok {
		return store.ErrNoRows
	}
	l.Status = status
	return nil
}

func (s *memListingStore) status(listingID string) models.ListingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listings[listingID].Status
}

type stubGateway struct {
	mu sync.Mutex

	prepay    *wechatpay.Prepay
	intentErr error
	intents   []wechatpay.IntentRequest

	state    *wechatpay.TradeState
	queryErr error
	queries  []string

	closeErr error
	closed   []string
}

func (g *stubGateway) CreatePaymentIntent(ctx context.Context, req wechatpay.IntentRequest) (*wechatpay.Prepay, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents = append(g.intents, req)
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	if g.prepay != nil {
		return g.prepay, nil
	}
	return &wechatpay.Prepay{PrepayID: "stub-prepay"}, nil
}

func (g *stubGateway) QueryPayment(ctx context.Context, outTradeNo string) (*wechatpay.TradeState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries = append(g.queries, outTradeNo)
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	if g.state != nil {
		return g.state, nil
	}
	return &wechatpay.TradeState{State: wechatpay.TradeStateNotPay}, nil
}

func (g *stubGateway) ClosePayment(ctx context.Context, outTradeNo string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = append(g.closed, outTradeNo)
	return g.closeErr
}

type stubDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *stubDispatcher) Dispatch(event notify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

func (d *stubDispatcher) byType(eventType string) []notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []notify.Event
	for _, e := range d.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
