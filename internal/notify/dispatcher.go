package notify

import (
	"context"
	"time"

	"communitymarket/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventOrderCreated    = "order_created"
	EventOrderAccepted   = "order_accepted"
	EventOrderCompleted  = "order_completed"
	EventOrderCancelled  = "order_cancelled"
	EventPaymentReceived = "payment_received"
	EventPaymentSuccess  = "payment_success"
	EventPaymentFailed   = "payment_failed"
)

// Event is a fire-and-forget notification emitted by the order core.
// Nothing in the core observes the outcome of delivering one.
type Event struct {
	Type      string
	UserID    string
	Title     string
	Content   string
	OrderID   string
	ListingID string
}

// Sink delivers a single event. The store-backed sink writes a
// notifications row; delivery rendering and push transport live elsewhere.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// StoreSink persists events as unread notification rows.
type StoreSink struct {
	Notifications NotificationWriter
}

type NotificationWriter interface {
	InsertNotification(ctx context.Context, n *models.Notification) error
}

func (s StoreSink) Deliver(ctx context.Context, event Event) error {
	return s.Notifications.InsertNotification(ctx, &models.Notification{
		ID:        uuid.NewString(),
		UserID:    event.UserID,
		Type:      event.Type,
		Title:     event.Title,
		Content:   event.Content,
		OrderID:   event.OrderID,
		ListingID: event.ListingID,
		Status:    "unread",
	})
}

// Dispatcher decouples notification delivery from the transactional write
// path: Dispatch never blocks and never fails the caller. A full buffer or
// a sink error is logged and the event is dropped.
type Dispatcher struct {
	sink    Sink
	logger  *zap.Logger
	events  chan Event
	timeout time.Duration
}

func NewDispatcher(sink Sink, logger *zap.Logger, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Dispatcher{
		sink:    sink,
		logger:  logger,
		events:  make(chan Event, buffer),
		timeout: 5 * time.Second,
	}
}

// Start drains the queue until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-d.events:
				d.deliver(event)
			}
		}
	}()
}

// Dispatch enqueues an event without blocking.
func (d *Dispatcher) Dispatch(event Event) {
	select {
	case d.events <- event:
	default:
		d.logger.Warn("notification queue full, dropping event",
			zap.String("type", event.Type),
			zap.String("order_id", event.OrderID))
	}
}

func (d *Dispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Deliver(ctx, event); err != nil {
		d.logger.Warn("notification delivery failed",
			zap.String("type", event.Type),
			zap.String("user_id", event.UserID),
			zap.String("order_id", event.OrderID),
			zap.Error(err))
	}
}
