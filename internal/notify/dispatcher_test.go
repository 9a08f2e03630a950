package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"communitymarket/internal/models"

	"go.uber.org/zap"
)

type recordingSink struct {
	mu        sync.Mutex
	delivered []Event
	err       error
	done      chan struct{}
}

func (s *recordingSink) Deliver(ctx context.Context, event Event) error {
	s.mu.Lock()
	s.delivered = append(s.delivered, event)
	s.mu.Unlock()
	if s.done != nil {
		s.done <- struct{}{}
	}
	return s.err
}

func (s *recordingSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.delivered...)
}

func waitDelivery(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestDispatcherDelivers(t *testing.T) {
	sink := &recordingSink{done: make(chan struct{}, 1)}
	d := NewDispatcher(sink, zap.NewNop(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Dispatch(Event{Type: EventOrderCreated, UserID: "publisher-1", OrderID: "order-1"})
	waitDelivery(t, sink.done)

	got := sink.events()
	if len(got) != 1 {
		t.Fatalf("delivered %d events", len(got))
	}
	if got[0].Type != EventOrderCreated || got[0].UserID != "publisher-1" {
		t.Errorf("event = %+v", got[0])
	}
}

func TestDispatchDropsWhenFull(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, zap.NewNop(), 1)

	// No drain goroutine running; the second event has nowhere to go and
	// must not block the caller.
	done := make(chan struct{})
	go func() {
		d.Dispatch(Event{Type: EventOrderCreated})
		d.Dispatch(Event{Type: EventOrderAccepted})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a full queue")
	}
}

func TestDispatcherSurvivesSinkError(t *testing.T) {
	sink := &recordingSink{err: errors.New("insert failed"), done: make(chan struct{}, 2)}
	d := NewDispatcher(sink, zap.NewNop(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Dispatch(Event{Type: EventPaymentSuccess, UserID: "receiver-1"})
	waitDelivery(t, sink.done)
	d.Dispatch(Event{Type: EventPaymentFailed, UserID: "receiver-1"})
	waitDelivery(t, sink.done)

	if got := len(sink.events()); got != 2 {
		t.Fatalf("delivered %d events, a sink error must not stop the drain", got)
	}
}

type memNotificationWriter struct {
	mu   sync.Mutex
	rows []*models.Notification
}

func (w *memNotificationWriter) InsertNotification(ctx context.Context, n *models.Notification) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = append(w.rows, n)
	return nil
}

func TestStoreSinkWritesUnreadRow(t *testing.T) {
	writer := &memNotificationWriter{}
	sink := StoreSink{Notifications: writer}

	err := sink.Deliver(context.Background(), Event{
		Type:      EventPaymentReceived,
		UserID:    "publisher-1",
		Title:     "Payment received",
		Content:   "Order \"dog walking\" received a payment of ¥88.00",
		OrderID:   "order-1",
		ListingID: "listing-1",
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if len(writer.rows) != 1 {
		t.Fatalf("rows = %d", len(writer.rows))
	}
	row := writer.rows[0]
	if row.ID == "" {
		t.Error("row needs a generated id")
	}
	if row.Status != "unread" {
		t.Errorf("status = %q", row.Status)
	}
	if row.UserID != "publisher-1" || row.Type != EventPaymentReceived {
		t.Errorf("row = %+v", row)
	}
	if row.OrderID != "order-1" || row.ListingID != "listing-1" {
		t.Errorf("references = %q %q", row.OrderID, row.ListingID)
	}
}
