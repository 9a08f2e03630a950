package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"communitymarket/internal/models"
	"communitymarket/internal/notify"
	"communitymarket/internal/store"
	"communitymarket/internal/wechatpay"

	"go.uber.org/zap"
)

const gatewayActor = "gateway"

// Reconciler consumes asynchronous gateway callbacks and drives the payment
// status to a terminal value exactly once per real payment event. The
// gateway delivers at least once, so every path here is idempotent.
type Reconciler struct {
	Store    OrderStore
	Listings ListingStore
	Gateway  Gateway
	Notify   Dispatcher
	Locks    *OrderLocks
	Logger   *zap.Logger

	// APIKey verifies callback signatures; it must match the key the
	// gateway signs notifications with.
	APIKey string

	// PendingTimeout is how long a payment may sit pending before the
	// sweep asks the gateway for its authoritative state.
	PendingTimeout time.Duration
	Interval       time.Duration

	Clock func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Clock != nil {
		return r.Clock().UTC()
	}
	return time.Now().UTC()
}

// HandleCallback verifies and applies one raw callback envelope. The error
// decides the acknowledgment: ErrMalformedCallback, ErrUnauthenticated and
// persistence failures ask the gateway to redeliver; ErrUnknownOrder and
// nil suppress redelivery. State is persisted before this returns, so a
// success ack never races a crash.
func (r *Reconciler) HandleCallback(ctx context.Context, raw []byte) error {
	params, err := wechatpay.DecodeEnvelope(string(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if !wechatpay.Verify(params, params["sign"], r.APIKey) {
		return ErrUnauthenticated
	}

	tradeNo := params["out_trade_no"]
	if tradeNo == "" {
		return fmt.Errorf("%w: missing out_trade_no", ErrMalformedCallback)
	}
	order, err := r.Store.GetOrderByTradeNo(ctx, tradeNo)
	if err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("trade no %s: %w", tradeNo, ErrUnknownOrder)
		}
		return err
	}

	unlock := r.Locks.Lock(order.ID)
	defer unlock()

	// Re-read under the lock; a concurrent callback or sweep may have
	// settled the payment while we waited.
	order, err = r.Store.GetOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	if order.PaymentStatus.Terminal() {
		r.Logger.Info("duplicate callback ignored",
			zap.String("order_id", order.ID),
			zap.String("out_trade_no", tradeNo),
			zap.String("payment_status", string(order.PaymentStatus)))
		return nil
	}

	if params["return_code"] == "SUCCESS" && params["result_code"] == "SUCCESS" {
		fee, err := strconv.ParseInt(params["total_fee"], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad total_fee %q", ErrMalformedCallback, params["total_fee"])
		}
		paidAt := r.now()
		if t, perr := time.ParseInLocation("20060102150405", params["time_end"], time.Local); perr == nil {
			paidAt = t.UTC()
		}
		return r.applySuccess(ctx, order, params["transaction_id"], fee, paidAt)
	}
	return r.applyFailure(ctx, order)
}

// applySuccess records the paid outcome. Payment implies acceptance: an
// order still awaiting acceptance advances to in_progress in the same
// store transaction, and the listing follows.
func (r *Reconciler) applySuccess(ctx context.Context, order *models.Order, transactionID string, amountFen int64, paidAt time.Time) error {
	var entry *models.TimelineEntry
	advance := order.Status == models.OrderAwaitingAcceptance
	if advance {
		entry = &models.TimelineEntry{
			Status: models.OrderInProgress,
			At:     r.now(),
			Actor:  gatewayActor,
			Note:   "payment received, order accepted",
		}
	}

	// The gateway amount is authoritative and recorded as-is; a mismatch
	// with the order price points at credential or config drift.
	if want := wechatpay.MinorUnits(order.Price); amountFen != want {
		r.Logger.Warn("paid amount differs from order price",
			zap.String("order_id", order.ID),
			zap.Int64("amount_fen", amountFen),
			zap.Int64("expected_fen", want))
	}

	affected, err := r.Store.PaymentSucceeded(ctx, order.ID, transactionID, amountFen, paidAt, entry)
	if err != nil {
		return err
	}
	if affected == 0 {
		r.Logger.Info("payment already settled",
			zap.String("order_id", order.ID))
		return nil
	}

	if advance {
		if err := r.Listings.SetListingStatus(ctx, order.ListingID, models.ListingAccepted); err != nil {
			return fmt.Errorf("mark listing accepted: %w", err)
		}
	}

	amount := fmt.Sprintf("%d.%02d", amountFen/100, amountFen%100)
	r.Notify.Dispatch(notify.Event{
		Type:      notify.EventPaymentReceived,
		UserID:    order.PublisherID,
		Title:     "Payment received",
		Content:   fmt.Sprintf("Order %q received a payment of ¥%s", order.Title, amount),
		OrderID:   order.ID,
		ListingID: order.ListingID,
	})
	r.Notify.Dispatch(notify.Event{
		Type:      notify.EventPaymentSuccess,
		UserID:    order.ReceiverID,
		Title:     "Payment successful",
		Content:   fmt.Sprintf("Payment for order %q succeeded", order.Title),
		OrderID:   order.ID,
		ListingID: order.ListingID,
	})

	r.Logger.Info("payment settled",
		zap.String("order_id", order.ID),
		zap.String("transaction_id", transactionID),
		zap.Int64("amount_fen", amountFen))
	return nil
}

// applyFailure records the failed outcome; the order status is untouched,
// it can still be progressed or cancelled by the parties.
func (r *Reconciler) applyFailure(ctx context.Context, order *models.Order) error {
	affected, err := r.Store.PaymentFailed(ctx, order.ID, r.now())
	if err != nil {
		return err
	}
	if affected == 0 {
		return nil
	}

	r.Notify.Dispatch(notify.Event{
		Type:      notify.EventPaymentFailed,
		UserID:    order.ReceiverID,
		Title:     "Payment failed",
		Content:   fmt.Sprintf("Payment for order %q failed, please try again", order.Title),
		OrderID:   order.ID,
		ListingID: order.ListingID,
	})
	r.Logger.Info("payment marked failed", zap.String("order_id", order.ID))
	return nil
}

// Run executes the reconciliation sweep on a ticker until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.SweepOnce(ctx); err != nil {
			r.Logger.Error("reconciliation sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce queries the gateway for every order whose payment has been
// pending longer than the timeout and applies the authoritative result.
// Each pass is time-bounded.
func (r *Reconciler) SweepOnce(ctx context.Context) error {
	budget := r.Interval
	if budget <= 0 {
		budget = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	cutoff := r.now().Add(-r.PendingTimeout)
	orders, err := r.Store.ListStalePending(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if err := r.reconcileOrder(ctx, order.ID); err != nil {
			r.Logger.Warn("reconcile order failed",
				zap.String("order_id", order.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) reconcileOrder(ctx context.Context, orderID string) error {
	unlock := r.Locks.Lock(orderID)
	defer unlock()

	order, err := r.Store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.PaymentStatus != models.PaymentPending {
		return nil
	}

	state, err := r.Gateway.QueryPayment(ctx, order.OutTradeNo)
	if err != nil {
		return err
	}
	switch state.State {
	case wechatpay.TradeStateSuccess:
		paidAt := r.now()
		if state.PaidAt != nil {
			paidAt = *state.PaidAt
		}
		return r.applySuccess(ctx, order, state.TransactionID, state.TotalFee, paidAt)
	// REFUND means the charge was returned before we ever saw it settle;
	// the money is not held, so the payment is failed and can be retried.
	case wechatpay.TradeStateClosed, wechatpay.TradeStateRevoked,
		wechatpay.TradeStatePayError, wechatpay.TradeStateRefund:
		return r.applyFailure(ctx, order)
	default:
		// NOTPAY / USERPAYING: the payer may still complete; leave pending.
		return nil
	}
}
