package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"communitymarket/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNoRows is re-exported so callers do not import pgx directly.
var ErrNoRows = pgx.ErrNoRows

// ErrActiveOrderExists is returned when an insert hits the one-live-order
// constraint for a (listing, receiver) pair.
var ErrActiveOrderExists = errors.New("active order exists for listing and receiver")

const activePairConstraint = "orders_active_pair_idx"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const orderColumns = `
	id, listing_id, publisher_id, receiver_id, status, payment_status,
	price::text, title, description, location, out_trade_no,
	transaction_id, paid_amount_fen, paid_at, timeline, created_at, updated_at`

// CreateOrder inserts the order row. The partial unique index on the
// (listing, receiver) pair is the duplicate guard of record: two racing
// inserts cannot both land, one gets ErrActiveOrderExists.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	timeline, err := json.Marshal(order.Timeline)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO orders (
			id, listing_id, publisher_id, receiver_id, status, payment_status,
			price, title, description, location, out_trade_no, timeline,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		order.ID,
		order.ListingID,
		order.PublisherID,
		order.ReceiverID,
		order.Status,
		order.PaymentStatus,
		order.Price.String(),
		order.Title,
		order.Description,
		order.Location,
		order.OutTradeNo,
		timeline,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if isUniqueViolation(err, activePairConstraint) {
		return ErrActiveOrderExists
	}
	return err
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID)
	return scanOrder(row)
}

func (s *Store) GetOrderByTradeNo(ctx context.Context, outTradeNo string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE out_trade_no=$1`, outTradeNo)
	return scanOrder(row)
}

func (s *Store) ListOrdersForUser(ctx context.Context, userID string) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE publisher_id=$1 OR receiver_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// HasActiveOrder reports whether a non-terminal order already exists for the
// same listing and receiver.
func (s *Store) HasActiveOrder(ctx context.Context, listingID, receiverID string) (bool, error) {
	var exists bool
	row := s.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE listing_id=$1 AND receiver_id=$2
			  AND status IN ('awaiting_acceptance','in_progress')
		)
	`, listingID, receiverID)
	err := row.Scan(&exists)
	return exists, err
}

// UpdateOrderStatus moves the order from one status to another, appending
// the timeline entry in the same statement. The WHERE clause is the
// compare-and-swap guard: a concurrent writer makes this affect zero rows.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, from, to models.OrderStatus, entry models.TimelineEntry) (int64, error) {
	item, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$3, timeline = timeline || $4::jsonb, updated_at=now()
		WHERE id=$1 AND status=$2
	`, orderID, from, to, item)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// SetPaymentPending flips payment_status to pending. Guarded so an order
// already pending or settled never gains a second in-flight payment.
func (s *Store) SetPaymentPending(ctx context.Context, orderID string) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET payment_status='pending', updated_at=now()
		WHERE id=$1 AND payment_status IN ('unpaid','failed')
	`, orderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// PaymentSucceeded records the verified payment outcome and, when the order
// is still awaiting acceptance, advances it to in_progress in the same
// transaction so the two writes cannot be observed apart.
func (s *Store) PaymentSucceeded(ctx context.Context, orderID, transactionID string, amountFen int64, paidAt time.Time, entry *models.TimelineEntry) (int64, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx, `
		UPDATE orders
		SET payment_status='paid', transaction_id=$2, paid_amount_fen=$3,
			paid_at=$4, updated_at=now()
		WHERE id=$1 AND payment_status IN ('unpaid','pending')
	`, orderID, transactionID, amountFen, paidAt)
	if err != nil {
		return 0, err
	}
	affected := res.RowsAffected()
	if affected == 0 {
		return 0, tx.Commit(ctx)
	}

	if entry != nil {
		item, err := json.Marshal(entry)
		if err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE orders
			SET status=$3, timeline = timeline || $4::jsonb, updated_at=now()
			WHERE id=$1 AND status=$2
		`, orderID, models.OrderAwaitingAcceptance, entry.Status, item); err != nil {
			return 0, err
		}
	}
	return affected, tx.Commit(ctx)
}

// PaymentFailed records a terminal failed payment outcome.
func (s *Store) PaymentFailed(ctx context.Context, orderID string, paidAt time.Time) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET payment_status='failed', paid_at=$2, updated_at=now()
		WHERE id=$1 AND payment_status IN ('unpaid','pending')
	`, orderID, paidAt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// ListStalePending returns orders whose payment has been pending since
// before the cutoff; the reconciliation sweep queries the gateway for them.
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE payment_status='pending' AND updated_at < $1
		ORDER BY updated_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *Store) GetListing(ctx context.Context, listingID string) (*models.Listing, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, owner_id, title, description, location, price::text, status,
			created_at, updated_at
		FROM listings WHERE id=$1
	`, listingID)

	var l models.Listing
	var price string
	err := row.Scan(
		&l.ID,
		&l.OwnerID,
		&l.Title,
		&l.Description,
		&l.Location,
		&price,
		&l.Status,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("listing %s: bad price: %w", listingID, err)
	}
	return &l, nil
}

func (s *Store) SetListingStatus(ctx context.Context, listingID string, status models.ListingStatus) error {
	res, err := s.Pool.Exec(ctx, `
		UPDATE listings SET status=$2, updated_at=now() WHERE id=$1
	`, listingID, status)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *Store) InsertNotification(ctx context.Context, n *models.Notification) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, title, content, order_id, listing_id, status)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,'')::uuid,NULLIF($7,'')::uuid,$8)
	`,
		n.ID,
		n.UserID,
		n.Type,
		n.Title,
		n.Content,
		n.OrderID,
		n.ListingID,
		n.Status,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var price string
	var transactionID sql.NullString
	var paidAmount sql.NullInt64
	var paidAt sql.NullTime
	var timeline []byte

	err := row.Scan(
		&order.ID,
		&order.ListingID,
		&order.PublisherID,
		&order.ReceiverID,
		&order.Status,
		&order.PaymentStatus,
		&price,
		&order.Title,
		&order.Description,
		&order.Location,
		&order.OutTradeNo,
		&transactionID,
		&paidAmount,
		&paidAt,
		&timeline,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	order.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("order %s: bad price: %w", order.ID, err)
	}
	if len(timeline) > 0 {
		if err := json.Unmarshal(timeline, &order.Timeline); err != nil {
			return nil, fmt.Errorf("order %s: bad timeline: %w", order.ID, err)
		}
	}
	if transactionID.Valid {
		order.TransactionID = &transactionID.String
	}
	if paidAmount.Valid {
		order.PaidAmountFen = &paidAmount.Int64
	}
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	return &order, nil
}

func collectOrders(rows pgx.Rows) ([]*models.Order, error) {
	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// IsNotFound reports whether err is the store's row-missing condition.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
