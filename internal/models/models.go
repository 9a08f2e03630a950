package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderAwaitingAcceptance OrderStatus = "awaiting_acceptance"
	OrderInProgress         OrderStatus = "in_progress"
	OrderCompleted          OrderStatus = "completed"
	OrderCancelled          OrderStatus = "cancelled"
)

// Terminal reports whether no further status writes are accepted.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// Terminal reports whether the payment reached an outcome a callback
// redelivery must not re-apply.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed
}

type ListingStatus string

const (
	ListingPublished ListingStatus = "published"
	ListingAccepted  ListingStatus = "accepted"
	ListingCompleted ListingStatus = "completed"
)

// TimelineEntry is one element of an order's append-only audit trail.
// The last entry always matches the order's current status.
type TimelineEntry struct {
	Status OrderStatus `json:"status"`
	At     time.Time   `json:"at"`
	Actor  string      `json:"actor"`
	Note   string      `json:"note"`
}

type Order struct {
	ID          string
	ListingID   string
	PublisherID string
	ReceiverID  string

	Status        OrderStatus
	PaymentStatus PaymentStatus

	// Listing snapshot taken at creation, never re-read.
	Price       decimal.Decimal
	Title       string
	Description string
	Location    string

	// OutTradeNo is the gateway-facing order reference, minted once.
	OutTradeNo string

	// Populated only by a verified callback or an authenticated query.
	TransactionID *string
	PaidAmountFen *int64
	PaidAt        *time.Time

	Timeline  []TimelineEntry
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Party reports whether userID is one of the two order parties.
func (o *Order) Party(userID string) bool {
	return userID == o.PublisherID || userID == o.ReceiverID
}

type Listing struct {
	ID          string
	OwnerID     string
	Title       string
	Description string
	Location    string
	Price       decimal.Decimal
	Status      ListingStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Content   string
	OrderID   string
	ListingID string
	Status    string
	CreatedAt time.Time
}
