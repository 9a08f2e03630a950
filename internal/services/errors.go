package services

import "errors"

var (
	// ErrNotFound indicates the order or listing does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the actor lacks the right to perform the action.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition indicates the requested status change is not an
	// edge of the transition table.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnavailable indicates the listing is not open for orders.
	ErrUnavailable = errors.New("listing unavailable")
	// ErrDuplicateOrder indicates a non-terminal order already exists for
	// the same listing and receiver.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrDuplicatePending indicates a payment intent is already in flight.
	ErrDuplicatePending = errors.New("payment already pending")
	// ErrMalformedCallback indicates the callback envelope did not decode.
	ErrMalformedCallback = errors.New("malformed callback")
	// ErrUnauthenticated indicates the callback signature did not verify.
	ErrUnauthenticated = errors.New("callback signature invalid")
	// ErrUnknownOrder indicates the callback references no known order.
	ErrUnknownOrder = errors.New("unknown order reference")
)
