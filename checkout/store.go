package checkout

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("checkout not found")
	ErrAlreadyExists     = errors.New("checkout already exists")
	ErrInvalidTransition = errors.New("invalid checkout status transition")
	ErrNotModifiable     = errors.New("checkout cannot be modified")
	ErrExpired           = errors.New("checkout has expired")
	ErrNotReady          = errors.New("checkout is not ready for completion")
	ErrBlockingMessages  = errors.New("checkout has blocking messages")
	ErrPaymentDeclined   = errors.New("payment declined")
	ErrInvalidRequest    = errors.New("invalid checkout request")
)

// Store persists checkouts. Reads are tenant scoped: a checkout owned by
// another tenant is reported as [ErrNotFound].
type Store interface {
	CreateCheckout(ctx context.Context, c *Checkout) error
	GetCheckout(ctx context.Context, tenantID, id string) (*Checkout, error)
	UpdateCheckout(ctx context.Context, c *Checkout) error
	DeleteCheckout(ctx context.Context, tenantID, id string) error
}
