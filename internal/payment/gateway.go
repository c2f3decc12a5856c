package payment

import (
	"context"
	"errors"
)

var (
	ErrNotPaid         = errors.New("transaction not paid")
	ErrMissingMetadata = errors.New("transaction missing user/exam metadata")
)

// CheckoutParams describes a hosted-checkout transaction to create. UserID
// and ExamID travel as opaque gateway metadata and come back on confirmation.
type CheckoutParams struct {
	UserID     string
	UserEmail  string
	ExamID     string
	ExamTitle  string
	Amount     int64 // smallest currency unit
	Currency   string
	SuccessURL string
	CancelURL  string
}

type Checkout struct {
	ID       string
	URL      string // hosted page to redirect the client to
	Paid     bool
	UserID   string
	ExamID   string
	Amount   int64
	Currency string
}

type IntentParams struct {
	UserID   string
	ExamID   string
	Amount   int64
	Currency string
}

type Intent struct {
	ID           string
	ClientSecret string
	Succeeded    bool
	UserID       string
	ExamID       string
	Amount       int64
	Currency     string
}

// Gateway is the payment processor surface the bridge needs. The production
// implementation wraps Stripe; tests substitute a fake.
type Gateway interface {
	CreateCheckout(ctx context.Context, p CheckoutParams) (Checkout, error)
	GetCheckout(ctx context.Context, id string) (Checkout, error)
	CreateIntent(ctx context.Context, p IntentParams) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
}
