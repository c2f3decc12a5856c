package payment

import (
	"context"
	"time"

	"github.com/stepprep/stepprep/internal/access"
	"github.com/stepprep/stepprep/internal/eventlog"
)

// Service is the bridge between the gateway and purchase records: it starts
// transactions with (user, exam) metadata attached and, once the gateway
// reports payment, grants or extends access.
type Service struct {
	gw             Gateway
	access         *access.Store
	events         *eventlog.Log
	accessDuration time.Duration
}

func NewService(gw Gateway, accessStore *access.Store, events *eventlog.Log, accessDuration time.Duration) *Service {
	if accessDuration <= 0 {
		accessDuration = 365 * 24 * time.Hour
	}
	return &Service{gw: gw, access: accessStore, events: events, accessDuration: accessDuration}
}

func (s *Service) StartCheckout(ctx context.Context, p CheckoutParams) (Checkout, error) {
	return s.gw.CreateCheckout(ctx, p)
}

func (s *Service) StartIntent(ctx context.Context, p IntentParams) (Intent, error) {
	return s.gw.CreateIntent(ctx, p)
}

// ConfirmCheckout re-fetches the checkout session from the gateway, verifies
// it is paid, and upserts the purchase. Reached from both the webhook and the
// client-side verify fallback; both paths land on the same extend-not-stack
// grant, so redelivery is harmless.
func (s *Service) ConfirmCheckout(ctx context.Context, sessionID string) (access.Purchase, error) {
	c, err := s.gw.GetCheckout(ctx, sessionID)
	if err != nil {
		return access.Purchase{}, err
	}
	if !c.Paid {
		return access.Purchase{}, ErrNotPaid
	}
	if c.UserID == "" || c.ExamID == "" {
		return access.Purchase{}, ErrMissingMetadata
	}
	return s.grant(ctx, c.UserID, c.ExamID, c.Amount, c.Currency, c.ID)
}

// ConfirmIntent is ConfirmCheckout for the payment-intent flow.
func (s *Service) ConfirmIntent(ctx context.Context, intentID string) (access.Purchase, error) {
	in, err := s.gw.GetIntent(ctx, intentID)
	if err != nil {
		return access.Purchase{}, err
	}
	if !in.Succeeded {
		return access.Purchase{}, ErrNotPaid
	}
	if in.UserID == "" || in.ExamID == "" {
		return access.Purchase{}, ErrMissingMetadata
	}
	return s.grant(ctx, in.UserID, in.ExamID, in.Amount, in.Currency, in.ID)
}

func (s *Service) grant(ctx context.Context, userID, examID string, amount int64, currency, ref string) (access.Purchase, error) {
	p, err := s.access.Grant(ctx, userID, examID, s.accessDuration, amount, currency, ref)
	if err != nil {
		return access.Purchase{}, err
	}
	if s.events != nil {
		_ = s.events.Append(ctx, eventlog.TypePurchaseGranted, p.ID, map[string]string{
			"user_id": userID, "exam_id": examID, "payment_ref": ref,
		})
	}
	return p, nil
}
