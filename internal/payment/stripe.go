package payment

import (
	"context"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/paymentintent"
)

// StripeGateway talks to Stripe with the package-level client. Init sets the
// API key once at process start.
type StripeGateway struct{}

func NewStripeGateway(secretKey string) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{}
}

const (
	metaUserID = "user_id"
	metaExamID = "exam_id"
)

func (g *StripeGateway) CreateCheckout(ctx context.Context, p CheckoutParams) (Checkout, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(p.Currency),
				UnitAmount: stripe.Int64(p.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(p.ExamTitle),
				},
			},
		}},
	}
	if p.UserEmail != "" {
		params.CustomerEmail = stripe.String(p.UserEmail)
	}
	params.Context = ctx
	params.AddMetadata(metaUserID, p.UserID)
	params.AddMetadata(metaExamID, p.ExamID)

	cs, err := session.New(params)
	if err != nil {
		return Checkout{}, err
	}
	return checkoutFromStripe(cs), nil
}

func (g *StripeGateway) GetCheckout(ctx context.Context, id string) (Checkout, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	cs, err := session.Get(id, params)
	if err != nil {
		return Checkout{}, err
	}
	return checkoutFromStripe(cs), nil
}

func checkoutFromStripe(cs *stripe.CheckoutSession) Checkout {
	c := Checkout{
		ID:       cs.ID,
		URL:      cs.URL,
		Paid:     cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Amount:   cs.AmountTotal,
		Currency: string(cs.Currency),
	}
	if cs.Metadata != nil {
		c.UserID = cs.Metadata[metaUserID]
		c.ExamID = cs.Metadata[metaExamID]
	}
	return c
}

func (g *StripeGateway) CreateIntent(ctx context.Context, p IntentParams) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(metaUserID, p.UserID)
	params.AddMetadata(metaExamID, p.ExamID)

	pi, err := paymentintent.New(params)
	if err != nil {
		return Intent{}, err
	}
	return intentFromStripe(pi), nil
}

func (g *StripeGateway) GetIntent(ctx context.Context, id string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return Intent{}, err
	}
	return intentFromStripe(pi), nil
}

func intentFromStripe(pi *stripe.PaymentIntent) Intent {
	in := Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Succeeded:    pi.Status == stripe.PaymentIntentStatusSucceeded,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
	}
	if pi.Metadata != nil {
		in.UserID = pi.Metadata[metaUserID]
		in.ExamID = pi.Metadata[metaExamID]
	}
	return in
}
