package http

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/stepprep/stepprep/internal/auth"
	authmw "github.com/stepprep/stepprep/internal/auth/middleware"
	"github.com/stepprep/stepprep/internal/config"
	"github.com/stepprep/stepprep/internal/exam"
	"github.com/stepprep/stepprep/internal/payment"
)

// POST /api/create-checkout-session  { "examId": "..." }
func CreateCheckoutSessionHandler(svc *payment.Service, exams *exam.SQLStore, users *auth.UserStore, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		var req struct {
			ExamID string `json:"examId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExamID == "" {
			http.Error(w, "examId required", 400)
			return
		}
		e, err := exams.GetExam(r.Context(), req.ExamID)
		if err != nil {
			httpError(w, err)
			return
		}
		u, err := users.ByID(r.Context(), sub)
		if err != nil {
			httpError(w, err)
			return
		}

		c, err := svc.StartCheckout(r.Context(), payment.CheckoutParams{
			UserID:     sub,
			UserEmail:  u.Email,
			ExamID:     e.ID,
			ExamTitle:  e.Title,
			Amount:     cfg.PriceAmount,
			Currency:   cfg.PriceCurrency,
			SuccessURL: cfg.CheckoutSuccessURL,
			CancelURL:  cfg.CheckoutCancelURL,
		})
		if err != nil {
			log.Printf("checkout create failed: %v", err)
			http.Error(w, "payment gateway error", http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"sessionId": c.ID, "url": c.URL})
	}
}

// POST /api/create-payment-intent  { "examId": "..." }
func CreatePaymentIntentHandler(svc *payment.Service, exams *exam.SQLStore, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := authmw.SubjectFromContext(r.Context())
		var req struct {
			ExamID string `json:"examId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExamID == "" {
			http.Error(w, "examId required", 400)
			return
		}
		e, err := exams.GetExam(r.Context(), req.ExamID)
		if err != nil {
			httpError(w, err)
			return
		}

		in, err := svc.StartIntent(r.Context(), payment.IntentParams{
			UserID:   sub,
			ExamID:   e.ID,
			Amount:   cfg.PriceAmount,
			Currency: cfg.PriceCurrency,
		})
		if err != nil {
			log.Printf("payment intent create failed: %v", err)
			http.Error(w, "payment gateway error", http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"paymentIntentId": in.ID,
			"clientSecret":    in.ClientSecret,
		})
	}
}

// POST /api/stripe-webhook — gateway callback, authenticated by signature.
func StripeWebhookHandler(svc *payment.Service, webhookSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			http.Error(w, "read error", 400)
			return
		}
		event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), webhookSecret)
		if err != nil {
			http.Error(w, "signature verification failed", 400)
			return
		}

		var obj struct {
			ID string `json:"id"`
		}
		switch string(event.Type) {
		case "checkout.session.completed":
			if err := json.Unmarshal(event.Data.Raw, &obj); err != nil || obj.ID == "" {
				http.Error(w, "bad event payload", 400)
				return
			}
			if _, err := svc.ConfirmCheckout(r.Context(), obj.ID); err != nil {
				log.Printf("webhook confirm checkout %s: %v", obj.ID, err)
				httpError(w, err)
				return
			}
		case "payment_intent.succeeded":
			if err := json.Unmarshal(event.Data.Raw, &obj); err != nil || obj.ID == "" {
				http.Error(w, "bad event payload", 400)
				return
			}
			if _, err := svc.ConfirmIntent(r.Context(), obj.ID); err != nil {
				log.Printf("webhook confirm intent %s: %v", obj.ID, err)
				httpError(w, err)
				return
			}
		default:
			// not a purchase event; acknowledge so the gateway stops retrying
		}
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}

// POST /api/verify-purchase  { "sessionId": "..." }
// Client-side confirmation fallback for when the webhook has not landed yet.
func VerifyPurchaseHandler(svc *payment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			http.Error(w, "sessionId required", 400)
			return
		}
		p, err := svc.ConfirmCheckout(r.Context(), req.SessionID)
		if err != nil {
			httpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "purchase": p})
	}
}
