package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/stepprep/stepprep/internal/access"
	api "github.com/stepprep/stepprep/internal/api/http"
	"github.com/stepprep/stepprep/internal/attempt"
	"github.com/stepprep/stepprep/internal/auth"
	authmw "github.com/stepprep/stepprep/internal/auth/middleware"
	"github.com/stepprep/stepprep/internal/config"
	"github.com/stepprep/stepprep/internal/db"
	"github.com/stepprep/stepprep/internal/eventlog"
	"github.com/stepprep/stepprep/internal/exam"
	"github.com/stepprep/stepprep/internal/payment"
	"github.com/stepprep/stepprep/internal/rbac"
	"github.com/stepprep/stepprep/internal/results"
	"github.com/stepprep/stepprep/internal/storage"
)

func main() {
	cfg := config.FromEnv()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	defer dbh.Close()

	// Bootstrap: promote the configured admin account if it exists.
	if cfg.AdminEmail != "" {
		if _, err := dbh.ExecContext(ctx, `UPDATE users SET role='admin' WHERE email=$1`, cfg.AdminEmail); err != nil {
			log.Printf("admin bootstrap: %v", err)
		}
	}

	// --- Stores and services, injected explicitly ---
	users := auth.NewUserStore(dbh)
	exams := exam.NewSQLStore(dbh)
	attempts := attempt.NewSQLStore(dbh)
	accessStore := access.NewStore(dbh)
	events := eventlog.New(dbh)
	resultsSvc := results.NewService(dbh, exams)
	paySvc := payment.NewService(payment.NewStripeGateway(cfg.StripeSecretKey), accessStore, events, cfg.AccessDuration)

	bs, err := storage.NewFSStore(cfg.BlobBasePath)
	if err != nil {
		log.Fatalf("blob store: %v", err)
	}

	authSvc := authmw.NewAuthService(cfg.AuthHMACSecret, cfg.SessionTTL)

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Stripe-Signature"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		// Public surface
		r.Post("/auth/register", api.RegisterHandler(users, authSvc))
		r.Post("/auth/login", api.LoginHandler(users, authSvc))
		r.Post("/auth/recover", api.RecoverHandler(users, authSvc, events))
		if cfg.EnableGoogleAuth {
			r.Get("/auth/google/login", auth.GoogleLoginHandler(cfg))
			r.Get("/auth/google/callback", auth.GoogleCallbackHandler(authSvc, users, cfg))
		}
		r.Get("/avatars/{userID}", api.AvatarGetHandler(users, bs))

		// Gateway callback authenticates by signature, not session
		r.Post("/stripe-webhook", api.StripeWebhookHandler(paySvc, cfg.StripeWebhookSecret))

		// Protected API (JWT → usable account + role → RBAC)
		r.Group(func(pr chi.Router) {
			pr.Use(authmw.JWTMiddleware(authSvc))
			pr.Use(authmw.RequireUsableAccount(dbh))

			pr.With(rbac.Require("profile:view")).Get("/me", api.MeHandler(users))
			pr.With(rbac.Require("profile:update")).Patch("/me", api.UpdateMeHandler(users))
			pr.With(rbac.Require("profile:update")).Post("/me/password", api.ChangePasswordHandler(users))
			pr.With(rbac.Require("profile:update")).Post("/me/avatar", api.AvatarUploadHandler(users, bs))
			pr.With(rbac.Require("profile:delete")).Delete("/me", api.DeleteMeHandler(users, events))

			pr.With(rbac.Require("exam:view")).Get("/exams", api.ListExamsHandler(exams))
			pr.With(rbac.Require("exam:view")).Get("/exam/{examID}", api.GetExamHandler(exams))
			pr.With(rbac.Require("access:check")).Get("/exam/{examID}/access", api.AccessHandler(accessStore))

			pr.With(rbac.Require("attempt:create")).
				Post("/exam/{examID}/attempt", api.EnsureAttemptHandler(exams, attempts, accessStore, events))
			pr.With(rbac.Require("attempt:update")).
				Patch("/exam/{examID}/attempt", api.AttemptActionHandler(attempts, events))
			pr.With(rbac.Require("attempt:view")).
				Get("/exam/{examID}/resume", api.ResumeHandler(attempts))

			pr.With(rbac.Require("attempt:view")).
				Get("/exam/{examID}/section/{sectionID}", api.GetSectionHandler(exams, attempts, accessStore, events))
			pr.With(rbac.Require("attempt:update")).
				Post("/exam/{examID}/section/{sectionID}", api.SectionActionHandler(exams, attempts, events))

			pr.With(rbac.Require("results:view-own")).
				Get("/exam/{examID}/results", api.ResultsHandler(attempts, resultsSvc, events))
			pr.With(rbac.Require("review:view-own")).
				Get("/exam/{examID}/review", api.ReviewHandler(attempts, resultsSvc))
			pr.With(rbac.Require("exam:view")).
				Get("/exam/{examID}/question-stats", api.QuestionStatsHandler(resultsSvc))

			pr.With(rbac.Require("payment:checkout")).
				Post("/create-checkout-session", api.CreateCheckoutSessionHandler(paySvc, exams, users, cfg))
			pr.With(rbac.Require("payment:checkout")).
				Post("/create-payment-intent", api.CreatePaymentIntentHandler(paySvc, exams, cfg))
			pr.With(rbac.Require("payment:checkout")).
				Post("/verify-purchase", api.VerifyPurchaseHandler(paySvc))

			// Admin
			pr.With(rbac.Require("exam:manage")).Put("/admin/exams", api.ImportExamHandler(exams))
			pr.With(rbac.Require("attempt:view-all")).Get("/admin/attempts", api.AdminListAttemptsHandler(attempts))
			pr.With(rbac.Require("events:view")).Get("/admin/events/{key}", api.AdminEventsHandler(events))
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	log.Printf("listening on %s (db=%s)", cfg.HTTPAddr, cfg.DBDriver)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}
