// Package api exposes the donation flow over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"donation-service/internal/config"
	"donation-service/internal/gateway"
	"donation-service/internal/logcontext"
	"donation-service/internal/metrics"
	"donation-service/internal/model"
	"donation-service/internal/payload"
	"donation-service/internal/reconcile"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type Intents interface {
	Submit(ctx context.Context, form payload.Donation, idempotencyKey string) (*model.DonationRecord, error)
}

type Donations interface {
	SelectByID(ctx context.Context, id uuid.UUID) (*model.DonationRecord, error)
	List(ctx context.Context, state model.State, limit int) ([]*model.DonationRecord, error)
}

type Reconciler interface {
	Checkout(ctx context.Context, donationID uuid.UUID) (*model.DonationRecord, *gateway.Order, error)
	Cancel(ctx context.Context, donationID uuid.UUID) (*model.DonationRecord, error)
	Reconcile(ctx context.Context, attempt reconcile.Attempt) (*reconcile.Outcome, error)
}

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Intents    Intents
	Donations  Donations
	Reconciler Reconciler
	Epayco     config.Epayco
	Admin      config.Admin
	Logger     *slog.Logger
}

// NewRouter creates the chi router with all routes mounted.
func NewRouter(deps Deps, requestTimeoutMs int) http.Handler {
	h := &Handlers{
		intents:    deps.Intents,
		donations:  deps.Donations,
		reconciler: deps.Reconciler,
		epayco:     deps.Epayco,
		logger:     deps.Logger,
	}

	if requestTimeoutMs <= 0 {
		requestTimeoutMs = 30_000
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(time.Duration(requestTimeoutMs) * time.Millisecond))
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Post("/donations", h.CreateDonation)
		r.Get("/donations/{id}", h.GetDonation)
		r.Post("/donations/{id}/cancel", h.CancelDonation)
		r.Post("/donations/{id}/checkout", h.CheckoutDonation)

		r.Post("/paypal/orders", h.CreatePayPalOrder)
		r.Post("/paypal/capture", h.CapturePayPalOrder)

		r.Post("/epayco/confirmation", h.EpaycoConfirmation)
		r.Get("/epayco/confirmation", h.EpaycoConfirmation)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireOperator(deps.Admin.JWTSecret))

			r.Get("/donations", h.ListDonations)
			r.Post("/donations/{id}/reconcile", h.ReconcileDonation)
		})
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := logcontext.AppendCtx(r.Context(), slog.String("requestId", middleware.GetReqID(r.Context())))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			logger.InfoContext(ctx, "HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"durationMs", time.Since(start).Milliseconds())
		})
	}
}
