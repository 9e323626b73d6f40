package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Capture behaviours of the fake PayPal API.
const (
	modeSuccess     = "success"
	modeDecline     = "decline"
	modeUnavailable = "unavailable"
	modePending     = "pending"
	modeDelayed     = "delayed"
	modeRandom      = "random"
)

const (
	contentType = "application/json"
	errorRate   = 0.5
)

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount money  `json:"amount"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	CustomID    string `json:"custom_id,omitempty"`
	Amount      *money `json:"amount,omitempty"`
	Payments    *struct {
		Captures []capture `json:"captures"`
	} `json:"payments,omitempty"`
}

type payerName struct {
	GivenName string `json:"given_name"`
	Surname   string `json:"surname"`
}

type payer struct {
	Name payerName `json:"name"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Payer         *payer         `json:"payer,omitempty"`
}

type issueDetail struct {
	Issue       string `json:"issue"`
	Description string `json:"description"`
}

type apiError struct {
	Name    string        `json:"name"`
	Message string        `json:"message"`
	DebugID string        `json:"debug_id"`
	Details []issueDetail `json:"details,omitempty"`
}

// fakePayPal keeps orders in memory and answers the subset of the Orders v2
// API the donation service uses.
type fakePayPal struct {
	mode   string
	delay  time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	orders   map[string]*order
	requests map[string]string
}

func newFakePayPal(mode string, delay time.Duration, logger *slog.Logger) *fakePayPal {
	return &fakePayPal{
		mode:     mode,
		delay:    delay,
		logger:   logger,
		orders:   make(map[string]*order),
		requests: make(map[string]string),
	}
}

func (f *fakePayPal) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(loggingMiddleware(f.logger))

	r.Post("/v1/oauth2/token", f.token)
	r.Route("/v2/checkout/orders", func(r chi.Router) {
		r.Post("/", f.createOrder)
		r.Get("/{id}", f.getOrder)
		r.Post("/{id}/capture", f.captureOrder)
	})
	return r
}

func (f *fakePayPal) token(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := r.BasicAuth(); !ok {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("client_id") == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "mock-" + uuid.NewString(),
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (f *fakePayPal) createOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Intent        string         `json:"intent"`
		PurchaseUnits []purchaseUnit `json:"purchase_units"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.PurchaseUnits) == 0 || req.PurchaseUnits[0].Amount == nil {
		writeJSON(w, http.StatusBadRequest, apiError{
			Name:    "INVALID_REQUEST",
			Message: "Request is not well-formed",
			DebugID: debugID(),
		})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	requestID := r.Header.Get("PayPal-Request-Id")
	if id, ok := f.requests[requestID]; ok && requestID != "" {
		writeJSON(w, http.StatusOK, f.orders[id])
		return
	}

	o := &order{
		ID:            strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:17]),
		Status:        "CREATED",
		PurchaseUnits: req.PurchaseUnits,
	}
	f.orders[o.ID] = o
	if requestID != "" {
		f.requests[requestID] = o.ID
	}
	writeJSON(w, http.StatusCreated, o)
}

func (f *fakePayPal) getOrder(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	o, ok := f.orders[chi.URLParam(r, "id")]
	f.mu.Unlock()
	if !ok {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (f *fakePayPal) captureOrder(w http.ResponseWriter, r *http.Request) {
	mode := f.mode
	if mode == modeRandom {
		mode = modeSuccess
		if rand.Float64() < errorRate {
			mode = modeUnavailable
		}
	}

	switch mode {
	case modeUnavailable:
		writeJSON(w, http.StatusServiceUnavailable, apiError{Name: "SERVICE_UNAVAILABLE", Message: "Service unavailable", DebugID: debugID()})
		return
	case modeDelayed:
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[chi.URLParam(r, "id")]
	if !ok {
		writeNotFound(w)
		return
	}
	if o.Status == "COMPLETED" {
		writeUnprocessable(w, "ORDER_ALREADY_CAPTURED", "Order already captured.")
		return
	}
	if mode == modeDecline {
		writeUnprocessable(w, "INSTRUMENT_DECLINED", "The instrument presented was either declined by the processor or bank.")
		return
	}

	status := "COMPLETED"
	if mode == modePending {
		status = "PENDING"
	}
	o.Status = "COMPLETED"
	o.Payer = &payer{Name: payerName{GivenName: "Jane", Surname: "Doe"}}
	o.PurchaseUnits[0].Payments = &struct {
		Captures []capture `json:"captures"`
	}{Captures: []capture{{
		ID:     "CAP-" + strings.ToUpper(uuid.NewString()[:8]),
		Status: status,
		Amount: *o.PurchaseUnits[0].Amount,
	}}}
	writeJSON(w, http.StatusCreated, o)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, apiError{
		Name:    "RESOURCE_NOT_FOUND",
		Message: "The specified resource does not exist.",
		DebugID: debugID(),
		Details: []issueDetail{{Issue: "INVALID_RESOURCE_ID", Description: "Specified resource ID does not exist."}},
	})
}

func writeUnprocessable(w http.ResponseWriter, issue, description string) {
	writeJSON(w, http.StatusUnprocessableEntity, apiError{
		Name:    "UNPROCESSABLE_ENTITY",
		Message: "The requested action could not be performed.",
		DebugID: debugID(),
		Details: []issueDetail{{Issue: issue, Description: description}},
	})
}

func debugID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:13]
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a fake PayPal Orders v2 API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			mode, _ := cmd.Flags().GetString("capture")
			delayMs, _ := cmd.Flags().GetInt("delay-ms")

			switch mode {
			case modeSuccess, modeDecline, modeUnavailable, modePending, modeDelayed, modeRandom:
			default:
				return errors.Errorf("unknown capture mode %q", mode)
			}

			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			fake := newFakePayPal(mode, time.Duration(delayMs)*time.Millisecond, logger)

			logger.Info("Starting fake PayPal", "addr", addr, "capture", mode)
			server := &http.Server{Addr: addr, Handler: fake.routes(), ReadHeaderTimeout: 10 * time.Second}
			return server.ListenAndServe()
		},
	}

	cmd.Flags().String("addr", ":8085", "Listen address")
	cmd.Flags().String("capture", modeSuccess, "Capture behaviour: success, decline, unavailable, pending, delayed or random")
	cmd.Flags().Int("delay-ms", 5_000, "Capture delay in delayed mode")
	return cmd
}
