package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"donation-service/internal/config"
	"donation-service/internal/db"
	"donation-service/internal/gateway"
	"donation-service/internal/gateway/epayco"
	"donation-service/internal/intent"
	"donation-service/internal/model"
	"donation-service/internal/payload"
	"donation-service/internal/reconcile"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	intents    Intents
	donations  Donations
	reconciler Reconciler
	epayco     config.Epayco
	logger     *slog.Logger
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, payload.ErrorResponse{Error: msg})
}

// writeFailure maps domain errors to responses.
func (h *Handlers) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var verr *intent.ValidationError
	var requestErr *gateway.RequestError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, payload.ErrorResponse{Error: "invalid donation", Fields: verr.Fields})
	case errors.Is(err, db.ErrNotFound), errors.Is(err, reconcile.ErrUnknownOrder):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, reconcile.ErrNotPending), errors.Is(err, db.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, reconcile.ErrConfirmationMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case gateway.IsUnavailable(err):
		writeJSON(w, http.StatusServiceUnavailable, payload.ErrorResponse{Error: err.Error(), Retryable: true})
	case errors.As(err, &requestErr):
		writeError(w, http.StatusBadGateway, requestErr.Error())
	default:
		h.logger.ErrorContext(r.Context(), "Unexpected error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func donationID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, errors.Wrap(err, "invalid donation id")
}

func parseLimit(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return defaultListLimit
	}
	if v > maxListLimit {
		return maxListLimit
	}
	return v
}

func statusOf(rec *model.DonationRecord) payload.DonationStatus {
	s := payload.DonationStatus{
		ID:              rec.ID,
		State:           string(rec.State),
		Gateway:         string(rec.Gateway),
		Amount:          json.Number(rec.Amount.StringFixed(2)),
		Currency:        string(rec.Currency),
		DonorName:       rec.DonorName,
		ExternalOrderID: rec.ExternalOrder(),
		ReferenceCode:   rec.Reference(),
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	if rec.CampaignID != nil {
		s.CampaignID = *rec.CampaignID
	}
	if rec.FailureReason != nil {
		s.FailureReason = *rec.FailureReason
	}
	return s
}

// --- donations ---

func (h *Handlers) CreateDonation(w http.ResponseWriter, r *http.Request) {
	var form payload.Donation
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := h.intents.Submit(r.Context(), form, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, statusOf(rec))
}

func (h *Handlers) GetDonation(w http.ResponseWriter, r *http.Request) {
	id, err := donationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.donations.SelectByID(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statusOf(rec))
}

func (h *Handlers) CancelDonation(w http.ResponseWriter, r *http.Request) {
	id, err := donationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.reconciler.Cancel(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statusOf(rec))
}

func (h *Handlers) CheckoutDonation(w http.ResponseWriter, r *http.Request) {
	id, err := donationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, order, err := h.reconciler.Checkout(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	resp := payload.CheckoutResponse{DonationID: rec.ID, Gateway: string(rec.Gateway)}
	if rec.Gateway == model.GatewayPayPal {
		resp.PayPalOrderID = order.ExternalOrderID
	}
	resp.Epayco = order.Checkout
	writeJSON(w, http.StatusOK, resp)
}

// --- PayPal ---

// CreatePayPalOrder creates the PayPal order for an existing donation, or
// for a new one built from the submitted form.
func (h *Handlers) CreatePayPalOrder(w http.ResponseWriter, r *http.Request) {
	var req payload.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, payload.CreateOrderResponse{ErrorMessage: "invalid JSON body"})
		return
	}

	var id uuid.UUID
	if req.DonationID != nil {
		rec, err := h.donations.SelectByID(r.Context(), *req.DonationID)
		if err != nil {
			h.writeOrderFailure(w, r, err)
			return
		}
		if rec.Gateway != model.GatewayPayPal {
			writeJSON(w, http.StatusUnprocessableEntity, payload.CreateOrderResponse{ErrorMessage: "donation is not a PayPal donation"})
			return
		}
		id = rec.ID
	} else {
		form := req.Donation
		if form.Gateway == "" {
			form.Gateway = string(model.GatewayPayPal)
		}
		if form.Currency == "" {
			form.Currency = string(model.CurrencyUSD)
		}
		if form.Gateway != string(model.GatewayPayPal) {
			writeJSON(w, http.StatusUnprocessableEntity, payload.CreateOrderResponse{ErrorMessage: "gateway must be paypal"})
			return
		}
		rec, err := h.intents.Submit(r.Context(), form, r.Header.Get("Idempotency-Key"))
		if err != nil {
			h.writeOrderFailure(w, r, err)
			return
		}
		id = rec.ID
	}

	rec, order, err := h.reconciler.Checkout(r.Context(), id)
	if err != nil {
		h.writeOrderFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, payload.CreateOrderResponse{
		Success:       true,
		DonationID:    rec.ID.String(),
		PayPalOrderID: order.ExternalOrderID,
	})
}

func (h *Handlers) writeOrderFailure(w http.ResponseWriter, r *http.Request, err error) {
	var verr *intent.ValidationError
	resp := payload.CreateOrderResponse{ErrorMessage: err.Error()}

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.Is(err, db.ErrNotFound):
		writeJSON(w, http.StatusNotFound, resp)
	case errors.Is(err, reconcile.ErrNotPending):
		writeJSON(w, http.StatusConflict, resp)
	case gateway.IsUnavailable(err):
		writeJSON(w, http.StatusServiceUnavailable, resp)
	case gateway.IsRequestError(err):
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		h.logger.ErrorContext(r.Context(), "Unexpected error creating PayPal order", "error", err)
		writeJSON(w, http.StatusInternalServerError, payload.CreateOrderResponse{ErrorMessage: "internal error"})
	}
}

// CapturePayPalOrder settles an order the donor approved. Declines are
// answered with 200 and success=false.
func (h *Handlers) CapturePayPalOrder(w http.ResponseWriter, r *http.Request) {
	var req payload.CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		writeJSON(w, http.StatusBadRequest, payload.CaptureResponse{ErrorMessage: "orderId is required"})
		return
	}

	outcome, err := h.reconciler.Reconcile(r.Context(), reconcile.Attempt{ExternalOrderID: req.OrderID, Source: reconcile.SourceCapture})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, captureResponse(outcome))
	case errors.Is(err, reconcile.ErrAwaitingConfirmation):
		writeJSON(w, http.StatusAccepted, payload.CaptureResponse{Pending: true, ErrorMessage: err.Error()})
	case errors.Is(err, reconcile.ErrUnknownOrder):
		writeJSON(w, http.StatusNotFound, payload.CaptureResponse{ErrorMessage: err.Error()})
	case gateway.IsUnavailable(err):
		writeJSON(w, http.StatusServiceUnavailable, payload.CaptureResponse{ErrorMessage: err.Error(), Retryable: true})
	case gateway.IsRequestError(err):
		writeJSON(w, http.StatusBadGateway, payload.CaptureResponse{ErrorMessage: err.Error()})
	default:
		h.logger.ErrorContext(r.Context(), "Unexpected error capturing PayPal order", "orderId", req.OrderID, "error", err)
		writeJSON(w, http.StatusInternalServerError, payload.CaptureResponse{ErrorMessage: "internal error"})
	}
}

func captureResponse(o *reconcile.Outcome) payload.CaptureResponse {
	switch o.State {
	case model.StateCaptured:
		return payload.CaptureResponse{
			Success:       true,
			ReferenceCode: o.ReferenceCode,
			Amount:        json.Number(o.Amount.StringFixed(2)),
			DonorName:     o.DonorName,
		}
	case model.StateFailed:
		msg := o.FailureReason
		if msg == "" {
			msg = "payment declined"
		}
		return payload.CaptureResponse{ErrorMessage: msg}
	default:
		return payload.CaptureResponse{ErrorMessage: fmt.Sprintf("donation is %s", o.State)}
	}
}

// --- ePayco ---

// EpaycoConfirmation receives the gateway's confirmation webhook. Anything
// but a 2xx makes ePayco send it again.
func (h *Handlers) EpaycoConfirmation(w http.ResponseWriter, r *http.Request) {
	values, err := confirmationValues(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conf, err := epayco.ParseConfirmation(values, h.epayco)
	if err != nil {
		h.logger.WarnContext(r.Context(), "Rejected ePayco confirmation", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := h.reconciler.Reconcile(r.Context(), reconcile.Attempt{
		ExternalOrderID: conf.Invoice,
		Confirmation:    conf.Result(),
		Source:          reconcile.SourceWebhook,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"state": string(outcome.State)})
	case errors.Is(err, reconcile.ErrAwaitingConfirmation):
		writeJSON(w, http.StatusOK, map[string]string{"state": string(model.StateAuthorizedExternally)})
	default:
		h.writeFailure(w, r, err)
	}
}

func confirmationValues(r *http.Request) (url.Values, error) {
	if r.Header.Get("Content-Type") == "application/json" {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, errors.Wrap(err, "invalid JSON body")
		}
		values := url.Values{}
		for k, v := range body {
			values.Set(k, fmt.Sprint(v))
		}
		return values, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, errors.Wrap(err, "invalid form body")
	}
	return r.Form, nil
}

// --- admin ---

func (h *Handlers) ListDonations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := model.State(q.Get("state"))

	records, err := h.donations.List(r.Context(), state, parseLimit(q.Get("limit")))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	statuses := make([]payload.DonationStatus, 0, len(records))
	for _, rec := range records {
		statuses = append(statuses, statusOf(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"donations": statuses, "count": len(statuses)})
}

// ReconcileDonation lets an operator re-run reconciliation for a donation
// whose outcome is unknown.
func (h *Handlers) ReconcileDonation(w http.ResponseWriter, r *http.Request) {
	id, err := donationID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.donations.SelectByID(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if rec.ExternalOrderID == nil {
		writeError(w, http.StatusConflict, "donation has no gateway order")
		return
	}

	outcome, err := h.reconciler.Reconcile(r.Context(), reconcile.Attempt{ExternalOrderID: *rec.ExternalOrderID, Source: reconcile.SourceOperator})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, outcome)
	case errors.Is(err, reconcile.ErrAwaitingConfirmation):
		writeJSON(w, http.StatusAccepted, payload.ErrorResponse{Error: err.Error()})
	default:
		h.writeFailure(w, r, err)
	}
}
