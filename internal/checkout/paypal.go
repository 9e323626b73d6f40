package checkout

import (
	"context"
	"strings"
	"sync"

	"donation-service/internal/gateway"
	"donation-service/internal/model"
	"donation-service/internal/payload"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayPalAdapter drives the PayPal buttons flow through the backend's order
// and capture endpoints.
type PayPalAdapter struct {
	backend *Backend
	poller  *Poller

	// order id -> donation id for orders created by this adapter
	orders sync.Map
}

func NewPayPalAdapter(backend *Backend, poller *Poller) *PayPalAdapter {
	return &PayPalAdapter{backend: backend, poller: poller}
}

func (a *PayPalAdapter) CreateOrder(ctx context.Context, rec *model.DonationRecord) (*gateway.Order, error) {
	firstName, lastName, _ := strings.Cut(rec.DonorName, " ")
	id := rec.ID

	resp, err := a.backend.CreatePayPalOrder(ctx, payload.CreateOrderRequest{
		Donation: payload.Donation{
			FirstName: firstName,
			LastName:  lastName,
			Email:     rec.Email,
			Amount:    rec.Amount,
			Currency:  string(model.CurrencyUSD),
			Gateway:   string(model.GatewayPayPal),
			Country:   rec.Country,
			Lang:      rec.Lang,
		},
		DonationID: &id,
	})
	if err != nil {
		if Unavailable(err) {
			return nil, &gateway.UnavailableError{Gateway: model.GatewayPayPal, Err: err}
		}
		return nil, &gateway.RequestError{Gateway: model.GatewayPayPal, Message: "order creation failed", Err: err}
	}
	if !resp.Success || resp.PayPalOrderID == "" {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "no order id returned"
		}
		return nil, &gateway.RequestError{Gateway: model.GatewayPayPal, Message: msg}
	}
	a.orders.Store(resp.PayPalOrderID, rec.ID)
	return &gateway.Order{ExternalOrderID: resp.PayPalOrderID}, nil
}

// CaptureOrder asks the backend to capture an approved order. A payment the
// gateway is still deciding on is followed through the donation status.
func (a *PayPalAdapter) CaptureOrder(ctx context.Context, orderID string) (*gateway.CaptureResult, error) {
	resp, err := a.backend.CapturePayPalOrder(ctx, orderID)
	switch {
	case err == nil:
	case Unavailable(err):
		return nil, &gateway.UnavailableError{Gateway: model.GatewayPayPal, Err: err}
	default:
		return nil, &gateway.RequestError{Gateway: model.GatewayPayPal, Message: "capture failed", Err: err}
	}

	if resp.Pending {
		id, ok := a.orders.Load(orderID)
		if !ok || a.poller == nil {
			return &gateway.CaptureResult{Pending: true}, nil
		}
		return a.poller.Await(ctx, id.(uuid.UUID))
	}
	if !resp.Success {
		return &gateway.CaptureResult{Success: false, ErrorMessage: resp.ErrorMessage}, nil
	}

	amount, err := decimal.NewFromString(resp.Amount.String())
	if err != nil {
		amount = decimal.Zero
	}
	return &gateway.CaptureResult{
		Success:       true,
		ReferenceCode: resp.ReferenceCode,
		Amount:        amount,
		DonorName:     resp.DonorName,
	}, nil
}
