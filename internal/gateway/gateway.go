package gateway

import (
	"context"

	"donation-service/internal/model"
	"donation-service/internal/payload"
	"github.com/shopspring/decimal"
)

// Order is the gateway's answer to order creation. Checkout is only set for
// gateways whose widget is configured locally.
type Order struct {
	ExternalOrderID string
	Checkout        *payload.EpaycoCheckout
}

// CaptureResult is the outcome of finalizing a payment. A false Success is a
// decline, not an error, unless Pending or Abandoned is set: Pending means
// the gateway has not decided yet, Abandoned that the donor left without
// paying.
//
// Currency and DonationID are only set by gateways whose notifications
// carry them; a reconciler checks them against the donation being settled.
type CaptureResult struct {
	Success              bool
	Pending              bool
	Abandoned            bool
	ReferenceCode        string
	Amount               decimal.Decimal
	Currency             model.Currency
	DonationID           string
	DonorName            string
	ErrorMessage         string
	GatewayTransactionID string
}

// Declined returns the gateway's refusal, or nil when the result is not a
// decline.
func (r *CaptureResult) Declined(g model.Gateway) *DeclineError {
	if r.Success || r.Pending || r.Abandoned {
		return nil
	}
	msg := r.ErrorMessage
	if msg == "" {
		msg = "declined by gateway"
	}
	return &DeclineError{Gateway: g, Message: msg}
}

type Adapter interface {
	Gateway() model.Gateway
	CreateOrder(ctx context.Context, rec *model.DonationRecord) (*Order, error)
	CaptureOrder(ctx context.Context, externalOrderID string) (*CaptureResult, error)
}

// CheckoutBuilder is implemented by adapters whose order is a locally built
// widget configuration that can be rebuilt for an existing order.
type CheckoutBuilder interface {
	Checkout(rec *model.DonationRecord) *payload.EpaycoCheckout
}

// Registry holds one adapter per supported gateway. Gateways without an
// adapter resolve to Disabled.
type Registry struct {
	adapters map[model.Gateway]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Gateway]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Gateway()] = a
	}
	return r
}

func (r *Registry) Get(g model.Gateway) Adapter {
	if a, ok := r.adapters[g]; ok {
		return a
	}
	return Disabled{Name: g}
}

// Disabled stands in for a gateway that has no configuration.
type Disabled struct {
	Name model.Gateway
}

func (d Disabled) Gateway() model.Gateway { return d.Name }

func (d Disabled) CreateOrder(context.Context, *model.DonationRecord) (*Order, error) {
	return nil, &RequestError{Gateway: d.Name, Message: "gateway is disabled"}
}

func (d Disabled) CaptureOrder(context.Context, string) (*CaptureResult, error) {
	return nil, &UnavailableError{Gateway: d.Name, Err: ErrDisabled}
}
