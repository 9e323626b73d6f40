package checkout

import (
	"context"

	"donation-service/internal/gateway"
	"donation-service/internal/gateway/epayco"
	"donation-service/internal/model"
	"donation-service/internal/payload"
	"github.com/pkg/errors"
)

// Widget opens the ePayco checkout for the donor. The donor's decision comes
// back as presenter events.
type Widget interface {
	Open(ctx context.Context, checkout *payload.EpaycoCheckout) error
}

// EpaycoAdapter hands the checkout configuration prepared by the backend to
// the widget. The payment is confirmed by the gateway's webhook, so capture
// only waits for the backend to record the outcome.
type EpaycoAdapter struct {
	backend *Backend
	widget  Widget
	poller  *Poller
}

func NewEpaycoAdapter(backend *Backend, widget Widget, poller *Poller) *EpaycoAdapter {
	return &EpaycoAdapter{backend: backend, widget: widget, poller: poller}
}

func (a *EpaycoAdapter) CreateOrder(ctx context.Context, rec *model.DonationRecord) (*gateway.Order, error) {
	resp, err := a.backend.Checkout(ctx, rec.ID)
	if err != nil {
		if Unavailable(err) {
			return nil, &gateway.UnavailableError{Gateway: model.GatewayEpayco, Err: err}
		}
		return nil, &gateway.RequestError{Gateway: model.GatewayEpayco, Message: "checkout failed", Err: err}
	}
	if resp.Epayco == nil {
		return nil, &gateway.RequestError{Gateway: model.GatewayEpayco, Message: "no checkout configuration returned"}
	}

	if err := a.widget.Open(ctx, resp.Epayco); err != nil {
		return nil, &gateway.RequestError{Gateway: model.GatewayEpayco, Message: "open checkout", Err: err}
	}
	return &gateway.Order{ExternalOrderID: resp.Epayco.Data.Invoice, Checkout: resp.Epayco}, nil
}

func (a *EpaycoAdapter) CaptureOrder(ctx context.Context, invoice string) (*gateway.CaptureResult, error) {
	id, err := epayco.DonationID(invoice)
	if err != nil {
		return nil, &gateway.RequestError{Gateway: model.GatewayEpayco, Message: "unknown invoice", Err: errors.WithStack(err)}
	}
	return a.poller.Await(ctx, id)
}
