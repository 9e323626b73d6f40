package epayco

import (
	"context"
	"strconv"
	"strings"

	"donation-service/internal/config"
	"donation-service/internal/gateway"
	"donation-service/internal/model"
	"donation-service/internal/payload"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const invoicePrefix = "DON-"

// Adapter configures the ePayco checkout widget. The widget charges the donor
// itself and the outcome arrives at the confirmation webhook, so there is no
// capture call.
type Adapter struct {
	cfg config.Epayco
}

func NewAdapter(cfg config.Epayco) *Adapter {
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Gateway() model.Gateway { return model.GatewayEpayco }

func (a *Adapter) CreateOrder(_ context.Context, rec *model.DonationRecord) (*gateway.Order, error) {
	if rec.Currency != model.CurrencyCOP {
		return nil, &gateway.RequestError{Gateway: model.GatewayEpayco, Message: "only COP donations are supported"}
	}
	checkout := a.Checkout(rec)
	return &gateway.Order{ExternalOrderID: checkout.Data.Invoice, Checkout: checkout}, nil
}

func (a *Adapter) Checkout(rec *model.DonationRecord) *payload.EpaycoCheckout {
	checkout := BuildCheckout(rec, a.cfg)
	return &checkout
}

func (a *Adapter) CaptureOrder(context.Context, string) (*gateway.CaptureResult, error) {
	return nil, gateway.ErrAsyncCapture
}

// Invoice is the external order id used for a donation.
func Invoice(donationID uuid.UUID) string {
	return invoicePrefix + donationID.String()
}

// DonationID recovers the donation id from an invoice.
func DonationID(invoice string) (uuid.UUID, error) {
	if !strings.HasPrefix(invoice, invoicePrefix) {
		return uuid.Nil, errors.Errorf("invoice %q has no %s prefix", invoice, invoicePrefix)
	}
	return uuid.Parse(strings.TrimPrefix(invoice, invoicePrefix))
}

// BuildCheckout returns the widget configuration for a donation. Donations are
// tax exempt, so tax and tax_base are always zero.
func BuildCheckout(rec *model.DonationRecord, cfg config.Epayco) payload.EpaycoCheckout {
	description := "Donation"
	if rec.CampaignID != nil && *rec.CampaignID != "" {
		description += " - " + *rec.CampaignID
	}

	country := rec.Country
	if country == "" {
		country = model.GatewayEpayco.Country()
	}
	lang := rec.Lang
	if lang == "" {
		lang = "es"
	}

	return payload.EpaycoCheckout{
		Key:  cfg.PublicKey,
		Test: cfg.Test,
		Data: payload.EpaycoCheckoutData{
			Name:          "Donation",
			Description:   description,
			Invoice:       Invoice(rec.ID),
			Currency:      strings.ToLower(string(rec.Currency)),
			Amount:        rec.Amount.StringFixed(2),
			TaxBase:       "0",
			Tax:           "0",
			Country:       strings.ToLower(country),
			Lang:          lang,
			External:      strconv.FormatBool(cfg.External),
			Response:      cfg.ResponseURL,
			Confirmation:  cfg.ConfirmationURL,
			NameBilling:   rec.DonorName,
			EmailBilling:  rec.Email,
			Extra1:        rec.ID.String(),
			MethodConfirm: "POST",
		},
	}
}
