package payload

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Donation is the donor-submitted form, shared by the intent endpoint and the
// PayPal order-creation endpoint.
type Donation struct {
	FirstName  string          `json:"firstName"`
	LastName   string          `json:"lastName"`
	Email      string          `json:"email"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Gateway    string          `json:"gateway"`
	CampaignID string          `json:"campaignId,omitempty"`
	Country    string          `json:"country,omitempty"`
	Lang       string          `json:"lang,omitempty"`
}

type DonationStatus struct {
	ID              uuid.UUID   `json:"id"`
	State           string      `json:"state"`
	Gateway         string      `json:"gateway"`
	Amount          json.Number `json:"amount"`
	Currency        string      `json:"currency"`
	DonorName       string      `json:"donorName"`
	CampaignID      string      `json:"campaignId,omitempty"`
	ExternalOrderID string      `json:"externalOrderId,omitempty"`
	ReferenceCode   string      `json:"referenceCode,omitempty"`
	FailureReason   string      `json:"failureReason,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

type CreateOrderRequest struct {
	Donation
	DonationID *uuid.UUID `json:"donationId,omitempty"`
}

type CreateOrderResponse struct {
	Success       bool   `json:"success"`
	DonationID    string `json:"donationId,omitempty"`
	PayPalOrderID string `json:"payPalOrderId,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

type CaptureRequest struct {
	OrderID string `json:"orderId"`
}

type CaptureResponse struct {
	Success       bool        `json:"success"`
	ReferenceCode string      `json:"referenceCode,omitempty"`
	Amount        json.Number `json:"amount,omitempty"`
	DonorName     string      `json:"donorName,omitempty"`
	ErrorMessage  string      `json:"errorMessage,omitempty"`
	Retryable     bool        `json:"retryable,omitempty"`
	Pending       bool        `json:"pending,omitempty"`
}

// EpaycoCheckoutData is the configuration object handed to the ePayco
// checkout widget.
type EpaycoCheckoutData struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Invoice       string `json:"invoice"`
	Currency      string `json:"currency"`
	Amount        string `json:"amount"`
	TaxBase       string `json:"tax_base"`
	Tax           string `json:"tax"`
	Country       string `json:"country"`
	Lang          string `json:"lang"`
	External      string `json:"external"`
	Response      string `json:"response"`
	Confirmation  string `json:"confirmation"`
	NameBilling   string `json:"name_billing,omitempty"`
	EmailBilling  string `json:"email_billing,omitempty"`
	Extra1        string `json:"extra1,omitempty"`
	MethodConfirm string `json:"method_confirmation,omitempty"`
}

type EpaycoCheckout struct {
	Key  string             `json:"key"`
	Test bool               `json:"test"`
	Data EpaycoCheckoutData `json:"data"`
}

type CheckoutResponse struct {
	DonationID    uuid.UUID       `json:"donationId"`
	Gateway       string          `json:"gateway"`
	PayPalOrderID string          `json:"payPalOrderId,omitempty"`
	Epayco        *EpaycoCheckout `json:"epayco,omitempty"`
}

type ErrorResponse struct {
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}
