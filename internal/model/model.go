package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyCOP Currency = "COP"
)

func ParseCurrency(s string) (Currency, error) {
	switch c := Currency(strings.ToUpper(strings.TrimSpace(s))); c {
	case CurrencyUSD, CurrencyCOP:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported currency %q", s)
	}
}

type Gateway string

const (
	GatewayPayPal Gateway = "paypal"
	GatewayEpayco Gateway = "epayco"
)

func ParseGateway(s string) (Gateway, error) {
	switch g := Gateway(strings.ToLower(strings.TrimSpace(s))); g {
	case GatewayPayPal, GatewayEpayco:
		return g, nil
	default:
		return "", fmt.Errorf("unsupported gateway %q", s)
	}
}

// Currency is the only currency the gateway accepts donations in.
func (g Gateway) Currency() Currency {
	if g == GatewayEpayco {
		return CurrencyCOP
	}
	return CurrencyUSD
}

// Country is the default billing country sent to the gateway.
func (g Gateway) Country() string {
	if g == GatewayEpayco {
		return "CO"
	}
	return "US"
}

type State string

const (
	StatePending              State = "pending"
	StateAuthorizedExternally State = "authorized_externally"
	StateCaptured             State = "captured"
	StateFailed               State = "failed"
	StateCancelled            State = "cancelled"
)

var transitions = map[State][]State{
	StatePending:              {StateAuthorizedExternally, StateCancelled},
	StateAuthorizedExternally: {StateCaptured, StateFailed},
}

// CanTransition reports whether to is reachable from s in one step.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateCaptured || s == StateFailed || s == StateCancelled
}

// DonationIntent is a validated donor request. It is only built by the intent
// package and never modified afterwards.
type DonationIntent struct {
	FirstName  string
	LastName   string
	Email      string
	Amount     decimal.Decimal
	Currency   Currency
	Gateway    Gateway
	CampaignID string
	Country    string
	Lang       string
}

func (i DonationIntent) DonorName() string {
	return strings.TrimSpace(i.FirstName + " " + i.LastName)
}

type DonationRecord struct {
	ID              uuid.UUID
	State           State
	ExternalOrderID *string
	ReferenceCode   *string
	Amount          decimal.Decimal
	Currency        Currency
	Gateway         Gateway
	DonorName       string
	Email           string
	CampaignID      *string
	Country         string
	Lang            string
	IdempotencyKey  *string
	FailureReason   *string
	CaptureAttempts int
	LastError       *string
	RetryAt         *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Check verifies the record invariants that do not depend on history.
func (r *DonationRecord) Check() error {
	if (r.ReferenceCode != nil) != (r.State == StateCaptured) {
		return fmt.Errorf("donation %s: reference code present=%t in state %s", r.ID, r.ReferenceCode != nil, r.State)
	}
	if (r.State == StateAuthorizedExternally || r.State == StateCaptured || r.State == StateFailed) && r.ExternalOrderID == nil {
		return fmt.Errorf("donation %s: state %s without external order id", r.ID, r.State)
	}
	return nil
}

func (r *DonationRecord) ExternalOrder() string {
	if r.ExternalOrderID == nil {
		return ""
	}
	return *r.ExternalOrderID
}

func (r *DonationRecord) Reference() string {
	if r.ReferenceCode == nil {
		return ""
	}
	return *r.ReferenceCode
}

// ToMinor converts an amount to hundredths of the currency unit. Both USD
// and COP are carried with two decimal places.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
