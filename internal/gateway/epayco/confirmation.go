package epayco

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"

	"donation-service/internal/config"
	"donation-service/internal/gateway"
	"donation-service/internal/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrInvalidSignature = errors.New("epayco confirmation signature mismatch")

// Response codes sent in x_cod_response.
const (
	CodeAccepted  = 1
	CodeRejected  = 2
	CodePending   = 3
	CodeFailed    = 4
	CodeReversed  = 6
	CodeExpired   = 9
	CodeAbandoned = 10
	CodeCancelled = 11
)

// Confirmation is a verified ePayco webhook notification. Extra1 echoes the
// donation id the checkout widget was built with.
type Confirmation struct {
	Invoice       string
	RefPayco      string
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Extra1        string
	Code          int
	Reason        string
	State         string
}

// ParseConfirmation reads and verifies a confirmation notification.
func ParseConfirmation(values url.Values, cfg config.Epayco) (*Confirmation, error) {
	c := &Confirmation{
		Invoice:       values.Get("x_id_invoice"),
		RefPayco:      values.Get("x_ref_payco"),
		TransactionID: values.Get("x_transaction_id"),
		Currency:      values.Get("x_currency_code"),
		Extra1:        values.Get("x_extra1"),
		Reason:        values.Get("x_response_reason_text"),
		State:         values.Get("x_transaction_state"),
	}
	if c.Invoice == "" || c.RefPayco == "" {
		return nil, errors.New("confirmation without invoice or x_ref_payco")
	}

	rawAmount := values.Get("x_amount")
	signature := Sign(cfg.CustomerID, cfg.PKey, c.RefPayco, c.TransactionID, rawAmount, c.Currency)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(strings.ToLower(values.Get("x_signature")))) != 1 {
		return nil, ErrInvalidSignature
	}

	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return nil, errors.Wrapf(err, "parse x_amount %q", rawAmount)
	}
	c.Amount = amount

	code, err := strconv.Atoi(values.Get("x_cod_response"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse x_cod_response %q", values.Get("x_cod_response"))
	}
	c.Code = code

	return c, nil
}

// Sign computes x_signature for a notification.
func Sign(customerID, pKey, refPayco, transactionID, amount, currency string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{customerID, pKey, refPayco, transactionID, amount, currency}, "^")))
	return hex.EncodeToString(sum[:])
}

// Result maps the response code onto a capture result.
func (c *Confirmation) Result() *gateway.CaptureResult {
	result := &gateway.CaptureResult{
		Amount:               c.Amount,
		Currency:             model.Currency(strings.ToUpper(c.Currency)),
		DonationID:           c.Extra1,
		GatewayTransactionID: c.RefPayco,
	}

	switch c.Code {
	case CodeAccepted:
		result.Success = true
	case CodePending:
		result.Pending = true
	case CodeAbandoned, CodeCancelled:
		result.Abandoned = true
	default:
		result.ErrorMessage = c.Reason
		if result.ErrorMessage == "" {
			result.ErrorMessage = "transaction " + strings.ToLower(c.stateOrCode())
		}
	}
	return result
}

func (c *Confirmation) stateOrCode() string {
	if c.State != "" {
		return c.State
	}
	return "code " + strconv.Itoa(c.Code)
}
