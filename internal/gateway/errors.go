package gateway

import (
	"fmt"

	"donation-service/internal/model"
	"github.com/pkg/errors"
)

var (
	// ErrAsyncCapture is returned by adapters that cannot capture on demand;
	// their outcome arrives through a confirmation webhook.
	ErrAsyncCapture = errors.New("gateway confirms captures asynchronously")
	// ErrOrderNotApproved means capture was requested before the donor
	// approved the order in the gateway UI.
	ErrOrderNotApproved = errors.New("order has not been approved by the payer")
	ErrDisabled         = errors.New("gateway is not configured")
)

// RequestError means the gateway rejected order creation or answered with a
// response that could not be understood.
type RequestError struct {
	Gateway model.Gateway
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s request failed: %s: %v", e.Gateway, e.Message, e.Err)
	}
	return fmt.Sprintf("%s request failed: %s", e.Gateway, e.Message)
}

func (e *RequestError) Unwrap() error { return e.Err }

// DeclineError is a payment decision reported by the gateway. It is a
// business outcome, not a system fault.
type DeclineError struct {
	Gateway model.Gateway
	Message string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("%s declined the payment: %s", e.Gateway, e.Message)
}

// UnavailableError covers timeouts, transport failures and gateway outages.
// The payment may not have been attempted; callers retry later.
type UnavailableError struct {
	Gateway model.Gateway
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Gateway, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func IsUnavailable(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}

func IsRequestError(err error) bool {
	var target *RequestError
	return errors.As(err, &target)
}
