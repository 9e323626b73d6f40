package gateway

import (
	"context"
	"testing"

	"donation-service/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct{ name model.Gateway }

func (s stubAdapter) Gateway() model.Gateway { return s.name }

func (s stubAdapter) CreateOrder(context.Context, *model.DonationRecord) (*Order, error) {
	return &Order{ExternalOrderID: "X"}, nil
}

func (s stubAdapter) CaptureOrder(context.Context, string) (*CaptureResult, error) {
	return &CaptureResult{Success: true}, nil
}

func TestRegistry_FallsBackToDisabled(t *testing.T) {
	r := NewRegistry(stubAdapter{name: model.GatewayPayPal})

	assert.IsType(t, stubAdapter{}, r.Get(model.GatewayPayPal))

	epayco := r.Get(model.GatewayEpayco)
	assert.Equal(t, model.GatewayEpayco, epayco.Gateway())

	_, err := epayco.CreateOrder(context.Background(), &model.DonationRecord{})
	assert.True(t, IsRequestError(err))

	_, err = epayco.CaptureOrder(context.Background(), "X")
	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestErrorClassification(t *testing.T) {
	unavailable := errors.Wrap(&UnavailableError{Gateway: model.GatewayPayPal, Err: context.DeadlineExceeded}, "capture")
	assert.True(t, IsUnavailable(unavailable))
	assert.ErrorIs(t, unavailable, context.DeadlineExceeded)
	assert.False(t, IsRequestError(unavailable))

	decline := &DeclineError{Gateway: model.GatewayPayPal, Message: "INSTRUMENT_DECLINED"}
	assert.False(t, IsUnavailable(decline))
	assert.Contains(t, decline.Error(), "INSTRUMENT_DECLINED")
}

func TestCaptureResult_Declined(t *testing.T) {
	decline := (&CaptureResult{ErrorMessage: "INSTRUMENT_DECLINED"}).Declined(model.GatewayPayPal)
	require.NotNil(t, decline)
	assert.Equal(t, "INSTRUMENT_DECLINED", decline.Message)

	var target *DeclineError
	assert.True(t, errors.As(error(decline), &target))

	assert.Equal(t, "declined by gateway", (&CaptureResult{}).Declined(model.GatewayEpayco).Message)

	assert.Nil(t, (&CaptureResult{Success: true}).Declined(model.GatewayPayPal))
	assert.Nil(t, (&CaptureResult{Pending: true}).Declined(model.GatewayEpayco))
	assert.Nil(t, (&CaptureResult{Abandoned: true}).Declined(model.GatewayEpayco))
}
