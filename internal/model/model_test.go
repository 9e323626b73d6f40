package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateAuthorizedExternally, true},
		{StatePending, StateCancelled, true},
		{StatePending, StateCaptured, false},
		{StatePending, StateFailed, false},
		{StateAuthorizedExternally, StateCaptured, true},
		{StateAuthorizedExternally, StateFailed, true},
		{StateAuthorizedExternally, StateCancelled, false},
		{StateAuthorizedExternally, StatePending, false},
		{StateCaptured, StateFailed, false},
		{StateFailed, StateCaptured, false},
		{StateCancelled, StatePending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestState_Terminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateAuthorizedExternally.Terminal())
	assert.True(t, StateCaptured.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
}

func TestParse(t *testing.T) {
	c, err := ParseCurrency(" usd ")
	assert.NoError(t, err)
	assert.Equal(t, CurrencyUSD, c)

	_, err = ParseCurrency("EUR")
	assert.Error(t, err)

	g, err := ParseGateway("Epayco")
	assert.NoError(t, err)
	assert.Equal(t, GatewayEpayco, g)
	assert.Equal(t, CurrencyCOP, g.Currency())
	assert.Equal(t, "CO", g.Country())

	_, err = ParseGateway("stripe")
	assert.Error(t, err)
}

func TestDonationRecord_Check(t *testing.T) {
	orderID := "PO-1"
	ref := "REF-001"

	captured := &DonationRecord{ID: uuid.New(), State: StateCaptured, ExternalOrderID: &orderID, ReferenceCode: &ref}
	assert.NoError(t, captured.Check())

	missingRef := &DonationRecord{ID: uuid.New(), State: StateCaptured, ExternalOrderID: &orderID}
	assert.Error(t, missingRef.Check())

	pendingWithRef := &DonationRecord{ID: uuid.New(), State: StatePending, ReferenceCode: &ref}
	assert.Error(t, pendingWithRef.Check())

	authorizedWithoutOrder := &DonationRecord{ID: uuid.New(), State: StateAuthorizedExternally}
	assert.Error(t, authorizedWithoutOrder.Check())
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(5000), ToMinor(decimal.NewFromInt(50)))
	assert.Equal(t, int64(10000000), ToMinor(decimal.NewFromInt(100000)))
	assert.Equal(t, int64(1999), ToMinor(decimal.RequireFromString("19.99")))
	assert.True(t, decimal.RequireFromString("19.99").Equal(FromMinor(1999)))
}

func TestDonorName(t *testing.T) {
	i := DonationIntent{FirstName: "Jane", LastName: "Doe"}
	assert.Equal(t, "Jane Doe", i.DonorName())
}
