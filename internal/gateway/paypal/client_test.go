package paypal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"donation-service/internal/config"
	"donation-service/internal/gateway"
	"donation-service/internal/model"
	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURL = "http://paypal.test"

func newTestClient() *Client {
	return NewClient(config.PayPal{
		BaseURL:      baseURL,
		ClientID:     "client",
		ClientSecret: "secret",
		BrandName:    "Fundación",
		TimeoutMs:    1000,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mockToken() {
	gock.New(baseURL).
		Post("/v1/oauth2/token").
		Reply(200).
		JSON(map[string]any{"access_token": "token-1", "token_type": "Bearer", "expires_in": 3600})
}

func completedOrder(id string) map[string]any {
	return map[string]any{
		"id":     id,
		"status": "COMPLETED",
		"payer": map[string]any{
			"name": map[string]string{"given_name": "Jane", "surname": "Doe"},
		},
		"purchase_units": []map[string]any{{
			"payments": map[string]any{
				"captures": []map[string]any{{
					"id":     "CAP-1",
					"status": "COMPLETED",
					"amount": map[string]string{"currency_code": "USD", "value": "50.00"},
				}},
			},
		}},
	}
}

func TestClient_CreateOrder(t *testing.T) {
	defer gock.Off()
	mockToken()

	rec := &model.DonationRecord{ID: uuid.New(), Amount: decimal.NewFromInt(50), Currency: model.CurrencyUSD}

	gock.New(baseURL).
		Post("/v2/checkout/orders").
		MatchHeader("Authorization", "Bearer token-1").
		MatchHeader("PayPal-Request-Id", rec.ID.String()).
		BodyString(`"value":"50.00"`).
		Reply(201).
		JSON(map[string]string{"id": "PO-1", "status": "CREATED"})

	order, err := newTestClient().CreateOrder(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "PO-1", order.ExternalOrderID)
	assert.Nil(t, order.Checkout)
	assert.True(t, gock.IsDone())
}

func TestClient_CreateOrder_Rejected(t *testing.T) {
	defer gock.Off()
	mockToken()

	gock.New(baseURL).
		Post("/v2/checkout/orders").
		Reply(400).
		JSON(map[string]any{
			"name":    "INVALID_REQUEST",
			"details": []map[string]string{{"issue": "INVALID_PARAMETER_VALUE", "description": "amount is invalid"}},
		})

	rec := &model.DonationRecord{ID: uuid.New(), Amount: decimal.NewFromInt(50)}
	_, err := newTestClient().CreateOrder(context.Background(), rec)

	var reqErr *gateway.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "amount is invalid", reqErr.Message)
}

func TestClient_CaptureOrder(t *testing.T) {
	tests := []struct {
		name            string
		mockResponse    func()
		wantSuccess     bool
		wantPending     bool
		wantUnavailable bool
		wantNotApproved bool
	}{
		{
			name: "Completed",
			mockResponse: func() {
				gock.New(baseURL).
					Post("/v2/checkout/orders/PO-1/capture").
					MatchHeader("PayPal-Request-Id", "capture-PO-1").
					Reply(201).
					JSON(completedOrder("PO-1"))
			},
			wantSuccess: true,
		},
		{
			name: "Pending",
			mockResponse: func() {
				order := completedOrder("PO-1")
				order["purchase_units"].([]map[string]any)[0]["payments"].(map[string]any)["captures"].([]map[string]any)[0]["status"] = "PENDING"
				gock.New(baseURL).
					Post("/v2/checkout/orders/PO-1/capture").
					Reply(201).
					JSON(order)
			},
			wantPending: true,
		},
		{
			name: "Declined",
			mockResponse: func() {
				gock.New(baseURL).
					Post("/v2/checkout/orders/PO-1/capture").
					Reply(422).
					JSON(map[string]any{
						"name":    "UNPROCESSABLE_ENTITY",
						"details": []map[string]string{{"issue": "INSTRUMENT_DECLINED", "description": "The instrument was declined"}},
					})
			},
		},
		{
			name: "AlreadyCaptured",
			mockResponse: func() {
				gock.New(baseURL).
					Post("/v2/checkout/orders/PO-1/capture").
					Reply(422).
					JSON(map[string]any{
						"name":    "UNPROCESSABLE_ENTITY",
						"details": []map[string]string{{"issue": "ORDER_ALREADY_CAPTURED"}},
					})
				gock.New(baseURL).
					Get("/v2/checkout/orders/PO-1").
					Reply(200).
					JSON(completedOrder("PO-1"))
			},
			wantSuccess: true,
		},
		{
			name: "NotApproved",
			mockResponse: func() {
				gock.New(baseURL).
					Post("/v2/checkout/orders/PO-1/capture").
					Reply(422).
					JSON(map[string]any{
						"name":    "UNPROCESSABLE_ENTITY",
						"details": []map[string]string{{"issue": "ORDER_NOT_APPROVED"}},
					})
			},
			wantNotApproved: true,
		},
		{
			name: "ServerError",
			mockResponse: func() {
				gock.New(baseURL).
					Post("/v2/checkout/orders/PO-1/capture").
					Reply(503)
			},
			wantUnavailable: true,
		},
		{
			name: "Timeout",
			mockResponse: func() {
				gock.New(baseURL).
					Post("/v2/checkout/orders/PO-1/capture").
					ReplyError(context.DeadlineExceeded)
			},
			wantUnavailable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer gock.Off()
			mockToken()
			tt.mockResponse()

			result, err := newTestClient().CaptureOrder(context.Background(), "PO-1")

			switch {
			case tt.wantUnavailable:
				assert.True(t, gateway.IsUnavailable(err))
				assert.Nil(t, result)
			case tt.wantNotApproved:
				assert.True(t, errors.Is(err, gateway.ErrOrderNotApproved))
				assert.True(t, gateway.IsRequestError(err))
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantSuccess, result.Success)
				assert.Equal(t, tt.wantPending, result.Pending)
				if tt.wantSuccess {
					assert.Equal(t, "Jane Doe", result.DonorName)
					assert.True(t, decimal.NewFromInt(50).Equal(result.Amount))
					assert.Equal(t, "CAP-1", result.GatewayTransactionID)
				}
				if !tt.wantSuccess && !tt.wantPending {
					assert.Equal(t, "The instrument was declined", result.ErrorMessage)
				}
			}
			assert.True(t, gock.IsDone())
		})
	}
}
