package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"donation-service/internal/config"
	"donation-service/internal/db"
	"donation-service/internal/gateway"
	"donation-service/internal/gateway/epayco"
	"donation-service/internal/intent"
	"donation-service/internal/model"
	"donation-service/internal/payload"
	"donation-service/internal/reconcile"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jwtSecret = "operator-secret"

var epaycoConfig = config.Epayco{PublicKey: "pub", CustomerID: "cust", PKey: "pkey", Test: true}

type fakeIntents struct {
	rec  *model.DonationRecord
	err  error
	keys []string
}

func (f *fakeIntents) Submit(_ context.Context, form payload.Donation, key string) (*model.DonationRecord, error) {
	f.keys = append(f.keys, key)
	if _, err := intent.Validate(form, intent.Rules{}); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

type fakeDonations struct {
	records map[uuid.UUID]*model.DonationRecord
}

func (f *fakeDonations) SelectByID(_ context.Context, id uuid.UUID) (*model.DonationRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return rec, nil
}

func (f *fakeDonations) List(_ context.Context, state model.State, _ int) ([]*model.DonationRecord, error) {
	var out []*model.DonationRecord
	for _, rec := range f.records {
		if state == "" || rec.State == state {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeReconciler struct {
	order     *gateway.Order
	outcome   *reconcile.Outcome
	err       error
	attempts  []reconcile.Attempt
	cancelled []uuid.UUID
	donations *fakeDonations
}

func (f *fakeReconciler) Checkout(_ context.Context, id uuid.UUID) (*model.DonationRecord, *gateway.Order, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	rec, err := f.donations.SelectByID(context.Background(), id)
	if err != nil {
		return nil, nil, err
	}
	return rec, f.order, nil
}

func (f *fakeReconciler) Cancel(_ context.Context, id uuid.UUID) (*model.DonationRecord, error) {
	f.cancelled = append(f.cancelled, id)
	rec, err := f.donations.SelectByID(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if rec.State == model.StatePending {
		rec.State = model.StateCancelled
	}
	return rec, nil
}

func (f *fakeReconciler) Reconcile(_ context.Context, attempt reconcile.Attempt) (*reconcile.Outcome, error) {
	f.attempts = append(f.attempts, attempt)
	return f.outcome, f.err
}

type fixture struct {
	intents    *fakeIntents
	donations  *fakeDonations
	reconciler *fakeReconciler
	handler    http.Handler
}

func newFixture(recs ...*model.DonationRecord) *fixture {
	donations := &fakeDonations{records: map[uuid.UUID]*model.DonationRecord{}}
	for _, rec := range recs {
		donations.records[rec.ID] = rec
	}
	f := &fixture{
		donations:  donations,
		reconciler: &fakeReconciler{donations: donations},
	}
	if len(recs) > 0 {
		f.intents = &fakeIntents{rec: recs[0]}
	} else {
		f.intents = &fakeIntents{}
	}
	f.handler = NewRouter(Deps{
		Intents:    f.intents,
		Donations:  f.donations,
		Reconciler: f.reconciler,
		Epayco:     epaycoConfig,
		Admin:      config.Admin{JWTSecret: jwtSecret},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, 0)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func paypalRecord() *model.DonationRecord {
	return &model.DonationRecord{
		ID:        uuid.New(),
		State:     model.StatePending,
		Gateway:   model.GatewayPayPal,
		Amount:    decimal.NewFromInt(50),
		Currency:  model.CurrencyUSD,
		DonorName: "Jane Doe",
		Email:     "jane@example.org",
	}
}

const validForm = `{"firstName":"Jane","lastName":"Doe","email":"jane@example.org","amount":50,"currency":"USD","gateway":"paypal"}`

func TestCreateDonation(t *testing.T) {
	rec := paypalRecord()
	f := newFixture(rec)

	rr := f.do(t, http.MethodPost, "/api/donations", validForm, http.Header{"Idempotency-Key": {"key-1"}})

	require.Equal(t, http.StatusCreated, rr.Code)
	var status payload.DonationStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, rec.ID, status.ID)
	assert.Equal(t, "pending", status.State)
	assert.Equal(t, "50.00", status.Amount.String())
	assert.Equal(t, []string{"key-1"}, f.intents.keys)
}

func TestCreateDonation_IdempotencyKeyReusedForOtherDonation(t *testing.T) {
	f := newFixture(paypalRecord())
	f.intents.err = errors.Wrap(db.ErrIdempotencyConflict, "create pending donation")

	rr := f.do(t, http.MethodPost, "/api/donations", validForm, http.Header{"Idempotency-Key": {"key-1"}})

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestCreateDonation_Invalid(t *testing.T) {
	f := newFixture()

	rr := f.do(t, http.MethodPost, "/api/donations", `{"firstName":"","email":"nope","amount":-1,"currency":"USD","gateway":"paypal"}`, nil)

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var resp payload.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp.Fields, "firstName")
	assert.Contains(t, resp.Fields, "email")
	assert.Contains(t, resp.Fields, "amount")
}

func TestGetDonation(t *testing.T) {
	rec := paypalRecord()
	f := newFixture(rec)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/donations/"+rec.ID.String(), "", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/donations/"+uuid.NewString(), "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/donations/not-a-uuid", "", nil).Code)
}

func TestCancelDonation(t *testing.T) {
	rec := paypalRecord()
	f := newFixture(rec)

	rr := f.do(t, http.MethodPost, "/api/donations/"+rec.ID.String()+"/cancel", "", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"state":"cancelled"`)
	assert.Equal(t, []uuid.UUID{rec.ID}, f.reconciler.cancelled)
}

func TestCheckoutDonation_Epayco(t *testing.T) {
	rec := paypalRecord()
	rec.Gateway = model.GatewayEpayco
	rec.Currency = model.CurrencyCOP
	rec.Amount = decimal.NewFromInt(100000)
	checkout := epayco.BuildCheckout(rec, epaycoConfig)

	f := newFixture(rec)
	f.reconciler.order = &gateway.Order{ExternalOrderID: checkout.Data.Invoice, Checkout: &checkout}

	rr := f.do(t, http.MethodPost, "/api/donations/"+rec.ID.String()+"/checkout", "", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp payload.CheckoutResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Epayco)
	assert.Equal(t, "100000.00", resp.Epayco.Data.Amount)
	assert.Equal(t, "0", resp.Epayco.Data.Tax)
	assert.Equal(t, "0", resp.Epayco.Data.TaxBase)
	assert.Empty(t, resp.PayPalOrderID)
}

func TestCheckoutDonation_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"NotPending", reconcile.ErrNotPending, http.StatusConflict},
		{"Disabled", &gateway.RequestError{Gateway: model.GatewayPayPal, Message: "gateway is disabled"}, http.StatusBadGateway},
		{"Unavailable", &gateway.UnavailableError{Gateway: model.GatewayPayPal, Err: context.DeadlineExceeded}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := paypalRecord()
			f := newFixture(rec)
			f.reconciler.err = tt.err

			rr := f.do(t, http.MethodPost, "/api/donations/"+rec.ID.String()+"/checkout", "", nil)
			assert.Equal(t, tt.status, rr.Code)
		})
	}
}

func TestCreatePayPalOrder(t *testing.T) {
	rec := paypalRecord()
	f := newFixture(rec)
	f.reconciler.order = &gateway.Order{ExternalOrderID: "PO-1"}

	rr := f.do(t, http.MethodPost, "/api/paypal/orders", validForm, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp payload.CreateOrderResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "PO-1", resp.PayPalOrderID)
	assert.Equal(t, rec.ID.String(), resp.DonationID)
}

func TestCreatePayPalOrder_ExistingDonation(t *testing.T) {
	rec := paypalRecord()
	f := newFixture(rec)
	f.reconciler.order = &gateway.Order{ExternalOrderID: "PO-1"}

	rr := f.do(t, http.MethodPost, "/api/paypal/orders", `{"donationId":"`+rec.ID.String()+`"}`, nil)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, f.intents.keys)
}

func TestCreatePayPalOrder_WrongGateway(t *testing.T) {
	f := newFixture(paypalRecord())

	rr := f.do(t, http.MethodPost, "/api/paypal/orders",
		`{"firstName":"Ana","lastName":"Gómez","email":"ana@example.org","amount":100000,"currency":"COP","gateway":"epayco"}`, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), `"success":false`)
}

func TestCapturePayPalOrder(t *testing.T) {
	tests := []struct {
		name    string
		outcome *reconcile.Outcome
		err     error
		status  int
		check   func(t *testing.T, resp payload.CaptureResponse)
	}{
		{
			name:    "Captured",
			outcome: &reconcile.Outcome{State: model.StateCaptured, ReferenceCode: "REF-001", Amount: decimal.NewFromInt(50), DonorName: "Jane Doe"},
			status:  http.StatusOK,
			check: func(t *testing.T, resp payload.CaptureResponse) {
				assert.True(t, resp.Success)
				assert.Equal(t, "REF-001", resp.ReferenceCode)
				assert.Equal(t, "50.00", resp.Amount.String())
				assert.Equal(t, "Jane Doe", resp.DonorName)
			},
		},
		{
			name:    "Declined",
			outcome: &reconcile.Outcome{State: model.StateFailed, FailureReason: "INSTRUMENT_DECLINED"},
			status:  http.StatusOK,
			check: func(t *testing.T, resp payload.CaptureResponse) {
				assert.False(t, resp.Success)
				assert.Equal(t, "INSTRUMENT_DECLINED", resp.ErrorMessage)
			},
		},
		{
			name:   "Unavailable",
			err:    &gateway.UnavailableError{Gateway: model.GatewayPayPal, Err: context.DeadlineExceeded},
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, resp payload.CaptureResponse) {
				assert.False(t, resp.Success)
				assert.True(t, resp.Retryable)
			},
		},
		{
			name:   "Pending",
			err:    reconcile.ErrAwaitingConfirmation,
			status: http.StatusAccepted,
			check: func(t *testing.T, resp payload.CaptureResponse) {
				assert.True(t, resp.Pending)
			},
		},
		{
			name:   "NotApproved",
			err:    &gateway.RequestError{Gateway: model.GatewayPayPal, Message: "capture rejected", Err: gateway.ErrOrderNotApproved},
			status: http.StatusBadGateway,
			check: func(t *testing.T, resp payload.CaptureResponse) {
				assert.False(t, resp.Success)
			},
		},
		{
			name:   "UnknownOrder",
			err:    reconcile.ErrUnknownOrder,
			status: http.StatusNotFound,
			check:  func(*testing.T, payload.CaptureResponse) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.reconciler.outcome = tt.outcome
			f.reconciler.err = tt.err

			rr := f.do(t, http.MethodPost, "/api/paypal/capture", `{"orderId":"PO-1"}`, nil)

			require.Equal(t, tt.status, rr.Code)
			var resp payload.CaptureResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			tt.check(t, resp)
			require.Len(t, f.reconciler.attempts, 1)
			assert.Equal(t, reconcile.Attempt{ExternalOrderID: "PO-1", Source: reconcile.SourceCapture}, f.reconciler.attempts[0])
		})
	}
}

func TestCapturePayPalOrder_MissingOrderID(t *testing.T) {
	f := newFixture()
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/paypal/capture", `{}`, nil).Code)
	assert.Empty(t, f.reconciler.attempts)
}

func confirmationForm(invoice, code string) url.Values {
	values := url.Values{
		"x_id_invoice":     {invoice},
		"x_ref_payco":      {"98765"},
		"x_transaction_id": {"tx-1"},
		"x_amount":         {"100000.00"},
		"x_currency_code":  {"COP"},
		"x_cod_response":   {code},
	}
	values.Set("x_signature", epayco.Sign(epaycoConfig.CustomerID, epaycoConfig.PKey, "98765", "tx-1", "100000.00", "COP"))
	return values
}

func postForm(f *fixture, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/epayco/confirmation", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func TestEpaycoConfirmation(t *testing.T) {
	f := newFixture()
	f.reconciler.outcome = &reconcile.Outcome{State: model.StateCaptured}

	rr := postForm(f, confirmationForm("DON-1", "1"))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, f.reconciler.attempts, 1)
	attempt := f.reconciler.attempts[0]
	assert.Equal(t, "DON-1", attempt.ExternalOrderID)
	assert.Equal(t, reconcile.SourceWebhook, attempt.Source)
	require.NotNil(t, attempt.Confirmation)
	assert.True(t, attempt.Confirmation.Success)
	assert.True(t, decimal.NewFromInt(100000).Equal(attempt.Confirmation.Amount))
}

func TestEpaycoConfirmation_PendingIsAcknowledged(t *testing.T) {
	f := newFixture()
	f.reconciler.err = reconcile.ErrAwaitingConfirmation

	assert.Equal(t, http.StatusOK, postForm(f, confirmationForm("DON-1", "3")).Code)
}

func TestEpaycoConfirmation_MismatchIsRejected(t *testing.T) {
	f := newFixture()
	f.reconciler.err = errors.Wrap(reconcile.ErrConfirmationMismatch, `currency "USD", donation COP`)

	rr := postForm(f, confirmationForm("DON-1", "1"))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	require.Len(t, f.reconciler.attempts, 1)
	assert.Equal(t, model.CurrencyCOP, f.reconciler.attempts[0].Confirmation.Currency)
}

func TestEpaycoConfirmation_BadSignature(t *testing.T) {
	f := newFixture()
	values := confirmationForm("DON-1", "1")
	values.Set("x_signature", "deadbeef")

	assert.Equal(t, http.StatusBadRequest, postForm(f, values).Code)
	assert.Empty(t, f.reconciler.attempts)
}

func TestEpaycoConfirmation_JSON(t *testing.T) {
	f := newFixture()
	f.reconciler.outcome = &reconcile.Outcome{State: model.StateFailed}

	body := map[string]string{}
	for k, v := range confirmationForm("DON-1", "2") {
		body[k] = v[0]
	}
	data, _ := json.Marshal(body)

	rr := f.do(t, http.MethodPost, "/api/epayco/confirmation", string(data), nil)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, f.reconciler.attempts, 1)
	assert.False(t, f.reconciler.attempts[0].Confirmation.Success)
}

func operatorToken(t *testing.T, secret string) http.Header {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return http.Header{"Authorization": {"Bearer " + signed}}
}

func TestAdmin_RequiresToken(t *testing.T) {
	f := newFixture(paypalRecord())

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/admin/donations", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/admin/donations", "", operatorToken(t, "wrong")).Code)

	rr := f.do(t, http.MethodGet, "/api/admin/donations?state=pending", "", operatorToken(t, jwtSecret))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"count":1`)
}

func TestAdmin_ReconcileDonation(t *testing.T) {
	rec := paypalRecord()
	orderID := "PO-1"
	rec.ExternalOrderID = &orderID
	rec.State = model.StateAuthorizedExternally
	f := newFixture(rec)
	f.reconciler.outcome = &reconcile.Outcome{DonationID: rec.ID, State: model.StateCaptured, ReferenceCode: "REF-001"}

	rr := f.do(t, http.MethodPost, "/api/admin/donations/"+rec.ID.String()+"/reconcile", "", operatorToken(t, jwtSecret))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"referenceCode":"REF-001"`)
	assert.Equal(t, reconcile.Attempt{ExternalOrderID: "PO-1", Source: reconcile.SourceOperator}, f.reconciler.attempts[0])
}

func TestAdmin_ReconcileWithoutOrder(t *testing.T) {
	rec := paypalRecord()
	f := newFixture(rec)

	rr := f.do(t, http.MethodPost, "/api/admin/donations/"+rec.ID.String()+"/reconcile", "", operatorToken(t, jwtSecret))

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Empty(t, f.reconciler.attempts)
}

func TestLivenessAndMetrics(t *testing.T) {
	f := newFixture()

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/liveness", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "", nil).Code)
}
