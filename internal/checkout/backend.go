package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"donation-service/internal/model"
	"donation-service/internal/payload"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const defaultBackendTimeoutMs = 30_000

// APIError is a non-2xx answer from the donation backend.
type APIError struct {
	Status    int
	Message   string
	Fields    map[string]string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend responded %d: %s", e.Status, e.Message)
}

// Backend talks to the donation service endpoints on behalf of the donor's
// checkout.
type Backend struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

func NewBackend(baseURL string, timeoutMs int, logger *slog.Logger) *Backend {
	if timeoutMs <= 0 {
		timeoutMs = defaultBackendTimeoutMs
	}
	return &Backend{
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// CreatePending submits a validated intent and returns the pending record.
// The same idempotency key always yields the same donation.
func (b *Backend) CreatePending(ctx context.Context, intent model.DonationIntent, idempotencyKey string) (*model.DonationRecord, error) {
	form := payload.Donation{
		FirstName:  intent.FirstName,
		LastName:   intent.LastName,
		Email:      intent.Email,
		Amount:     intent.Amount,
		Currency:   string(intent.Currency),
		Gateway:    string(intent.Gateway),
		CampaignID: intent.CampaignID,
		Country:    intent.Country,
		Lang:       intent.Lang,
	}

	var status payload.DonationStatus
	header := http.Header{}
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}
	if err := b.do(ctx, http.MethodPost, "/api/donations", header, form, &status); err != nil {
		return nil, err
	}

	rec, err := recordFromStatus(status)
	if err != nil {
		return nil, err
	}
	rec.Email = intent.Email
	rec.Country = intent.Country
	rec.Lang = intent.Lang
	return rec, nil
}

func (b *Backend) Status(ctx context.Context, id uuid.UUID) (*payload.DonationStatus, error) {
	var status payload.DonationStatus
	if err := b.do(ctx, http.MethodGet, "/api/donations/"+id.String(), nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Cancel asks the backend to cancel a donation that was never authorized.
func (b *Backend) Cancel(ctx context.Context, id uuid.UUID) error {
	return b.do(ctx, http.MethodPost, "/api/donations/"+id.String()+"/cancel", nil, nil, nil)
}

// Checkout creates or reuses the gateway order of a pending donation.
func (b *Backend) Checkout(ctx context.Context, id uuid.UUID) (*payload.CheckoutResponse, error) {
	var resp payload.CheckoutResponse
	if err := b.do(ctx, http.MethodPost, "/api/donations/"+id.String()+"/checkout", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *Backend) CreatePayPalOrder(ctx context.Context, req payload.CreateOrderRequest) (*payload.CreateOrderResponse, error) {
	var resp payload.CreateOrderResponse
	err := b.do(ctx, http.MethodPost, "/api/paypal/orders", nil, req, &resp)
	return &resp, err
}

// CapturePayPalOrder returns the decoded response body alongside any error so
// callers can read the server's message on non-2xx answers.
func (b *Backend) CapturePayPalOrder(ctx context.Context, orderID string) (*payload.CaptureResponse, error) {
	var resp payload.CaptureResponse
	err := b.do(ctx, http.MethodPost, "/api/paypal/capture", nil, payload.CaptureRequest{OrderID: orderID}, &resp)
	return &resp, err
}

func (b *Backend) do(ctx context.Context, method, path string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	b.logger.DebugContext(ctx, "Backend response", "method", method, "path", path, "status", resp.StatusCode)

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
			return errors.Wrap(err, "decode response")
		}
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
		var body struct {
			payload.ErrorResponse
			ErrorMessage string `json:"errorMessage"`
		}
		if json.Unmarshal(data, &body) == nil {
			switch {
			case body.Error != "":
				apiErr.Message = body.Error
			case body.ErrorMessage != "":
				apiErr.Message = body.ErrorMessage
			}
			apiErr.Fields = body.Fields
			apiErr.Retryable = body.Retryable
		}
		return apiErr
	}
	return nil
}

// Unavailable reports whether err means the backend or the gateway behind it
// could not be reached. Nothing was charged in that case.
func Unavailable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable || apiErr.Status == http.StatusServiceUnavailable || apiErr.Status == http.StatusGatewayTimeout
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded)
}

func recordFromStatus(status payload.DonationStatus) (*model.DonationRecord, error) {
	amount, err := decimal.NewFromString(status.Amount.String())
	if err != nil {
		return nil, errors.Wrapf(err, "parse amount %q", status.Amount)
	}
	rec := &model.DonationRecord{
		ID:        status.ID,
		State:     model.State(status.State),
		Gateway:   model.Gateway(status.Gateway),
		Amount:    amount,
		Currency:  model.Currency(status.Currency),
		DonorName: status.DonorName,
		CreatedAt: status.CreatedAt,
		UpdatedAt: status.UpdatedAt,
	}
	if status.CampaignID != "" {
		rec.CampaignID = &status.CampaignID
	}
	if status.ExternalOrderID != "" {
		rec.ExternalOrderID = &status.ExternalOrderID
	}
	if status.ReferenceCode != "" {
		rec.ReferenceCode = &status.ReferenceCode
	}
	if status.FailureReason != "" {
		rec.FailureReason = &status.FailureReason
	}
	return rec, nil
}
