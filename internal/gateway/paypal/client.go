package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"donation-service/internal/config"
	"donation-service/internal/gateway"
	"donation-service/internal/model"
	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const defaultTimeoutMs = 15_000

const (
	statusCompleted = "COMPLETED"
	statusPending   = "PENDING"

	issueAlreadyCaptured = "ORDER_ALREADY_CAPTURED"
	issueNotApproved     = "ORDER_NOT_APPROVED"
)

var (
	createOrderDuration  = metrics.GetOrCreateHistogram(`paypal_request_duration_milliseconds{operation="create_order"}`)
	captureOrderDuration = metrics.GetOrCreateHistogram(`paypal_request_duration_milliseconds{operation="capture_order"}`)
)

// Client talks to the PayPal Orders v2 API with client-credentials auth.
type Client struct {
	baseURL   string
	brandName string
	timeout   time.Duration
	http      *http.Client
	logger    *slog.Logger
}

func NewClient(cfg config.PayPal, logger *slog.Logger) *Client {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	credentials := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     baseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	return &Client{
		baseURL:   baseURL,
		brandName: cfg.BrandName,
		timeout:   time.Duration(timeoutMs) * time.Millisecond,
		http:      credentials.Client(context.Background()),
		logger:    logger,
	}
}

func (c *Client) Gateway() model.Gateway { return model.GatewayPayPal }

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	CustomID    string `json:"custom_id,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      *money `json:"amount,omitempty"`
	Payments    *struct {
		Captures []capture `json:"captures"`
	} `json:"payments,omitempty"`
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount money  `json:"amount"`
}

type orderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type applicationContext struct {
	BrandName          string `json:"brand_name,omitempty"`
	ShippingPreference string `json:"shipping_preference"`
	UserAction         string `json:"user_action"`
}

type order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Payer         *struct {
		Name struct {
			GivenName string `json:"given_name"`
			Surname   string `json:"surname"`
		} `json:"name"`
	} `json:"payer,omitempty"`
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e *apiError) issue() string {
	if len(e.Details) > 0 {
		return e.Details[0].Issue
	}
	return e.Name
}

func (e *apiError) describe() string {
	if len(e.Details) > 0 && e.Details[0].Description != "" {
		return e.Details[0].Description
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Name
}

// CreateOrder creates a USD order for the donation. The donation id is sent
// as PayPal-Request-Id so a repeated call returns the same order.
func (c *Client) CreateOrder(ctx context.Context, rec *model.DonationRecord) (*gateway.Order, error) {
	startTime := time.Now()
	defer func() { createOrderDuration.Update(float64(time.Since(startTime).Milliseconds())) }()

	body := orderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: rec.ID.String(),
			CustomID:    rec.ID.String(),
			Description: "Donation",
			Amount: &money{
				CurrencyCode: string(model.CurrencyUSD),
				Value:        rec.Amount.StringFixed(2),
			},
		}},
		ApplicationContext: applicationContext{
			BrandName:          c.brandName,
			ShippingPreference: "NO_SHIPPING",
			UserAction:         "PAY_NOW",
		},
	}

	var created order
	status, apiErr, err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", rec.ID.String(), body, &created)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		c.logger.WarnContext(ctx, "PayPal rejected order creation", "status", status, "issue", apiErr.issue(), "debugId", apiErr.DebugID)
		return nil, &gateway.RequestError{Gateway: model.GatewayPayPal, Message: apiErr.describe()}
	}
	if created.ID == "" {
		return nil, &gateway.RequestError{Gateway: model.GatewayPayPal, Message: "order response without id"}
	}

	c.logger.InfoContext(ctx, "Created PayPal order", "orderId", created.ID, "status", created.Status)
	return &gateway.Order{ExternalOrderID: created.ID}, nil
}

// CaptureOrder captures an approved order. Declines come back as an
// unsuccessful result; outages as *gateway.UnavailableError.
func (c *Client) CaptureOrder(ctx context.Context, externalOrderID string) (*gateway.CaptureResult, error) {
	startTime := time.Now()
	defer func() { captureOrderDuration.Update(float64(time.Since(startTime).Milliseconds())) }()

	var captured order
	path := "/v2/checkout/orders/" + externalOrderID + "/capture"
	status, apiErr, err := c.do(ctx, http.MethodPost, path, "capture-"+externalOrderID, struct{}{}, &captured)
	if err != nil {
		return nil, err
	}

	if apiErr != nil {
		switch apiErr.issue() {
		case issueAlreadyCaptured:
			c.logger.InfoContext(ctx, "PayPal order already captured, fetching it", "orderId", externalOrderID)
			return c.getCapturedOrder(ctx, externalOrderID)
		case issueNotApproved:
			return nil, &gateway.RequestError{Gateway: model.GatewayPayPal, Message: apiErr.describe(), Err: gateway.ErrOrderNotApproved}
		}
		if status == http.StatusNotFound {
			return nil, &gateway.RequestError{Gateway: model.GatewayPayPal, Message: apiErr.describe()}
		}

		c.logger.InfoContext(ctx, "PayPal declined capture", "orderId", externalOrderID, "issue", apiErr.issue(), "debugId", apiErr.DebugID)
		return &gateway.CaptureResult{Success: false, ErrorMessage: apiErr.describe()}, nil
	}

	return resultFromOrder(&captured), nil
}

func (c *Client) getCapturedOrder(ctx context.Context, externalOrderID string) (*gateway.CaptureResult, error) {
	var existing order
	_, apiErr, err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+externalOrderID, "", nil, &existing)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return nil, &gateway.RequestError{Gateway: model.GatewayPayPal, Message: apiErr.describe()}
	}
	return resultFromOrder(&existing), nil
}

func resultFromOrder(o *order) *gateway.CaptureResult {
	result := &gateway.CaptureResult{}
	if o.Payer != nil {
		result.DonorName = strings.TrimSpace(o.Payer.Name.GivenName + " " + o.Payer.Name.Surname)
	}

	var c *capture
	if len(o.PurchaseUnits) > 0 && o.PurchaseUnits[0].Payments != nil && len(o.PurchaseUnits[0].Payments.Captures) > 0 {
		c = &o.PurchaseUnits[0].Payments.Captures[0]
		result.GatewayTransactionID = c.ID
		if amount, err := decimal.NewFromString(c.Amount.Value); err == nil {
			result.Amount = amount
		}
	}

	switch {
	case c != nil && c.Status == statusCompleted:
		result.Success = true
	case c != nil && c.Status == statusPending:
		result.Pending = true
	case c == nil && o.Status == statusCompleted:
		result.Success = true
	default:
		status := o.Status
		if c != nil {
			status = c.Status
		}
		result.ErrorMessage = fmt.Sprintf("capture status %s", status)
	}
	return result
}

// do performs one API call. Transport failures, 429 and 5xx answers become
// *gateway.UnavailableError; other non-2xx answers are returned as apiErr.
func (c *Client) do(ctx context.Context, method, path, requestID string, in, out any) (int, *apiError, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, errors.Wrap(err, "marshal paypal request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "build paypal request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode < http.StatusInternalServerError {
			return 0, nil, &gateway.RequestError{Gateway: model.GatewayPayPal, Message: "authentication failed", Err: err}
		}
		return 0, nil, &gateway.UnavailableError{Gateway: model.GatewayPayPal, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &gateway.UnavailableError{Gateway: model.GatewayPayPal, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, nil, &gateway.UnavailableError{
			Gateway: model.GatewayPayPal,
			Err:     fmt.Errorf("status %s", resp.Status),
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{}
		if err := json.Unmarshal(respBody, apiErr); err != nil {
			apiErr.Name = resp.Status
		}
		return resp.StatusCode, apiErr, nil
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, nil, &gateway.RequestError{Gateway: model.GatewayPayPal, Message: "malformed response", Err: err}
		}
	}
	return resp.StatusCode, nil, nil
}
