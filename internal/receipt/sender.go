package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultTimeoutMs = 10_000
)

// Notification is posted to the configured notify URL, usually a mail or CRM
// hook that delivers the receipt to the donor.
type Notification struct {
	DonationID    string `json:"donationId"`
	Event         string `json:"event"`
	Email         string `json:"email"`
	Lang          string `json:"lang"`
	Subject       string `json:"subject"`
	Body          string `json:"body"`
	ReferenceCode string `json:"referenceCode,omitempty"`
}

type Sender struct {
	client *http.Client
	url    string
	logger *slog.Logger
}

func NewSender(url string, timeoutMs int, logger *slog.Logger) *Sender {
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	return &Sender{
		client: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		url:    url,
		logger: logger,
	}
}

func (s *Sender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create notification request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send notification")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	s.logger.DebugContext(ctx, "Notification response", "status", resp.StatusCode, "body", string(respBody))

	if resp.StatusCode >= 400 {
		return errors.Errorf("error response: %s", resp.Status)
	}
	return nil
}
