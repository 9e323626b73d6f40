package receipt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"donation-service/internal/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu       sync.Mutex
	failures int
	sent     []Notification
	calls    int
}

func (f *fakeNotifier) Send(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("hook unavailable")
	}
	f.sent = append(f.sent, n)
	return nil
}

type fakePutter struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.PutObjectOutput{}, nil
}

func capturedEvent() message.DonationEvent {
	return message.DonationEvent{
		ID:            uuid.New(),
		Event:         message.EventDonationCaptured,
		DonationID:    uuid.MustParse("6f1c2a56-8a0e-4e55-9d1c-5b1c0f5a0d11"),
		State:         "captured",
		Gateway:       "paypal",
		ExternalOrder: "PO-1",
		ReferenceCode: "REF-001",
		Amount:        "50.00",
		Currency:      "USD",
		DonorName:     "Jane Doe",
		Email:         "jane@example.org",
		Lang:          "en",
		OccurredAt:    time.Date(2024, 10, 17, 12, 0, 0, 0, time.UTC),
	}
}

func TestRender(t *testing.T) {
	n := Render(capturedEvent())

	assert.Equal(t, "6f1c2a56-8a0e-4e55-9d1c-5b1c0f5a0d11", n.DonationID)
	assert.Equal(t, "jane@example.org", n.Email)
	assert.Equal(t, "REF-001", n.ReferenceCode)
	assert.Equal(t, "Thank you for your donation", n.Subject)
	assert.Contains(t, n.Body, "50.00 USD")
}

func TestProcessor_SendsAndArchives(t *testing.T) {
	notifier := &fakeNotifier{}
	putter := &fakePutter{}
	p := NewProcessor(notifier, NewS3Archive(putter, "receipts-bucket"), 2, discardLogger)

	require.NoError(t, p.Process(context.Background(), capturedEvent()))
	p.Wait()

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "REF-001", notifier.sent[0].ReferenceCode)
	assert.Equal(t, []string{"receipts-bucket/receipts/2024-10-17/6f1c2a56-8a0e-4e55-9d1c-5b1c0f5a0d11-donation.captured.json"}, putter.keys)
}

func TestProcessor_RetriesSend(t *testing.T) {
	notifier := &fakeNotifier{failures: 2}
	p := NewProcessor(notifier, nil, 1, discardLogger)
	p.retryDelay = time.Millisecond

	require.NoError(t, p.Process(context.Background(), capturedEvent()))
	p.Wait()

	assert.Equal(t, 3, notifier.calls)
	assert.Len(t, notifier.sent, 1)
}

func TestProcessor_GivesUpAfterMaxAttempts(t *testing.T) {
	notifier := &fakeNotifier{failures: 10}
	p := NewProcessor(notifier, nil, 1, discardLogger)
	p.retryDelay = time.Millisecond

	require.NoError(t, p.Process(context.Background(), capturedEvent()))
	p.Wait()

	assert.Equal(t, maxSendAttempts, notifier.calls)
	assert.Empty(t, notifier.sent)
}

func TestProcessor_SkipsWithoutEmail(t *testing.T) {
	notifier := &fakeNotifier{}
	p := NewProcessor(notifier, nil, 1, discardLogger)

	event := capturedEvent()
	event.Email = ""
	require.NoError(t, p.Process(context.Background(), event))
	p.Wait()

	assert.Zero(t, notifier.calls)
}
