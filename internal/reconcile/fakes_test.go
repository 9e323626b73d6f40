package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"donation-service/internal/db"
	"donation-service/internal/gateway"
	"donation-service/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeStore keeps donations in memory. A transaction holds txLock until it
// ends, which serializes transactions like a row lock on a single record.
type fakeStore struct {
	txLock  sync.Mutex
	mu      sync.Mutex
	records map[uuid.UUID]*model.DonationRecord
	events  []*db.DonationEventEntity
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[uuid.UUID]*model.DonationRecord{}}
}

type fakeTx struct {
	pgx.Tx
	store   *fakeStore
	records map[uuid.UUID]*model.DonationRecord
	events  []*db.DonationEventEntity
	done    bool
}

func (s *fakeStore) BeginTx(context.Context) (pgx.Tx, error) {
	s.txLock.Lock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return &fakeTx{store: s, records: copyRecords(s.records)}, nil
}

func (t *fakeTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true

	t.store.mu.Lock()
	t.store.records = t.records
	t.store.events = append(t.store.events, t.events...)
	t.store.mu.Unlock()

	t.store.txLock.Unlock()
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.store.txLock.Unlock()
	return nil
}

func copyRecords(in map[uuid.UUID]*model.DonationRecord) map[uuid.UUID]*model.DonationRecord {
	out := make(map[uuid.UUID]*model.DonationRecord, len(in))
	for id, rec := range in {
		c := *rec
		out[id] = &c
	}
	return out
}

func (s *fakeStore) add(rec *model.DonationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.records[rec.ID] = &c
}

func (s *fakeStore) get(id uuid.UUID) *model.DonationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *s.records[id]
	return &c
}

func (s *fakeStore) eventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, e := range s.events {
		names = append(names, e.Event)
	}
	return names
}

func (s *fakeStore) SelectForUpdateByID(_ context.Context, tx pgx.Tx, id uuid.UUID) (*model.DonationRecord, error) {
	rec, ok := tx.(*fakeTx).records[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (s *fakeStore) SelectForUpdateByExternalOrderID(_ context.Context, tx pgx.Tx, externalOrderID string) (*model.DonationRecord, error) {
	for _, rec := range tx.(*fakeTx).records {
		if rec.ExternalOrder() == externalOrderID {
			c := *rec
			return &c, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) LinkOrder(_ context.Context, tx pgx.Tx, id uuid.UUID, externalOrderID string) error {
	records := tx.(*fakeTx).records
	for _, rec := range records {
		if rec.ExternalOrder() == externalOrderID {
			return db.ErrStaleState
		}
	}
	rec, ok := records[id]
	if !ok || rec.State != model.StatePending || rec.ExternalOrderID != nil {
		return db.ErrStaleState
	}
	rec.ExternalOrderID = &externalOrderID
	return nil
}

func (s *fakeStore) MarkAuthorized(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	rec, ok := tx.(*fakeTx).records[id]
	if !ok || rec.State != model.StatePending || rec.ExternalOrderID == nil {
		return db.ErrStaleState
	}
	rec.State = model.StateAuthorizedExternally
	return nil
}

func (s *fakeStore) Complete(_ context.Context, tx pgx.Tx, in *model.DonationRecord) error {
	rec, ok := tx.(*fakeTx).records[in.ID]
	if !ok || rec.State != model.StateAuthorizedExternally {
		return db.ErrStaleState
	}
	rec.State = in.State
	rec.ReferenceCode = in.ReferenceCode
	rec.FailureReason = in.FailureReason
	rec.CaptureAttempts = in.CaptureAttempts
	rec.CompletedAt = in.CompletedAt
	rec.LastError = nil
	rec.RetryAt = nil
	return nil
}

func (s *fakeStore) Cancel(_ context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	rec, ok := tx.(*fakeTx).records[id]
	if !ok || rec.State != model.StatePending {
		return db.ErrStaleState
	}
	rec.State = model.StateCancelled
	rec.CompletedAt = &at
	return nil
}

func (s *fakeStore) RecordCaptureError(_ context.Context, tx pgx.Tx, id uuid.UUID, attempts int, lastErr string, retryAt *time.Time) error {
	rec, ok := tx.(*fakeTx).records[id]
	if !ok || rec.State != model.StateAuthorizedExternally {
		return db.ErrStaleState
	}
	rec.CaptureAttempts = attempts
	rec.LastError = &lastErr
	rec.RetryAt = retryAt
	return nil
}

func (s *fakeStore) Create(_ context.Context, tx pgx.Tx, entity *db.DonationEventEntity) error {
	t := tx.(*fakeTx)
	t.events = append(t.events, entity)
	return nil
}

func (s *fakeStore) GetRetryable(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, rec := range s.records {
		if rec.State == model.StateAuthorizedExternally && rec.RetryAt != nil && !rec.RetryAt.After(time.Now()) {
			ids = append(ids, rec.ExternalOrder())
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

type captureReply struct {
	result *gateway.CaptureResult
	err    error
}

// fakeAdapter answers captures from replies in order, repeating the last one.
type fakeAdapter struct {
	mu       sync.Mutex
	gw       model.Gateway
	orderID  string
	replies  []captureReply
	delay    time.Duration
	creates  int
	captures int
}

func (a *fakeAdapter) Gateway() model.Gateway { return a.gw }

func (a *fakeAdapter) CreateOrder(context.Context, *model.DonationRecord) (*gateway.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates++
	return &gateway.Order{ExternalOrderID: a.orderID}, nil
}

func (a *fakeAdapter) CaptureOrder(context.Context, string) (*gateway.CaptureResult, error) {
	a.mu.Lock()
	a.captures++
	i := a.captures - 1
	if i >= len(a.replies) {
		i = len(a.replies) - 1
	}
	reply := a.replies[i]
	a.mu.Unlock()

	time.Sleep(a.delay)
	return reply.result, reply.err
}

func (a *fakeAdapter) captureCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.captures
}

func usdRecord() *model.DonationRecord {
	return &model.DonationRecord{
		ID:        uuid.New(),
		State:     model.StatePending,
		Gateway:   model.GatewayPayPal,
		Amount:    decimal.NewFromInt(50),
		Currency:  model.CurrencyUSD,
		DonorName: "Jane Doe",
		Email:     "jane@example.org",
		Country:   "US",
		Lang:      "en",
	}
}

func copRecord() *model.DonationRecord {
	return &model.DonationRecord{
		ID:        uuid.New(),
		State:     model.StatePending,
		Gateway:   model.GatewayEpayco,
		Amount:    decimal.NewFromInt(100000),
		Currency:  model.CurrencyCOP,
		DonorName: "Ana Gómez",
		Email:     "ana@example.org",
		Country:   "CO",
		Lang:      "es",
	}
}
