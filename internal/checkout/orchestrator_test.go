package checkout_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"paylink-service/internal/checkout"
	"paylink-service/internal/config"
	"paylink-service/internal/guard"
	"paylink-service/internal/memstore"
	"paylink-service/internal/payment"
	"paylink-service/internal/x402"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	receiver    = "0x1111111111111111111111111111111111111111"
	resourceURL = "http://localhost:8000/pay/pay-1"
)

var (
	protocol = config.X402{Network: "base-sepolia", Scheme: "exact", MaxTimeoutSeconds: 5}
	token    = config.Token{Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Name: "USD Coin", Symbol: "USDC", Decimals: 6, Version: "2"}
)

// fakeCollaborator accepts any request carrying an X-PAYMENT header.
type fakeCollaborator struct {
	parseErr        error
	verifyChallenge string
	verifyErr       error
	settleChallenge string
	settleErr       error
	verifyDelay     time.Duration
	settleDelay     time.Duration
	tx              string

	verifyCalls atomic.Int32
	settleCalls atomic.Int32

	mu           sync.Mutex
	requirements []x402.PaymentRequirements
	scopes       []string
}

func (f *fakeCollaborator) Parse(headers http.Header, accepts []x402.PaymentRequirements) (checkout.ParseResult, error) {
	f.mu.Lock()
	f.requirements = accepts
	f.mu.Unlock()

	if f.parseErr != nil {
		return checkout.ParseResult{}, f.parseErr
	}
	if headers.Get(x402.HeaderPayment) == "" {
		return checkout.ParseResult{Challenge: "X-PAYMENT header is required"}, nil
	}
	requirement := accepts[0]
	return checkout.ParseResult{
		Payload:     &x402.PaymentPayload{X402Version: 1, Scheme: requirement.Scheme, Network: requirement.Network},
		Requirement: &requirement,
	}, nil
}

func (f *fakeCollaborator) Verify(ctx context.Context, _ *x402.PaymentPayload, _ *x402.PaymentRequirements, scopeID string) (checkout.VerifyResult, error) {
	f.verifyCalls.Add(1)
	f.mu.Lock()
	f.scopes = append(f.scopes, scopeID)
	f.mu.Unlock()

	if f.verifyDelay > 0 {
		select {
		case <-time.After(f.verifyDelay):
		case <-ctx.Done():
			return checkout.VerifyResult{}, ctx.Err()
		}
	}

	if f.verifyErr != nil {
		return checkout.VerifyResult{}, f.verifyErr
	}
	return checkout.VerifyResult{Payer: "0xPayer", Challenge: f.verifyChallenge}, nil
}

func (f *fakeCollaborator) Settle(ctx context.Context, _ *x402.PaymentPayload, _ *x402.PaymentRequirements, _ string) (checkout.SettleResult, error) {
	f.settleCalls.Add(1)
	if f.settleDelay > 0 {
		select {
		case <-time.After(f.settleDelay):
		case <-ctx.Done():
			return checkout.SettleResult{}, ctx.Err()
		}
	}
	if f.settleErr != nil {
		return checkout.SettleResult{}, f.settleErr
	}
	if f.settleChallenge != "" {
		return checkout.SettleResult{Challenge: f.settleChallenge}, nil
	}
	return checkout.SettleResult{Settlement: &x402.SettleResponse{Success: true, Transaction: f.tx, Network: "base-sepolia"}}, nil
}

// flakyStore fails the first updateFailures status updates and every Get when getErr is set.
type flakyStore struct {
	*memstore.Store
	getErr         error
	updateFailures int
	updateErr      error
	updates        atomic.Int32
}

func (s *flakyStore) Get(ctx context.Context, id string) (*payment.Record, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.Store.Get(ctx, id)
}

func (s *flakyStore) UpdateStatus(ctx context.Context, id string, status payment.Status, txHash string) error {
	n := s.updates.Add(1)
	if s.updateErr != nil && (s.updateFailures < 0 || int(n) <= s.updateFailures) {
		return s.updateErr
	}
	return s.Store.UpdateStatus(ctx, id, status, txHash)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (p *recordingPublisher) PublishPaid(_ context.Context, rec *payment.Record, _ *x402.SettleResponse) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, rec.ID+":"+rec.TxHash)
	return p.err
}

func noRetry() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
}

func seed(t *testing.T, store payment.Store, id, amount string) {
	t.Helper()
	rec, err := payment.New(id, decimal.RequireFromString(amount), receiver, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), rec))
}

func withProof() http.Header {
	h := http.Header{}
	h.Set(x402.HeaderPayment, "proof")
	return h
}

func newOrchestrator(store payment.Store, collab checkout.Collaborator, opts ...checkout.Option) *checkout.Orchestrator {
	opts = append([]checkout.Option{checkout.WithPersistBackOff(noRetry)}, opts...)
	return checkout.NewOrchestrator(store, collab, guard.NewLocal(), protocol, token, slog.Default(), opts...)
}

func TestOrchestrator_NotFound(t *testing.T) {
	collab := &fakeCollaborator{tx: "0xabc"}
	o := newOrchestrator(memstore.New(), collab)

	_, err := o.Pay(context.Background(), checkout.Request{PaymentID: "missing", Headers: withProof(), ResourceURL: resourceURL})

	assert.ErrorIs(t, err, payment.ErrNotFound)
	assert.Zero(t, collab.verifyCalls.Load())
}

func TestOrchestrator_ChallengeWithoutProof(t *testing.T) {
	store := memstore.New()
	seed(t, store, "pay-1", "10.50")
	collab := &fakeCollaborator{tx: "0xabc"}
	o := newOrchestrator(store, collab)

	res, err := o.Pay(context.Background(), checkout.Request{PaymentID: "pay-1", Headers: http.Header{}, ResourceURL: resourceURL})
	require.NoError(t, err)

	assert.Equal(t, checkout.KindChallenge, res.Kind)
	require.NotNil(t, res.Challenge)
	assert.Equal(t, "X-PAYMENT header is required", res.Challenge.Error)
	assert.Equal(t, x402.Version, res.Challenge.X402Version)
	require.Len(t, res.Challenge.Accepts, 1)

	req := res.Challenge.Accepts[0]
	assert.Equal(t, "exact", req.Scheme)
	assert.Equal(t, "base-sepolia", req.Network)
	assert.Equal(t, "10500000", req.MaxAmountRequired)
	assert.Equal(t, resourceURL, req.Resource)
	assert.Equal(t, "Payment for order pay-1", req.Description)
	assert.Equal(t, "application/json", req.MimeType)
	assert.Equal(t, receiver, req.PayTo)
	assert.Equal(t, 5, req.MaxTimeoutSeconds)
	assert.Equal(t, token.Address, req.Asset)
	assert.Equal(t, &x402.PaymentExtra{Name: "USD Coin", Version: "2"}, req.Extra)

	rec, err := store.Get(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, rec.Status)
	assert.Zero(t, collab.verifyCalls.Load())
}

func TestOrchestrator_RejectionsLeaveRecordPending(t *testing.T) {
	tests := []struct {
		name              string
		collab            *fakeCollaborator
		expectedChallenge string
		expectedSettles   int32
	}{
		{
			name:              "Verification rejected",
			collab:            &fakeCollaborator{verifyChallenge: "insufficient_funds"},
			expectedChallenge: "insufficient_funds",
		},
		{
			name:              "Settlement rejected",
			collab:            &fakeCollaborator{settleChallenge: "nonce_already_used"},
			expectedChallenge: "nonce_already_used",
			expectedSettles:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New()
			seed(t, store, "pay-1", "1")
			o := newOrchestrator(store, tt.collab)

			res, err := o.Pay(context.Background(), checkout.Request{PaymentID: "pay-1", Headers: withProof(), ResourceURL: resourceURL})
			require.NoError(t, err)

			assert.Equal(t, checkout.KindChallenge, res.Kind)
			assert.Equal(t, tt.expectedChallenge, res.Challenge.Error)
			assert.NotEmpty(t, res.Challenge.Accepts)
			assert.Equal(t, tt.expectedSettles, tt.collab.settleCalls.Load())

			rec, err := store.Get(context.Background(), "pay-1")
			require.NoError(t, err)
			assert.Equal(t, payment.StatusPending, rec.Status)
			assert.Empty(t, rec.TxHash)
		})
	}
}

func TestOrchestrator_SettlesOnceThenIdempotent(t *testing.T) {
	store := memstore.New()
	seed(t, store, "pay-1", "10.50")
	collab := &fakeCollaborator{tx: "0xabc"}
	publisher := &recordingPublisher{}
	o := newOrchestrator(store, collab, checkout.WithPublisher(publisher))
	ctx := context.Background()

	res, err := o.Pay(ctx, checkout.Request{PaymentID: "pay-1", Headers: withProof(), ResourceURL: resourceURL})
	require.NoError(t, err)
	assert.Equal(t, checkout.KindPaid, res.Kind)
	assert.False(t, res.AlreadyPaid)
	assert.Equal(t, "0xabc", res.TxHash)
	assert.Equal(t, "base-sepolia", res.Network)
	require.NotNil(t, res.Settlement)
	assert.Equal(t, []string{"pay-1"}, collab.scopes)

	rec, err := store.Get(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, rec.Status)
	assert.Equal(t, "0xabc", rec.TxHash)

	// later requests do not need a proof and never reach the facilitator
	for _, headers := range []http.Header{withProof(), {}} {
		res, err = o.Pay(ctx, checkout.Request{PaymentID: "pay-1", Headers: headers, ResourceURL: resourceURL})
		require.NoError(t, err)
		assert.Equal(t, checkout.KindPaid, res.Kind)
		assert.True(t, res.AlreadyPaid)
		assert.Equal(t, "0xabc", res.TxHash)
		assert.Nil(t, res.Settlement)
	}

	assert.Equal(t, int32(1), collab.verifyCalls.Load())
	assert.Equal(t, int32(1), collab.settleCalls.Load())
	assert.Equal(t, []string{"pay-1:0xabc"}, publisher.events)
}

func TestOrchestrator_ConcurrentRequestsSettleOnce(t *testing.T) {
	store := memstore.New()
	seed(t, store, "pay-1", "2")
	collab := &fakeCollaborator{tx: "0xabc", settleDelay: 20 * time.Millisecond}
	o := newOrchestrator(store, collab)

	const callers = 8
	results := make([]*checkout.Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Pay(context.Background(), checkout.Request{PaymentID: "pay-1", Headers: withProof(), ResourceURL: resourceURL})
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), collab.settleCalls.Load())
	fresh := 0
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, checkout.KindPaid, res.Kind)
		assert.Equal(t, "0xabc", res.TxHash)
		if !res.AlreadyPaid {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestOrchestrator_DuplicateWaitsForSlowSettlement(t *testing.T) {
	store := memstore.New()
	seed(t, store, "pay-1", "2")
	collab := &fakeCollaborator{tx: "0xabc", verifyDelay: 700 * time.Millisecond, settleDelay: 700 * time.Millisecond}
	short := protocol
	short.MaxTimeoutSeconds = 1
	o := checkout.NewOrchestrator(store, collab, guard.NewLocal(), short, token, slog.Default(), checkout.WithPersistBackOff(noRetry))

	results := make([]*checkout.Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = o.Pay(context.Background(), checkout.Request{PaymentID: "pay-1", Headers: withProof(), ResourceURL: resourceURL})
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, checkout.KindPaid, results[i].Kind)
		assert.Equal(t, "0xabc", results[i].TxHash)
	}
	assert.True(t, results[0].AlreadyPaid != results[1].AlreadyPaid)
	assert.Equal(t, int32(1), collab.settleCalls.Load())
}

func TestOrchestrator_AbandonedCallerStillSettles(t *testing.T) {
	store := memstore.New()
	seed(t, store, "pay-1", "3")
	collab := &fakeCollaborator{tx: "0xdef", settleDelay: 50 * time.Millisecond}
	o := newOrchestrator(store, collab)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res, err := o.Pay(ctx, checkout.Request{PaymentID: "pay-1", Headers: withProof(), ResourceURL: resourceURL})
	require.NoError(t, err)
	assert.Equal(t, "0xdef", res.TxHash)

	rec, err := store.Get(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.True(t, payment.IsPaid(rec))
}

func TestOrchestrator_Faults(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name          string
		store         func(*memstore.Store) payment.Store
		collab        *fakeCollaborator
		amount        string
		resourceURL   string
		expectedStage string
	}{
		{
			name:          "Store unavailable",
			store:         func(s *memstore.Store) payment.Store { return &flakyStore{Store: s, getErr: boom} },
			collab:        &fakeCollaborator{tx: "0xabc"},
			expectedStage: checkout.StageLookup,
		},
		{
			name:          "Amount not representable",
			collab:        &fakeCollaborator{tx: "0xabc"},
			amount:        "0.0000001",
			expectedStage: checkout.StageInit,
		},
		{
			name:          "Missing resource",
			collab:        &fakeCollaborator{tx: "0xabc"},
			resourceURL:   "-",
			expectedStage: checkout.StageInit,
		},
		{
			name:          "Parser failure",
			collab:        &fakeCollaborator{parseErr: boom},
			expectedStage: checkout.StageParse,
		},
		{
			name:          "Facilitator unreachable on verify",
			collab:        &fakeCollaborator{verifyErr: boom},
			expectedStage: checkout.StageVerify,
		},
		{
			name:          "Facilitator unreachable on settle",
			collab:        &fakeCollaborator{settleErr: boom},
			expectedStage: checkout.StageSettle,
		},
		{
			name: "Store keeps failing after settlement",
			store: func(s *memstore.Store) payment.Store {
				return &flakyStore{Store: s, updateErr: boom, updateFailures: -1}
			},
			collab:        &fakeCollaborator{tx: "0xabc"},
			expectedStage: checkout.StagePersist,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memstore.New()
			amount := tt.amount
			if amount == "" {
				amount = "1"
			}
			// payment.New accepts any positive amount; precision is only checked by the issuer
			rec := &payment.Record{ID: "pay-1", Amount: decimal.RequireFromString(amount), Receiver: receiver, Status: payment.StatusPending}
			require.NoError(t, mem.Create(context.Background(), rec))

			var store payment.Store = mem
			if tt.store != nil {
				store = tt.store(mem)
			}
			resource := resourceURL
			if tt.resourceURL == "-" {
				resource = ""
			}

			_, err := newOrchestrator(store, tt.collab).Pay(context.Background(), checkout.Request{PaymentID: "pay-1", Headers: withProof(), ResourceURL: resource})

			var fault *checkout.FaultError
			require.ErrorAs(t, err, &fault)
			assert.Equal(t, tt.expectedStage, fault.Stage)

			got, getErr := mem.Get(context.Background(), "pay-1")
			require.NoError(t, getErr)
			assert.Equal(t, payment.StatusPending, got.Status)
		})
	}
}

func TestOrchestrator_PersistRetriesTransientFailures(t *testing.T) {
	mem := memstore.New()
	seed(t, mem, "pay-1", "1")
	store := &flakyStore{Store: mem, updateErr: errors.New("connection reset"), updateFailures: 2}
	o := newOrchestrator(store, &fakeCollaborator{tx: "0xabc"})

	res, err := o.Pay(context.Background(), checkout.Request{PaymentID: "pay-1", Headers: withProof(), ResourceURL: resourceURL})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.TxHash)
	assert.Equal(t, int32(3), store.updates.Load())
}

// racingStore marks the record paid by someone else right before our write.
type racingStore struct {
	*memstore.Store
	once sync.Once
}

func (s *racingStore) UpdateStatus(ctx context.Context, id string, status payment.Status, txHash string) error {
	s.once.Do(func() {
		_ = s.Store.UpdateStatus(ctx, id, payment.StatusPaid, "0xother")
	})
	return s.Store.UpdateStatus(ctx, id, status, txHash)
}

func TestOrchestrator_LostRaceReturnsRecordedSettlement(t *testing.T) {
	mem := memstore.New()
	seed(t, mem, "pay-1", "1")
	publisher := &recordingPublisher{}
	o := newOrchestrator(&racingStore{Store: mem}, &fakeCollaborator{tx: "0xabc"}, checkout.WithPublisher(publisher))

	res, err := o.Pay(context.Background(), checkout.Request{PaymentID: "pay-1", Headers: withProof(), ResourceURL: resourceURL})
	require.NoError(t, err)
	assert.Equal(t, checkout.KindPaid, res.Kind)
	assert.True(t, res.AlreadyPaid)
	assert.Equal(t, "0xother", res.TxHash)
	assert.Empty(t, publisher.events)
}

func TestOrchestrator_PublishFailureDoesNotChangeResult(t *testing.T) {
	store := memstore.New()
	seed(t, store, "pay-1", "1")
	publisher := &recordingPublisher{err: errors.New("broker down")}
	o := newOrchestrator(store, &fakeCollaborator{tx: "0xabc"}, checkout.WithPublisher(publisher))

	res, err := o.Pay(context.Background(), checkout.Request{PaymentID: "pay-1", Headers: withProof(), ResourceURL: resourceURL})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.TxHash)
	assert.Len(t, publisher.events, 1)
}

func TestFaultError_Unwrap(t *testing.T) {
	inner := errors.New("timeout")
	err := error(&checkout.FaultError{Stage: checkout.StageSettle, Err: inner})

	assert.ErrorIs(t, err, inner)
	assert.EqualError(t, err, "settle: timeout")
}
