package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"perp-core-bot/internal/inventory"
	"perp-core-bot/internal/router"
	"perp-core-bot/internal/venue"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type mockClient struct {
	mu         sync.Mutex
	calls      int
	cancels    int
	orderID    string
	failFirst  int
	submitErr  error
	cancelErr  error
	submitted  []router.OrderIntent
	pendingLen func() int
	seenLen    []int
}

func (m *mockClient) Submit(ctx context.Context, intent router.OrderIntent) (string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.pendingLen != nil {
		m.seenLen = append(m.seenLen, m.pendingLen())
	}
	if m.submitErr != nil {
		return "", m.submitErr
	}
	if m.calls <= m.failFirst {
		return "", errors.New("transport down")
	}
	m.submitted = append(m.submitted, intent)
	if m.orderID != "" {
		return m.orderID, nil
	}
	return fmt.Sprintf("oid-%d", m.calls), nil
}

func (m *mockClient) CancelAll(ctx context.Context, asset string) error {
	_ = ctx
	_ = asset
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
	return m.cancelErr
}

func fastOptions() Options {
	return Options{Attempts: 3, InitialBackoff: time.Millisecond}
}

func TestExecutorIdempotentSubmit(t *testing.T) {
	store := newMemoryStore()
	client := &mockClient{orderID: "oid-1"}
	logger := zap.NewNop()
	executor := New(client, store, nil, fastOptions(), logger)

	ctx := context.Background()
	intent := router.OrderIntent{ClientOrderID: "abc", Asset: "BTC", Side: inventory.SideBuy, Size: 1, Price: 100}

	id1, err := executor.Submit(ctx, intent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := executor.Submit(ctx, intent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same order id, got %s and %s", id1, id2)
	}
	if client.calls != 1 {
		t.Fatalf("expected 1 submit call, got %d", client.calls)
	}

	client2 := &mockClient{orderID: "oid-2"}
	executor2 := New(client2, store, nil, fastOptions(), logger)
	id3, err := executor2.Submit(ctx, intent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id3 != id1 {
		t.Fatalf("expected stored order id %s, got %s", id1, id3)
	}
	if client2.calls != 0 {
		t.Fatalf("expected no submit calls on restart, got %d", client2.calls)
	}
}

func TestExecutorRetriesTransportErrors(t *testing.T) {
	client := &mockClient{failFirst: 2}
	executor := New(client, nil, nil, fastOptions(), zap.NewNop())
	oid, err := executor.Submit(context.Background(), router.OrderIntent{ClientOrderID: "x", Size: 1, Price: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if oid != "oid-3" || client.calls != 3 {
		t.Fatalf("expected success on third attempt, got %s after %d calls", oid, client.calls)
	}
}

func TestExecutorDoesNotRetryRejections(t *testing.T) {
	client := &mockClient{submitErr: fmt.Errorf("not marketable: %w", venue.ErrRejected)}
	pending := inventory.NewPendingBook()
	executor := New(client, nil, pending, fastOptions(), zap.NewNop())
	_, err := executor.Submit(context.Background(), router.OrderIntent{ClientOrderID: "x", Size: 1, Price: 1})
	if !venue.IsRejected(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", client.calls)
	}
	if pending.Len() != 0 {
		t.Fatalf("expected rejected order removed from pending")
	}
}

func TestExecutorGivesUpAfterAttempts(t *testing.T) {
	client := &mockClient{failFirst: 10}
	executor := New(client, nil, nil, fastOptions(), zap.NewNop())
	if _, err := executor.Submit(context.Background(), router.OrderIntent{Size: 1, Price: 1}); err == nil {
		t.Fatalf("expected retry exhaustion")
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", client.calls)
	}
}

func TestExecutorRegistersPendingBeforeSubmit(t *testing.T) {
	pending := inventory.NewPendingBook()
	client := &mockClient{}
	client.pendingLen = pending.Len
	executor := New(client, nil, pending, fastOptions(), zap.NewNop())
	intent := router.OrderIntent{ClientOrderID: "p1", Side: inventory.SideSell, Size: 2, Price: 100}
	if _, err := executor.Submit(context.Background(), intent); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(client.seenLen) != 1 || client.seenLen[0] != 1 {
		t.Fatalf("expected pending order visible during submit, got %v", client.seenLen)
	}
	if got := pending.NetSize(); got != -2 {
		t.Fatalf("expected net pending -2, got %f", got)
	}
}

func TestExecutorExecuteCancelsFirst(t *testing.T) {
	pending := inventory.NewPendingBook()
	pending.Add(inventory.PendingOrder{ClientOrderID: "old", Side: inventory.SideBuy, Size: 1})
	client := &mockClient{}
	executor := New(client, nil, pending, fastOptions(), zap.NewNop())
	plan := router.Plan{
		CancelAll: true,
		Intents: []router.OrderIntent{
			{ClientOrderID: "b", Side: inventory.SideBuy, Size: 1, Price: 99},
			{ClientOrderID: "a", Side: inventory.SideSell, Size: 1, Price: 101},
		},
	}
	res, err := executor.Execute(context.Background(), "BTC", plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Cancelled || client.cancels != 1 {
		t.Fatalf("expected a cancel-all")
	}
	if len(res.Submitted) != 2 || len(res.Failed) != 0 {
		t.Fatalf("unexpected result %#v", res)
	}
	if pending.Len() != 2 {
		t.Fatalf("expected only fresh orders pending, got %d", pending.Len())
	}
}

func TestExecutorExecuteAbortsOnCancelFailure(t *testing.T) {
	client := &mockClient{cancelErr: fmt.Errorf("cancel: %w", venue.ErrRejected)}
	executor := New(client, nil, nil, fastOptions(), zap.NewNop())
	plan := router.Plan{CancelAll: true, Intents: []router.OrderIntent{{ClientOrderID: "b", Size: 1, Price: 1}}}
	if _, err := executor.Execute(context.Background(), "BTC", plan); err == nil {
		t.Fatalf("expected cancel failure")
	}
	if client.calls != 0 {
		t.Fatalf("expected no submissions after failed cancel")
	}
}

func TestExecutorExecuteCollectsFailures(t *testing.T) {
	client := &mockClient{submitErr: fmt.Errorf("x: %w", venue.ErrRejected)}
	executor := New(client, nil, nil, fastOptions(), zap.NewNop())
	plan := router.Plan{Intents: []router.OrderIntent{{ClientOrderID: "b", Size: 1, Price: 1}}}
	res, err := executor.Execute(context.Background(), "BTC", plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Failed) != 1 || len(res.Submitted) != 0 {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestExecutorRateLimitHonoursContext(t *testing.T) {
	client := &mockClient{orderID: "oid-1"}
	opts := Options{Attempts: 1, InitialBackoff: time.Millisecond, RequestsPerSecond: 0.001, Burst: 1}
	executor := New(client, nil, nil, opts, zap.NewNop())

	first := router.OrderIntent{ClientOrderID: "a", Asset: "BTC", Side: inventory.SideBuy, Size: 1, Price: 100}
	if _, err := executor.Submit(context.Background(), first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	second := router.OrderIntent{ClientOrderID: "b", Asset: "BTC", Side: inventory.SideBuy, Size: 1, Price: 100}
	if _, err := executor.Submit(ctx, second); err == nil {
		t.Fatalf("expected rate limit error")
	}
	if client.calls != 1 {
		t.Fatalf("expected 1 submit call, got %d", client.calls)
	}
	if executor.Pending().Len() != 0 {
		t.Fatalf("expected throttled intent to leave pending book, got %d", executor.Pending().Len())
	}
}

func TestExecutorBreakerFailsFast(t *testing.T) {
	client := &mockClient{failFirst: 100}
	opts := Options{Attempts: 1, InitialBackoff: time.Millisecond, BreakerFailures: 2, BreakerCooldown: time.Hour}
	executor := New(client, nil, nil, opts, zap.NewNop())

	ctx := context.Background()
	for i, cloid := range []string{"a", "b"} {
		intent := router.OrderIntent{ClientOrderID: cloid, Asset: "BTC", Side: inventory.SideBuy, Size: 1, Price: 100}
		if _, err := executor.Submit(ctx, intent); err == nil {
			t.Fatalf("expected transport error on submit %d", i)
		}
	}
	if !executor.BreakerOpen() {
		t.Fatalf("expected breaker open after consecutive failures")
	}
	intent := router.OrderIntent{ClientOrderID: "c", Asset: "BTC", Side: inventory.SideBuy, Size: 1, Price: 100}
	_, err := executor.Submit(ctx, intent)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected open breaker to skip the venue, got %d calls", client.calls)
	}
}

func TestExecutorRejectionsDoNotTripBreaker(t *testing.T) {
	client := &mockClient{submitErr: fmt.Errorf("post only: %w", venue.ErrRejected)}
	opts := Options{Attempts: 1, InitialBackoff: time.Millisecond, BreakerFailures: 1}
	executor := New(client, nil, nil, opts, zap.NewNop())

	for _, cloid := range []string{"a", "b", "c"} {
		intent := router.OrderIntent{ClientOrderID: cloid, Asset: "BTC", Side: inventory.SideSell, Size: 1, Price: 100}
		if _, err := executor.Submit(context.Background(), intent); !venue.IsRejected(err) {
			t.Fatalf("expected rejection, got %v", err)
		}
	}
	if executor.BreakerOpen() {
		t.Fatalf("expected breaker closed after rejections")
	}
	if client.calls != 3 {
		t.Fatalf("expected 3 submit calls, got %d", client.calls)
	}
}
