package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perp-core-bot/internal/inventory"
	"perp-core-bot/internal/router"
	"perp-core-bot/internal/state"
	"perp-core-bot/internal/venue"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const CachePrefix = "cloid:"

var ErrEmptyOrderID = errors.New("empty order id")

// OrderClient is the slice of venue.Venue the executor drives.
type OrderClient interface {
	Submit(ctx context.Context, intent router.OrderIntent) (string, error)
	CancelAll(ctx context.Context, asset string) error
}

type Options struct {
	Attempts       int
	InitialBackoff time.Duration

	// RequestsPerSecond caps venue calls; zero means unlimited.
	RequestsPerSecond float64
	Burst             int

	// BreakerFailures consecutive transport failures open the breaker for
	// BreakerCooldown; calls fail fast with gobreaker.ErrOpenState meanwhile.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func DefaultOptions() Options {
	return Options{
		Attempts:        5,
		InitialBackoff:  200 * time.Millisecond,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Result is what happened to one plan.
type Result struct {
	Cancelled bool
	Submitted []Submission
	Failed    []Failure
}

type Submission struct {
	Intent  router.OrderIntent
	OrderID string
}

type Failure struct {
	Intent router.OrderIntent
	Err    error
}

type Executor struct {
	client  OrderClient
	store   state.Store
	pending *inventory.PendingBook
	log     *zap.Logger
	opts    Options
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	cache map[string]string
}

func New(client OrderClient, store state.Store, pending *inventory.PendingBook, opts Options, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultOptions().Attempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultOptions().InitialBackoff
	}
	if pending == nil {
		pending = inventory.NewPendingBook()
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = DefaultOptions().BreakerFailures
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = DefaultOptions().BreakerCooldown
	}
	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "venue",
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || venue.IsRejected(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("venue breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Executor{
		client:  client,
		store:   store,
		pending: pending,
		log:     log,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.Burst),
		breaker: breaker,
		cache:   make(map[string]string),
	}
}

// Execute applies a plan: cancel-all first, then each intent in order.
// A failed cancel aborts the plan so no fresh order lands on top of stale
// resting ones.
func (e *Executor) Execute(ctx context.Context, asset string, plan router.Plan) (Result, error) {
	var res Result
	if plan.CancelAll {
		if err := e.CancelAll(ctx, asset); err != nil {
			return res, err
		}
		res.Cancelled = true
	}
	for _, intent := range plan.Intents {
		oid, err := e.Submit(ctx, intent)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			e.log.Warn("order submit failed",
				zap.String("cloid", intent.ClientOrderID),
				zap.String("side", string(intent.Side)),
				zap.String("route", string(intent.Route)),
				zap.Error(err),
			)
			res.Failed = append(res.Failed, Failure{Intent: intent, Err: err})
			continue
		}
		res.Submitted = append(res.Submitted, Submission{Intent: intent, OrderID: oid})
	}
	return res, nil
}

// Submit places intent at most once per client order id, across restarts
// when a store is configured.
func (e *Executor) Submit(ctx context.Context, intent router.OrderIntent) (string, error) {
	if intent.ClientOrderID == "" {
		return e.submitWithRetry(ctx, intent)
	}
	cacheKey := CachePrefix + intent.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}
	// Registered before submission so a fill racing the response still
	// resolves against it.
	e.pending.Add(inventory.PendingOrder{
		ClientOrderID: intent.ClientOrderID,
		Side:          intent.Side,
		Size:          intent.Size,
		Price:         intent.Price,
		SubmittedAt:   time.Now().UTC(),
	})
	orderID, err := e.submitWithRetry(ctx, intent)
	if err != nil {
		e.pending.Remove(intent.ClientOrderID)
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = orderID
	e.mu.Unlock()
	return orderID, nil
}

// CancelAll cancels every resting order for asset and clears the pending book.
func (e *Executor) CancelAll(ctx context.Context, asset string) error {
	err := e.retry(ctx, func() error {
		return e.client.CancelAll(ctx, asset)
	})
	if err != nil {
		return fmt.Errorf("cancel all %s: %w", asset, err)
	}
	e.pending.Clear()
	return nil
}

func (e *Executor) Pending() *inventory.PendingBook {
	return e.pending
}

// Prune expires persisted client order ids older than maxAge.
func (e *Executor) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	pruner, ok := e.store.(state.Pruner)
	if !ok || maxAge <= 0 {
		return 0, nil
	}
	return pruner.Prune(ctx, CachePrefix, time.Now().Add(-maxAge))
}

func (e *Executor) submitWithRetry(ctx context.Context, intent router.OrderIntent) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		var err error
		orderID, err = e.client.Submit(ctx, intent)
		return err
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", ErrEmptyOrderID
	}
	return orderID, nil
}

// BreakerOpen reports whether venue calls are currently failing fast.
func (e *Executor) BreakerOpen() bool {
	return e.breaker.State() == gobreaker.StateOpen
}

// retry backs off exponentially on transport errors. Venue rejections and an
// open breaker are returned immediately.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.opts.InitialBackoff
	for attempt := 0; attempt < e.opts.Attempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := e.breaker.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		if venue.IsRejected(err) {
			return err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("venue unavailable: %w", err)
		}
		if attempt == e.opts.Attempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
