package venue

import (
	"context"
	"errors"
	"time"

	"perp-core-bot/internal/book"
	"perp-core-bot/internal/inventory"
	"perp-core-bot/internal/router"
)

var (
	ErrNoBook = errors.New("no order book")
	// ErrRejected marks venue refusals that retrying cannot fix.
	ErrRejected = errors.New("order rejected")
)

type AccountState struct {
	EquityUSD      float64
	NetExposureUSD float64
	HasEquity      bool
	UpdatedAt      time.Time
}

type OpenOrder struct {
	ClientOrderID string
	OrderID       string
	Asset         string
	Side          inventory.Side
	Price         float64
	Size          float64
	Route         router.Route
	ReduceOnly    bool
	SubmittedAt   time.Time
}

// Venue is the connectivity boundary. Every call may block on I/O;
// confirmed executions arrive on Fills.
type Venue interface {
	Orderbook(ctx context.Context, asset string) (book.Snapshot, error)
	AccountState(ctx context.Context) (AccountState, error)
	Position(ctx context.Context, asset string) (inventory.PositionState, error)
	OpenOrders(ctx context.Context, asset string) ([]OpenOrder, error)
	Submit(ctx context.Context, intent router.OrderIntent) (string, error)
	CancelAll(ctx context.Context, asset string) error
	Fills() <-chan inventory.Fill
}

func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
