package risk

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMarketStale    = errors.New("market data stale")
	ErrAccountStale   = errors.New("account data stale")
	ErrTooManyOrders  = errors.New("open orders exceed configured maximum")
	ErrNotionalExceed = errors.New("notional exceeds configured maximum")
)

// Limits are the pre-trade guards that run before the drawdown gate. A
// breach skips the cycle; it does not change the gate's mode.
type Limits struct {
	MaxMarketAge   time.Duration
	MaxAccountAge  time.Duration
	MaxOpenOrders  int
	MaxNotionalUSD float64
}

func CheckConnectivity(l Limits, marketAge, accountAge time.Duration) error {
	if l.MaxMarketAge > 0 && marketAge > l.MaxMarketAge {
		return fmt.Errorf("market data age %s exceeds %s: %w", marketAge, l.MaxMarketAge, ErrMarketStale)
	}
	if l.MaxAccountAge > 0 && accountAge > l.MaxAccountAge {
		return fmt.Errorf("account data age %s exceeds %s: %w", accountAge, l.MaxAccountAge, ErrAccountStale)
	}
	return nil
}

func CheckExposure(l Limits, openOrders int, notionalUSD float64) error {
	if l.MaxOpenOrders > 0 && openOrders > l.MaxOpenOrders {
		return fmt.Errorf("%d open orders above %d: %w", openOrders, l.MaxOpenOrders, ErrTooManyOrders)
	}
	if l.MaxNotionalUSD > 0 && notionalUSD > l.MaxNotionalUSD {
		return fmt.Errorf("notional %.2f above %.2f: %w", notionalUSD, l.MaxNotionalUSD, ErrNotionalExceed)
	}
	return nil
}
