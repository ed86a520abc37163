package inventory

import (
	"errors"
	"strings"
	"sync"
	"time"

	"perp-core-bot/internal/safemath"

	"github.com/shopspring/decimal"
)

const maxSeenFills = 2000

var (
	ErrInvalidFill     = errors.New("invalid fill")
	ErrInvalidPosition = errors.New("invalid position")
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Fill is a venue-confirmed execution.
type Fill struct {
	ID            string
	OrderID       string
	ClientOrderID string
	Asset         string
	Side          Side
	Size          float64
	Price         float64
	Fee           float64
	Time          time.Time
}

func (f Fill) signedSize() decimal.Decimal {
	size := decimal.NewFromFloat(f.Size)
	if f.Side == SideSell {
		return size.Neg()
	}
	return size
}

type PositionState struct {
	Asset         string
	Size          float64
	AvgEntryPrice float64
	UnrealizedPnL float64
	RealizedPnL   float64
	LastUpdate    time.Time
}

func (p PositionState) NotionalUSD(price float64) float64 {
	return p.Size * price
}

// Tracker owns the fill-confirmed position for one asset. Order submission
// never touches it; only ApplyFill does.
type Tracker struct {
	mu       sync.RWMutex
	asset    string
	size     decimal.Decimal
	avg      decimal.Decimal
	realized decimal.Decimal
	mark     decimal.Decimal
	updated  time.Time
	seen     map[string]struct{}
	seenList []string
}

func NewTracker(asset string) *Tracker {
	return &Tracker{asset: asset, seen: make(map[string]struct{})}
}

// Seed loads a reconciled position, e.g. from the venue at startup. A
// non-finite or negative entry leaves the tracker untouched.
func (t *Tracker) Seed(size, avgEntry float64, at time.Time) error {
	if !safemath.Finite(size) || !safemath.Finite(avgEntry) || avgEntry < 0 {
		return ErrInvalidPosition
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.size = decimal.NewFromFloat(size)
	t.avg = decimal.NewFromFloat(avgEntry)
	if t.size.IsZero() {
		t.avg = decimal.Zero
	}
	t.updated = at
	return nil
}

// ApplyFill folds a confirmed execution into the position. It reports false
// for fills already applied or belonging to another asset.
func (t *Tracker) ApplyFill(fill Fill) (bool, error) {
	if !(fill.Size > 0) || !(fill.Price > 0) || !safemath.Finite(fill.Size) || !safemath.Finite(fill.Price) || !safemath.Finite(fill.Fee) {
		return false, ErrInvalidFill
	}
	if fill.Side != SideBuy && fill.Side != SideSell {
		return false, ErrInvalidFill
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fill.Asset != "" && t.asset != "" && !strings.EqualFold(fill.Asset, t.asset) {
		return false, nil
	}
	if fill.ID != "" {
		if _, ok := t.seen[fill.ID]; ok {
			return false, nil
		}
		t.rememberLocked(fill.ID)
	}

	qty := fill.signedSize()
	price := decimal.NewFromFloat(fill.Price)
	t.realized = t.realized.Sub(decimal.NewFromFloat(fill.Fee))

	switch {
	case t.size.IsZero() || t.size.Sign() == qty.Sign():
		// Opening or adding: volume-weighted entry.
		newSize := t.size.Add(qty)
		t.avg = t.avg.Mul(t.size.Abs()).Add(price.Mul(qty.Abs())).Div(newSize.Abs())
		t.size = newSize
	default:
		closing := decimal.Min(qty.Abs(), t.size.Abs())
		pnlPerUnit := price.Sub(t.avg)
		if t.size.Sign() < 0 {
			pnlPerUnit = pnlPerUnit.Neg()
		}
		t.realized = t.realized.Add(pnlPerUnit.Mul(closing))
		newSize := t.size.Add(qty)
		switch {
		case newSize.IsZero():
			t.avg = decimal.Zero
		case newSize.Sign() != t.size.Sign():
			// Flipped through zero: the remainder opens at the fill price.
			t.avg = price
		}
		t.size = newSize
	}
	t.mark = price
	if fill.Time.IsZero() {
		t.updated = time.Now().UTC()
	} else {
		t.updated = fill.Time
	}
	return true, nil
}

// Mark refreshes the price used for unrealized PnL.
func (t *Tracker) Mark(price float64) {
	if !(price > 0) || !safemath.Finite(price) {
		return
	}
	t.mu.Lock()
	t.mark = decimal.NewFromFloat(price)
	t.mu.Unlock()
}

func (t *Tracker) Snapshot() PositionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	unrealized := decimal.Zero
	if !t.size.IsZero() && !t.mark.IsZero() {
		unrealized = t.mark.Sub(t.avg).Mul(t.size)
	}
	return PositionState{
		Asset:         t.asset,
		Size:          t.size.InexactFloat64(),
		AvgEntryPrice: t.avg.InexactFloat64(),
		UnrealizedPnL: unrealized.InexactFloat64(),
		RealizedPnL:   t.realized.InexactFloat64(),
		LastUpdate:    t.updated,
	}
}

func (t *Tracker) rememberLocked(id string) {
	t.seen[id] = struct{}{}
	t.seenList = append(t.seenList, id)
	if len(t.seenList) > maxSeenFills {
		drop := t.seenList[0]
		t.seenList = t.seenList[1:]
		delete(t.seen, drop)
	}
}
