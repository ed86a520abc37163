package venue

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"perp-core-bot/internal/book"
	"perp-core-bot/internal/inventory"
	"perp-core-bot/internal/router"
	"perp-core-bot/internal/safemath"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const paperFillBuffer = 1024

// BookSource is the read side of market.Data used by the paper venue.
type BookSource interface {
	Book(asset string) (book.Snapshot, bool)
}

type PaperConfig struct {
	StartingEquityUSD float64
	TakerFeeBps       float64
	MakerFeeBps       float64
	MatchInterval     time.Duration
}

// Paper simulates a venue against live books. Aggressive intents are
// fill-or-kill against visible depth inside their limit; passive intents
// rest until the opposite touch trades through their price.
type Paper struct {
	books BookSource
	cfg   PaperConfig
	log   *zap.Logger
	now   func() time.Time

	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]*inventory.Tracker
	resting   map[string]OpenOrder
	seq       int64
	fills     chan inventory.Fill
}

func NewPaper(books BookSource, cfg PaperConfig, log *zap.Logger) *Paper {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MatchInterval <= 0 {
		cfg.MatchInterval = 250 * time.Millisecond
	}
	return &Paper{
		books:     books,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		cash:      decimal.NewFromFloat(cfg.StartingEquityUSD),
		positions: make(map[string]*inventory.Tracker),
		resting:   make(map[string]OpenOrder),
		fills:     make(chan inventory.Fill, paperFillBuffer),
	}
}

func (p *Paper) Orderbook(ctx context.Context, asset string) (book.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return book.Snapshot{}, err
	}
	snap, ok := p.books.Book(asset)
	if !ok {
		return book.Snapshot{}, fmt.Errorf("%s: %w", asset, ErrNoBook)
	}
	return snap, nil
}

// AccountState marks every open position at the current mid, falling back
// to the last fill price when no book is available.
func (p *Paper) AccountState(ctx context.Context) (AccountState, error) {
	if err := ctx.Err(); err != nil {
		return AccountState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.cash
	exposure := decimal.Zero
	for asset, tr := range p.positions {
		pos := tr.Snapshot()
		if pos.Size == 0 {
			continue
		}
		mark := pos.AvgEntryPrice
		if snap, ok := p.books.Book(asset); ok {
			if mid, ok := snap.Mid(); ok {
				mark = mid
			}
		}
		if !safemath.Finite(mark) || !safemath.Finite(pos.Size) {
			continue
		}
		notional := decimal.NewFromFloat(pos.Size).Mul(decimal.NewFromFloat(mark))
		equity = equity.Add(notional)
		exposure = exposure.Add(notional)
	}
	return AccountState{
		EquityUSD:      equity.InexactFloat64(),
		NetExposureUSD: exposure.InexactFloat64(),
		HasEquity:      true,
		UpdatedAt:      p.now().UTC(),
	}, nil
}

func (p *Paper) Position(ctx context.Context, asset string) (inventory.PositionState, error) {
	if err := ctx.Err(); err != nil {
		return inventory.PositionState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trackerLocked(asset).Snapshot(), nil
}

func (p *Paper) OpenOrders(ctx context.Context, asset string) ([]OpenOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OpenOrder, 0, len(p.resting))
	for _, order := range p.resting {
		if asset == "" || order.Asset == asset {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (p *Paper) Submit(ctx context.Context, intent router.OrderIntent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if intent.Size <= 0 || intent.Price <= 0 {
		return "", fmt.Errorf("size %.8f price %.8f: %w", intent.Size, intent.Price, ErrRejected)
	}
	snap, ok := p.books.Book(intent.Asset)
	if !ok {
		return "", fmt.Errorf("%s: %w", intent.Asset, ErrNoBook)
	}

	p.mu.Lock()
	size := intent.Size
	if intent.ReduceOnly {
		size = reducibleSize(p.trackerLocked(intent.Asset).Snapshot().Size, intent.Side, size)
		if size <= 0 {
			p.mu.Unlock()
			return "", fmt.Errorf("reduce-only %s with no position to reduce: %w", intent.Side, ErrRejected)
		}
	}
	p.seq++
	orderID := strconv.FormatInt(p.seq, 10)
	order := OpenOrder{
		ClientOrderID: intent.ClientOrderID,
		OrderID:       orderID,
		Asset:         intent.Asset,
		Side:          intent.Side,
		Price:         intent.Price,
		Size:          size,
		Route:         intent.Route,
		ReduceOnly:    intent.ReduceOnly,
		SubmittedAt:   p.now().UTC(),
	}
	if intent.Route != router.RouteAggressive {
		p.resting[orderID] = order
		p.mu.Unlock()
		return orderID, nil
	}
	px, ok := sweep(snap, order.Side, order.Price, size)
	if !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("fill-or-kill %s %.8f @ %.8f not marketable: %w", order.Side, size, order.Price, ErrRejected)
	}
	fill := p.fillLocked(order, px, size, p.cfg.TakerFeeBps)
	p.mu.Unlock()
	p.emit(ctx, fill)
	return orderID, nil
}

func (p *Paper) CancelAll(ctx context.Context, asset string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, order := range p.resting {
		if asset == "" || order.Asset == asset {
			delete(p.resting, id)
		}
	}
	return nil
}

func (p *Paper) Fills() <-chan inventory.Fill {
	return p.fills
}

// Run matches resting orders against the latest books until ctx is done.
func (p *Paper) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.MatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, fill := range p.Match() {
				p.emit(ctx, fill)
			}
		}
	}
}

// Match fills every resting order whose price the opposite touch has
// reached. Passive fills execute at the order's own price.
func (p *Paper) Match() []inventory.Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	var fills []inventory.Fill
	ids := make([]string, 0, len(p.resting))
	for id := range p.resting {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		order := p.resting[id]
		snap, ok := p.books.Book(order.Asset)
		if !ok || !touched(snap, order) {
			continue
		}
		size := order.Size
		if order.ReduceOnly {
			size = reducibleSize(p.trackerLocked(order.Asset).Snapshot().Size, order.Side, size)
		}
		delete(p.resting, id)
		if size <= 0 {
			continue
		}
		fills = append(fills, p.fillLocked(order, order.Price, size, p.cfg.MakerFeeBps))
	}
	return fills
}

func (p *Paper) fillLocked(order OpenOrder, price, size, feeBps float64) inventory.Fill {
	px := decimal.NewFromFloat(price)
	sz := decimal.NewFromFloat(size)
	notional := px.Mul(sz)
	fee := notional.Mul(decimal.NewFromFloat(feeBps)).Div(decimal.NewFromInt(10000))
	if order.Side == inventory.SideBuy {
		p.cash = p.cash.Sub(notional)
	} else {
		p.cash = p.cash.Add(notional)
	}
	p.cash = p.cash.Sub(fee)
	fill := inventory.Fill{
		ID:            "paper-" + order.OrderID,
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Asset:         order.Asset,
		Side:          order.Side,
		Size:          size,
		Price:         price,
		Fee:           fee.InexactFloat64(),
		Time:          p.now().UTC(),
	}
	if _, err := p.trackerLocked(order.Asset).ApplyFill(fill); err != nil {
		p.log.Warn("paper fill rejected by tracker", zap.String("order_id", order.OrderID), zap.Error(err))
	}
	return fill
}

func (p *Paper) emit(ctx context.Context, fill inventory.Fill) {
	select {
	case p.fills <- fill:
	case <-ctx.Done():
	}
}

func (p *Paper) trackerLocked(asset string) *inventory.Tracker {
	tr, ok := p.positions[asset]
	if !ok {
		tr = inventory.NewTracker(asset)
		p.positions[asset] = tr
	}
	return tr
}

// sweep walks the opposite side inside limit and returns the average fill
// price, or false when visible depth cannot fill size.
func sweep(snap book.Snapshot, side inventory.Side, limit, size float64) (float64, bool) {
	levels := snap.Asks
	inside := func(px float64) bool { return px <= limit }
	if side == inventory.SideSell {
		levels = snap.Bids
		inside = func(px float64) bool { return px >= limit }
	}
	remaining := size
	var cost float64
	for _, lvl := range levels {
		if !inside(lvl.Price) || remaining <= 0 {
			break
		}
		take := math.Min(remaining, lvl.Size)
		cost += take * lvl.Price
		remaining -= take
	}
	if remaining > 1e-12 {
		return 0, false
	}
	return cost / size, true
}

func touched(snap book.Snapshot, order OpenOrder) bool {
	if order.Side == inventory.SideBuy {
		ask, ok := snap.BestAsk()
		return ok && ask <= order.Price
	}
	bid, ok := snap.BestBid()
	return ok && bid >= order.Price
}

func reducibleSize(position float64, side inventory.Side, size float64) float64 {
	switch {
	case side == inventory.SideSell && position > 0:
		return math.Min(size, position)
	case side == inventory.SideBuy && position < 0:
		return math.Min(size, -position)
	default:
		return 0
	}
}
