package market

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"perp-core-bot/internal/book"
	"perp-core-bot/internal/feed"

	"go.uber.org/zap"
)

var ErrInvalidCandle = errors.New("invalid candle")

const defaultCandleWindow = 100

// Data is the in-memory view of the latest book and a bounded candle window
// per asset. It is fed either by the websocket feed or directly by callers.
type Data struct {
	feed *feed.Client
	log  *zap.Logger

	mu           sync.RWMutex
	books        map[string]book.Snapshot
	candles      map[string][]Candle
	volatility   map[string]float64
	candleWindow int
	onCandle     func(Candle)
	now          func() time.Time

	assets         []string
	candleInterval string
}

func New(feedClient *feed.Client, candleWindow int, log *zap.Logger) *Data {
	if log == nil {
		log = zap.NewNop()
	}
	if candleWindow <= 0 {
		candleWindow = defaultCandleWindow
	}
	return &Data{
		feed:         feedClient,
		log:          log,
		books:        make(map[string]book.Snapshot),
		candles:      make(map[string][]Candle),
		volatility:   make(map[string]float64),
		candleWindow: candleWindow,
		now:          time.Now,
	}
}

// Track selects the assets and candle interval subscribed on Start.
func (m *Data) Track(interval string, assets ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets = append(m.assets[:0], assets...)
	m.candleInterval = interval
}

// OnCandle registers a hook called with every accepted candle, outside the lock.
func (m *Data) OnCandle(fn func(Candle)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCandle = fn
}

// Start connects the feed and registers subscriptions. A nil feed is a no-op.
func (m *Data) Start(ctx context.Context) error {
	if m.feed == nil {
		return nil
	}
	if err := m.feed.Connect(ctx); err != nil {
		return err
	}
	m.mu.RLock()
	assets := append([]string(nil), m.assets...)
	interval := m.candleInterval
	m.mu.RUnlock()
	for _, asset := range assets {
		if err := m.feed.Subscribe(ctx, feed.Subscribe(ChannelBook, asset, "")); err != nil {
			return err
		}
		if interval == "" {
			continue
		}
		if err := m.feed.Subscribe(ctx, feed.Subscribe(ChannelCandle, asset, interval)); err != nil {
			m.log.Warn("candle subscribe failed", zap.String("asset", asset), zap.Error(err))
		}
	}
	return nil
}

// Run blocks on the feed read loop until ctx is done.
func (m *Data) Run(ctx context.Context) error {
	if m.feed == nil {
		<-ctx.Done()
		return nil
	}
	err := m.feed.Run(ctx, m.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Data) ApplyBook(snap book.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	if snap.Time.IsZero() {
		snap.Time = m.now().UTC()
	}
	m.mu.Lock()
	m.books[snap.Asset] = snap
	m.mu.Unlock()
	return nil
}

func (m *Data) Book(asset string) (book.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.books[asset]
	return snap, ok
}

func (m *Data) Mid(asset string) (float64, bool) {
	snap, ok := m.Book(asset)
	if !ok {
		return 0, false
	}
	return snap.Mid()
}

// ApplyCandle appends c, or replaces the last candle when it has the same
// start time (an in-progress bar update).
func (m *Data) ApplyCandle(c Candle) error {
	if !c.Valid() {
		return ErrInvalidCandle
	}
	m.mu.Lock()
	window := m.candles[c.Asset]
	switch n := len(window); {
	case n > 0 && window[n-1].Start.Equal(c.Start):
		window[n-1] = c
	case n > 0 && c.Start.Before(window[n-1].Start):
		m.mu.Unlock()
		return nil
	default:
		window = append(window, c)
	}
	if len(window) > m.candleWindow {
		window = window[len(window)-m.candleWindow:]
	}
	m.candles[c.Asset] = window
	m.volatility[c.Asset] = ReturnVolatility(closes(window))
	hook := m.onCandle
	m.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return nil
}

func (m *Data) Candles(asset string) []Candle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Candle(nil), m.candles[asset]...)
}

func (m *Data) Closes(asset string) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return closes(m.candles[asset])
}

func (m *Data) Volatility(asset string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.volatility[asset]
	return val, ok
}

func (m *Data) ATR(asset string, period int) (float64, bool) {
	return ATR(m.Candles(asset), period)
}

// HandleMessage decodes one feed frame. Malformed frames are dropped.
func (m *Data) HandleMessage(msg json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		m.log.Debug("feed decode error", zap.Error(err))
		return
	}
	if env.Channel != ChannelBook && env.Channel != ChannelCandle {
		return
	}
	var data map[string]any
	if err := json.Unmarshal(env.Data, &data); err != nil {
		m.log.Debug("feed payload decode error", zap.String("channel", env.Channel), zap.Error(err))
		return
	}
	switch env.Channel {
	case ChannelBook:
		snap, ok := parseBook(data)
		if !ok {
			m.log.Debug("feed book rejected: missing asset or non-finite level")
			return
		}
		if err := m.ApplyBook(snap); err != nil {
			m.log.Debug("feed book rejected", zap.String("asset", snap.Asset), zap.Error(err))
		}
	case ChannelCandle:
		c, ok := parseCandle(data)
		if !ok {
			m.log.Debug("feed candle rejected")
			return
		}
		_ = m.ApplyCandle(c)
	}
}
