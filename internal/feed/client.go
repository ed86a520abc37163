package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var ErrNotConnected = errors.New("feed not connected")

// Subscription is the generic subscribe frame sent on connect and replayed
// after every reconnect.
type Subscription struct {
	Method   string `json:"method"`
	Channel  string `json:"channel"`
	Asset    string `json:"asset"`
	Interval string `json:"interval,omitempty"`
}

func Subscribe(channel, asset, interval string) Subscription {
	return Subscription{Method: "subscribe", Channel: channel, Asset: asset, Interval: interval}
}

type Options struct {
	URL            string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger
	onReconnect    func()

	mu   sync.Mutex
	conn *websocket.Conn
	subs []Subscription
}

func New(opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &Client{url: opts.URL, reconnectDelay: delay, pingInterval: opts.PingInterval, log: log}
}

// OnReconnect registers a hook fired each time the read loop drops and the
// client dials again.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(1 << 20)
	c.conn = conn
	return nil
}

// Subscribe records sub and sends it immediately when connected.
func (c *Client) Subscribe(ctx context.Context, sub Subscription) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, sub)
}

// Run reads until ctx is done, reconnecting and resubscribing after every
// read failure.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	first := true
	for {
		if !first {
			c.mu.Lock()
			hook := c.onReconnect
			c.mu.Unlock()
			if hook != nil {
				hook()
			}
		}
		if err := c.ensureConnected(ctx, !first); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("feed connect failed", zap.Error(err))
			c.resetConn()
			if !sleepCtx(ctx, c.reconnectDelay) {
				return ctx.Err()
			}
			first = false
			continue
		}
		first = false
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logReadLoopError(err)
		c.resetConn()
		if !sleepCtx(ctx, c.reconnectDelay) {
			return ctx.Err()
		}
	}
}

func (c *Client) ensureConnected(ctx context.Context, resubscribe bool) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if connected && !resubscribe {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	subs := append([]Subscription(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
		c.log.Info("feed read loop ended", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
		return
	}
	c.log.Warn("feed read loop ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.resetConn()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
