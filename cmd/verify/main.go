package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"perp-core-bot/internal/alerts"
	"perp-core-bot/internal/book"
	"perp-core-bot/internal/config"
	"perp-core-bot/internal/feed"
	"perp-core-bot/internal/hedge"
	"perp-core-bot/internal/logging"
	"perp-core-bot/internal/market"
	"perp-core-bot/internal/spread"
	"perp-core-bot/internal/state/sqlite"
	"perp-core-bot/internal/timescale"

	"go.uber.org/zap"
)

const defaultVerifyEnvFile = ".env"

// verify checks every external dependency of a config without trading:
// the state store, the market feed, the journal and the alert channel. It
// then prints the signal, quote and hedge the core would derive from the
// first live book.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	timeout := flag.Duration("timeout", 15*time.Second, "how long to wait for the first book")
	exposureUSD := flag.Float64("exposure-usd", 0, "hypothetical net exposure for the hedge preview")
	sendTelegram := flag.Bool("telegram", false, "send a test telegram message")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+10*time.Second)
	defer cancel()

	if err := checkStore(ctx, cfg.State.SQLitePath); err != nil {
		fatal(fmt.Errorf("state store: %w", err))
	}
	log.Info("state store ok", zap.String("path", cfg.State.SQLitePath))

	if cfg.Timescale.Enabled {
		writer, err := timescale.New(cfg.Timescale, log)
		if err != nil {
			fatal(fmt.Errorf("timescale: %w", err))
		}
		_ = writer.Close()
		log.Info("timescale ok", zap.String("schema", cfg.Timescale.Schema))
	}

	if *sendTelegram {
		tg := alerts.NewTelegram(cfg.Telegram, log)
		if !tg.Enabled() {
			fatal(errors.New("telegram is not enabled in config"))
		}
		if err := tg.Send(ctx, "perp-core-bot verify: telegram ok"); err != nil {
			fatal(fmt.Errorf("telegram: %w", err))
		}
		log.Info("telegram ok")
	}

	if cfg.Feed.URL == "" {
		log.Warn("feed.url not set; skipping market checks")
		return
	}
	snap, data, err := waitForBook(ctx, cfg, *timeout, log)
	if err != nil {
		fatal(fmt.Errorf("feed: %w", err))
	}
	preview(cfg, snap, data, *exposureUSD, log)
}

func checkStore(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	store, err := sqlite.New(path)
	if err != nil {
		return err
	}
	defer store.Close()
	key := "verify:probe"
	if err := store.Set(ctx, key, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return store.Delete(ctx, key)
}

func waitForBook(ctx context.Context, cfg *config.Config, timeout time.Duration, log *zap.Logger) (book.Snapshot, *market.Data, error) {
	client := feed.New(feed.Options{
		URL:            cfg.Feed.URL,
		ReconnectDelay: cfg.Feed.ReconnectDelay,
		PingInterval:   cfg.Feed.PingInterval,
	}, log)
	defer client.Close()
	data := market.New(client, cfg.Strategy.CandleWindow, log)
	data.Track(cfg.Strategy.CandleInterval, cfg.Strategy.Asset)
	if err := data.Start(ctx); err != nil {
		return book.Snapshot{}, nil, err
	}
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = data.Run(runCtx) }()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return book.Snapshot{}, nil, ctx.Err()
		case <-deadline.C:
			return book.Snapshot{}, nil, fmt.Errorf("no %s book within %s", cfg.Strategy.Asset, timeout)
		case <-poll.C:
			if snap, ok := data.Book(cfg.Strategy.Asset); ok && !snap.Empty() {
				return snap, data, nil
			}
		}
	}
}

func preview(cfg *config.Config, snap book.Snapshot, data *market.Data, exposureUSD float64, log *zap.Logger) {
	asset := cfg.Strategy.Asset
	analyzer, err := book.NewAnalyzer(cfg.Strategy.Levels, cfg.Strategy.VolumeNorm, cfg.Strategy.SkewFactor)
	if err != nil {
		fatal(err)
	}
	sig := analyzer.Signal(snap)
	mid, hasMid := snap.Mid()
	atr, hasATR := data.ATR(asset, cfg.Strategy.ATRPeriod)
	vol, _ := data.Volatility(asset)
	log.Info("book",
		zap.String("asset", asset),
		zap.Float64("mid", mid),
		zap.Float64("spread_bps", snap.SpreadBps()),
		zap.Float64("microprice", sig.Microprice),
		zap.Float64("imbalance", sig.Imbalance),
		zap.Float64("confidence", sig.Confidence),
		zap.Float64("atr", atr),
		zap.Float64("volatility", vol),
	)

	model, err := spread.New(spread.Params{
		BaseBps:      cfg.Core.BaseSpreadBps,
		MinBps:       cfg.Core.MinSpreadBps,
		MaxBps:       cfg.Core.MaxSpreadBps,
		ClipSize:     cfg.Strategy.ClipSize,
		Coefficients: spread.Coefficients{
			VolatilityWeight: cfg.Strategy.VolatilityWeight,
			VolatilityCap:    cfg.Strategy.VolatilityCap,
			InventoryWeight:  cfg.Strategy.InventoryWeight,
			ConfidenceWeight: cfg.Strategy.ConfidenceWeight,
			FavorMultiplier:  cfg.Strategy.FavorMultiplier,
		},
	})
	if err != nil {
		fatal(err)
	}
	center := sig.Microprice
	if center <= 0 {
		center = mid
	}
	q := model.Quote(center, vol, 0, sig.Confidence)
	log.Info("quote preview",
		zap.Float64("spread_bps", q.SpreadBps),
		zap.Float64("bid", q.BidPrice),
		zap.Float64("ask", q.AskPrice),
		zap.Float64("bid_size", q.BidSize),
		zap.Float64("ask_size", q.AskSize),
	)

	th := hedge.DefaultThresholds()
	th.MaxUrgency = cfg.Strategy.MaxUrgency
	d := hedge.Decide(hedge.Input{
		NetExposureUSD: exposureUSD,
		MidPrice:       mid,
		HasMidPrice:    hasMid,
		ATR:            atr,
		HasATR:         hasATR,
		EquityUSD:      cfg.Paper.StartingEquityUSD,
		HasEquity:      true,
	}, th)
	route := "PASSIVE"
	if d.Urgency > cfg.Core.UrgencyRouteThreshold {
		route = "AGGRESSIVE"
	}
	log.Info("hedge preview",
		zap.Float64("exposure_usd", exposureUSD),
		zap.String("decision", d.String()),
		zap.String("route", route),
	)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
	os.Exit(1)
}
