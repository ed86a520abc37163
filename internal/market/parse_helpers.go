package market

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"perp-core-bot/internal/book"
	"perp-core-bot/internal/safemath"
)

const (
	ChannelBook   = "book"
	ChannelCandle = "candle"
)

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// parseBook rejects the whole frame when any level carries NaN or Inf, so a
// poisoned touch never replaces the last good book.
func parseBook(data map[string]any) (book.Snapshot, bool) {
	asset := stringFromMap(data, "asset", "coin", "symbol")
	if asset == "" {
		return book.Snapshot{}, false
	}
	bids, asks := data["bids"], data["asks"]
	if levels, ok := toSlice(data["levels"]); ok && len(levels) == 2 {
		bids, asks = levels[0], levels[1]
	}
	snap := book.Snapshot{Asset: asset}
	var cleanBids, cleanAsks bool
	snap.Bids, cleanBids = parseLevels(bids)
	snap.Asks, cleanAsks = parseLevels(asks)
	if !cleanBids || !cleanAsks {
		return book.Snapshot{}, false
	}
	if ts, ok := timeFromMap(data, "time", "ts", "timestamp"); ok {
		snap.Time = ts
	}
	return snap, true
}

// parseLevels accepts [[px, sz], ...] and [{"px":..,"sz":..}, ...]. Items
// it cannot read are skipped; a non-finite number makes the result unclean.
func parseLevels(v any) ([]book.Level, bool) {
	items, ok := toSlice(v)
	if !ok {
		return nil, true
	}
	levels := make([]book.Level, 0, len(items))
	for _, item := range items {
		var rawPx, rawSz any
		if pair, ok := toSlice(item); ok && len(pair) >= 2 {
			rawPx, rawSz = pair[0], pair[1]
		} else if m, ok := toMap(item); ok {
			rawPx, rawSz = firstOf(m, "px", "price", "p"), firstOf(m, "sz", "size", "s")
		}
		px, okPx := rawFloat(rawPx)
		sz, okSz := rawFloat(rawSz)
		if !okPx || !okSz {
			continue
		}
		if !safemath.Finite(px) || !safemath.Finite(sz) {
			return nil, false
		}
		if px == 0 {
			continue
		}
		levels = append(levels, book.Level{Price: px, Size: sz})
	}
	return levels, true
}

func firstOf(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return nil
}

func parseCandle(data map[string]any) (Candle, bool) {
	if nested, ok := toMap(data["candle"]); ok {
		asset := stringFromMap(data, "asset", "coin", "symbol")
		data = nested
		if stringFromMap(data, "asset", "coin", "symbol", "s") == "" && asset != "" {
			data["asset"] = asset
		}
	}
	c := Candle{
		Asset:    stringFromMap(data, "asset", "coin", "symbol", "s"),
		Interval: stringFromMap(data, "interval", "i"),
		Open:     floatFromMap(data, "open", "o"),
		High:     floatFromMap(data, "high", "h"),
		Low:      floatFromMap(data, "low", "l"),
		Close:    floatFromMap(data, "close", "c"),
		Volume:   floatFromMap(data, "volume", "v"),
	}
	if ts, ok := timeFromMap(data, "start", "t", "time"); ok {
		c.Start = ts
	}
	if c.High == 0 && c.Low == 0 {
		c.High, c.Low = c.Close, c.Close
	}
	if c.Open == 0 {
		c.Open = c.Close
	}
	return c, c.Valid()
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := stringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f
			}
		}
	}
	return 0
}

// floatFromAny rejects NaN and Inf, which strconv accepts as text.
func floatFromAny(v any) (float64, bool) {
	f, ok := rawFloat(v)
	if !ok || !safemath.Finite(f) {
		return 0, false
	}
	return f, true
}

func rawFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func timeFromMap(m map[string]any, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if ts, ok := timeFromAny(v); ok {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// timeFromAny reads unix seconds, milliseconds or nanoseconds.
func timeFromAny(v any) (time.Time, bool) {
	f, ok := floatFromAny(v)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	ts := int64(f)
	switch {
	case ts > 1e15:
		return time.Unix(0, ts).UTC(), true
	case ts > 1e12:
		return time.UnixMilli(ts).UTC(), true
	default:
		return time.Unix(ts, 0).UTC(), true
	}
}
