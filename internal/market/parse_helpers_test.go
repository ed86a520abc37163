package market

import (
	"math"
	"testing"
	"time"
)

func TestParseBookPairs(t *testing.T) {
	data := map[string]any{
		"asset": "BTC",
		"bids":  []any{[]any{"100.5", "2"}, []any{100.0, 1.0}},
		"asks":  []any{[]any{"101", "3"}},
		"time":  float64(1700000000000),
	}
	snap, ok := parseBook(data)
	if !ok {
		t.Fatalf("expected book parsed")
	}
	if snap.Asset != "BTC" || len(snap.Bids) != 2 || len(snap.Asks) != 1 {
		t.Fatalf("unexpected snapshot %#v", snap)
	}
	if !closeEnough(snap.Bids[0].Price, 100.5) || !closeEnough(snap.Asks[0].Size, 3) {
		t.Fatalf("unexpected levels %#v", snap)
	}
	if !snap.Time.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("unexpected time %s", snap.Time)
	}
}

func TestParseBookObjectLevels(t *testing.T) {
	data := map[string]any{
		"coin": "ETH",
		"levels": []any{
			[]any{map[string]any{"px": "2000", "sz": "1.5"}},
			[]any{map[string]any{"px": "2001", "sz": "0.5"}},
		},
	}
	snap, ok := parseBook(data)
	if !ok {
		t.Fatalf("expected book parsed")
	}
	if len(snap.Bids) != 1 || !closeEnough(snap.Bids[0].Size, 1.5) {
		t.Fatalf("unexpected bids %#v", snap.Bids)
	}
	if len(snap.Asks) != 1 || !closeEnough(snap.Asks[0].Price, 2001) {
		t.Fatalf("unexpected asks %#v", snap.Asks)
	}
}

func TestParseBookRequiresAsset(t *testing.T) {
	if _, ok := parseBook(map[string]any{"bids": []any{}}); ok {
		t.Fatalf("expected missing asset to fail")
	}
}

func TestParseCandle(t *testing.T) {
	data := map[string]any{
		"coin": "BTC",
		"candle": map[string]any{
			"t": float64(1700000000),
			"o": "100",
			"h": "102",
			"l": "99",
			"c": "100.5",
			"v": "12",
		},
	}
	c, ok := parseCandle(data)
	if !ok {
		t.Fatalf("expected candle parsed")
	}
	if c.Asset != "BTC" {
		t.Fatalf("expected asset BTC, got %s", c.Asset)
	}
	if !closeEnough(c.Close, 100.5) || !closeEnough(c.High, 102) || !closeEnough(c.Low, 99) {
		t.Fatalf("unexpected candle %#v", c)
	}
	if !c.Start.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected start %s", c.Start)
	}
}

func TestParseCandleCloseOnly(t *testing.T) {
	c, ok := parseCandle(map[string]any{"asset": "SOL", "close": 20.0, "start": float64(1700000000)})
	if !ok {
		t.Fatalf("expected candle parsed")
	}
	if c.High != 20 || c.Low != 20 || c.Open != 20 {
		t.Fatalf("expected flat bar, got %#v", c)
	}
	if _, ok := parseCandle(map[string]any{"asset": "SOL"}); ok {
		t.Fatalf("expected candle without close to fail")
	}
}

func TestTimeFromAny(t *testing.T) {
	sec, _ := timeFromAny(float64(1700000000))
	ms, _ := timeFromAny(float64(1700000000000))
	ns, _ := timeFromAny(float64(1700000000000000000))
	if !sec.Equal(ms) || !ms.Equal(ns) {
		t.Fatalf("expected same instant, got %s %s %s", sec, ms, ns)
	}
	if _, ok := timeFromAny("nope"); ok {
		t.Fatalf("expected invalid time to fail")
	}
}

func closeEnough(a, b float64) bool {
	const eps = 1e-9
	if a > b {
		return a-b < eps
	}
	return b-a < eps
}

func TestParseBookRejectsNonFiniteLevels(t *testing.T) {
	cases := map[string]map[string]any{
		"nan bid price": {"asset": "BTC", "bids": []any{[]any{"NaN", "1"}}, "asks": []any{[]any{"100.05", "1"}}},
		"inf ask price": {"asset": "BTC", "bids": []any{[]any{"99.95", "1"}}, "asks": []any{[]any{"Inf", "1"}}},
		"-inf bid size": {"asset": "BTC", "bids": []any{[]any{"99.95", "-Infinity"}}, "asks": []any{[]any{"100.05", "1"}}},
		"nan object sz": {"coin": "BTC", "levels": []any{
			[]any{map[string]any{"px": "99.95", "sz": "nan"}},
			[]any{map[string]any{"px": "100.05", "sz": "1"}},
		}},
	}
	for name, data := range cases {
		if snap, ok := parseBook(data); ok {
			t.Fatalf("%s: expected frame rejected, got %#v", name, snap)
		}
	}
}

func TestParseCandleRejectsNonFinite(t *testing.T) {
	for _, field := range []string{"c", "h", "v"} {
		data := map[string]any{"s": "BTC", "i": "1m", "t": float64(1700000000000), "o": "100", "h": "101", "l": "99", "c": "100.5", "v": "3"}
		data[field] = "NaN"
		if c, ok := parseCandle(data); ok && field == "c" {
			t.Fatalf("expected candle with NaN close rejected, got %#v", c)
		}
		if c, ok := parseCandle(data); ok && (c.High != c.High || c.Volume != c.Volume) {
			t.Fatalf("expected no NaN in accepted candle, got %#v", c)
		}
	}
	inf := Candle{Asset: "BTC", Start: time.Unix(1700000000, 0), Open: 1, High: math.Inf(1), Low: 1, Close: 1}
	if inf.Valid() {
		t.Fatalf("expected infinite high to be invalid")
	}
}

func TestFloatFromAnyRejectsNonFinite(t *testing.T) {
	for _, v := range []any{"NaN", "Inf", "+Inf", "-Infinity", math.NaN(), math.Inf(-1)} {
		if f, ok := floatFromAny(v); ok {
			t.Fatalf("expected %v rejected, got %v", v, f)
		}
	}
	if f, ok := floatFromAny(" 42.5 "); !ok || f != 42.5 {
		t.Fatalf("expected 42.5, got %v %v", f, ok)
	}
}
