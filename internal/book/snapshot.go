package book

import (
	"errors"
	"fmt"
	"time"

	"perp-core-bot/internal/safemath"
)

var ErrInvalidSnapshot = errors.New("invalid depth snapshot")

// Level is a single resting price level.
type Level struct {
	Price float64
	Size  float64
}

// Snapshot is one depth read of a market, best price first on both sides.
type Snapshot struct {
	Asset string
	Bids  []Level
	Asks  []Level
	Time  time.Time
}

func (s Snapshot) Empty() bool {
	return len(s.Bids) == 0 || len(s.Asks) == 0
}

func (s Snapshot) BestBid() (float64, bool) {
	if len(s.Bids) == 0 {
		return 0, false
	}
	return s.Bids[0].Price, true
}

func (s Snapshot) BestAsk() (float64, bool) {
	if len(s.Asks) == 0 {
		return 0, false
	}
	return s.Asks[0].Price, true
}

// Mid returns the touch midpoint, or false when either side is missing or
// not a finite positive price.
func (s Snapshot) Mid() (float64, bool) {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk || !validPrice(bid) || !validPrice(ask) {
		return 0, false
	}
	return (bid + ask) / 2, true
}

func (s Snapshot) SpreadBps() float64 {
	mid, ok := s.Mid()
	if !ok {
		return 0
	}
	return (s.Asks[0].Price - s.Bids[0].Price) / mid * 10000
}

// Age is measured against now; a zero Time reports zero age.
func (s Snapshot) Age(now time.Time) time.Duration {
	if s.Time.IsZero() {
		return 0
	}
	return now.Sub(s.Time)
}

func validPrice(p float64) bool {
	return safemath.Finite(p) && p > 0
}

func (l Level) valid() bool {
	return validPrice(l.Price) && safemath.Finite(l.Size) && l.Size >= 0
}

// Validate checks ordering, sign and finiteness. A crossed touch is rejected.
func (s Snapshot) Validate() error {
	for i, lvl := range s.Bids {
		if !lvl.valid() {
			return fmt.Errorf("bid level %d price %.8f size %.8f: %w", i, lvl.Price, lvl.Size, ErrInvalidSnapshot)
		}
		if i > 0 && lvl.Price >= s.Bids[i-1].Price {
			return fmt.Errorf("bid level %d not descending: %w", i, ErrInvalidSnapshot)
		}
	}
	for i, lvl := range s.Asks {
		if !lvl.valid() {
			return fmt.Errorf("ask level %d price %.8f size %.8f: %w", i, lvl.Price, lvl.Size, ErrInvalidSnapshot)
		}
		if i > 0 && lvl.Price <= s.Asks[i-1].Price {
			return fmt.Errorf("ask level %d not ascending: %w", i, ErrInvalidSnapshot)
		}
	}
	if len(s.Bids) > 0 && len(s.Asks) > 0 && s.Bids[0].Price >= s.Asks[0].Price {
		return fmt.Errorf("crossed book bid %.8f ask %.8f: %w", s.Bids[0].Price, s.Asks[0].Price, ErrInvalidSnapshot)
	}
	return nil
}
