package inventory

import (
	"errors"
	"fmt"
	"math"

	"perp-core-bot/internal/safemath"
)

var ErrInvalidConfig = errors.New("inventory: invalid config")

// Model maps a signed position to a normalized skew against a hard cap.
// At or beyond the cap the skew saturates to zero and trading is refused.
type Model struct {
	MaxPositionAbs float64
}

func NewModel(maxPositionAbs float64) (Model, error) {
	if !(maxPositionAbs > 0) || math.IsInf(maxPositionAbs, 0) {
		return Model{}, fmt.Errorf("max_position_abs must be > 0: %w", ErrInvalidConfig)
	}
	return Model{MaxPositionAbs: maxPositionAbs}, nil
}

func (m Model) Skew(position float64) float64 {
	if m.MaxPositionAbs == 0 || math.Abs(position) >= m.MaxPositionAbs {
		return 0
	}
	return safemath.Clamp(position/m.MaxPositionAbs, -1, 1)
}

func (m Model) Tradable(position float64) bool {
	return math.Abs(position) < m.MaxPositionAbs
}

// Headroom is how much size can still be added in the given direction
// (+1 long, -1 short) before the cap is reached.
func (m Model) Headroom(position float64, direction int) float64 {
	var room float64
	switch {
	case direction > 0:
		room = m.MaxPositionAbs - position
	case direction < 0:
		room = m.MaxPositionAbs + position
	}
	if room < 0 {
		return 0
	}
	return room
}
