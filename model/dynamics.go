// Package model holds the market dynamics, stochastic price factors and cost
// functions the MPPI controller rolls out. State layout is
// [t_market, t_pool, t_center, width_ticks]; action layout is
// [delta_center, delta_width]; all in ticks.
package model

import (
	"math"

	"mppi-rebalancer/tickmath"
)

// State / action indices.
const (
	IdxMarket = 0
	IdxPool   = 1
	IdxCenter = 2
	IdxWidth  = 3

	IdxDeltaCenter = 0
	IdxDeltaWidth  = 1

	DimState   = 4
	DimControl = 2
)

// TickDynamics 池子价格跟随市场价格的 tick 空间模型。
type TickDynamics struct {
	WidthFloor float64 `yaml:"widthFloor"` // 区间宽度下限（ticks）
	BaseGain   float64 `yaml:"baseGain"`   // 区间内的慢速跟踪增益
	ExtraGain  float64 `yaml:"extraGain"`  // 偏离变大时叠加的套利增益
	GainSlope  float64 `yaml:"gainSlope"`
}

// DefaultTickDynamics: floor of two 60-tick spacings, gain in (0.2, 0.95).
func DefaultTickDynamics() TickDynamics {
	return TickDynamics{
		WidthFloor: 120,
		BaseGain:   0.2,
		ExtraGain:  0.75,
		GainSlope:  2,
	}
}

const minWidthEps = 1e-6

// Step writes the next state into dst. dst may alias state.
func (d TickDynamics) Step(dst, state, action []float64, factor float64) {
	tMarket := state[IdxMarket]
	tPool := state[IdxPool]

	nextMarket := tMarket + tickmath.LogReturnToTicks(factor)
	nextCenter := state[IdxCenter] + action[IdxDeltaCenter]
	nextWidth := math.Max(d.WidthFloor, state[IdxWidth]+action[IdxDeltaWidth])

	lower := nextCenter - nextWidth/2
	upper := nextCenter + nextWidth/2

	relDev := math.Abs(nextMarket-tPool) / math.Max(nextWidth, minWidthEps)
	k := d.BaseGain + d.ExtraGain*math.Tanh(d.GainSlope*relDev)
	nextPool := clamp(tPool+k*(nextMarket-tPool), lower, upper)

	dst[IdxMarket] = nextMarket
	dst[IdxPool] = nextPool
	dst[IdxCenter] = nextCenter
	dst[IdxWidth] = nextWidth
}

// Bounds returns the range edges implied by a state.
func Bounds(state []float64) (lower, upper float64) {
	half := state[IdxWidth] / 2
	return state[IdxCenter] - half, state[IdxCenter] + half
}
