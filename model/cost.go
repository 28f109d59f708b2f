package model

import "math"

// RangeCost 阶段成本与终端成本：手续费收益、跟踪误差、边界风险、调仓成本。
type RangeCost struct {
	FeeReward          float64 `yaml:"feeReward"`          // 区间内每步收益（负成本）
	TrackingCoef       float64 `yaml:"trackingCoef"`       // (t_market - t_pool)^2 系数
	BoundaryEps        float64 `yaml:"boundaryEps"`        // 贴边判定距离（ticks）
	BoundaryHitCost    float64 `yaml:"boundaryHitCost"`    // 贴边固定惩罚
	EdgeBuffer         float64 `yaml:"edgeBuffer"`         // 边缘软排斥缓冲（ticks）
	EdgeCoef           float64 `yaml:"edgeCoef"`           // relu(buffer - dist)^2 系数
	MarketOutsideCoef  float64 `yaml:"marketOutsideCoef"`  // 市场价在区间外的距离平方系数
	RebalanceThreshold float64 `yaml:"rebalanceThreshold"` // |Δc|+|Δw| 超过该值则计调仓成本
	RebalanceCost      float64 `yaml:"rebalanceCost"`
	TerminalDistCoef   float64 `yaml:"terminalDistCoef"`
	TerminalWidthCoef  float64 `yaml:"terminalWidthCoef"`
}

// DefaultRangeCost returns the production cost coefficients.
func DefaultRangeCost() RangeCost {
	return RangeCost{
		FeeReward:          -0.01,
		TrackingCoef:       5e-5,
		BoundaryEps:        1,
		BoundaryHitCost:    0.05,
		EdgeBuffer:         120,
		EdgeCoef:           2e-5,
		MarketOutsideCoef:  5e-4,
		RebalanceThreshold: 120,
		RebalanceCost:      0.002,
		TerminalDistCoef:   5e-5,
		TerminalWidthCoef:  1e-4,
	}
}

// StageBreakdown is the per-component stage cost; Total is their sum.
type StageBreakdown struct {
	Fee           float64
	Tracking      float64
	BoundaryHit   float64
	EdgeProximity float64
	MarketOutside float64
	Rebalance     float64
}

// Total sums every component.
func (b StageBreakdown) Total() float64 {
	return b.Fee + b.Tracking + b.BoundaryHit + b.EdgeProximity + b.MarketOutside + b.Rebalance
}

// Stage returns the cost of being in state while applying action.
func (c RangeCost) Stage(state, action []float64) float64 {
	return c.Breakdown(state, action).Total()
}

// Breakdown 逐项计算阶段成本。
func (c RangeCost) Breakdown(state, action []float64) StageBreakdown {
	tMarket := state[IdxMarket]
	tPool := state[IdxPool]
	lower, upper := Bounds(state)

	var b StageBreakdown
	if tPool > lower && tPool < upper {
		b.Fee = c.FeeReward
	}

	dev := tMarket - tPool
	b.Tracking = c.TrackingCoef * dev * dev

	if tPool <= lower+c.BoundaryEps || tPool >= upper-c.BoundaryEps {
		b.BoundaryHit = c.BoundaryHitCost
	}

	dist := math.Min(tPool-lower, upper-tPool)
	if p := c.EdgeBuffer - dist; p > 0 {
		b.EdgeProximity = c.EdgeCoef * p * p
	}

	switch {
	case tMarket < lower:
		d := lower - tMarket
		b.MarketOutside = c.MarketOutsideCoef * d * d
	case tMarket > upper:
		d := tMarket - upper
		b.MarketOutside = c.MarketOutsideCoef * d * d
	}

	if math.Abs(action[IdxDeltaCenter])+math.Abs(action[IdxDeltaWidth]) > c.RebalanceThreshold {
		b.Rebalance = c.RebalanceCost
	}
	return b
}

// Terminal 终端成本：偏离市场的距离平方 + 宽度惩罚（资金效率）。
func (c RangeCost) Terminal(state []float64) float64 {
	d := state[IdxMarket] - state[IdxCenter]
	return c.TerminalDistCoef*d*d + c.TerminalWidthCoef*state[IdxWidth]
}
