package rebalance

import (
	"context"
	"errors"
	"fmt"

	"mppi-rebalancer/metrics"
	"mppi-rebalancer/tickmath"
)

var (
	ErrInvalidObservation = errors.New("invalid observation")
	ErrNoExecutor         = errors.New("no executor configured")
	ErrExecutionFailed    = errors.New("rebalance execution failed")
)

// Observation 外部状态源提供的一次快照。HasPosition=false 时忽略 TickLower/TickUpper。
type Observation struct {
	ExternalPrice float64
	PoolPrice     float64
	TickLower     int
	TickUpper     int
	HasPosition   bool
}

// Range 一个 tick 区间 [Lower, Upper)。
type Range struct {
	Lower int
	Upper int
}

func (r Range) Width() int { return r.Upper - r.Lower }

func (r Range) Center() float64 { return float64(r.Lower+r.Upper) / 2 }

// PriceBounds 区间两端对应的价格。
func (r Range) PriceBounds() (lower, upper float64) {
	return tickmath.TickToPrice(r.Lower), tickmath.TickToPrice(r.Upper)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Lower, r.Upper)
}

// Decision 一次决策的完整结果。
type Decision struct {
	State   []float64   // [t_market, t_pool, t_center, width]
	Action  []float64   // 经过死区过滤的即时动作 [Δcenter, Δwidth]
	Plan    [][]float64 // 控制器给出的完整最优序列
	Current Range       // 无仓位时为零值
	Target  Range

	HasPosition bool
	// TickChange 目标区间两端相对当前区间的最大移动量（无仓位时为 0）
	TickChange int
	// Changed 目标区间与当前区间不同（无仓位时恒为 true）
	Changed bool
}

// Outcome 返回指标与日志使用的结果标签。
func (d Decision) Outcome() string {
	if d.Changed {
		return metrics.OutcomeRebalance
	}
	return metrics.OutcomeHold
}

// StateSource 提供市场与仓位快照。
type StateSource interface {
	Observe(ctx context.Context) (Observation, error)
}

// ExecutionReport 执行器返回的结果。
type ExecutionReport struct {
	Success   bool
	Reference string // 交易哈希或订单号
	Detail    string
}

// Executor 把目标区间落到链上的外部执行器。
type Executor interface {
	Rebalance(ctx context.Context, lower, upper int) (ExecutionReport, error)
}

// CycleResult 一次 observe→decide→execute 的结果。
type CycleResult struct {
	Decision Decision
	Executed bool
	Report   ExecutionReport
}
