// Package tickmath holds the concentrated-liquidity tick basis: price = 1.0001^tick.
package tickmath

import (
	"math"
)

const (
	// Base 每个 tick 对应的价格乘数。
	Base = 1.0001

	// MinTick / MaxTick 协议允许的 tick 边界。
	MinTick = -887272
	MaxTick = 887272
)

var logBase = math.Log(Base)

// LogBase returns ln(1.0001), the divisor that turns a log-price into ticks.
func LogBase() float64 { return logBase }

// PriceToTick 将价格转换为最近的整数 tick：round(ln(p)/ln(1.0001))。
// price 必须 > 0，否则返回 false。
func PriceToTick(price float64) (int, bool) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, false
	}
	return int(math.Round(math.Log(price) / logBase)), true
}

// TickToPrice 返回 1.0001^tick。
func TickToPrice(tick int) float64 {
	return math.Pow(Base, float64(tick))
}

// LogReturnToTicks converts a multiplicative price factor into a tick delta.
func LogReturnToTicks(factor float64) float64 {
	return math.Log(factor) / logBase
}

// TruncateToSpacing 向负无穷方向取整到 spacing 的整数倍。
func TruncateToSpacing(tick float64, spacing int) int {
	if spacing <= 0 {
		return int(math.Floor(tick))
	}
	return int(math.Floor(tick/float64(spacing))) * spacing
}

// MinUsableTick is the smallest multiple of spacing that is >= MinTick.
func MinUsableTick(spacing int) int {
	if spacing <= 0 {
		return MinTick
	}
	return int(math.Ceil(float64(MinTick)/float64(spacing))) * spacing
}

// MaxUsableTick is the largest multiple of spacing that is <= MaxTick.
func MaxUsableTick(spacing int) int {
	if spacing <= 0 {
		return MaxTick
	}
	return int(math.Floor(float64(MaxTick)/float64(spacing))) * spacing
}

// ClampRange 将区间夹到协议可用 tick 范围内，并保证 lower < upper 且两端仍对齐 spacing。
func ClampRange(lower, upper, spacing int) (int, int) {
	if spacing <= 0 {
		spacing = 1
	}
	lo, hi := MinUsableTick(spacing), MaxUsableTick(spacing)
	lower = clampInt(lower, lo, hi-spacing)
	upper = clampInt(upper, lo+spacing, hi)
	if lower >= upper {
		if lower+spacing <= hi {
			upper = lower + spacing
		} else {
			lower = upper - spacing
		}
	}
	return lower, upper
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
