package mppi

import (
	"fmt"
	"math"
)

// Config 控制器构造参数，构造时一次性校验。
type Config struct {
	Horizon          int
	NumSamples       int
	NumSamplesExpect int // 每条扰动序列上的市场随机实现数（内层蒙特卡洛）
	DimState         int
	DimControl       int

	UMin   []float64
	UMax   []float64
	Sigmas []float64 // 每个控制维度的噪声标准差
	Lambda float64   // 温度

	// Propose 为 true 时使用随机参数生成器，否则使用常数生成器（期望路径）。
	Propose bool
	Seed    uint64

	// Deadband 逐维阈值：|a_d| < Deadband[d] 的即时动作置零。
	// nil 表示关闭死区，零值 Config 不带防抖；config.Validate 要求显式给出。
	Deadband []float64

	// Workers 并行 rollout 的 goroutine 数，<=0 时使用 GOMAXPROCS。
	Workers int
}

// Validate rejects malformed shapes, bounds and noise parameters.
func (c Config) Validate() error {
	if c.Horizon < 1 {
		return fmt.Errorf("%w: horizon must be >= 1, got %d", ErrInvalidConfig, c.Horizon)
	}
	if c.NumSamples < 1 {
		return fmt.Errorf("%w: numSamples must be >= 1, got %d", ErrInvalidConfig, c.NumSamples)
	}
	if c.NumSamplesExpect < 1 {
		return fmt.Errorf("%w: numSamplesExpect must be >= 1, got %d", ErrInvalidConfig, c.NumSamplesExpect)
	}
	if c.DimState < 1 || c.DimControl < 1 {
		return fmt.Errorf("%w: dimState and dimControl must be >= 1", ErrInvalidConfig)
	}
	vectors := []struct {
		name string
		v    []float64
	}{{"uMin", c.UMin}, {"uMax", c.UMax}, {"sigmas", c.Sigmas}}
	for _, vec := range vectors {
		if len(vec.v) != c.DimControl {
			return fmt.Errorf("%w: %s has length %d, want %d", ErrInvalidConfig, vec.name, len(vec.v), c.DimControl)
		}
	}
	for d := 0; d < c.DimControl; d++ {
		if !finite(c.UMin[d]) || !finite(c.UMax[d]) || c.UMin[d] >= c.UMax[d] {
			return fmt.Errorf("%w: need uMin < uMax at dim %d, got [%v, %v]", ErrInvalidConfig, d, c.UMin[d], c.UMax[d])
		}
		if !finite(c.Sigmas[d]) || c.Sigmas[d] <= 0 {
			return fmt.Errorf("%w: sigmas[%d] must be > 0, got %v", ErrInvalidConfig, d, c.Sigmas[d])
		}
	}
	if !finite(c.Lambda) || c.Lambda <= 0 {
		return fmt.Errorf("%w: lambda must be > 0, got %v", ErrInvalidConfig, c.Lambda)
	}
	if c.Deadband != nil {
		if len(c.Deadband) != c.DimControl {
			return fmt.Errorf("%w: deadband has length %d, want %d", ErrInvalidConfig, len(c.Deadband), c.DimControl)
		}
		for d, v := range c.Deadband {
			if !finite(v) || v < 0 {
				return fmt.Errorf("%w: deadband[%d] must be >= 0, got %v", ErrInvalidConfig, d, v)
			}
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
