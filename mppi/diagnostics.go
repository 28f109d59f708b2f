package mppi

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Trajectory 一条采样控制序列及其（对市场随机性取平均的）状态轨迹。
type Trajectory struct {
	Index   int
	Weight  float64
	Actions [][]float64 // horizon × dimControl
	States  [][]float64 // (horizon+1) × dimState
}

// TopSamples returns the k highest-weight samples of the last Forward call,
// sorted by weight descending.
func (c *Controller) TopSamples(k int) ([]Trajectory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if k < 0 || k > c.cfg.NumSamples {
		return nil, fmt.Errorf("%w: k=%d must be in [0, %d]", ErrTopSamples, k, c.cfg.NumSamples)
	}
	if !c.ran {
		return nil, fmt.Errorf("%w: forward has not been called", ErrTopSamples)
	}

	N := c.cfg.NumSamples
	w := append([]float64(nil), c.weights...)
	idx := make([]int, N)
	for i := range idx {
		idx[i] = i
	}
	floats.Argsort(w, idx) // 升序

	H, dC, dS := c.cfg.Horizon, c.cfg.DimControl, c.cfg.DimState
	out := make([]Trajectory, 0, k)
	for r := N - 1; r >= N-k; r-- {
		i := idx[r]
		tr := Trajectory{
			Index:   i,
			Weight:  c.weights[i],
			Actions: make([][]float64, H),
			States:  make([][]float64, H+1),
		}
		for t := 0; t < H; t++ {
			off := (i*H + t) * dC
			tr.Actions[t] = append([]float64(nil), c.perturbed[off:off+dC]...)
		}
		for t := 0; t <= H; t++ {
			off := (i*(H+1) + t) * dS
			tr.States[t] = append([]float64(nil), c.meanTraj[off:off+dS]...)
		}
		out = append(out, tr)
	}
	return out, nil
}

// Weights returns a copy of the importance weights from the last Forward call.
func (c *Controller) Weights() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ran {
		return nil
	}
	return append([]float64(nil), c.weights...)
}

// LastCosts returns a copy of the per-sample total costs from the last Forward call.
func (c *Controller) LastCosts() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ran {
		return nil
	}
	return append([]float64(nil), c.costs...)
}

// EffectiveSampleSize 1/Σw²：权重越集中越接近 1，越均匀越接近 NumSamples。
func (c *Controller) EffectiveSampleSize() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ran {
		return 0
	}
	return 1 / floats.Dot(c.weights, c.weights)
}
