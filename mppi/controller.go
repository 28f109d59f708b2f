// Package mppi implements a Model Predictive Path Integral controller
// (Williams et al., T-RO 2017) with a nested Monte-Carlo expectation over
// market uncertainty: every perturbed control sequence is rolled out against
// NumSamplesExpect market paths before importance weighting.
package mppi

import (
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Dynamics advances a state by one step. dst may alias state.
type Dynamics interface {
	Step(dst, state, action []float64, factor float64)
}

// ParameterGenerator draws a row-major rows×horizon matrix of market factors.
type ParameterGenerator interface {
	Generate(rng *rand.Rand, rows, horizon int) []float64
}

// CostModel scores rollouts; lower is better.
type CostModel interface {
	Stage(state, action []float64) float64
	Terminal(state []float64) float64
}

// Models 控制器依赖的模型集合。
type Models struct {
	Dynamics Dynamics
	Random   ParameterGenerator // Propose=true 时使用
	Constant ParameterGenerator // Propose=false 时使用
	Cost     CostModel
}

// Controller holds the warm-start mean control sequence between calls.
// Forward calls are serialised internally.
type Controller struct {
	cfg    Config
	models Models

	rng    *rand.Rand
	invCov *mat.Dense

	mu   sync.Mutex
	mean []float64 // horizon × dimControl，上一次的最优序列

	// 以下为单次 Forward 的临时缓冲，仅在持锁期间读写
	perturbed []float64 // numSamples × horizon × dimControl
	costs     []float64 // numSamples
	weights   []float64 // numSamples
	meanTraj  []float64 // numSamples × (horizon+1) × dimState，对内层期望取平均的状态轨迹
	ran       bool
}

// New validates cfg and precomputes the noise covariance inverse.
func New(cfg Config, models Models) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if models.Dynamics == nil || models.Cost == nil {
		return nil, fmt.Errorf("%w: dynamics and cost models are required", ErrInvalidConfig)
	}
	if cfg.Propose && models.Random == nil {
		return nil, fmt.Errorf("%w: propose requires a random parameter generator", ErrInvalidConfig)
	}
	if !cfg.Propose && models.Constant == nil {
		return nil, fmt.Errorf("%w: constant parameter generator is required when propose is false", ErrInvalidConfig)
	}

	variances := make([]float64, cfg.DimControl)
	for d, s := range cfg.Sigmas {
		variances[d] = s * s
	}
	var inv mat.Dense
	if err := inv.Inverse(mat.NewDiagDense(cfg.DimControl, variances)); err != nil {
		return nil, fmt.Errorf("%w: noise covariance not invertible: %v", ErrInvalidConfig, err)
	}
	for i := 0; i < cfg.DimControl; i++ {
		for j := 0; j < cfg.DimControl; j++ {
			if !finite(inv.At(i, j)) {
				return nil, fmt.Errorf("%w: inverse covariance is not finite (sigmas too small)", ErrInvalidConfig)
			}
		}
	}

	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	cfg.UMin = append([]float64(nil), cfg.UMin...)
	cfg.UMax = append([]float64(nil), cfg.UMax...)
	cfg.Sigmas = append([]float64(nil), cfg.Sigmas...)
	if cfg.Deadband != nil {
		cfg.Deadband = append([]float64(nil), cfg.Deadband...)
	}

	seqLen := cfg.Horizon * cfg.DimControl
	return &Controller{
		cfg:       cfg,
		models:    models,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		invCov:    &inv,
		mean:      make([]float64, seqLen),
		perturbed: make([]float64, cfg.NumSamples*seqLen),
		costs:     make([]float64, cfg.NumSamples),
		weights:   make([]float64, cfg.NumSamples),
		meanTraj:  make([]float64, cfg.NumSamples*(cfg.Horizon+1)*cfg.DimState),
	}, nil
}

// Config returns a copy of the validated configuration.
func (c *Controller) Config() Config { return c.cfg }

// Forward computes the optimal control sequence for state and returns the
// deadbanded immediate action together with the full sequence
// (horizon × dimControl). On error the stored mean sequence is unchanged.
func (c *Controller) Forward(state []float64) ([]float64, [][]float64, error) {
	if len(state) != c.cfg.DimState {
		return nil, nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidState, len(state), c.cfg.DimState)
	}
	for i, v := range state {
		if !finite(v) {
			return nil, nil, fmt.Errorf("%w: component %d is %v", ErrInvalidState, i, v)
		}
	}
	x0 := append([]float64(nil), state...)

	c.mu.Lock()
	defer c.mu.Unlock()
	// 缓冲即将被覆盖，失败时诊断接口不返回半成品
	c.ran = false

	H, N, E, dC := c.cfg.Horizon, c.cfg.NumSamples, c.cfg.NumSamplesExpect, c.cfg.DimControl
	seqLen := H * dC

	// 噪声与市场参数都在调用方 goroutine 上按固定顺序抽取，保证可复现
	for i := 0; i < N; i++ {
		seq := c.perturbed[i*seqLen : (i+1)*seqLen]
		for t := 0; t < H; t++ {
			for d := 0; d < dC; d++ {
				k := t*dC + d
				u := c.mean[k] + c.cfg.Sigmas[d]*c.rng.NormFloat64()
				seq[k] = math.Min(math.Max(u, c.cfg.UMin[d]), c.cfg.UMax[d])
			}
		}
	}

	gen := c.models.Constant
	if c.cfg.Propose {
		gen = c.models.Random
	}
	params := gen.Generate(c.rng, E, H)
	if len(params) != E*H {
		return nil, nil, fmt.Errorf("%w: parameter generator returned %d values, want %d", ErrInvalidConfig, len(params), E*H)
	}

	// mean[t]ᵀ Σ⁻¹，供重要性采样修正项使用
	precMean := make([]float64, seqLen)
	for t := 0; t < H; t++ {
		m := mat.NewVecDense(dC, append([]float64(nil), c.mean[t*dC:(t+1)*dC]...))
		out := mat.NewVecDense(dC, precMean[t*dC:(t+1)*dC])
		out.MulVec(c.invCov.T(), m)
	}

	c.rollout(x0, params, precMean)

	weights := make([]float64, N)
	if err := softmaxWeights(weights, c.costs, c.cfg.Lambda); err != nil {
		return nil, nil, err
	}

	optimal := make([]float64, seqLen)
	for i := 0; i < N; i++ {
		floats.AddScaled(optimal, weights[i], c.perturbed[i*seqLen:(i+1)*seqLen])
	}

	copy(c.weights, weights)
	copy(c.mean, optimal)
	c.ran = true

	// 死区只作用于返回的即时动作；c.mean 保留原值，低于阈值的修正会累积到下一次调用
	action := append([]float64(nil), optimal[:dC]...)
	if c.cfg.Deadband != nil {
		for d := range action {
			if math.Abs(action[d]) < c.cfg.Deadband[d] {
				action[d] = 0
			}
		}
	}

	seq := make([][]float64, H)
	for t := range seq {
		seq[t] = append([]float64(nil), optimal[t*dC:(t+1)*dC]...)
	}
	return action, seq, nil
}

// rollout fills c.costs and c.meanTraj. Each sample only touches its own
// slots, so the result does not depend on the worker count.
func (c *Controller) rollout(x0, params, precMean []float64) {
	N := c.cfg.NumSamples
	workers := c.cfg.Workers
	if workers > N {
		workers = N
	}
	chunk := (N + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < N; start += chunk {
		end := start + chunk
		if end > N {
			end = N
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			s := make([]float64, c.cfg.DimState)
			for i := lo; i < hi; i++ {
				c.costs[i] = c.sampleCost(i, s, x0, params, precMean)
			}
		}(start, end)
	}
	wg.Wait()
}

// sampleCost = E_j[Σ_t stage + terminal] + λ·Σ_t meanᵀΣ⁻¹u for one sample.
func (c *Controller) sampleCost(i int, s, x0, params, precMean []float64) float64 {
	H, E, dC, dS := c.cfg.Horizon, c.cfg.NumSamplesExpect, c.cfg.DimControl, c.cfg.DimState
	seq := c.perturbed[i*H*dC : (i+1)*H*dC]
	traj := c.meanTraj[i*(H+1)*dS : (i+1)*(H+1)*dS]
	for k := range traj {
		traj[k] = 0
	}
	invE := 1 / float64(E)

	var stageSum, terminalSum float64
	for j := 0; j < E; j++ {
		copy(s, x0)
		floats.AddScaled(traj[:dS], invE, s)
		for t := 0; t < H; t++ {
			u := seq[t*dC : (t+1)*dC]
			stageSum += c.models.Cost.Stage(s, u)
			c.models.Dynamics.Step(s, s, u, params[j*H+t])
			floats.AddScaled(traj[(t+1)*dS:(t+2)*dS], invE, s)
		}
		terminalSum += c.models.Cost.Terminal(s)
	}

	// 动作项与市场实现无关，对内层取平均后不变
	actionSum := floats.Dot(precMean, seq)
	return stageSum*invE + terminalSum*invE + c.cfg.Lambda*actionSum
}

// softmaxWeights writes softmax(-costs/λ) into dst, shifted by the minimum cost.
func softmaxWeights(dst, costs []float64, lambda float64) error {
	for i, v := range costs {
		if !finite(v) {
			return fmt.Errorf("%w: cost of sample %d is %v", ErrDegenerateWeights, i, v)
		}
	}
	minCost := floats.Min(costs)
	for i, v := range costs {
		dst[i] = math.Exp(-(v - minCost) / lambda)
	}
	sum := floats.Sum(dst)
	if !(sum > 0) || math.IsInf(sum, 0) {
		return fmt.Errorf("%w: normaliser is %v", ErrDegenerateWeights, sum)
	}
	floats.Scale(1/sum, dst)
	return nil
}
