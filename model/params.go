package model

import (
	"errors"
	"math"
	"math/rand/v2"
)

// JumpDiffusion 生成跳跃扩散的乘性价格因子（1 + 下一步收益）。
type JumpDiffusion struct {
	Mu        float64 `yaml:"mu"`
	Sigma     float64 `yaml:"sigma"`
	JumpProb  float64 `yaml:"jumpProb"`
	JumpSigma float64 `yaml:"jumpSigma"`
	MinFactor float64 `yaml:"minFactor"` // 单样本下限，避免极端值主导权重
	MaxFactor float64 `yaml:"maxFactor"`
}

// DefaultJumpDiffusion returns the production jump-diffusion parameters.
func DefaultJumpDiffusion() JumpDiffusion {
	return JumpDiffusion{
		Mu:        0,
		Sigma:     0.02,
		JumpProb:  0.05,
		JumpSigma: 0.10,
		MinFactor: 0.7,
		MaxFactor: 1.3,
	}
}

// Validate checks the parameters produce strictly positive, bounded factors.
func (j JumpDiffusion) Validate() error {
	if j.Sigma < 0 || j.JumpSigma < 0 {
		return errors.New("jump diffusion sigmas must be >= 0")
	}
	if j.JumpProb < 0 || j.JumpProb > 1 {
		return errors.New("jump diffusion jumpProb must be in [0,1]")
	}
	if !(j.MinFactor > 0 && j.MinFactor <= 1 && j.MaxFactor >= 1) {
		return errors.New("jump diffusion factor bounds must satisfy 0 < min <= 1 <= max")
	}
	for _, v := range []float64{j.Mu, j.Sigma, j.JumpSigma, j.MaxFactor} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("jump diffusion parameters must be finite")
		}
	}
	return nil
}

// Generate returns a row-major rows×horizon matrix of price factors.
func (j JumpDiffusion) Generate(rng *rand.Rand, rows, horizon int) []float64 {
	out := make([]float64, rows*horizon)
	for i := range out {
		f := math.Exp(j.Mu + j.Sigma*rng.NormFloat64())
		// 三次抽样与向量化版本一致：扩散、是否跳跃、跳跃幅度各自独立
		jump := rng.Float64() < j.JumpProb
		zj := rng.NormFloat64()
		if jump {
			f *= math.Exp(j.JumpSigma * zj)
		}
		out[i] = clamp(f, j.MinFactor, j.MaxFactor)
	}
	return out
}

// ConstantFactor always returns factor 1: the expected market path with no drift.
type ConstantFactor struct{}

// Generate returns a rows×horizon matrix of ones. rng is unused.
func (ConstantFactor) Generate(_ *rand.Rand, rows, horizon int) []float64 {
	out := make([]float64, rows*horizon)
	for i := range out {
		out[i] = 1
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
