// Package rebalance turns controller actions into spacing-aligned target
// tick ranges and drives one observe→decide→execute cycle.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"mppi-rebalancer/infrastructure/logger"
	"mppi-rebalancer/model"
	"mppi-rebalancer/mppi"
	"mppi-rebalancer/tickmath"
)

// Controller 策略依赖的控制器接口，*mppi.Controller 实现该接口。
type Controller interface {
	Forward(state []float64) ([]float64, [][]float64, error)
	EffectiveSampleSize() float64
}

// Recorder 指标接口，*metrics.Recorder 实现该接口。
type Recorder interface {
	ObserveForward(d time.Duration, ess float64, action []float64)
	IncForwardError(kind string)
	ObserveDecision(outcome string, lower, upper, tickChange int)
	IncExecution(success bool)
}

// Config 策略参数。
type Config struct {
	TickSpacing       int
	DefaultWidthTicks int // 无仓位时的初始宽度，4000 ticks 约为 pool_price ±20%
}

func DefaultConfig() Config {
	return Config{TickSpacing: 60, DefaultWidthTicks: 4000}
}

func (c Config) Validate() error {
	if c.TickSpacing <= 0 {
		return fmt.Errorf("tickSpacing must be > 0, got %d", c.TickSpacing)
	}
	if c.DefaultWidthTicks < 2*c.TickSpacing {
		return fmt.Errorf("defaultWidthTicks must be >= 2*tickSpacing, got %d", c.DefaultWidthTicks)
	}
	return nil
}

// Policy 把控制器的连续动作离散化成目标区间。
type Policy struct {
	cfg  Config
	ctrl Controller
	log  *logger.Logger
	rec  Recorder
}

// New 创建策略；log 与 rec 可为 nil。
func New(cfg Config, ctrl Controller, log *zap.Logger, rec Recorder) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ctrl == nil {
		return nil, errors.New("controller is required")
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Policy{
		cfg:  cfg,
		ctrl: ctrl,
		log:  logger.FromZap(log),
		rec:  rec,
	}, nil
}

// State assembles [t_market, t_pool, t_center, width] from an observation.
func (p *Policy) State(obs Observation) ([]float64, error) {
	tMarket, ok := tickmath.PriceToTick(obs.ExternalPrice)
	if !ok {
		return nil, fmt.Errorf("%w: external price %v", ErrInvalidObservation, obs.ExternalPrice)
	}
	tPool, ok := tickmath.PriceToTick(obs.PoolPrice)
	if !ok {
		return nil, fmt.Errorf("%w: pool price %v", ErrInvalidObservation, obs.PoolPrice)
	}
	if !validTick(tMarket) || !validTick(tPool) {
		return nil, fmt.Errorf("%w: price tick outside [%d, %d] (market %d, pool %d)",
			ErrInvalidObservation, tickmath.MinTick, tickmath.MaxTick, tMarket, tPool)
	}

	state := make([]float64, model.DimState)
	state[model.IdxMarket] = float64(tMarket)
	state[model.IdxPool] = float64(tPool)

	if obs.HasPosition {
		if obs.TickLower >= obs.TickUpper {
			return nil, fmt.Errorf("%w: tickLower %d must be < tickUpper %d", ErrInvalidObservation, obs.TickLower, obs.TickUpper)
		}
		if !validTick(obs.TickLower) || !validTick(obs.TickUpper) {
			return nil, fmt.Errorf("%w: position [%d, %d] outside [%d, %d]",
				ErrInvalidObservation, obs.TickLower, obs.TickUpper, tickmath.MinTick, tickmath.MaxTick)
		}
		cur := Range{Lower: obs.TickLower, Upper: obs.TickUpper}
		state[model.IdxCenter] = cur.Center()
		state[model.IdxWidth] = float64(cur.Width())
		return state, nil
	}

	// 无仓位：以对齐后的池子 tick 为中心，使用默认宽度
	state[model.IdxCenter] = float64(tickmath.TruncateToSpacing(float64(tPool), p.cfg.TickSpacing))
	state[model.IdxWidth] = float64(p.cfg.DefaultWidthTicks)
	return state, nil
}

// Decide runs the controller on obs and returns the target range.
func (p *Policy) Decide(obs Observation) (Decision, error) {
	state, err := p.State(obs)
	if err != nil {
		return Decision{}, err
	}

	start := time.Now()
	action, plan, err := p.ctrl.Forward(state)
	if err != nil {
		p.rec.IncForwardError(errorKind(err))
		p.log.LogError(err, map[string]interface{}{"stage": "forward", "state": state})
		return Decision{}, fmt.Errorf("controller forward: %w", err)
	}
	if len(action) != model.DimControl {
		return Decision{}, fmt.Errorf("controller returned action of length %d, want %d", len(action), model.DimControl)
	}
	p.rec.ObserveForward(time.Since(start), p.ctrl.EffectiveSampleSize(), action)

	spacing := p.cfg.TickSpacing
	newCenter := state[model.IdxCenter] + action[model.IdxDeltaCenter]
	newWidth := math.Max(float64(2*spacing), state[model.IdxWidth]+action[model.IdxDeltaWidth])

	lower := tickmath.TruncateToSpacing(newCenter-newWidth/2, spacing)
	upper := tickmath.TruncateToSpacing(newCenter+newWidth/2, spacing)
	if lower >= upper {
		upper = lower + spacing
	}
	lower, upper = tickmath.ClampRange(lower, upper, spacing)

	dec := Decision{
		State:       state,
		Action:      action,
		Plan:        plan,
		Target:      Range{Lower: lower, Upper: upper},
		HasPosition: obs.HasPosition,
		Changed:     true,
	}
	if obs.HasPosition {
		dec.Current = Range{Lower: obs.TickLower, Upper: obs.TickUpper}
		dec.Changed = dec.Target != dec.Current
		dec.TickChange = max(absInt(lower-obs.TickLower), absInt(upper-obs.TickUpper))
	}

	p.rec.ObserveDecision(dec.Outcome(), lower, upper, dec.TickChange)
	p.log.LogDecision(dec.Outcome(), decisionFields(dec))
	return dec, nil
}

// RunCycle 执行一次 observe→decide→execute；不循环、不重试。
// 目标区间未变化时不调用执行器。
func (p *Policy) RunCycle(ctx context.Context, src StateSource, exec Executor) (CycleResult, error) {
	if src == nil {
		return CycleResult{}, fmt.Errorf("%w: state source is nil", ErrInvalidObservation)
	}
	obs, err := src.Observe(ctx)
	if err != nil {
		p.log.LogError(err, map[string]interface{}{"stage": "observe"})
		return CycleResult{}, fmt.Errorf("observe: %w", err)
	}

	dec, err := p.Decide(obs)
	if err != nil {
		return CycleResult{}, err
	}
	res := CycleResult{Decision: dec}
	if !dec.Changed {
		return res, nil
	}
	if exec == nil {
		return res, ErrNoExecutor
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	report, err := exec.Rebalance(ctx, dec.Target.Lower, dec.Target.Upper)
	res.Executed = true
	res.Report = report
	ok := err == nil && report.Success
	p.rec.IncExecution(ok)
	if err != nil {
		p.log.LogError(err, map[string]interface{}{"stage": "execute", "target": dec.Target.String()})
		return res, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	if !report.Success {
		p.log.LogError(ErrExecutionFailed, map[string]interface{}{"stage": "execute", "detail": report.Detail})
		return res, fmt.Errorf("%w: %s", ErrExecutionFailed, report.Detail)
	}
	p.log.LogRebalance(dec.Target.Lower, dec.Target.Upper, map[string]interface{}{
		"reference": report.Reference,
	})
	return res, nil
}

func decisionFields(d Decision) map[string]interface{} {
	lowPx, upPx := d.Target.PriceBounds()
	fields := map[string]interface{}{
		"t_market":     d.State[model.IdxMarket],
		"t_pool":       d.State[model.IdxPool],
		"t_center":     d.State[model.IdxCenter],
		"width":        d.State[model.IdxWidth],
		"delta_center": d.Action[model.IdxDeltaCenter],
		"delta_width":  d.Action[model.IdxDeltaWidth],
		"target_lower": d.Target.Lower,
		"target_upper": d.Target.Upper,
		"price_lower":  lowPx,
		"price_upper":  upPx,
		"has_position": d.HasPosition,
		"tick_change":  d.TickChange,
	}
	if d.HasPosition {
		fields["current_lower"] = d.Current.Lower
		fields["current_upper"] = d.Current.Upper
	}
	return fields
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, mppi.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, mppi.ErrDegenerateWeights):
		return "degenerate_weights"
	case errors.Is(err, mppi.ErrInvalidConfig):
		return "invalid_config"
	default:
		return "other"
	}
}

func validTick(t int) bool {
	return t >= tickmath.MinTick && t <= tickmath.MaxTick
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type nopRecorder struct{}

func (nopRecorder) ObserveForward(time.Duration, float64, []float64) {}
func (nopRecorder) IncForwardError(string)                           {}
func (nopRecorder) ObserveDecision(string, int, int, int)            {}
func (nopRecorder) IncExecution(bool)                                {}
