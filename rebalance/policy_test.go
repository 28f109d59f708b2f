package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mppi-rebalancer/config"
	"mppi-rebalancer/mppi"
	"mppi-rebalancer/tickmath"
)

// stubController 返回固定动作
type stubController struct {
	action []float64
	err    error
	calls  int
	last   []float64
}

func (s *stubController) Forward(state []float64) ([]float64, [][]float64, error) {
	s.calls++
	s.last = append([]float64(nil), state...)
	if s.err != nil {
		return nil, nil, s.err
	}
	a := append([]float64(nil), s.action...)
	return a, [][]float64{append([]float64(nil), s.action...)}, nil
}

func (s *stubController) EffectiveSampleSize() float64 { return 42 }

type fakeRecorder struct {
	forwards   int
	errKinds   []string
	outcomes   []string
	executions []bool
}

func (f *fakeRecorder) ObserveForward(time.Duration, float64, []float64) { f.forwards++ }
func (f *fakeRecorder) IncForwardError(kind string)                      { f.errKinds = append(f.errKinds, kind) }
func (f *fakeRecorder) ObserveDecision(outcome string, _, _, _ int) {
	f.outcomes = append(f.outcomes, outcome)
}
func (f *fakeRecorder) IncExecution(ok bool) { f.executions = append(f.executions, ok) }

func newTestPolicy(t *testing.T, action []float64) (*Policy, *stubController, *fakeRecorder) {
	t.Helper()
	ctrl := &stubController{action: action}
	rec := &fakeRecorder{}
	p, err := New(DefaultConfig(), ctrl, nil, rec)
	require.NoError(t, err)
	return p, ctrl, rec
}

func position(lower, upper int) Observation {
	return Observation{
		ExternalPrice: tickmath.TickToPrice(0),
		PoolPrice:     tickmath.TickToPrice(0),
		TickLower:     lower,
		TickUpper:     upper,
		HasPosition:   true,
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{TickSpacing: 0, DefaultWidthTicks: 4000}, &stubController{}, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{TickSpacing: 60, DefaultWidthTicks: 60}, &stubController{}, nil, nil)
	assert.Error(t, err)
	_, err = New(DefaultConfig(), nil, nil, nil)
	assert.Error(t, err)
}

func TestState(t *testing.T) {
	p, _, _ := newTestPolicy(t, []float64{0, 0})

	obs := Observation{
		ExternalPrice: tickmath.TickToPrice(1000),
		PoolPrice:     tickmath.TickToPrice(850),
		TickLower:     -600,
		TickUpper:     1200,
		HasPosition:   true,
	}
	state, err := p.State(obs)
	require.NoError(t, err)
	assert.Equal(t, []float64{1000, 850, 300, 1800}, state)
}

func TestStateWithoutPosition(t *testing.T) {
	p, _, _ := newTestPolicy(t, []float64{0, 0})

	// 池子 tick 1000 向下对齐到 960
	state, err := p.State(Observation{
		ExternalPrice: tickmath.TickToPrice(1010),
		PoolPrice:     tickmath.TickToPrice(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{1010, 1000, 960, 4000}, state)

	// 负 tick 向 -inf 对齐
	state, err = p.State(Observation{ExternalPrice: 1, PoolPrice: tickmath.TickToPrice(-1)})
	require.NoError(t, err)
	assert.Equal(t, -60.0, state[2])
}

func TestStateRejectsBadObservation(t *testing.T) {
	p, ctrl, _ := newTestPolicy(t, []float64{0, 0})

	bad := []Observation{
		{ExternalPrice: 0, PoolPrice: 1},
		{ExternalPrice: 1, PoolPrice: -1},
		{ExternalPrice: math.NaN(), PoolPrice: 1},
		{ExternalPrice: 1, PoolPrice: math.Inf(1)},
		{ExternalPrice: 1, PoolPrice: 1, TickLower: 600, TickUpper: 600, HasPosition: true},
		{ExternalPrice: 1, PoolPrice: 1, TickLower: 600, TickUpper: -600, HasPosition: true},
		// tick 超出协议范围
		{ExternalPrice: 1e300, PoolPrice: 1},
		{ExternalPrice: 1, PoolPrice: 1e-300},
		{ExternalPrice: 1, PoolPrice: 1, TickLower: tickmath.MinTick - 60, TickUpper: 0, HasPosition: true},
		{ExternalPrice: 1, PoolPrice: 1, TickLower: 0, TickUpper: tickmath.MaxTick + 1, HasPosition: true},
	}
	for _, obs := range bad {
		_, err := p.Decide(obs)
		assert.ErrorIs(t, err, ErrInvalidObservation, "%+v", obs)
	}
	assert.Zero(t, ctrl.calls)
}

func TestDecideTickConversion(t *testing.T) {
	tests := []struct {
		name        string
		lower       int
		upper       int
		action      []float64
		wantTarget  Range
		wantChanged bool
		wantChange  int
	}{
		{"zero action holds", -600, 600, []float64{0, 0}, Range{-600, 600}, false, 0},
		{"shift up", -600, 600, []float64{90, 0}, Range{-540, 660}, true, 60},
		{"shift down truncates toward -inf", -600, 600, []float64{-30, 0}, Range{-660, 540}, true, 60},
		{"widen", -600, 600, []float64{0, 240}, Range{-720, 720}, true, 120},
		{"shrink", -600, 600, []float64{0, -480}, Range{-360, 360}, true, 240},
		{"width floor at two spacings", 0, 120, []float64{0, -1000}, Range{0, 120}, false, 0},
		{"unaligned current range is realigned", -590, 610, []float64{0, 0}, Range{-600, 600}, true, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := newTestPolicy(t, tt.action)
			dec, err := p.Decide(position(tt.lower, tt.upper))
			require.NoError(t, err)

			assert.Equal(t, tt.wantTarget, dec.Target)
			assert.Equal(t, tt.wantChanged, dec.Changed)
			assert.Equal(t, tt.wantChange, dec.TickChange)
			assert.Equal(t, Range{tt.lower, tt.upper}, dec.Current)
			assert.Equal(t, tt.action, dec.Action)
			assert.Zero(t, dec.Target.Lower%60)
			assert.Zero(t, dec.Target.Upper%60)
			assert.Less(t, dec.Target.Lower, dec.Target.Upper)
		})
	}
}

func TestDecideClampsToUsableTicks(t *testing.T) {
	maxTick := tickmath.MaxUsableTick(60)
	minTick := tickmath.MinUsableTick(60)
	require.Equal(t, 887220, maxTick)

	p, _, _ := newTestPolicy(t, []float64{600, 0})
	dec, err := p.Decide(position(maxTick-60, maxTick))
	require.NoError(t, err)
	assert.Equal(t, Range{maxTick - 60, maxTick}, dec.Target)
	assert.False(t, dec.Changed)

	p, _, _ = newTestPolicy(t, []float64{-600, 1200})
	dec, err = p.Decide(position(minTick, minTick+60))
	require.NoError(t, err)
	assert.Equal(t, minTick, dec.Target.Lower)
	assert.LessOrEqual(t, dec.Target.Upper, tickmath.MaxTick)
	assert.GreaterOrEqual(t, dec.Target.Lower, tickmath.MinTick)
	assert.Zero(t, dec.Target.Upper%60)
	assert.Less(t, dec.Target.Lower, dec.Target.Upper)
}

func TestDecideWithoutPosition(t *testing.T) {
	p, _, rec := newTestPolicy(t, []float64{0, 0})

	dec, err := p.Decide(Observation{
		ExternalPrice: tickmath.TickToPrice(1000),
		PoolPrice:     tickmath.TickToPrice(1000),
	})
	require.NoError(t, err)
	// 中心 960，宽度 4000 → [-1040, 2960] 对齐后 [-1080, 2940]
	assert.Equal(t, Range{-1080, 2940}, dec.Target)
	assert.True(t, dec.Changed)
	assert.False(t, dec.HasPosition)
	assert.Equal(t, Range{}, dec.Current)
	assert.Equal(t, []string{"rebalance"}, rec.outcomes)

	lo, hi := dec.Target.PriceBounds()
	assert.InDelta(t, 0.8976, lo, 1e-3)
	assert.InDelta(t, 1.3418, hi, 1e-3)
}

func TestDecideForwardError(t *testing.T) {
	p, ctrl, rec := newTestPolicy(t, nil)
	ctrl.err = fmt.Errorf("%w: normaliser is 0", mppi.ErrDegenerateWeights)

	_, err := p.Decide(position(-600, 600))
	require.Error(t, err)
	assert.ErrorIs(t, err, mppi.ErrDegenerateWeights)
	assert.Equal(t, []string{"degenerate_weights"}, rec.errKinds)
	assert.Zero(t, rec.forwards)
	assert.Empty(t, rec.outcomes)
}

func TestDecideRejectsShortAction(t *testing.T) {
	p, _, _ := newTestPolicy(t, []float64{1})
	_, err := p.Decide(position(-600, 600))
	assert.Error(t, err)
}

func TestDecideLogsDecision(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p, err := New(DefaultConfig(), &stubController{action: []float64{90, 0}}, zap.New(core), nil)
	require.NoError(t, err)

	_, err = p.Decide(position(-600, 600))
	require.NoError(t, err)

	entries := logs.FilterMessage("decision_event").All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "rebalance", ctx["event"])
	assert.EqualValues(t, -540, ctx["target_lower"])
	assert.EqualValues(t, 660, ctx["target_upper"])
	assert.EqualValues(t, -600, ctx["current_lower"])
}

// 用真实控制器跑一遍，检查输出区间的不变量
func TestDecideWithMPPIController(t *testing.T) {
	cfg := config.Default()
	cfg.Controller.NumSamples = 300
	cfg.Controller.NumSamplesExpect = 4
	ctrl, err := mppi.New(cfg.ToMPPI(), cfg.Models())
	require.NoError(t, err)

	p, err := New(Config{TickSpacing: 60, DefaultWidthTicks: 4000}, ctrl, nil, nil)
	require.NoError(t, err)

	observations := []Observation{
		{ExternalPrice: tickmath.TickToPrice(1000), PoolPrice: tickmath.TickToPrice(1000), TickLower: -1020, TickUpper: 3000, HasPosition: true},
		{ExternalPrice: tickmath.TickToPrice(1500), PoolPrice: tickmath.TickToPrice(1200), TickLower: 780, TickUpper: 1200, HasPosition: true},
		{ExternalPrice: 2500, PoolPrice: 2480},
	}
	for _, obs := range observations {
		dec, err := p.Decide(obs)
		require.NoError(t, err)
		assert.Less(t, dec.Target.Lower, dec.Target.Upper)
		assert.Zero(t, dec.Target.Lower%60)
		assert.Zero(t, dec.Target.Upper%60)
		assert.GreaterOrEqual(t, dec.Target.Lower, tickmath.MinTick)
		assert.LessOrEqual(t, dec.Target.Upper, tickmath.MaxTick)
		assert.GreaterOrEqual(t, dec.Target.Width(), 120)
		require.Len(t, dec.Plan, 1)
	}
}

type stubSource struct {
	obs Observation
	err error
}

func (s stubSource) Observe(context.Context) (Observation, error) { return s.obs, s.err }

type stubExecutor struct {
	report ExecutionReport
	err    error
	calls  []Range
}

func (s *stubExecutor) Rebalance(_ context.Context, lower, upper int) (ExecutionReport, error) {
	s.calls = append(s.calls, Range{lower, upper})
	return s.report, s.err
}

func TestRunCycleHoldSkipsExecutor(t *testing.T) {
	p, _, rec := newTestPolicy(t, []float64{0, 0})
	exec := &stubExecutor{report: ExecutionReport{Success: true}}

	res, err := p.RunCycle(context.Background(), stubSource{obs: position(-600, 600)}, exec)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.False(t, res.Decision.Changed)
	assert.Empty(t, exec.calls)
	assert.Empty(t, rec.executions)
}

func TestRunCycleExecutesTarget(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	rec := &fakeRecorder{}
	p, err := New(DefaultConfig(), &stubController{action: []float64{90, 0}}, zap.New(core), rec)
	require.NoError(t, err)
	exec := &stubExecutor{report: ExecutionReport{Success: true, Reference: "0xabc"}}

	res, err := p.RunCycle(context.Background(), stubSource{obs: position(-600, 600)}, exec)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.Equal(t, "0xabc", res.Report.Reference)
	assert.Equal(t, []Range{{-540, 660}}, exec.calls)
	assert.Equal(t, []bool{true}, rec.executions)
	assert.Equal(t, 1, logs.FilterMessage("rebalance_event").Len())
}

func TestRunCycleErrors(t *testing.T) {
	srcErr := errors.New("rpc down")
	execErr := errors.New("tx reverted")

	t.Run("nil source", func(t *testing.T) {
		p, _, _ := newTestPolicy(t, []float64{90, 0})
		_, err := p.RunCycle(context.Background(), nil, &stubExecutor{})
		assert.ErrorIs(t, err, ErrInvalidObservation)
	})

	t.Run("source error", func(t *testing.T) {
		p, ctrl, _ := newTestPolicy(t, []float64{90, 0})
		_, err := p.RunCycle(context.Background(), stubSource{err: srcErr}, &stubExecutor{})
		assert.ErrorIs(t, err, srcErr)
		assert.Zero(t, ctrl.calls)
	})

	t.Run("no executor", func(t *testing.T) {
		p, _, _ := newTestPolicy(t, []float64{90, 0})
		res, err := p.RunCycle(context.Background(), stubSource{obs: position(-600, 600)}, nil)
		assert.ErrorIs(t, err, ErrNoExecutor)
		assert.True(t, res.Decision.Changed)
		assert.False(t, res.Executed)
	})

	t.Run("canceled context", func(t *testing.T) {
		p, _, _ := newTestPolicy(t, []float64{90, 0})
		exec := &stubExecutor{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.RunCycle(ctx, stubSource{obs: position(-600, 600)}, exec)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, exec.calls)
	})

	t.Run("executor error", func(t *testing.T) {
		p, _, rec := newTestPolicy(t, []float64{90, 0})
		exec := &stubExecutor{err: execErr}
		res, err := p.RunCycle(context.Background(), stubSource{obs: position(-600, 600)}, exec)
		assert.ErrorIs(t, err, ErrExecutionFailed)
		assert.ErrorIs(t, err, execErr)
		assert.True(t, res.Executed)
		assert.Equal(t, []bool{false}, rec.executions)
	})

	t.Run("executor reports failure", func(t *testing.T) {
		p, _, rec := newTestPolicy(t, []float64{90, 0})
		exec := &stubExecutor{report: ExecutionReport{Success: false, Detail: "slippage"}}
		_, err := p.RunCycle(context.Background(), stubSource{obs: position(-600, 600)}, exec)
		assert.ErrorIs(t, err, ErrExecutionFailed)
		assert.Contains(t, err.Error(), "slippage")
		assert.Equal(t, []bool{false}, rec.executions)
		assert.Len(t, exec.calls, 1)
	})
}
