// Package metrics provides Prometheus metrics for the MPPI controller and the rebalance policy
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 决策结果标签
const (
	OutcomeHold      = "hold"
	OutcomeRebalance = "rebalance"
)

// Config 指标配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "mppi",
		Subsystem: "controller",
	}
}

// Recorder 控制器与策略的指标收集器
type Recorder struct {
	registry *prometheus.Registry

	// 控制器指标
	forwardLatency prometheus.Histogram
	forwardErrors  *prometheus.CounterVec
	ess            prometheus.Gauge
	actionCenter   prometheus.Gauge
	actionWidth    prometheus.Gauge

	// 策略指标
	decisions  *prometheus.CounterVec
	tickChange prometheus.Gauge
	targetLow  prometheus.Gauge
	targetUp   prometheus.Gauge

	// 执行器指标
	executions *prometheus.CounterVec
}

// New 创建使用独立 registry 的 Recorder
func New(cfg Config) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,

		forwardLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "forward_duration_seconds",
			Help:      "单次 Forward 耗时",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		forwardErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "forward_errors_total",
			Help:      "Forward 失败次数",
		}, []string{"kind"}),
		ess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "effective_sample_size",
			Help:      "最近一次权重的有效样本数",
		}),
		actionCenter: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "action_delta_center_ticks",
			Help:      "最近一次中心偏移动作（ticks）",
		}),
		actionWidth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "action_delta_width_ticks",
			Help:      "最近一次宽度变化动作（ticks）",
		}),

		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "决策次数，按结果分类",
		}, []string{"outcome"}),
		tickChange: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "policy",
			Name:      "tick_change",
			Help:      "目标区间相对当前区间的最大边界移动（ticks）",
		}),
		targetLow: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "policy",
			Name:      "target_tick_lower",
			Help:      "目标区间下界",
		}),
		targetUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "policy",
			Name:      "target_tick_upper",
			Help:      "目标区间上界",
		}),

		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "executor",
			Name:      "rebalances_total",
			Help:      "执行器调用次数，按结果分类",
		}, []string{"result"}),
	}
}

// ObserveForward 记录一次成功的 Forward
func (r *Recorder) ObserveForward(d time.Duration, ess float64, action []float64) {
	r.forwardLatency.Observe(d.Seconds())
	r.ess.Set(ess)
	if len(action) > 0 {
		r.actionCenter.Set(action[0])
	}
	if len(action) > 1 {
		r.actionWidth.Set(action[1])
	}
}

func (r *Recorder) IncForwardError(kind string) {
	r.forwardErrors.WithLabelValues(kind).Inc()
}

// ObserveDecision 记录一次策略决策
func (r *Recorder) ObserveDecision(outcome string, lower, upper, tickChange int) {
	r.decisions.WithLabelValues(outcome).Inc()
	r.targetLow.Set(float64(lower))
	r.targetUp.Set(float64(upper))
	r.tickChange.Set(float64(tickChange))
}

func (r *Recorder) IncExecution(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	r.executions.WithLabelValues(result).Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Serve 在 addr 上暴露 /metrics，直到 ctx 结束
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
