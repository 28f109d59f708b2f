package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"mppi-rebalancer/config"
	"mppi-rebalancer/infrastructure/logger"
	"mppi-rebalancer/metrics"
	"mppi-rebalancer/mppi"
	"mppi-rebalancer/rebalance"
)

// 根据命令行给出的价格与区间计算一次目标区间；不会调用执行器。
// -watch 时每次配置文件变更后用新配置重新计算，直到收到中断信号。
func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run 返回进程退出码；所有 defer（包括日志刷新）在退出前执行
func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("mppi_decide", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "path to YAML config (empty uses built-in defaults)")
	external := fs.Float64("external", 0, "external market price")
	pool := fs.Float64("pool", 0, "pool price")
	lower := fs.Int("lower", 0, "current position tickLower (omit -lower and -upper for no position)")
	upper := fs.Int("upper", 0, "current position tickUpper")
	watch := fs.Bool("watch", false, "recompute on every config file change")
	metricsAddr := fs.String("metrics", "", "Prometheus listen address, overrides metrics.listenAddr")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["lower"] != set["upper"] {
		fmt.Fprintln(os.Stderr, "-lower and -upper must be given together")
		return 2
	}
	if *watch && *cfgPath == "" {
		fmt.Fprintln(os.Stderr, "-watch requires -config")
		return 2
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if *metricsAddr != "" {
		cfg.Metrics.ListenAddr = *metricsAddr
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := metrics.New(metrics.DefaultConfig())
	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr, rec.Registry()); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", cfg.Metrics.ListenAddr))
	}

	obs := rebalance.Observation{
		ExternalPrice: *external,
		PoolPrice:     *pool,
		TickLower:     *lower,
		TickUpper:     *upper,
		HasPosition:   set["lower"],
	}

	if err := decideOnce(cfg, obs, log.Logger, rec, stdout); err != nil {
		log.LogError(err, map[string]interface{}{"stage": "decide"})
		if !*watch {
			return 1
		}
	}
	if !*watch {
		return 0
	}

	w := config.Watcher{Path: *cfgPath, Logger: log.Logger}
	err = w.Start(ctx, func(next config.AppConfig) {
		if *metricsAddr != "" {
			next.Metrics.ListenAddr = *metricsAddr
		}
		if err := decideOnce(next, obs, log.Logger, rec, stdout); err != nil {
			log.LogError(err, map[string]interface{}{"stage": "decide"})
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.LogError(err, map[string]interface{}{"stage": "watch"})
		return 1
	}
	return 0
}

func loadConfig(path string) (config.AppConfig, error) {
	if path != "" {
		return config.LoadWithEnvOverrides(path)
	}
	cfg := config.Default()
	if err := config.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, config.Validate(cfg)
}

// decideOnce 每次都用配置新建控制器，热更新后的参数立即生效
func decideOnce(cfg config.AppConfig, obs rebalance.Observation, log *zap.Logger, rec *metrics.Recorder, out io.Writer) error {
	ctrl, err := mppi.New(cfg.ToMPPI(), cfg.Models())
	if err != nil {
		return err
	}
	policy, err := rebalance.New(rebalance.Config{
		TickSpacing:       cfg.Pool.TickSpacing,
		DefaultWidthTicks: cfg.Pool.DefaultWidthTicks,
	}, ctrl, log, rec)
	if err != nil {
		return err
	}

	dec, err := policy.Decide(obs)
	if err != nil {
		return err
	}
	lowPx, upPx := dec.Target.PriceBounds()
	fmt.Fprintf(out, "%s target=%s prices=[%.6f, %.6f] action=[%.1f, %.1f] ess=%.1f\n",
		dec.Outcome(), dec.Target, lowPx, upPx,
		dec.Action[0], dec.Action[1], ctrl.EffectiveSampleSize())
	return nil
}
