package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"mppi-rebalancer/infrastructure/logger"
	"mppi-rebalancer/model"
	"mppi-rebalancer/mppi"
	"mppi-rebalancer/tickmath"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string           `yaml:"env"`
	Controller ControllerConfig `yaml:"controller"`
	Pool       PoolConfig       `yaml:"pool"`
	Model      ModelConfig      `yaml:"model"`
	Log        logger.Config    `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ControllerConfig MPPI 控制器参数。
type ControllerConfig struct {
	Horizon          int       `yaml:"horizon"`
	NumSamples       int       `yaml:"numSamples"`
	NumSamplesExpect int       `yaml:"numSamplesExpect"` // 内层期望样本数
	DimState         int       `yaml:"dimState"`
	DimControl       int       `yaml:"dimControl"`
	UMin             []float64 `yaml:"uMin"`
	UMax             []float64 `yaml:"uMax"`
	Sigmas           []float64 `yaml:"sigmas"`
	Lambda           float64   `yaml:"lambda"`
	Propose          bool      `yaml:"propose"` // true 时用跳跃扩散随机因子，否则用常数因子
	Seed             uint64    `yaml:"seed"`
	Workers          int       `yaml:"workers"`  // 0 表示 GOMAXPROCS
	Deadband         []float64 `yaml:"deadband"` // [center, width]，即时动作绝对值低于阈值则置零
}

// PoolConfig 池子的 tick 参数。
type PoolConfig struct {
	TickSpacing       int `yaml:"tickSpacing"`
	DefaultWidthTicks int `yaml:"defaultWidthTicks"` // 无仓位时的初始区间宽度
}

// ModelConfig 市场、动力学与成本模型系数。
type ModelConfig struct {
	JumpDiffusion model.JumpDiffusion `yaml:"jumpDiffusion"`
	Dynamics      model.TickDynamics  `yaml:"dynamics"`
	Cost          model.RangeCost     `yaml:"cost"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listenAddr"` // 为空则不暴露
}

// Default returns the reference configuration.
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Controller: ControllerConfig{
			Horizon:          1,
			NumSamples:       10000,
			NumSamplesExpect: 20,
			DimState:         model.DimState,
			DimControl:       model.DimControl,
			UMin:             []float64{-600, -1200},
			UMax:             []float64{600, 1200},
			Sigmas:           []float64{120, 240},
			Lambda:           1.0,
			Propose:          true,
			Seed:             42,
			Deadband:         []float64{60, 120},
		},
		Pool: PoolConfig{
			TickSpacing:       60,
			DefaultWidthTicks: 4000,
		},
		Model: ModelConfig{
			JumpDiffusion: model.DefaultJumpDiffusion(),
			Dynamics:      model.DefaultTickDynamics(),
			Cost:          model.DefaultRangeCost(),
		},
		Log: logger.DefaultConfig(),
	}
}

// Load reads YAML config from path on top of Default and applies validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(raw, &cfg); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse 在 cfg 已有值之上解码 YAML；文件中未出现的字段保持原值。
func Parse(raw []byte, cfg *AppConfig) error {
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// LoadWithEnvOverrides loads config then overrides runtime knobs from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

// ApplyEnv 读取 MPPI_* 环境变量覆盖配置。
func ApplyEnv(cfg *AppConfig) error {
	if v := os.Getenv("MPPI_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MPPI_SEED: %w", err)
		}
		cfg.Controller.Seed = seed
	}
	if v := os.Getenv("MPPI_NUM_SAMPLES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MPPI_NUM_SAMPLES: %w", err)
		}
		cfg.Controller.NumSamples = n
	}
	if v := os.Getenv("MPPI_PROPOSE"); v != "" {
		p, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MPPI_PROPOSE: %w", err)
		}
		cfg.Controller.Propose = p
	}
	if v := os.Getenv("MPPI_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

// Validate ensures required fields are present and consistent.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Controller.DimState != model.DimState || cfg.Controller.DimControl != model.DimControl {
		return fmt.Errorf("controller dims must be state=%d control=%d, got %d/%d",
			model.DimState, model.DimControl, cfg.Controller.DimState, cfg.Controller.DimControl)
	}
	// mppi 允许 nil 死区（不过滤），应用层要求显式给出
	if len(cfg.Controller.Deadband) != cfg.Controller.DimControl {
		return fmt.Errorf("controller.deadband must have %d entries, got %d", cfg.Controller.DimControl, len(cfg.Controller.Deadband))
	}
	if err := cfg.ToMPPI().Validate(); err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	if cfg.Pool.TickSpacing <= 0 {
		return fmt.Errorf("pool.tickSpacing must be > 0, got %d", cfg.Pool.TickSpacing)
	}
	if cfg.Pool.TickSpacing > tickmath.MaxTick {
		return fmt.Errorf("pool.tickSpacing %d exceeds max tick", cfg.Pool.TickSpacing)
	}
	if cfg.Pool.DefaultWidthTicks < 2*cfg.Pool.TickSpacing {
		return fmt.Errorf("pool.defaultWidthTicks must be >= 2*tickSpacing (%d), got %d",
			2*cfg.Pool.TickSpacing, cfg.Pool.DefaultWidthTicks)
	}
	if err := cfg.Model.JumpDiffusion.Validate(); err != nil {
		return fmt.Errorf("model.jumpDiffusion: %w", err)
	}
	if cfg.Model.Dynamics.WidthFloor <= 0 {
		return fmt.Errorf("model.dynamics.widthFloor must be > 0, got %v", cfg.Model.Dynamics.WidthFloor)
	}
	if cfg.Model.Dynamics.BaseGain < 0 || cfg.Model.Dynamics.BaseGain+cfg.Model.Dynamics.ExtraGain > 1 {
		return fmt.Errorf("model.dynamics gains must satisfy 0 <= baseGain and baseGain+extraGain <= 1")
	}
	if err := cfg.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// ToMPPI 转换为控制器构造参数。
func (cfg AppConfig) ToMPPI() mppi.Config {
	c := cfg.Controller
	return mppi.Config{
		Horizon:          c.Horizon,
		NumSamples:       c.NumSamples,
		NumSamplesExpect: c.NumSamplesExpect,
		DimState:         c.DimState,
		DimControl:       c.DimControl,
		UMin:             c.UMin,
		UMax:             c.UMax,
		Sigmas:           c.Sigmas,
		Lambda:           c.Lambda,
		Propose:          c.Propose,
		Seed:             c.Seed,
		Deadband:         c.Deadband,
		Workers:          c.Workers,
	}
}

// Models 按配置组装控制器依赖的模型。
func (cfg AppConfig) Models() mppi.Models {
	return mppi.Models{
		Dynamics: cfg.Model.Dynamics,
		Random:   cfg.Model.JumpDiffusion,
		Constant: model.ConstantFactor{},
		Cost:     cfg.Model.Cost,
	}
}
