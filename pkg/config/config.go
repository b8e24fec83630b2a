package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 机器人总配置
type Config struct {
	Pair     string `yaml:"pair"`     // 交易对，例如 DOGE_USD
	Currency string `yaml:"currency"` // 持仓币种，例如 DOGE
	DataDir  string `yaml:"data_dir"` // 快照/历史数据目录

	Exchange ExchangeConfig `yaml:"exchange"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Trailing TrailingConfig `yaml:"trailing"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Engine   EngineConfig   `yaml:"engine"`
	Status   StatusConfig   `yaml:"status"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ExchangeConfig 交易所网关配置
type ExchangeConfig struct {
	BaseURL       string        `yaml:"base_url"`       // EXMO API 基础地址
	Timeout       Duration      `yaml:"timeout"`        // 单次请求超时
	SecretsPath   string        `yaml:"secrets_path"`   // badger 凭证库目录
	MinOrderSize  float64       `yaml:"min_order_size"` // 交易所最小下单数量
}

// ThrottleConfig 请求限流配置
type ThrottleConfig struct {
	PerSecond        int           `yaml:"per_second"`
	PerMinute        int           `yaml:"per_minute"`
	PerHour          int           `yaml:"per_hour"`
	TradingPerMinute int           `yaml:"trading_per_minute"`
	MinInterval      Duration      `yaml:"min_interval"`
}

// TrailingConfig 移动止盈配置
type TrailingConfig struct {
	ActivationProfit   float64       `yaml:"activation_profit"`    // 启动部分止盈的利润率，例如 0.012
	TrailingPercent    float64       `yaml:"trailing_percent"`     // 距峰值回撤比例，例如 0.005
	PartialSellPercent float64       `yaml:"partial_sell_percent"` // 部分止盈卖出比例，例如 0.70
	DoubleCheckDelay   Duration      `yaml:"double_check_delay"`   // 全量止盈前复核价格的延迟
}

// LedgerConfig 持仓账本配置
type LedgerConfig struct {
	DiscrepancyFloor float64 `yaml:"discrepancy_floor"` // 对账容差下限（数量）
	MaxAgeDays       int     `yaml:"max_age_days"`      // 历史回放的最大天数
}

// EngineConfig 交易主循环配置
type EngineConfig struct {
	CycleInterval          Duration      `yaml:"cycle_interval"`           // 主循环轮询间隔
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"` // 连续失败上限，达到后停止进程
	RetryAttempts          int           `yaml:"retry_attempts"`           // 瞬时错误重试次数
	ReconcileEveryCycles   int           `yaml:"reconcile_every_cycles"`   // 每多少轮对账一次
}

// StatusConfig 状态服务配置
type StatusConfig struct {
	ListenAddr string `yaml:"listen_addr"` // gin 状态服务监听地址，空则不启动
	DebugAddr  string `yaml:"debug_addr"`  // expvar/pprof 调试地址，空则不启动
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Pair:     "DOGE_USD",
		Currency: "DOGE",
		DataDir:  "data",
		Exchange: ExchangeConfig{
			BaseURL:      "https://api.exmo.com/v1.1",
			Timeout:      Duration{10 * time.Second},
			SecretsPath:  "data/secrets",
			MinOrderSize: 5.0,
		},
		Throttle: ThrottleConfig{
			PerSecond:        5,
			PerMinute:        30,
			PerHour:          300,
			TradingPerMinute: 10,
			MinInterval:      Duration{100 * time.Millisecond},
		},
		Trailing: TrailingConfig{
			ActivationProfit:   0.012,
			TrailingPercent:    0.005,
			PartialSellPercent: 0.70,
			DoubleCheckDelay:   Duration{100 * time.Millisecond},
		},
		Ledger: LedgerConfig{
			DiscrepancyFloor: 0.01,
			MaxAgeDays:       365,
		},
		Engine: EngineConfig{
			CycleInterval:          Duration{5 * time.Second},
			MaxConsecutiveFailures: 5,
			RetryAttempts:          3,
			ReconcileEveryCycles:   20,
		},
		Status: StatusConfig{
			ListenAddr: "127.0.0.1:8780",
			DebugAddr:  "",
		},
		Logging: LoggingConfig{
			Level:      "info",
			OutputFile: "logs/dogebot.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// Load 从 YAML 文件加载配置，文件中未出现的字段保留默认值
func Load(path string) (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// 没有配置文件时使用默认配置
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置，包含跨组件检查
func (c *Config) Validate() error {
	if c.Pair == "" {
		return fmt.Errorf("config: pair is required")
	}
	if c.Currency == "" {
		return fmt.Errorf("config: currency is required")
	}
	if c.Throttle.PerMinute <= 0 || c.Throttle.PerHour <= 0 {
		return fmt.Errorf("config: throttle per_minute/per_hour must be positive")
	}
	if c.Throttle.TradingPerMinute > c.Throttle.PerMinute {
		return fmt.Errorf("config: trading_per_minute (%d) exceeds per_minute (%d)",
			c.Throttle.TradingPerMinute, c.Throttle.PerMinute)
	}
	if c.Trailing.ActivationProfit <= 0 {
		return fmt.Errorf("config: trailing activation_profit must be positive")
	}
	if c.Trailing.TrailingPercent <= 0 || c.Trailing.TrailingPercent >= 1 {
		return fmt.Errorf("config: trailing_percent must be in (0, 1)")
	}
	if c.Trailing.PartialSellPercent <= 0 || c.Trailing.PartialSellPercent >= 1 {
		return fmt.Errorf("config: partial_sell_percent must be in (0, 1)")
	}
	if c.Ledger.MaxAgeDays <= 0 {
		return fmt.Errorf("config: ledger max_age_days must be positive")
	}
	if c.Engine.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("config: max_consecutive_failures must be positive")
	}
	if c.Exchange.MinOrderSize < 0 {
		return fmt.Errorf("config: min_order_size must be >= 0")
	}
	return nil
}
