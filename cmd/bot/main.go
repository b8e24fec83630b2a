package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mirovik/dogebot/internal/engine"
	"github.com/mirovik/dogebot/internal/exchange"
	"github.com/mirovik/dogebot/internal/ledger"
	"github.com/mirovik/dogebot/internal/metrics"
	"github.com/mirovik/dogebot/internal/status"
	"github.com/mirovik/dogebot/internal/strategy"
	"github.com/mirovik/dogebot/internal/trailing"
	"github.com/mirovik/dogebot/pkg/config"
	"github.com/mirovik/dogebot/pkg/logger"
	"github.com/mirovik/dogebot/pkg/secretstore"
	"github.com/mirovik/dogebot/pkg/shutdown"
	"github.com/mirovik/dogebot/pkg/throttle"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	envPath := flag.String("env", ".env", ".env 文件路径（可选）")
	paper := flag.Bool("paper", false, "纸面交易：不连真实交易所")
	paperBalance := flag.Float64("paper-balance", 100, "纸面交易初始计价余额")
	flag.Parse()

	// .env 不存在时静默跳过
	_ = godotenv.Load(*envPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "加载配置失败:", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		OutputFile: cfg.Logging.OutputFile,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "初始化日志失败:", err)
		os.Exit(1)
	}

	logrus.Infof("dogebot 启动: pair=%s paper=%v", cfg.Pair, *paper)

	gateway, closeGateway, err := buildGateway(cfg, *paper, *paperBalance)
	if err != nil {
		logrus.Errorf("初始化交易所网关失败: %v", err)
		os.Exit(1)
	}
	defer closeGateway()

	th := throttle.New(throttle.Config{
		PerSecond:        cfg.Throttle.PerSecond,
		PerMinute:        cfg.Throttle.PerMinute,
		PerHour:          cfg.Throttle.PerHour,
		TradingPerMinute: cfg.Throttle.TradingPerMinute,
		MinInterval:      cfg.Throttle.MinInterval.Duration,
	})

	positionsPath := filepath.Join(cfg.DataDir, "positions.json")
	trailingPath := filepath.Join(cfg.DataDir, "trailing_stops.json")
	historyPath := filepath.Join(cfg.DataDir, "trades_history.json")
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logrus.Errorf("创建数据目录失败: %v", err)
		os.Exit(1)
	}

	lg := ledger.New(ledger.Options{
		SnapshotPath:     positionsPath,
		DiscrepancyFloor: cfg.Ledger.DiscrepancyFloor,
	})
	if err := lg.Load(); err != nil {
		logrus.Errorf("加载持仓快照失败: %v", err)
		os.Exit(1)
	}

	tr, err := trailing.NewManager(trailing.Config{
		ActivationProfit:   cfg.Trailing.ActivationProfit,
		TrailingPercent:    cfg.Trailing.TrailingPercent,
		PartialSellPercent: cfg.Trailing.PartialSellPercent,
		MinOrderSize:       cfg.Exchange.MinOrderSize,
		DoubleCheckDelay:   cfg.Trailing.DoubleCheckDelay.Duration,
	}, trailingPath)
	if err != nil {
		logrus.Errorf("加载离场状态失败: %v", err)
		os.Exit(1)
	}

	history := ledger.NewTradeHistory(historyPath, cfg.Pair)

	eng := engine.New(engine.Options{
		Pair:                   cfg.Pair,
		Currency:               cfg.Currency,
		CycleInterval:          cfg.Engine.CycleInterval.Duration,
		MaxConsecutiveFailures: cfg.Engine.MaxConsecutiveFailures,
		RetryAttempts:          cfg.Engine.RetryAttempts,
		ReconcileEveryCycles:   cfg.Engine.ReconcileEveryCycles,
	}, th, gateway, lg, tr, strategy.HoldSource{}, history)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sd := shutdown.NewManager()
	// 退出前把最终持仓状态落盘（正常路径下快照随每次变更写出，这里兜底）
	sd.OnShutdown(func(context.Context) {
		if err := lg.Persist(); err != nil {
			logrus.Warnf("final snapshot failed: %v", err)
		}
	})

	if cfg.Status.ListenAddr != "" {
		statusSrv := status.New(status.Options{
			Pair:          cfg.Pair,
			Throttle:      th,
			Halted:        eng.Halted,
			PositionsPath: positionsPath,
			TrailingPath:  trailingPath,
		})
		if _, err := statusSrv.StartAsync(ctx, cfg.Status.ListenAddr); err != nil {
			logrus.Errorf("启动状态服务失败: %v", err)
			os.Exit(1)
		}
	}
	if cfg.Status.DebugAddr != "" {
		if _, err := metrics.StartAsync(ctx, cfg.Status.DebugAddr); err != nil {
			logrus.Errorf("启动调试服务失败: %v", err)
			os.Exit(1)
		}
	}

	// 信号处理：第一次信号触发优雅退出
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logrus.Infof("收到信号 %s，开始退出", sig)
		cancel()
	}()

	err = eng.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	sd.Shutdown(shutdownCtx)

	if err != nil {
		logrus.Errorf("引擎退出: %v", err)
		os.Exit(1)
	}
	logrus.Info("dogebot 已退出")
}

// buildGateway 按运行模式构造交易所网关
func buildGateway(cfg *config.Config, paper bool, paperBalance float64) (exchange.Gateway, func(), error) {
	if paper {
		logrus.Warn("纸面交易模式：订单不会发往交易所")
		return exchange.NewPaperGateway(cfg.Pair, cfg.Currency, paperBalance), func() {}, nil
	}

	key, err := parseSecretKey(os.Getenv("DOGEBOT_SECRET_KEY"))
	if err != nil {
		return nil, nil, err
	}
	store, err := secretstore.Open(secretstore.OpenOptions{
		Path:          cfg.Exchange.SecretsPath,
		EncryptionKey: key,
		ReadOnly:      true,
	})
	if err != nil {
		return nil, nil, err
	}
	creds, err := store.GetCredentials()
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	client := exchange.NewExmoClient(exchange.ExmoOptions{
		BaseURL:   cfg.Exchange.BaseURL,
		Timeout:   cfg.Exchange.Timeout.Duration,
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
	})
	return client, func() { _ = store.Close() }, nil
}

// parseSecretKey 解析凭证库加密钥：空表示不加密，否则要求 32 字节（hex 或原文）
func parseSecretKey(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(v); err == nil && len(b) == 32 {
		return b, nil
	}
	if len(v) == 32 {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("DOGEBOT_SECRET_KEY 必须是 32 字节（hex 或原文）")
}
