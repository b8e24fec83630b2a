package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mirovik/dogebot/internal/domain"
	"github.com/mirovik/dogebot/internal/exchange"
	"github.com/mirovik/dogebot/internal/ledger"
	"github.com/mirovik/dogebot/internal/metrics"
	"github.com/mirovik/dogebot/internal/trailing"
	"github.com/mirovik/dogebot/pkg/throttle"
)

var engineLog = logrus.WithField("module", "engine")

// retryBaseDelay 瞬时错误重试的基础延迟，第 n 次重试等 n 倍
const retryBaseDelay = 500 * time.Millisecond

// SignalSource 策略层的信号来源。Next 返回 nil 信号表示本轮无操作。
type SignalSource interface {
	Next(ctx context.Context) (*domain.Signal, error)
}

// Options 主循环参数
type Options struct {
	Pair                   string
	Currency               string
	CycleInterval          time.Duration
	MaxConsecutiveFailures int
	RetryAttempts          int
	ReconcileEveryCycles   int
}

// Engine 交易主循环：信号 → 限流 → 网关 → 账本/离场状态机。
//
// 账本与离场状态机只在这里被写，单写者约定见各自包注释。
// halted 集合会被状态服务并发读取，单独用锁保护。
type Engine struct {
	opts     Options
	throttle *throttle.RequestThrottle
	gateway  exchange.Gateway
	ledger   *ledger.Ledger
	trailing *trailing.Manager
	signals  SignalSource
	history  *ledger.TradeHistory

	haltedMu sync.RWMutex
	halted   map[string]bool

	cycle    int64
	failures int

	now   func() time.Time
	sleep func(time.Duration)
}

// New 组装主循环
func New(opts Options, th *throttle.RequestThrottle, gw exchange.Gateway,
	lg *ledger.Ledger, tr *trailing.Manager, signals SignalSource, history *ledger.TradeHistory) *Engine {
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	return &Engine{
		opts:     opts,
		throttle: th,
		gateway:  gw,
		ledger:   lg,
		trailing: tr,
		signals:  signals,
		history:  history,
		halted:   make(map[string]bool),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Run 驱动主循环直到 ctx 取消或连续失败达到上限。
// 达到失败上限是唯一的进程级致命路径。
func (e *Engine) Run(ctx context.Context) error {
	engineLog.Infof("engine started: pair=%s cycle=%s reconcile every %d cycles",
		e.opts.Pair, e.opts.CycleInterval, e.opts.ReconcileEveryCycles)

	ticker := time.NewTicker(e.opts.CycleInterval)
	defer ticker.Stop()

	for {
		if err := e.runCycle(ctx); err != nil {
			e.failures++
			metrics.CycleFailures.Add(1)
			engineLog.Errorf("cycle failed (%d/%d consecutive): %v",
				e.failures, e.opts.MaxConsecutiveFailures, err)
			if e.failures >= e.opts.MaxConsecutiveFailures {
				return errors.Errorf("engine: %d consecutive cycle failures, stopping", e.failures)
			}
		} else {
			e.failures = 0
		}

		select {
		case <-ctx.Done():
			engineLog.Info("engine stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// runCycle 单轮：对账（按周期）→ 离场监控 → 策略信号
func (e *Engine) runCycle(ctx context.Context) error {
	e.cycle++
	metrics.CyclesRun.Add(1)

	if e.opts.ReconcileEveryCycles > 0 && (e.cycle-1)%int64(e.opts.ReconcileEveryCycles) == 0 {
		if err := e.reconcile(ctx); err != nil {
			return err
		}
	}

	if err := e.monitorTrailing(ctx); err != nil {
		return err
	}

	return e.processSignal(ctx)
}

// reconcile 拉取交易所余额与账本对账。
// 严重不一致只冻结该币种，不算本轮失败。
func (e *Engine) reconcile(ctx context.Context) error {
	var balance float64
	err := e.withRetry(func() error {
		e.throttle.Acquire(throttle.CategoryGeneral)
		var err error
		balance, err = e.gateway.GetBalance(ctx, e.opts.Currency)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "reconcile: fetch balance")
	}

	if _, err := e.ledger.Reconcile(e.opts.Currency, balance); err != nil {
		var fault *ledger.ConsistencyFault
		if errors.As(err, &fault) {
			e.halt(e.opts.Currency)
			engineLog.Errorf("trading halted for %s: %v", e.opts.Currency, fault)
			return nil
		}
		return errors.Wrap(err, "reconcile")
	}
	return nil
}

// monitorTrailing 每轮用最新行情推进离场状态机，并执行它发出的卖出指令
func (e *Engine) monitorTrailing(ctx context.Context) error {
	if !e.trailing.Active(e.opts.Currency) || e.isHalted(e.opts.Currency) {
		return nil
	}

	var price float64
	err := e.withRetry(func() error {
		e.throttle.Acquire(throttle.CategoryMarketData)
		var err error
		price, err = e.gateway.GetTicker(ctx, e.opts.Pair)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "trailing: fetch ticker")
	}

	// 止损二次确认时再取一次价，同样走限流
	fresh := func() float64 {
		e.throttle.Acquire(throttle.CategoryMarketData)
		p, err := e.gateway.GetTicker(ctx, e.opts.Pair)
		if err != nil {
			engineLog.Warnf("trailing re-check ticker failed: %v", err)
			return 0
		}
		return p
	}

	decision, err := e.trailing.Update(e.opts.Currency, price, fresh)
	if err != nil {
		return errors.Wrap(err, "trailing: update")
	}
	if !decision.Sell {
		return nil
	}

	limit := e.trailing.AdaptiveSellPrice(price, decision.Kind)
	if err := e.placeOrder(ctx, exchange.OrderSideSell, decision.Quantity, limit); err != nil {
		return errors.Wrapf(err, "trailing: %s sell", decision.Kind)
	}

	if err := e.trailing.ConfirmSell(e.opts.Currency, decision.Quantity); err != nil {
		return errors.Wrap(err, "trailing: confirm sell")
	}
	return e.recordTrade(domain.TradeTypeSell, decision.Quantity, limit)
}

// processSignal 取一条策略信号并执行。
// 非法信号在任何限流/网络调用之前拒绝。
func (e *Engine) processSignal(ctx context.Context) error {
	sig, err := e.signals.Next(ctx)
	if err != nil {
		return errors.Wrap(err, "signal source")
	}
	if sig == nil || sig.Action == domain.SignalActionHold {
		return nil
	}
	if err := sig.Validate(); err != nil {
		metrics.OrdersRejected.Add(1)
		return errors.Wrapf(err, "invalid signal %s", sig.ID)
	}
	if e.isHalted(e.opts.Currency) {
		engineLog.Warnf("signal %s skipped: %s is halted", sig.ID, e.opts.Currency)
		return nil
	}

	side := exchange.OrderSideBuy
	tradeType := domain.TradeTypeBuy
	if sig.Action == domain.SignalActionSell {
		side = exchange.OrderSideSell
		tradeType = domain.TradeTypeSell
	}

	if err := e.placeOrder(ctx, side, sig.Quantity, sig.Price); err != nil {
		return errors.Wrapf(err, "signal %s", sig.ID)
	}
	if err := e.recordTrade(tradeType, sig.Quantity, sig.Price); err != nil {
		return err
	}

	if tradeType == domain.TradeTypeBuy {
		if err := e.trailing.Arm(e.opts.Currency, sig.Price, sig.Quantity); err != nil {
			return errors.Wrap(err, "arm trailing")
		}
	}
	return nil
}

// placeOrder 走交易子窗口限流下单。瞬时错误有限重试，交易所拒绝直接上报。
func (e *Engine) placeOrder(ctx context.Context, side exchange.OrderSide, quantity, price float64) error {
	err := e.withRetry(func() error {
		e.throttle.Acquire(throttle.CategoryTrading)
		_, err := e.gateway.CreateOrder(ctx, e.opts.Pair, quantity, price, side)
		return err
	})
	if err != nil {
		if exchange.IsRejection(err) {
			metrics.OrdersRejected.Add(1)
		}
		return err
	}
	metrics.OrdersPlaced.Add(1)
	engineLog.Infof("order placed: %s %.4f @ %.8f", side, quantity, price)
	return nil
}

// recordTrade 把已下达的订单计入账本和历史文件
func (e *Engine) recordTrade(tradeType domain.TradeType, quantity, price float64) error {
	now := e.now()
	trade := domain.Trade{
		Date:      now,
		Timestamp: now.Unix(),
		Type:      tradeType,
		Quantity:  quantity,
		Price:     price,
		Amount:    quantity * price,
	}
	if err := e.ledger.AppendTrade(e.opts.Currency, trade); err != nil {
		return errors.Wrap(err, "ledger append")
	}
	if e.history != nil {
		if err := e.history.Append(trade); err != nil {
			// 历史文件失败不阻塞交易
			engineLog.Warnf("trade history append failed: %v", err)
		}
	}
	return nil
}

// withRetry 执行 op，瞬时错误按递增延迟重试，其他错误立即返回
func (e *Engine) withRetry(op func() error) error {
	var err error
	for attempt := 0; attempt <= e.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * retryBaseDelay
			engineLog.Warnf("transient error, retry %d/%d in %s: %v",
				attempt, e.opts.RetryAttempts, delay, err)
			e.sleep(delay)
		}
		if err = op(); err == nil || !exchange.IsTransient(err) {
			return err
		}
	}
	return err
}

func (e *Engine) halt(currency string) {
	e.haltedMu.Lock()
	e.halted[currency] = true
	e.haltedMu.Unlock()
}

func (e *Engine) isHalted(currency string) bool {
	e.haltedMu.RLock()
	defer e.haltedMu.RUnlock()
	return e.halted[currency]
}

// ClearHalt 人工确认后解除币种的交易冻结
func (e *Engine) ClearHalt(currency string) {
	e.haltedMu.Lock()
	delete(e.halted, currency)
	e.haltedMu.Unlock()
	engineLog.Infof("halt cleared for %s", currency)
}

// Halted 当前被冻结的币种列表（状态服务读取用）
func (e *Engine) Halted() []string {
	e.haltedMu.RLock()
	defer e.haltedMu.RUnlock()
	out := make([]string, 0, len(e.halted))
	for c := range e.halted {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
