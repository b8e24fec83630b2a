package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mirovik/dogebot/internal/domain"
	"github.com/mirovik/dogebot/internal/exchange"
	"github.com/mirovik/dogebot/internal/ledger"
	"github.com/mirovik/dogebot/internal/trailing"
	"github.com/mirovik/dogebot/pkg/throttle"
)

// fakeGateway 按脚本响应的交易所网关
type fakeGateway struct {
	balance    float64
	balanceErr error
	ticker     []float64 // 依次返回，耗尽后重复最后一个
	tickerIdx  int

	orders    []fakeOrder
	orderErrs []error // 前 n 次下单按脚本返回错误
}

type fakeOrder struct {
	pair     string
	quantity float64
	price    float64
	side     exchange.OrderSide
}

func (g *fakeGateway) CreateOrder(_ context.Context, pair string, quantity, price float64, side exchange.OrderSide) (*exchange.OrderResult, error) {
	if len(g.orderErrs) > 0 {
		err := g.orderErrs[0]
		g.orderErrs = g.orderErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	g.orders = append(g.orders, fakeOrder{pair, quantity, price, side})
	return &exchange.OrderResult{OrderID: "1"}, nil
}

func (g *fakeGateway) CancelOrder(context.Context, string) error { return nil }

func (g *fakeGateway) GetBalance(context.Context, string) (float64, error) {
	return g.balance, g.balanceErr
}

func (g *fakeGateway) GetTrades(context.Context, string, int) ([]domain.Trade, error) {
	return nil, nil
}

func (g *fakeGateway) GetTicker(context.Context, string) (float64, error) {
	if len(g.ticker) == 0 {
		return 0, exchange.Transient(context.DeadlineExceeded, "no ticker scripted")
	}
	p := g.ticker[g.tickerIdx]
	if g.tickerIdx < len(g.ticker)-1 {
		g.tickerIdx++
	}
	return p, nil
}

// queueSource 预置信号队列，取空后返回 nil
type queueSource struct {
	signals []*domain.Signal
}

func (s *queueSource) Next(context.Context) (*domain.Signal, error) {
	if len(s.signals) == 0 {
		return nil, nil
	}
	sig := s.signals[0]
	s.signals = s.signals[1:]
	return sig, nil
}

func buySignal(quantity, price float64) *domain.Signal {
	sig := domain.NewSignal(domain.SignalActionBuy, quantity, price, 1, "test")
	return &sig
}

func badSignal() *domain.Signal {
	sig := domain.NewSignal(domain.SignalActionBuy, -1, 0.2, 1, "test")
	return &sig
}

func newTestEngine(t *testing.T, gw *fakeGateway, src SignalSource) *Engine {
	t.Helper()
	dir := t.TempDir()

	lg := ledger.New(ledger.Options{
		SnapshotPath:     filepath.Join(dir, "positions.json"),
		DiscrepancyFloor: 0.01,
	})
	tr, err := trailing.NewManager(trailing.Config{
		ActivationProfit:   0.012,
		TrailingPercent:    0.005,
		PartialSellPercent: 0.70,
		MinOrderSize:       5.0,
		DoubleCheckDelay:   time.Millisecond,
	}, filepath.Join(dir, "trailing.json"))
	if err != nil {
		t.Fatalf("trailing.NewManager error: %v", err)
	}

	// 宽松限流，测试里只统计不阻塞
	th := throttle.New(throttle.Config{
		PerSecond: 10000, PerMinute: 10000, PerHour: 10000, TradingPerMinute: 10000,
	})

	e := New(Options{
		Pair:                   "DOGE_USD",
		Currency:               "DOGE",
		CycleInterval:          time.Millisecond,
		MaxConsecutiveFailures: 3,
		RetryAttempts:          2,
		ReconcileEveryCycles:   0,
	}, th, gw, lg, tr, src, nil)
	e.sleep = func(time.Duration) {}
	return e
}

func TestBuySignalPlacesOrderAndArmsTrailing(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(t, gw, &queueSource{signals: []*domain.Signal{buySignal(1000, 0.2)}})

	if err := e.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle error: %v", err)
	}

	if len(gw.orders) != 1 {
		t.Fatalf("orders got=%d want=1", len(gw.orders))
	}
	o := gw.orders[0]
	if o.side != exchange.OrderSideBuy || o.quantity != 1000 || o.price != 0.2 {
		t.Fatalf("unexpected order %+v", o)
	}
	pos := e.ledger.Position("DOGE")
	if pos == nil || pos.Quantity != 1000 {
		t.Fatalf("ledger position %+v", pos)
	}
	if !e.trailing.Active("DOGE") {
		t.Fatal("trailing must be armed after buy")
	}
	// 下单走了限流器
	if got := e.throttle.Stats().TotalRequests; got != 1 {
		t.Fatalf("throttle requests got=%d want=1", got)
	}
}

// 非法信号在限流和网关之前被拒绝
func TestInvalidSignalRejectedBeforeGateway(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(t, gw, &queueSource{signals: []*domain.Signal{badSignal()}})

	if err := e.runCycle(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
	if len(gw.orders) != 0 {
		t.Fatalf("gateway must not be touched, got %d orders", len(gw.orders))
	}
	if got := e.throttle.Stats().TotalRequests; got != 0 {
		t.Fatalf("throttle must not be touched, got %d requests", got)
	}
}

func TestTransientErrorRetried(t *testing.T) {
	gw := &fakeGateway{
		orderErrs: []error{
			exchange.Transient(context.DeadlineExceeded, "timeout"),
			exchange.Transient(context.DeadlineExceeded, "timeout"),
			nil,
		},
	}
	e := newTestEngine(t, gw, &queueSource{signals: []*domain.Signal{buySignal(1000, 0.2)}})

	if err := e.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle error after retries: %v", err)
	}
	if len(gw.orders) != 1 {
		t.Fatalf("orders got=%d want=1", len(gw.orders))
	}
	// 每次尝试都各自经过限流
	if got := e.throttle.Stats().TotalRequests; got != 3 {
		t.Fatalf("throttle requests got=%d want=3", got)
	}
}

func TestRejectionNotRetried(t *testing.T) {
	gw := &fakeGateway{
		orderErrs: []error{
			&exchange.RejectionError{Message: "insufficient funds"},
			nil,
		},
	}
	e := newTestEngine(t, gw, &queueSource{signals: []*domain.Signal{buySignal(1000, 0.2)}})

	if err := e.runCycle(context.Background()); err == nil {
		t.Fatal("expected rejection to surface")
	}
	if len(gw.orders) != 0 {
		t.Fatalf("rejection must not be retried, got %d orders", len(gw.orders))
	}
	if got := e.throttle.Stats().TotalRequests; got != 1 {
		t.Fatalf("throttle requests got=%d want=1 (no retry)", got)
	}
}

// 严重不一致：对应币种冻结，后续信号被跳过，但不算循环失败
func TestConsistencyFaultHaltsCurrency(t *testing.T) {
	gw := &fakeGateway{balance: 50}
	e := newTestEngine(t, gw, &queueSource{signals: []*domain.Signal{buySignal(1000, 0.2)}})
	e.opts.ReconcileEveryCycles = 1

	// 先建一个账本持仓 80，再让对账看到余额 50
	if err := e.ledger.AppendTrade("DOGE", domain.Trade{
		Date: time.Now(), Timestamp: time.Now().Unix(),
		Type: domain.TradeTypeBuy, Quantity: 80, Price: 0.2, Amount: 16,
	}); err != nil {
		t.Fatalf("AppendTrade error: %v", err)
	}

	if err := e.runCycle(context.Background()); err != nil {
		t.Fatalf("halt must not fail the cycle: %v", err)
	}
	if !e.isHalted("DOGE") {
		t.Fatal("DOGE must be halted after consistency fault")
	}
	if len(gw.orders) != 0 {
		t.Fatalf("halted currency must not trade, got %d orders", len(gw.orders))
	}
	if pos := e.ledger.Position("DOGE"); pos.Quantity != 80 {
		t.Fatalf("ledger must be untouched, got %v", pos.Quantity)
	}

	e.ClearHalt("DOGE")
	if e.isHalted("DOGE") {
		t.Fatal("ClearHalt must unfreeze the currency")
	}
}

// 离场监控：涨到目标位时通过引擎下达部分止盈卖单
func TestTrailingPartialSellThroughEngine(t *testing.T) {
	gw := &fakeGateway{ticker: []float64{0.2030}}
	e := newTestEngine(t, gw, &queueSource{})

	if err := e.trailing.Arm("DOGE", 0.2000, 1000); err != nil {
		t.Fatalf("Arm error: %v", err)
	}
	if err := e.runCycle(context.Background()); err != nil {
		t.Fatalf("runCycle error: %v", err)
	}

	if len(gw.orders) != 1 {
		t.Fatalf("orders got=%d want=1", len(gw.orders))
	}
	o := gw.orders[0]
	if o.side != exchange.OrderSideSell || o.quantity != 700 {
		t.Fatalf("unexpected order %+v", o)
	}
	// aggressive 档让价 0.1%
	want := 0.2030 * (1 - 0.001)
	if diff := o.price - want; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("limit price got=%v want=%v", o.price, want)
	}
}

// 连续失败达到上限后 Run 退出并报错
func TestConsecutiveFailuresStopEngine(t *testing.T) {
	gw := &fakeGateway{}
	// 每轮都产出一个非法信号
	src := &queueSource{}
	for i := 0; i < 10; i++ {
		src.signals = append(src.signals, badSignal())
	}
	e := newTestEngine(t, gw, src)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.Run(ctx)
	if err == nil {
		t.Fatal("expected engine to stop on failure streak")
	}
	if e.failures < e.opts.MaxConsecutiveFailures {
		t.Fatalf("failures got=%d want>=%d", e.failures, e.opts.MaxConsecutiveFailures)
	}
}

// 成功一轮重置失败计数
func TestFailureStreakResetsOnSuccess(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(t, gw, &queueSource{signals: []*domain.Signal{
		badSignal(),
		buySignal(1000, 0.2),
	}})

	if err := e.runCycle(context.Background()); err == nil {
		t.Fatal("first cycle should fail")
	}
	e.failures++ // Run 里由循环维护

	if err := e.runCycle(context.Background()); err != nil {
		t.Fatalf("second cycle error: %v", err)
	}
}
