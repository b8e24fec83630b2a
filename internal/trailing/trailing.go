package trailing

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirovik/dogebot/pkg/persistence"
)

var trailingLog = logrus.WithField("module", "trailing")

// closeEpsilon 剩余数量低于该值视为仓位已清空
const closeEpsilon = 0.001

// Status 离场状态机的三个状态
type Status string

const (
	// StatusWaiting 等待利润达到激活阈值
	StatusWaiting Status = "waiting"
	// StatusTrailing 已激活，跟踪价格峰值
	StatusTrailing Status = "trailing"
	// StatusClosed 终态：全部离场指令已发出
	StatusClosed Status = "closed"
)

// SellKind 卖出指令的执行档位，决定限价相对现价的折扣
type SellKind string

const (
	// SellAggressive 部分止盈：适度折扣换取快速成交
	SellAggressive SellKind = "aggressive"
	// SellMarket 移动止损触发：最大折扣尽快离场
	SellMarket SellKind = "market"
	// SellNormal 普通卖出
	SellNormal SellKind = "normal"
)

// State 单个币种的离场状态。字段随每次 Update 持久化，
// 进程重启后恢复峰值与 partial_sell_done 标志。
type State struct {
	EntryPrice        float64   `json:"entry_price"`
	TotalQuantity     float64   `json:"total_quantity"`
	RemainingQuantity float64   `json:"remaining_quantity"`
	Status            Status    `json:"status"`
	PeakPrice         float64   `json:"peak_price"`
	CurrentPrice      float64   `json:"current_price"`
	PartialSellDone   bool      `json:"partial_sell_done"`
	CreatedAt         time.Time `json:"created_at"`
	LastUpdate        time.Time `json:"last_update"`
}

// StopPrice 当前的移动止损价（峰值回撤线）
func (s *State) StopPrice(trailingPercent float64) float64 {
	return s.PeakPrice * (1 - trailingPercent)
}

// Decision Update 的结果。Sell=false 时表示本轮无动作，Reason 说明原因。
type Decision struct {
	Sell     bool
	Quantity float64
	Kind     SellKind
	Reason   string
}

// Config 移动止损参数
type Config struct {
	ActivationProfit   float64       // 激活阈值（相对入场价的利润率）
	TrailingPercent    float64       // 峰值回撤比例
	PartialSellPercent float64       // 部分止盈卖出的仓位比例
	MinOrderSize       float64       // 交易所最小下单量
	DoubleCheckDelay   time.Duration // 止损触发后二次确认前的等待
}

// DefaultConfig 默认参数：+1.2% 激活，0.5% 回撤，先卖 70%
func DefaultConfig() Config {
	return Config{
		ActivationProfit:   0.012,
		TrailingPercent:    0.005,
		PartialSellPercent: 0.70,
		MinOrderSize:       5.0,
		DoubleCheckDelay:   100 * time.Millisecond,
	}
}

// Manager 各币种移动止损状态机的集合。
//
// 单写者：只有交易主循环调用 Arm/Update/ConfirmSell。
// 外部读取方消费持久化的快照文件。
type Manager struct {
	cfg       Config
	positions map[string]*State
	store     *persistence.SnapshotStore

	now   func() time.Time
	sleep func(time.Duration)
}

// NewManager 创建管理器并从快照恢复状态
func NewManager(cfg Config, snapshotPath string) (*Manager, error) {
	m := &Manager{
		cfg:       cfg,
		positions: make(map[string]*State),
		store:     persistence.NewSnapshotStore(snapshotPath),
		now:       time.Now,
		sleep:     time.Sleep,
	}

	var saved map[string]*State
	if err := m.store.Load(&saved); err != nil {
		if err != persistence.ErrNotExists {
			return nil, err
		}
		trailingLog.Info("no trailing snapshot found, starting empty")
		return m, nil
	}
	if saved != nil {
		m.positions = saved
	}
	trailingLog.Infof("loaded %d trailing positions from snapshot", len(m.positions))
	return m, nil
}

// Arm 为新确认的买入建立离场状态机。已有状态时不覆盖。
func (m *Manager) Arm(currency string, entryPrice, totalQuantity float64) error {
	if _, ok := m.positions[currency]; ok {
		return nil
	}
	now := m.now()
	m.positions[currency] = &State{
		EntryPrice:        entryPrice,
		TotalQuantity:     totalQuantity,
		RemainingQuantity: totalQuantity,
		Status:            StatusWaiting,
		PeakPrice:         entryPrice,
		CurrentPrice:      entryPrice,
		CreatedAt:         now,
		LastUpdate:        now,
	}
	trailingLog.Infof("armed %s: entry=%.8f quantity=%.4f", currency, entryPrice, totalQuantity)
	return m.persist()
}

// Active 是否存在未关闭的离场状态
func (m *Manager) Active(currency string) bool {
	_, ok := m.positions[currency]
	return ok
}

// States 当前全部状态的副本（状态服务读取用）
func (m *Manager) States() map[string]State {
	out := make(map[string]State, len(m.positions))
	for c, s := range m.positions {
		out[c] = *s
	}
	return out
}

// Update 用最新价格推进状态机。
//
// waiting 阶段：利润达到激活阈值时发出部分止盈卖出（aggressive 档）。
// 计算出的卖出量低于最小下单量时跳过卖出，直接进入 trailing，
// partial_sell_done 保持 false。
//
// trailing 阶段：刷新峰值；现价跌破止损线时先经过二次确认
// （等待后用 freshPrice 重新取价），确认后发出余仓全卖（market 档）
// 并转入 closed。确认失败视为毛刺，不动。
//
// 每次调用结束前都持久化快照。本方法不返回业务错误，
// 只有快照写盘失败会向上传播。
func (m *Manager) Update(currency string, currentPrice float64, freshPrice func() float64) (Decision, error) {
	state, ok := m.positions[currency]
	if !ok {
		return Decision{Reason: "no trailing position"}, nil
	}

	state.CurrentPrice = currentPrice
	state.LastUpdate = m.now()

	decision := m.advance(currency, state, currentPrice, freshPrice)

	if err := m.persist(); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func (m *Manager) advance(currency string, state *State, currentPrice float64, freshPrice func() float64) Decision {
	profit := (currentPrice - state.EntryPrice) / state.EntryPrice

	if state.Status == StatusWaiting && profit >= m.cfg.ActivationProfit && !state.PartialSellDone {
		sellQty := state.TotalQuantity * m.cfg.PartialSellPercent

		if sellQty < m.cfg.MinOrderSize {
			// 量太小不值得拆单，整仓直接进入 trailing
			state.Status = StatusTrailing
			state.PeakPrice = currentPrice
			trailingLog.Warnf("%s partial sell %.4f below minimum %.2f, trailing whole position",
				currency, sellQty, m.cfg.MinOrderSize)
			return Decision{Reason: "partial sell below minimum order size, trailing whole position"}
		}

		state.Status = StatusTrailing
		state.PartialSellDone = true
		state.PeakPrice = currentPrice
		if sellQty > state.RemainingQuantity {
			sellQty = state.RemainingQuantity
		}

		trailingLog.Infof("%s partial sell activated: profit=%+.2f%% quantity=%.4f",
			currency, profit*100, sellQty)
		return Decision{
			Sell:     true,
			Quantity: sellQty,
			Kind:     SellAggressive,
			Reason:   "profit target reached, partial exit",
		}
	}

	if state.Status == StatusTrailing {
		if currentPrice > state.PeakPrice {
			trailingLog.Infof("%s new peak: %.8f -> %.8f", currency, state.PeakPrice, currentPrice)
			state.PeakPrice = currentPrice
		}

		stopPrice := state.StopPrice(m.cfg.TrailingPercent)
		if currentPrice <= stopPrice {
			if !m.confirmStop(currency, state, stopPrice, freshPrice) {
				return Decision{Reason: "stop not confirmed on re-check"}
			}

			sellQty := state.RemainingQuantity
			state.Status = StatusClosed
			trailingLog.Infof("%s trailing stop hit: peak=%.8f stop=%.8f, selling remaining %.4f",
				currency, state.PeakPrice, stopPrice, sellQty)
			return Decision{
				Sell:     true,
				Quantity: sellQty,
				Kind:     SellMarket,
				Reason:   "trailing stop hit",
			}
		}
	}

	return Decision{Reason: "trailing continues"}
}

// confirmStop 止损二次确认：短暂等待后重新取价。
// 价格回到止损线上方说明是毛刺；取不到有效价格时同样不确认。
func (m *Manager) confirmStop(currency string, state *State, stopPrice float64, freshPrice func() float64) bool {
	if freshPrice == nil {
		return true
	}
	m.sleep(m.cfg.DoubleCheckDelay)

	fresh := freshPrice()
	if fresh <= 0 {
		trailingLog.Warnf("%s stop re-check got no price, holding", currency)
		return false
	}
	if fresh > stopPrice {
		trailingLog.Infof("%s stop cancelled: price recovered to %.8f (stop %.8f)", currency, fresh, stopPrice)
		return false
	}
	state.CurrentPrice = fresh
	return true
}

// ConfirmSell 卖出成交后由调用方回报。剩余数量扣减后接近零时移除状态。
func (m *Manager) ConfirmSell(currency string, soldQuantity float64) error {
	state, ok := m.positions[currency]
	if !ok {
		return nil
	}
	if soldQuantity > state.RemainingQuantity {
		soldQuantity = state.RemainingQuantity
	}
	state.RemainingQuantity -= soldQuantity
	state.LastUpdate = m.now()

	if state.RemainingQuantity <= closeEpsilon {
		delete(m.positions, currency)
		trailingLog.Infof("%s trailing position fully closed", currency)
	}
	return m.persist()
}

// Reset 丢弃币种的离场状态（对账冻结等场景）
func (m *Manager) Reset(currency string) error {
	if _, ok := m.positions[currency]; !ok {
		return nil
	}
	delete(m.positions, currency)
	trailingLog.Infof("%s trailing position reset", currency)
	return m.persist()
}

// AdaptiveSellPrice 按执行档位给出限价：
// aggressive 让 0.1%，market 让 0.2%，normal 让 0.02%。
func (m *Manager) AdaptiveSellPrice(currentPrice float64, kind SellKind) float64 {
	var discount float64
	switch kind {
	case SellAggressive:
		discount = 0.001
	case SellMarket:
		discount = 0.002
	default:
		discount = 0.0002
	}
	return currentPrice * (1 - discount)
}

func (m *Manager) persist() error {
	return m.store.Save(m.positions)
}
