package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mirovik/dogebot/internal/domain"
	"github.com/mirovik/dogebot/internal/metrics"
	"github.com/mirovik/dogebot/pkg/persistence"
)

var ledgerLog = logrus.WithField("module", "ledger")

// 小数位约定：数量 6 位、均价 8 位、总成本 4 位。
// 固定舍入让同一份历史重放两次得到逐位一致的结果。
const (
	quantityPlaces = 6
	avgPricePlaces = 8
	costPlaces     = 4
)

// softSyncLimit 软同步上限：差异超过余额的 10% 视为严重不一致
const softSyncLimit = 0.10

// ConsistencyFault 账本与交易所余额严重不一致。
// 该错误只冻结对应币种的自动交易，不会终止进程。
type ConsistencyFault struct {
	Currency        string
	ReportedBalance float64
	LedgerQuantity  float64
	Discrepancy     float64
}

func (f *ConsistencyFault) Error() string {
	return fmt.Sprintf("consistency fault: %s ledger=%.6f reported=%.6f discrepancy=%.6f (>%.0f%% of balance)",
		f.Currency, f.LedgerQuantity, f.ReportedBalance, f.Discrepancy, softSyncLimit*100)
}

// ReconcileAction 对账结果
type ReconcileAction string

const (
	// ReconcileOK 差异在容差内，无需处理
	ReconcileOK ReconcileAction = "ok"
	// ReconcileSoftSynced 差异超出容差但未达严重阈值，数量已同步为交易所余额
	ReconcileSoftSynced ReconcileAction = "soft_synced"
)

// Options 账本配置
type Options struct {
	SnapshotPath     string  // 持仓快照文件
	DiscrepancyFloor float64 // 对账容差下限（数量）
}

// Ledger 持仓账本：从交易历史推导数量/均价/总成本，并与交易所余额对账。
//
// 单写者：只有交易主循环修改账本。外部读取方消费持久化的快照文件。
type Ledger struct {
	positions map[string]*domain.Position
	store     *persistence.SnapshotStore
	floor     float64
	now       func() time.Time
}

// snapshot 持仓快照的文件结构
type snapshot struct {
	Version   string                      `json:"version"`
	Timestamp time.Time                   `json:"timestamp"`
	Positions map[string]*domain.Position `json:"positions"`
}

// New 创建账本
func New(opts Options) *Ledger {
	if opts.DiscrepancyFloor <= 0 {
		opts.DiscrepancyFloor = 0.01
	}
	return &Ledger{
		positions: make(map[string]*domain.Position),
		store:     persistence.NewSnapshotStore(opts.SnapshotPath),
		floor:     opts.DiscrepancyFloor,
		now:       time.Now,
	}
}

// Load 从快照恢复账本。快照缺失时从空账本开始（记一条警告）。
func (l *Ledger) Load() error {
	var snap snapshot
	if err := l.store.Load(&snap); err != nil {
		if err == persistence.ErrNotExists {
			ledgerLog.Warn("no position snapshot found, starting with empty ledger")
			return nil
		}
		return err
	}
	if snap.Positions != nil {
		l.positions = snap.Positions
	}
	metrics.SnapshotLoads.Add(1)

	if age := l.now().Sub(snap.Timestamp); age > 24*time.Hour {
		ledgerLog.Warnf("position snapshot is stale (%.1f hours old), verification recommended", age.Hours())
	}
	ledgerLog.Infof("loaded %d positions from snapshot", len(l.positions))
	return nil
}

// Persist 写出持仓快照（原子替换 + 备份）
func (l *Ledger) Persist() error {
	snap := snapshot{
		Version:   "1.0",
		Timestamp: l.now(),
		Positions: l.positions,
	}
	if err := l.store.Save(snap); err != nil {
		return err
	}
	metrics.SnapshotSaves.Add(1)
	return nil
}

// Position 返回币种当前持仓，无持仓时返回 nil
func (l *Ledger) Position(currency string) *domain.Position {
	return l.positions[currency]
}

// AppendTrade 把一笔已确认的交易计入持仓。
// 买入累加数量与成本（含手续费）；卖出按比例缩减成本（加权平均，不做批次 FIFO）。
// 卖出数量超过持仓时按持仓钳制，数量永不为负。
func (l *Ledger) AppendTrade(currency string, trade domain.Trade) error {
	pos := l.positions[currency]
	if pos == nil {
		pos = &domain.Position{}
		l.positions[currency] = pos
	}

	quantity := decimal.NewFromFloat(pos.Quantity)
	totalCost := decimal.NewFromFloat(pos.TotalCost)
	quantity, totalCost = applyTrade(quantity, totalCost, trade)

	pos.Quantity = quantity.InexactFloat64()
	pos.TotalCost = totalCost.InexactFloat64()
	if quantity.IsPositive() {
		pos.AvgPrice = totalCost.Div(quantity).Round(avgPricePlaces).InexactFloat64()
	} else {
		pos.AvgPrice = 0
	}
	pos.LastUpdated = l.now()
	pos.Trades = append(pos.Trades, trade)

	if pos.Quantity <= 0 {
		delete(l.positions, currency)
		ledgerLog.Infof("position %s closed", currency)
	}
	return l.Persist()
}

// applyTrade 单笔交易的买/卖规则，AppendTrade 和历史重放共用
func applyTrade(quantity, totalCost decimal.Decimal, trade domain.Trade) (decimal.Decimal, decimal.Decimal) {
	tq := decimal.NewFromFloat(trade.Quantity)
	if trade.IsBuy() {
		cost := decimal.NewFromFloat(trade.Amount).Add(decimal.NewFromFloat(trade.Commission))
		return quantity.Add(tq), totalCost.Add(cost)
	}

	sellQty := tq
	if sellQty.GreaterThan(quantity) {
		sellQty = quantity
	}
	remaining := quantity.Sub(sellQty)
	if remaining.IsPositive() {
		// 按剩余比例缩减成本
		totalCost = totalCost.Mul(remaining).Div(quantity)
		return remaining, totalCost
	}
	return decimal.Zero, decimal.Zero
}

// RecomputeFromHistory 从交易历史重建持仓：按时间升序重放 maxAgeDays 内的交易，
// 最终结果做固定舍入。重放是确定且幂等的。
// 最终数量 <= 0 时移除持仓并返回 nil。
func (l *Ledger) RecomputeFromHistory(currency string, trades []domain.Trade, maxAgeDays int) (*domain.Position, error) {
	cutoff := l.now().AddDate(0, 0, -maxAgeDays).Unix()

	filtered := make([]domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Timestamp >= cutoff {
			filtered = append(filtered, t)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp < filtered[j].Timestamp
	})

	quantity := decimal.Zero
	totalCost := decimal.Zero
	for _, t := range filtered {
		quantity, totalCost = applyTrade(quantity, totalCost, t)
	}

	quantity = quantity.Round(quantityPlaces)
	if !quantity.IsPositive() {
		delete(l.positions, currency)
		if err := l.Persist(); err != nil {
			return nil, err
		}
		ledgerLog.Infof("recompute %s: final position is zero", currency)
		return nil, nil
	}

	avgPrice := totalCost.Div(quantity).Round(avgPricePlaces)
	totalCost = totalCost.Round(costPlaces)

	pos := &domain.Position{
		Quantity:    quantity.InexactFloat64(),
		AvgPrice:    avgPrice.InexactFloat64(),
		TotalCost:   totalCost.InexactFloat64(),
		LastUpdated: l.now(),
		Trades:      filtered,
	}
	l.positions[currency] = pos
	if err := l.Persist(); err != nil {
		return nil, err
	}
	ledgerLog.Infof("recompute %s: quantity=%.6f avgPrice=%.8f totalCost=%.4f (%d trades)",
		currency, pos.Quantity, pos.AvgPrice, pos.TotalCost, len(filtered))
	return pos, nil
}

// Reconcile 把账本数量与交易所报告的余额对账。
//
// 差异 <= max(floor, 1% 余额)：不动。
// 差异 <= 10% 余额：软同步，数量改为交易所余额，保留已知均价
// （没有均价时用最近 20 笔买入的平均价估算）。
// 差异 > 10% 余额：返回 *ConsistencyFault，该币种停止自动交易。
func (l *Ledger) Reconcile(currency string, reportedBalance float64) (ReconcileAction, error) {
	metrics.ReconcileRuns.Add(1)

	pos := l.positions[currency]
	ledgerQty := 0.0
	if pos != nil {
		ledgerQty = pos.Quantity
	}

	discrepancy := reportedBalance - ledgerQty
	if discrepancy < 0 {
		discrepancy = -discrepancy
	}
	tolerance := l.floor
	if t := reportedBalance * 0.01; t > tolerance {
		tolerance = t
	}

	if discrepancy <= tolerance {
		return ReconcileOK, nil
	}

	if reportedBalance > 0 && discrepancy > reportedBalance*softSyncLimit {
		metrics.ReconcileErrors.Add(1)
		return "", &ConsistencyFault{
			Currency:        currency,
			ReportedBalance: reportedBalance,
			LedgerQuantity:  ledgerQty,
			Discrepancy:     discrepancy,
		}
	}

	// 软同步
	if reportedBalance <= 0 {
		delete(l.positions, currency)
		ledgerLog.Warnf("soft sync %s: exchange balance is zero, position removed", currency)
		return ReconcileSoftSynced, l.Persist()
	}

	avgPrice := 0.0
	var history []domain.Trade
	if pos != nil {
		history = pos.Trades
		if pos.AvgPrice > 0 {
			avgPrice = pos.AvgPrice
		}
	}
	if avgPrice <= 0 {
		avgPrice = estimateAvgPrice(history)
	}

	if pos == nil {
		pos = &domain.Position{}
		l.positions[currency] = pos
	}
	pos.Quantity = reportedBalance
	pos.AvgPrice = avgPrice
	pos.TotalCost = reportedBalance * avgPrice
	pos.LastUpdated = l.now()

	ledgerLog.Warnf("soft sync %s: quantity=%.6f avgPrice=%.8f (discrepancy %.6f over tolerance %.6f)",
		currency, pos.Quantity, pos.AvgPrice, discrepancy, tolerance)
	return ReconcileSoftSynced, l.Persist()
}

// estimateAvgPrice 用最近 20 笔买入的平均成交价估算均价；没有买入时返回 0
func estimateAvgPrice(trades []domain.Trade) float64 {
	const window = 20
	sum := decimal.Zero
	count := 0
	for i := len(trades) - 1; i >= 0 && count < window; i-- {
		if trades[i].IsBuy() {
			sum = sum.Add(decimal.NewFromFloat(trades[i].Price))
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum.Div(decimal.NewFromInt(int64(count))).Round(avgPricePlaces).InexactFloat64()
}
