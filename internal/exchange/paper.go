package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mirovik/dogebot/internal/domain"
)

// PaperGateway 纸面交易网关：下单即按委托价全额成交，用于离线运行和测试。
type PaperGateway struct {
	mu       sync.Mutex
	pair     string
	currency string
	balance  float64
	trades   []domain.Trade
	nextID   int64

	// PriceFunc 提供当前价格；为空时使用最后一次下单价
	PriceFunc func() float64
	lastPrice float64
}

// NewPaperGateway 创建纸面网关
func NewPaperGateway(pair, currency string, startBalance float64) *PaperGateway {
	return &PaperGateway{
		pair:     pair,
		currency: currency,
		balance:  startBalance,
		nextID:   1,
	}
}

func (g *PaperGateway) CreateOrder(_ context.Context, pair string, quantity, price float64, side OrderSide) (*OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pair != g.pair {
		return nil, &RejectionError{Message: fmt.Sprintf("paper: unknown pair %s", pair)}
	}
	if quantity <= 0 || price <= 0 {
		return nil, &RejectionError{Message: "paper: invalid quantity/price"}
	}

	tradeType := domain.TradeTypeBuy
	if side == OrderSideSell {
		if quantity > g.balance {
			return nil, &RejectionError{Message: "paper: insufficient balance"}
		}
		tradeType = domain.TradeTypeSell
		g.balance -= quantity
	} else {
		g.balance += quantity
	}

	now := time.Now()
	g.trades = append(g.trades, domain.Trade{
		Date:      now,
		Timestamp: now.Unix(),
		Type:      tradeType,
		Quantity:  quantity,
		Price:     price,
		Amount:    quantity * price,
	})
	g.lastPrice = price

	id := g.nextID
	g.nextID++
	return &OrderResult{OrderID: fmt.Sprintf("paper-%d", id)}, nil
}

func (g *PaperGateway) CancelOrder(_ context.Context, _ string) error {
	// 纸面订单即时成交，没有可撤的挂单
	return nil
}

func (g *PaperGateway) GetBalance(_ context.Context, currency string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if currency != g.currency {
		return 0, nil
	}
	return g.balance, nil
}

func (g *PaperGateway) GetTrades(_ context.Context, pair string, limit int) ([]domain.Trade, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if pair != g.pair {
		return nil, nil
	}
	trades := make([]domain.Trade, len(g.trades))
	copy(trades, g.trades)
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	return trades, nil
}

func (g *PaperGateway) GetTicker(_ context.Context, _ string) (float64, error) {
	if g.PriceFunc != nil {
		return g.PriceFunc(), nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastPrice > 0 {
		return g.lastPrice, nil
	}
	return 0, Transient(fmt.Errorf("no price available"), "paper: ticker")
}

var _ Gateway = (*PaperGateway)(nil)
var _ Gateway = (*ExmoClient)(nil)
