package exchange

import (
	"context"

	"github.com/mirovik/dogebot/internal/domain"
)

// OrderSide 下单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderResult 下单结果
type OrderResult struct {
	OrderID string
}

// Gateway 交易所网关边界。
// 所有实现的调用都必须发生在 RequestThrottle.Acquire 返回之后，
// 这由执行引擎保证，网关本身不做限流。
type Gateway interface {
	// CreateOrder 提交限价单，返回交易所订单 ID
	CreateOrder(ctx context.Context, pair string, quantity, price float64, side OrderSide) (*OrderResult, error)
	// CancelOrder 撤销订单
	CancelOrder(ctx context.Context, orderID string) error
	// GetBalance 返回币种的可用余额
	GetBalance(ctx context.Context, currency string) (float64, error)
	// GetTrades 返回交易对的成交历史（新到旧）
	GetTrades(ctx context.Context, pair string, limit int) ([]domain.Trade, error)
	// GetTicker 返回交易对的最新成交价
	GetTicker(ctx context.Context, pair string) (float64, error)
}
