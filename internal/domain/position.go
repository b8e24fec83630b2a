package domain

import (
	"time"
)

// Position 某币种的持仓：数量、加权平均成本与交易记录。
//
// 成本核算是加权平均：卖出按比例缩减 TotalCost，而不是按批次 FIFO 消耗。
// AvgPrice 仅在 Quantity > 0 时有意义。
type Position struct {
	Quantity    float64   `json:"quantity"`
	AvgPrice    float64   `json:"avgPrice"`
	TotalCost   float64   `json:"totalCost"`
	LastUpdated time.Time `json:"lastUpdated"`
	Trades      []Trade   `json:"trades"`
}

// IsEmpty 持仓是否已清空
func (p *Position) IsEmpty() bool {
	return p == nil || p.Quantity <= 0
}

// MarketValue 按给定价格估算持仓市值
func (p *Position) MarketValue(price float64) float64 {
	if p.IsEmpty() {
		return 0
	}
	return p.Quantity * price
}

// UnrealizedProfit 按给定价格估算未实现盈亏比例
func (p *Position) UnrealizedProfit(price float64) float64 {
	if p.IsEmpty() || p.AvgPrice <= 0 {
		return 0
	}
	return (price - p.AvgPrice) / p.AvgPrice
}
