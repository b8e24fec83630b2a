package domain

import (
	"time"
)

// TradeType 交易方向
type TradeType string

const (
	TradeTypeBuy  TradeType = "buy"
	TradeTypeSell TradeType = "sell"
)

// Trade 一次已执行的交易。追加进账本后不可变；
// 按 Timestamp 升序回放才能得到确定的持仓结果。
type Trade struct {
	Date       time.Time `json:"date"`
	Timestamp  int64     `json:"timestamp"` // Unix 秒
	Type       TradeType `json:"type"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`     // 成交金额（计价币种）
	Commission float64   `json:"commission"` // 手续费
}

// IsBuy 是否买入
func (t *Trade) IsBuy() bool {
	return t.Type == TradeTypeBuy
}

// NormalizeTimestamp 把毫秒时间戳归一化为秒。
// 交易所历史接口会混用两种精度。
func NormalizeTimestamp(ts int64) int64 {
	if ts > 2000000000 {
		return ts / 1000
	}
	return ts
}
