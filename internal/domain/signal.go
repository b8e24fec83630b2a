package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// SignalAction 策略信号动作
type SignalAction string

const (
	SignalActionBuy  SignalAction = "buy"
	SignalActionSell SignalAction = "sell"
	SignalActionHold SignalAction = "hold"
)

// Signal 策略层产出的交易信号。
// 信号在进入限流器/交易所调用之前必须通过 Validate。
type Signal struct {
	ID         string       `json:"id"`
	Action     SignalAction `json:"action"`
	Quantity   float64      `json:"quantity"`
	Price      float64      `json:"price"`
	Confidence float64      `json:"confidence"` // [0, 1]
	Reason     string       `json:"reason"`
}

// NewSignal 创建带关联 ID 的信号
func NewSignal(action SignalAction, quantity, price, confidence float64, reason string) Signal {
	return Signal{
		ID:         uuid.NewString(),
		Action:     action,
		Quantity:   quantity,
		Price:      price,
		Confidence: confidence,
		Reason:     reason,
	}
}

// Validate 校验信号是否可执行
func (s *Signal) Validate() error {
	switch s.Action {
	case SignalActionBuy, SignalActionSell:
		if s.Quantity <= 0 {
			return fmt.Errorf("signal %s: quantity must be positive, got %v", s.ID, s.Quantity)
		}
		if s.Price <= 0 {
			return fmt.Errorf("signal %s: price must be positive, got %v", s.ID, s.Price)
		}
	case SignalActionHold:
		// hold 不触发任何调用
	default:
		return fmt.Errorf("signal %s: unknown action %q", s.ID, s.Action)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal %s: confidence out of range: %v", s.ID, s.Confidence)
	}
	return nil
}
