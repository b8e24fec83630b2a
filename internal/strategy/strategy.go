package strategy

import (
	"context"

	"github.com/mirovik/dogebot/internal/domain"
)

// HoldSource 空策略：每轮都不产出信号。
// 只做离场监控/对账运行时用它占住策略位。
type HoldSource struct{}

func (HoldSource) Next(context.Context) (*domain.Signal, error) {
	return nil, nil
}

// StaticSource 按预置列表依次产出信号，取空后保持 hold。
// 用于手工下单和回放场景。
type StaticSource struct {
	signals []domain.Signal
}

// NewStaticSource 创建预置信号源
func NewStaticSource(signals ...domain.Signal) *StaticSource {
	return &StaticSource{signals: signals}
}

func (s *StaticSource) Next(context.Context) (*domain.Signal, error) {
	if len(s.signals) == 0 {
		return nil, nil
	}
	sig := s.signals[0]
	s.signals = s.signals[1:]
	return &sig, nil
}
