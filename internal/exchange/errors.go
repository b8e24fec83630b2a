package exchange

import (
	"fmt"

	"github.com/pkg/errors"
)

// RejectionError 交易所返回的结构化拒绝（如无效订单、余额不足）。
// 不可重试，原样上抛给策略层。
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("exchange rejection: %s", e.Message)
}

// transientError 网络/超时类瞬时错误，调用方可有限次重试
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// Transient 把底层错误标记为瞬时错误
func Transient(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &transientError{err: errors.Wrap(err, msg)}
}

// IsTransient 判断错误是否为瞬时错误（可重试）
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// IsRejection 判断错误是否为交易所拒绝（不可重试）
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}
