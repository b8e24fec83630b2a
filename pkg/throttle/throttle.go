package throttle

import (
	"sync"
	"time"
)

// Category 请求类别
type Category string

const (
	// CategoryGeneral 一般请求（账户信息等）
	CategoryGeneral Category = "general"
	// CategoryMarketData 行情请求（ticker、trades 等）
	CategoryMarketData Category = "marketdata"
	// CategoryTrading 交易请求（下单/撤单），额外受交易子窗口限制
	CategoryTrading Category = "trading"
)

// Config 限流配置
// 约定：上限 <= 0 表示关闭对应窗口的限制。
type Config struct {
	PerSecond        int           // 每秒请求上限（所有类别）
	PerMinute        int           // 每分钟请求上限（所有类别）
	PerHour          int           // 每小时请求上限（所有类别）
	TradingPerMinute int           // 每分钟交易类请求上限（仅 trading）
	MinInterval      time.Duration // 相邻请求的最小间隔
}

// DefaultConfig 返回默认限流配置
func DefaultConfig() Config {
	return Config{
		PerSecond:        5,
		PerMinute:        30,
		PerHour:          300,
		TradingPerMinute: 10,
		MinInterval:      100 * time.Millisecond,
	}
}

// window 单个滑动窗口：追加有序的时间戳切片
type window struct {
	size    time.Duration
	limit   int
	entries []time.Time
}

// trim 丢弃窗口外的旧时间戳（entries 按时间递增，只需从头部裁剪）
func (w *window) trim(now time.Time) {
	cut := 0
	for cut < len(w.entries) && now.Sub(w.entries[cut]) >= w.size {
		cut++
	}
	if cut > 0 {
		w.entries = w.entries[cut:]
	}
}

// waitFor 返回再接纳一个请求需要等待的时长（窗口未满则为 0）
func (w *window) waitFor(now time.Time) time.Duration {
	if w.limit <= 0 || len(w.entries) < w.limit {
		return 0
	}
	remaining := w.size - now.Sub(w.entries[0])
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RequestThrottle 多窗口请求限流器。
//
// 所有调用方共享同一个实例；Acquire 阻塞到放行为止，从不因配额报错。
// 休眠发生在锁外，等待期间其他调用方仍可读取/整理窗口状态。
// 时间戳来自 time.Now 的单调时钟，系统时钟回拨不会产生负等待。
type RequestThrottle struct {
	mu          sync.Mutex
	second      window
	minute      window
	hour        window
	trading     window // 仅统计 trading 类请求
	minInterval time.Duration
	lastRequest time.Time

	// 统计
	totalRequests int64
	totalWaits    int64
	totalWaitTime time.Duration

	// 测试注入点
	now   func() time.Time
	sleep func(time.Duration)
}

// New 创建请求限流器
func New(cfg Config) *RequestThrottle {
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	return &RequestThrottle{
		second:      window{size: time.Second, limit: cfg.PerSecond},
		minute:      window{size: time.Minute, limit: cfg.PerMinute},
		hour:        window{size: time.Hour, limit: cfg.PerHour},
		trading:     window{size: time.Minute, limit: cfg.TradingPerMinute},
		minInterval: cfg.MinInterval,
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// Acquire 阻塞到接纳一个 category 类请求不会超过任何适用窗口的上限，
// 记录该请求并返回实际施加的等待时长（用于观测）。
//
// 休眠后会重新检查：并发调用方可能在休眠期间占用了空出的名额。
func (t *RequestThrottle) Acquire(category Category) time.Duration {
	var applied time.Duration
	for {
		t.mu.Lock()
		now := t.now()

		t.second.trim(now)
		t.minute.trim(now)
		t.hour.trim(now)
		t.trading.trim(now)

		wait := t.second.waitFor(now)
		if d := t.minute.waitFor(now); d > wait {
			wait = d
		}
		if d := t.hour.waitFor(now); d > wait {
			wait = d
		}
		if category == CategoryTrading {
			if d := t.trading.waitFor(now); d > wait {
				wait = d
			}
		}
		if t.minInterval > 0 && !t.lastRequest.IsZero() {
			if since := now.Sub(t.lastRequest); since < t.minInterval {
				if d := t.minInterval - since; d > wait {
					wait = d
				}
			}
		}

		if wait <= 0 {
			t.second.entries = append(t.second.entries, now)
			t.minute.entries = append(t.minute.entries, now)
			t.hour.entries = append(t.hour.entries, now)
			if category == CategoryTrading {
				t.trading.entries = append(t.trading.entries, now)
			}
			t.lastRequest = now
			t.totalRequests++
			if applied > 0 {
				t.totalWaits++
				t.totalWaitTime += applied
			}
			t.mu.Unlock()
			return applied
		}

		t.mu.Unlock()
		t.sleep(wait)
		applied += wait
	}
}

// Stats 限流统计快照
type Stats struct {
	SecondCount   int           `json:"second_count"`
	SecondLimit   int           `json:"second_limit"`
	MinuteCount   int           `json:"minute_count"`
	MinuteLimit   int           `json:"minute_limit"`
	HourCount     int           `json:"hour_count"`
	HourLimit     int           `json:"hour_limit"`
	TradingCount  int           `json:"trading_count"`
	TradingLimit  int           `json:"trading_limit"`
	TotalRequests int64         `json:"total_requests"`
	TotalWaits    int64         `json:"total_waits"`
	TotalWaitTime time.Duration `json:"total_wait_time"`
	LastRequest   time.Time     `json:"last_request"`
}

// Stats 返回当前窗口占用与累计统计（不阻塞，可从监控线程调用）
func (t *RequestThrottle) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.second.trim(now)
	t.minute.trim(now)
	t.hour.trim(now)
	t.trading.trim(now)

	return Stats{
		SecondCount:   len(t.second.entries),
		SecondLimit:   t.second.limit,
		MinuteCount:   len(t.minute.entries),
		MinuteLimit:   t.minute.limit,
		HourCount:     len(t.hour.entries),
		HourLimit:     t.hour.limit,
		TradingCount:  len(t.trading.entries),
		TradingLimit:  t.trading.limit,
		TotalRequests: t.totalRequests,
		TotalWaits:    t.totalWaits,
		TotalWaitTime: t.totalWaitTime,
		LastRequest:   t.lastRequest,
	}
}
