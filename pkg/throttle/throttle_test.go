package throttle

import (
	"sync"
	"testing"
	"time"
)

// fakeClock 虚拟时钟：sleep 直接推进时间，测试不真实等待
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestThrottle(cfg Config) (*RequestThrottle, *fakeClock) {
	th := New(cfg)
	clk := newFakeClock()
	th.now = clk.now
	th.sleep = clk.sleep
	return th, clk
}

func TestAcquireEmptyWindowsNoWait(t *testing.T) {
	th, _ := newTestThrottle(Config{PerSecond: 5, PerMinute: 30, PerHour: 300, TradingPerMinute: 10})

	if wait := th.Acquire(CategoryGeneral); wait != 0 {
		t.Fatalf("expected zero wait on empty windows, got %v", wait)
	}
}

func TestAcquireMinInterval(t *testing.T) {
	th, clk := newTestThrottle(Config{
		PerSecond: 100, PerMinute: 1000, PerHour: 10000, TradingPerMinute: 100,
		MinInterval: 100 * time.Millisecond,
	})

	th.Acquire(CategoryGeneral)
	start := clk.now()
	wait := th.Acquire(CategoryGeneral)
	if wait != 100*time.Millisecond {
		t.Fatalf("expected 100ms spacing wait, got %v", wait)
	}
	if got := clk.now().Sub(start); got != 100*time.Millisecond {
		t.Fatalf("clock advanced %v, want 100ms", got)
	}
}

func TestAcquirePerSecondCeiling(t *testing.T) {
	th, clk := newTestThrottle(Config{PerSecond: 2, PerMinute: 1000, PerHour: 10000, TradingPerMinute: 1000})

	first := clk.now()
	th.Acquire(CategoryMarketData)
	th.Acquire(CategoryMarketData)
	wait := th.Acquire(CategoryMarketData)
	if wait <= 0 {
		t.Fatalf("third request within 1s must wait, got %v", wait)
	}
	if got := clk.now().Sub(first); got < time.Second {
		t.Fatalf("third admission only %v after first, want >= 1s", got)
	}
}

func TestAcquireTradingSubCeiling(t *testing.T) {
	th, _ := newTestThrottle(Config{PerSecond: 100, PerMinute: 1000, PerHour: 10000, TradingPerMinute: 1})

	th.Acquire(CategoryTrading)
	// 一般请求不受交易子窗口影响
	if wait := th.Acquire(CategoryGeneral); wait != 0 {
		t.Fatalf("general request blocked by trading window: %v", wait)
	}
	wait := th.Acquire(CategoryTrading)
	if wait < 59*time.Second {
		t.Fatalf("second trading request should wait out the minute window, got %v", wait)
	}
}

// TestAcquireWindowInvariant 滑动窗口不变量：任意长度 W 的区间内
// 接纳的请求数不超过该窗口的上限 C。
func TestAcquireWindowInvariant(t *testing.T) {
	cfg := Config{PerSecond: 3, PerMinute: 10, PerHour: 1000, TradingPerMinute: 4}
	th, clk := newTestThrottle(cfg)

	categories := []Category{
		CategoryGeneral, CategoryTrading, CategoryMarketData, CategoryTrading,
		CategoryTrading, CategoryGeneral, CategoryTrading, CategoryTrading,
		CategoryMarketData, CategoryTrading, CategoryGeneral, CategoryTrading,
	}

	var all []time.Time
	var tradingOnly []time.Time
	for i := 0; i < 40; i++ {
		cat := categories[i%len(categories)]
		th.Acquire(cat)
		admitted := clk.now()
		all = append(all, admitted)
		if cat == CategoryTrading {
			tradingOnly = append(tradingOnly, admitted)
		}
	}

	assertWindow := func(name string, times []time.Time, limit int, size time.Duration) {
		for i := 0; i+limit < len(times); i++ {
			if gap := times[i+limit].Sub(times[i]); gap < size {
				t.Fatalf("%s window violated: admissions %d..%d span %v < %v", name, i, i+limit, gap, size)
			}
		}
	}
	assertWindow("second", all, cfg.PerSecond, time.Second)
	assertWindow("minute", all, cfg.PerMinute, time.Minute)
	assertWindow("trading", tradingOnly, cfg.TradingPerMinute, time.Minute)
}

func TestAcquireConcurrent(t *testing.T) {
	th := New(Config{PerSecond: 1000, PerMinute: 10000, PerHour: 100000, TradingPerMinute: 1000, MinInterval: 0})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if n%2 == 0 {
					th.Acquire(CategoryTrading)
				} else {
					th.Acquire(CategoryGeneral)
				}
			}
		}(i)
	}
	wg.Wait()

	stats := th.Stats()
	if stats.TotalRequests != 80 {
		t.Fatalf("total requests got=%d want=%d", stats.TotalRequests, 80)
	}
}

func TestStatsCounts(t *testing.T) {
	th, _ := newTestThrottle(Config{PerSecond: 100, PerMinute: 1000, PerHour: 10000, TradingPerMinute: 100})

	th.Acquire(CategoryTrading)
	th.Acquire(CategoryGeneral)
	th.Acquire(CategoryTrading)

	stats := th.Stats()
	if stats.SecondCount != 3 || stats.MinuteCount != 3 || stats.HourCount != 3 {
		t.Fatalf("shared window counts got %d/%d/%d want 3/3/3",
			stats.SecondCount, stats.MinuteCount, stats.HourCount)
	}
	if stats.TradingCount != 2 {
		t.Fatalf("trading count got=%d want=%d", stats.TradingCount, 2)
	}
	if stats.TotalRequests != 3 {
		t.Fatalf("total requests got=%d want=%d", stats.TotalRequests, 3)
	}
}
