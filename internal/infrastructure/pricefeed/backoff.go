package pricefeed

import "time"

const (
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 10 * time.Second
)

// reconnectDelay 指数退避：500ms, 1s, 2s ... 封顶 10s
func reconnectDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return baseBackoff
	}
	if attempt > 5 {
		return maxBackoff
	}
	d := baseBackoff * time.Duration(1<<attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// sleepCtx returns false when ctx ends first.
func sleepCtx(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}
