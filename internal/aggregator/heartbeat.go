package aggregator

import (
	"sync"
	"time"
)

// DefaultTypingPeriod is how often the typing indicator is re-signalled
// while a message is streaming. Telegram drops the indicator after ~5s, so
// the heartbeat refreshes it just under that.
const DefaultTypingPeriod = 4 * time.Second

// heartbeat periodically fires a typing signal while at least one message
// is actively streaming. start is idempotent; at most one timer goroutine
// exists at a time.
type heartbeat struct {
	mu     sync.Mutex
	stopCh chan struct{}
	period time.Duration
	signal func()
}

func newHeartbeat(period time.Duration, signal func()) *heartbeat {
	if period <= 0 {
		period = DefaultTypingPeriod
	}
	return &heartbeat{period: period, signal: signal}
}

func (h *heartbeat) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopCh != nil {
		return
	}
	stop := make(chan struct{})
	h.stopCh = stop

	go func() {
		h.signal()
		ticker := time.NewTicker(h.period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.signal()
			}
		}
	}()
}

func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopCh == nil {
		return
	}
	close(h.stopCh)
	h.stopCh = nil
}
