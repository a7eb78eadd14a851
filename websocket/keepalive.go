package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pingTracker drives Config.AutoPing: it sends a ping on a fixed interval,
// correlates each ping with the pong that answers it, and aborts the
// connection if a pong doesn't arrive before the timeout.
type pingTracker struct {
	mu sync.Mutex

	interval time.Duration
	timeout  time.Duration

	send  func(appData string) error
	abort func(err error)

	ticker  *time.Ticker
	pending map[string]*time.Timer
	stopCh  chan struct{}
	stopped bool
}

func newPingTracker(cfg AutoPingConfig, send func(appData string) error, abort func(err error)) *pingTracker {
	return &pingTracker{
		interval: time.Duration(cfg.Interval),
		timeout:  time.Duration(cfg.Timeout),
		send:     send,
		abort:    abort,
		pending:  make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}
}

// start launches the auto-ping loop. No-op if Interval is zero.
func (t *pingTracker) start() {
	if t.interval <= 0 {
		return
	}
	t.ticker = time.NewTicker(t.interval)
	go t.loop()
}

func (t *pingTracker) loop() {
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.ticker.C:
			t.sendPing()
		}
	}
}

// sendPing emits one ping carrying a fresh UUID correlation id (36 bytes in
// canonical form) and arms a timer that aborts the connection if no matching
// pong arrives within the timeout.
func (t *pingTracker) sendPing() {
	id := uuid.NewString()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	timer := time.AfterFunc(t.timeout, func() { t.onTimeout(id) })
	t.pending[id] = timer
	t.mu.Unlock()

	if err := t.send(id); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		timer.Stop()
		t.abort(err)
	}
}

func (t *pingTracker) onTimeout(id string) {
	t.mu.Lock()
	if _, ok := t.pending[id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	t.mu.Unlock()

	t.abort(ErrWebSocketTimeout)
}

// onPong cancels the pending timer for a correlation id, if one is
// outstanding. Pongs that don't carry a correlation id this tracker issued
// (e.g. an unsolicited pong) are accepted silently, per RFC 6455 section
// 5.5.3.
func (t *pingTracker) onPong(appData string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.pending[appData]; ok {
		timer.Stop()
		delete(t.pending, appData)
	}
}

func (t *pingTracker) stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	for _, timer := range t.pending {
		timer.Stop()
	}
	t.pending = nil
	t.mu.Unlock()

	close(t.stopCh)
	if t.ticker != nil {
		t.ticker.Stop()
	}
}
