package server

import (
	"sync"
	"time"

	"github.com/Tyrowin/livechat/internal/hub"
)

// messageBudget rations the message events one connection may send. Chat and
// private messages cost a token each, as does any frame that fails to decode.
// Typing notices are free: they carry no content and the typing set
// deduplicates them.
type messageBudget struct {
	mu        sync.Mutex
	tokens    float64
	burst     float64
	perSecond float64
	refilled  time.Time
	now       func() time.Time
}

func newMessageBudget(burst int, interval time.Duration) *messageBudget {
	return newMessageBudgetWithClock(burst, interval, time.Now)
}

func newMessageBudgetWithClock(burst int, interval time.Duration, now func() time.Time) *messageBudget {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &messageBudget{
		tokens:    float64(burst),
		burst:     float64(burst),
		perSecond: float64(burst) / interval.Seconds(),
		refilled:  now(),
		now:       now,
	}
}

// eventCost is what one inbound frame spends, given what it decoded to.
func eventCost(event hub.Inbound, decodeErr error) float64 {
	if decodeErr != nil {
		return 1
	}
	switch event.Kind() {
	case hub.KindTypingStart, hub.KindTypingStop:
		return 0
	}
	return 1
}

// spend takes cost tokens if the bucket holds them.
func (b *messageBudget) spend(cost float64) bool {
	if cost <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if elapsed := now.Sub(b.refilled).Seconds(); elapsed > 0 {
		b.tokens = min(b.tokens+elapsed*b.perSecond, b.burst)
	}
	b.refilled = now

	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}
