package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// CountdownTimer owns the authoritative race countdown. Remaining time is
// derived from the session start time and the configured duration on every
// tick; no client-reported elapsed time is ever trusted, so a display that
// reconnects mid-countdown renders the same remaining time as one that
// never disconnected.
type CountdownTimer struct {
	clock     clockwork.Clock
	broadcast func(Event)

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewCountdownTimer creates a countdown driven by clock that publishes
// timerUpdate events through broadcast.
func NewCountdownTimer(clock clockwork.Clock, broadcast func(Event)) *CountdownTimer {
	return &CountdownTimer{
		clock:     clock,
		broadcast: broadcast,
	}
}

// Start begins ticking for a race that started at startTime and runs for
// duration. Any previous countdown is stopped first, so at most one ticker
// is ever live.
func (t *CountdownTimer) Start(startTime time.Time, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	go t.run(ctx, startTime, duration)

	log.Info().
		Time("start_time", startTime).
		Dur("duration", duration).
		Msg("countdown started")
}

// Stop halts the countdown. Stopping an already-stopped timer is a no-op.
func (t *CountdownTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
		log.Info().Msg("countdown stopped")
	}
}

func (t *CountdownTimer) run(ctx context.Context, startTime time.Time, duration time.Duration) {
	ticker := t.clock.NewTicker(time.Second)
	defer ticker.Stop()

	// First tick immediately so fresh connections see the clock without
	// waiting out the interval.
	if done := t.tick(startTime, duration); done {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if done := t.tick(startTime, duration); done {
				return
			}
		}
	}
}

// tick broadcasts the remaining time and reports whether the countdown hit
// zero. A sub-second remainder renders as 00:00 and counts as done, so the
// final 00:00 is broadcast exactly once even when the race length is not a
// whole number of seconds from the current tick (the restore path).
func (t *CountdownTimer) tick(startTime time.Time, duration time.Duration) bool {
	remaining := duration - t.clock.Since(startTime)
	if remaining < 0 {
		remaining = 0
	}
	event, err := NewEvent(EventTimerUpdate, TimerPayload{Remaining: FormatRemaining(remaining)})
	if err != nil {
		log.Error().Err(err).Msg("failed to build timer event")
		return false
	}
	t.broadcast(event)
	return remaining < time.Second
}

// FormatRemaining renders a duration as MM:SS, truncated to whole seconds
// and clamped at 00:00.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
