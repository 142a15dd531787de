// Package ratelimit tracks the remote service's daily quota state and
// decides whether reports go out immediately or into the bulk buffer.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FlushFunc submits all buffered reports. It must clear the buffer on
// success and leave it intact on failure.
type FlushFunc func(ctx context.Context) error

// PendingFunc reports the current number of buffered entries
type PendingFunc func() int

// Controller is the Normal/Limited state machine. State lives in memory
// only: after a restart the controller starts Normal and reconciles by
// observing remote responses. Callers are serialized by the pipeline worker;
// the mutex guards the status snapshot read from other goroutines.
type Controller struct {
	mu sync.Mutex

	limited       bool
	buffering     bool
	sentBulkToday bool
	resetAtUTC    time.Time

	statusInterval time.Duration
	lastStatusLog  time.Time

	flush   FlushFunc
	pending PendingFunc

	now func() time.Time // overridable in tests
}

// New creates a controller in the Normal state
func New(flush FlushFunc, pending PendingFunc, statusInterval time.Duration) *Controller {
	return &Controller{
		statusInterval: statusInterval,
		flush:          flush,
		pending:        pending,
		now:            time.Now,
	}
}

// Limited reports whether the daily quota is currently exhausted
func (c *Controller) Limited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limited
}

// Buffering reports whether new reports should go into the bulk buffer
// instead of out to the remote service.
func (c *Controller) Buffering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffering
}

// ResetAt returns the UTC time at which the quota is expected to reset
func (c *Controller) ResetAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetAtUTC
}

// EnterLimited transitions Normal -> Limited after a daily-quota response.
// Safe to call while already limited; the reset boundary is recomputed.
func (c *Controller) EnterLimited() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.limited = true
	c.buffering = true
	c.sentBulkToday = false
	c.resetAtUTC = nextReset(c.now())
	c.lastStatusLog = c.now()

	log.Warn().
		Time("reset_at", c.resetAtUTC).
		Msg("Daily report quota exhausted, buffering reports until reset")
}

// Tick advances the state machine. Called from the pipeline worker on every
// scheduler beat: while limited it emits a periodic status line, and once
// the reset boundary passes it leaves Limited and flushes the buffer.
func (c *Controller) Tick(ctx context.Context) {
	c.mu.Lock()
	if !c.limited {
		c.mu.Unlock()
		return
	}

	now := c.now()
	if now.Before(c.resetAtUTC) {
		if now.Sub(c.lastStatusLog) >= c.statusInterval {
			c.lastStatusLog = now
			log.Info().
				Int("buffered", c.pending()).
				Dur("until_reset", c.resetAtUTC.Sub(now)).
				Msg("Rate limit active, reports are being buffered")
		}
		c.mu.Unlock()
		return
	}

	// Limited -> Normal. Buffering stays up for the duration of the flush so
	// the flush path and any concurrent status reads agree on the state.
	c.limited = false
	needFlush := c.pending() > 0 && !c.sentBulkToday
	if !needFlush {
		c.buffering = false
		c.sentBulkToday = false
		c.resetAtUTC = nextReset(now)
		c.mu.Unlock()
		log.Info().Msg("Rate limit reset, nothing buffered to flush")
		return
	}
	c.mu.Unlock()

	log.Info().Int("buffered", c.pending()).Msg("Rate limit reset, flushing buffered reports")

	err := c.flush(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Msg("Bulk flush failed, entries remain buffered for the next reset")
	} else {
		c.sentBulkToday = true
	}

	c.buffering = false
	c.resetAtUTC = nextReset(c.now())
	c.sentBulkToday = false
}

// nextReset returns the next UTC midnight plus one minute. The extra minute
// avoids racing the remote service's own midnight rollover.
func nextReset(now time.Time) time.Time {
	u := now.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return midnight.Add(time.Minute)
}
