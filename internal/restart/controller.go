// Package restart decides whether, and when, a crashed worker slot is
// refilled.
package restart

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"clustervisor/internal/config"
)

var ErrSlotExhausted = errors.New("slot exhausted")

// ExhaustedError is reported once for a slot that used up its restart budget.
type ExhaustedError struct {
	Slot     int
	Restarts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("slot %d exhausted after %d restarts", e.Slot, e.Restarts)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrSlotExhausted
}

type Action int

const (
	ActionNone Action = iota
	ActionRestart
	ActionExhausted
)

func (a Action) String() string {
	switch a {
	case ActionRestart:
		return "restart"
	case ActionExhausted:
		return "exhausted"
	default:
		return "none"
	}
}

// Decision is the outcome of one exit.
type Decision struct {
	Action Action
	Delay  time.Duration
	Count  int
	Err    error
}

type slotState struct {
	count     int
	exhausted bool
	pending   *time.Timer
	stable    *time.Timer
}

// Controller keeps the restart bookkeeping of every slot.
type Controller struct {
	mu      sync.Mutex
	cfg     config.RestartConfig
	slots   map[int]*slotState
	stopped bool
}

func NewController(cfg config.RestartConfig) *Controller {
	return &Controller{cfg: cfg, slots: make(map[int]*slotState)}
}

func (c *Controller) slot(n int) *slotState {
	s, ok := c.slots[n]
	if !ok {
		s = &slotState{}
		c.slots[n] = s
	}
	return s
}

// OnExit records a worker exit for slot. Intentional exits and exits of an
// exhausted slot are ignored. Any other exit cancels the stability timer and
// counts against the slot budget.
func (c *Controller) OnExit(slot int, intentional bool) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.slot(slot)
	if c.stopped || intentional {
		return Decision{Action: ActionNone, Count: s.count}
	}
	stopTimer(&s.stable)
	if s.exhausted {
		return Decision{Action: ActionNone, Count: s.count}
	}

	s.count++
	if s.count >= c.cfg.MaxRestarts {
		s.exhausted = true
		stopTimer(&s.pending)
		return Decision{
			Action: ActionExhausted,
			Count:  s.count,
			Err:    &ExhaustedError{Slot: slot, Restarts: s.count},
		}
	}
	return Decision{Action: ActionRestart, Delay: c.Delay(s.count), Count: s.count}
}

// Delay is the backoff before the count-th replacement.
func (c *Controller) Delay(count int) time.Duration {
	if count < 1 {
		return 0
	}
	base := c.cfg.BaseDelay.Std()
	limit := c.cfg.MaxDelay.Std()

	var d time.Duration
	switch c.cfg.Backoff {
	case config.BackoffExponential:
		d = base
		for i := 1; i < count; i++ {
			d *= 2
			if limit > 0 && d >= limit {
				break
			}
		}
	default:
		d = base * time.Duration(count)
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}

// Schedule runs fn after delay unless the slot is reset, exhausted or the
// controller stops first. A previously scheduled replacement is replaced.
func (c *Controller) Schedule(slot int, delay time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	s := c.slot(slot)
	stopTimer(&s.pending)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if s.pending != t || c.stopped {
			c.mu.Unlock()
			return
		}
		s.pending = nil
		c.mu.Unlock()
		fn()
	})
	s.pending = t
}

// MarkListening arms the stability timer of slot. When it fires, fn should
// confirm the worker is still healthy and call Reset.
func (c *Controller) MarkListening(slot int, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.cfg.StableAfter <= 0 {
		return
	}

	s := c.slot(slot)
	stopTimer(&s.stable)
	var t *time.Timer
	t = time.AfterFunc(c.cfg.StableAfter.Std(), func() {
		c.mu.Lock()
		if s.stable != t || c.stopped {
			c.mu.Unlock()
			return
		}
		s.stable = nil
		c.mu.Unlock()
		fn()
	})
	s.stable = t
}

// Reset clears the restart count and the exhausted flag of slot.
func (c *Controller) Reset(slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[slot]
	if !ok {
		return
	}
	s.count = 0
	s.exhausted = false
	stopTimer(&s.stable)
}

// Cancel drops the pending replacement of slot, if any.
func (c *Controller) Cancel(slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[slot]; ok {
		stopTimer(&s.pending)
	}
}

func (c *Controller) Count(slot int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[slot]; ok {
		return s.count
	}
	return 0
}

func (c *Controller) Pending(slot int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[slot]
	return ok && s.pending != nil
}

func (c *Controller) IsExhausted(slot int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[slot]
	return ok && s.exhausted
}

// Exhausted lists exhausted slots in ascending order.
func (c *Controller) Exhausted() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []int
	for n, s := range c.slots {
		if s.exhausted {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}

// Stop cancels every timer. Later calls to Schedule and MarkListening are
// ignored.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	for _, s := range c.slots {
		stopTimer(&s.pending)
		stopTimer(&s.stable)
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
