// Package maintenance derives the maintenance flag that gates reading writes.
//
// The flag follows the wall clock (active inside the configured hour window)
// unless an operator override forces it on or off. The controller remembers
// the previous value so callers can run the backup exactly once per
// false-to-true edge instead of on every request made while active.
package maintenance

import (
	"time"

	"github.com/septivank/electricity-meter-portal/tools/timeparser"
)

// Mode reports where the current flag value comes from
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeForced Mode = "forced"
)

// Transition is the result of evaluating the flag
type Transition struct {
	Active bool
	// Entered is true only on the evaluation that moved the flag from false to true.
	Entered bool
	Mode    Mode
}

// Controller is not safe for concurrent use; callers serialize access.
type Controller struct {
	startHour int
	endHour   int
	override  *bool
	active    bool
}

// NewController creates a controller for the [startHour, endHour) window
func NewController(startHour, endHour int) *Controller {
	return &Controller{startHour: startHour, endHour: endHour}
}

// InWindow reports whether t falls inside the clock window
func (c *Controller) InWindow(t time.Time) bool {
	return timeparser.InHourWindow(t, c.startHour, c.endHour)
}

// Evaluate recomputes the flag for now
func (c *Controller) Evaluate(now time.Time) Transition {
	next := c.InWindow(now)
	if c.override != nil {
		next = *c.override
	}
	return c.apply(next)
}

// Toggle forces the flag to the opposite of its last evaluated value
func (c *Controller) Toggle() Transition {
	return c.Set(!c.active)
}

// Set forces the flag to value regardless of the clock
func (c *Controller) Set(value bool) Transition {
	v := value
	c.override = &v
	return c.apply(v)
}

// Reset drops any override; the next Evaluate follows the clock again
func (c *Controller) Reset(now time.Time) Transition {
	c.override = nil
	return c.Evaluate(now)
}

// Active returns the last evaluated value
func (c *Controller) Active() bool {
	return c.active
}

func (c *Controller) mode() Mode {
	if c.override != nil {
		return ModeForced
	}
	return ModeAuto
}

func (c *Controller) apply(next bool) Transition {
	entered := next && !c.active
	c.active = next
	return Transition{Active: next, Entered: entered, Mode: c.mode()}
}
