// Package visibility manages the "call in progress" indicator that stays
// visible while at least one session is live.
package visibility

import (
	"log/slog"
	"sync"
)

// Indicator is the outward-facing visibility signal (a foreground service
// notification, a tray icon, a status LED). Acquire and Release may fail;
// failures never affect call handling.
type Indicator interface {
	Acquire() error
	Release() error
}

// Controller tracks registry occupancy and drives the indicator. Acquire and
// release are each issued at most once per occupancy episode, so repeated
// notifications with the same value are harmless.
type Controller struct {
	mu       sync.Mutex
	ind      Indicator
	acquired bool
}

// NewController creates a controller for the given indicator.
func NewController(ind Indicator) *Controller {
	return &Controller{ind: ind}
}

// OnOccupancyChanged must be called whenever the registry's emptiness may
// have changed. Indicator failures are logged and swallowed: the session
// lifecycle never blocks on the indicator.
func (c *Controller) OnOccupancyChanged(empty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !empty && !c.acquired:
		if err := c.ind.Acquire(); err != nil {
			slog.Warn("[Visibility] Failed to acquire indicator", "error", err)
			return
		}
		c.acquired = true
		slog.Debug("[Visibility] Indicator acquired")

	case empty && c.acquired:
		if err := c.ind.Release(); err != nil {
			slog.Warn("[Visibility] Failed to release indicator", "error", err)
		}
		c.acquired = false
		slog.Debug("[Visibility] Indicator released")
	}
}

// Acquired reports whether the indicator is currently held.
func (c *Controller) Acquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

// LogIndicator is the default indicator: it only logs. Real deployments
// plug in a platform-specific implementation.
type LogIndicator struct{}

func (LogIndicator) Acquire() error {
	slog.Info("[Visibility] Calls in progress")
	return nil
}

func (LogIndicator) Release() error {
	slog.Info("[Visibility] No calls in progress")
	return nil
}
