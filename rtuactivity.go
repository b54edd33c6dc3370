package modbus

import (
	"context"
	"time"
)

// rtuActivityTracker remembers when the last message went out on a shared
// RTU line so that slow gateways get a pause between two frames.
type rtuActivityTracker struct {
	now func() time.Time

	lastActivity time.Time
}

// wait sleeps until at least delay has passed since the last message.
func (mb *rtuActivityTracker) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 || mb.lastActivity.IsZero() {
		return nil
	}
	idle := mb.now().Sub(mb.lastActivity)
	if idle >= delay {
		return nil
	}
	return sleepContext(ctx, delay-idle)
}

// touch records that a message was just sent.
func (mb *rtuActivityTracker) touch() {
	mb.lastActivity = mb.now()
}
