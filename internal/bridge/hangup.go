package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/birddigital/realtime-bridge/internal/functioncall"
)

// scheduleHangUp arms the cancellable grace-period timer described in
// spec.md §4.5/§5: the call ends HangUpDelay after a function result
// indicates it should, unless the call closes for some other reason
// first. Owned here, not inside functioncall.Handler, so a later event
// on the call can still cancel it before it fires.
func (c *Call) scheduleHangUp(functionName string, result functioncall.Result) {
	reason := functioncall.HangUpReason(functionName, result)

	c.hangupMu.Lock()
	defer c.hangupMu.Unlock()

	if c.hangupTimer != nil {
		// A hang-up is already scheduled; don't reschedule for a second
		// candidate arriving before the first fires.
		return
	}

	delay := c.fnHandler.HangUpDelay
	if delay <= 0 {
		delay = 8 * time.Second
	}

	c.logger.Info("scheduling hang-up", zap.String("reason", reason), zap.Duration("delay", delay))
	c.hangupTimer = time.AfterFunc(delay, func() {
		c.Close(context.Background(), reason)
	})
}

// cancelHangUp stops a pending hang-up timer, if any, without firing it.
func (c *Call) cancelHangUp() {
	c.hangupMu.Lock()
	defer c.hangupMu.Unlock()
	if c.hangupTimer != nil {
		c.hangupTimer.Stop()
		c.hangupTimer = nil
	}
}
