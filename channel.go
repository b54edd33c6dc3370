// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"io"
	"time"
)

const (
	// A receive with less time left than this is not worth issuing.
	minReceiveTimeout = 50 * time.Millisecond

	// Large enough for any MBAP or RTU frame.
	receiveBufferSize = 300
)

// Channel carries requests to one endpoint, one request at a time.
type Channel interface {
	// Initialize connects the channel unless it is connected already.
	Initialize(ctx context.Context, timeout time.Duration) error
	// ProcessRequest sends request and waits for the matching response,
	// reconnecting and retrying as configured by options.
	ProcessRequest(ctx context.Context, request Request, options RequestOptions) (*ProcessRequestResult, error)
	// Close releases the connection.
	Close() error
}

// RequestOptions control a single ProcessRequest call.
type RequestOptions struct {
	// Timeout is the budget for connecting, sending and receiving within
	// one attempt.
	Timeout time.Duration
	// Retries is the number of attempts after the first one.
	Retries int
	// InterMessageDelay is the minimum time between two messages on a
	// Serial-over-LAN channel. Direct channels ignore it.
	InterMessageDelay time.Duration
}

// ProcessRequestResult holds the response together with transfer counters
// accumulated over all attempts.
type ProcessRequestResult struct {
	BytesSent       int
	PacketsSent     int
	BytesReceived   int
	PacketsReceived int
	Duration        time.Duration
	Response        Response
}

// gate admits one holder at a time.
type gate chan struct{}

func newGate() gate {
	return make(gate, 1)
}

func (g gate) acquire(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	default:
	}
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g gate) release() {
	<-g
}

// budget is the time left for a sequence of partial reads.
type budget struct {
	start   time.Time
	timeout time.Duration
}

func newBudget(timeout time.Duration) budget {
	return budget{start: time.Now(), timeout: timeout}
}

// remaining is the smaller of what is left of the timeout and what is left
// until the context deadline.
func (b budget) remaining(ctx context.Context) time.Duration {
	left := b.timeout - time.Since(b.start)
	if deadline, ok := ctx.Deadline(); ok {
		if untilDeadline := time.Until(deadline); untilDeadline < left {
			left = untilDeadline
		}
	}
	return left
}

// receiveUntil reads into buf, starting at offset have, until need reports
// that enough bytes arrived or the budget is spent. It returns the number of
// valid bytes in buf. Running out of time is not an error here; callers
// compare the count with what they need.
func receiveUntil(ctx context.Context, conn Conn, buf []byte, have int, need func([]byte) int, b budget, result *ProcessRequestResult) (int, error) {
	for have < need(buf[:have]) && have < len(buf) {
		remaining := b.remaining(ctx)
		if remaining < minReceiveTimeout {
			break
		}
		n, err := conn.Receive(ctx, buf[have:], remaining)
		if n > 0 {
			have += n
			result.BytesReceived += n
			result.PacketsReceived++
		}
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			if err == io.EOF {
				return have, io.ErrUnexpectedEOF
			}
			return have, err
		}
	}
	return have, nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exchangeFunc performs one attempt and returns the raw response PDU.
type exchangeFunc func(ctx context.Context, attempt int) ([]byte, error)

// processWithRetries runs exchange until it succeeds or the retries are used
// up. The gate is held for one attempt at a time. Cancellation of ctx ends
// the loop right away.
func processWithRetries(ctx context.Context, g gate, retries int, l logger, exchange exchangeFunc) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := g.acquire(ctx); err != nil {
			return nil, err
		}
		pdu, err := exchange(ctx, attempt)
		g.release()
		if err == nil {
			return pdu, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, err
		}
		if attempt >= retries {
			return nil, err
		}
		logf(l, "modbus: attempt %d failed, retrying: %v", attempt+1, err)
	}
}

func logf(l logger, format string, v ...interface{}) {
	if l != nil {
		l.Printf(format, v...)
	}
}
