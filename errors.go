// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is wrapped by a Conn when an operation ran out of time.
	ErrTimeout = errors.New("modbus: i/o timeout")
	// ErrNoData is wrapped when a receive loop ended without a single byte.
	ErrNoData = errors.New("modbus: no data was received")
	// ErrInitializeRateLimited is wrapped when a shared channel refuses to
	// reconnect because the previous attempt was too recent.
	ErrInitializeRateLimited = errors.New("modbus: initialization rate limited")
	// ErrChannelClosed is returned when a closed channel is used.
	ErrChannelClosed = errors.New("modbus: channel closed")
)

// CommunicationError reports that the device could not be talked to, or that
// the frame it sent back could not be correlated with the request.
type CommunicationError struct {
	// Endpoint is the host:port of the channel.
	Endpoint string
	// UnitID is the addressed device, zero when the error concerns the
	// channel as a whole.
	UnitID byte
	Msg    string
	Err    error
}

func (e *CommunicationError) Error() string {
	target := fmt.Sprintf("'%s'", e.Endpoint)
	if e.UnitID != 0 {
		target = fmt.Sprintf("device id '%d' on '%s'", e.UnitID, e.Endpoint)
	}
	if e.Err == nil {
		return fmt.Sprintf("modbus: %s (%s)", e.Msg, target)
	}
	return fmt.Sprintf("modbus: %s (%s): %v", e.Msg, target, e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// ProtocolError reports that the device answered with a well-formed frame
// whose content is not a valid reply to the request.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "modbus: " + e.Msg
	}
	return fmt.Sprintf("modbus: %s: %v", e.Msg, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErrorf(format string, v ...interface{}) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, v...)}
}

// IsCommunicationError reports whether err is or wraps a CommunicationError.
func IsCommunicationError(err error) bool {
	var target *CommunicationError
	return errors.As(err, &target)
}

// IsProtocolError reports whether err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}

func newCommunicationError(endpoint string, unitID byte, err error, format string, v ...interface{}) *CommunicationError {
	return &CommunicationError{
		Endpoint: endpoint,
		UnitID:   unitID,
		Msg:      fmt.Sprintf(format, v...),
		Err:      err,
	}
}

// asCommunicationError returns err unchanged if it already carries an
// endpoint, otherwise wraps it in a CommunicationError.
func asCommunicationError(endpoint string, unitID byte, err error, msg string) error {
	if err == nil || IsCommunicationError(err) {
		return err
	}
	return newCommunicationError(endpoint, unitID, err, "%s", msg)
}
