// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Pool shares one RTUOverTCPChannel between all devices behind the same
// Serial-over-LAN gateway. The zero value is not usable, use NewPool.
type Pool struct {
	// Dialer used by new channels, plain TCP when nil.
	Dialer Dialer
	// VerifyCRC is copied to new channels.
	VerifyCRC bool
	// Logger is copied to new channels.
	Logger logger

	mu       sync.Mutex
	channels map[string]*RTUOverTCPChannel
}

// NewPool allocates an empty pool.
func NewPool() *Pool {
	return &Pool{
		channels: make(map[string]*RTUOverTCPChannel),
	}
}

// GetOrCreate returns the channel for host:port with deviceID registered on
// it, creating and connecting the channel if needed. If the channel cannot be
// connected the registration is rolled back.
func (p *Pool) GetOrCreate(ctx context.Context, deviceID, host string, port int, timeout time.Duration) (*RTUOverTCPChannel, error) {
	if err := validateChannelKey(deviceID, host, port); err != nil {
		return nil, err
	}

	channel := p.register(deviceID, host, port)

	if !channel.IsInitialized() {
		if err := channel.Initialize(ctx, timeout); err != nil {
			p.TryRemove(deviceID, host, port)
			return nil, err
		}
	}
	return channel, nil
}

func (p *Pool) register(deviceID, host string, port int) *RTUOverTCPChannel {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := channelKey(host, port)
	channel, ok := p.channels[key]
	if !ok {
		channel = NewRTUOverTCPChannel(host, port, p.Dialer)
		channel.VerifyCRC = p.VerifyCRC
		channel.Logger = p.Logger
		p.channels[key] = channel
	}
	channel.RegisterDevice(deviceID)
	return channel
}

// TryRemove unregisters deviceID from the channel for host:port. The channel
// is closed and dropped once no device is left on it. It returns false only
// if closing the channel failed.
func (p *Pool) TryRemove(deviceID, host string, port int) bool {
	if host == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := channelKey(host, port)
	channel, ok := p.channels[key]
	if !ok {
		return true
	}
	channel.UnregisterDevice(deviceID)
	if len(channel.RegisteredDevices()) > 0 {
		return true
	}
	delete(p.channels, key)
	return channel.Close() == nil
}

// Len returns the number of channels in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

// Addresses returns the host:port of every channel in sorted order.
func (p *Pool) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	addresses := make([]string, 0, len(p.channels))
	for key := range p.channels {
		addresses = append(addresses, key)
	}
	sort.Strings(addresses)
	return addresses
}

// Close closes and drops every channel.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, channel := range p.channels {
		if err := channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
		delete(p.channels, key)
	}
	return errors.Join(errs...)
}

func validateChannelKey(deviceID, host string, port int) error {
	switch {
	case deviceID == "":
		return errors.New("modbus: device id must not be empty")
	case host == "":
		return errors.New("modbus: host must not be empty")
	case port <= 0 || port > 0xFFFF:
		return fmt.Errorf("modbus: port '%v' must be between 1 and 65535", port)
	}
	return nil
}

func channelKey(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
