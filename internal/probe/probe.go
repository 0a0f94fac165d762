/*
Copyright 2026 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package probe polls a VM's service port until it accepts a connection.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// ErrTimedOut is returned when the port did not accept a connection within
// the configured window. It is distinct from hard failures: the VM may
// still become reachable later.
var ErrTimedOut = errors.New("timed out waiting for port to accept connections")

const (
	defaultTimeout  = 120 * time.Second
	defaultInterval = 1 * time.Second
)

// Prober checks that a VM's service port is accepting connections.
type Prober struct {
	timeout  time.Duration
	interval time.Duration
}

// Option is a functional option for configuring a Prober.
type Option func(*Prober)

// WithTimeout sets the total readiness window.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		p.timeout = d
	}
}

// WithInterval sets the polling cadence.
func WithInterval(d time.Duration) Option {
	return func(p *Prober) {
		p.interval = d
	}
}

// New returns a Prober with a bounded timeout and fixed polling interval.
func New(opts ...Option) *Prober {
	p := &Prober{
		timeout:  defaultTimeout,
		interval: defaultInterval,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// WaitReady dials address:port every interval until a connection is
// accepted or the timeout elapses. Refused, unreachable and unresolvable
// attempts all mean "not yet ready". Returns ErrTimedOut on exhaustion,
// or the context error if ctx is cancelled first.
func (p *Prober) WaitReady(ctx context.Context, address string, port int) error {
	target := net.JoinHostPort(address, strconv.Itoa(port))
	deadline := time.After(p.timeout)

	tick := time.NewTicker(p.interval)
	defer tick.Stop()

	for attempt := 1; ; attempt++ {
		conn, err := net.DialTimeout("tcp", target, p.interval)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		slog.Debug("port not ready yet", "target", target, "attempt", attempt, "error", err.Error())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errors.Join(fmt.Errorf("target=%s", target), ErrTimedOut)
		case <-tick.C:
		}
	}
}
