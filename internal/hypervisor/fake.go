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

package hypervisor

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Hypervisor for tests. It tracks per-domain running
// state and records every call as "op vmName" so tests can assert call
// order (e.g. a stale VM must see "shutdown" before "start").
type Fake struct {
	mu      sync.Mutex
	running map[string]bool
	calls   []string

	// StartErr, ShutdownErr, RevertErr and IsRunningErr, when set, are
	// returned by the corresponding operation.
	StartErr     error
	ShutdownErr  error
	RevertErr    error
	IsRunningErr error
}

var _ Hypervisor = (*Fake)(nil)

// NewFake returns a Fake with every domain powered off.
func NewFake() *Fake {
	return &Fake{running: make(map[string]bool)}
}

// SetRunning primes a domain's power state.
func (f *Fake) SetRunning(name string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = running
}

// Calls returns the recorded operations in invocation order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Start implements Hypervisor.
func (f *Fake) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start "+name)
	if f.StartErr != nil {
		return f.StartErr
	}
	f.running[name] = true
	return nil
}

// Shutdown implements Hypervisor.
func (f *Fake) Shutdown(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "shutdown "+name)
	if f.ShutdownErr != nil {
		return f.ShutdownErr
	}
	f.running[name] = false
	return nil
}

// IsRunning implements Hypervisor.
func (f *Fake) IsRunning(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "is-running "+name)
	if f.IsRunningErr != nil {
		return false, f.IsRunningErr
	}
	return f.running[name], nil
}

// RevertToSnapshot implements Hypervisor.
func (f *Fake) RevertToSnapshot(ctx context.Context, name, snapshot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("revert %s %s", name, snapshot))
	return f.RevertErr
}

// Describe implements Hypervisor.
func (f *Fake) Describe(ctx context.Context, name string) (DomainInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "describe "+name)
	return DomainInfo{Name: name, Running: f.running[name]}, nil
}

// Close implements Hypervisor.
func (f *Fake) Close() error {
	return nil
}
