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

// Package hypervisor adapts the broker to the hypervisor control plane.
//
// All operations are synchronous remote calls keyed by domain name. They
// fail with the failing operation named and are never retried here: retry
// policy belongs to the caller.
package hypervisor

import (
	"context"
	"errors"
)

var (
	errConnectHypervisor = errors.New("failed to connect to hypervisor")
	errDomainNotFound    = errors.New("domain not found")
	errStartDomain       = errors.New("failed to start domain")
	errShutdownDomain    = errors.New("failed to shut down domain")
	errGetDomainState    = errors.New("failed to get domain state")
	errSnapshotNotFound  = errors.New("snapshot not found")
	errRevertSnapshot    = errors.New("failed to revert domain to snapshot")
	errDescribeDomain    = errors.New("failed to describe domain")
)

// --------------------------------------------------- INTERFACES --------------------------------------------------- //

// Hypervisor issues power and snapshot operations against named VMs.
type Hypervisor interface {
	// Start powers the named VM on.
	Start(ctx context.Context, name string) error
	// Shutdown powers the named VM off: graceful first, forced if the
	// guest does not stop within the adapter's grace period. The VM is
	// confirmed inactive when Shutdown returns nil.
	Shutdown(ctx context.Context, name string) error
	// IsRunning reports whether the named VM is currently active.
	IsRunning(ctx context.Context, name string) (bool, error)
	// RevertToSnapshot restores the named VM's disk state to the named
	// snapshot. Callers only invoke it on inactive VMs.
	RevertToSnapshot(ctx context.Context, name, snapshot string) error
	// Describe returns diagnostic details about the named VM.
	Describe(ctx context.Context, name string) (DomainInfo, error)
	// Close releases the control plane connection.
	Close() error
}

// DomainInfo holds read-only diagnostic details about a VM.
type DomainInfo struct {
	// Name is the domain name.
	Name string
	// Running reports whether the domain is active.
	Running bool
	// MemoryMB is the configured memory in MiB.
	MemoryMB uint
	// VCPUs is the configured vcpu count.
	VCPUs uint
	// MACAddress is the MAC of the first configured interface, if any.
	MACAddress string
}
