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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

const (
	defaultURI         = "qemu:///system"
	defaultGracePeriod = 30 * time.Second
	statePollInterval  = 1 * time.Second
)

var _ Hypervisor = (*Libvirt)(nil)

// Libvirt implements Hypervisor against a libvirt control plane.
type Libvirt struct {
	conn        *libvirt.Connect
	gracePeriod time.Duration
}

// LibvirtOption is a functional option for configuring Libvirt.
type LibvirtOption func(*Libvirt)

// WithGracePeriod sets how long Shutdown waits for a guest to stop before
// forcing it off.
func WithGracePeriod(d time.Duration) LibvirtOption {
	return func(l *Libvirt) {
		l.gracePeriod = d
	}
}

// NewLibvirt connects to the hypervisor at uri (qemu:///system if empty).
func NewLibvirt(uri string, opts ...LibvirtOption) (*Libvirt, error) {
	if uri == "" {
		uri = defaultURI
	}

	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("uri=%s", uri), errConnectHypervisor)
	}

	l := &Libvirt{
		conn:        conn,
		gracePeriod: defaultGracePeriod,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Close closes the libvirt connection.
func (l *Libvirt) Close() error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.Close()
	return err
}

// Start implements Hypervisor.
func (l *Libvirt) Start(ctx context.Context, name string) error {
	dom, err := l.lookup(name)
	if err != nil {
		return errors.Join(err, errStartDomain)
	}
	defer dom.Free()

	if err := dom.Create(); err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errStartDomain)
	}
	return nil
}

// Shutdown implements Hypervisor. It requests a graceful guest shutdown,
// waits up to the grace period for the domain to become inactive, then
// forces it off. Returns nil only once the domain is confirmed inactive.
func (l *Libvirt) Shutdown(ctx context.Context, name string) error {
	dom, err := l.lookup(name)
	if err != nil {
		return errors.Join(err, errShutdownDomain)
	}
	defer dom.Free()

	active, err := dom.IsActive()
	if err != nil {
		return errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainState)
	}
	if !active {
		return nil
	}

	// ACPI shutdown may be ignored by a wedged guest. Best effort.
	if err := dom.Shutdown(); err != nil {
		slog.Debug("graceful shutdown request failed", "vmName", name, "error", err.Error())
	}

	deadline := time.After(l.gracePeriod)
	tick := time.NewTicker(statePollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), fmt.Errorf("vmName=%s", name), errShutdownDomain)
		case <-deadline:
			slog.Info("grace period elapsed, forcing domain off", "vmName", name)
			if err := dom.Destroy(); err != nil {
				return errors.Join(err, fmt.Errorf("vmName=%s", name), errShutdownDomain)
			}
			return nil
		case <-tick.C:
			active, err := dom.IsActive()
			if err != nil {
				return errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainState)
			}
			if !active {
				return nil
			}
		}
	}
}

// IsRunning implements Hypervisor.
func (l *Libvirt) IsRunning(ctx context.Context, name string) (bool, error) {
	dom, err := l.lookup(name)
	if err != nil {
		return false, errors.Join(err, errGetDomainState)
	}
	defer dom.Free()

	active, err := dom.IsActive()
	if err != nil {
		return false, errors.Join(err, fmt.Errorf("vmName=%s", name), errGetDomainState)
	}
	return active, nil
}

// RevertToSnapshot implements Hypervisor.
func (l *Libvirt) RevertToSnapshot(ctx context.Context, name, snapshot string) error {
	dom, err := l.lookup(name)
	if err != nil {
		return errors.Join(err, errRevertSnapshot)
	}
	defer dom.Free()

	snap, err := dom.SnapshotLookupByName(snapshot, 0)
	if err != nil {
		return errors.Join(
			err,
			fmt.Errorf("vmName=%s snapshot=%s", name, snapshot),
			errSnapshotNotFound,
			errRevertSnapshot,
		)
	}
	defer snap.Free()

	if err := snap.RevertToSnapshot(0); err != nil {
		return errors.Join(
			err,
			fmt.Errorf("vmName=%s snapshot=%s", name, snapshot),
			errRevertSnapshot,
		)
	}
	return nil
}

// Describe implements Hypervisor. Configuration details are read from the
// domain XML.
func (l *Libvirt) Describe(ctx context.Context, name string) (DomainInfo, error) {
	dom, err := l.lookup(name)
	if err != nil {
		return DomainInfo{}, errors.Join(err, errDescribeDomain)
	}
	defer dom.Free()

	info := DomainInfo{Name: name}

	info.Running, err = dom.IsActive()
	if err != nil {
		return DomainInfo{}, errors.Join(err, fmt.Errorf("vmName=%s", name), errDescribeDomain)
	}

	raw, err := dom.GetXMLDesc(0)
	if err != nil {
		return DomainInfo{}, errors.Join(err, fmt.Errorf("vmName=%s", name), errDescribeDomain)
	}

	domXML := &libvirtxml.Domain{}
	if err := domXML.Unmarshal(raw); err != nil {
		return DomainInfo{}, errors.Join(err, fmt.Errorf("vmName=%s", name), errDescribeDomain)
	}

	if domXML.Memory != nil {
		info.MemoryMB = memoryMiB(domXML.Memory)
	}
	if domXML.VCPU != nil {
		info.VCPUs = domXML.VCPU.Value
	}
	if domXML.Devices != nil {
		for _, iface := range domXML.Devices.Interfaces {
			if iface.MAC != nil {
				info.MACAddress = iface.MAC.Address
				break
			}
		}
	}

	return info, nil
}

func (l *Libvirt) lookup(name string) (*libvirt.Domain, error) {
	dom, err := l.conn.LookupDomainByName(name)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("vmName=%s", name), errDomainNotFound)
	}
	return dom, nil
}

// memoryMiB normalizes the domain memory element, which libvirt reports in
// KiB unless the XML says otherwise.
func memoryMiB(mem *libvirtxml.DomainMemory) uint {
	switch mem.Unit {
	case "MiB":
		return mem.Value
	case "GiB":
		return mem.Value * 1024
	default: // "KiB" or unset
		return mem.Value / 1024
	}
}
