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

// Package broker implements the acquire/release protocol on top of the
// pool store, the hypervisor adapter, the readiness prober and the
// privileged handoff.
//
// Each invocation is a one-shot transaction: failures are surfaced to the
// caller, never retried here. Recovery across invocations relies on the
// idempotent release path and the stale-VM shutdown check before start.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexandremahdhaoui/vmbroker/internal/handoff"
	"github.com/alexandremahdhaoui/vmbroker/internal/hypervisor"
	"github.com/alexandremahdhaoui/vmbroker/internal/pool"
	"github.com/alexandremahdhaoui/vmbroker/internal/probe"
	"github.com/alexandremahdhaoui/vmbroker/internal/types"
)

var (
	// ErrAcquireFailed wraps every failure mode of the acquire path.
	ErrAcquireFailed = errors.New("acquire failed")

	errPublishAddress = errors.New("failed to publish address artifact")
	errStaleShutdown  = errors.New("failed to shut down stale VM")
	errStartVM        = errors.New("failed to start VM")
)

// JobState is the lifecycle state of one job's claim, used for logging.
type JobState string

const (
	StateIdle          JobState = "idle"
	StateReserved      JobState = "reserved"
	StateStarting      JobState = "starting"
	StateProbingReady  JobState = "probing-ready"
	StateReady         JobState = "ready"
	StateReleased      JobState = "released"
	StateAcquireFailed JobState = "acquire-failed"
)

// Config carries the protocol policy knobs.
type Config struct {
	// ProbePort is the service port probed for readiness (3389 for RDP).
	ProbePort int
	// PublishUnreachable, when true, publishes the address even if the
	// readiness probe timed out (the permissive legacy behavior). When
	// false a probe timeout fails the acquire and auto-releases the VM.
	PublishUnreachable bool
	// SnapshotReset enables snapshot revert during release.
	SnapshotReset bool
	// SnapshotName is the baseline snapshot reverted to on release.
	SnapshotName string
}

// Broker orchestrates the claim/release protocol.
type Broker struct {
	store     *pool.Store
	hv        hypervisor.Hypervisor
	prober    *probe.Prober
	publisher *handoff.Publisher
	cfg       Config
}

// New returns a Broker wired to its collaborators.
func New(
	store *pool.Store,
	hv hypervisor.Hypervisor,
	prober *probe.Prober,
	publisher *handoff.Publisher,
	cfg Config,
) *Broker {
	return &Broker{
		store:     store,
		hv:        hv,
		prober:    prober,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Acquire claims a VM for jobID, boots it, waits for its service port and
// publishes its address for u. On failure before the address is published
// the reservation is rolled back so the VM is not stranded; a handoff
// failure after the VM is ready does not roll back the committed state.
func (b *Broker) Acquire(ctx context.Context, jobID string, u handoff.User) (types.VM, error) {
	vm, asg, err := b.store.Reserve(ctx, jobID)
	if err != nil {
		if errors.Is(err, pool.ErrPoolExhausted) {
			b.transition(jobID, "", StateAcquireFailed)
			slog.Error("pool exhausted, no VM available", "jobID", jobID)
		}
		return types.VM{}, errors.Join(err, ErrAcquireFailed)
	}
	b.transition(jobID, vm.Name, StateReserved)

	// A previous tenant's teardown may not have completed. Clear any
	// stale run before starting fresh.
	running, err := b.hv.IsRunning(ctx, vm.Name)
	if err != nil {
		return types.VM{}, b.failAcquire(ctx, jobID, vm, errors.Join(err, ErrAcquireFailed))
	}
	if running {
		slog.Warn("VM already running at acquire, shutting down stale run",
			"jobID", jobID, "vmName", vm.Name)
		if err := b.hv.Shutdown(ctx, vm.Name); err != nil {
			return types.VM{}, b.failAcquire(ctx, jobID, vm,
				errors.Join(err, errStaleShutdown, ErrAcquireFailed))
		}
	}

	b.transition(jobID, vm.Name, StateStarting)
	if err := b.hv.Start(ctx, vm.Name); err != nil {
		return types.VM{}, b.failAcquire(ctx, jobID, vm,
			errors.Join(err, errStartVM, ErrAcquireFailed))
	}
	if err := b.store.Activate(ctx, jobID); err != nil {
		return types.VM{}, b.failAcquire(ctx, jobID, vm, errors.Join(err, ErrAcquireFailed))
	}

	b.transition(jobID, vm.Name, StateProbingReady)
	if err := b.prober.WaitReady(ctx, vm.Address, b.cfg.ProbePort); err != nil {
		if !errors.Is(err, probe.ErrTimedOut) || !b.cfg.PublishUnreachable {
			return types.VM{}, b.failAcquire(ctx, jobID, vm, errors.Join(err, ErrAcquireFailed))
		}
		slog.Warn("VM unreachable within probe window, publishing address anyway",
			"jobID", jobID, "vmName", vm.Name, "address", vm.Address)
	}

	if err := b.publisher.Write(ctx, u, jobID, vm.Address); err != nil {
		// The claim is committed and the VM is up: do not roll back,
		// the epilog will reclaim it.
		return types.VM{}, errors.Join(err, errPublishAddress, ErrAcquireFailed)
	}

	b.transition(jobID, vm.Name, StateReady)
	slog.Info("VM acquired",
		"jobID", jobID, "vmName", vm.Name, "address", vm.Address, "token", asg.Token)
	return vm, nil
}

// failAcquire rolls back a reservation whose startup never completed:
// release the store assignment and make a best-effort attempt to power the
// VM back off. The original error is returned either way.
func (b *Broker) failAcquire(ctx context.Context, jobID string, vm types.VM, cause error) error {
	b.transition(jobID, vm.Name, StateAcquireFailed)

	if _, _, err := b.store.Release(ctx, jobID); err != nil && !errors.Is(err, pool.ErrNoAssignment) {
		slog.Error("failed to roll back reservation", "jobID", jobID, "vmName", vm.Name,
			"error", err.Error())
	}
	if err := b.hv.Shutdown(ctx, vm.Name); err != nil {
		slog.Debug("best-effort shutdown after failed acquire", "vmName", vm.Name,
			"error", err.Error())
	}

	return cause
}

// Release reclaims the VM held by jobID: unpublish the address, shut the
// VM down and revert it to the baseline snapshot. Releasing a job with no
// assignment is a no-op. Cleanup steps are best-effort; their failures are
// joined so the exit status reflects partial cleanup.
func (b *Broker) Release(ctx context.Context, jobID string, u handoff.User) error {
	vm, asg, err := b.store.Release(ctx, jobID)
	if errors.Is(err, pool.ErrNoAssignment) {
		slog.Info("no VM assigned to job, nothing to release", "jobID", jobID)
		return nil
	}
	if err != nil {
		return err
	}

	var errs error

	if err := b.publisher.Remove(ctx, u, jobID); err != nil {
		slog.Error("failed to remove address artifact", "jobID", jobID, "error", err.Error())
		errs = errors.Join(errs, err)
	}

	stopped := false
	running, err := b.hv.IsRunning(ctx, vm.Name)
	switch {
	case err != nil:
		errs = errors.Join(errs, err)
	case running:
		if err := b.hv.Shutdown(ctx, vm.Name); err != nil {
			slog.Error("failed to shut down VM", "jobID", jobID, "vmName", vm.Name,
				"error", err.Error())
			errs = errors.Join(errs, err)
		} else {
			stopped = true
		}
	default:
		// The VM should have been running for the whole job. Not an
		// invariant violation, but worth surfacing to operators.
		slog.Error("VM was not running at release time", "jobID", jobID, "vmName", vm.Name)
		stopped = true
	}

	if b.cfg.SnapshotReset && stopped {
		if err := b.hv.RevertToSnapshot(ctx, vm.Name, b.cfg.SnapshotName); err != nil {
			slog.Error("failed to revert VM to baseline snapshot", "jobID", jobID,
				"vmName", vm.Name, "snapshot", b.cfg.SnapshotName, "error", err.Error())
			errs = errors.Join(errs, err)
		}
	}

	b.transition(jobID, vm.Name, StateReleased)
	slog.Info("VM released", "jobID", jobID, "vmName", vm.Name, "token", asg.Token)
	return errs
}

func (b *Broker) transition(jobID, vmName string, state JobState) {
	slog.Debug("job state transition", "jobID", jobID, "vmName", vmName, "state", string(state))
}

// Status returns the pool listing, optionally enriched with live domain
// info from the hypervisor.
func (b *Broker) Status(ctx context.Context, withHypervisor bool) ([]VMStatus, error) {
	vms, err := b.store.Status(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]VMStatus, 0, len(vms))
	for _, vm := range vms {
		st := VMStatus{VM: vm}
		if withHypervisor {
			info, err := b.hv.Describe(ctx, vm.Name)
			if err != nil {
				return nil, errors.Join(err, fmt.Errorf("vmName=%s", vm.Name))
			}
			st.Domain = &info
		}
		out = append(out, st)
	}
	return out, nil
}

// VMStatus pairs a pool record with optional live hypervisor details.
type VMStatus struct {
	VM     types.VM
	Domain *hypervisor.DomainInfo
}
