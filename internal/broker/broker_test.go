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

//go:build unit

package broker_test

import (
	"context"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmbroker/internal/broker"
	"github.com/alexandremahdhaoui/vmbroker/internal/handoff"
	"github.com/alexandremahdhaoui/vmbroker/internal/hypervisor"
	"github.com/alexandremahdhaoui/vmbroker/internal/pool"
	"github.com/alexandremahdhaoui/vmbroker/internal/probe"
	"github.com/alexandremahdhaoui/vmbroker/internal/types"
)

func TestBroker(t *testing.T) {
	var (
		ctx       context.Context
		store     *pool.Store
		fake      *hypervisor.Fake
		publisher *handoff.Publisher
		u         handoff.User

		listener net.Listener
		openPort int
	)

	inventory := []types.VM{
		{Name: "vmA", Address: "127.0.0.1"},
		{Name: "vmB", Address: "127.0.0.1"},
	}

	setup := func(t *testing.T) func() {
		t.Helper()

		ctx = context.Background()

		var err error
		store, err = pool.Open(filepath.Join(t.TempDir(), "pool.db"))
		require.NoError(t, err)
		require.NoError(t, store.Seed(ctx, inventory))

		fake = hypervisor.NewFake()
		publisher = handoff.New("/proc/self/exe")

		cur, err := user.Current()
		require.NoError(t, err)
		u, err = handoff.ResolveUser(cur.Uid)
		require.NoError(t, err)
		u.Home = t.TempDir()

		// A live port stands in for the remote desktop service.
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		openPort = listener.Addr().(*net.TCPAddr).Port

		return func() {
			t.Helper()

			listener.Close()
			require.NoError(t, store.Close())
		}
	}

	newBroker := func(cfg broker.Config, prober *probe.Prober) *broker.Broker {
		if prober == nil {
			prober = probe.New(
				probe.WithTimeout(2*time.Second),
				probe.WithInterval(50*time.Millisecond),
			)
		}
		return broker.New(store, fake, prober, publisher, cfg)
	}

	t.Run("AcquirePublishesReadyVM", func(t *testing.T) {
		defer setup(t)()

		b := newBroker(broker.Config{ProbePort: openPort}, nil)

		vm, err := b.Acquire(ctx, "job1", u)
		require.NoError(t, err)
		assert.Equal(t, "vmA", vm.Name)

		content, err := os.ReadFile(publisher.Path(u, "job1"))
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1\n", string(content))

		vms, err := store.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.StatusInUse, vms[0].Status)

		assert.Contains(t, fake.Calls(), "start vmA")
	})

	t.Run("StaleRunningVMIsShutDownBeforeStart", func(t *testing.T) {
		defer setup(t)()

		fake.SetRunning("vmA", true)
		b := newBroker(broker.Config{ProbePort: openPort}, nil)

		_, err := b.Acquire(ctx, "job1", u)
		require.NoError(t, err)

		calls := fake.Calls()
		shutdownIdx, startIdx := -1, -1
		for i, c := range calls {
			switch c {
			case "shutdown vmA":
				if shutdownIdx == -1 {
					shutdownIdx = i
				}
			case "start vmA":
				startIdx = i
			}
		}
		require.NotEqual(t, -1, shutdownIdx, "stale VM must be shut down")
		require.NotEqual(t, -1, startIdx)
		assert.Less(t, shutdownIdx, startIdx, "shutdown must precede start")
	})

	t.Run("ExhaustedPoolFailsAcquire", func(t *testing.T) {
		defer setup(t)()

		b := newBroker(broker.Config{ProbePort: openPort}, nil)

		_, err := b.Acquire(ctx, "job1", u)
		require.NoError(t, err)
		_, err = b.Acquire(ctx, "job2", u)
		require.NoError(t, err)

		_, err = b.Acquire(ctx, "job3", u)
		assert.ErrorIs(t, err, pool.ErrPoolExhausted)
		assert.ErrorIs(t, err, broker.ErrAcquireFailed)
	})

	t.Run("ProbeTimeoutFailsAndAutoReleases", func(t *testing.T) {
		defer setup(t)()

		// Point the probe at a port nothing listens on.
		require.NoError(t, listener.Close())

		prober := probe.New(
			probe.WithTimeout(300*time.Millisecond),
			probe.WithInterval(50*time.Millisecond),
		)
		b := newBroker(broker.Config{ProbePort: openPort, PublishUnreachable: false}, prober)

		_, err := b.Acquire(ctx, "job1", u)
		assert.ErrorIs(t, err, probe.ErrTimedOut)
		assert.ErrorIs(t, err, broker.ErrAcquireFailed)

		// The reservation must have been rolled back.
		vms, err := store.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFree, vms[0].Status)
		assert.Empty(t, vms[0].JobID)

		// No artifact published.
		_, err = os.Stat(publisher.Path(u, "job1"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("ProbeTimeoutPublishesWhenPermissive", func(t *testing.T) {
		defer setup(t)()

		require.NoError(t, listener.Close())

		prober := probe.New(
			probe.WithTimeout(300*time.Millisecond),
			probe.WithInterval(50*time.Millisecond),
		)
		b := newBroker(broker.Config{ProbePort: openPort, PublishUnreachable: true}, prober)

		vm, err := b.Acquire(ctx, "job1", u)
		require.NoError(t, err)
		assert.Equal(t, "vmA", vm.Name)

		content, err := os.ReadFile(publisher.Path(u, "job1"))
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1\n", string(content))
	})

	t.Run("ReleaseUnknownJobIsNoOp", func(t *testing.T) {
		defer setup(t)()

		b := newBroker(broker.Config{ProbePort: openPort}, nil)
		assert.NoError(t, b.Release(ctx, "never-acquired", u))
	})

	t.Run("ReleaseTearsDownAndReverts", func(t *testing.T) {
		defer setup(t)()

		cfg := broker.Config{
			ProbePort:     openPort,
			SnapshotReset: true,
			SnapshotName:  "baseline",
		}
		b := newBroker(cfg, nil)

		vm, err := b.Acquire(ctx, "job1", u)
		require.NoError(t, err)

		require.NoError(t, b.Release(ctx, "job1", u))

		_, err = os.Stat(publisher.Path(u, "job1"))
		assert.True(t, os.IsNotExist(err), "artifact must be removed")

		assert.Contains(t, fake.Calls(), "shutdown "+vm.Name)
		assert.Contains(t, fake.Calls(), "revert "+vm.Name+" baseline")

		vms, err := store.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFree, vms[0].Status)
	})

	t.Run("ReleaseOfStoppedVMStillReverts", func(t *testing.T) {
		defer setup(t)()

		cfg := broker.Config{
			ProbePort:     openPort,
			SnapshotReset: true,
			SnapshotName:  "baseline",
		}
		b := newBroker(cfg, nil)

		_, err := b.Acquire(ctx, "job1", u)
		require.NoError(t, err)

		// Simulate an unclean stop between acquire and release.
		fake.SetRunning("vmA", false)

		require.NoError(t, b.Release(ctx, "job1", u))
		assert.Contains(t, fake.Calls(), "revert vmA baseline")
	})

	t.Run("AcquireReleaseAcquireReassignsSameVM", func(t *testing.T) {
		defer setup(t)()

		b := newBroker(broker.Config{ProbePort: openPort}, nil)

		first, err := b.Acquire(ctx, "job1", u)
		require.NoError(t, err)
		require.NoError(t, b.Release(ctx, "job1", u))

		second, err := b.Acquire(ctx, "job2", u)
		require.NoError(t, err)
		assert.Equal(t, first.Name, second.Name)
	})
}
