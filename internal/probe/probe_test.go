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

package probe_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmbroker/internal/probe"
)

func TestWaitReady(t *testing.T) {
	ctx := context.Background()

	t.Run("OpenPortIsReadyImmediately", func(t *testing.T) {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer lis.Close()

		port := lis.Addr().(*net.TCPAddr).Port

		p := probe.New(probe.WithTimeout(5*time.Second), probe.WithInterval(100*time.Millisecond))
		assert.NoError(t, p.WaitReady(ctx, "127.0.0.1", port))
	})

	t.Run("ClosedPortTimesOutWithinWindow", func(t *testing.T) {
		// Reserve a port and close it so nothing accepts there.
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := lis.Addr().(*net.TCPAddr).Port
		require.NoError(t, lis.Close())

		timeout := 500 * time.Millisecond
		p := probe.New(probe.WithTimeout(timeout), probe.WithInterval(50*time.Millisecond))

		start := time.Now()
		err = p.WaitReady(ctx, "127.0.0.1", port)
		elapsed := time.Since(start)

		assert.ErrorIs(t, err, probe.ErrTimedOut)
		assert.GreaterOrEqual(t, elapsed, timeout)
		assert.Less(t, elapsed, 5*time.Second, "probe must not hang past its window")
	})

	t.Run("LateListenerBecomesReady", func(t *testing.T) {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := lis.Addr().(*net.TCPAddr).Port
		require.NoError(t, lis.Close())

		ready := make(chan net.Listener, 1)
		go func() {
			time.Sleep(300 * time.Millisecond)
			late, err := net.Listen("tcp", lis.Addr().String())
			if err == nil {
				ready <- late
			}
		}()

		p := probe.New(probe.WithTimeout(10*time.Second), probe.WithInterval(50*time.Millisecond))
		assert.NoError(t, p.WaitReady(ctx, "127.0.0.1", port))

		select {
		case late := <-ready:
			late.Close()
		default:
		}
	})

	t.Run("CancelledContextAbortsEarly", func(t *testing.T) {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := lis.Addr().(*net.TCPAddr).Port
		require.NoError(t, lis.Close())

		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()

		p := probe.New(probe.WithTimeout(time.Minute), probe.WithInterval(50*time.Millisecond))

		start := time.Now()
		err = p.WaitReady(cancelCtx, "127.0.0.1", port)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 10*time.Second)
	})
}
