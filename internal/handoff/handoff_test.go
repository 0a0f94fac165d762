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

package handoff_test

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmbroker/internal/handoff"
)

// currentUser builds a handoff.User for the test process itself, with the
// home directory redirected into a temp dir. Same-uid operations run
// in-process, so no privileges are needed.
func currentUser(t *testing.T) handoff.User {
	t.Helper()

	u, err := user.Current()
	require.NoError(t, err)

	resolved, err := handoff.ResolveUser(u.Uid)
	require.NoError(t, err)
	resolved.Home = t.TempDir()

	return resolved
}

func TestResolveUser(t *testing.T) {
	u, err := user.Current()
	require.NoError(t, err)

	resolved, err := handoff.ResolveUser(u.Uid)
	require.NoError(t, err)
	assert.Equal(t, u.Username, resolved.Name)
	assert.Equal(t, u.HomeDir, resolved.Home)

	_, err = handoff.ResolveUser("no-such-uid")
	assert.Error(t, err)
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("PathUsesHomeAndJobID", func(t *testing.T) {
		u := currentUser(t)
		p := handoff.New("/proc/self/exe", handoff.WithDirName(".lhpc"))

		want := filepath.Join(u.Home, ".lhpc", "vm_host_4211.ip")
		assert.Equal(t, want, p.Path(u, "4211"))
	})

	t.Run("WriteThenRead", func(t *testing.T) {
		u := currentUser(t)
		p := handoff.New("/proc/self/exe")

		require.NoError(t, p.Write(ctx, u, "4211", "10.0.0.11"))

		content, err := os.ReadFile(p.Path(u, "4211"))
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.11\n", string(content))

		info, err := os.Stat(p.Path(u, "4211"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		u := currentUser(t)
		p := handoff.New("/proc/self/exe")

		require.NoError(t, p.Write(ctx, u, "4211", "10.0.0.11"))
		require.NoError(t, p.Remove(ctx, u, "4211"))

		_, err := os.Stat(p.Path(u, "4211"))
		assert.True(t, os.IsNotExist(err))

		// Removing an artifact that is already gone must succeed.
		assert.NoError(t, p.Remove(ctx, u, "4211"))
	})
}
