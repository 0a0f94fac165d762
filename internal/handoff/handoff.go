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

// Package handoff publishes the per-job address artifact with the
// requesting user's file ownership.
//
// The broker runs with elevated identity but the artifact must belong to
// the user so their own session can read it. When identities differ the
// file operation is delegated to a re-exec of this binary running under
// the user's uid/gid; the parent waits for the child and propagates its
// result, so nothing of the privilege-dropped context leaks back into the
// invoking process.
package handoff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
)

var (
	errResolveUser    = errors.New("failed to resolve requesting user")
	errWriteArtifact  = errors.New("failed to write address artifact")
	errRemoveArtifact = errors.New("failed to remove address artifact")
	errHelperFailed   = errors.New("privilege-dropped helper failed")
)

const (
	defaultDirName = ".lhpc"

	artifactFileFmt = "vm_host_%s.ip"
)

// User is the resolved identity of the requesting user.
type User struct {
	UID  uint32
	GID  uint32
	Name string
	Home string
}

// ResolveUser resolves a numeric uid to the user's name, primary group and
// home directory.
func ResolveUser(uid string) (User, error) {
	u, err := user.LookupId(uid)
	if err != nil {
		return User{}, errors.Join(err, fmt.Errorf("uid=%s", uid), errResolveUser)
	}

	uidN, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return User{}, errors.Join(err, errResolveUser)
	}
	gidN, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return User{}, errors.Join(err, errResolveUser)
	}

	return User{
		UID:  uint32(uidN),
		GID:  uint32(gidN),
		Name: u.Username,
		Home: u.HomeDir,
	}, nil
}

// Publisher writes and removes per-job address artifacts.
type Publisher struct {
	dirName  string
	execPath string
}

// Option is a functional option for configuring a Publisher.
type Option func(*Publisher)

// WithDirName sets the artifact directory name under the user's home.
func WithDirName(name string) Option {
	return func(p *Publisher) {
		p.dirName = name
	}
}

// New returns a Publisher. execPath is the binary re-executed for the
// privilege-dropped helper; pass the running executable's path.
func New(execPath string, opts ...Option) *Publisher {
	p := &Publisher{
		dirName:  defaultDirName,
		execPath: execPath,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Path returns the artifact path for jobID under u's home directory.
func (p *Publisher) Path(u User, jobID string) string {
	return filepath.Join(u.Home, p.dirName, fmt.Sprintf(artifactFileFmt, jobID))
}

// Write publishes the VM address for jobID, owned by u.
func (p *Publisher) Write(ctx context.Context, u User, jobID, address string) error {
	path := p.Path(u, jobID)

	if os.Getuid() == int(u.UID) {
		if err := WriteLocal(path, address); err != nil {
			return errors.Join(err, errWriteArtifact)
		}
		return nil
	}

	err := p.runAsUser(ctx, u, "write", "--path", path, "--address", address)
	if err != nil {
		return errors.Join(err, errWriteArtifact)
	}
	return nil
}

// Remove deletes the artifact for jobID. A missing artifact is not an
// error: release must stay idempotent.
func (p *Publisher) Remove(ctx context.Context, u User, jobID string) error {
	path := p.Path(u, jobID)

	if os.Getuid() == int(u.UID) {
		if err := RemoveLocal(path); err != nil {
			return errors.Join(err, errRemoveArtifact)
		}
		return nil
	}

	if err := p.runAsUser(ctx, u, "remove", "--path", path); err != nil {
		return errors.Join(err, errRemoveArtifact)
	}
	return nil
}

// runAsUser re-executes the broker binary with the hidden artifact
// subcommand under u's credentials and waits for it to finish.
func (p *Publisher) runAsUser(ctx context.Context, u User, op string, args ...string) error {
	cmd := exec.CommandContext(ctx, p.execPath, append([]string{"artifact", op}, args...)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: u.UID, Gid: u.GID},
	}
	cmd.Env = []string{
		"HOME=" + u.Home,
		"USER=" + u.Name,
		"PATH=/usr/bin:/bin",
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return errors.Join(
			err,
			fmt.Errorf("user=%s op=%s stderr=%q", u.Name, op, stderr.String()),
			errHelperFailed,
		)
	}
	return nil
}

// WriteLocal creates the artifact at path in the current identity. The
// parent directory is created user-only; the file holds the address and a
// trailing newline.
func WriteLocal(path, address string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(address+"\n"), 0o600)
}

// RemoveLocal removes the artifact at path in the current identity,
// tolerating a missing file.
func RemoveLocal(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
