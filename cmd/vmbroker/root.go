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

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexandremahdhaoui/vmbroker/internal/broker"
	"github.com/alexandremahdhaoui/vmbroker/internal/handoff"
	"github.com/alexandremahdhaoui/vmbroker/internal/hypervisor"
	"github.com/alexandremahdhaoui/vmbroker/internal/pool"
	"github.com/alexandremahdhaoui/vmbroker/internal/probe"
	"github.com/alexandremahdhaoui/vmbroker/internal/util/logging"
)

const (
	// JobIDEnvKey and JobUIDEnvKey are the scheduler-provided identifiers,
	// read once at start.
	JobIDEnvKey  = "SLURM_JOB_ID"
	JobUIDEnvKey = "SLURM_JOB_UID"

	poolDBName = "pool.db"
)

var (
	configPath string
	devMode    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vmbroker",
		Short: "vmbroker - VM pool broker for batch desktop jobs",
		Long: `vmbroker claims an idle VM for a starting job, boots it, waits for its
remote desktop port and publishes its address to the requesting user; at
job end it reclaims the VM, powers it down and reverts it to a clean
snapshot.

Installed as a scheduler prolog/epilog hook, it picks its mode from the
invocation name: a binary or symlink containing "prolog" runs acquire,
"epilog" runs release.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if devMode {
				logging.SetupDevelopment()
			} else {
				logging.SetupDefault()
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "",
		fmt.Sprintf("Path to the config file (defaults to $%s)", ConfigPathEnvKey))
	root.PersistentFlags().BoolVar(&devMode, "dev", false,
		"Human-readable debug logging")

	root.AddCommand(newAcquireCmd())
	root.AddCommand(newReleaseCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newArtifactCmd())

	return root
}

// Execute runs the CLI. The invocation name selects the default mode so
// the same binary serves as both the scheduler's prolog and epilog hook.
func Execute() error {
	root := newRootCmd()
	if args := argsFromInvocation(os.Args); args != nil {
		root.SetArgs(args)
	}
	return root.Execute()
}

// argsFromInvocation maps a prolog/epilog invocation name onto the
// matching subcommand. Returns nil when the name implies nothing.
//
// An explicit subcommand always wins over the invocation name: the
// privileged handoff re-execs this binary with the artifact helper
// subcommand, and when the broker is installed as a prolog- or
// epilog-named copy that child must not be remapped onto a second
// acquire/release.
func argsFromInvocation(argv []string) []string {
	if len(argv) == 0 {
		return nil
	}

	if len(argv) > 1 {
		switch argv[1] {
		case "acquire", "release", "status", "artifact", "help", "completion":
			return nil
		}
	}

	base := filepath.Base(argv[0])
	switch {
	case strings.Contains(base, "prolog"):
		return append([]string{"acquire"}, argv[1:]...)
	case strings.Contains(base, "epilog"):
		return append([]string{"release"}, argv[1:]...)
	}
	return nil
}

func newAcquireCmd() *cobra.Command {
	var jobFlag, uidFlag string

	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Claim a VM for a starting job and publish its address",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, u, err := jobIdentity(jobFlag, uidFlag)
			if err != nil {
				return err
			}

			return withBroker(cmd.Context(), true, true, func(ctx context.Context, b *broker.Broker) error {
				_, err := b.Acquire(ctx, jobID, u)
				return err
			})
		},
	}

	addIdentityFlags(cmd, &jobFlag, &uidFlag)
	return cmd
}

func newReleaseCmd() *cobra.Command {
	var jobFlag, uidFlag string

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Reclaim the VM of a finished job and reset it",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, u, err := jobIdentity(jobFlag, uidFlag)
			if err != nil {
				return err
			}

			return withBroker(cmd.Context(), true, true, func(ctx context.Context, b *broker.Broker) error {
				return b.Release(ctx, jobID, u)
			})
		},
	}

	addIdentityFlags(cmd, &jobFlag, &uidFlag)
	return cmd
}

func newStatusCmd() *cobra.Command {
	var withHypervisor bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the pool state (read-only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), withHypervisor, false, func(ctx context.Context, b *broker.Broker) error {
				statuses, err := b.Status(ctx, withHypervisor)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "VM\tADDRESS\tSTATUS\tJOB")
				for _, st := range statuses {
					line := fmt.Sprintf("%s\t%s\t%s\t%s",
						st.VM.Name, st.VM.Address, st.VM.Status, st.VM.JobID)
					if st.Domain != nil {
						line += fmt.Sprintf("\trunning=%t", st.Domain.Running)
					}
					fmt.Fprintln(w, line)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&withHypervisor, "hypervisor", false,
		"Also query the hypervisor for live domain state")
	return cmd
}

// newArtifactCmd is the hidden helper run by the privileged handoff under
// the requesting user's credentials. It performs exactly one file
// operation and exits.
func newArtifactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "artifact",
		Hidden: true,
		Short:  "Internal: address artifact helper",
	}

	var path, address string

	write := &cobra.Command{
		Use:  "write",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return handoff.WriteLocal(path, address)
		},
	}
	write.Flags().StringVar(&path, "path", "", "Artifact path")
	write.Flags().StringVar(&address, "address", "", "VM address")
	_ = write.MarkFlagRequired("path")
	_ = write.MarkFlagRequired("address")

	var removePath string

	remove := &cobra.Command{
		Use:  "remove",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return handoff.RemoveLocal(removePath)
		},
	}
	remove.Flags().StringVar(&removePath, "path", "", "Artifact path")
	_ = remove.MarkFlagRequired("path")

	cmd.AddCommand(write)
	cmd.AddCommand(remove)
	return cmd
}

func addIdentityFlags(cmd *cobra.Command, jobFlag, uidFlag *string) {
	cmd.Flags().StringVar(jobFlag, "job", "",
		fmt.Sprintf("Job identifier (defaults to $%s)", JobIDEnvKey))
	cmd.Flags().StringVar(uidFlag, "uid", "",
		fmt.Sprintf("Requesting user's numeric uid (defaults to $%s)", JobUIDEnvKey))
}

// jobIdentity resolves the scheduler-provided job id and user identity
// from flags or the process environment.
func jobIdentity(jobFlag, uidFlag string) (string, handoff.User, error) {
	jobID := jobFlag
	if jobID == "" {
		jobID = os.Getenv(JobIDEnvKey)
	}
	if jobID == "" {
		return "", handoff.User{}, fmt.Errorf("job id required: pass --job or set $%s", JobIDEnvKey)
	}

	uid := uidFlag
	if uid == "" {
		uid = os.Getenv(JobUIDEnvKey)
	}
	if uid == "" {
		return "", handoff.User{}, fmt.Errorf("user uid required: pass --uid or set $%s", JobUIDEnvKey)
	}

	u, err := handoff.ResolveUser(uid)
	if err != nil {
		return "", handoff.User{}, err
	}
	return jobID, u, nil
}

// withBroker loads the config, wires the broker's collaborators, runs fn
// and tears everything down. connectHypervisor is false for store-only
// diagnostics so the status command works without a control plane; in
// that case the broker's hypervisor stays nil and must not be reached.
// seedInventory is true only for the mutating acquire/release paths:
// status is read-only and must not write.
func withBroker(
	ctx context.Context,
	connectHypervisor bool,
	seedInventory bool,
	fn func(context.Context, *broker.Broker) error,
) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	store, err := pool.Open(filepath.Join(cfg.StateDir, poolDBName))
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	if seedInventory {
		if err := store.Seed(ctx, cfg.inventory()); err != nil {
			return err
		}
	}

	var hv hypervisor.Hypervisor
	if connectHypervisor {
		lv, err := hypervisor.NewLibvirt(cfg.HypervisorURI)
		if err != nil {
			return err
		}
		defer lv.Close() //nolint:errcheck
		hv = lv
	}

	prober := probe.New(
		probe.WithTimeout(time.Duration(cfg.Probe.TimeoutSeconds)*time.Second),
		probe.WithInterval(time.Duration(cfg.Probe.IntervalSeconds)*time.Second),
	)

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable: %w", err)
	}
	publisher := handoff.New(execPath, handoff.WithDirName(cfg.ArtifactDirName))

	b := broker.New(store, hv, prober, publisher, broker.Config{
		ProbePort:          cfg.Probe.Port,
		PublishUnreachable: cfg.Probe.PublishUnreachable,
		SnapshotReset:      cfg.SnapshotReset.Enabled,
		SnapshotName:       cfg.SnapshotReset.Name,
	})

	return fn(ctx, b)
}
