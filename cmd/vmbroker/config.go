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
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/alexandremahdhaoui/vmbroker/internal/types"
)

const (
	// ConfigPathEnvKey is the environment variable key for the config file path.
	ConfigPathEnvKey = "VMBROKER_CONFIG_PATH"

	defaultStateDir        = "/var/lib/vmbroker"
	defaultProbePort       = 3389
	defaultProbeTimeoutS   = 120
	defaultProbeIntervalS  = 1
	defaultSnapshotName    = "baseline"
	defaultArtifactDirName = ".lhpc"
)

// Config is used to configure the vmbroker binary.
type Config struct {
	// StateDir is the directory holding the durable pool database.
	StateDir string `json:"stateDir"`

	// HypervisorURI is the libvirt connection URI. Defaults to
	// qemu:///system.
	HypervisorURI string `json:"hypervisorURI"`

	// Probe configures the readiness probe against assigned VMs.
	Probe struct {
		// Port is the service port probed for readiness.
		Port int `json:"port"`
		// TimeoutSeconds is the total readiness window.
		TimeoutSeconds int `json:"timeoutSeconds"`
		// IntervalSeconds is the polling cadence.
		IntervalSeconds int `json:"intervalSeconds"`
		// PublishUnreachable publishes the address even when the probe
		// timed out instead of failing the acquire.
		PublishUnreachable bool `json:"publishUnreachable"`
	} `json:"probe"`

	// SnapshotReset configures the clean-state reset between jobs.
	SnapshotReset struct {
		// Enabled turns snapshot revert on during release.
		Enabled bool `json:"enabled"`
		// Name is the baseline snapshot name.
		Name string `json:"name"`
	} `json:"snapshotReset"`

	// ArtifactDirName is the directory under the user's home that holds
	// address artifacts.
	ArtifactDirName string `json:"artifactDirName"`

	// VMs is the pool inventory.
	VMs []InventoryVM `json:"vms"`
}

// InventoryVM is one configured pool member.
type InventoryVM struct {
	// Name is the hypervisor domain name.
	Name string `json:"name"`
	// Address is the network address published to users.
	Address string `json:"address"`
}

// loadConfig loads the configuration from path, or from the file named by
// the VMBROKER_CONFIG_PATH environment variable when path is empty.
func loadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnvKey)
	}
	if path == "" {
		return nil, fmt.Errorf(
			"config path required: pass --config or set %q", ConfigPathEnvKey)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Parse YAML (uses json tags)
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = defaultStateDir
	}
	if c.Probe.Port == 0 {
		c.Probe.Port = defaultProbePort
	}
	if c.Probe.TimeoutSeconds == 0 {
		c.Probe.TimeoutSeconds = defaultProbeTimeoutS
	}
	if c.Probe.IntervalSeconds == 0 {
		c.Probe.IntervalSeconds = defaultProbeIntervalS
	}
	if c.SnapshotReset.Name == "" {
		c.SnapshotReset.Name = defaultSnapshotName
	}
	if c.ArtifactDirName == "" {
		c.ArtifactDirName = defaultArtifactDirName
	}
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.VMs))
	for i, vm := range c.VMs {
		if vm.Name == "" {
			return fmt.Errorf("vms[%d]: name must not be empty", i)
		}
		if vm.Address == "" {
			return fmt.Errorf("vms[%d] (%s): address must not be empty", i, vm.Name)
		}
		if _, dup := seen[vm.Name]; dup {
			return fmt.Errorf("vms[%d]: duplicate VM name %q", i, vm.Name)
		}
		seen[vm.Name] = struct{}{}
	}
	return nil
}

// inventory converts the configured VM list into pool records.
func (c *Config) inventory() []types.VM {
	out := make([]types.VM, 0, len(c.VMs))
	for _, vm := range c.VMs {
		out = append(out, types.VM{Name: vm.Name, Address: vm.Address})
	}
	return out
}
