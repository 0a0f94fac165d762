// Copyright 2026 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

// VMStatus is the pool availability status of a VM record.
type VMStatus string

const (
	// StatusFree means the VM is idle and eligible for reservation.
	StatusFree VMStatus = "free"
	// StatusReserved means the VM is claimed by a job but not yet started.
	StatusReserved VMStatus = "reserved"
	// StatusInUse means the VM is started and serving its job.
	StatusInUse VMStatus = "inuse"
)

// VM is a struct that holds one pool inventory record.
type VM struct {
	// Name is the hypervisor domain name, unique within the pool.
	Name string
	// Address is the network address the remote desktop client connects to.
	Address string
	// Status is the pool availability status.
	Status VMStatus
	// JobID is the owning job, empty unless Status is reserved or inuse.
	JobID string
}

// Assignment is a struct that binds one job to one VM.
type Assignment struct {
	// JobID is the scheduler job identifier.
	JobID string
	// VMName is the name of the assigned VM.
	VMName string
	// Token is a unique id minted at reservation, used for log correlation.
	Token string
}
