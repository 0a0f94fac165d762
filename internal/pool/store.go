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

// Package pool implements the durable pool state store.
//
// The store is an embedded sqlite database shared by every broker
// invocation. Each mutation runs in a single immediate transaction, so
// concurrent acquire/release processes serialize on sqlite's database
// lock and a commit is on stable storage before the call returns.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/alexandremahdhaoui/vmbroker/internal/types"
)

var (
	// ErrPoolExhausted is returned by Reserve when no VM is free. It is a
	// signal, not a failure: the pool state is left untouched.
	ErrPoolExhausted = errors.New("no free VM in pool")

	// ErrNoAssignment is returned when a job id has no active assignment.
	// Callers treat it as an idempotent no-op on release.
	ErrNoAssignment = errors.New("no assignment for job")

	errOpenStore     = errors.New("failed to open pool store")
	errApplySchema   = errors.New("failed to apply pool schema")
	errSeedInventory = errors.New("failed to seed pool inventory")
	errReserveVM     = errors.New("failed to reserve VM")
	errActivateVM    = errors.New("failed to activate VM")
	errReleaseVM     = errors.New("failed to release VM")
	errListPool      = errors.New("failed to list pool state")
)

const schema = `
CREATE TABLE IF NOT EXISTS vms (
	name TEXT PRIMARY KEY,
	address TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'free',
	job_id TEXT
);
CREATE TABLE IF NOT EXISTS assignments (
	job_id TEXT PRIMARY KEY,
	vm_name TEXT NOT NULL UNIQUE REFERENCES vms(name),
	token TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store is the durable, lock-serialized pool state store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the pool database at path and applies
// the schema. The DSN enables immediate transactions so read-modify-write
// cycles take the database lock up front, and a busy timeout so concurrent
// invocations queue instead of failing.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_sync=full&_fk=1", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Join(err, errOpenStore)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Join(err, errApplySchema)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Seed upserts the configured inventory into the VM table. New VMs start
// free; existing records only get their address refreshed, so a live
// assignment survives a config reload.
func (s *Store) Seed(ctx context.Context, inventory []types.VM) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(err, errSeedInventory)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, vm := range inventory {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vms (name, address, status) VALUES (?, ?, 'free')
			 ON CONFLICT(name) DO UPDATE SET address = excluded.address`,
			vm.Name, vm.Address,
		); err != nil {
			return errors.Join(err, fmt.Errorf("vmName=%s", vm.Name), errSeedInventory)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Join(err, errSeedInventory)
	}
	return nil
}

// Reserve claims a free VM for jobID and records the assignment, all in one
// transaction. Tie-break when several VMs are free: lowest name wins. The
// returned assignment carries the token minted at reservation; callers
// include it in their log lines so one claim can be correlated across the
// acquire and release invocations.
//
// Reserving a job that already holds a VM returns that VM and its original
// assignment unchanged, so a replayed acquire cannot burn a second VM. If
// no VM is free it returns ErrPoolExhausted and the pool state is
// untouched.
func (s *Store) Reserve(ctx context.Context, jobID string) (types.VM, types.Assignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.VM{}, types.Assignment{}, errors.Join(err, errReserveVM)
	}
	defer tx.Rollback() //nolint:errcheck

	// Replayed acquire: hand back the VM this job already holds.
	existing := types.VM{JobID: jobID}
	asg := types.Assignment{JobID: jobID}
	err = tx.QueryRowContext(ctx,
		`SELECT v.name, v.address, v.status, a.token FROM assignments a
		 JOIN vms v ON v.name = a.vm_name WHERE a.job_id = ?`,
		jobID,
	).Scan(&existing.Name, &existing.Address, &existing.Status, &asg.Token)
	switch {
	case err == nil:
		asg.VMName = existing.Name
		return existing, asg, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return types.VM{}, types.Assignment{}, errors.Join(err, errReserveVM)
	}

	vm := types.VM{Status: types.StatusReserved, JobID: jobID}
	err = tx.QueryRowContext(ctx,
		`SELECT name, address FROM vms WHERE status = 'free' ORDER BY name LIMIT 1`,
	).Scan(&vm.Name, &vm.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return types.VM{}, types.Assignment{}, ErrPoolExhausted
	}
	if err != nil {
		return types.VM{}, types.Assignment{}, errors.Join(err, errReserveVM)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE vms SET status = 'reserved', job_id = ? WHERE name = ?`,
		jobID, vm.Name,
	); err != nil {
		return types.VM{}, types.Assignment{}, errors.Join(err, errReserveVM)
	}

	asg.VMName = vm.Name
	asg.Token = uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO assignments (job_id, vm_name, token) VALUES (?, ?, ?)`,
		asg.JobID, asg.VMName, asg.Token,
	); err != nil {
		return types.VM{}, types.Assignment{}, errors.Join(err, errReserveVM)
	}

	if err := tx.Commit(); err != nil {
		return types.VM{}, types.Assignment{}, errors.Join(err, errReserveVM)
	}
	return vm, asg, nil
}

// Activate transitions the job's VM from reserved to inuse once the
// hypervisor has started it. Activating a job with no assignment returns
// ErrNoAssignment.
func (s *Store) Activate(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE vms SET status = 'inuse'
		 WHERE job_id = ? AND name IN (SELECT vm_name FROM assignments WHERE job_id = ?)`,
		jobID, jobID,
	)
	if err != nil {
		return errors.Join(err, errActivateVM)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Join(err, errActivateVM)
	}
	if n == 0 {
		return errors.Join(ErrNoAssignment, errActivateVM)
	}
	return nil
}

// Release frees the VM assigned to jobID and deletes the assignment,
// returning the released VM and the assignment that bound it (the token
// lets the release log line correlate with the acquire that minted it).
// A job with no assignment returns ErrNoAssignment; releasing twice is
// safe.
func (s *Store) Release(ctx context.Context, jobID string) (types.VM, types.Assignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.VM{}, types.Assignment{}, errors.Join(err, errReleaseVM)
	}
	defer tx.Rollback() //nolint:errcheck

	vm := types.VM{Status: types.StatusFree}
	asg := types.Assignment{JobID: jobID}
	err = tx.QueryRowContext(ctx,
		`SELECT v.name, v.address, a.token FROM assignments a
		 JOIN vms v ON v.name = a.vm_name WHERE a.job_id = ?`,
		jobID,
	).Scan(&vm.Name, &vm.Address, &asg.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return types.VM{}, types.Assignment{}, ErrNoAssignment
	}
	if err != nil {
		return types.VM{}, types.Assignment{}, errors.Join(err, errReleaseVM)
	}
	asg.VMName = vm.Name

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM assignments WHERE job_id = ?`, jobID,
	); err != nil {
		return types.VM{}, types.Assignment{}, errors.Join(err, errReleaseVM)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE vms SET status = 'free', job_id = NULL WHERE name = ?`, vm.Name,
	); err != nil {
		return types.VM{}, types.Assignment{}, errors.Join(err, errReleaseVM)
	}

	if err := tx.Commit(); err != nil {
		return types.VM{}, types.Assignment{}, errors.Join(err, errReleaseVM)
	}
	return vm, asg, nil
}

// Status returns every VM record ordered by name. Read-only diagnostic.
func (s *Store) Status(ctx context.Context) ([]types.VM, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, address, status, COALESCE(job_id, '') FROM vms ORDER BY name`,
	)
	if err != nil {
		return nil, errors.Join(err, errListPool)
	}
	defer rows.Close()

	var out []types.VM
	for rows.Next() {
		var vm types.VM
		if err := rows.Scan(&vm.Name, &vm.Address, &vm.Status, &vm.JobID); err != nil {
			return nil, errors.Join(err, errListPool)
		}
		out = append(out, vm)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(err, errListPool)
	}
	return out, nil
}
