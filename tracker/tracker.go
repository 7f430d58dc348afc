/*
 * Copyright 2024 The Verifiable RDS AVS Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package tracker follows each session's transaction state: explicit and
// implicit boundaries, the savepoint stack, the touched-table set and the
// pre-state snapshots behind it. A tracker is owned by exactly one session
// and never shared.
package tracker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
	"github.com/Gajesh2007/verifiable-rds-avs/pgwire"
	"github.com/Gajesh2007/verifiable-rds-avs/types"
)

var (
	// ErrNotInTransaction defines a transaction operation outside a block.
	ErrNotInTransaction = errors.New("not in a transaction")
	// ErrAlreadyInTransaction defines a nested explicit begin.
	ErrAlreadyInTransaction = errors.New("already in a transaction")
	// ErrSavepointNotFound defines a release or rollback against an unknown
	// savepoint.
	ErrSavepointNotFound = errors.New("savepoint not found")
	// ErrStatusDiverged defines a mismatch between the tracker's model and
	// the backend's reported status. Treated as a bug, not user error.
	ErrStatusDiverged = errors.New("transaction status diverged from backend")
)

// CaptureHandle is the narrow capture callback handed to the tracker at
// session construction, breaking the tracker/capture cycle.
type CaptureHandle interface {
	// CaptureTable snapshots the current committed state of table.
	CaptureTable(ctx context.Context, table string) (types.TableSnapshot, error)
}

// State is the tracker's transaction state.
type State int

// Tracker states.
const (
	StateIdle State = iota
	StateInTransaction
	StateFailed
)

// savepointFrame records what the transaction looked like when a savepoint
// was established, so ROLLBACK TO can restore it.
type savepointFrame struct {
	name       string
	touched    int
	statements int
}

// Tracker is the per-session transaction context.
type Tracker struct {
	capture CaptureHandle
	clock   func() time.Time

	state      State
	txID       string
	startedAt  time.Time
	implicit   bool
	savepoints []savepointFrame
	touched    []string
	pre        map[string]types.TableSnapshot
	stmts      []hash.Hash
}

// New returns an idle tracker. clock may be nil for wall-clock time.
func New(capture CaptureHandle, clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		capture: capture,
		clock:   clock,
		pre:     make(map[string]types.TableSnapshot),
	}
}

// State returns the current transaction state.
func (t *Tracker) State() State {
	return t.state
}

// InTransaction reports whether a transaction block is open.
func (t *Tracker) InTransaction() bool {
	return t.state == StateInTransaction || t.state == StateFailed
}

// Failed reports whether the open transaction is aborted.
func (t *Tracker) Failed() bool {
	return t.state == StateFailed
}

// Implicit reports whether the open transaction was opened implicitly for a
// single statement.
func (t *Tracker) Implicit() bool {
	return t.implicit
}

// TransactionID returns the open transaction's id.
func (t *Tracker) TransactionID() string {
	return t.txID
}

// StartedAt returns the open transaction's pinned timestamp.
func (t *Tracker) StartedAt() time.Time {
	return t.startedAt
}

// Begin opens a transaction. implicit marks a single-statement transaction
// the session opened on the client's behalf.
func (t *Tracker) Begin(implicit bool) (err error) {
	if t.InTransaction() {
		return errors.WithStack(ErrAlreadyInTransaction)
	}
	t.state = StateInTransaction
	t.txID = uuid.Must(uuid.NewV4()).String()
	t.startedAt = t.clock().UTC()
	t.implicit = implicit
	t.savepoints = t.savepoints[:0]
	t.touched = t.touched[:0]
	t.pre = make(map[string]types.TableSnapshot)
	t.stmts = t.stmts[:0]
	return
}

// ObserveStatement records the canonical hash of a forwarded statement.
func (t *Tracker) ObserveStatement(stmtHash hash.Hash) {
	if t.state == StateInTransaction {
		t.stmts = append(t.stmts, stmtHash)
	}
}

// ObserveWrite records the tables a write statement touches, capturing each
// table's pre-state on its first write within the transaction.
func (t *Tracker) ObserveWrite(ctx context.Context, tables []string) (err error) {
	if t.state != StateInTransaction {
		return errors.WithStack(ErrNotInTransaction)
	}
	for _, table := range tables {
		if _, seen := t.pre[table]; seen {
			continue
		}
		var snap types.TableSnapshot
		if snap, err = t.capture.CaptureTable(ctx, table); err != nil {
			return errors.Wrapf(err, "pre-state capture of %s failed", table)
		}
		t.pre[table] = snap
		t.touched = append(t.touched, table)
	}
	return
}

// Savepoint pushes a named savepoint.
func (t *Tracker) Savepoint(name string) (err error) {
	if t.state != StateInTransaction {
		return errors.WithStack(ErrNotInTransaction)
	}
	t.savepoints = append(t.savepoints, savepointFrame{
		name:       name,
		touched:    len(t.touched),
		statements: len(t.stmts),
	})
	return
}

// findSavepoint returns the index of the newest frame with the given name.
func (t *Tracker) findSavepoint(name string) int {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			return i
		}
	}
	return -1
}

// ReleaseSavepoint pops frames down to and including the named one. The
// transaction's effects are kept.
func (t *Tracker) ReleaseSavepoint(name string) (err error) {
	if t.state != StateInTransaction {
		return errors.WithStack(ErrNotInTransaction)
	}
	i := t.findSavepoint(name)
	if i < 0 {
		return errors.Wrapf(ErrSavepointNotFound, "release %s", name)
	}
	t.savepoints = t.savepoints[:i]
	return
}

// RollbackToSavepoint pops frames above the named one and restores the
// touched-table set and statement list captured at that savepoint. Tables
// first written after the savepoint drop out of the transaction's scope.
func (t *Tracker) RollbackToSavepoint(name string) (err error) {
	if t.state != StateInTransaction && t.state != StateFailed {
		return errors.WithStack(ErrNotInTransaction)
	}
	i := t.findSavepoint(name)
	if i < 0 {
		return errors.Wrapf(ErrSavepointNotFound, "rollback to %s", name)
	}
	frame := t.savepoints[i]
	t.savepoints = t.savepoints[:i+1]
	for _, table := range t.touched[frame.touched:] {
		delete(t.pre, table)
	}
	t.touched = t.touched[:frame.touched]
	t.stmts = t.stmts[:frame.statements]
	// Rolling back to a savepoint clears an aborted state.
	t.state = StateInTransaction
	return
}

// SavepointDepth returns the savepoint stack depth.
func (t *Tracker) SavepointDepth() int {
	return len(t.savepoints)
}

// MarkFailed moves an open transaction to the aborted state.
func (t *Tracker) MarkFailed() {
	if t.state == StateInTransaction {
		t.state = StateFailed
	}
}

// ObserveStatus checks the backend's ReadyForQuery status byte against the
// tracker's own model. A mismatch is fatal for the session.
func (t *Tracker) ObserveStatus(status byte) (err error) {
	var expected byte
	switch t.state {
	case StateIdle:
		expected = pgwire.TxStatusIdle
	case StateInTransaction:
		expected = pgwire.TxStatusInBlock
	case StateFailed:
		expected = pgwire.TxStatusFailed
	}
	if status != expected {
		return errors.Wrapf(ErrStatusDiverged, "model %q backend %q", expected, status)
	}
	return
}

// Commit captures post-state for every touched table and closes the
// transaction. The returned snapshots back row-level proofs for the
// emitted roots. A capture failure yields a Failed record with no post
// roots; the session stays alive.
func (t *Tracker) Commit(ctx context.Context) (record *types.TransactionRecord, posts map[string]types.TableSnapshot, err error) {
	if !t.InTransaction() {
		err = errors.WithStack(ErrNotInTransaction)
		return
	}
	record = t.baseRecord(types.TransactionCommitted)
	posts = make(map[string]types.TableSnapshot, len(t.touched))
	for _, table := range t.touched {
		pre := t.pre[table]
		var post types.TableSnapshot
		if post, err = t.capture.CaptureTable(ctx, table); err != nil {
			record.Status = types.TransactionFailed
			record.TableRoots = nil
			posts = nil
			err = errors.Wrapf(err, "post-state capture of %s failed", table)
			break
		}
		posts[table] = post
		record.TableRoots = append(record.TableRoots, types.TableRoots{
			Table:    table,
			PreRoot:  pre.Root,
			PostRoot: post.Root,
		})
	}
	t.reset()
	return
}

// Fail closes the transaction with a Failed record after a capture error.
// Pre-state roots of already captured tables are preserved for the record.
func (t *Tracker) Fail() (record *types.TransactionRecord) {
	if !t.InTransaction() {
		return nil
	}
	record = t.baseRecord(types.TransactionFailed)
	for _, table := range t.touched {
		record.TableRoots = append(record.TableRoots, types.TableRoots{
			Table:   table,
			PreRoot: t.pre[table].Root,
		})
	}
	t.reset()
	return
}

// Rollback discards the transaction, emitting a rolled-back record.
func (t *Tracker) Rollback() (record *types.TransactionRecord) {
	if !t.InTransaction() {
		return nil
	}
	record = t.baseRecord(types.TransactionRolledBack)
	t.reset()
	return
}

// Diverge closes the transaction with a diverged marker after a status
// mismatch. The post-state is unknown by definition.
func (t *Tracker) Diverge() (record *types.TransactionRecord) {
	record = t.baseRecord(types.TransactionDiverged)
	for _, table := range t.touched {
		record.TableRoots = append(record.TableRoots, types.TableRoots{
			Table:   table,
			PreRoot: t.pre[table].Root,
		})
	}
	t.reset()
	return
}

func (t *Tracker) baseRecord(status types.TransactionStatus) *types.TransactionRecord {
	stmts := make([]hash.Hash, len(t.stmts))
	copy(stmts, t.stmts)
	return &types.TransactionRecord{
		ID:              t.txID,
		StatementHashes: stmts,
		Timestamp:       t.startedAt,
		Status:          status,
	}
}

func (t *Tracker) reset() {
	t.state = StateIdle
	t.txID = ""
	t.implicit = false
	t.savepoints = t.savepoints[:0]
	t.touched = t.touched[:0]
	t.pre = make(map[string]types.TableSnapshot)
	t.stmts = t.stmts[:0]
}
