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

package types

import (
	"time"

	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
	"github.com/Gajesh2007/verifiable-rds-avs/merkle"
)

// TransactionStatus is the terminal status of a tracked transaction.
type TransactionStatus string

// Transaction statuses.
const (
	// TransactionCommitted marks a transaction that committed and produced a
	// post-state root.
	TransactionCommitted TransactionStatus = "committed"
	// TransactionRolledBack marks an explicit or implicit rollback; no
	// post-state is recorded.
	TransactionRolledBack TransactionStatus = "rolled_back"
	// TransactionFailed marks a transaction whose pre-state or post-state
	// capture could not complete.
	TransactionFailed TransactionStatus = "failed"
	// TransactionDiverged marks a model/backend status mismatch. Treated as
	// a bug, never as user error.
	TransactionDiverged TransactionStatus = "diverged"
)

// TableRoots binds a touched table to its pre and post state roots within a
// single transaction.
type TableRoots struct {
	Table    string    `json:"table"`
	PreRoot  hash.Hash `json:"pre_root"`
	PostRoot hash.Hash `json:"post_root"`
}

// TransactionRecord is the verifiable summary of one tracked transaction.
type TransactionRecord struct {
	ID              string            `json:"id"`
	PreRoot         hash.Hash         `json:"pre_root"`
	PostRoot        hash.Hash         `json:"post_root"`
	TableRoots      []TableRoots      `json:"table_roots"`
	StatementHashes []hash.Hash       `json:"statement_hashes"`
	Timestamp       time.Time         `json:"timestamp"`
	Status          TransactionStatus `json:"status"`
}

// TouchedTables returns the names of all tables the transaction wrote.
func (r *TransactionRecord) TouchedTables() (tables []string) {
	for _, t := range r.TableRoots {
		tables = append(tables, t.Table)
	}
	return
}

// MarshalHash implements verifier.MarshalHasher.
func (r *TransactionRecord) MarshalHash() ([]byte, error) {
	return CanonicalMarshal(r)
}

// LeafHash hashes the record for transaction root composition.
func (r *TransactionRecord) LeafHash() (h hash.Hash, err error) {
	var enc []byte
	if enc, err = r.MarshalHash(); err != nil {
		return
	}
	h = merkle.HashLeaf(enc)
	return
}
