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

// TableSnapshot is the captured state of one table at a transaction boundary.
// Rows are ordered by the table's primary key, or by the lexicographic byte
// string of all columns when no primary key is declared.
type TableSnapshot struct {
	Table       string      `json:"table"`
	Schema      Schema      `json:"schema"`
	Fingerprint hash.Hash   `json:"fingerprint"`
	Rows        []Row       `json:"-"`
	Leaves      []hash.Hash `json:"leaves"`
	Root        hash.Hash   `json:"root"`
	CapturedAt  time.Time   `json:"captured_at"`
}

// BuildTree reconstructs the snapshot's Merkle tree from its leaf vector.
func (s *TableSnapshot) BuildTree() *merkle.Tree {
	return merkle.NewTree(s.Leaves)
}

// RowProof returns the inclusion proof of row i against the snapshot root.
func (s *TableSnapshot) RowProof(i int) (merkle.Proof, error) {
	return s.BuildTree().Proof(i)
}
