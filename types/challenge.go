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
	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
	"github.com/Gajesh2007/verifiable-rds-avs/merkle"
)

// ChallengeKind classifies what a challenger disputes.
type ChallengeKind string

// Challenge kinds.
const (
	// ChallengeRowInclusion disputes a row's membership in a table root.
	ChallengeRowInclusion ChallengeKind = "row_inclusion"
	// ChallengeTableRoot disputes a table root's membership in a state root.
	ChallengeTableRoot ChallengeKind = "table_root"
	// ChallengeTxIntegrity disputes a transaction record against the block
	// transaction root.
	ChallengeTxIntegrity ChallengeKind = "tx_integrity"
)

// Challenge is a bonded dispute arriving from the ledger collaborator.
type Challenge struct {
	BlockNumber   uint64        `json:"block_number"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Kind          ChallengeKind `json:"kind"`
	Table         string        `json:"table,omitempty"`
	RowIndex      int           `json:"row_index"`
	Evidence      []byte        `json:"evidence,omitempty"`
}

// ChallengeResponse carries the proofs answering a challenge: a per-row
// inclusion proof against the declared table root, the table root's inclusion
// proof against the global state root, and the canonical row bytes.
type ChallengeResponse struct {
	BlockNumber uint64       `json:"block_number"`
	Table       string       `json:"table"`
	RowBytes    []byte       `json:"row_bytes,omitempty"`
	RowLeaf     hash.Hash    `json:"row_leaf"`
	RowProof    merkle.Proof `json:"row_proof"`
	TableRoot   hash.Hash    `json:"table_root"`
	TableLeaf   hash.Hash    `json:"table_leaf"`
	TableProof  merkle.Proof `json:"table_proof"`
	GlobalRoot  hash.Hash    `json:"global_root"`
}

// Commitment is the per-block summary surfaced to the external ledger.
type Commitment struct {
	BlockNumber    uint64    `json:"block_number"`
	ParentRoot     hash.Hash `json:"parent_root"`
	NewRoot        hash.Hash `json:"new_root"`
	TxDigest       hash.Hash `json:"tx_digest"`
	TxCount        uint64    `json:"tx_count"`
	ModifiedTables []string  `json:"modified_tables"`
}

// BuildCommitment summarizes a sealed block for ledger submission.
func BuildCommitment(b *Block) Commitment {
	return Commitment{
		BlockNumber:    b.SignedHeader.Number,
		ParentRoot:     b.SignedHeader.ParentRoot,
		NewRoot:        b.SignedHeader.Root,
		TxDigest:       b.SignedHeader.TxRoot,
		TxCount:        uint64(len(b.TxRecords)),
		ModifiedTables: b.ModifiedTables(),
	}
}
