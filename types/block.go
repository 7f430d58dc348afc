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

	"github.com/pkg/errors"

	ca "github.com/Gajesh2007/verifiable-rds-avs/crypto/asymmetric"
	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
	"github.com/Gajesh2007/verifiable-rds-avs/crypto/verifier"
	"github.com/Gajesh2007/verifiable-rds-avs/merkle"
)

var (
	// ErrTxRootVerification defines a transaction root mismatch error.
	ErrTxRootVerification = errors.New("transaction root verification failed")
	// ErrParentRootMismatch defines a broken parent link error.
	ErrParentRootMismatch = errors.New("parent root does not match previous block")
	// ErrBlockNumberNotDense defines a gap in block numbering.
	ErrBlockNumberNotDense = errors.New("block numbers must be dense")
)

// BlockStatus is the publication state of an emitted block.
type BlockStatus string

// Block statuses.
const (
	// BlockPending marks a block persisted locally but not yet accepted by
	// the ledger.
	BlockPending BlockStatus = "pending"
	// BlockPublished marks a block the ledger has accepted.
	BlockPublished BlockStatus = "published"
)

// Header is a block header.
type Header struct {
	Version int32  `json:"version"`
	Number  uint64 `json:"number"`
	// ParentRoot is the previous block's state root; the all-zero digest for
	// the genesis block.
	ParentRoot hash.Hash `json:"parent_root"`
	// Root is the global state root after all contained transactions.
	Root   hash.Hash `json:"root"`
	TxRoot hash.Hash `json:"tx_root"`
	// RuleFingerprint pins the determinism rule set (function allow-list,
	// rewrite rules) that produced Root, so verifiers replay with the same
	// rules.
	RuleFingerprint hash.Hash `json:"rule_fingerprint"`
	Committer       string    `json:"committer"`
	Timestamp       time.Time `json:"timestamp"`
}

// MarshalHash implements verifier.MarshalHasher.
func (h *Header) MarshalHash() ([]byte, error) {
	return CanonicalMarshal(h)
}

// SignedHeader is a block header along with its committer signature.
type SignedHeader struct {
	Header
	HSV verifier.DefaultHashSignVerifierImpl
}

// Sign calculates the header hash and signs it with signer.
func (s *SignedHeader) Sign(signer *ca.PrivateKey) error {
	return s.HSV.Sign(&s.Header, signer)
}

// Verify verifies the hash and signature of the signed header.
func (s *SignedHeader) Verify() error {
	return s.HSV.Verify(&s.Header)
}

// ComputeHash computes the header hash without signing. Used for the genesis
// block, which carries no signature.
func (s *SignedHeader) ComputeHash() error {
	return s.HSV.SetHash(&s.Header)
}

// Block is one sealed envelope of transaction records.
type Block struct {
	SignedHeader SignedHeader
	TxRecords    []TransactionRecord

	// Status is publication state only; it is not part of the signed bytes.
	Status BlockStatus `json:"status"`
}

// computeTxRoot merkleizes the contained transaction records.
func (b *Block) computeTxRoot() (root hash.Hash, err error) {
	leaves := make([]hash.Hash, len(b.TxRecords))
	for i := range b.TxRecords {
		if leaves[i], err = b.TxRecords[i].LeafHash(); err != nil {
			return
		}
	}
	root = merkle.NewTree(leaves).Root()
	return
}

// PackAndSignBlock seals the transaction root into the header and signs it.
func (b *Block) PackAndSignBlock(signer *ca.PrivateKey) (err error) {
	if b.SignedHeader.TxRoot, err = b.computeTxRoot(); err != nil {
		return
	}
	return b.SignedHeader.Sign(signer)
}

// PackAsGenesis seals an unsigned genesis block.
func (b *Block) PackAsGenesis() (err error) {
	if b.SignedHeader.TxRoot, err = b.computeTxRoot(); err != nil {
		return
	}
	return b.SignedHeader.ComputeHash()
}

// Verify verifies the transaction root and header signature of the block.
func (b *Block) Verify() (err error) {
	var txRoot hash.Hash
	if txRoot, err = b.computeTxRoot(); err != nil {
		return
	}
	if !txRoot.IsEqual(&b.SignedHeader.TxRoot) {
		return errors.WithStack(ErrTxRootVerification)
	}
	return b.SignedHeader.Verify()
}

// VerifyAsGenesis verifies the hash of an unsigned genesis block.
func (b *Block) VerifyAsGenesis() (err error) {
	var txRoot hash.Hash
	if txRoot, err = b.computeTxRoot(); err != nil {
		return
	}
	if !txRoot.IsEqual(&b.SignedHeader.TxRoot) {
		return errors.WithStack(ErrTxRootVerification)
	}
	return b.SignedHeader.HSV.VerifyHash(&b.SignedHeader.Header)
}

// ModifiedTables returns the union of tables touched by the contained
// transactions, deduplicated, in first-touch order.
func (b *Block) ModifiedTables() (tables []string) {
	seen := make(map[string]struct{})
	for i := range b.TxRecords {
		for _, t := range b.TxRecords[i].TouchedTables() {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				tables = append(tables, t)
			}
		}
	}
	return
}

// wireBlock is the serialized form of a Block; key material travels in its
// compact encodings.
type wireBlock struct {
	Header    Header              `json:"header"`
	DataHash  hash.Hash           `json:"data_hash"`
	Signee    []byte              `json:"signee,omitempty"`
	Signature []byte              `json:"signature,omitempty"`
	TxRecords []TransactionRecord `json:"tx_records"`
	Status    BlockStatus         `json:"status"`
}

// Serialize encodes the block to canonical CBOR bytes.
func (b *Block) Serialize() ([]byte, error) {
	w := wireBlock{
		Header:    b.SignedHeader.Header,
		DataHash:  b.SignedHeader.HSV.DataHash,
		TxRecords: b.TxRecords,
		Status:    b.Status,
	}
	if b.SignedHeader.HSV.Signee != nil {
		w.Signee = b.SignedHeader.HSV.Signee.Serialize()
	}
	if b.SignedHeader.HSV.Signature != nil {
		w.Signature = b.SignedHeader.HSV.Signature.Serialize()
	}
	return CanonicalMarshal(&w)
}

// DeserializeBlock decodes a block from its canonical CBOR bytes.
func DeserializeBlock(enc []byte) (b *Block, err error) {
	var w wireBlock
	if err = CanonicalUnmarshal(enc, &w); err != nil {
		return
	}
	b = &Block{
		SignedHeader: SignedHeader{Header: w.Header},
		TxRecords:    w.TxRecords,
		Status:       w.Status,
	}
	b.SignedHeader.HSV.DataHash = w.DataHash
	if len(w.Signee) > 0 {
		if b.SignedHeader.HSV.Signee, err = ca.ParsePubKey(w.Signee); err != nil {
			return
		}
	}
	if len(w.Signature) > 0 {
		if b.SignedHeader.HSV.Signature, err = ca.ParseSignature(w.Signature); err != nil {
			return
		}
	}
	return
}

// VerifyChainLink checks the chain invariants between a block and its parent:
// dense numbering and parent root continuity. For the genesis block parent is
// nil and the parent root must be the all-zero digest.
func VerifyChainLink(parent, child *Block) error {
	if parent == nil {
		if child.SignedHeader.Number != 0 {
			return errors.WithStack(ErrBlockNumberNotDense)
		}
		if !child.SignedHeader.ParentRoot.IsZero() {
			return errors.WithStack(ErrParentRootMismatch)
		}
		return nil
	}
	if child.SignedHeader.Number != parent.SignedHeader.Number+1 {
		return errors.WithStack(ErrBlockNumberNotDense)
	}
	if !child.SignedHeader.ParentRoot.IsEqual(&parent.SignedHeader.Root) {
		return errors.WithStack(ErrParentRootMismatch)
	}
	return nil
}
