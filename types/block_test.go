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
	"testing"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	. "github.com/smartystreets/goconvey/convey"

	ca "github.com/Gajesh2007/verifiable-rds-avs/crypto/asymmetric"
	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
	"github.com/Gajesh2007/verifiable-rds-avs/merkle"
)

func testTxRecord(status TransactionStatus) TransactionRecord {
	return TransactionRecord{
		ID:       uuid.Must(uuid.NewV4()).String(),
		PreRoot:  hash.THashH([]byte("pre")),
		PostRoot: hash.THashH([]byte("post")),
		TableRoots: []TableRoots{
			{Table: "t", PreRoot: hash.THashH([]byte("t-pre")), PostRoot: hash.THashH([]byte("t-post"))},
		},
		StatementHashes: []hash.Hash{hash.THashH([]byte("INSERT INTO t VALUES (1)"))},
		Timestamp:       time.Unix(1704164645, 0).UTC(),
		Status:          status,
	}
}

func TestBlockSignAndVerify(t *testing.T) {
	Convey("Given a block with one committed transaction", t, func() {
		priv, _, err := ca.GenSecp256k1KeyPair()
		So(err, ShouldBeNil)

		b := &Block{
			SignedHeader: SignedHeader{
				Header: Header{
					Version:    1,
					Number:     1,
					ParentRoot: merkle.EmptyRoot(),
					Root:       hash.THashH([]byte("state")),
					Committer:  "operator-1",
					Timestamp:  time.Unix(1704164645, 0).UTC(),
				},
			},
			TxRecords: []TransactionRecord{testTxRecord(TransactionCommitted)},
		}

		So(b.PackAndSignBlock(priv), ShouldBeNil)
		So(b.Verify(), ShouldBeNil)

		Convey("tampering with a record should break the tx root", func() {
			b.TxRecords[0].Status = TransactionRolledBack
			So(errors.Cause(b.Verify()), ShouldEqual, ErrTxRootVerification)
		})

		Convey("tampering with the header should break the signature", func() {
			b.SignedHeader.Number = 2
			So(b.Verify(), ShouldNotBeNil)
		})
	})
}

func TestGenesisBlock(t *testing.T) {
	Convey("A genesis block is unsigned with a zero parent root", t, func() {
		b := &Block{
			SignedHeader: SignedHeader{
				Header: Header{
					Version:   1,
					Number:    0,
					Root:      merkle.EmptyRoot(),
					Timestamp: time.Unix(1704164645, 0).UTC(),
				},
			},
		}
		So(b.PackAsGenesis(), ShouldBeNil)
		So(b.VerifyAsGenesis(), ShouldBeNil)
		So(VerifyChainLink(nil, b), ShouldBeNil)
	})
}

func TestVerifyChainLink(t *testing.T) {
	Convey("Given two consecutive blocks", t, func() {
		parent := &Block{SignedHeader: SignedHeader{Header: Header{
			Number: 3,
			Root:   hash.THashH([]byte("root-3")),
		}}}
		child := &Block{SignedHeader: SignedHeader{Header: Header{
			Number:     4,
			ParentRoot: hash.THashH([]byte("root-3")),
			Root:       hash.THashH([]byte("root-4")),
		}}}

		So(VerifyChainLink(parent, child), ShouldBeNil)

		Convey("a numbering gap is rejected", func() {
			child.SignedHeader.Number = 5
			So(errors.Cause(VerifyChainLink(parent, child)), ShouldEqual, ErrBlockNumberNotDense)
		})

		Convey("a broken parent root is rejected", func() {
			child.SignedHeader.ParentRoot = hash.THashH([]byte("other"))
			So(errors.Cause(VerifyChainLink(parent, child)), ShouldEqual, ErrParentRootMismatch)
		})

		Convey("a genesis block with nonzero parent root is rejected", func() {
			bad := &Block{SignedHeader: SignedHeader{Header: Header{
				Number:     0,
				ParentRoot: hash.THashH([]byte("nonzero")),
			}}}
			So(errors.Cause(VerifyChainLink(nil, bad)), ShouldEqual, ErrParentRootMismatch)
		})
	})
}

func TestBuildCommitment(t *testing.T) {
	Convey("A commitment summarizes the sealed block", t, func() {
		b := &Block{
			SignedHeader: SignedHeader{Header: Header{Number: 7}},
			TxRecords: []TransactionRecord{
				testTxRecord(TransactionCommitted),
				testTxRecord(TransactionCommitted),
			},
		}
		c := BuildCommitment(b)
		So(c.BlockNumber, ShouldEqual, 7)
		So(c.TxCount, ShouldEqual, 2)
		So(c.ModifiedTables, ShouldResemble, []string{"t"})
	})
}
