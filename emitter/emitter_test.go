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

package emitter

import (
	"context"
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	uuid "github.com/satori/go.uuid"
	. "github.com/smartystreets/goconvey/convey"

	ca "github.com/Gajesh2007/verifiable-rds-avs/crypto/asymmetric"
	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
	"github.com/Gajesh2007/verifiable-rds-avs/merkle"
	"github.com/Gajesh2007/verifiable-rds-avs/types"
)

type recordingLedger struct {
	mu          sync.Mutex
	commitments []types.Commitment
	failures    int
}

func (l *recordingLedger) SubmitCommitment(_ context.Context, c types.Commitment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return context.DeadlineExceeded
	}
	l.commitments = append(l.commitments, c)
	return nil
}

func (l *recordingLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.commitments)
}

func tempEmitter(t *testing.T, ledger Ledger) (*Emitter, *Store, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "vrds-emitter-test")
	if err != nil {
		t.Fatal(err)
	}
	store, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	priv, _, err := ca.GenSecp256k1KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(Config{
		Version:    1,
		Committer:  "operator-test",
		PrivateKey: priv,
	}, store, ledger)
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	return e, store, func() {
		e.Stop()
		store.Close()
		_ = os.RemoveAll(dir)
	}
}

func committedRecord(table string, post hash.Hash) *types.TransactionRecord {
	return &types.TransactionRecord{
		ID:     uuid.Must(uuid.NewV4()).String(),
		Status: types.TransactionCommitted,
		TableRoots: []types.TableRoots{
			{Table: table, PreRoot: merkle.EmptyRoot(), PostRoot: post},
		},
		StatementHashes: []hash.Hash{hash.THashH([]byte("stmt"))},
		Timestamp:       time.Now().UTC(),
	}
}

func TestGenesis(t *testing.T) {
	Convey("A fresh emitter seals an empty genesis block", t, func() {
		e, store, cleanup := tempEmitter(t, nil)
		defer cleanup()

		head := e.Head()
		So(head.SignedHeader.Number, ShouldEqual, 0)
		So(head.SignedHeader.ParentRoot.IsZero(), ShouldBeTrue)
		empty := merkle.EmptyRoot()
		So(head.SignedHeader.Root.IsEqual(&empty), ShouldBeTrue)
		So(head.VerifyAsGenesis(), ShouldBeNil)

		got, err := store.Get(0)
		So(err, ShouldBeNil)
		So(got.SignedHeader.Number, ShouldEqual, 0)
	})
}

func TestSealAndChainInvariants(t *testing.T) {
	Convey("Sealed blocks link densely with matching roots", t, func() {
		e, store, cleanup := tempEmitter(t, nil)
		defer cleanup()

		post := merkle.HashLeaf([]byte("t-state-1"))
		e.Submit(committedRecord("t", post), nil)
		b1, err := e.Flush()
		So(err, ShouldBeNil)
		So(b1.SignedHeader.Number, ShouldEqual, 1)
		So(b1.Verify(), ShouldBeNil)

		genesis, err := store.Get(0)
		So(err, ShouldBeNil)
		So(types.VerifyChainLink(genesis, b1), ShouldBeNil)

		expectRoot := merkle.GlobalRoot([]merkle.TablePair{{Name: "t", Root: post}})
		So(b1.SignedHeader.Root.IsEqual(&expectRoot), ShouldBeTrue)
		So(b1.ModifiedTables(), ShouldResemble, []string{"t"})

		Convey("a second flush seals an empty block continuing the chain", func() {
			b2, err := e.Flush()
			So(err, ShouldBeNil)
			So(b2.SignedHeader.Number, ShouldEqual, 2)
			So(types.VerifyChainLink(b1, b2), ShouldBeNil)
			So(len(b2.TxRecords), ShouldEqual, 0)
		})
	})
}

func TestLedgerPublication(t *testing.T) {
	Convey("Commitments reach the ledger and blocks flip to published", t, func() {
		ledger := &recordingLedger{}
		e, store, cleanup := tempEmitter(t, ledger)
		defer cleanup()

		e.Submit(committedRecord("t", merkle.HashLeaf([]byte("v1"))), nil)
		b, err := e.Flush()
		So(err, ShouldBeNil)

		// publication is asynchronous
		deadline := time.Now().Add(2 * time.Second)
		for ledger.count() < 2 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		So(ledger.count(), ShouldEqual, 2) // genesis + block 1

		for {
			got, err := store.Get(b.SignedHeader.Number)
			So(err, ShouldBeNil)
			if got.Status == types.BlockPublished || time.Now().After(deadline) {
				So(got.Status, ShouldEqual, types.BlockPublished)
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	})

	Convey("Transient ledger failures retry and eventually publish", t, func() {
		ledger := &recordingLedger{failures: 2}
		_, _, cleanup := tempEmitter(t, ledger)
		defer cleanup()

		deadline := time.Now().Add(5 * time.Second)
		for ledger.count() < 1 && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
		So(ledger.count(), ShouldEqual, 1)
	})
}

func TestReplay(t *testing.T) {
	Convey("A reopened store replays the chain without loss", t, func() {
		dir, err := ioutil.TempDir("", "vrds-replay-test")
		So(err, ShouldBeNil)
		defer func() {
			_ = os.RemoveAll(dir)
		}()

		priv, _, err := ca.GenSecp256k1KeyPair()
		So(err, ShouldBeNil)

		store, err := OpenStore(dir)
		So(err, ShouldBeNil)
		e, err := New(Config{Version: 1, Committer: "op", PrivateKey: priv}, store, nil)
		So(err, ShouldBeNil)
		e.Start()

		post := merkle.HashLeaf([]byte("state"))
		rec := committedRecord("t", post)
		e.Submit(rec, nil)
		_, err = e.Flush()
		So(err, ShouldBeNil)
		e.Stop()
		store.Close()

		store2, err := OpenStore(dir)
		So(err, ShouldBeNil)
		defer store2.Close()

		blocks, err := store2.ReplayLog()
		So(err, ShouldBeNil)
		So(len(blocks), ShouldEqual, 2)
		So(blocks[1].Verify(), ShouldBeNil)

		Convey("and an emitter over the reopened store continues the chain", func() {
			e2, err := New(Config{Version: 1, Committer: "op", PrivateKey: priv}, store2, nil)
			So(err, ShouldBeNil)
			e2.Start()
			defer e2.Stop()

			b, err := e2.Flush()
			So(err, ShouldBeNil)
			So(b.SignedHeader.Number, ShouldEqual, 2)
			So(types.VerifyChainLink(blocks[1], b), ShouldBeNil)

			Convey("including the table roots from before the restart", func() {
				expect := merkle.GlobalRoot([]merkle.TablePair{{Name: "t", Root: post}})
				So(b.SignedHeader.Root.IsEqual(&expect), ShouldBeTrue)
			})
		})

		Convey("transaction lookup finds the containing block", func() {
			b, err := store2.TxBlock(rec.ID)
			So(err, ShouldBeNil)
			So(b.SignedHeader.Number, ShouldEqual, 1)
		})
	})
}

func TestRespondChallenge(t *testing.T) {
	Convey("Challenge responses carry verifying proofs", t, func() {
		e, _, cleanup := tempEmitter(t, nil)
		defer cleanup()

		// snapshot with three rows
		var leaves []hash.Hash
		var rows []types.Row
		for i := 1; i <= 3; i++ {
			row := types.Row{Values: []types.Value{{Type: types.TypeInt4, Int: int64(i)}}}
			enc, err := row.CanonicalBytes()
			So(err, ShouldBeNil)
			rows = append(rows, row)
			leaves = append(leaves, merkle.HashLeaf(enc))
		}
		snap := types.TableSnapshot{
			Table:  "t",
			Rows:   rows,
			Leaves: leaves,
			Root:   merkle.NewTree(leaves).Root(),
		}

		rec := committedRecord("t", snap.Root)
		e.Submit(rec, map[string]types.TableSnapshot{"t": snap})
		_, err := e.Flush()
		So(err, ShouldBeNil)

		resp, err := e.RespondChallenge(types.Challenge{
			BlockNumber: 1,
			Kind:        types.ChallengeRowInclusion,
			Table:       "t",
			RowIndex:    1,
		})
		So(err, ShouldBeNil)

		Convey("the row proof verifies against the table root", func() {
			So(merkle.Verify(resp.RowLeaf, resp.RowProof, resp.TableRoot), ShouldBeTrue)
		})
		Convey("the table proof verifies against the global root", func() {
			So(merkle.Verify(resp.TableLeaf, resp.TableProof, resp.GlobalRoot), ShouldBeTrue)
		})
		Convey("the canonical row bytes hash to the row leaf", func() {
			leaf := merkle.HashLeaf(resp.RowBytes)
			So(leaf.IsEqual(&resp.RowLeaf), ShouldBeTrue)
		})
	})
}
