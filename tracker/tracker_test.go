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

package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
	"github.com/Gajesh2007/verifiable-rds-avs/pgwire"
	"github.com/Gajesh2007/verifiable-rds-avs/types"
)

// fakeCapture hands out snapshots whose roots encode a per-table version, so
// tests can tell pre from post.
type fakeCapture struct {
	versions map[string]int
	fail     bool
}

func (c *fakeCapture) CaptureTable(_ context.Context, table string) (snap types.TableSnapshot, err error) {
	if c.fail {
		err = errors.New("capture read failed")
		return
	}
	snap.Table = table
	snap.Root = hash.THashH([]byte{byte(c.versions[table])})
	return
}

func (c *fakeCapture) bump(table string) {
	if c.versions == nil {
		c.versions = make(map[string]int)
	}
	c.versions[table]++
}

func fixedClock() time.Time {
	return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestBeginCommit(t *testing.T) {
	Convey("Given an idle tracker", t, func() {
		cap := &fakeCapture{versions: map[string]int{}}
		tr := New(cap, fixedClock)
		ctx := context.Background()

		So(tr.InTransaction(), ShouldBeFalse)
		So(tr.SavepointDepth(), ShouldEqual, 0)

		Convey("Begin opens a transaction with a pinned timestamp", func() {
			So(tr.Begin(false), ShouldBeNil)
			So(tr.InTransaction(), ShouldBeTrue)
			So(tr.TransactionID(), ShouldNotBeEmpty)
			So(tr.StartedAt(), ShouldEqual, fixedClock())

			Convey("a nested begin is rejected", func() {
				So(errors.Cause(tr.Begin(false)), ShouldEqual, ErrAlreadyInTransaction)
			})

			Convey("writes capture pre-state once per table", func() {
				So(tr.ObserveWrite(ctx, []string{"t"}), ShouldBeNil)
				preRoot := hash.THashH([]byte{0})
				cap.bump("t")
				So(tr.ObserveWrite(ctx, []string{"t"}), ShouldBeNil)
				tr.ObserveStatement(hash.THashH([]byte("INSERT INTO t VALUES (1)")))

				cap.bump("t")
				record, posts, err := tr.Commit(ctx)
				So(err, ShouldBeNil)
				So(record.Status, ShouldEqual, types.TransactionCommitted)
				So(len(posts), ShouldEqual, 1)
				So(len(record.TableRoots), ShouldEqual, 1)
				So(record.TableRoots[0].Table, ShouldEqual, "t")
				So(record.TableRoots[0].PreRoot.IsEqual(&preRoot), ShouldBeTrue)
				postRoot := hash.THashH([]byte{2})
				So(record.TableRoots[0].PostRoot.IsEqual(&postRoot), ShouldBeTrue)
				So(len(record.StatementHashes), ShouldEqual, 1)

				Convey("and the tracker is idle again", func() {
					So(tr.InTransaction(), ShouldBeFalse)
					So(tr.SavepointDepth(), ShouldEqual, 0)
				})
			})
		})
	})
}

func TestCaptureFailure(t *testing.T) {
	Convey("A post-state capture failure yields a Failed record", t, func() {
		cap := &fakeCapture{versions: map[string]int{}}
		tr := New(cap, fixedClock)
		ctx := context.Background()

		So(tr.Begin(false), ShouldBeNil)
		So(tr.ObserveWrite(ctx, []string{"t"}), ShouldBeNil)

		cap.fail = true
		record, posts, err := tr.Commit(ctx)
		So(err, ShouldNotBeNil)
		So(record.Status, ShouldEqual, types.TransactionFailed)
		So(record.TableRoots, ShouldBeNil)
		So(posts, ShouldBeNil)
		So(tr.InTransaction(), ShouldBeFalse)
	})
}

func TestSavepoints(t *testing.T) {
	Convey("Given a transaction with savepoints", t, func() {
		cap := &fakeCapture{versions: map[string]int{}}
		tr := New(cap, fixedClock)
		ctx := context.Background()

		So(tr.Begin(false), ShouldBeNil)
		So(tr.ObserveWrite(ctx, []string{"a"}), ShouldBeNil)
		tr.ObserveStatement(hash.THashH([]byte("s1")))

		So(tr.Savepoint("sp1"), ShouldBeNil)
		So(tr.ObserveWrite(ctx, []string{"b"}), ShouldBeNil)
		tr.ObserveStatement(hash.THashH([]byte("s2")))
		So(tr.SavepointDepth(), ShouldEqual, 1)

		Convey("ROLLBACK TO drops effects after the savepoint", func() {
			So(tr.RollbackToSavepoint("sp1"), ShouldBeNil)
			So(tr.SavepointDepth(), ShouldEqual, 1)

			record, _, err := tr.Commit(ctx)
			So(err, ShouldBeNil)
			So(len(record.TableRoots), ShouldEqual, 1)
			So(record.TableRoots[0].Table, ShouldEqual, "a")
			So(len(record.StatementHashes), ShouldEqual, 1)
		})

		Convey("RELEASE pops through the named savepoint but keeps effects", func() {
			So(tr.ReleaseSavepoint("sp1"), ShouldBeNil)
			So(tr.SavepointDepth(), ShouldEqual, 0)

			record, _, err := tr.Commit(ctx)
			So(err, ShouldBeNil)
			So(len(record.TableRoots), ShouldEqual, 2)
		})

		Convey("unknown savepoints are reported", func() {
			So(errors.Cause(tr.ReleaseSavepoint("nope")), ShouldEqual, ErrSavepointNotFound)
			So(errors.Cause(tr.RollbackToSavepoint("nope")), ShouldEqual, ErrSavepointNotFound)
		})

		Convey("ROLLBACK TO clears a failed state", func() {
			tr.MarkFailed()
			So(tr.Failed(), ShouldBeTrue)
			So(tr.RollbackToSavepoint("sp1"), ShouldBeNil)
			So(tr.Failed(), ShouldBeFalse)
		})
	})
}

func TestFail(t *testing.T) {
	Convey("Fail closes the transaction keeping pre roots only", t, func() {
		cap := &fakeCapture{versions: map[string]int{}}
		tr := New(cap, fixedClock)
		ctx := context.Background()

		So(tr.Begin(false), ShouldBeNil)
		So(tr.ObserveWrite(ctx, []string{"t"}), ShouldBeNil)

		record := tr.Fail()
		So(record, ShouldNotBeNil)
		So(record.Status, ShouldEqual, types.TransactionFailed)
		So(len(record.TableRoots), ShouldEqual, 1)
		So(record.TableRoots[0].PostRoot.IsZero(), ShouldBeTrue)
		So(tr.InTransaction(), ShouldBeFalse)

		Convey("fail outside a transaction is a no-op", func() {
			So(tr.Fail(), ShouldBeNil)
		})
	})
}

func TestStatusModel(t *testing.T) {
	Convey("The tracker's model must match the backend status byte", t, func() {
		tr := New(&fakeCapture{}, fixedClock)

		So(tr.ObserveStatus(pgwire.TxStatusIdle), ShouldBeNil)
		So(errors.Cause(tr.ObserveStatus(pgwire.TxStatusInBlock)), ShouldEqual, ErrStatusDiverged)

		So(tr.Begin(false), ShouldBeNil)
		So(tr.ObserveStatus(pgwire.TxStatusInBlock), ShouldBeNil)

		tr.MarkFailed()
		So(tr.ObserveStatus(pgwire.TxStatusFailed), ShouldBeNil)
		So(errors.Cause(tr.ObserveStatus(pgwire.TxStatusIdle)), ShouldEqual, ErrStatusDiverged)
	})
}

func TestRollbackAndDiverge(t *testing.T) {
	Convey("Rollback emits a rolled-back record and resets", t, func() {
		tr := New(&fakeCapture{versions: map[string]int{}}, fixedClock)
		So(tr.Begin(false), ShouldBeNil)
		id := tr.TransactionID()

		record := tr.Rollback()
		So(record, ShouldNotBeNil)
		So(record.ID, ShouldEqual, id)
		So(record.Status, ShouldEqual, types.TransactionRolledBack)
		So(tr.InTransaction(), ShouldBeFalse)

		Convey("rollback outside a transaction is a no-op", func() {
			So(tr.Rollback(), ShouldBeNil)
		})
	})

	Convey("Diverge flags the record and keeps pre roots only", t, func() {
		cap := &fakeCapture{versions: map[string]int{}}
		tr := New(cap, fixedClock)
		ctx := context.Background()

		So(tr.Begin(false), ShouldBeNil)
		So(tr.ObserveWrite(ctx, []string{"t"}), ShouldBeNil)

		record := tr.Diverge()
		So(record.Status, ShouldEqual, types.TransactionDiverged)
		So(len(record.TableRoots), ShouldEqual, 1)
		So(record.TableRoots[0].PostRoot.IsZero(), ShouldBeTrue)
	})
}

func TestImplicitTransaction(t *testing.T) {
	Convey("Implicit transactions are marked as such", t, func() {
		tr := New(&fakeCapture{versions: map[string]int{}}, fixedClock)
		So(tr.Begin(true), ShouldBeNil)
		So(tr.Implicit(), ShouldBeTrue)
		record, _, err := tr.Commit(context.Background())
		So(err, ShouldBeNil)
		So(record.Status, ShouldEqual, types.TransactionCommitted)
	})
}
