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

package capture

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/Gajesh2007/verifiable-rds-avs/merkle"
	"github.com/Gajesh2007/verifiable-rds-avs/types"
)

func testSchema() types.Schema {
	return types.Schema{
		Table: "t",
		Columns: []types.Column{
			{Name: "id", Type: types.TypeInt4, DeclaredType: "integer"},
			{Name: "name", Type: types.TypeText, DeclaredType: "text"},
		},
		PrimaryKey: []string{"id"},
	}
}

func TestBuildSnapshotQuery(t *testing.T) {
	Convey("Tables with a key order by it", t, func() {
		s := testSchema()
		So(buildSnapshotQuery(&s), ShouldEqual, `SELECT "id", "name" FROM "t" ORDER BY "id" ASC`)
	})
	Convey("Tables without a key select unordered for later canonical sorting", t, func() {
		s := testSchema()
		s.PrimaryKey = nil
		So(buildSnapshotQuery(&s), ShouldEqual, `SELECT "id", "name" FROM "t"`)
	})
}

func TestConvertValue(t *testing.T) {
	Convey("Driver values map onto the canonical variants", t, func() {
		intCol := types.Column{Name: "id", Type: types.TypeInt4, DeclaredType: "integer"}
		v, err := convertValue(intCol, int64(7))
		So(err, ShouldBeNil)
		So(v.Int, ShouldEqual, 7)

		textCol := types.Column{Name: "name", Type: types.TypeText, DeclaredType: "text"}
		v, err = convertValue(textCol, []byte("abc"))
		So(err, ShouldBeNil)
		So(v.Text, ShouldEqual, "abc")

		v, err = convertValue(textCol, nil)
		So(err, ShouldBeNil)
		So(v.Null, ShouldBeTrue)

		tsCol := types.Column{Name: "ts", Type: types.TypeTimestamp, DeclaredType: "timestamp without time zone"}
		now := time.Unix(1704164645, 0).UTC()
		v, err = convertValue(tsCol, now)
		So(err, ShouldBeNil)
		So(v.Time.Equal(now), ShouldBeTrue)
	})
	Convey("Unregistered unknown types are rejected", t, func() {
		col := types.Column{Name: "v", Type: types.TypeUnknown, DeclaredType: "tsvector"}
		_, err := convertValue(col, []byte("x"))
		So(err, ShouldNotBeNil)
	})
}

func TestBuildSnapshot(t *testing.T) {
	Convey("A single-row snapshot's root is its leaf", t, func() {
		s := testSchema()
		rows := []types.Row{{Values: []types.Value{
			{Type: types.TypeInt4, Int: 1},
			{Type: types.TypeText, Text: "a"},
		}}}
		snap, err := buildSnapshot(&s, rows, time.Unix(0, 0).UTC())
		So(err, ShouldBeNil)
		So(len(snap.Leaves), ShouldEqual, 1)
		So(snap.Root.IsEqual(&snap.Leaves[0]), ShouldBeTrue)

		want := merkle.HashLeaf([]byte{
			byte(types.TypeInt4), 0, 0, 0, 4, 0, 0, 0, 1,
			byte(types.TypeText), 0, 0, 0, 1, 0x61,
		})
		So(snap.Root.IsEqual(&want), ShouldBeTrue)
	})

	Convey("An empty snapshot has the conventional empty root", t, func() {
		s := testSchema()
		snap, err := buildSnapshot(&s, nil, time.Unix(0, 0).UTC())
		So(err, ShouldBeNil)
		empty := merkle.EmptyRoot()
		So(snap.Root.IsEqual(&empty), ShouldBeTrue)
	})

	Convey("Keyless tables sort rows by canonical bytes", t, func() {
		s := testSchema()
		s.PrimaryKey = nil
		rows := []types.Row{
			{Values: []types.Value{{Type: types.TypeInt4, Int: 2}, {Type: types.TypeText, Text: "b"}}},
			{Values: []types.Value{{Type: types.TypeInt4, Int: 1}, {Type: types.TypeText, Text: "a"}}},
		}
		snap, err := buildSnapshot(&s, rows, time.Unix(0, 0).UTC())
		So(err, ShouldBeNil)
		So(snap.Rows[0].Values[0].Int, ShouldEqual, 1)
		So(snap.Rows[1].Values[0].Int, ShouldEqual, 2)

		Convey("and the order is input-insensitive", func() {
			reversed := []types.Row{rows[1], rows[0]}
			snap2, err := buildSnapshot(&s, reversed, time.Unix(0, 0).UTC())
			So(err, ShouldBeNil)
			So(snap2.Root.IsEqual(&snap.Root), ShouldBeTrue)
		})
	})

	Convey("Row proofs verify against the snapshot root", t, func() {
		s := testSchema()
		var rows []types.Row
		for i := 1; i <= 5; i++ {
			rows = append(rows, types.Row{Values: []types.Value{
				{Type: types.TypeInt4, Int: int64(i)},
				{Type: types.TypeText, Text: "row"},
			}})
		}
		snap, err := buildSnapshot(&s, rows, time.Unix(0, 0).UTC())
		So(err, ShouldBeNil)
		for i := range rows {
			p, err := snap.RowProof(i)
			So(err, ShouldBeNil)
			So(merkle.Verify(snap.Leaves[i], p, snap.Root), ShouldBeTrue)
		}
	})
}
