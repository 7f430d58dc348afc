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

package rewriter

import (
	"strconv"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/Gajesh2007/verifiable-rds-avs/analyzer"
)

type fixedSchema map[string][]string

func (s fixedSchema) Columns(table string) ([]string, bool) {
	cols, ok := s[table]
	return cols, ok
}

func analyzeAndRewrite(t *testing.T, r *Rewriter, det *Determinism, sql string) Result {
	t.Helper()
	a := analyzer.New(nil, nil)
	stmt, verdict := a.Analyze(sql)
	if verdict.Unsafe() {
		t.Fatalf("unexpected unsafe verdict for %q: %s", sql, verdict.Reason)
	}
	res, err := r.Rewrite(stmt, verdict, det)
	if err != nil {
		t.Fatalf("rewrite %q: %v", sql, err)
	}
	return res
}

func TestTimestampSubstitution(t *testing.T) {
	Convey("now() pins to the transaction timestamp", t, func() {
		det := NewDeterminism("tx-1", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
		r := New(nil)
		res := analyzeAndRewrite(t, r, det, "INSERT INTO t VALUES (now())")
		So(res.SQL, ShouldEqual, "INSERT INTO t VALUES (TIMESTAMP '2024-01-02T03:04:05Z')")
		So(res.Substituted, ShouldEqual, 1)
	})
	Convey("CURRENT_TIMESTAMP without parens substitutes too", t, func() {
		det := NewDeterminism("tx-1", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
		r := New(nil)
		res := analyzeAndRewrite(t, r, det, "INSERT INTO t VALUES (CURRENT_TIMESTAMP)")
		So(res.SQL, ShouldEqual, "INSERT INTO t VALUES (TIMESTAMP '2024-01-02T03:04:05Z')")
	})
}

func TestRandomAndUUIDSubstitution(t *testing.T) {
	Convey("random() derives from transaction id and call ordinal", t, func() {
		r := New(nil)

		det1 := NewDeterminism("tx-1", time.Unix(0, 0).UTC())
		res1 := analyzeAndRewrite(t, r, det1, "INSERT INTO t VALUES (random(), random())")

		det2 := NewDeterminism("tx-1", time.Unix(0, 0).UTC())
		res2 := analyzeAndRewrite(t, r, det2, "INSERT INTO t VALUES (random(), random())")

		Convey("replay reproduces identical values", func() {
			So(res1.SQL, ShouldEqual, res2.SQL)
		})

		Convey("each call site gets its own value in [0,1)", func() {
			inner := strings.TrimSuffix(strings.TrimPrefix(res1.SQL, "INSERT INTO t VALUES ("), ")")
			parts := strings.Split(inner, ", ")
			So(len(parts), ShouldEqual, 2)
			So(parts[0], ShouldNotEqual, parts[1])
			for _, p := range parts {
				f, err := strconv.ParseFloat(p, 64)
				So(err, ShouldBeNil)
				So(f, ShouldBeGreaterThanOrEqualTo, 0)
				So(f, ShouldBeLessThan, 1)
			}
		})

		Convey("a different transaction derives different values", func() {
			det3 := NewDeterminism("tx-2", time.Unix(0, 0).UTC())
			res3 := analyzeAndRewrite(t, r, det3, "INSERT INTO t VALUES (random(), random())")
			So(res3.SQL, ShouldNotEqual, res1.SQL)
		})
	})

	Convey("gen_random_uuid() yields a v4-shaped literal", t, func() {
		r := New(nil)
		det := NewDeterminism("tx-1", time.Unix(0, 0).UTC())
		res := analyzeAndRewrite(t, r, det, "INSERT INTO t VALUES (gen_random_uuid())")
		lit := strings.TrimSuffix(strings.TrimPrefix(res.SQL, "INSERT INTO t VALUES ('"), "')")
		So(len(lit), ShouldEqual, 36)
		So(lit[14], ShouldEqual, '4')
		So(strings.ContainsAny(string(lit[19]), "89ab"), ShouldBeTrue)
	})
}

func TestOrderInjection(t *testing.T) {
	Convey("Unordered selects get a positional total ordering", t, func() {
		r := New(nil)
		res := analyzeAndRewrite(t, r, nil, "SELECT id, name FROM t")
		So(res.SQL, ShouldEqual, "SELECT id, name FROM t ORDER BY 1 ASC, 2 ASC")
	})

	Convey("The clause lands before a top-level LIMIT", t, func() {
		a := analyzer.New(nil, nil)
		stmt, verdict := a.Analyze("SELECT id FROM t LIMIT 10")
		So(verdict.Unsafe(), ShouldBeFalse)
		res, err := New(nil).Rewrite(stmt, verdict, nil)
		So(err, ShouldBeNil)
		So(res.SQL, ShouldEqual, "SELECT id FROM t ORDER BY 1 ASC LIMIT 10")
	})

	Convey("Star selects resolve columns from the schema registry", t, func() {
		r := New(fixedSchema{"t": {"id", "name"}})
		res := analyzeAndRewrite(t, r, nil, "SELECT * FROM t")
		So(res.SQL, ShouldEqual, `SELECT * FROM t ORDER BY "id" ASC, "name" ASC`)
	})

	Convey("Star selects without schema fail ordering injection", t, func() {
		a := analyzer.New(nil, nil)
		stmt, verdict := a.Analyze("SELECT * FROM t")
		So(verdict.Unsafe(), ShouldBeFalse)
		_, err := New(nil).Rewrite(stmt, verdict, nil)
		So(err, ShouldNotBeNil)
	})
}

func TestPlannerHints(t *testing.T) {
	Convey("Selects carry paired set and reset statements", t, func() {
		r := New(nil)
		res := analyzeAndRewrite(t, r, nil, "SELECT id FROM t ORDER BY id")
		So(res.PreStatements, ShouldResemble, PlannerHints)
		So(res.PostStatements, ShouldResemble, PlannerHintResets)
	})
}

func TestRewriteIdempotence(t *testing.T) {
	Convey("Rewriting a rewritten statement is a no-op", t, func() {
		a := analyzer.New(nil, nil)
		r := New(nil)
		det := NewDeterminism("tx-1", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

		inputs := []string{
			"SELECT id, name FROM t",
			"INSERT INTO t VALUES (now())",
			"SELECT id FROM t LIMIT 3",
		}
		for _, sql := range inputs {
			stmt, verdict := a.Analyze(sql)
			So(verdict.Unsafe(), ShouldBeFalse)
			first, err := r.Rewrite(stmt, verdict, det)
			So(err, ShouldBeNil)

			stmt2, verdict2 := a.Analyze(first.SQL)
			So(verdict2.Unsafe(), ShouldBeFalse)
			second, err := r.Rewrite(stmt2, verdict2, det)
			So(err, ShouldBeNil)
			So(second.SQL, ShouldEqual, first.SQL)
		}
	})
}
