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

package analyzer

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func newTestAnalyzer() *Analyzer {
	return New(nil, []string{"timezone"})
}

func TestTransactionControl(t *testing.T) {
	a := newTestAnalyzer()
	Convey("Transaction control statements are classified without parsing", t, func() {
		cases := []struct {
			sql  string
			kind StatementKind
			name string
		}{
			{"BEGIN", KindBegin, ""},
			{"begin transaction", KindBegin, ""},
			{"START TRANSACTION", KindBegin, ""},
			{"COMMIT", KindCommit, ""},
			{"END", KindCommit, ""},
			{"ROLLBACK", KindRollback, ""},
			{"SAVEPOINT sp1", KindSavepoint, "sp1"},
			{"RELEASE SAVEPOINT sp1", KindReleaseSavepoint, "sp1"},
			{"RELEASE sp1", KindReleaseSavepoint, "sp1"},
			{"ROLLBACK TO SAVEPOINT sp1", KindRollbackToSavepoint, "sp1"},
			{"ROLLBACK TO sp1", KindRollbackToSavepoint, "sp1"},
		}
		for _, c := range cases {
			stmt, verdict := a.Analyze(c.sql)
			So(stmt.Kind, ShouldEqual, c.kind)
			So(stmt.SavepointName, ShouldEqual, c.name)
			So(verdict.Kind, ShouldEqual, VerdictPure)
		}
	})
}

func TestVolatileFunctionDetection(t *testing.T) {
	a := newTestAnalyzer()
	Convey("Volatile but substitutable functions yield a rewrite plan", t, func() {
		stmt, verdict := a.Analyze("INSERT INTO t (ts) VALUES (now())")
		So(stmt.Kind, ShouldEqual, KindInsert)
		So(verdict.Kind, ShouldEqual, VerdictRewritten)
		So(verdict.Plan[0].Kind, ShouldEqual, StepSubstituteFunctions)
	})
	Convey("Unsubstitutable volatile functions are unsafe", t, func() {
		_, verdict := a.Analyze("SELECT nextval('seq') FROM t ORDER BY 1")
		So(verdict.Kind, ShouldEqual, VerdictUnsafe)
		So(verdict.Reason, ShouldEqual, ReasonVolatileFunction)
	})
	Convey("Unknown functions are unsafe", t, func() {
		_, verdict := a.Analyze("SELECT my_udf(x) FROM t ORDER BY 1")
		So(verdict.Kind, ShouldEqual, VerdictUnsafe)
		So(verdict.Reason, ShouldEqual, ReasonUnknownFunction)
	})
	Convey("Allow-listed functions pass", t, func() {
		a2 := New([]string{"my_udf"}, nil)
		_, verdict := a2.Analyze("SELECT my_udf(x) FROM t ORDER BY 1")
		So(verdict.Kind, ShouldNotEqual, VerdictUnsafe)
	})
	Convey("Function names inside string literals are ignored", t, func() {
		_, verdict := a.Analyze("SELECT 'now() random()' FROM t ORDER BY 1")
		So(verdict.Kind, ShouldNotEqual, VerdictUnsafe)
	})
}

func TestStrictMode(t *testing.T) {
	Convey("Strict mode rejects volatile functions instead of rewriting", t, func() {
		a := New(nil, nil)
		a.SetStrict(true)
		_, verdict := a.Analyze("SELECT random()")
		So(verdict.Kind, ShouldEqual, VerdictUnsafe)
		So(verdict.Reason, ShouldEqual, ReasonVolatileFunction)
		So(verdict.Detail, ShouldEqual, "random")
	})
}

func TestCurrentSetting(t *testing.T) {
	a := newTestAnalyzer()
	Convey("current_setting off the allow-list is unsafe", t, func() {
		_, verdict := a.Analyze("SELECT current_setting('server_version') FROM t ORDER BY 1")
		So(verdict.Kind, ShouldEqual, VerdictUnsafe)
		So(verdict.Reason, ShouldEqual, ReasonRestrictedSetting)
	})
	Convey("allow-listed settings pass", t, func() {
		_, verdict := a.Analyze("SELECT current_setting('TimeZone') FROM t ORDER BY 1")
		So(verdict.Kind, ShouldNotEqual, VerdictUnsafe)
	})
}

func TestSystemColumns(t *testing.T) {
	a := newTestAnalyzer()
	Convey("References to physical-layout columns are unsafe", t, func() {
		_, verdict := a.Analyze("SELECT ctid FROM t ORDER BY 1")
		So(verdict.Kind, ShouldEqual, VerdictUnsafe)
		So(verdict.Reason, ShouldEqual, ReasonSystemColumn)

		_, verdict = a.Analyze("SELECT id FROM t WHERE xmin > 100 ORDER BY 1")
		So(verdict.Kind, ShouldEqual, VerdictUnsafe)
		So(verdict.Reason, ShouldEqual, ReasonSystemColumn)
	})
}

func TestOrderingFindings(t *testing.T) {
	a := newTestAnalyzer()
	Convey("An unordered select gets an order injection step", t, func() {
		stmt, verdict := a.Analyze("SELECT id, name FROM t")
		So(verdict.Kind, ShouldEqual, VerdictRewritten)
		So(stmt.SelectArity, ShouldEqual, 2)
		var found bool
		for _, s := range verdict.Plan {
			if s.Kind == StepInjectOrder {
				found = true
				So(s.Arity, ShouldEqual, 2)
			}
		}
		So(found, ShouldBeTrue)
	})
	Convey("An ordered select needs no injection", t, func() {
		_, verdict := a.Analyze("SELECT id FROM t ORDER BY id")
		So(verdict.Kind, ShouldEqual, VerdictRewritten)
		for _, s := range verdict.Plan {
			So(s.Kind, ShouldNotEqual, StepInjectOrder)
		}
	})
	Convey("A subquery limit without order by is unsafe", t, func() {
		_, verdict := a.Analyze("SELECT id FROM t WHERE id IN (SELECT id FROM u LIMIT 5) ORDER BY id")
		So(verdict.Kind, ShouldEqual, VerdictUnsafe)
		So(verdict.Reason, ShouldEqual, ReasonLimitWithoutOrder)
	})
	Convey("A union without order by carries its own reason", t, func() {
		_, verdict := a.Analyze("SELECT id FROM t UNION SELECT id FROM u")
		So(verdict.Kind, ShouldEqual, VerdictUnsafe)
		So(verdict.Reason, ShouldEqual, ReasonUnionWithoutOrder)
	})
}

func TestTableExtraction(t *testing.T) {
	a := newTestAnalyzer()
	Convey("Reads and writes land in the right table sets", t, func() {
		stmt, _ := a.Analyze("SELECT a.id FROM accounts a JOIN ledger l ON a.id = l.acct ORDER BY a.id")
		So(stmt.ReadTables, ShouldContain, "accounts")
		So(stmt.ReadTables, ShouldContain, "ledger")

		stmt, _ = a.Analyze("INSERT INTO audit (id) VALUES (1)")
		So(stmt.WriteTables, ShouldResemble, []string{"audit"})
		So(stmt.ImplicitTransaction, ShouldBeTrue)

		stmt, _ = a.Analyze("UPDATE balances SET amount = amount + 1 WHERE id = 2")
		So(stmt.WriteTables, ShouldResemble, []string{"balances"})

		stmt, _ = a.Analyze("DELETE FROM sessions WHERE id = 3")
		So(stmt.WriteTables, ShouldResemble, []string{"sessions"})
	})
	Convey("INSERT ... SELECT reads its source tables", t, func() {
		stmt, _ := a.Analyze("INSERT INTO t2 SELECT id, name FROM t1 ORDER BY id")
		So(stmt.WriteTables, ShouldResemble, []string{"t2"})
		So(stmt.ReadTables, ShouldContain, "t1")
	})
}

func TestFallbackClassifier(t *testing.T) {
	a := newTestAnalyzer()
	Convey("Unparseable SQL with a volatile token gets the precise reason", t, func() {
		_, verdict := a.Analyze("SELECT id::text, clock_timestamp() FROM t")
		So(verdict.Kind, ShouldEqual, VerdictUnsafe)
		So(verdict.Reason, ShouldEqual, ReasonVolatileFunction)
	})
	Convey("Pure-seeming but unparseable SQL is still unsafe", t, func() {
		_, verdict := a.Analyze("SELECT id::text FROM t ORDER BY id")
		So(verdict.Kind, ShouldEqual, VerdictUnsafe)
		So(verdict.Reason, ShouldEqual, ReasonUnparseable)
	})
	Convey("SKIP LOCKED is caught even without a parse", t, func() {
		_, verdict := a.Analyze("SELECT * FROM jobs FOR UPDATE SKIP LOCKED")
		So(verdict.Kind, ShouldEqual, VerdictUnsafe)
		So(verdict.Reason, ShouldEqual, ReasonSkipLocked)
	})
}

func TestMultiStatement(t *testing.T) {
	a := newTestAnalyzer()
	Convey("Multi-statement simple queries are rejected", t, func() {
		_, verdict := a.Analyze("SELECT 1; SELECT 2")
		So(verdict.Kind, ShouldEqual, VerdictUnsafe)
		So(verdict.Reason, ShouldEqual, ReasonMultiStatement)
	})
}

func TestPlaceholderNormalization(t *testing.T) {
	a := newTestAnalyzer()
	Convey("Extended-protocol placeholders parse", t, func() {
		stmt, verdict := a.Analyze("INSERT INTO t (id, name) VALUES ($1, $2)")
		So(stmt.Kind, ShouldEqual, KindInsert)
		So(verdict.Kind, ShouldEqual, VerdictPure)
	})
}

func TestVerdictCache(t *testing.T) {
	a := newTestAnalyzer()
	Convey("Repeated analysis of the same text hits the cache", t, func() {
		s1, v1 := a.Analyze("SELECT id FROM t ORDER BY id")
		s2, v2 := a.Analyze("SELECT id FROM t ORDER BY id")
		So(s1.Kind, ShouldEqual, s2.Kind)
		So(v1.Kind, ShouldEqual, v2.Kind)
	})
}

func TestScanIdentifiers(t *testing.T) {
	Convey("The scanner skips literals, quoted identifiers and comments", t, func() {
		tokens := ScanIdentifiers(`SELECT "now", 'random()' -- now()
			/* clock_timestamp() */ , id FROM t`)
		So(HasToken(tokens, "select"), ShouldBeTrue)
		So(HasToken(tokens, "id"), ShouldBeTrue)
		So(HasToken(tokens, "now"), ShouldBeFalse)
		So(HasToken(tokens, "random"), ShouldBeFalse)
		So(HasToken(tokens, "clock_timestamp"), ShouldBeFalse)
	})
	Convey("Dollar-quoted bodies are opaque", t, func() {
		tokens := ScanIdentifiers("CREATE FUNCTION f() AS $body$ select now() $body$ LANGUAGE sql")
		So(HasToken(tokens, "now"), ShouldBeFalse)
	})
	Convey("Phrases match consecutive tokens only", t, func() {
		tokens := ScanIdentifiers("FOR UPDATE SKIP LOCKED")
		So(HasPhrase(tokens, "skip", "locked"), ShouldBeTrue)
		So(HasPhrase(tokens, "locked", "skip"), ShouldBeFalse)
	})
}
