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
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/Gajesh2007/verifiable-rds-avs/analyzer"
)

// ErrCannotInjectOrder defines a select whose total ordering cannot be
// established from the schema.
var ErrCannotInjectOrder = errors.New("cannot establish a total ordering")

// SchemaResolver resolves a table's declared column order for star-select
// ordering injection.
type SchemaResolver interface {
	// Columns returns the declared column names of table in order, and
	// whether the table is known.
	Columns(table string) ([]string, bool)
}

// PlannerHints are the statement-scoped settings disabling plan choices that
// depend on runtime statistics.
var PlannerHints = []string{
	"SET max_parallel_workers_per_gather = 0",
	"SET enable_hashjoin = off",
	"SET enable_mergejoin = off",
	"SET random_page_cost = 4.0",
}

// PlannerHintResets undo PlannerHints after the statement, so settings never
// leak across statements.
var PlannerHintResets = []string{
	"RESET max_parallel_workers_per_gather",
	"RESET enable_hashjoin",
	"RESET enable_mergejoin",
	"RESET random_page_cost",
}

// Result is the outcome of rewriting one statement.
type Result struct {
	SQL string
	// PreStatements run before the statement, PostStatements after; both on
	// the same backend connection.
	PreStatements  []string
	PostStatements []string
	// Substituted counts volatile call sites replaced.
	Substituted int
}

// Rewriter applies analyzer rewrite plans to SQL text.
type Rewriter struct {
	schema SchemaResolver
}

// New returns a rewriter. schema may be nil; star selects then fail ordering
// injection.
func New(schema SchemaResolver) *Rewriter {
	return &Rewriter{schema: schema}
}

// Rewrite applies the plan to the classified statement. det supplies the
// transaction-pinned values; it must be non-nil whenever the plan contains a
// substitution step.
func (r *Rewriter) Rewrite(stmt analyzer.ClassifiedStatement, verdict analyzer.Verdict, det *Determinism) (res Result, err error) {
	res.SQL = stmt.SQL
	if verdict.Unsafe() {
		err = errors.Errorf("refusing to rewrite unsafe statement: %s", verdict.Reason)
		return
	}
	for _, step := range verdict.Plan {
		switch step.Kind {
		case analyzer.StepSubstituteFunctions:
			if res.SQL, res.Substituted, err = substituteFunctions(res.SQL, det); err != nil {
				return
			}
		case analyzer.StepInjectOrder:
			if res.SQL, err = r.injectOrder(res.SQL, stmt, step.Arity); err != nil {
				return
			}
		case analyzer.StepPlannerHints:
			res.PreStatements = append(res.PreStatements, PlannerHints...)
			res.PostStatements = append(res.PostStatements, PlannerHintResets...)
		}
	}
	return
}

// timestampFuncs substitute to the pinned transaction timestamp.
var timestampFuncs = map[string]struct{}{
	"now":                   {},
	"current_timestamp":     {},
	"transaction_timestamp": {},
	"statement_timestamp":   {},
	"clock_timestamp":       {},
	"timeofday":             {},
}

// substituteFunctions replaces volatile call sites left-to-right with pinned
// literals, assigning call ordinals in text order.
func substituteFunctions(sql string, det *Determinism) (out string, substituted int, err error) {
	if det == nil {
		err = errors.New("no deterministic context for substitution")
		return
	}
	tokens := analyzer.ScanIdentifiers(sql)
	var b strings.Builder
	pos := 0
	for _, t := range tokens {
		var literal string
		if _, ok := timestampFuncs[t.Text]; ok {
			literal = det.TimestampLiteral()
		} else if t.Text == "random" {
			literal = det.RandomLiteral()
		} else if t.Text == "gen_random_uuid" || t.Text == "uuid_generate_v4" {
			literal = det.UUIDLiteral()
		} else {
			continue
		}
		if t.Start < pos {
			continue
		}
		end := consumeEmptyParens(sql, t.End)
		b.WriteString(sql[pos:t.Start])
		b.WriteString(literal)
		pos = end
		substituted++
	}
	b.WriteString(sql[pos:])
	out = b.String()
	return
}

// consumeEmptyParens extends end past a trailing "()" if present, so both
// now() and CURRENT_TIMESTAMP substitute cleanly.
func consumeEmptyParens(sql string, end int) int {
	i := end
	for i < len(sql) && (sql[i] == ' ' || sql[i] == '\t' || sql[i] == '\n' || sql[i] == '\r') {
		i++
	}
	if i < len(sql) && sql[i] == '(' {
		j := i + 1
		for j < len(sql) && (sql[j] == ' ' || sql[j] == '\t' || sql[j] == '\n' || sql[j] == '\r') {
			j++
		}
		if j < len(sql) && sql[j] == ')' {
			return j + 1
		}
	}
	return end
}

// injectOrder appends a total ordering to the select: every output column in
// output order, ascending. PostgreSQL sorts nulls last under ascending order,
// so ASC alone yields the nulls-last total order. The clause lands before any
// top-level LIMIT, OFFSET, FETCH or FOR clause.
func (r *Rewriter) injectOrder(sql string, stmt analyzer.ClassifiedStatement, arity int) (out string, err error) {
	var cols []string
	if arity > 0 {
		for i := 1; i <= arity; i++ {
			cols = append(cols, fmt.Sprintf("%d ASC", i))
		}
	} else {
		// Star select: resolve the declared columns from the schema.
		if r.schema == nil || len(stmt.ReadTables) != 1 {
			err = errors.Wrap(ErrCannotInjectOrder, "star select over unknown or multiple tables")
			return
		}
		names, ok := r.schema.Columns(stmt.ReadTables[0])
		if !ok || len(names) == 0 {
			err = errors.Wrapf(ErrCannotInjectOrder, "no schema for table %s", stmt.ReadTables[0])
			return
		}
		for _, n := range names {
			cols = append(cols, fmt.Sprintf("%q ASC", n))
		}
	}
	clause := " ORDER BY " + strings.Join(cols, ", ")

	insert := topLevelTailStart(sql)
	tail := sql[insert:]
	if tail != "" {
		clause += " "
	}
	out = strings.TrimRight(sql[:insert], " \t\r\n;") + clause + tail
	return
}

// topLevelTailStart finds the byte offset of the first top-level LIMIT,
// OFFSET, FETCH or FOR token, or the end of the statement.
func topLevelTailStart(sql string) int {
	depth := 0
	i := 0
	n := len(sql)
	for i < n {
		c := sql[i]
		switch {
		case c == '\'':
			i = skipPast(sql, i, '\'')
		case c == '"':
			i = skipPast(sql, i, '"')
		case c == '(':
			depth++
			i++
		case c == ')':
			depth--
			i++
		case c == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}
		case isWordStart(c):
			start := i
			for i < n && isWordPart(sql[i]) {
				i++
			}
			if depth == 0 {
				switch strings.ToLower(sql[start:i]) {
				case "limit", "offset", "fetch", "for":
					return start
				}
			}
		default:
			i++
		}
	}
	return n
}

func skipPast(sql string, i int, quote byte) int {
	i++
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordPart(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9')
}
