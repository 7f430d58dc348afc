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
	"fmt"
	"strings"

	"github.com/CovenantSQL/sqlparser"
	lru "github.com/hashicorp/golang-lru"
)

// defaultCacheSize bounds the verdict cache.
const defaultCacheSize = 4096

// volatileFuncs are rewritable volatile functions: each call site gets a
// value pinned to the transaction.
var volatileFuncs = map[string]struct{}{
	"now":                   {},
	"current_timestamp":     {},
	"transaction_timestamp": {},
	"statement_timestamp":   {},
	"clock_timestamp":       {},
	"timeofday":             {},
	"random":                {},
	"gen_random_uuid":       {},
	"uuid_generate_v4":      {},
}

// rejectedFuncs can never be made deterministic by substitution.
var rejectedFuncs = map[string]struct{}{
	"pg_sleep":          {},
	"pg_backend_pid":    {},
	"pg_notify":         {},
	"txid_current":      {},
	"nextval":           {},
	"currval":           {},
	"lastval":           {},
	"setseed":           {},
}

// deterministicFuncs are builtins safe without rewriting.
var deterministicFuncs = map[string]struct{}{
	"count": {}, "sum": {}, "avg": {}, "min": {}, "max": {},
	"coalesce": {}, "nullif": {}, "greatest": {}, "least": {},
	"lower": {}, "upper": {}, "length": {}, "char_length": {},
	"substring": {}, "substr": {}, "concat": {}, "concat_ws": {},
	"trim": {}, "btrim": {}, "ltrim": {}, "rtrim": {}, "replace": {},
	"position": {}, "strpos": {}, "left": {}, "right": {}, "repeat": {},
	"reverse": {}, "split_part": {}, "translate": {}, "initcap": {},
	"lpad": {}, "rpad": {}, "to_char": {}, "to_number": {}, "to_date": {},
	"abs": {}, "ceil": {}, "ceiling": {}, "floor": {}, "round": {},
	"trunc": {}, "mod": {}, "power": {}, "sqrt": {}, "exp": {}, "ln": {},
	"log": {}, "sign": {}, "div": {}, "width_bucket": {},
	"date_part": {}, "date_trunc": {}, "extract": {}, "age": {},
	"justify_days": {}, "justify_hours": {}, "justify_interval": {},
	"md5": {}, "sha256": {}, "encode": {}, "decode": {},
	"array_agg": {}, "array_length": {}, "unnest": {}, "string_agg": {},
	"json_agg": {}, "jsonb_agg": {}, "json_build_object": {},
	"row_number": {}, "rank": {}, "dense_rank": {},
	"cast": {}, "convert": {}, "if": {}, "case": {},
}

// systemColumns depend on physical layout and are never verifiable.
var systemColumns = map[string]struct{}{
	"ctid": {}, "xmin": {}, "xmax": {}, "cmin": {}, "cmax": {},
	"tableoid": {}, "oid": {},
}

// Analyzer classifies SQL statements and decides their determinism.
type Analyzer struct {
	allowedFuncs    map[string]struct{}
	allowedSettings map[string]struct{}
	strict          bool
	cache           *lru.Cache
}

// cacheEntry memoizes the analysis of one SQL text.
type cacheEntry struct {
	stmt    ClassifiedStatement
	verdict Verdict
}

// New returns an analyzer. allowFuncs extends the deterministic builtin set;
// allowSettings is the current_setting allow-list.
func New(allowFuncs, allowSettings []string) *Analyzer {
	a := &Analyzer{
		allowedFuncs:    make(map[string]struct{}, len(allowFuncs)),
		allowedSettings: make(map[string]struct{}, len(allowSettings)),
	}
	for _, f := range allowFuncs {
		a.allowedFuncs[strings.ToLower(f)] = struct{}{}
	}
	for _, s := range allowSettings {
		a.allowedSettings[strings.ToLower(s)] = struct{}{}
	}
	a.cache, _ = lru.New(defaultCacheSize)
	return a
}

// SetStrict disables function substitution: volatile functions become Unsafe
// instead of substitutable, while ordering injection and planner hints still
// apply. Must be set before the first Analyze call; the verdict cache is
// cleared.
func (a *Analyzer) SetStrict(strict bool) {
	a.strict = strict
	a.cache.Purge()
}

// Analyze classifies sql and returns its determinism verdict. Results are
// memoized by exact SQL text.
func (a *Analyzer) Analyze(sql string) (stmt ClassifiedStatement, verdict Verdict) {
	if cached, ok := a.cache.Get(sql); ok {
		e := cached.(cacheEntry)
		return e.stmt, e.verdict
	}
	stmt, verdict = a.analyze(sql)
	a.cache.Add(sql, cacheEntry{stmt: stmt, verdict: verdict})
	return
}

func (a *Analyzer) analyze(sql string) (stmt ClassifiedStatement, verdict Verdict) {
	stmt.SQL = sql
	stmt.SelectArity = -1

	tokens := ScanIdentifiers(sql)
	if len(tokens) == 0 {
		verdict = Verdict{Kind: VerdictPure}
		stmt.Kind = KindUtility
		return
	}

	// Transaction control never reaches the SQL parser; PostgreSQL grammar
	// for it is handled up front.
	if ok := classifyTransactionControl(tokens, &stmt); ok {
		verdict = Verdict{Kind: VerdictPure}
		return
	}

	parsed, perr := parseSingle(sql)
	if perr != nil {
		if perr == errMultiStatement {
			stmt.Kind = KindUtility
			verdict = Verdict{
				Kind:   VerdictUnsafe,
				Reason: ReasonMultiStatement,
				Detail: "multi-statement queries cannot be tracked",
			}
			return
		}
		return a.fallback(sql, tokens, stmt)
	}

	switch s := parsed.(type) {
	case *sqlparser.Select, *sqlparser.Union:
		stmt.Kind = KindSelect
	case *sqlparser.Insert:
		stmt.Kind = KindInsert
		stmt.WriteTables = appendTable(stmt.WriteTables, s.Table.Name.String())
	case *sqlparser.Update:
		stmt.Kind = KindUpdate
	case *sqlparser.Delete:
		stmt.Kind = KindDelete
	case *sqlparser.DDL:
		stmt.Kind = KindDdl
	case *sqlparser.DBDDL:
		stmt.Kind = KindDdl
	default:
		stmt.Kind = KindUtility
	}
	stmt.ImplicitTransaction = stmt.Kind.IsWrite()

	collectTables(parsed, &stmt)

	if stmt.Kind == KindDdl {
		// DDL bodies are opaque text; any volatile token poisons them.
		if reason, detail := scanDeniedTokens(tokens, a.allowedFuncs); reason != ReasonNone {
			verdict = Verdict{Kind: VerdictUnsafe, Reason: ReasonDdlNondet, Detail: detail}
			return
		}
		verdict = Verdict{Kind: VerdictPure}
		return
	}

	verdict = a.inspect(parsed, &stmt)
	return
}

// errMultiStatement marks a simple query carrying more than one statement.
var errMultiStatement = fmt.Errorf("multiple statements")

// parseSingle parses sql and rejects multi-statement input. PostgreSQL $N
// placeholders are normalized to named bind variables for the parser's sake;
// rewriting always works on the original text, never on regenerated AST.
func parseSingle(sql string) (stmt sqlparser.Statement, err error) {
	tokenizer := sqlparser.NewStringTokenizer(normalizeParams(sql))
	if stmt, err = sqlparser.ParseNext(tokenizer); err != nil {
		return
	}
	if _, err2 := sqlparser.ParseNext(tokenizer); err2 == nil {
		return nil, errMultiStatement
	}
	return
}

// normalizeParams maps $1, $2, ... to :v1, :v2, ... outside literals and
// comments, and drops the TIMESTAMP and DATE keywords in front of string
// literals; both are PostgreSQL spellings the parser's grammar lacks. The normalized text is
// for analysis only, never sent anywhere.
func normalizeParams(sql string) string {
	var b strings.Builder
	i := 0
	n := len(sql)
	for i < n {
		c := sql[i]
		switch {
		case isIdentStart(c):
			start := i
			for i < n && isIdentPart(sql[i]) {
				i++
			}
			word := sql[start:i]
			if strings.EqualFold(word, "timestamp") || strings.EqualFold(word, "date") {
				j := i
				for j < n && (sql[j] == ' ' || sql[j] == '\t') {
					j++
				}
				if j < n && sql[j] == '\'' {
					// keyword-prefixed literal: keep only the string
					continue
				}
			}
			b.WriteString(word)
		case c == '\'':
			end := skipSingleQuoted(sql, i)
			b.WriteString(sql[i:end])
			i = end
		case c == '"':
			end := skipDoubleQuoted(sql, i)
			b.WriteString(sql[i:end])
			i = end
		case c == '-' && i+1 < n && sql[i+1] == '-':
			end := i
			for end < n && sql[end] != '\n' {
				end++
			}
			b.WriteString(sql[i:end])
			i = end
		case c == '/' && i+1 < n && sql[i+1] == '*':
			end := skipBlockComment(sql, i)
			b.WriteString(sql[i:end])
			i = end
		case c == '$' && i+1 < n && sql[i+1] >= '0' && sql[i+1] <= '9':
			end := i + 1
			for end < n && sql[end] >= '0' && sql[end] <= '9' {
				end++
			}
			b.WriteString(":v")
			b.WriteString(sql[i+1 : end])
			i = end
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// classifyTransactionControl matches BEGIN / START TRANSACTION / COMMIT /
// END / ROLLBACK [TO [SAVEPOINT] name] / SAVEPOINT name /
// RELEASE [SAVEPOINT] name against the identifier tokens.
func classifyTransactionControl(tokens []Token, stmt *ClassifiedStatement) bool {
	head := tokens[0].Text
	switch head {
	case "begin", "start":
		if head == "start" && !(len(tokens) > 1 && tokens[1].Text == "transaction") {
			return false
		}
		stmt.Kind = KindBegin
	case "commit", "end":
		stmt.Kind = KindCommit
	case "rollback", "abort":
		if HasPhrase(tokens, "rollback", "to") {
			stmt.Kind = KindRollbackToSavepoint
			stmt.SavepointName = lastIdent(tokens)
		} else {
			stmt.Kind = KindRollback
		}
	case "savepoint":
		if len(tokens) < 2 {
			return false
		}
		stmt.Kind = KindSavepoint
		stmt.SavepointName = tokens[1].Text
	case "release":
		stmt.Kind = KindReleaseSavepoint
		stmt.SavepointName = lastIdent(tokens)
	default:
		return false
	}
	return true
}

func lastIdent(tokens []Token) string {
	return tokens[len(tokens)-1].Text
}

// inspect walks the parse tree for non-determinism findings.
func (a *Analyzer) inspect(parsed sqlparser.Statement, stmt *ClassifiedStatement) (verdict Verdict) {
	var (
		needsSubstitution bool
		unsafeReason      ReasonCode
		unsafeDetail      string
	)

	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (kontinue bool, err error) {
		if unsafeReason != ReasonNone {
			return false, nil
		}
		switch n := node.(type) {
		case *sqlparser.FuncExpr:
			name := n.Name.Lowered()
			if _, ok := volatileFuncs[name]; ok {
				if a.strict {
					unsafeReason = ReasonVolatileFunction
					unsafeDetail = name
					return false, nil
				}
				needsSubstitution = true
				return true, nil
			}
			if _, ok := rejectedFuncs[name]; ok {
				unsafeReason = ReasonVolatileFunction
				unsafeDetail = name
				return false, nil
			}
			if name == "current_setting" {
				if !a.settingAllowed(n) {
					unsafeReason = ReasonRestrictedSetting
					unsafeDetail = settingName(n)
				}
				return true, nil
			}
			if _, ok := deterministicFuncs[name]; ok {
				return true, nil
			}
			if _, ok := a.allowedFuncs[name]; ok {
				return true, nil
			}
			unsafeReason = ReasonUnknownFunction
			unsafeDetail = name
			return false, nil
		case *sqlparser.ColName:
			col := n.Name.Lowered()
			if _, ok := systemColumns[col]; ok {
				unsafeReason = ReasonSystemColumn
				unsafeDetail = col
				return false, nil
			}
		}
		return true, nil
	}, parsed)

	// CURRENT_TIMESTAMP without parentheses is a keyword rather than a
	// function call in the parse tree; the identifier scan finds it.
	if unsafeReason == ReasonNone && !needsSubstitution && HasToken(ScanIdentifiers(stmt.SQL), "current_timestamp") {
		if a.strict {
			unsafeReason, unsafeDetail = ReasonVolatileFunction, "current_timestamp"
		} else {
			needsSubstitution = true
		}
	}

	if unsafeReason != ReasonNone {
		return Verdict{Kind: VerdictUnsafe, Reason: unsafeReason, Detail: unsafeDetail}
	}

	var plan []RewriteStep
	if needsSubstitution {
		plan = append(plan, RewriteStep{Kind: StepSubstituteFunctions})
	}

	if stmt.Kind == KindSelect {
		if v := inspectSelectOrdering(parsed, stmt, &plan); v != nil {
			return *v
		}
	}

	if len(plan) > 0 {
		plan = append(plan, RewriteStep{Kind: StepPlannerHints})
		return Verdict{Kind: VerdictRewritten, Plan: plan}
	}
	if stmt.Kind == KindSelect {
		// Even pure selects get plan-stabilizing hints around execution.
		return Verdict{Kind: VerdictRewritten, Plan: []RewriteStep{{Kind: StepPlannerHints}}}
	}
	return Verdict{Kind: VerdictPure}
}

// inspectSelectOrdering enforces total ordering on user-visible selects and
// on subselects feeding a LIMIT.
func inspectSelectOrdering(parsed sqlparser.Statement, stmt *ClassifiedStatement, plan *[]RewriteStep) *Verdict {
	var top *sqlparser.Select
	switch s := parsed.(type) {
	case *sqlparser.Select:
		top = s
	case *sqlparser.Union:
		stmt.HasOrderBy = len(s.OrderBy) > 0
		stmt.HasLimit = s.Limit != nil
		if !stmt.HasOrderBy {
			// Union arity is not derivable without the schema; require an
			// explicit ordering.
			return &Verdict{
				Kind:   VerdictUnsafe,
				Reason: ReasonUnionWithoutOrder,
				Detail: "union without order by",
			}
		}
		return nil
	default:
		return nil
	}

	stmt.HasOrderBy = len(top.OrderBy) > 0
	stmt.HasLimit = top.Limit != nil

	// Lock clauses the parser keeps as raw text.
	if strings.Contains(strings.ToLower(top.Lock), "skip locked") {
		return &Verdict{Kind: VerdictUnsafe, Reason: ReasonSkipLocked, Detail: "for update skip locked"}
	}

	// Subselects are left alone unless they feed a LIMIT.
	var nested *Verdict
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (kontinue bool, err error) {
		if sub, ok := node.(*sqlparser.Subquery); ok {
			if sel, ok := sub.Select.(*sqlparser.Select); ok {
				if sel.Limit != nil && len(sel.OrderBy) == 0 {
					nested = &Verdict{
						Kind:   VerdictUnsafe,
						Reason: ReasonLimitWithoutOrder,
						Detail: "subquery limit without order by",
					}
					return false, nil
				}
			}
		}
		return true, nil
	}, top)
	if nested != nil {
		return nested
	}

	if stmt.HasOrderBy {
		stmt.SelectArity = selectArity(top)
		return nil
	}

	stmt.SelectArity = selectArity(top)
	*plan = append(*plan, RewriteStep{Kind: StepInjectOrder, Arity: maxInt(stmt.SelectArity, 0)})
	return nil
}

// selectArity counts output columns, or -1 when a star expansion hides them.
func selectArity(sel *sqlparser.Select) int {
	for _, e := range sel.SelectExprs {
		if _, ok := e.(*sqlparser.StarExpr); ok {
			return -1
		}
	}
	return len(sel.SelectExprs)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// settingAllowed checks current_setting('name') against the allow-list.
func (a *Analyzer) settingAllowed(n *sqlparser.FuncExpr) bool {
	name := settingName(n)
	if name == "" {
		return false
	}
	_, ok := a.allowedSettings[name]
	return ok
}

// settingName extracts a static first argument of current_setting.
func settingName(n *sqlparser.FuncExpr) string {
	if len(n.Exprs) == 0 {
		return ""
	}
	aliased, ok := n.Exprs[0].(*sqlparser.AliasedExpr)
	if !ok {
		return ""
	}
	val, ok := aliased.Expr.(*sqlparser.SQLVal)
	if !ok || val.Type != sqlparser.StrVal {
		return ""
	}
	return strings.ToLower(string(val.Val))
}

// collectTables fills the read and write table sets from the parse tree.
func collectTables(parsed sqlparser.Statement, stmt *ClassifiedStatement) {
	collect := func(exprs sqlparser.TableExprs, into *[]string) {
		_ = sqlparser.Walk(func(node sqlparser.SQLNode) (kontinue bool, err error) {
			if tn, ok := node.(sqlparser.TableName); ok && !tn.Name.IsEmpty() {
				*into = appendTable(*into, tn.Name.String())
			}
			return true, nil
		}, exprs)
	}

	switch s := parsed.(type) {
	case *sqlparser.Select:
		collect(s.From, &stmt.ReadTables)
	case *sqlparser.Union:
		_ = sqlparser.Walk(func(node sqlparser.SQLNode) (kontinue bool, err error) {
			if tn, ok := node.(sqlparser.TableName); ok && !tn.Name.IsEmpty() {
				stmt.ReadTables = appendTable(stmt.ReadTables, tn.Name.String())
			}
			return true, nil
		}, s)
	case *sqlparser.Insert:
		// Reads come from a possible INSERT ... SELECT source.
		if sel, ok := s.Rows.(sqlparser.SelectStatement); ok {
			_ = sqlparser.Walk(func(node sqlparser.SQLNode) (kontinue bool, err error) {
				if tn, ok := node.(sqlparser.TableName); ok && !tn.Name.IsEmpty() {
					stmt.ReadTables = appendTable(stmt.ReadTables, tn.Name.String())
				}
				return true, nil
			}, sel)
		}
	case *sqlparser.Update:
		collect(s.TableExprs, &stmt.WriteTables)
	case *sqlparser.Delete:
		collect(s.TableExprs, &stmt.WriteTables)
	case *sqlparser.DDL:
		if !s.Table.Name.IsEmpty() {
			stmt.WriteTables = appendTable(stmt.WriteTables, s.Table.Name.String())
		}
		if !s.NewName.Name.IsEmpty() {
			stmt.WriteTables = appendTable(stmt.WriteTables, s.NewName.Name.String())
		}
	}
}

func appendTable(tables []string, name string) []string {
	if name == "" || name == "dual" {
		return tables
	}
	name = strings.ToLower(name)
	for _, t := range tables {
		if t == name {
			return tables
		}
	}
	return append(tables, name)
}

// fallback is the conservative textual classifier used when parsing fails.
// Any denied token makes the statement Unsafe with a precise reason;
// otherwise it is Unsafe(unparseable): pure-seeming SQL that cannot be
// parsed is still rejected.
func (a *Analyzer) fallback(sql string, tokens []Token, stmt ClassifiedStatement) (ClassifiedStatement, Verdict) {
	stmt.Kind = fallbackKind(tokens)
	stmt.ImplicitTransaction = stmt.Kind.IsWrite()

	if reason, detail := scanDeniedTokens(tokens, a.allowedFuncs); reason != ReasonNone {
		return stmt, Verdict{Kind: VerdictUnsafe, Reason: reason, Detail: detail}
	}
	return stmt, Verdict{
		Kind:   VerdictUnsafe,
		Reason: ReasonUnparseable,
		Detail: "statement could not be parsed",
	}
}

func fallbackKind(tokens []Token) StatementKind {
	switch tokens[0].Text {
	case "select", "with", "table", "values":
		return KindSelect
	case "insert":
		return KindInsert
	case "update":
		return KindUpdate
	case "delete":
		return KindDelete
	case "create", "alter", "drop", "truncate", "comment", "grant", "revoke":
		return KindDdl
	}
	return KindUtility
}

// scanDeniedTokens searches the token stream for volatile constructs,
// word-bounded and case-insensitive.
func scanDeniedTokens(tokens []Token, allowed map[string]struct{}) (ReasonCode, string) {
	for _, t := range tokens {
		if _, ok := allowed[t.Text]; ok {
			continue
		}
		if _, ok := volatileFuncs[t.Text]; ok {
			return ReasonVolatileFunction, t.Text
		}
		if _, ok := rejectedFuncs[t.Text]; ok {
			return ReasonVolatileFunction, t.Text
		}
		if t.Text == "current_setting" {
			return ReasonRestrictedSetting, t.Text
		}
		if _, ok := systemColumns[t.Text]; ok && t.Text != "oid" {
			return ReasonSystemColumn, t.Text
		}
	}
	if HasPhrase(tokens, "skip", "locked") {
		return ReasonSkipLocked, "for update skip locked"
	}
	return ReasonNone, ""
}
