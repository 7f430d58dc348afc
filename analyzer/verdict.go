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

// StatementKind classifies a statement for transaction tracking and capture.
type StatementKind int

// Statement kinds.
const (
	KindSelect StatementKind = iota
	KindInsert
	KindUpdate
	KindDelete
	KindBegin
	KindCommit
	KindRollback
	KindSavepoint
	KindReleaseSavepoint
	KindRollbackToSavepoint
	KindDdl
	KindUtility
)

func (k StatementKind) String() string {
	switch k {
	case KindSelect:
		return "Select"
	case KindInsert:
		return "Insert"
	case KindUpdate:
		return "Update"
	case KindDelete:
		return "Delete"
	case KindBegin:
		return "Begin"
	case KindCommit:
		return "Commit"
	case KindRollback:
		return "Rollback"
	case KindSavepoint:
		return "Savepoint"
	case KindReleaseSavepoint:
		return "ReleaseSavepoint"
	case KindRollbackToSavepoint:
		return "RollbackToSavepoint"
	case KindDdl:
		return "Ddl"
	case KindUtility:
		return "Utility"
	}
	return "Unknown"
}

// IsWrite reports whether the statement kind modifies table data.
func (k StatementKind) IsWrite() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindDdl:
		return true
	}
	return false
}

// IsTransactionControl reports whether the statement only moves transaction
// state.
func (k StatementKind) IsTransactionControl() bool {
	switch k {
	case KindBegin, KindCommit, KindRollback, KindSavepoint,
		KindReleaseSavepoint, KindRollbackToSavepoint:
		return true
	}
	return false
}

// VerdictKind is the analyzer's determinism decision.
type VerdictKind int

// Verdict kinds.
const (
	// VerdictPure marks a statement deterministic as written.
	VerdictPure VerdictKind = iota
	// VerdictRewritten marks a statement that becomes deterministic after
	// the attached plan runs.
	VerdictRewritten
	// VerdictUnsafe marks a statement that must not reach the backend.
	VerdictUnsafe
)

// ReasonCode names the offending construct of an Unsafe verdict.
type ReasonCode string

// Unsafe reason codes.
const (
	ReasonNone              ReasonCode = ""
	ReasonVolatileFunction  ReasonCode = "volatile_function"
	ReasonUnknownFunction   ReasonCode = "unknown_function"
	ReasonRestrictedSetting ReasonCode = "restricted_setting"
	ReasonSystemColumn      ReasonCode = "system_column"
	ReasonSkipLocked        ReasonCode = "skip_locked"
	ReasonLimitWithoutOrder ReasonCode = "limit_without_order"
	ReasonUnionWithoutOrder ReasonCode = "union_without_order"
	ReasonUnorderedStar     ReasonCode = "unordered_star_select"
	ReasonMultiStatement    ReasonCode = "multi_statement"
	ReasonUnparseable       ReasonCode = "unparseable"
	ReasonDdlNondet         ReasonCode = "ddl_nondet"
)

// RewriteStepKind enumerates the deterministic rewrite steps.
type RewriteStepKind int

// Rewrite step kinds, applied in declaration order.
const (
	// StepSubstituteFunctions replaces volatile function calls with values
	// pinned to the transaction.
	StepSubstituteFunctions RewriteStepKind = iota
	// StepInjectOrder appends a total ordering to an unordered user-visible
	// select.
	StepInjectOrder
	// StepPlannerHints scopes plan-stabilizing settings around the
	// statement.
	StepPlannerHints
)

// RewriteStep is one planned rewrite.
type RewriteStep struct {
	Kind RewriteStepKind
	// Arity is the select output column count for StepInjectOrder; zero
	// when the rewriter must resolve columns from the schema registry.
	Arity int
}

// Verdict is the analyzer's decision for one statement.
type Verdict struct {
	Kind   VerdictKind
	Reason ReasonCode
	Detail string
	Plan   []RewriteStep
}

// Unsafe reports whether the statement must be rejected.
func (v *Verdict) Unsafe() bool {
	return v.Kind == VerdictUnsafe
}

// ClassifiedStatement carries everything downstream components need to know
// about one statement.
type ClassifiedStatement struct {
	SQL           string
	Kind          StatementKind
	ReadTables    []string
	WriteTables   []string
	SavepointName string
	// ImplicitTransaction is set for write statements that open a
	// single-statement transaction when issued outside an explicit block.
	ImplicitTransaction bool
	// SelectArity is the output column count of a select, or -1 when a star
	// expansion makes it unknown without the schema.
	SelectArity int
	HasOrderBy  bool
	HasLimit    bool
}
