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

// Package rewriter applies the analyzer's rewrite plan to SQL text:
// substituting volatile function calls with values pinned to the
// transaction, appending a total ordering to unordered selects, and
// emitting plan-stabilizing settings scoped around the statement.
//
// Rewriting is purely textual over the original statement; the parse tree
// only guides it. A rewritten statement re-analyzes cleanly and rewrites to
// itself, so the pipeline is idempotent.
package rewriter
