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

// Package capture snapshots table state through deterministic reads and
// canonicalizes rows for Merkleization. Every read is ordered by the table's
// primary key; tables without one are sorted by the lexicographic byte
// string of their canonical rows.
package capture

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	// PostgreSQL driver for capture reads.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
	"github.com/Gajesh2007/verifiable-rds-avs/merkle"
	"github.com/Gajesh2007/verifiable-rds-avs/types"
)

// transientRetries bounds retry of connection-level failures during capture.
const transientRetries = 1

// Capturer reads table snapshots from the backend.
type Capturer struct {
	db *sql.DB

	mu         sync.RWMutex
	schemas    map[string]types.Schema
	registered map[string]types.ColumnType
}

// New opens a capture connection pool against the backend DSN.
func New(dsn string) (c *Capturer, err error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		err = errors.Wrap(err, "open capture pool failed")
		return
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing database handle.
func NewWithDB(db *sql.DB) *Capturer {
	return &Capturer{
		db:         db,
		schemas:    make(map[string]types.Schema),
		registered: make(map[string]types.ColumnType),
	}
}

// Close releases the capture pool.
func (c *Capturer) Close() error {
	return c.db.Close()
}

// CaptureTable snapshots the committed state of table. It implements the
// tracker's capture handle.
func (c *Capturer) CaptureTable(ctx context.Context, table string) (snap types.TableSnapshot, err error) {
	for attempt := 0; ; attempt++ {
		if snap, err = c.captureOnce(ctx, table); err == nil {
			return
		}
		if attempt >= transientRetries || ctx.Err() != nil || !isTransient(err) {
			return
		}
	}
}

// isTransient reports whether the error looks connection-level rather than
// semantic.
func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad connection")
}

func (c *Capturer) captureOnce(ctx context.Context, table string) (snap types.TableSnapshot, err error) {
	var schema types.Schema
	if schema, err = c.Schema(ctx, table); err != nil {
		return
	}

	query := buildSnapshotQuery(&schema)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		err = errors.Wrapf(err, "snapshot read of %s failed", table)
		return
	}
	defer func() {
		_ = rows.Close()
	}()

	var captured []types.Row
	dest := make([]interface{}, len(schema.Columns))
	for i := range dest {
		dest[i] = new(interface{})
	}
	for rows.Next() {
		if err = rows.Scan(dest...); err != nil {
			err = errors.Wrap(err, "scan snapshot row failed")
			return
		}
		var row types.Row
		if row, err = convertRow(&schema, dest); err != nil {
			return
		}
		captured = append(captured, row)
	}
	if err = rows.Err(); err != nil {
		err = errors.Wrapf(err, "iterate snapshot of %s failed", table)
		return
	}

	return buildSnapshot(&schema, captured, time.Now().UTC())
}

// buildSnapshotQuery selects all columns ordered by the primary key; the
// no-key fallback sorts in canonical byte order after the read.
func buildSnapshotQuery(schema *types.Schema) string {
	var cols []string
	for _, col := range schema.Columns {
		cols = append(cols, quoteIdent(col.Name))
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), quoteIdent(schema.Table))
	if len(schema.PrimaryKey) > 0 {
		var keys []string
		for _, k := range schema.PrimaryKey {
			keys = append(keys, quoteIdent(k)+" ASC")
		}
		q += " ORDER BY " + strings.Join(keys, ", ")
	}
	return q
}

func quoteIdent(name string) string {
	return `"` + strings.Replace(name, `"`, `""`, -1) + `"`
}

// convertRow maps driver values onto the canonical variant set.
func convertRow(schema *types.Schema, dest []interface{}) (row types.Row, err error) {
	row.Values = make([]types.Value, len(schema.Columns))
	for i, col := range schema.Columns {
		raw := *(dest[i].(*interface{}))
		if row.Values[i], err = convertValue(col, raw); err != nil {
			err = errors.Wrapf(err, "column %s of %s", col.Name, schema.Table)
			return
		}
	}
	return
}

// convertValue maps one driver value. The driver hands back int64, float64,
// bool, []byte, string or time.Time; everything else is unknown.
func convertValue(col types.Column, raw interface{}) (v types.Value, err error) {
	if raw == nil {
		return types.NullValue(), nil
	}
	v.Type = col.Type
	switch val := raw.(type) {
	case int64:
		v.Int = val
	case float64:
		v.Float = val
	case bool:
		v.Bool = val
	case time.Time:
		v.Time = val
	case string:
		v.Text = val
	case []byte:
		switch col.Type {
		case types.TypeBytes:
			v.Bytes = append([]byte(nil), val...)
		case types.TypeUnknown:
			err = errors.Wrapf(types.ErrUnknownColumnType, "declared %s", col.DeclaredType)
			return
		default:
			v.Text = string(val)
		}
	default:
		err = errors.Wrapf(types.ErrUnknownColumnType, "driver type %T", raw)
	}
	return
}

// buildSnapshot orders rows, hashes leaves and roots the tree.
func buildSnapshot(schema *types.Schema, rows []types.Row, at time.Time) (snap types.TableSnapshot, err error) {
	encoded := make([][]byte, len(rows))
	for i := range rows {
		if encoded[i], err = rows[i].CanonicalBytes(); err != nil {
			return
		}
	}
	if len(schema.PrimaryKey) == 0 {
		// no declared key: lexicographic canonical-byte order
		idx := make([]int, len(rows))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return bytes.Compare(encoded[idx[a]], encoded[idx[b]]) < 0
		})
		ordered := make([]types.Row, len(rows))
		orderedBytes := make([][]byte, len(rows))
		for i, j := range idx {
			ordered[i] = rows[j]
			orderedBytes[i] = encoded[j]
		}
		rows, encoded = ordered, orderedBytes
	}

	leaves := make([]hash.Hash, len(rows))
	for i := range encoded {
		leaves[i] = merkle.HashLeaf(encoded[i])
	}

	snap = types.TableSnapshot{
		Table:       schema.Table,
		Schema:      *schema,
		Fingerprint: schema.Fingerprint(),
		Rows:        rows,
		Leaves:      leaves,
		Root:        merkle.NewTree(leaves).Root(),
		CapturedAt:  at,
	}
	return
}
