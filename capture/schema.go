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
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/Gajesh2007/verifiable-rds-avs/types"
)

// columnQuery lists a table's columns in declared order.
const columnQuery = `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = $1
ORDER BY ordinal_position`

// primaryKeyQuery lists a table's primary key columns in key order.
const primaryKeyQuery = `
SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
WHERE tc.table_schema = 'public'
  AND tc.table_name = $1
  AND tc.constraint_type = 'PRIMARY KEY'
ORDER BY kcu.ordinal_position`

// ErrNoSuchTable defines a capture against a table the backend does not have.
var ErrNoSuchTable = errors.New("table does not exist")

// declaredTypes maps information_schema type names onto the closed canonical
// variant set.
var declaredTypes = map[string]types.ColumnType{
	"smallint":                    types.TypeInt2,
	"integer":                     types.TypeInt4,
	"bigint":                      types.TypeInt8,
	"real":                        types.TypeFloat4,
	"double precision":            types.TypeFloat8,
	"numeric":                     types.TypeNumeric,
	"money":                       types.TypeNumeric,
	"text":                        types.TypeText,
	"character varying":           types.TypeText,
	"character":                   types.TypeText,
	"name":                        types.TypeText,
	"json":                        types.TypeText,
	"jsonb":                       types.TypeText,
	"boolean":                     types.TypeBool,
	"bytea":                       types.TypeBytes,
	"timestamp without time zone": types.TypeTimestamp,
	"timestamp with time zone":    types.TypeTimestamp,
	"date":                        types.TypeDate,
	"uuid":                        types.TypeUUID,
}

// columnType resolves a declared type name, consulting registered
// descriptors for anything outside the builtin set.
func (c *Capturer) columnType(declared string) types.ColumnType {
	if t, ok := declaredTypes[strings.ToLower(declared)]; ok {
		return t
	}
	c.mu.RLock()
	t, ok := c.registered[strings.ToLower(declared)]
	c.mu.RUnlock()
	if ok {
		return t
	}
	return types.TypeUnknown
}

// RegisterType maps an otherwise unknown declared type name onto a canonical
// variant, admitting it into capture.
func (c *Capturer) RegisterType(declared string, t types.ColumnType) {
	c.mu.Lock()
	c.registered[strings.ToLower(declared)] = t
	c.mu.Unlock()
}

// Schema loads (and caches) a table's declared shape.
func (c *Capturer) Schema(ctx context.Context, table string) (schema types.Schema, err error) {
	c.mu.RLock()
	cached, ok := c.schemas[table]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	rows, err := c.db.QueryContext(ctx, columnQuery, table)
	if err != nil {
		err = errors.Wrapf(err, "load schema of %s failed", table)
		return
	}
	defer func() {
		_ = rows.Close()
	}()

	schema.Table = table
	for rows.Next() {
		var name, declared string
		if err = rows.Scan(&name, &declared); err != nil {
			err = errors.Wrap(err, "scan schema row failed")
			return
		}
		schema.Columns = append(schema.Columns, types.Column{
			Name:         name,
			Type:         c.columnType(declared),
			DeclaredType: strings.ToLower(declared),
		})
	}
	if err = rows.Err(); err != nil {
		err = errors.Wrap(err, "iterate schema rows failed")
		return
	}
	if len(schema.Columns) == 0 {
		err = errors.Wrapf(ErrNoSuchTable, "%s", table)
		return
	}

	if schema.PrimaryKey, err = c.primaryKey(ctx, table); err != nil {
		return
	}

	c.mu.Lock()
	c.schemas[table] = schema
	c.mu.Unlock()
	return
}

func (c *Capturer) primaryKey(ctx context.Context, table string) (cols []string, err error) {
	rows, err := c.db.QueryContext(ctx, primaryKeyQuery, table)
	if err != nil {
		err = errors.Wrapf(err, "load primary key of %s failed", table)
		return
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			err = errors.Wrap(err, "scan primary key row failed")
			return
		}
		cols = append(cols, name)
	}
	err = errors.Wrap(rows.Err(), "iterate primary key rows failed")
	return
}

// Invalidate drops a cached schema, typically after DDL touches the table.
func (c *Capturer) Invalidate(table string) {
	c.mu.Lock()
	delete(c.schemas, table)
	c.mu.Unlock()
}

// Columns implements the rewriter's schema resolver over cached schemas.
func (c *Capturer) Columns(table string) (names []string, ok bool) {
	c.mu.RLock()
	schema, cached := c.schemas[table]
	c.mu.RUnlock()
	if !cached {
		var err error
		if schema, err = c.Schema(context.Background(), table); err != nil {
			return nil, false
		}
	}
	for _, col := range schema.Columns {
		names = append(names, col.Name)
	}
	return names, true
}
