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

package types

import (
	"bytes"

	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
	"github.com/Gajesh2007/verifiable-rds-avs/merkle"
)

// Row is a captured table row with values in the schema's declared column
// order.
type Row struct {
	Values []Value
}

// CanonicalBytes concatenates the canonical encodings of all columns in
// declared order.
func (r *Row) CanonicalBytes() (b []byte, err error) {
	var buf bytes.Buffer
	for i := range r.Values {
		var vb []byte
		if vb, err = r.Values[i].CanonicalBytes(); err != nil {
			return
		}
		buf.Write(vb)
	}
	b = buf.Bytes()
	return
}

// LeafHash hashes the canonical row bytes under the Merkle leaf domain.
func (r *Row) LeafHash() (h hash.Hash, err error) {
	var b []byte
	if b, err = r.CanonicalBytes(); err != nil {
		return
	}
	h = merkle.HashLeaf(b)
	return
}

// Column describes one column of a captured table schema.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`

	// DeclaredType preserves the backend's type name for fingerprinting.
	DeclaredType string `json:"declared_type"`
}

// Schema is the declared shape of a captured table.
type Schema struct {
	Table      string   `json:"table"`
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primary_key"`
}

// Fingerprint hashes the column names and declared types in order, so any
// schema change shows up in the snapshot even when row bytes do not.
func (s *Schema) Fingerprint() hash.Hash {
	var buf bytes.Buffer
	buf.WriteString(s.Table)
	for _, c := range s.Columns {
		buf.WriteByte(0)
		buf.WriteString(c.Name)
		buf.WriteByte(0)
		buf.WriteString(c.DeclaredType)
	}
	return hash.THashH(buf.Bytes())
}
