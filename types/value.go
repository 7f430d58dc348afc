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
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

// ColumnType is the closed set of column types the canonicalizer supports.
// Anything outside the set is carried as TypeUnknown and rejected unless a
// descriptor has been registered for its oid.
type ColumnType byte

// Canonical column type tags. The tag byte prefixes every encoded column, so
// two rows with identical payload bytes but different declared types hash
// differently.
const (
	TypeNull      ColumnType = 0x00
	TypeBool      ColumnType = 0x01
	TypeInt2      ColumnType = 0x02
	TypeInt4      ColumnType = 0x03
	TypeInt8      ColumnType = 0x04
	TypeFloat4    ColumnType = 0x05
	TypeFloat8    ColumnType = 0x06
	TypeNumeric   ColumnType = 0x07
	TypeText      ColumnType = 0x08
	TypeBytes     ColumnType = 0x09
	TypeTimestamp ColumnType = 0x0a
	TypeDate      ColumnType = 0x0b
	TypeUUID      ColumnType = 0x0c
	TypeUnknown   ColumnType = 0xff
)

// TimestampLayout is the canonical ISO-8601 microsecond layout. All
// timestamps are normalized to UTC before encoding.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// DateLayout is the canonical date layout.
const DateLayout = "2006-01-02"

// canonicalNaN is the single NaN bit pattern allowed in canonical encodings.
const canonicalNaN = 0x7ff8000000000000

// ErrUnknownColumnType defines an unregistered column type error.
var ErrUnknownColumnType = errors.New("unknown column type")

// Value is one typed column value of a captured row.
type Value struct {
	Type  ColumnType
	Null  bool
	Bool  bool
	Int   int64
	Float float64
	Text  string
	Bytes []byte
	Time  time.Time

	// OID is set for TypeUnknown values only.
	OID uint32
}

// NullValue returns the canonical NULL.
func NullValue() Value {
	return Value{Type: TypeNull, Null: true}
}

// payload returns the fixed binary encoding of the value without its tag and
// length prefix.
func (v *Value) payload() (b []byte, err error) {
	if v.Null {
		return nil, nil
	}
	switch v.Type {
	case TypeNull:
		return nil, nil
	case TypeBool:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeInt2:
		b = make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(int16(v.Int)))
	case TypeInt4:
		b = make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(int32(v.Int)))
	case TypeInt8:
		b = make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(v.Int))
	case TypeFloat4:
		bits := math.Float32bits(float32(v.Float))
		if math.IsNaN(v.Float) {
			bits = 0x7fc00000
		}
		b = make([]byte, 4)
		binary.BigEndian.PutUint32(b, bits)
	case TypeFloat8:
		bits := math.Float64bits(v.Float)
		if math.IsNaN(v.Float) {
			bits = canonicalNaN
		}
		b = make([]byte, 8)
		binary.BigEndian.PutUint64(b, bits)
	case TypeNumeric, TypeText, TypeUUID:
		b = []byte(v.Text)
	case TypeBytes:
		b = v.Bytes
	case TypeTimestamp:
		b = []byte(v.Time.UTC().Format(TimestampLayout))
	case TypeDate:
		b = []byte(v.Time.UTC().Format(DateLayout))
	default:
		err = errors.Wrapf(ErrUnknownColumnType, "oid %d", v.OID)
	}
	return
}

// CanonicalBytes encodes the value as tag byte, 4-byte big-endian payload
// length, then the payload. NULL encodes as the null tag with zero length
// regardless of the declared column type.
func (v *Value) CanonicalBytes() (b []byte, err error) {
	var payload []byte
	tag := v.Type
	if v.Null {
		tag = TypeNull
	} else if payload, err = v.payload(); err != nil {
		return
	}
	b = make([]byte, 0, 5+len(payload))
	b = append(b, byte(tag))
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(payload)))
	b = append(b, l[:]...)
	b = append(b, payload...)
	return
}
