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
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
)

// Determinism provides the pinned values substituted into a transaction's
// statements. The ordinal counter is scoped to the transaction and advances
// left-to-right over each statement's text, so replaying the same statement
// sequence reproduces the same values.
type Determinism struct {
	// TransactionID seeds every derived value.
	TransactionID string
	// Timestamp is the instant the transaction opened; every timestamp
	// function call pins to it.
	Timestamp time.Time

	ordinal uint64
}

// NewDeterminism returns a value provider for one transaction.
func NewDeterminism(txID string, ts time.Time) *Determinism {
	return &Determinism{TransactionID: txID, Timestamp: ts}
}

// nextSeed hashes the transaction id with the next call ordinal.
func (d *Determinism) nextSeed() hash.Hash {
	var ord [8]byte
	binary.BigEndian.PutUint64(ord[:], d.ordinal)
	d.ordinal++
	return hash.THashH(append([]byte(d.TransactionID), ord[:]...))
}

// TimestampLiteral returns the pinned timestamp as a SQL literal.
func (d *Determinism) TimestampLiteral() string {
	return fmt.Sprintf("TIMESTAMP '%s'", d.Timestamp.UTC().Format("2006-01-02T15:04:05.999999Z"))
}

// RandomLiteral derives the next pseudorandom value in [0, 1) as a SQL
// numeric literal.
func (d *Determinism) RandomLiteral() string {
	seed := d.nextSeed()
	// 53 mantissa bits keep the value exactly representable.
	v := binary.BigEndian.Uint64(seed[:8]) >> 11
	f := float64(v) / float64(uint64(1)<<53)
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// UUIDLiteral derives the next UUID, masked to version 4 layout bits, as a
// quoted SQL literal.
func (d *Determinism) UUIDLiteral() string {
	seed := d.nextSeed()
	var u [16]byte
	copy(u[:], seed[:16])
	u[6] = (u[6] & 0x0f) | 0x40
	u[8] = (u[8] & 0x3f) | 0x80
	return fmt.Sprintf("'%x-%x-%x-%x-%x'",
		u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}
