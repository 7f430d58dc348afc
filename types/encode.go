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
	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
)

// cborHandle is the shared canonical CBOR handle. Canonical mode sorts map
// keys so equal records always serialize to equal bytes.
var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}()

// CanonicalMarshal serializes v to canonical CBOR bytes.
func CanonicalMarshal(v interface{}) (b []byte, err error) {
	enc := codec.NewEncoderBytes(&b, cborHandle)
	if err = enc.Encode(v); err != nil {
		err = errors.Wrap(err, "canonical marshal failed")
	}
	return
}

// CanonicalUnmarshal deserializes canonical CBOR bytes into v.
func CanonicalUnmarshal(b []byte, v interface{}) (err error) {
	dec := codec.NewDecoderBytes(b, cborHandle)
	if err = dec.Decode(v); err != nil {
		err = errors.Wrap(err, "canonical unmarshal failed")
	}
	return
}
