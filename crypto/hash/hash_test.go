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

package hash

import (
	"bytes"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestHashSetBytes(t *testing.T) {
	Convey("SetBytes should reject wrong lengths", t, func() {
		var h Hash
		So(h.SetBytes(make([]byte, 31)), ShouldNotBeNil)
		So(h.SetBytes(make([]byte, 33)), ShouldNotBeNil)
		So(h.SetBytes(make([]byte, 32)), ShouldBeNil)
	})
	Convey("NewHash should round-trip through String and Decode", t, func() {
		h := THashH([]byte("verifiable"))
		h2, err := NewHashFromStr(h.String())
		So(err, ShouldBeNil)
		So(h2.IsEqual(&h), ShouldBeTrue)
	})
}

func TestHashIsZero(t *testing.T) {
	Convey("Zero value is the all-zero digest", t, func() {
		var h Hash
		So(h.IsZero(), ShouldBeTrue)
		h = THashH(nil)
		So(h.IsZero(), ShouldBeFalse)
	})
}

func TestTHash(t *testing.T) {
	Convey("THashB and THashH should agree", t, func() {
		b := THashB([]byte{1, 2, 3})
		h := THashH([]byte{1, 2, 3})
		So(bytes.Compare(b, h.AsBytes()), ShouldEqual, 0)
		So(len(b), ShouldEqual, HashSize)
	})
	Convey("distinct inputs should produce distinct digests", t, func() {
		a := THashH([]byte{0})
		b := THashH([]byte{1})
		So(a.IsEqual(&b), ShouldBeFalse)
	})
}
