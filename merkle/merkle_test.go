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

package merkle

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
)

func makeLeaves(n int) (leaves []hash.Hash) {
	for i := 0; i < n; i++ {
		leaves = append(leaves, HashLeaf([]byte(fmt.Sprintf("row-%d", i))))
	}
	return
}

func TestEmptyTree(t *testing.T) {
	Convey("An empty tree should yield the conventional empty digest", t, func() {
		tree := NewTree(nil)
		empty := EmptyRoot()
		root := tree.Root()
		So(root.IsEqual(&empty), ShouldBeTrue)
		_, err := tree.Proof(0)
		So(errors.Cause(err), ShouldEqual, ErrEmptyTree)
	})
}

func TestSingleLeaf(t *testing.T) {
	Convey("A single-leaf tree's root is the leaf itself", t, func() {
		leaf := HashLeaf([]byte("only row"))
		tree := NewTree([]hash.Hash{leaf})
		root := tree.Root()
		So(root.IsEqual(&leaf), ShouldBeTrue)
		So(tree.Height(), ShouldEqual, 0)

		p, err := tree.Proof(0)
		So(err, ShouldBeNil)
		So(len(p.Steps), ShouldEqual, 0)
		So(Verify(leaf, p, root), ShouldBeTrue)
	})
}

func TestProofRoundTrip(t *testing.T) {
	Convey("Proofs should verify for every leaf at every size", t, func() {
		for n := 1; n <= 33; n++ {
			leaves := makeLeaves(n)
			tree := NewTree(leaves)
			root := tree.Root()
			for i := 0; i < n; i++ {
				p, err := tree.Proof(i)
				So(err, ShouldBeNil)
				So(Verify(leaves[i], p, root), ShouldBeTrue)
			}
		}
	})
	Convey("A proof should fail for the wrong leaf", t, func() {
		leaves := makeLeaves(7)
		tree := NewTree(leaves)
		p, err := tree.Proof(3)
		So(err, ShouldBeNil)
		So(Verify(leaves[4], p, tree.Root()), ShouldBeFalse)
	})
	Convey("A truncated proof should be rejected by the height check", t, func() {
		leaves := makeLeaves(8)
		tree := NewTree(leaves)
		p, err := tree.Proof(2)
		So(err, ShouldBeNil)
		p.Steps = p.Steps[:len(p.Steps)-1]
		So(Verify(leaves[2], p, tree.Root()), ShouldBeFalse)
	})
	Convey("Out of range indexes should be rejected", t, func() {
		tree := NewTree(makeLeaves(4))
		_, err := tree.Proof(4)
		So(errors.Cause(err), ShouldEqual, ErrIndexOutOfRange)
		_, err = tree.Proof(-1)
		So(errors.Cause(err), ShouldEqual, ErrIndexOutOfRange)
	})
}

func TestOddPromotion(t *testing.T) {
	Convey("The trailing node of an odd level is hashed with itself", t, func() {
		leaves := makeLeaves(5)
		tree := NewTree(leaves)
		p, err := tree.Proof(4)
		So(err, ShouldBeNil)
		So(p.Steps[0].Promoted, ShouldBeTrue)
		So(Verify(leaves[4], p, tree.Root()), ShouldBeTrue)
	})
}

func TestUpdate(t *testing.T) {
	Convey("Incremental update should equal a full rebuild", t, func() {
		leaves := makeLeaves(13)
		tree := NewTree(leaves)

		changes := []LeafChange{
			{Index: 0, Leaf: HashLeaf([]byte("row-0'"))},
			{Index: 6, Leaf: HashLeaf([]byte("row-6'"))},
			{Index: 12, Leaf: HashLeaf([]byte("row-12'"))},
		}
		So(tree.Update(changes), ShouldBeNil)

		leaves[0] = changes[0].Leaf
		leaves[6] = changes[1].Leaf
		leaves[12] = changes[2].Leaf
		rebuilt := NewTree(leaves)

		r1, r2 := tree.Root(), rebuilt.Root()
		So(r1.IsEqual(&r2), ShouldBeTrue)

		Convey("and proofs from the updated tree should verify", func() {
			for i := 0; i < 13; i++ {
				p, err := tree.Proof(i)
				So(err, ShouldBeNil)
				So(Verify(leaves[i], p, tree.Root()), ShouldBeTrue)
			}
		})
	})
	Convey("Update should reject out of range indexes", t, func() {
		tree := NewTree(makeLeaves(3))
		err := tree.Update([]LeafChange{{Index: 3}})
		So(errors.Cause(err), ShouldEqual, ErrIndexOutOfRange)
	})
}

func TestDomainSeparation(t *testing.T) {
	Convey("A leaf can never collide with an internal node", t, func() {
		a := HashLeaf([]byte("a"))
		b := HashLeaf([]byte("b"))
		parent := NewTree([]hash.Hash{a, b}).Root()

		// Re-hashing the concatenated children as leaf content must not
		// reproduce the parent, since leaf and internal tags differ.
		confused := HashLeaf(append(a.CloneBytes(), b.CloneBytes()...))
		So(confused.IsEqual(&parent), ShouldBeFalse)
	})
	Convey("Table pair leaves live in their own domain", t, func() {
		root := HashLeaf([]byte("x"))
		pairHash := HashTablePair("t", root)
		So(pairHash.IsEqual(&root), ShouldBeFalse)
	})
}

func TestGlobalRoot(t *testing.T) {
	Convey("GlobalRoot should be insensitive to input order", t, func() {
		pairs := []TablePair{
			{Name: "b", Root: HashLeaf([]byte("b-root"))},
			{Name: "a", Root: HashLeaf([]byte("a-root"))},
			{Name: "c", Root: HashLeaf([]byte("c-root"))},
		}
		r1 := GlobalRoot(pairs)
		r2 := GlobalRoot([]TablePair{pairs[2], pairs[0], pairs[1]})
		So(r1.IsEqual(&r2), ShouldBeTrue)
	})
	Convey("GlobalRoot over no tables is the empty digest", t, func() {
		r := GlobalRoot(nil)
		empty := EmptyRoot()
		So(r.IsEqual(&empty), ShouldBeTrue)
	})
	Convey("Renaming a table changes the global root", t, func() {
		root := HashLeaf([]byte("same"))
		r1 := GlobalRoot([]TablePair{{Name: "t", Root: root}})
		r2 := GlobalRoot([]TablePair{{Name: "u", Root: root}})
		So(r1.IsEqual(&r2), ShouldBeFalse)
	})
}
