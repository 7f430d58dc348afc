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

// Package merkle implements the domain-separated binary Merkle tree used for
// per-table state roots and the global state root.
//
// Every hash input starts with a one-byte role tag. Leaves, internal nodes,
// table-root composition leaves and the empty tree all use distinct tags, so
// no byte string can be interpreted as more than one node role.
package merkle

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
)

// Domain tags. Distinct per node role; see package comment.
const (
	TagLeaf     byte = 'L'
	TagInternal byte = 'I'
	TagTable    byte = 'T'
	TagEmpty    byte = 'E'
)

var (
	// ErrIndexOutOfRange defines an out of range leaf index error.
	ErrIndexOutOfRange = errors.New("leaf index out of range")
	// ErrEmptyTree defines a proof request against an empty tree.
	ErrEmptyTree = errors.New("tree has no leaves")
)

// HashLeaf hashes raw leaf content under the leaf domain tag.
func HashLeaf(data []byte) hash.Hash {
	buf := make([]byte, 0, 1+len(data))
	buf = append(buf, TagLeaf)
	buf = append(buf, data...)
	return hash.THashH(buf)
}

// hashInternal hashes a pair of child digests under the internal domain tag.
func hashInternal(left, right *hash.Hash) hash.Hash {
	var buf [1 + 2*hash.HashSize]byte
	buf[0] = TagInternal
	copy(buf[1:], left[:])
	copy(buf[1+hash.HashSize:], right[:])
	return hash.THashH(buf[:])
}

// EmptyRoot returns the conventional digest of a tree with no leaves.
func EmptyRoot() hash.Hash {
	return hash.THashH([]byte{TagEmpty})
}

// HashTablePair hashes a (table name, table root) pair into a global state
// root leaf.
func HashTablePair(name string, root hash.Hash) hash.Hash {
	buf := make([]byte, 0, 1+4+len(name)+hash.HashSize)
	buf = append(buf, TagTable)
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(name)))
	buf = append(buf, l[:]...)
	buf = append(buf, name...)
	buf = append(buf, root[:]...)
	return hash.THashH(buf)
}

// Tree is a binary Merkle tree over a vector of leaf digests. levels[0] holds
// the leaves; each upper level pairs the one below, promoting a trailing odd
// node by hashing it with itself. A single-leaf tree's root is the leaf.
type Tree struct {
	levels [][]hash.Hash
}

// NewTree builds a tree from the given leaf digests. The leaf slice is
// copied; the caller keeps ownership of its argument.
func NewTree(leaves []hash.Hash) *Tree {
	t := &Tree{}
	level := make([]hash.Hash, len(leaves))
	copy(level, leaves)
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		next := make([]hash.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next[i/2] = hashInternal(&level[i], &level[i+1])
			} else {
				// odd trailing node, promoted
				next[i/2] = hashInternal(&level[i], &level[i])
			}
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Height returns the number of proof steps from a leaf to the root.
func (t *Tree) Height() int {
	return len(t.levels) - 1
}

// Root returns the tree root. An empty tree yields EmptyRoot.
func (t *Tree) Root() hash.Hash {
	if t.LeafCount() == 0 {
		return EmptyRoot()
	}
	return t.levels[len(t.levels)-1][0]
}

// ProofStep is one hop of an inclusion proof. Promoted records that the node
// at this level was a trailing odd node hashed with itself, so verification
// is unambiguous.
type ProofStep struct {
	Sibling  hash.Hash `json:"sibling"`
	Left     bool      `json:"left"`
	Promoted bool      `json:"promoted"`
}

// Proof is an inclusion proof from a leaf digest to the tree root.
type Proof struct {
	LeafIndex int         `json:"leaf_index"`
	LeafCount int         `json:"leaf_count"`
	Steps     []ProofStep `json:"steps"`
}

// Proof returns the inclusion proof of leaf i.
func (t *Tree) Proof(i int) (p Proof, err error) {
	if t.LeafCount() == 0 {
		err = errors.WithStack(ErrEmptyTree)
		return
	}
	if i < 0 || i >= t.LeafCount() {
		err = errors.WithStack(ErrIndexOutOfRange)
		return
	}
	p.LeafIndex = i
	p.LeafCount = t.LeafCount()
	idx := i
	for l := 0; l < len(t.levels)-1; l++ {
		level := t.levels[l]
		if idx == len(level)-1 && len(level)%2 == 1 {
			p.Steps = append(p.Steps, ProofStep{
				Sibling:  level[idx],
				Promoted: true,
			})
		} else if idx%2 == 0 {
			p.Steps = append(p.Steps, ProofStep{Sibling: level[idx+1]})
		} else {
			p.Steps = append(p.Steps, ProofStep{Sibling: level[idx-1], Left: true})
		}
		idx /= 2
	}
	return
}

// treeHeight returns the level count above the leaves for n leaves.
func treeHeight(n int) (h int) {
	for n > 1 {
		n = (n + 1) / 2
		h++
	}
	return
}

// Verify checks an inclusion proof of a leaf digest against a root. Proofs
// whose length does not match the declared tree height are rejected.
func Verify(leaf hash.Hash, proof Proof, root hash.Hash) bool {
	if proof.LeafCount <= 0 || proof.LeafIndex < 0 || proof.LeafIndex >= proof.LeafCount {
		return false
	}
	if len(proof.Steps) != treeHeight(proof.LeafCount) {
		return false
	}
	cur := leaf
	for _, step := range proof.Steps {
		switch {
		case step.Promoted:
			cur = hashInternal(&cur, &cur)
		case step.Left:
			cur = hashInternal(&step.Sibling, &cur)
		default:
			cur = hashInternal(&cur, &step.Sibling)
		}
	}
	return cur.IsEqual(&root)
}

// LeafChange replaces the leaf digest at Index.
type LeafChange struct {
	Index int
	Leaf  hash.Hash
}

// Update applies a batch of leaf changes in place, recomputing only the
// affected paths. Changes must be sorted by Index. Cost is O(len(changes) *
// height) hash evaluations.
func (t *Tree) Update(changes []LeafChange) (err error) {
	for _, c := range changes {
		if c.Index < 0 || c.Index >= t.LeafCount() {
			return errors.WithStack(ErrIndexOutOfRange)
		}
	}

	// dirty holds the indices needing recomputation at the current level.
	dirty := make([]int, 0, len(changes))
	last := -1
	for _, c := range changes {
		t.levels[0][c.Index] = c.Leaf
		if c.Index != last {
			dirty = append(dirty, c.Index)
			last = c.Index
		}
	}

	for l := 0; l < len(t.levels)-1; l++ {
		level := t.levels[l]
		parents := dirty[:0]
		lastParent := -1
		for _, idx := range dirty {
			parent := idx / 2
			if parent == lastParent {
				continue
			}
			lastParent = parent
			left := parent * 2
			right := left + 1
			if right >= len(level) {
				right = left
			}
			t.levels[l+1][parent] = hashInternal(&level[left], &level[right])
			parents = append(parents, parent)
		}
		dirty = parents
	}
	return
}

// TablePair binds a table name to its current root for global state root
// composition.
type TablePair struct {
	Name string
	Root hash.Hash
}

// GlobalRoot computes the state root over the given (name, root) pairs. Pairs
// are sorted lexicographically by name before composition; an empty set
// yields EmptyRoot.
func GlobalRoot(pairs []TablePair) hash.Hash {
	if len(pairs) == 0 {
		return EmptyRoot()
	}
	sorted := make([]TablePair, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	leaves := make([]hash.Hash, len(sorted))
	for i, p := range sorted {
		leaves[i] = HashTablePair(p.Name, p.Root)
	}
	return NewTree(leaves).Root()
}
