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
	"crypto/sha256"

	blake2b "github.com/minio/blake2b-simd"
)

// THashB computes sha256(blake2b-512(b)) and returns the digest bytes. The
// BLAKE2b inner stage keeps the outer SHA-256 free of length-extension
// concerns; every leaf, node and record digest in the system goes through
// this one function.
func THashB(b []byte) []byte {
	h := THashH(b)
	return h[:]
}

// THashH computes sha256(blake2b-512(b)) as a Hash.
func THashH(b []byte) Hash {
	inner := blake2b.Sum512(b)
	return Hash(sha256.Sum256(inner[:]))
}
