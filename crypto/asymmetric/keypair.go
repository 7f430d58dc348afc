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

// Package asymmetric wraps the btcsuite secp256k1 implementation, exporting
// only the key and signature types the proxy operator identity needs.
package asymmetric

import (
	"io/ioutil"
	"os"

	ec "github.com/btcsuite/btcd/btcec"
	"github.com/pkg/errors"
)

// PrivateKey is the operator signing key.
type PrivateKey ec.PrivateKey

// PublicKey is the operator verifying key.
type PublicKey ec.PublicKey

// GenSecp256k1KeyPair generates a new operator key pair.
func GenSecp256k1KeyPair() (privateKey *PrivateKey, publicKey *PublicKey, err error) {
	pk, err := ec.NewPrivateKey(ec.S256())
	if err != nil {
		err = errors.Wrap(err, "generate private key failed")
		return
	}
	privateKey = (*PrivateKey)(pk)
	publicKey = privateKey.PubKey()
	return
}

// PubKey returns the public key matching the private key.
func (p *PrivateKey) PubKey() *PublicKey {
	return (*PublicKey)((*ec.PrivateKey)(p).PubKey())
}

// Serialize returns the 32-byte big-endian private key scalar.
func (p *PrivateKey) Serialize() []byte {
	return (*ec.PrivateKey)(p).Serialize()
}

// Serialize returns the 33-byte compressed public key encoding.
func (p *PublicKey) Serialize() []byte {
	return (*ec.PublicKey)(p).SerializeCompressed()
}

// ParsePrivateKey recovers a private key from its serialized scalar.
func ParsePrivateKey(raw []byte) *PrivateKey {
	pk, _ := ec.PrivKeyFromBytes(ec.S256(), raw)
	return (*PrivateKey)(pk)
}

// ParsePubKey recovers a public key from its compressed encoding.
func ParsePubKey(raw []byte) (*PublicKey, error) {
	pub, err := ec.ParsePubKey(raw, ec.S256())
	if err != nil {
		return nil, errors.Wrap(err, "parse public key failed")
	}
	return (*PublicKey)(pub), nil
}

// IsEqual returns true if both public keys denote the same point.
func (p *PublicKey) IsEqual(other *PublicKey) bool {
	return (*ec.PublicKey)(p).IsEqual((*ec.PublicKey)(other))
}

// LoadPrivateKeyFile reads a raw serialized private key from path, generating
// and persisting a fresh key when the file does not exist yet.
func LoadPrivateKeyFile(path string) (key *PrivateKey, err error) {
	raw, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		if key, _, err = GenSecp256k1KeyPair(); err != nil {
			return
		}
		err = ioutil.WriteFile(path, key.Serialize(), 0600)
		return
	}
	if err != nil {
		err = errors.Wrapf(err, "read private key file %s failed", path)
		return
	}
	if len(raw) != 32 {
		err = errors.Errorf("invalid private key length %d in %s", len(raw), path)
		return
	}
	key = ParsePrivateKey(raw)
	return
}
