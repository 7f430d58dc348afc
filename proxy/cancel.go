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

package proxy

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// cancelToken identifies a session for out-of-band cancellation.
type cancelToken struct {
	pid int32
	key int32
}

// CancelRegistry is the process-wide table of cancel secrets. Writes happen
// on session startup and termination, reads on CancelRequest.
type CancelRegistry struct {
	mu       sync.RWMutex
	sessions map[cancelToken]*Session
}

// NewCancelRegistry returns an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{sessions: make(map[cancelToken]*Session)}
}

// Register allocates a fresh token for the session.
func (r *CancelRegistry) Register(s *Session) (pid, key int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		token := randomToken()
		if _, taken := r.sessions[token]; taken {
			continue
		}
		r.sessions[token] = s
		return token.pid, token.key
	}
}

func randomToken() cancelToken {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			continue
		}
		pid := int32(binary.BigEndian.Uint32(buf[:4]) & 0x7fffffff)
		key := int32(binary.BigEndian.Uint32(buf[4:]) & 0x7fffffff)
		if pid == 0 {
			continue
		}
		return cancelToken{pid: pid, key: key}
	}
}

// Deregister removes the session's token.
func (r *CancelRegistry) Deregister(pid, key int32) {
	r.mu.Lock()
	delete(r.sessions, cancelToken{pid: pid, key: key})
	r.mu.Unlock()
}

// Lookup returns the session owning the token, if any.
func (r *CancelRegistry) Lookup(pid, key int32) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[cancelToken{pid: pid, key: key}]
}
