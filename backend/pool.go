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

package backend

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/Gajesh2007/verifiable-rds-avs/utils/log"
)

// ErrPoolClosed defines an acquisition against a closed pool.
var ErrPoolClosed = errors.New("backend pool closed")

// maxDialRetries bounds reconnect attempts per acquisition.
const maxDialRetries = 4

type poolKey struct {
	database string
	role     string
}

// Pool hands out exclusive backend connections keyed by (database, role).
// All methods are safe for concurrent use; connections themselves are not.
type Pool struct {
	cfg    Config
	mu     sync.Mutex
	idle   map[poolKey][]*Conn
	closed bool
}

// NewPool returns a pool over the given backend.
func NewPool(cfg Config) *Pool {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 8
	}
	return &Pool{
		cfg:  cfg,
		idle: make(map[poolKey][]*Conn),
	}
}

// Acquire returns an exclusive connection for the session. Connection-level
// failures are retried with bounded exponential backoff; anything else
// surfaces to the caller.
func (p *Pool) Acquire(database, role string) (c *Conn, err error) {
	key := poolKey{database: database, role: role}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.WithStack(ErrPoolClosed)
	}
	if conns := p.idle[key]; len(conns) > 0 {
		c = conns[len(conns)-1]
		p.idle[key] = conns[:len(conns)-1]
	}
	p.mu.Unlock()

	if c != nil && !c.Broken() {
		return
	}
	if c != nil {
		c.Close()
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxDialRetries)
	err = backoff.Retry(func() (derr error) {
		if c, derr = dial(&p.cfg, database, role); derr != nil {
			if cause := errors.Cause(derr); cause == ErrAuthFailed || cause == ErrUnsupportedAuth {
				return backoff.Permanent(derr)
			}
			log.WithError(derr).WithField("db", database).Warning("backend dial failed, retrying")
		}
		return
	}, bo)
	return
}

// Release returns a connection to the idle set. Broken or surplus
// connections are closed instead.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	if c.Broken() {
		c.Close()
		return
	}
	key := poolKey{database: c.database, role: c.role}

	p.mu.Lock()
	if p.closed || len(p.idle[key]) >= p.cfg.PoolSize {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.idle[key] = append(p.idle[key], c)
	p.mu.Unlock()
}

// Config returns the pool's backend configuration, used for cancel dials.
func (p *Pool) Config() *Config {
	return &p.cfg
}

// Close closes all idle connections and rejects further acquisitions.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.idle
	p.idle = make(map[poolKey][]*Conn)
	p.closed = true
	p.mu.Unlock()

	for _, list := range conns {
		for _, c := range list {
			c.Close()
		}
	}
}

// healthCheckInterval paces the idle sweep.
const healthCheckInterval = 30 * time.Second

// StartHealthChecks sweeps idle connections, dropping ones whose sockets
// have gone away, until stop is closed.
func (p *Pool) StartHealthChecks(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()
}

func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, list := range p.idle {
		kept := list[:0]
		for _, c := range list {
			if c.Broken() {
				c.Close()
				continue
			}
			kept = append(kept, c)
		}
		p.idle[key] = kept
	}
}
