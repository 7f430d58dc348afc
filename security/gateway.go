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

// Package security guards the proxy's front door: per-client connection
// flood protection, query rate limiting with escalating bans, and traffic
// accounting for anomaly detection. The gateway sits on the accept path and
// on every analyzed statement; sessions from exempt addresses bypass it.
package security

import (
	"net"
	"sync"
	"time"

	"github.com/Gajesh2007/verifiable-rds-avs/utils/log"
)

// Config tunes the gateway. Zero values fall back to the defaults below;
// Enabled false turns every check into a pass.
type Config struct {
	Enabled bool

	// MaxConnectionsPerWindow bounds connections accepted from one address
	// within ConnectionWindow.
	MaxConnectionsPerWindow int
	ConnectionWindow        time.Duration

	// MaxQueriesPerWindow bounds statements analyzed for one address within
	// QueryWindow.
	MaxQueriesPerWindow int
	QueryWindow         time.Duration

	// MaxViolations is the number of rate violations before an address is
	// banned for BanDuration.
	MaxViolations int
	BanDuration   time.Duration

	// AllowList exempts addresses from every check.
	AllowList []string
}

// Default limits, matching the shipped configuration.
const (
	defaultMaxConnections = 100
	defaultMaxQueries     = 1000
	defaultWindow         = time.Minute
	defaultMaxViolations  = 3
	defaultBanDuration    = 10 * time.Minute
)

// clientState tracks one address's recent activity.
type clientState struct {
	connections []time.Time
	queries     []time.Time
	violations  int
	bannedUntil time.Time
}

// Gateway is the process-wide security front. All methods are safe for
// concurrent use; mutation happens under one short critical section per
// call.
type Gateway struct {
	cfg   Config
	clock func() time.Time

	mu      sync.Mutex
	clients map[string]*clientState
	allow   map[string]struct{}

	traffic *TrafficRecorder
}

// NewGateway returns a gateway. clock may be nil for wall-clock time.
func NewGateway(cfg Config, clock func() time.Time) *Gateway {
	if cfg.MaxConnectionsPerWindow == 0 {
		cfg.MaxConnectionsPerWindow = defaultMaxConnections
	}
	if cfg.ConnectionWindow == 0 {
		cfg.ConnectionWindow = defaultWindow
	}
	if cfg.MaxQueriesPerWindow == 0 {
		cfg.MaxQueriesPerWindow = defaultMaxQueries
	}
	if cfg.QueryWindow == 0 {
		cfg.QueryWindow = defaultWindow
	}
	if cfg.MaxViolations == 0 {
		cfg.MaxViolations = defaultMaxViolations
	}
	if cfg.BanDuration == 0 {
		cfg.BanDuration = defaultBanDuration
	}
	if clock == nil {
		clock = time.Now
	}
	g := &Gateway{
		cfg:     cfg,
		clock:   clock,
		clients: make(map[string]*clientState),
		allow:   make(map[string]struct{}, len(cfg.AllowList)),
		traffic: NewTrafficRecorder(),
	}
	for _, ip := range cfg.AllowList {
		g.allow[ip] = struct{}{}
	}
	return g
}

// clientIP strips the port from a remote address.
func clientIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (g *Gateway) state(ip string) *clientState {
	c, ok := g.clients[ip]
	if !ok {
		c = &clientState{}
		g.clients[ip] = c
	}
	return c
}

// pruneBefore drops timestamps older than the window start.
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// AllowConnection decides whether to accept a new connection from addr.
// Banned addresses and connection floods are refused.
func (g *Gateway) AllowConnection(addr net.Addr) bool {
	if g == nil || !g.cfg.Enabled {
		return true
	}
	ip := clientIP(addr)
	if _, exempt := g.allow[ip]; exempt {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock()
	c := g.state(ip)

	if now.Before(c.bannedUntil) {
		return false
	}
	c.connections = pruneBefore(c.connections, now.Add(-g.cfg.ConnectionWindow))
	if len(c.connections) >= g.cfg.MaxConnectionsPerWindow {
		g.recordViolation(ip, c, now)
		return false
	}
	c.connections = append(c.connections, now)
	return true
}

// AllowQuery decides whether addr may run another statement. Exceeding the
// rate counts as a violation; repeated violations ban the address.
func (g *Gateway) AllowQuery(addr net.Addr) bool {
	if g == nil || !g.cfg.Enabled {
		return true
	}
	ip := clientIP(addr)
	if _, exempt := g.allow[ip]; exempt {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock()
	c := g.state(ip)

	if now.Before(c.bannedUntil) {
		return false
	}
	c.queries = pruneBefore(c.queries, now.Add(-g.cfg.QueryWindow))
	if len(c.queries) >= g.cfg.MaxQueriesPerWindow {
		g.recordViolation(ip, c, now)
		return false
	}
	c.queries = append(c.queries, now)
	return true
}

// recordViolation escalates to a ban once the violation budget is spent.
// Callers hold mu.
func (g *Gateway) recordViolation(ip string, c *clientState, now time.Time) {
	c.violations++
	if c.violations >= g.cfg.MaxViolations {
		c.bannedUntil = now.Add(g.cfg.BanDuration)
		c.violations = 0
		log.WithField("client", ip).Warning("client banned for repeated rate violations")
	}
}

// RecordStatement accounts one analyzed statement for traffic pattern
// analysis. Detection is observational: a newly suspicious client is logged
// and surfaced through Suspicious, never silently dropped.
func (g *Gateway) RecordStatement(addr net.Addr, kind string, sent, received int) {
	if g == nil || !g.cfg.Enabled {
		return
	}
	was := g.traffic.Suspicious(addr)
	g.traffic.Record(addr, kind, sent, received)
	if !was && g.traffic.Suspicious(addr) {
		log.WithField("client", clientIP(addr)).Warning("suspicious traffic pattern detected")
	}
}

// Suspicious reports whether a client's recent traffic pattern is flagged.
func (g *Gateway) Suspicious(addr net.Addr) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	return g.traffic.Suspicious(addr)
}

// Ban blocks an address for the configured ban duration, independent of its
// violation count.
func (g *Gateway) Ban(addr net.Addr) {
	if g == nil {
		return
	}
	ip := clientIP(addr)
	g.mu.Lock()
	g.state(ip).bannedUntil = g.clock().Add(g.cfg.BanDuration)
	g.mu.Unlock()
}

// IsBanned reports whether an address is currently banned.
func (g *Gateway) IsBanned(addr net.Addr) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	ip := clientIP(addr)
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.clients[ip]
	return ok && g.clock().Before(c.bannedUntil)
}
