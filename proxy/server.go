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
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Gajesh2007/verifiable-rds-avs/analyzer"
	"github.com/Gajesh2007/verifiable-rds-avs/backend"
	"github.com/Gajesh2007/verifiable-rds-avs/emitter"
	"github.com/Gajesh2007/verifiable-rds-avs/metric"
	"github.com/Gajesh2007/verifiable-rds-avs/rewriter"
	"github.com/Gajesh2007/verifiable-rds-avs/security"
	"github.com/Gajesh2007/verifiable-rds-avs/tracker"
	"github.com/Gajesh2007/verifiable-rds-avs/utils/log"
)

// AuthFunc validates a client credential. A nil AuthFunc trusts every
// client; the backend link still authenticates with the proxy's own
// credentials either way.
type AuthFunc func(user, database, password string) bool

// ServerConfig wires a Server.
type ServerConfig struct {
	ListenAddr   string
	TLSConfig    *tls.Config
	MaxFrameSize uint32
	Auth         AuthFunc
	Clock        func() time.Time

	// Gateway guards the accept and query paths; nil admits everything.
	Gateway *security.Gateway
}

// Server accepts client connections and runs one session goroutine per
// connection. The pool, cancel registry, session registry and emitter are
// the only process-wide collaborators; each outlives every session.
type Server struct {
	listenAddr   string
	tlsConfig    *tls.Config
	maxFrameSize uint32
	auth         AuthFunc
	clock        func() time.Time

	pool     *backend.Pool
	gateway  *security.Gateway
	analyzer *analyzer.Analyzer
	rewriter *rewriter.Rewriter
	capturer tracker.CaptureHandle
	emitter  *emitter.Emitter
	cancels  *CancelRegistry
	metrics  *metric.ProxyMetrics

	mu       sync.Mutex
	sessions map[uint64]*Session
	nextID   uint64
	listener net.Listener
	closed   bool

	wg sync.WaitGroup
}

// NewServer assembles a server from its collaborators.
func NewServer(cfg ServerConfig, pool *backend.Pool, an *analyzer.Analyzer,
	rw *rewriter.Rewriter, cp tracker.CaptureHandle, em *emitter.Emitter) *Server {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Server{
		listenAddr:   cfg.ListenAddr,
		tlsConfig:    cfg.TLSConfig,
		maxFrameSize: cfg.MaxFrameSize,
		auth:         cfg.Auth,
		clock:        clock,
		gateway:      cfg.Gateway,
		pool:         pool,
		analyzer:     an,
		rewriter:     rw,
		capturer:     cp,
		emitter:      em,
		cancels:      NewCancelRegistry(),
		metrics:      metric.NewProxyMetrics(),
		sessions:     make(map[uint64]*Session),
	}
}

// Serve listens and accepts until Shutdown.
func (s *Server) Serve() (err error) {
	var listener net.Listener
	if listener, err = net.Listen("tcp", s.listenAddr); err != nil {
		return errors.Wrapf(err, "listen on %s failed", s.listenAddr)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return errors.New("server already shut down")
	}
	s.listener = listener
	s.mu.Unlock()

	log.WithField("addr", s.listenAddr).Info("proxy listening")
	for {
		conn, aerr := listener.Accept()
		if aerr != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			log.WithError(aerr).Warning("accept failed")
			continue
		}
		if !s.gateway.AllowConnection(conn.RemoteAddr()) {
			s.metrics.SecurityRejected("connection")
			log.WithField("client", conn.RemoteAddr()).Warning("connection refused by security gateway")
			_ = conn.Close()
			continue
		}
		s.startSession(conn)
	}
}

func (s *Server) startSession(conn net.Conn) {
	s.mu.Lock()
	s.nextID++
	sess := newSession(s.nextID, s, conn)
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.metrics.SessionOpened()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()
}

func (s *Server) removeSession(id uint64) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Addr returns the bound listen address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// dispatchCancel handles an incoming CancelRequest: forward a matching
// cancel to the backend connection bound to the target session, and abort
// any in-flight capture cooperatively.
func (s *Server) dispatchCancel(pid, key int32) {
	target := s.cancels.Lookup(pid, key)
	if target == nil {
		return
	}
	target.AbortCapture()
	if target.backendConn != nil {
		if err := target.backendConn.Cancel(s.pool.Config()); err != nil {
			log.WithError(err).WithField("session", target.id).Debug("backend cancel failed")
		}
	}
}

// Shutdown stops accepting, closes every session and waits for them.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
	s.wg.Wait()
}
