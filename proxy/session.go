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
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/Gajesh2007/verifiable-rds-avs/analyzer"
	"github.com/Gajesh2007/verifiable-rds-avs/backend"
	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
	"github.com/Gajesh2007/verifiable-rds-avs/pgwire"
	"github.com/Gajesh2007/verifiable-rds-avs/rewriter"
	"github.com/Gajesh2007/verifiable-rds-avs/tracker"
	"github.com/Gajesh2007/verifiable-rds-avs/types"
	"github.com/Gajesh2007/verifiable-rds-avs/utils/log"
)

// Phase is the protocol phase of a session.
type Phase int

// Session phases.
const (
	PhaseStartupExpected Phase = iota
	PhaseAuthInProgress
	PhaseReady
	PhaseInTransaction
	PhaseInFailedTransaction
	PhaseTerminating
)

// preparedStatement is one named (or unnamed) statement of the extended
// protocol.
type preparedStatement struct {
	name       string
	original   string
	rewritten  string
	paramOIDs  []uint32
	classified analyzer.ClassifiedStatement
	verdict    analyzer.Verdict
}

// portal binds a prepared statement to parameter values. The binding stays
// opaque; only the names matter to the proxy.
type portal struct {
	name      string
	statement *preparedStatement
}

// Session drives one client connection. All session logic is sequential;
// only cancellation arrives from outside, through AbortCapture and the
// backend cancel secret.
type Session struct {
	id     uint64
	server *Server
	conn   net.Conn
	fr     *pgwire.FrameReader

	phase    Phase
	user     string
	database string

	backendConn *backend.Conn
	tracker     *tracker.Tracker
	det         *rewriter.Determinism

	prepared map[string]*preparedStatement
	portals  map[string]*portal

	cancelPID int32
	cancelKey int32

	// extended-protocol batch state
	extQueue []analyzer.ClassifiedStatement
	extSkip  bool

	mu            sync.Mutex
	captureCancel context.CancelFunc
}

func newSession(id uint64, server *Server, conn net.Conn) *Session {
	s := &Session{
		id:       id,
		server:   server,
		conn:     conn,
		fr:       pgwire.NewFrameReader(conn, server.maxFrameSize),
		prepared: make(map[string]*preparedStatement),
		portals:  make(map[string]*portal),
	}
	s.tracker = tracker.New(server.capturer, nil)
	return s
}

// captureContext hands out a cancellable context for one capture operation.
func (s *Session) captureContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.captureCancel = cancel
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		s.captureCancel = nil
		s.mu.Unlock()
		cancel()
	}
}

// AbortCapture cancels any in-flight state capture. Called from the cancel
// path; the owning session observes the abort at its next suspension point.
func (s *Session) AbortCapture() {
	s.mu.Lock()
	cancel := s.captureCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// run drives the session to completion.
func (s *Session) run() {
	defer s.close()

	if err := s.startup(); err != nil {
		if err != errCancelHandled {
			log.WithError(err).WithField("session", s.id).Debug("session startup ended")
		}
		return
	}
	for s.phase != PhaseTerminating {
		if err := s.serveOne(); err != nil {
			if errors.Cause(err) != errTerminated {
				log.WithError(err).WithField("session", s.id).Debug("session ended")
			}
			return
		}
	}
}

var (
	errTerminated     = errors.New("session terminated")
	errCancelHandled  = errors.New("cancel request handled")
	errProtocolAbort  = errors.New("protocol error")
	errDiverged       = errors.New("transaction state diverged")
)

// startup performs the untagged startup phase: TLS negotiation answer,
// cancel dispatch, startup parameters and authentication.
func (s *Session) startup() (err error) {
	s.phase = PhaseStartupExpected
	for {
		var msg interface{}
		if msg, err = s.fr.ReadStartup(); err != nil {
			return errors.Wrap(err, "read startup failed")
		}
		switch m := msg.(type) {
		case pgwire.SSLRequest:
			if s.server.tlsConfig != nil {
				if _, err = s.conn.Write([]byte{'S'}); err != nil {
					return errors.Wrap(err, "confirm ssl failed")
				}
				s.conn = tls.Server(s.conn, s.server.tlsConfig)
				s.fr = pgwire.NewFrameReader(s.conn, s.server.maxFrameSize)
				continue
			}
			if _, err = s.conn.Write([]byte{'N'}); err != nil {
				return errors.Wrap(err, "refuse ssl failed")
			}
		case pgwire.GSSENCRequest:
			if _, err = s.conn.Write([]byte{'N'}); err != nil {
				return errors.Wrap(err, "refuse gssenc failed")
			}
		case pgwire.CancelRequest:
			s.server.dispatchCancel(m.PID, m.Key)
			return errCancelHandled
		case pgwire.StartupMessage:
			return s.authenticate(m)
		}
	}
}

// authenticate validates the client and wires the backend link.
func (s *Session) authenticate(m pgwire.StartupMessage) (err error) {
	s.phase = PhaseAuthInProgress
	s.user = m.Parameters["user"]
	s.database = m.Parameters["database"]
	if s.database == "" {
		s.database = s.user
	}

	if s.server.auth != nil {
		if _, err = s.conn.Write(pgwire.EncodeAuthentication(pgwire.AuthCleartextPassword, nil)); err != nil {
			return errors.Wrap(err, "request password failed")
		}
		var f pgwire.Frame
		if f, err = s.fr.ReadFrame(); err != nil {
			return errors.Wrap(err, "read password failed")
		}
		if f.Tag != pgwire.MsgPassword {
			s.protocolError("expected password message")
			return errProtocolAbort
		}
		var password string
		if password, err = pgwire.ParsePassword(f.Payload); err != nil {
			s.protocolError("malformed password message")
			return errProtocolAbort
		}
		if !s.server.auth(s.user, s.database, password) {
			s.sendError("FATAL", pgwire.SQLStateInvalidPassword, "password authentication failed")
			return errors.Errorf("auth failed for user %s", s.user)
		}
	}

	if s.backendConn, err = s.server.pool.Acquire(s.database, s.user); err != nil {
		s.sendError("FATAL", pgwire.SQLStateConnectionFailure, "backend unavailable")
		return errors.Wrap(err, "acquire backend failed")
	}

	s.cancelPID, s.cancelKey = s.server.cancels.Register(s)

	if _, err = s.conn.Write(pgwire.EncodeAuthentication(pgwire.AuthOk, nil)); err != nil {
		return errors.Wrap(err, "send auth ok failed")
	}
	for key, value := range s.backendConn.Params {
		if _, err = s.conn.Write(pgwire.EncodeParameterStatus(key, value)); err != nil {
			return errors.Wrap(err, "send parameter status failed")
		}
	}
	if _, err = s.conn.Write(pgwire.EncodeBackendKeyData(s.cancelPID, s.cancelKey)); err != nil {
		return errors.Wrap(err, "send key data failed")
	}
	if err = s.sendReady(); err != nil {
		return
	}
	s.phase = PhaseReady
	return
}

// serveOne processes one client frame.
func (s *Session) serveOne() (err error) {
	f, err := s.fr.ReadFrame()
	if err != nil {
		s.phase = PhaseTerminating
		if _, short := pgwire.IsIncomplete(err); short {
			return errors.Wrap(errProtocolAbort, "short frame")
		}
		return errTerminated
	}
	switch f.Tag {
	case pgwire.MsgQuery:
		var sql string
		if sql, err = pgwire.ParseQuery(f.Payload); err != nil {
			s.protocolError("malformed query message")
			return errProtocolAbort
		}
		return s.handleSimpleQuery(sql)
	case pgwire.MsgParse, pgwire.MsgBind, pgwire.MsgExecute, pgwire.MsgDescribe,
		pgwire.MsgClose, pgwire.MsgSync, pgwire.MsgFlush:
		return s.handleExtended(f)
	case pgwire.MsgTerminate:
		s.phase = PhaseTerminating
		return nil
	default:
		s.protocolError("unexpected message in current phase")
		return errProtocolAbort
	}
}

// statusByte maps the tracker model onto the ReadyForQuery indicator.
func (s *Session) statusByte() byte {
	switch {
	case s.tracker.Failed():
		return pgwire.TxStatusFailed
	case s.tracker.InTransaction():
		return pgwire.TxStatusInBlock
	default:
		return pgwire.TxStatusIdle
	}
}

func (s *Session) sendReady() error {
	status := s.statusByte()
	switch status {
	case pgwire.TxStatusInBlock:
		s.phase = PhaseInTransaction
	case pgwire.TxStatusFailed:
		s.phase = PhaseInFailedTransaction
	default:
		if s.phase != PhaseTerminating {
			s.phase = PhaseReady
		}
	}
	_, err := s.conn.Write(pgwire.EncodeReadyForQuery(status))
	return errors.Wrap(err, "send ready failed")
}

func (s *Session) sendError(severity, code, message string) {
	if _, err := s.conn.Write(pgwire.EncodeErrorResponse(severity, code, message)); err != nil {
		log.WithError(err).WithField("session", s.id).Debug("send error response")
	}
}

// protocolError reports a class 08 error and moves to termination.
func (s *Session) protocolError(message string) {
	s.sendError("FATAL", pgwire.SQLStateProtocolViolation, message)
	s.phase = PhaseTerminating
}

// rejectUnsafe reports an analyzer rejection: class 0A, session stays
// usable, no transaction side effects.
func (s *Session) rejectUnsafe(verdict analyzer.Verdict) (err error) {
	s.server.metrics.UnsafeRejected(string(verdict.Reason))
	msg := "statement is not verifiable: " + string(verdict.Reason)
	if verdict.Detail != "" {
		msg += " (" + verdict.Detail + ")"
	}
	s.sendError("ERROR", pgwire.SQLStateFeatureNotSupported, msg)
	return s.sendReady()
}

// determinism returns the rewrite value provider: the open transaction's, or
// an ephemeral one for stand-alone statements.
func (s *Session) determinism() *rewriter.Determinism {
	if s.det != nil && s.tracker.InTransaction() {
		return s.det
	}
	return rewriter.NewDeterminism(uuid.Must(uuid.NewV4()).String(), s.server.clock())
}

// handleSimpleQuery runs the full analyze-rewrite-forward-track pipeline for
// one simple Query message.
func (s *Session) handleSimpleQuery(sql string) (err error) {
	if !s.server.gateway.AllowQuery(s.conn.RemoteAddr()) {
		s.server.metrics.SecurityRejected("query_rate")
		s.sendError("ERROR", pgwire.SQLStateConfigLimitExceeded, "statement rate limit exceeded")
		return s.sendReady()
	}

	classified, verdict := s.server.analyzer.Analyze(sql)
	s.server.metrics.Statement(classified.Kind.String())
	s.server.gateway.RecordStatement(s.conn.RemoteAddr(), classified.Kind.String(), len(sql), 0)

	if verdict.Unsafe() {
		return s.rejectUnsafe(verdict)
	}

	// Aborted transactions accept only rollback variants and commit.
	if s.tracker.Failed() && !allowedWhileAborted(classified.Kind) {
		s.sendError("ERROR", pgwire.SQLStateInFailedTransaction,
			"current transaction is aborted, commands ignored until end of transaction block")
		return s.sendReady()
	}

	// Open the model transaction before any pre-state work.
	implicitBegin := false
	if classified.Kind == analyzer.KindBegin && !s.tracker.InTransaction() {
		// model opens when the backend confirms, below
	} else if classified.ImplicitTransaction && !s.tracker.InTransaction() {
		if err = s.tracker.Begin(true); err != nil {
			return
		}
		s.det = rewriter.NewDeterminism(s.tracker.TransactionID(), s.tracker.StartedAt())
		implicitBegin = true
	}

	// First write to a table captures its pre-state before the statement
	// executes.
	if classified.Kind.IsWrite() && s.tracker.InTransaction() && !s.tracker.Failed() {
		ctx, done := s.captureContext()
		err = s.tracker.ObserveWrite(ctx, classified.WriteTables)
		done()
		if err != nil {
			log.WithError(err).WithField("session", s.id).Warning("pre-state capture failed")
			// the statement never reaches the backend; the backend
			// transaction (if any) is aborted so model and backend agree
			if !implicitBegin {
				_, _ = s.backendConn.SimpleQuery("ROLLBACK")
			}
			s.submitRecord(s.tracker.Fail(), nil)
			s.sendError("ERROR", pgwire.SQLStateInternalError, "state capture failed")
			return s.sendReady()
		}
	}

	res, err := s.server.rewriter.Rewrite(classified, verdict, s.determinism())
	if err != nil {
		if implicitBegin {
			_ = s.tracker.Rollback()
		}
		return s.rejectUnsafe(analyzer.Verdict{
			Kind:   analyzer.VerdictUnsafe,
			Reason: analyzer.ReasonUnorderedStar,
			Detail: err.Error(),
		})
	}
	if res.Substituted > 0 {
		s.server.metrics.Rewritten()
	}

	s.tracker.ObserveStatement(hash.THashH([]byte(res.SQL)))

	s.runHints(res.PreStatements)
	if err = s.backendConn.Write(pgwire.EncodeQuery(res.SQL)); err != nil {
		s.phase = PhaseTerminating
		return
	}
	status, stmtErr, err := s.relayUntilReady()
	if err != nil {
		s.phase = PhaseTerminating
		return
	}
	s.runHints(res.PostStatements)

	if err = s.applyStatementOutcome(classified, stmtErr == nil, status); err != nil {
		return
	}
	return s.sendReady()
}

// allowedWhileAborted lists what an aborted transaction still accepts.
func allowedWhileAborted(kind analyzer.StatementKind) bool {
	switch kind {
	case analyzer.KindRollback, analyzer.KindRollbackToSavepoint, analyzer.KindCommit:
		return true
	}
	return false
}

// runHints executes plan-stabilizing settings on the backend link,
// swallowing their responses. Skipped in aborted transactions, where the
// backend would reject them anyway.
func (s *Session) runHints(stmts []string) {
	if s.tracker.Failed() {
		return
	}
	for _, stmt := range stmts {
		if _, err := s.backendConn.SimpleQuery(stmt); err != nil {
			log.WithError(err).WithField("session", s.id).Debug("planner hint failed")
			return
		}
	}
}

// relayUntilReady streams backend frames to the client verbatim until
// ReadyForQuery, which is held back for the session to emit after its own
// bookkeeping.
func (s *Session) relayUntilReady() (status byte, stmtErr *pgwire.ErrorResponse, err error) {
	for {
		var f pgwire.Frame
		if f, err = s.backendConn.ReadFrame(); err != nil {
			return
		}
		switch f.Tag {
		case pgwire.MsgReadyForQuery:
			status, err = pgwire.ParseReadyForQuery(f.Payload)
			return
		case pgwire.MsgErrorResponse:
			e, perr := pgwire.ParseErrorResponse(f.Payload)
			if perr == nil {
				stmtErr = &e
			}
			if _, err = s.conn.Write(f.Encode()); err != nil {
				return
			}
		default:
			if _, err = s.conn.Write(f.Encode()); err != nil {
				return
			}
		}
	}
}

// applyStatementOutcome moves the transaction model according to the
// statement kind and the backend's result, then checks the model against
// the backend status byte. A mismatch is an invariant violation: the
// transaction is flagged Diverged and the session terminated.
func (s *Session) applyStatementOutcome(classified analyzer.ClassifiedStatement, ok bool, status byte) (err error) {
	if err = s.applyModel(classified, ok); err != nil {
		return
	}
	if serr := s.tracker.ObserveStatus(status); serr != nil {
		return s.diverge(serr)
	}
	return
}

// applyModel moves the transaction model for one executed statement.
func (s *Session) applyModel(classified analyzer.ClassifiedStatement, ok bool) (err error) {
	switch classified.Kind {
	case analyzer.KindBegin:
		if ok && !s.tracker.InTransaction() {
			if err = s.tracker.Begin(false); err != nil {
				return
			}
			s.det = rewriter.NewDeterminism(s.tracker.TransactionID(), s.tracker.StartedAt())
		}
	case analyzer.KindCommit:
		if ok && s.tracker.InTransaction() {
			s.finishTransaction(s.tracker.Failed())
		}
	case analyzer.KindRollback:
		if ok && s.tracker.InTransaction() {
			s.submitRecord(s.tracker.Rollback(), nil)
		}
	case analyzer.KindSavepoint:
		if ok {
			if terr := s.tracker.Savepoint(classified.SavepointName); terr != nil {
				return s.diverge(terr)
			}
		}
	case analyzer.KindReleaseSavepoint:
		if ok {
			if terr := s.tracker.ReleaseSavepoint(classified.SavepointName); terr != nil {
				return s.diverge(terr)
			}
		}
	case analyzer.KindRollbackToSavepoint:
		if ok {
			if terr := s.tracker.RollbackToSavepoint(classified.SavepointName); terr != nil {
				return s.diverge(terr)
			}
		}
	default:
		if s.tracker.Implicit() && s.tracker.InTransaction() {
			if ok {
				s.finishTransaction(false)
			} else {
				s.submitRecord(s.tracker.Rollback(), nil)
			}
		} else if !ok && s.tracker.InTransaction() {
			s.tracker.MarkFailed()
		}
	}
	return
}

// finishTransaction commits or rolls back the model transaction and hands
// the record to the emitter. asRollback covers COMMIT issued in an aborted
// transaction, which the backend treats as ROLLBACK.
func (s *Session) finishTransaction(asRollback bool) {
	if asRollback {
		s.submitRecord(s.tracker.Rollback(), nil)
		return
	}
	ctx, done := s.captureContext()
	record, posts, err := s.tracker.Commit(ctx)
	done()
	if err != nil {
		log.WithError(err).WithField("session", s.id).Warning("post-state capture failed")
	}
	s.submitRecord(record, posts)
}

func (s *Session) submitRecord(record *types.TransactionRecord, posts map[string]types.TableSnapshot) {
	if record == nil {
		return
	}
	s.det = nil
	s.server.emitter.Submit(record, posts)
}

// diverge terminates the session after a model/backend mismatch, flagging
// the transaction record.
func (s *Session) diverge(cause error) error {
	log.WithError(cause).WithField("session", s.id).Error("invariant violation, terminating session")
	s.server.metrics.Diverged()
	if s.tracker.InTransaction() {
		s.submitRecord(s.tracker.Diverge(), nil)
	}
	s.sendError("FATAL", pgwire.SQLStateInternalError, "transaction state diverged")
	s.backendConn.MarkBroken()
	s.phase = PhaseTerminating
	return errDiverged
}

// close releases everything the session owns.
func (s *Session) close() {
	s.phase = PhaseTerminating
	if s.tracker.InTransaction() {
		// a dropped session aborts its transaction
		if s.backendConn != nil {
			_, _ = s.backendConn.SimpleQuery("ROLLBACK")
		}
		s.submitRecord(s.tracker.Rollback(), nil)
	}
	if s.backendConn != nil {
		s.server.pool.Release(s.backendConn)
		s.backendConn = nil
	}
	if s.cancelPID != 0 || s.cancelKey != 0 {
		s.server.cancels.Deregister(s.cancelPID, s.cancelKey)
	}
	s.server.removeSession(s.id)
	if err := s.conn.Close(); err != nil {
		log.WithError(err).WithField("session", s.id).Debug("close client connection")
	}
	s.server.metrics.SessionClosed()
}
