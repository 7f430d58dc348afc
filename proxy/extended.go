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
	"github.com/Gajesh2007/verifiable-rds-avs/analyzer"
	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
	"github.com/Gajesh2007/verifiable-rds-avs/pgwire"
	"github.com/Gajesh2007/verifiable-rds-avs/utils/log"
)

// handleExtended dispatches one extended-protocol frame. The analyzer gate
// runs at Parse time; the rewritten text is what the backend receives. After
// a proxy-side rejection the session discards frames until the next Sync,
// matching the protocol's error recovery.
func (s *Session) handleExtended(f pgwire.Frame) (err error) {
	if s.extSkip && f.Tag != pgwire.MsgSync {
		return nil
	}
	switch f.Tag {
	case pgwire.MsgParse:
		return s.handleParse(f)
	case pgwire.MsgBind:
		return s.handleBind(f)
	case pgwire.MsgExecute:
		return s.handleExecute(f)
	case pgwire.MsgClose:
		return s.handleClose(f)
	case pgwire.MsgDescribe, pgwire.MsgFlush:
		return s.forward(f)
	case pgwire.MsgSync:
		return s.handleSync(f)
	}
	return nil
}

func (s *Session) forward(f pgwire.Frame) (err error) {
	if err = s.backendConn.Write(f.Encode()); err != nil {
		s.phase = PhaseTerminating
	}
	return
}

// extReject reports an error for the current batch and discards frames
// until Sync.
func (s *Session) extReject(code, message string) error {
	s.sendError("ERROR", code, message)
	s.extSkip = true
	return nil
}

func (s *Session) handleParse(f pgwire.Frame) (err error) {
	m, err := pgwire.ParseParse(f.Payload)
	if err != nil {
		s.protocolError("malformed parse message")
		return errProtocolAbort
	}

	if !s.server.gateway.AllowQuery(s.conn.RemoteAddr()) {
		s.server.metrics.SecurityRejected("query_rate")
		return s.extReject(pgwire.SQLStateConfigLimitExceeded, "statement rate limit exceeded")
	}

	classified, verdict := s.server.analyzer.Analyze(m.Query)
	s.server.metrics.Statement(classified.Kind.String())
	s.server.gateway.RecordStatement(s.conn.RemoteAddr(), classified.Kind.String(), len(m.Query), 0)
	if verdict.Unsafe() {
		s.server.metrics.UnsafeRejected(string(verdict.Reason))
		detail := "statement is not verifiable: " + string(verdict.Reason)
		if verdict.Detail != "" {
			detail += " (" + verdict.Detail + ")"
		}
		return s.extReject(pgwire.SQLStateFeatureNotSupported, detail)
	}

	res, rerr := s.server.rewriter.Rewrite(classified, verdict, s.determinism())
	if rerr != nil {
		return s.extReject(pgwire.SQLStateFeatureNotSupported, rerr.Error())
	}
	if res.Substituted > 0 {
		s.server.metrics.Rewritten()
	}

	s.prepared[m.Name] = &preparedStatement{
		name:       m.Name,
		original:   m.Query,
		rewritten:  res.SQL,
		paramOIDs:  m.ParamOIDs,
		classified: classified,
		verdict:    verdict,
	}

	out := pgwire.ParseMessage{Name: m.Name, Query: res.SQL, ParamOIDs: m.ParamOIDs}
	if err = s.backendConn.Write(out.Encode()); err != nil {
		s.phase = PhaseTerminating
	}
	return
}

func (s *Session) handleBind(f pgwire.Frame) (err error) {
	m, err := pgwire.ParseBind(f.Payload)
	if err != nil {
		s.protocolError("malformed bind message")
		return errProtocolAbort
	}
	ps, ok := s.prepared[m.Statement]
	if !ok {
		return s.extReject("26000", "prepared statement \""+m.Statement+"\" does not exist")
	}
	s.portals[m.Portal] = &portal{name: m.Portal, statement: ps}
	return s.forward(f)
}

func (s *Session) handleExecute(f pgwire.Frame) (err error) {
	m, err := pgwire.ParseExecute(f.Payload)
	if err != nil {
		s.protocolError("malformed execute message")
		return errProtocolAbort
	}
	p, ok := s.portals[m.Portal]
	if !ok {
		return s.extReject("34000", "portal \""+m.Portal+"\" does not exist")
	}
	classified := p.statement.classified

	if s.tracker.Failed() && !allowedWhileAborted(classified.Kind) {
		return s.extReject(pgwire.SQLStateInFailedTransaction,
			"current transaction is aborted, commands ignored until end of transaction block")
	}

	if classified.ImplicitTransaction && !s.tracker.InTransaction() && classified.Kind != analyzer.KindBegin {
		if err = s.tracker.Begin(true); err != nil {
			return
		}
	}
	if classified.Kind.IsWrite() && s.tracker.InTransaction() && !s.tracker.Failed() {
		ctx, done := s.captureContext()
		werr := s.tracker.ObserveWrite(ctx, classified.WriteTables)
		done()
		if werr != nil {
			log.WithError(werr).WithField("session", s.id).Warning("pre-state capture failed")
			if !s.tracker.Implicit() {
				_, _ = s.backendConn.SimpleQuery("ROLLBACK")
			}
			s.submitRecord(s.tracker.Fail(), nil)
			return s.extReject(pgwire.SQLStateInternalError, "state capture failed")
		}
	}
	s.tracker.ObserveStatement(hash.THashH([]byte(p.statement.rewritten)))
	s.extQueue = append(s.extQueue, classified)
	return s.forward(f)
}

func (s *Session) handleClose(f pgwire.Frame) (err error) {
	m, err := pgwire.ParseClose(f.Payload)
	if err != nil {
		s.protocolError("malformed close message")
		return errProtocolAbort
	}
	switch m.Kind {
	case 'S':
		delete(s.prepared, m.Name)
	case 'P':
		delete(s.portals, m.Name)
	}
	return s.forward(f)
}

// handleSync forwards the Sync, relays the batch responses, then settles
// the transaction model against the final status byte.
func (s *Session) handleSync(f pgwire.Frame) (err error) {
	queue := s.extQueue
	s.extQueue = nil
	s.extSkip = false

	// The Sync always reaches the backend: frames forwarded before a
	// proxy-side rejection still need their responses drained.
	if err = s.forward(f); err != nil {
		return
	}
	status, stmtErr, err := s.relayUntilReady()
	if err != nil {
		s.phase = PhaseTerminating
		return
	}

	ok := stmtErr == nil
	for _, classified := range queue {
		if err = s.applyModel(classified, ok); err != nil {
			return
		}
	}
	if serr := s.tracker.ObserveStatus(status); serr != nil {
		return s.diverge(serr)
	}

	// portals do not outlive the transaction
	if !s.tracker.InTransaction() {
		s.portals = make(map[string]*portal)
	}
	return s.sendReady()
}
