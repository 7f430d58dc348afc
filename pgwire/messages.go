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

package pgwire

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrMalformedMessage defines a payload that does not match its tag's shape.
var ErrMalformedMessage = errors.New("malformed message payload")

// StartupMessage is the initial untagged message of a regular connection.
type StartupMessage struct {
	ProtocolVersion uint32
	Parameters      map[string]string
}

// SSLRequest asks for TLS negotiation before startup.
type SSLRequest struct{}

// GSSENCRequest asks for GSSAPI encryption before startup.
type GSSENCRequest struct{}

// CancelRequest asks for cancellation of the identified connection.
type CancelRequest struct {
	PID int32
	Key int32
}

// ParseStartupPayload interprets the payload of an untagged startup frame as
// one of StartupMessage, SSLRequest, GSSENCRequest or CancelRequest.
func ParseStartupPayload(payload []byte) (msg interface{}, err error) {
	if len(payload) < 4 {
		err = errors.Wrap(ErrMalformedMessage, "startup payload too short")
		return
	}
	code := binary.BigEndian.Uint32(payload[:4])
	switch code {
	case SSLRequestCode:
		return SSLRequest{}, nil
	case GSSENCRequestCode:
		return GSSENCRequest{}, nil
	case CancelRequestCode:
		if len(payload) != 12 {
			err = errors.Wrap(ErrMalformedMessage, "cancel request size")
			return
		}
		return CancelRequest{
			PID: int32(binary.BigEndian.Uint32(payload[4:8])),
			Key: int32(binary.BigEndian.Uint32(payload[8:12])),
		}, nil
	default:
		if code>>16 != ProtocolVersion>>16 {
			err = errors.Wrapf(ErrMalformedMessage, "unsupported protocol %08x", code)
			return
		}
		params, perr := parseStartupParameters(payload[4:])
		if perr != nil {
			err = perr
			return
		}
		return StartupMessage{ProtocolVersion: code, Parameters: params}, nil
	}
}

func parseStartupParameters(b []byte) (params map[string]string, err error) {
	params = make(map[string]string)
	for len(b) > 0 && b[0] != 0 {
		var key, val string
		if key, b, err = readCString(b); err != nil {
			return
		}
		if val, b, err = readCString(b); err != nil {
			return
		}
		params[key] = val
	}
	return
}

// EncodeStartup encodes a StartupMessage as an untagged frame.
func (m *StartupMessage) EncodeStartup() []byte {
	var body bytes.Buffer
	var code [4]byte
	binary.BigEndian.PutUint32(code[:], m.ProtocolVersion)
	body.Write(code[:])
	for k, v := range m.Parameters {
		body.WriteString(k)
		body.WriteByte(0)
		body.WriteString(v)
		body.WriteByte(0)
	}
	body.WriteByte(0)
	out := make([]byte, 4, 4+body.Len())
	binary.BigEndian.PutUint32(out, uint32(4+body.Len()))
	return append(out, body.Bytes()...)
}

// EncodeCancel encodes a CancelRequest as an untagged frame.
func (m *CancelRequest) EncodeCancel() []byte {
	out := make([]byte, 16)
	binary.BigEndian.PutUint32(out[0:4], 16)
	binary.BigEndian.PutUint32(out[4:8], CancelRequestCode)
	binary.BigEndian.PutUint32(out[8:12], uint32(m.PID))
	binary.BigEndian.PutUint32(out[12:16], uint32(m.Key))
	return out
}

func readCString(b []byte) (s string, rest []byte, err error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		err = errors.Wrap(ErrMalformedMessage, "unterminated string")
		return
	}
	return string(b[:i]), b[i+1:], nil
}

// ParseQuery extracts the SQL text of a simple Query frame.
func ParseQuery(payload []byte) (sql string, err error) {
	sql, _, err = readCString(payload)
	return
}

// EncodeQuery builds a simple Query frame.
func EncodeQuery(sql string) []byte {
	payload := make([]byte, 0, len(sql)+1)
	payload = append(payload, sql...)
	payload = append(payload, 0)
	return EncodeFrame(MsgQuery, payload)
}

// ParseMessage is an extended-protocol Parse frame.
type ParseMessage struct {
	Name      string
	Query     string
	ParamOIDs []uint32
}

// ParseParse decodes a Parse frame payload.
func ParseParse(payload []byte) (m ParseMessage, err error) {
	rest := payload
	if m.Name, rest, err = readCString(rest); err != nil {
		return
	}
	if m.Query, rest, err = readCString(rest); err != nil {
		return
	}
	if len(rest) < 2 {
		err = errors.Wrap(ErrMalformedMessage, "parse parameter count")
		return
	}
	count := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < 4*count {
		err = errors.Wrap(ErrMalformedMessage, "parse parameter oids")
		return
	}
	for i := 0; i < count; i++ {
		m.ParamOIDs = append(m.ParamOIDs, binary.BigEndian.Uint32(rest[4*i:4*i+4]))
	}
	return
}

// Encode re-encodes a Parse frame, typically after SQL rewrite.
func (m *ParseMessage) Encode() []byte {
	var body bytes.Buffer
	body.WriteString(m.Name)
	body.WriteByte(0)
	body.WriteString(m.Query)
	body.WriteByte(0)
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(m.ParamOIDs)))
	body.Write(n[:])
	for _, oid := range m.ParamOIDs {
		var o [4]byte
		binary.BigEndian.PutUint32(o[:], oid)
		body.Write(o[:])
	}
	return EncodeFrame(MsgParse, body.Bytes())
}

// BindMessage is the header of an extended-protocol Bind frame. The
// parameter and format sections are carried opaque.
type BindMessage struct {
	Portal    string
	Statement string
	Rest      []byte
}

// ParseBind decodes the portal and statement names of a Bind frame.
func ParseBind(payload []byte) (m BindMessage, err error) {
	rest := payload
	if m.Portal, rest, err = readCString(rest); err != nil {
		return
	}
	if m.Statement, rest, err = readCString(rest); err != nil {
		return
	}
	m.Rest = rest
	return
}

// Encode re-encodes a Bind frame.
func (m *BindMessage) Encode() []byte {
	var body bytes.Buffer
	body.WriteString(m.Portal)
	body.WriteByte(0)
	body.WriteString(m.Statement)
	body.WriteByte(0)
	body.Write(m.Rest)
	return EncodeFrame(MsgBind, body.Bytes())
}

// ExecuteMessage is an extended-protocol Execute frame.
type ExecuteMessage struct {
	Portal  string
	MaxRows int32
}

// ParseExecute decodes an Execute frame payload.
func ParseExecute(payload []byte) (m ExecuteMessage, err error) {
	rest := payload
	if m.Portal, rest, err = readCString(rest); err != nil {
		return
	}
	if len(rest) < 4 {
		err = errors.Wrap(ErrMalformedMessage, "execute row limit")
		return
	}
	m.MaxRows = int32(binary.BigEndian.Uint32(rest[:4]))
	return
}

// CloseMessage is an extended-protocol Close frame. Kind is 'S' for a
// prepared statement, 'P' for a portal.
type CloseMessage struct {
	Kind byte
	Name string
}

// ParseClose decodes a Close frame payload.
func ParseClose(payload []byte) (m CloseMessage, err error) {
	if len(payload) < 1 {
		err = errors.Wrap(ErrMalformedMessage, "close kind")
		return
	}
	m.Kind = payload[0]
	m.Name, _, err = readCString(payload[1:])
	return
}

// DescribeMessage is an extended-protocol Describe frame.
type DescribeMessage struct {
	Kind byte
	Name string
}

// ParseDescribe decodes a Describe frame payload.
func ParseDescribe(payload []byte) (m DescribeMessage, err error) {
	if len(payload) < 1 {
		err = errors.Wrap(ErrMalformedMessage, "describe kind")
		return
	}
	m.Kind = payload[0]
	m.Name, _, err = readCString(payload[1:])
	return
}

// ParsePassword extracts the password of a PasswordMessage.
func ParsePassword(payload []byte) (pw string, err error) {
	pw, _, err = readCString(payload)
	return
}

// EncodePassword builds a PasswordMessage frame.
func EncodePassword(pw string) []byte {
	payload := make([]byte, 0, len(pw)+1)
	payload = append(payload, pw...)
	payload = append(payload, 0)
	return EncodeFrame(MsgPassword, payload)
}

// ParseAuthentication extracts the auth sub-code and trailing data of an 'R'
// message.
func ParseAuthentication(payload []byte) (code int32, data []byte, err error) {
	if len(payload) < 4 {
		err = errors.Wrap(ErrMalformedMessage, "authentication code")
		return
	}
	code = int32(binary.BigEndian.Uint32(payload[:4]))
	data = payload[4:]
	return
}

// EncodeAuthentication builds an 'R' message with the given sub-code.
func EncodeAuthentication(code int32, data []byte) []byte {
	payload := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(payload, uint32(code))
	return EncodeFrame(MsgAuthentication, append(payload, data...))
}

// ParseBackendKeyData extracts the cancel secret of a 'K' message.
func ParseBackendKeyData(payload []byte) (pid, key int32, err error) {
	if len(payload) != 8 {
		err = errors.Wrap(ErrMalformedMessage, "backend key data size")
		return
	}
	pid = int32(binary.BigEndian.Uint32(payload[:4]))
	key = int32(binary.BigEndian.Uint32(payload[4:8]))
	return
}

// EncodeBackendKeyData builds a 'K' message.
func EncodeBackendKeyData(pid, key int32) []byte {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[:4], uint32(pid))
	binary.BigEndian.PutUint32(payload[4:8], uint32(key))
	return EncodeFrame(MsgBackendKeyData, payload)
}

// ParseReadyForQuery extracts the transaction status byte of a 'Z' message.
func ParseReadyForQuery(payload []byte) (status byte, err error) {
	if len(payload) != 1 {
		err = errors.Wrap(ErrMalformedMessage, "ready for query size")
		return
	}
	status = payload[0]
	return
}

// EncodeReadyForQuery builds a 'Z' message.
func EncodeReadyForQuery(status byte) []byte {
	return EncodeFrame(MsgReadyForQuery, []byte{status})
}

// EncodeParameterStatus builds an 'S' message.
func EncodeParameterStatus(key, value string) []byte {
	var body bytes.Buffer
	body.WriteString(key)
	body.WriteByte(0)
	body.WriteString(value)
	body.WriteByte(0)
	return EncodeFrame(MsgParameterStatus, body.Bytes())
}

// EncodeCommandComplete builds a 'C' message.
func EncodeCommandComplete(tag string) []byte {
	payload := make([]byte, 0, len(tag)+1)
	payload = append(payload, tag...)
	payload = append(payload, 0)
	return EncodeFrame(MsgCommandComplete, payload)
}

// ParseCommandComplete extracts the command tag of a 'C' message.
func ParseCommandComplete(payload []byte) (tag string, err error) {
	tag, _, err = readCString(payload)
	return
}

// ErrorField tags inside ErrorResponse and NoticeResponse messages.
const (
	fieldSeverity = 'S'
	fieldCode     = 'C'
	fieldMessage  = 'M'
)

// ErrorResponse is a decoded subset of an 'E' message.
type ErrorResponse struct {
	Severity string
	Code     string
	Message  string
}

// ParseErrorResponse decodes the severity, SQLSTATE and message fields of an
// 'E' message, ignoring the rest.
func ParseErrorResponse(payload []byte) (e ErrorResponse, err error) {
	rest := payload
	for len(rest) > 0 && rest[0] != 0 {
		field := rest[0]
		var val string
		if val, rest, err = readCString(rest[1:]); err != nil {
			return
		}
		switch field {
		case fieldSeverity:
			e.Severity = val
		case fieldCode:
			e.Code = val
		case fieldMessage:
			e.Message = val
		}
	}
	return
}

// EncodeErrorResponse builds an 'E' message with severity, SQLSTATE code and
// message fields.
func EncodeErrorResponse(severity, code, message string) []byte {
	var body bytes.Buffer
	body.WriteByte(fieldSeverity)
	body.WriteString(severity)
	body.WriteByte(0)
	body.WriteByte(fieldCode)
	body.WriteString(code)
	body.WriteByte(0)
	body.WriteByte(fieldMessage)
	body.WriteString(message)
	body.WriteByte(0)
	body.WriteByte(0)
	return EncodeFrame(MsgErrorResponse, body.Bytes())
}

// EncodeSync builds a Sync frame.
func EncodeSync() []byte {
	return EncodeFrame(MsgSync, nil)
}

// EncodeTerminate builds a Terminate frame.
func EncodeTerminate() []byte {
	return EncodeFrame(MsgTerminate, nil)
}
