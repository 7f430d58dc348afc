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

// ProtocolVersion is protocol version 3.0.
const ProtocolVersion uint32 = 3 << 16

// Special protocol codes carried in untagged startup frames.
const (
	// CancelRequestCode requests cancellation of another connection.
	CancelRequestCode uint32 = (1234 << 16) | 5678
	// SSLRequestCode asks to negotiate TLS before startup.
	SSLRequestCode uint32 = (1234 << 16) | 5679
	// GSSENCRequestCode asks to negotiate GSSAPI encryption. Always refused.
	GSSENCRequestCode uint32 = (1234 << 16) | 5680
)

// Frontend (client to server) message tags.
const (
	MsgQuery        byte = 'Q'
	MsgParse        byte = 'P'
	MsgBind         byte = 'B'
	MsgExecute      byte = 'E'
	MsgDescribe     byte = 'D'
	MsgClose        byte = 'C'
	MsgSync         byte = 'S'
	MsgFlush        byte = 'H'
	MsgTerminate    byte = 'X'
	MsgPassword     byte = 'p'
	MsgFunctionCall byte = 'F'
	MsgCopyFail     byte = 'f'
)

// Backend (server to client) message tags.
const (
	MsgAuthentication      byte = 'R'
	MsgBackendKeyData      byte = 'K'
	MsgParameterStatus     byte = 'S'
	MsgReadyForQuery       byte = 'Z'
	MsgRowDescription      byte = 'T'
	MsgDataRow             byte = 'D'
	MsgCommandComplete     byte = 'C'
	MsgEmptyQueryResponse  byte = 'I'
	MsgErrorResponse       byte = 'E'
	MsgNoticeResponse      byte = 'N'
	MsgNotificationResp    byte = 'A'
	MsgParseComplete       byte = '1'
	MsgBindComplete        byte = '2'
	MsgCloseComplete       byte = '3'
	MsgParameterDesc       byte = 't'
	MsgNoData              byte = 'n'
	MsgPortalSuspended     byte = 's'
	MsgCopyInResponse      byte = 'G'
	MsgCopyOutResponse     byte = 'H'
	MsgCopyData            byte = 'd'
	MsgCopyDone            byte = 'c'
	MsgFunctionCallResp    byte = 'V'
	MsgNegotiateProtocol   byte = 'v'
)

// Authentication sub-codes carried inside 'R' messages.
const (
	AuthOk                int32 = 0
	AuthCleartextPassword int32 = 3
	AuthMD5Password       int32 = 5
	AuthSASL              int32 = 10
	AuthSASLContinue      int32 = 11
	AuthSASLFinal         int32 = 12
)

// Transaction status indicators in ReadyForQuery.
const (
	TxStatusIdle    byte = 'I'
	TxStatusInBlock byte = 'T'
	TxStatusFailed  byte = 'E'
)

// SQLSTATE codes used by the proxy itself.
const (
	SQLStateProtocolViolation   = "08P01"
	SQLStateConnectionFailure   = "08006"
	SQLStateFeatureNotSupported = "0A000"
	SQLStateInFailedTransaction = "25P02"
	SQLStateConfigLimitExceeded = "53400"
	SQLStateInvalidPassword     = "28P01"
	SQLStateInternalError       = "XX000"
)
