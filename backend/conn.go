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

// Package backend maintains authenticated connections to the real PostgreSQL
// server and shuttles frames between it and client sessions. Only the SQL
// text of Query and Parse frames is ever substituted; every other frame
// passes through unchanged.
package backend

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/Gajesh2007/verifiable-rds-avs/pgwire"
	"github.com/Gajesh2007/verifiable-rds-avs/utils/log"
)

var (
	// ErrAuthFailed defines a backend authentication failure.
	ErrAuthFailed = errors.New("backend authentication failed")
	// ErrUnsupportedAuth defines an authentication method the link cannot
	// answer.
	ErrUnsupportedAuth = errors.New("unsupported backend authentication method")
	// ErrConnBroken defines a connection taken out of service.
	ErrConnBroken = errors.New("backend connection broken")
)

// Config locates and authenticates against the backend server.
type Config struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	PoolSize     int
	MaxFrameSize uint32
	DialTimeout  time.Duration
}

// Addr returns the backend dial address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Conn is one authenticated backend connection. A Conn is owned by a single
// session at a time; it is not safe for concurrent use.
type Conn struct {
	conn     net.Conn
	fr       *pgwire.FrameReader
	database string
	role     string

	// Params holds the backend's ParameterStatus values from startup.
	Params map[string]string

	pid, key int32
	broken   bool
}

// dial opens and authenticates a fresh backend connection for the given
// database and role.
func dial(cfg *Config, database, role string) (c *Conn, err error) {
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	raw, err := net.DialTimeout("tcp", cfg.Addr(), timeout)
	if err != nil {
		err = errors.Wrapf(err, "dial backend %s failed", cfg.Addr())
		return
	}
	c = &Conn{
		conn:     raw,
		fr:       pgwire.NewFrameReader(raw, cfg.MaxFrameSize),
		database: database,
		role:     role,
		Params:   make(map[string]string),
	}
	if err = c.startup(cfg); err != nil {
		c.Close()
		c = nil
	}
	return
}

// startup runs the startup and authentication exchange.
func (c *Conn) startup(cfg *Config) (err error) {
	startup := pgwire.StartupMessage{
		ProtocolVersion: pgwire.ProtocolVersion,
		Parameters: map[string]string{
			"user":             cfg.User,
			"database":         c.database,
			"application_name": "verifiable-rds-proxy",
			"client_encoding":  "UTF8",
		},
	}
	if _, err = c.conn.Write(startup.EncodeStartup()); err != nil {
		return errors.Wrap(err, "send startup failed")
	}

	for {
		var f pgwire.Frame
		if f, err = c.fr.ReadFrame(); err != nil {
			return errors.Wrap(err, "read startup response failed")
		}
		switch f.Tag {
		case pgwire.MsgAuthentication:
			var code int32
			var data []byte
			if code, data, err = pgwire.ParseAuthentication(f.Payload); err != nil {
				return
			}
			if err = c.answerAuth(cfg, code, data); err != nil {
				return
			}
		case pgwire.MsgParameterStatus:
			c.recordParameterStatus(f.Payload)
		case pgwire.MsgBackendKeyData:
			if c.pid, c.key, err = pgwire.ParseBackendKeyData(f.Payload); err != nil {
				return
			}
		case pgwire.MsgErrorResponse:
			e, _ := pgwire.ParseErrorResponse(f.Payload)
			return errors.Wrapf(ErrAuthFailed, "%s: %s", e.Code, e.Message)
		case pgwire.MsgReadyForQuery:
			return nil
		case pgwire.MsgNoticeResponse:
			// ignored
		default:
			return errors.Errorf("unexpected startup frame %q", f.Tag)
		}
	}
}

func (c *Conn) recordParameterStatus(payload []byte) {
	// payload is two C strings: key, value
	for i := 0; i < len(payload); i++ {
		if payload[i] == 0 {
			key := string(payload[:i])
			rest := payload[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == 0 {
					c.Params[key] = string(rest[:j])
					return
				}
			}
			return
		}
	}
}

// answerAuth responds to one authentication request.
func (c *Conn) answerAuth(cfg *Config, code int32, data []byte) (err error) {
	switch code {
	case pgwire.AuthOk:
		return nil
	case pgwire.AuthCleartextPassword:
		_, err = c.conn.Write(pgwire.EncodePassword(cfg.Password))
		return errors.Wrap(err, "send cleartext password failed")
	case pgwire.AuthMD5Password:
		if len(data) != 4 {
			return errors.Wrap(ErrAuthFailed, "md5 salt size")
		}
		_, err = c.conn.Write(pgwire.EncodePassword(md5Password(cfg.User, cfg.Password, data)))
		return errors.Wrap(err, "send md5 password failed")
	default:
		return errors.Wrapf(ErrUnsupportedAuth, "auth code %d", code)
	}
}

// md5Password computes PostgreSQL's md5 password response:
// "md5" + md5hex(md5hex(password + user) + salt).
func md5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

// Write sends raw frame bytes to the backend.
func (c *Conn) Write(frame []byte) (err error) {
	if c.broken {
		return errors.WithStack(ErrConnBroken)
	}
	if _, err = c.conn.Write(frame); err != nil {
		c.broken = true
		err = errors.Wrap(err, "backend write failed")
	}
	return
}

// ReadFrame returns the next backend frame.
func (c *Conn) ReadFrame() (f pgwire.Frame, err error) {
	if c.broken {
		err = errors.WithStack(ErrConnBroken)
		return
	}
	if f, err = c.fr.ReadFrame(); err != nil {
		c.broken = true
		err = errors.Wrap(err, "backend read failed")
	}
	return
}

// SimpleQuery runs one statement, draining all responses through the next
// ReadyForQuery. It returns the final transaction status byte and the first
// backend error, if any.
func (c *Conn) SimpleQuery(sql string) (status byte, err error) {
	if werr := c.Write(pgwire.EncodeQuery(sql)); werr != nil {
		return 0, werr
	}
	var backendErr error
	for {
		var f pgwire.Frame
		if f, err = c.ReadFrame(); err != nil {
			return
		}
		switch f.Tag {
		case pgwire.MsgErrorResponse:
			e, _ := pgwire.ParseErrorResponse(f.Payload)
			backendErr = errors.Errorf("backend error %s: %s", e.Code, e.Message)
		case pgwire.MsgReadyForQuery:
			status, err = pgwire.ParseReadyForQuery(f.Payload)
			if err == nil {
				err = backendErr
			}
			return
		}
	}
}

// Cancel opens a throwaway connection and fires the backend's cancel secret.
func (c *Conn) Cancel(cfg *Config) (err error) {
	raw, err := net.DialTimeout("tcp", cfg.Addr(), 5*time.Second)
	if err != nil {
		return errors.Wrap(err, "dial for cancel failed")
	}
	defer func() {
		_ = raw.Close()
	}()
	req := pgwire.CancelRequest{PID: c.pid, Key: c.key}
	_, err = raw.Write(req.EncodeCancel())
	return errors.Wrap(err, "send cancel request failed")
}

// Broken reports whether the connection has been taken out of service.
func (c *Conn) Broken() bool {
	return c.broken
}

// MarkBroken flags the connection so the pool closes it instead of reusing.
func (c *Conn) MarkBroken() {
	c.broken = true
}

// Close tears the connection down.
func (c *Conn) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			log.WithError(err).Debug("close backend connection")
		}
	}
}
