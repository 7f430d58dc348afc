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
	"io"
)

// FrameReader incrementally decodes frames from an io.Reader using the
// non-blocking buffer decoder, reading from r only while the buffer does not
// yet hold a whole frame.
type FrameReader struct {
	r       io.Reader
	buf     []byte
	maxSize uint32
}

// NewFrameReader returns a FrameReader bounded by maxSize per frame.
func NewFrameReader(r io.Reader, maxSize uint32) *FrameReader {
	return &FrameReader{r: r, maxSize: maxSize}
}

// fill appends at least need bytes to the buffer.
func (fr *FrameReader) fill(need int) (err error) {
	grow := need
	if grow < 4096 {
		grow = 4096
	}
	off := len(fr.buf)
	fr.buf = append(fr.buf, make([]byte, grow)...)
	read := 0
	for read < need {
		var n int
		if n, err = fr.r.Read(fr.buf[off+read:]); err != nil {
			fr.buf = fr.buf[:off+read]
			return
		}
		read += n
	}
	fr.buf = fr.buf[:off+read]
	return
}

// ReadFrame returns the next tagged frame. The returned payload is only
// valid until the next call.
func (fr *FrameReader) ReadFrame() (f Frame, err error) {
	for {
		var n int
		if f, n, err = ParseFrame(fr.buf, fr.maxSize); err == nil {
			fr.buf = fr.buf[n:]
			return
		}
		need, short := IsIncomplete(err)
		if !short {
			return
		}
		if err = fr.fill(need); err != nil {
			return
		}
	}
}

// ReadStartup returns the next untagged startup-phase message, decoded as
// StartupMessage, SSLRequest, GSSENCRequest or CancelRequest.
func (fr *FrameReader) ReadStartup() (msg interface{}, err error) {
	for {
		var payload []byte
		var n int
		if payload, n, err = ParseStartupFrame(fr.buf, fr.maxSize); err == nil {
			fr.buf = fr.buf[n:]
			return ParseStartupPayload(payload)
		}
		need, short := IsIncomplete(err)
		if !short {
			return
		}
		if err = fr.fill(need); err != nil {
			return
		}
	}
}
