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
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// DefaultMaxFrameSize bounds a single frame when no limit is configured.
const DefaultMaxFrameSize = 16 << 20

var (
	// ErrFrameTooShort defines a frame whose declared length is below the
	// protocol minimum of 4 bytes.
	ErrFrameTooShort = errors.New("frame length below protocol minimum")
	// ErrFrameTooLarge defines a frame exceeding the configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// IncompleteError reports a short buffer. Need is the number of bytes known
// to be missing; callers should read at least that much before retrying.
type IncompleteError struct {
	Need int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete frame: need %d more bytes", e.Need)
}

// IsIncomplete reports whether err denotes a short buffer, returning the
// missing byte count.
func IsIncomplete(err error) (need int, ok bool) {
	if ie, o := errors.Cause(err).(*IncompleteError); o {
		return ie.Need, true
	}
	return
}

// Frame is one tagged protocol frame. Payload excludes the tag and the
// 4-byte length.
type Frame struct {
	Tag     byte
	Payload []byte
}

// ParseFrame decodes one tagged frame from the head of buf. It returns the
// consumed byte count. On short input it returns an IncompleteError without
// consuming anything. The payload aliases buf; callers that retain frames
// across buffer reuse must copy.
func ParseFrame(buf []byte, maxSize uint32) (f Frame, n int, err error) {
	if len(buf) < 5 {
		err = &IncompleteError{Need: 5 - len(buf)}
		return
	}
	length := binary.BigEndian.Uint32(buf[1:5])
	if length < 4 {
		err = errors.Wrapf(ErrFrameTooShort, "tag %q length %d", buf[0], length)
		return
	}
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	if length > maxSize {
		err = errors.Wrapf(ErrFrameTooLarge, "tag %q length %d", buf[0], length)
		return
	}
	total := 1 + int(length)
	if len(buf) < total {
		err = &IncompleteError{Need: total - len(buf)}
		return
	}
	f.Tag = buf[0]
	f.Payload = buf[5:total]
	n = total
	return
}

// ParseStartupFrame decodes one untagged startup-phase frame from the head
// of buf, returning the payload after the 4-byte inclusive length.
func ParseStartupFrame(buf []byte, maxSize uint32) (payload []byte, n int, err error) {
	if len(buf) < 4 {
		err = &IncompleteError{Need: 4 - len(buf)}
		return
	}
	length := binary.BigEndian.Uint32(buf[:4])
	if length < 4 {
		err = errors.Wrapf(ErrFrameTooShort, "startup length %d", length)
		return
	}
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	if length > maxSize {
		err = errors.Wrapf(ErrFrameTooLarge, "startup length %d", length)
		return
	}
	total := int(length)
	if len(buf) < total {
		err = &IncompleteError{Need: total - len(buf)}
		return
	}
	payload = buf[4:total]
	n = total
	return
}

// AppendFrame appends the tagged encoding of payload to dst.
func AppendFrame(dst []byte, tag byte, payload []byte) []byte {
	dst = append(dst, tag)
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(4+len(payload)))
	dst = append(dst, l[:]...)
	return append(dst, payload...)
}

// EncodeFrame returns the tagged encoding of payload.
func EncodeFrame(tag byte, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, 5+len(payload)), tag, payload)
}

// Encode returns the wire encoding of the frame.
func (f *Frame) Encode() []byte {
	return EncodeFrame(f.Tag, f.Payload)
}
