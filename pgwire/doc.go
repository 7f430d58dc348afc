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

// Package pgwire implements PostgreSQL protocol version 3 framing: tagged
// length-prefixed frames after startup, untagged length-prefixed frames for
// StartupMessage, SSLRequest, GSSENCRequest and CancelRequest.
//
// The decoder is strictly non-blocking: fed a growing byte buffer it either
// yields a complete frame or reports how many bytes are still missing, so
// callers never re-parse a partial prefix.
package pgwire
