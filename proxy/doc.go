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

// Package proxy terminates client connections speaking PostgreSQL protocol
// version 3 and drives each one through a sequential session state machine:
// startup, authentication, simple and extended query phases, and
// termination. Every statement passes the analyzer before it may reach the
// backend; transaction boundaries feed the tracker, and committed
// transactions flow to the block emitter.
package proxy
