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

package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/Gajesh2007/verifiable-rds-avs/types"
)

// HTTPLedger submits commitments to the external ledger collaborator over
// its HTTP ingestion endpoint.
type HTTPLedger struct {
	endpoint string
	client   *http.Client
}

// NewHTTPLedger returns a ledger client for the given endpoint.
func NewHTTPLedger(endpoint string) *HTTPLedger {
	return &HTTPLedger{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitCommitment implements Ledger.
func (l *HTTPLedger) SubmitCommitment(ctx context.Context, c types.Commitment) (err error) {
	body, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode commitment failed")
	}
	req, err := http.NewRequest("POST", l.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build commitment request failed")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "submit commitment failed")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return errors.Errorf("ledger rejected commitment: %s", resp.Status)
	}
	return
}
