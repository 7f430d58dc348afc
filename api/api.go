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

// Package api exposes the verification surface over HTTP: blocks,
// transaction records, inclusion proofs and challenge submission.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Gajesh2007/verifiable-rds-avs/emitter"
	"github.com/Gajesh2007/verifiable-rds-avs/merkle"
	"github.com/Gajesh2007/verifiable-rds-avs/types"
	"github.com/Gajesh2007/verifiable-rds-avs/utils/log"
)

func sendResponse(code int, success bool, msg interface{}, data interface{}, rw http.ResponseWriter) {
	msgStr := "ok"
	if msg != nil {
		msgStr = fmt.Sprint(msg)
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	if err := json.NewEncoder(rw).Encode(map[string]interface{}{
		"status":  msgStr,
		"success": success,
		"data":    data,
	}); err != nil {
		log.WithError(err).Debug("encode api response")
	}
}

type verificationAPI struct {
	emitter *emitter.Emitter
}

// NewHandler builds the verification API router.
func NewHandler(em *emitter.Emitter) http.Handler {
	a := &verificationAPI{emitter: em}
	router := mux.NewRouter()
	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/head", a.GetHead).Methods("GET")
	v1.HandleFunc("/blocks/{number}", a.GetBlock).Methods("GET")
	v1.HandleFunc("/transactions/{id}", a.GetTransaction).Methods("GET")
	v1.HandleFunc("/challenges", a.SubmitChallenge).Methods("POST")
	v1.HandleFunc("/proofs/verify", a.VerifyProof).Methods("POST")
	router.Handle("/metrics", promhttp.Handler())
	return router
}

// Serve runs the API listener until the process exits.
func Serve(addr string, em *emitter.Emitter) error {
	log.WithField("addr", addr).Info("verification api listening")
	return http.ListenAndServe(addr, NewHandler(em))
}

func (a *verificationAPI) GetHead(rw http.ResponseWriter, r *http.Request) {
	sendResponse(200, true, "", formatBlock(a.emitter.Head()), rw)
}

func (a *verificationAPI) GetBlock(rw http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseUint(mux.Vars(r)["number"], 10, 64)
	if err != nil {
		sendResponse(400, false, "invalid block number", nil, rw)
		return
	}
	block, err := a.emitter.Store().Get(number)
	if err != nil {
		sendResponse(404, false, err, nil, rw)
		return
	}
	sendResponse(200, true, "", formatBlock(block), rw)
}

func (a *verificationAPI) GetTransaction(rw http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	block, err := a.emitter.Store().TxBlock(id)
	if err != nil {
		sendResponse(404, false, err, nil, rw)
		return
	}
	for i := range block.TxRecords {
		if block.TxRecords[i].ID == id {
			sendResponse(200, true, "", map[string]interface{}{
				"block_number": block.SignedHeader.Number,
				"record":       block.TxRecords[i],
			}, rw)
			return
		}
	}
	sendResponse(404, false, "transaction not indexed", nil, rw)
}

func (a *verificationAPI) SubmitChallenge(rw http.ResponseWriter, r *http.Request) {
	var ch types.Challenge
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		sendResponse(400, false, "invalid challenge body", nil, rw)
		return
	}
	resp, err := a.emitter.RespondChallenge(ch)
	if err != nil {
		sendResponse(422, false, err, nil, rw)
		return
	}
	sendResponse(200, true, "", resp, rw)
}

// proofRequest is a self-contained verification request.
type proofRequest struct {
	Leaf  string       `json:"leaf"`
	Root  string       `json:"root"`
	Proof merkle.Proof `json:"proof"`
}

func (a *verificationAPI) VerifyProof(rw http.ResponseWriter, r *http.Request) {
	var req proofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendResponse(400, false, "invalid proof body", nil, rw)
		return
	}
	leaf, err := parseHash(req.Leaf)
	if err != nil {
		sendResponse(400, false, "invalid leaf digest", nil, rw)
		return
	}
	root, err := parseHash(req.Root)
	if err != nil {
		sendResponse(400, false, "invalid root digest", nil, rw)
		return
	}
	sendResponse(200, true, "", map[string]bool{
		"valid": merkle.Verify(leaf, req.Proof, root),
	}, rw)
}

func formatBlock(b *types.Block) map[string]interface{} {
	if b == nil {
		return nil
	}
	return map[string]interface{}{
		"header":     b.SignedHeader.Header,
		"tx_records": b.TxRecords,
		"status":     b.Status,
		"commitment": types.BuildCommitment(b),
	}
}
