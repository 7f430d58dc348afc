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

// Package emitter seals transaction records into signed blocks, persists
// them to the replayable block log and surfaces commitments to the external
// ledger. A single writer goroutine totally orders block emission across
// sessions; sessions keep accepting work while emission is in flight.
package emitter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	ca "github.com/Gajesh2007/verifiable-rds-avs/crypto/asymmetric"
	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
	"github.com/Gajesh2007/verifiable-rds-avs/merkle"
	"github.com/Gajesh2007/verifiable-rds-avs/types"
	"github.com/Gajesh2007/verifiable-rds-avs/utils/log"
)

// Ledger is the external collaborator accepting block commitments.
type Ledger interface {
	SubmitCommitment(ctx context.Context, c types.Commitment) error
}

// publishRetries bounds ledger submission retries per block after the first
// attempt; a block whose retries run out stays Pending and is not
// resubmitted.
const publishRetries = 5

// Config parameterizes the emitter.
type Config struct {
	// Version stamps emitted headers.
	Version int32
	// Committer is the configured operator identity.
	Committer string
	// RuleFingerprint pins the determinism rules in every header.
	RuleFingerprint hash.Hash
	// CommitCadence seals pending records on a timer; zero disables the
	// timer and blocks seal only on Flush.
	CommitCadence time.Duration
	// PrivateKey signs sealed blocks.
	PrivateKey *ca.PrivateKey
}

// Emitter is the single writer of the block chain.
type Emitter struct {
	cfg    Config
	store  *Store
	ledger Ledger

	mu         sync.Mutex
	tableRoots map[string]hash.Hash
	snapshots  map[string]types.TableSnapshot
	pending    []types.TransactionRecord
	head       *types.Block

	stop     chan struct{}
	wg       sync.WaitGroup
	flushReq chan chan flushResult
}

type flushResult struct {
	block *types.Block
	err   error
}

// New opens an emitter over the given store. When the chain is empty a
// genesis block is sealed immediately: number 0, all-zero parent root, state
// root over the empty table set.
func New(cfg Config, store *Store, ledger Ledger) (e *Emitter, err error) {
	e = &Emitter{
		cfg:        cfg,
		store:      store,
		ledger:     ledger,
		tableRoots: make(map[string]hash.Hash),
		snapshots:  make(map[string]types.TableSnapshot),
		stop:       make(chan struct{}),
		flushReq:   make(chan chan flushResult),
	}

	head, ok, err := store.Head()
	if err != nil {
		return nil, err
	}
	if !ok {
		if err = e.sealGenesis(); err != nil {
			return nil, err
		}
	} else {
		if e.head, err = store.Get(head); err != nil {
			return nil, err
		}
		if err = e.replayTableRoots(); err != nil {
			return nil, err
		}
	}
	return
}

// sealGenesis emits the unsigned block 0.
func (e *Emitter) sealGenesis() (err error) {
	genesis := &types.Block{
		SignedHeader: types.SignedHeader{
			Header: types.Header{
				Version:         e.cfg.Version,
				Number:          0,
				Root:            merkle.GlobalRoot(nil),
				RuleFingerprint: e.cfg.RuleFingerprint,
				Committer:       e.cfg.Committer,
				Timestamp:       time.Now().UTC(),
			},
		},
		Status: types.BlockPending,
	}
	if err = genesis.PackAsGenesis(); err != nil {
		return
	}
	if err = e.store.Append(genesis); err != nil {
		return
	}
	e.head = genesis
	e.publish(genesis)
	return
}

// replayTableRoots rebuilds the current table-root map from the chain.
func (e *Emitter) replayTableRoots() (err error) {
	blocks, err := e.store.ReplayLog()
	if err != nil {
		return
	}
	for _, b := range blocks {
		for i := range b.TxRecords {
			r := &b.TxRecords[i]
			if r.Status != types.TransactionCommitted {
				continue
			}
			for _, tr := range r.TableRoots {
				e.tableRoots[tr.Table] = tr.PostRoot
			}
		}
	}
	return
}

// Start launches the cadence loop.
func (e *Emitter) Start() {
	e.wg.Add(1)
	go e.run()
}

func (e *Emitter) run() {
	defer e.wg.Done()
	var tick <-chan time.Time
	if e.cfg.CommitCadence > 0 {
		ticker := time.NewTicker(e.cfg.CommitCadence)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-e.stop:
			// final seal so no accepted record is lost
			if _, err := e.seal(false); err != nil {
				log.WithError(err).Error("final block seal failed")
			}
			return
		case <-tick:
			if _, err := e.seal(false); err != nil {
				log.WithError(err).Error("cadence block seal failed")
			}
		case req := <-e.flushReq:
			b, err := e.seal(true)
			req <- flushResult{block: b, err: err}
		}
	}
}

// Submit queues a transaction record in commit-observation order. Post
// snapshots keep row-level proofs answerable for the touched tables.
func (e *Emitter) Submit(record *types.TransactionRecord, posts map[string]types.TableSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, *record)
	if record.Status == types.TransactionCommitted {
		for _, tr := range record.TableRoots {
			e.tableRoots[tr.Table] = tr.PostRoot
		}
		for table, snap := range posts {
			e.snapshots[table] = snap
		}
	}
}

// Flush seals all pending records into a block immediately. A flush with no
// pending records still seals an empty block, advancing the chain head.
func (e *Emitter) Flush() (b *types.Block, err error) {
	req := make(chan flushResult, 1)
	select {
	case e.flushReq <- req:
		res := <-req
		return res.block, res.err
	case <-e.stop:
		return nil, errors.New("emitter stopped")
	}
}

// seal turns the pending records into the next block. Without force, an
// empty pending set seals nothing.
func (e *Emitter) seal(force bool) (b *types.Block, err error) {
	e.mu.Lock()
	records := e.pending
	e.pending = nil
	pairs := e.currentPairs()
	head := e.head
	e.mu.Unlock()

	if len(records) == 0 && !force {
		return nil, nil
	}

	b = &types.Block{
		SignedHeader: types.SignedHeader{
			Header: types.Header{
				Version:         e.cfg.Version,
				Number:          head.SignedHeader.Number + 1,
				ParentRoot:      head.SignedHeader.Root,
				Root:            merkle.GlobalRoot(pairs),
				RuleFingerprint: e.cfg.RuleFingerprint,
				Committer:       e.cfg.Committer,
				Timestamp:       time.Now().UTC(),
			},
		},
		TxRecords: records,
		Status:    types.BlockPending,
	}
	if err = b.PackAndSignBlock(e.cfg.PrivateKey); err != nil {
		err = errors.Wrap(err, "sign block failed")
		return
	}
	if err = e.store.Append(b); err != nil {
		return
	}
	e.mu.Lock()
	e.head = b
	e.mu.Unlock()
	e.publish(b)
	return
}

// publish submits the commitment with bounded exponential retry; a block
// whose retries run out stays Pending and is not resubmitted. Client-visible
// behavior never depends on ledger health.
func (e *Emitter) publish(b *types.Block) {
	if e.ledger == nil {
		return
	}
	commitment := types.BuildCommitment(b)
	number := b.SignedHeader.Number
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), publishRetries)
		err := backoff.Retry(func() error {
			return e.ledger.SubmitCommitment(context.Background(), commitment)
		}, bo)
		if err != nil {
			log.WithError(err).WithField("block", number).
				Warning("ledger submission failed, block left pending")
			return
		}
		if err = e.store.SetStatus(number, types.BlockPublished); err != nil {
			log.WithError(err).WithField("block", number).Error("mark block published failed")
		}
	}()
}

// currentPairs snapshots the table-root map as sorted pairs. Callers hold mu.
func (e *Emitter) currentPairs() (pairs []merkle.TablePair) {
	for name, root := range e.tableRoots {
		pairs = append(pairs, merkle.TablePair{Name: name, Root: root})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return
}

// Head returns the current chain head.
func (e *Emitter) Head() *types.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.head
}

// Store exposes the underlying block store for read-only consumers.
func (e *Emitter) Store() *Store {
	return e.store
}

// Stop seals outstanding records and shuts the emitter down.
func (e *Emitter) Stop() {
	close(e.stop)
	e.wg.Wait()
}

// RespondChallenge answers a challenge with proofs against the current
// state: a row inclusion proof against the table root, the table root's
// inclusion proof against the global state root, and the canonical row
// bytes.
func (e *Emitter) RespondChallenge(ch types.Challenge) (resp types.ChallengeResponse, err error) {
	e.mu.Lock()
	pairs := e.currentPairs()
	snap, haveSnap := e.snapshots[ch.Table]
	e.mu.Unlock()

	resp.BlockNumber = ch.BlockNumber
	resp.Table = ch.Table
	resp.GlobalRoot = merkle.GlobalRoot(pairs)

	tableIdx := -1
	for i, p := range pairs {
		if p.Name == ch.Table {
			tableIdx = i
		}
	}
	if tableIdx < 0 {
		err = errors.Errorf("table %s is not part of the committed state", ch.Table)
		return
	}
	resp.TableRoot = pairs[tableIdx].Root
	resp.TableLeaf = merkle.HashTablePair(ch.Table, pairs[tableIdx].Root)

	leaves := make([]hash.Hash, len(pairs))
	for i, p := range pairs {
		leaves[i] = merkle.HashTablePair(p.Name, p.Root)
	}
	if resp.TableProof, err = merkle.NewTree(leaves).Proof(tableIdx); err != nil {
		return
	}

	if ch.Kind != types.ChallengeRowInclusion {
		return
	}
	if !haveSnap {
		err = errors.Errorf("no snapshot retained for table %s", ch.Table)
		return
	}
	if ch.RowIndex < 0 || ch.RowIndex >= len(snap.Leaves) {
		err = errors.Errorf("row index %d out of range for table %s", ch.RowIndex, ch.Table)
		return
	}
	if resp.RowProof, err = snap.RowProof(ch.RowIndex); err != nil {
		return
	}
	resp.RowLeaf = snap.Leaves[ch.RowIndex]
	if ch.RowIndex < len(snap.Rows) {
		resp.RowBytes, err = snap.Rows[ch.RowIndex].CanonicalBytes()
	}
	return
}
