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
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	bolt "github.com/coreos/bbolt"
	"github.com/pkg/errors"

	"github.com/Gajesh2007/verifiable-rds-avs/crypto/hash"
	"github.com/Gajesh2007/verifiable-rds-avs/types"
)

var (
	blockBucket = []byte("vrds-block-bucket")
	txBucket    = []byte("vrds-tx-index-bucket")
	metaBucket  = []byte("vrds-meta-bucket")
	headKey     = []byte("head")

	// ErrBlockNotFound defines a lookup miss.
	ErrBlockNotFound = errors.New("block not found")
	// ErrCorruptLog defines a log record failing its hash check.
	ErrCorruptLog = errors.New("block log corrupted")
)

// Store persists sealed blocks twice: an append-only log file of
// length-prefixed canonical block bytes with a trailing record hash, which is
// the replayable source of truth, and a bolt index for lookups. A missing or
// stale index is rebuilt from the log on open.
type Store struct {
	logFile *os.File
	db      *bolt.DB
}

// OpenStore opens (or creates) the block store under dir.
func OpenStore(dir string) (s *Store, err error) {
	if err = os.MkdirAll(dir, 0755); err != nil {
		err = errors.Wrapf(err, "create block store dir %s failed", dir)
		return
	}
	logFile, err := os.OpenFile(filepath.Join(dir, "blocks.log"), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		err = errors.Wrap(err, "open block log failed")
		return
	}
	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0644, nil)
	if err != nil {
		_ = logFile.Close()
		err = errors.Wrap(err, "open block index failed")
		return
	}
	if err = db.Update(func(tx *bolt.Tx) (err error) {
		for _, bucket := range [][]byte{blockBucket, txBucket, metaBucket} {
			if _, err = tx.CreateBucketIfNotExists(bucket); err != nil {
				return
			}
		}
		return
	}); err != nil {
		_ = logFile.Close()
		_ = db.Close()
		return
	}

	s = &Store{logFile: logFile, db: db}
	if err = s.rebuildIndex(); err != nil {
		s.Close()
		s = nil
	}
	return
}

// rebuildIndex replays the log into the index when the index lags behind.
func (s *Store) rebuildIndex() (err error) {
	blocks, err := s.ReplayLog()
	if err != nil {
		return
	}
	if len(blocks) == 0 {
		return
	}
	head, ok, err := s.Head()
	if err != nil {
		return
	}
	last := blocks[len(blocks)-1].SignedHeader.Number
	if ok && head >= last {
		return
	}
	return s.db.Update(func(tx *bolt.Tx) (err error) {
		for _, b := range blocks {
			if err = indexBlock(tx, b); err != nil {
				return
			}
		}
		return
	})
}

// ReplayLog reads every block from the append-only log, verifying record
// hashes and chain links.
func (s *Store) ReplayLog() (blocks []*types.Block, err error) {
	if _, err = s.logFile.Seek(0, io.SeekStart); err != nil {
		err = errors.Wrap(err, "seek block log failed")
		return
	}
	var prev *types.Block
	for {
		var lenBuf [4]byte
		if _, err = io.ReadFull(s.logFile, lenBuf[:]); err != nil {
			if err == io.EOF {
				err = nil
			} else {
				err = errors.Wrap(err, "read block log record length failed")
			}
			break
		}
		recLen := binary.BigEndian.Uint32(lenBuf[:])
		rec := make([]byte, int(recLen)+hash.HashSize)
		if _, err = io.ReadFull(s.logFile, rec); err != nil {
			err = errors.Wrap(ErrCorruptLog, "truncated block log record")
			break
		}
		enc := rec[:recLen]
		sum := hash.THashH(enc)
		var declared hash.Hash
		copy(declared[:], rec[recLen:])
		if !sum.IsEqual(&declared) {
			err = errors.Wrap(ErrCorruptLog, "record hash mismatch")
			break
		}
		var b *types.Block
		if b, err = types.DeserializeBlock(enc); err != nil {
			break
		}
		if err = types.VerifyChainLink(prev, b); err != nil {
			break
		}
		blocks = append(blocks, b)
		prev = b
	}
	if err == nil {
		_, err = s.logFile.Seek(0, io.SeekEnd)
	}
	return
}

func indexBlock(tx *bolt.Tx, b *types.Block) (err error) {
	enc, err := b.Serialize()
	if err != nil {
		return
	}
	key := blockKey(b.SignedHeader.Number)
	if err = tx.Bucket(blockBucket).Put(key, enc); err != nil {
		return
	}
	for i := range b.TxRecords {
		if err = tx.Bucket(txBucket).Put([]byte(b.TxRecords[i].ID), key); err != nil {
			return
		}
	}
	head := tx.Bucket(metaBucket).Get(headKey)
	if head == nil || binary.BigEndian.Uint64(head) < b.SignedHeader.Number {
		err = tx.Bucket(metaBucket).Put(headKey, key)
	}
	return
}

func blockKey(number uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, number)
	return key
}

// Append writes the block to the log and the index.
func (s *Store) Append(b *types.Block) (err error) {
	enc, err := b.Serialize()
	if err != nil {
		return
	}
	record := make([]byte, 0, 4+len(enc)+hash.HashSize)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(enc)))
	record = append(record, lenBuf[:]...)
	record = append(record, enc...)
	sum := hash.THashH(enc)
	record = append(record, sum[:]...)

	if _, err = s.logFile.Write(record); err != nil {
		err = errors.Wrap(err, "append block log failed")
		return
	}
	if err = s.logFile.Sync(); err != nil {
		err = errors.Wrap(err, "sync block log failed")
		return
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return indexBlock(tx, b)
	})
}

// SetStatus updates a block's publication status in the index. The log stays
// append-only; status is index-side metadata.
func (s *Store) SetStatus(number uint64, status types.BlockStatus) (err error) {
	b, err := s.Get(number)
	if err != nil {
		return
	}
	b.Status = status
	enc, err := b.Serialize()
	if err != nil {
		return
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blockBucket).Put(blockKey(number), enc)
	})
}

// Get returns block number n from the index.
func (s *Store) Get(number uint64) (b *types.Block, err error) {
	var enc []byte
	if err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blockBucket).Get(blockKey(number))
		if v != nil {
			enc = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return
	}
	if enc == nil {
		err = errors.Wrapf(ErrBlockNotFound, "block %d", number)
		return
	}
	return types.DeserializeBlock(enc)
}

// Head returns the highest block number in the index.
func (s *Store) Head() (number uint64, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(headKey)
		if v != nil {
			number = binary.BigEndian.Uint64(v)
			ok = true
		}
		return nil
	})
	return
}

// TxBlock returns the block containing the given transaction id.
func (s *Store) TxBlock(txID string) (b *types.Block, err error) {
	var key []byte
	if err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(txBucket).Get([]byte(txID))
		if v != nil {
			key = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return
	}
	if key == nil {
		err = errors.Wrapf(ErrBlockNotFound, "transaction %s", txID)
		return
	}
	return s.Get(binary.BigEndian.Uint64(key))
}

// Close releases the store.
func (s *Store) Close() {
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
