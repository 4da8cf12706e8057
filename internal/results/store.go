// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package results keeps the history of test runs in a boltdb file.
package results

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/golang/snappy"
	"github.com/google/uuid"
)

var (
	mode       = 0600
	runsBucket = []byte("runs")
)

// Outcome is how a scenario ended.
type Outcome string

const (
	Passed  Outcome = "passed"
	Failed  Outcome = "failed"
	Skipped Outcome = "skipped"
	Aborted Outcome = "aborted" // The scenario's setup or teardown failed.
)

// Record is the result of one scenario.
type Record struct {
	Suite   string        `json:"suite"`
	Test    string        `json:"test"`
	Outcome Outcome       `json:"outcome"`
	Error   string        `json:"error,omitempty"`
	Started time.Time     `json:"started"`
	Elapsed time.Duration `json:"elapsed"`

	// Diagnostics are stored compressed, they can be large.
	Diagnostics string `json:"-"`
	Compressed  []byte `json:"diagnostics,omitempty"`
}

// Run describes one invocation of the harness.
type Run struct {
	ID      string    `json:"id"`
	Suite   string    `json:"suite"`
	Started time.Time `json:"started"`
}

// Store is an on-disk result history backed by boltdb. Each run has its
// own bucket holding the run description and its records in order.
type Store struct {
	db *bolt.DB
}

var runKey = []byte("run")

// Open opens the store at path, creating it if needed.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, os.FileMode(mode), &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open results db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// BeginRun registers a new run of suite and returns its id.
func (s *Store) BeginRun(suite string) (string, error) {
	run := Run{ID: uuid.New().String(), Suite: suite, Started: time.Now()}
	b, err := json.Marshal(run)
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		rb, err := tx.Bucket(runsBucket).CreateBucket([]byte(run.ID))
		if err != nil {
			return err
		}
		return rb.Put(runKey, b)
	})
	return run.ID, err
}

// Record appends a scenario result to a run.
func (s *Store) Record(runID string, rec Record) error {
	if rec.Diagnostics != "" {
		rec.Compressed = snappy.Encode(nil, []byte(rec.Diagnostics))
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(runsBucket).Bucket([]byte(runID))
		if rb == nil {
			return fmt.Errorf("unknown run %q", runID)
		}
		seq, err := rb.NextSequence()
		if err != nil {
			return err
		}
		return rb.Put(seqKey(seq), b)
	})
}

// Results returns the records of a run in the order they were recorded.
func (s *Store) Results(runID string) (out []Record, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		rb := tx.Bucket(runsBucket).Bucket([]byte(runID))
		if rb == nil {
			return fmt.Errorf("unknown run %q", runID)
		}
		return rb.ForEach(func(k, v []byte) error {
			if string(k) == string(runKey) {
				return nil
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if len(rec.Compressed) > 0 {
				d, err := snappy.Decode(nil, rec.Compressed)
				if err != nil {
					return fmt.Errorf("corrupt diagnostics of %s: %w", rec.Test, err)
				}
				rec.Diagnostics, rec.Compressed = string(d), nil
			}
			out = append(out, rec)
			return nil
		})
	})
	return
}

// Runs returns every run, oldest first.
func (s *Store) Runs() (out []Run, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(tx.Bucket(runsBucket).Bucket(k).Get(runKey), &run); err != nil {
				return err
			}
			out = append(out, run)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// seqKey encodes big-endian so records iterate in sequence order. The
// leading zero byte sorts them before runKey.
func seqKey(seq uint64) []byte {
	var b [9]byte
	binary.BigEndian.PutUint64(b[1:], seq)
	return b[:]
}
