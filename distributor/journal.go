package distributor

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Journal is the distributor's local record of batches handed to the
// cluster. A restarted distributor replays it to re-adopt its submissions
// instead of abandoning instances the cluster is still running. Entries live
// from just after SubmitArray until every instance of the batch has settled.
type Journal struct {
	db *bolt.DB
}

// JournalBatch is one submitted batch.
type JournalBatch struct {
	ArrayID        int64            `json:"array_id"`
	BatchNumber    int              `json:"batch_number"`
	Plugin         string           `json:"plugin"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	DistributorIDs map[int64]string `json:"distributor_ids"`
}

var journalBucket = []byte("batches")

// JournalPathForRun derives the journal file for one workflow run from the
// configured base path. Bolt files take an exclusive lock, and batch keys
// carry no run id, so concurrent distributors on a host each need their own
// file. "jobmon-distributor.db" for run 5 becomes
// "jobmon-distributor-run5.db".
func JournalPathForRun(base string, runID int64) string {
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s-run%d%s", strings.TrimSuffix(base, ext), runID, ext)
}

// OpenJournal opens or creates the journal file.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening distributor journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing distributor journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func batchKey(arrayID int64, batchNumber int) []byte {
	return []byte(fmt.Sprintf("%d:%d", arrayID, batchNumber))
}

// RecordBatch persists a submitted batch before any server-side bookkeeping
// happens, so a crash between submission and binding loses nothing.
func (j *Journal) RecordBatch(batch JournalBatch) error {
	raw, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding journal batch: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Put(batchKey(batch.ArrayID, batch.BatchNumber), raw)
	})
}

// Outstanding returns every batch still journaled.
func (j *Journal) Outstanding() ([]JournalBatch, error) {
	var batches []JournalBatch
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).ForEach(func(k, v []byte) error {
			var batch JournalBatch
			if err := json.Unmarshal(v, &batch); err != nil {
				return fmt.Errorf("decoding journal entry %s: %w", k, err)
			}
			batches = append(batches, batch)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// RemoveBatch drops a settled batch.
func (j *Journal) RemoveBatch(arrayID int64, batchNumber int) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Delete(batchKey(arrayID, batchNumber))
	})
}
