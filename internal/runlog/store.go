// Package runlog persists every event emitted during a run into an
// embedded BoltDB database, with crash-safe closure of any run left open by
// an abnormal process exit.
package runlog

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketRuns             = []byte("runs")
	bucketNodeRuns         = []byte("node_runs")
	bucketNodeOutputs      = []byte("node_outputs")
	bucketSystemStatistics = []byte("system_statistics")
)

// Run is the persisted record of one engine invocation.
type Run struct {
	RunID     string     `json:"run_id"`
	NodePath  []string   `json:"node_path"`
	PID       int        `json:"pid"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Succeeded *bool      `json:"succeeded,omitempty"`
}

// NodeRun is the persisted record of one node's execution within a run.
type NodeRun struct {
	NodeRunID  string     `json:"node_run_id"`
	RunID      string     `json:"run_id"`
	NodePath   []string   `json:"node_path"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Succeeded  *bool      `json:"succeeded,omitempty"`
	IsPipeline bool       `json:"is_pipeline"`
}

// NodeOutput is one buffered output line, flushed in a batch on NodeFinished.
type NodeOutput struct {
	NodeRunID string    `json:"node_run_id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Format    string    `json:"format"`
	IsError   bool      `json:"is_error"`
}

// SystemStatisticsRow is one sampled host-metrics row.
type SystemStatisticsRow struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	DiscRead  *float64  `json:"disc_read,omitempty"`
	DiscWrite *float64  `json:"disc_write,omitempty"`
	NetRecv   *float64  `json:"net_recv,omitempty"`
	NetSent   *float64  `json:"net_sent,omitempty"`
	CPUUsage  *float64  `json:"cpu_usage,omitempty"`
	MemUsage  *float64  `json:"mem_usage,omitempty"`
	SwapUsage *float64  `json:"swap_usage,omitempty"`
	IOWait    *float64  `json:"iowait,omitempty"`
}

// Store is the bbolt-backed persistence layer for C9 (run log); its DB
// handle is also shared with the incremental-processing store (C10), matching the
// teacher's one-WorkflowStore-per-process convention.
type Store struct {
	DB *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at path and ensures
// every run-log bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketNodeRuns, bucketNodeOutputs, bucketSystemStatistics} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create run log buckets: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func nodeRunKey(runID string, path []string) []byte {
	return []byte(runID + "\x1f" + joinPath(path))
}

func joinPath(path []string) string {
	s := ""
	for i, p := range path {
		if i > 0 {
			s += "\x1f"
		}
		s += p
	}
	return s
}

func putJSON(tx *bbolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

func getJSON(tx *bbolt.Tx, bucket, key []byte, v any) (bool, error) {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func jsonUnmarshalInto(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
