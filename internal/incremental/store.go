// Package incremental implements the three bookkeeping tables that back
// incremental/selective file and row processing: which files a node has
// already read, whether a set of file dependencies changed since the last
// run, and the last cursor value of an incremental copy.
package incremental

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketProcessedFiles        = []byte("processed_files")
	bucketFileDependencies      = []byte("file_dependencies")
	bucketIncrementalCopyStatus = []byte("incremental_copy_status")
)

// Store is the bbolt-backed incremental-processing bookkeeping layer.
type Store struct {
	db *bbolt.DB
}

// Open opens the given bbolt database (typically the same file as the run
// log's, sharing one bbolt.DB instance passed in as runlog.Store.DB) and ensures the
// three buckets exist.
func Open(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketProcessedFiles, bucketFileDependencies, bucketIncrementalCopyStatus} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create incremental-processing buckets: %w", err)
	}
	return &Store{db: db}, nil
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

// --- Processed files -------------------------------------------------------

type processedFile struct {
	FileName           string    `json:"file_name"`
	LastModifiedTime   time.Time `json:"last_modified_timestamp"`
}

// TrackProcessedFile records that file_name has been processed by node_path
// at last_modified, upserting by (node_path, file_name).
func (s *Store) TrackProcessedFile(nodePath []string, fileName string, lastModified time.Time) error {
	key := []byte(joinPath(nodePath) + "\x1f" + fileName)
	row := processedFile{FileName: fileName, LastModifiedTime: lastModified}
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProcessedFiles).Put(key, data)
	})
}

// AlreadyProcessedFiles returns every file_name -> last_modified mapping
// recorded for nodePath.
func (s *Store) AlreadyProcessedFiles(nodePath []string) (map[string]time.Time, error) {
	prefix := []byte(joinPath(nodePath) + "\x1f")
	out := map[string]time.Time{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketProcessedFiles).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var row processedFile
			if err := json.Unmarshal(v, &row); err != nil {
				continue
			}
			out[row.FileName] = row.LastModifiedTime
		}
		return nil
	})
	return out, err
}

// ReadMode selects which subset of matched files a node should process.
type ReadMode int

const (
	ReadAll ReadMode = iota
	ReadOnlyLatest
	ReadOnlyNew
	ReadOnlyChanged
	ReadOnlyNewExceptLatest
)

// MatchedFile is one candidate input file along with the date extracted
// from its name (used for ONLY_LATEST / ONLY_NEW_EXCEPT_LATEST) and its
// current mtime.
type MatchedFile struct {
	Name     string
	Date     time.Time
	ModTime  time.Time
}

// SelectFiles applies mode to candidates, consulting the already-processed
// bookkeeping for nodePath. Matches the five read-mode semantics named in
// processed_files.py's calling conventions.
func (s *Store) SelectFiles(nodePath []string, candidates []MatchedFile, mode ReadMode) ([]MatchedFile, error) {
	switch mode {
	case ReadAll:
		return candidates, nil
	case ReadOnlyLatest:
		return []MatchedFile{latestOf(candidates)}, nil
	}

	already, err := s.AlreadyProcessedFiles(nodePath)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ReadOnlyNew:
		return filterNew(candidates, already), nil
	case ReadOnlyChanged:
		newOnes := filterNew(candidates, already)
		seen := map[string]bool{}
		for _, f := range newOnes {
			seen[f.Name] = true
		}
		out := append([]MatchedFile{}, newOnes...)
		for _, f := range candidates {
			if seen[f.Name] {
				continue
			}
			if last, ok := already[f.Name]; ok && f.ModTime.After(last) {
				out = append(out, f)
			}
		}
		return out, nil
	case ReadOnlyNewExceptLatest:
		newOnes := filterNew(candidates, already)
		if len(newOnes) == 0 {
			return newOnes, nil
		}
		latest := latestOf(candidates)
		out := make([]MatchedFile, 0, len(newOnes))
		for _, f := range newOnes {
			if f.Name != latest.Name {
				out = append(out, f)
			}
		}
		return out, nil
	}
	return candidates, nil
}

func filterNew(candidates []MatchedFile, already map[string]time.Time) []MatchedFile {
	out := make([]MatchedFile, 0, len(candidates))
	for _, f := range candidates {
		if _, ok := already[f.Name]; !ok {
			out = append(out, f)
		}
	}
	return out
}

func latestOf(candidates []MatchedFile) MatchedFile {
	var latest MatchedFile
	for i, f := range candidates {
		if i == 0 || f.Date.After(latest.Date) {
			latest = f
		}
	}
	return latest
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- File dependencies -------------------------------------------------------

type fileDependency struct {
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

func fileDepKey(nodePath []string, depType string) []byte {
	return []byte(joinPath(nodePath) + "\x1f" + depType)
}

// UpdateFileDependency stores the combined content hash of files, salted
// with first/last date so a date-window change invalidates the cache.
func (s *Store) UpdateFileDependency(nodePath []string, depType, basePath string, files []string, firstDate, lastDate time.Time) error {
	h, err := HashFiles(basePath, files, firstDate, lastDate)
	if err != nil {
		return err
	}
	row := fileDependency{Hash: h, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	key := fileDepKey(nodePath, depType)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFileDependencies).Put(key, data)
	})
}

// DeleteFileDependency removes the stored hash for (nodePath, depType).
func (s *Store) DeleteFileDependency(nodePath []string, depType string) error {
	key := fileDepKey(nodePath, depType)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFileDependencies).Delete(key)
	})
}

// IsModified reports whether the current content hash of files differs
// from the stored one (or none is stored yet).
func (s *Store) IsModified(nodePath []string, depType, basePath string, files []string, firstDate, lastDate time.Time) (bool, error) {
	current, err := HashFiles(basePath, files, firstDate, lastDate)
	if err != nil {
		return false, err
	}
	key := fileDepKey(nodePath, depType)
	var stored fileDependency
	var found bool
	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFileDependencies).Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &stored)
	})
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return stored.Hash != current, nil
}

// HashFiles computes the combined MD5 content hash of files (relative to
// basePath), salted with first/last date. Mirrors file_dependencies.py's
// hash() exactly: concatenation of "<first_date> <last_date>" then one
// space-separated md5 hexdigest per file, in the given order.
func HashFiles(basePath string, files []string, firstDate, lastDate time.Time) (string, error) {
	acc := firstDate.Format("2006-01-02") + " " + lastDate.Format("2006-01-02")
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(basePath, f))
		if err != nil {
			return "", fmt.Errorf("read file dependency %q: %w", f, err)
		}
		sum := md5.Sum(data)
		acc += " " + hex.EncodeToString(sum[:])
	}
	return acc, nil
}

// --- Incremental copy status -------------------------------------------------

func copyStatusKey(nodePath []string, sourceDBAlias, sourceTable string) []byte {
	return []byte(joinPath(nodePath) + "\x1f" + sourceDBAlias + "." + sourceTable)
}

// UpdateIncrementalCopyStatus stores the last comparison value observed for
// an incremental copy from (sourceDBAlias, sourceTable) by nodePath.
func (s *Store) UpdateIncrementalCopyStatus(nodePath []string, sourceDBAlias, sourceTable, lastComparisonValue string) error {
	key := copyStatusKey(nodePath, sourceDBAlias, sourceTable)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIncrementalCopyStatus).Put(key, []byte(lastComparisonValue))
	})
}

// GetIncrementalCopyStatus returns the last comparison value, or "" if none
// is stored.
func (s *Store) GetIncrementalCopyStatus(nodePath []string, sourceDBAlias, sourceTable string) (string, error) {
	key := copyStatusKey(nodePath, sourceDBAlias, sourceTable)
	var value string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketIncrementalCopyStatus).Get(key)
		if v != nil {
			value = string(v)
		}
		return nil
	})
	return value, err
}
