package incremental

import "go.etcd.io/bbolt"

// CountPrefixed reports, per bucket, how many rows beneath nodePath Reset
// would delete. Intended for the reset-incremental-processing CLI command to
// print a per-path/type summary before (or after) clearing them.
func (s *Store) CountPrefixed(nodePath []string) (map[string]int, error) {
	prefix := []byte(joinPath(nodePath))
	if len(nodePath) > 0 {
		prefix = append(prefix, '\x1f')
	}
	counts := map[string]int{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketProcessedFiles, bucketFileDependencies, bucketIncrementalCopyStatus} {
			b := tx.Bucket(name)
			n := 0
			c := b.Cursor()
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				n++
			}
			counts[string(name)] = n
		}
		return nil
	})
	return counts, err
}

// Reset deletes every processed-file, file-dependency, and incremental-copy
// entry whose key begins with nodePath, mirroring reset.py's
// reset_incremental_processing: a prefix match across all three bookkeeping
// tables, used to force full reprocessing of a subtree after a backfill.
func (s *Store) Reset(nodePath []string) error {
	prefix := []byte(joinPath(nodePath))
	if len(nodePath) > 0 {
		prefix = append(prefix, '\x1f')
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketProcessedFiles, bucketFileDependencies, bucketIncrementalCopyStatus} {
			b := tx.Bucket(name)
			var dead [][]byte
			c := b.Cursor()
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				dead = append(dead, append([]byte{}, k...))
			}
			for _, k := range dead {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
