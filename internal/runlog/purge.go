package runlog

import (
	"time"

	"go.etcd.io/bbolt"
)

// Purge deletes every Run (and its NodeRuns/NodeOutputs) whose StartTime is
// older than retention, plus every SystemStatistics row older than
// retention. Called on every RunFinished event and, redundantly, by the
// C17 cron sweep so idle installs still reclaim space.
func (s *Store) Purge(retention time.Duration) error {
	cutoff := time.Now().Add(-retention)

	return s.DB.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		nodeRuns := tx.Bucket(bucketNodeRuns)
		nodeOutputs := tx.Bucket(bucketNodeOutputs)
		stats := tx.Bucket(bucketSystemStatistics)

		var expiredRunIDs []string
		if err := runs.ForEach(func(k, v []byte) error {
			var run Run
			if err := jsonUnmarshalInto(v, &run); err != nil {
				return nil
			}
			if run.StartTime.Before(cutoff) {
				expiredRunIDs = append(expiredRunIDs, run.RunID)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, runID := range expiredRunIDs {
			prefix := []byte(runID + "\x1f")
			c := nodeRuns.Cursor()
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				outPrefix := append(append([]byte{}, k...), '\x1f')
				oc := nodeOutputs.Cursor()
				for ok, _ := oc.Seek(outPrefix); ok != nil && hasPrefix(ok, outPrefix); ok, _ = oc.Next() {
					if err := nodeOutputs.Delete(ok); err != nil {
						return err
					}
				}
				if err := nodeRuns.Delete(k); err != nil {
					return err
				}
			}
			if err := runs.Delete([]byte(runID)); err != nil {
				return err
			}
		}

		var expiredStats [][]byte
		if err := stats.ForEach(func(k, v []byte) error {
			var row SystemStatisticsRow
			if err := jsonUnmarshalInto(v, &row); err != nil {
				return nil
			}
			if row.Timestamp.Before(cutoff) {
				expiredStats = append(expiredStats, append([]byte{}, k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expiredStats {
			if err := stats.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// CloseOpenRunAfterError implements crash-safe closure: it sets
// end_time=now, succeeded=false on the given Run and on every NodeRun under
// it that is still open (end_time IS NULL). Called by CloseAllOpenRuns for
// every run it finds still open.
func (s *Store) CloseOpenRunAfterError(runID string) error {
	now := time.Now()
	failed := false

	return s.DB.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		var run Run
		if ok, err := getJSON(tx, bucketRuns, []byte(runID), &run); err != nil {
			return err
		} else if ok && run.EndTime == nil {
			run.EndTime = &now
			run.Succeeded = &failed
			if err := putJSON(tx, bucketRuns, []byte(runID), run); err != nil {
				return err
			}
		}
		_ = runs

		nodeRuns := tx.Bucket(bucketNodeRuns)
		prefix := []byte(runID + "\x1f")
		c := nodeRuns.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var nr NodeRun
			if err := jsonUnmarshalInto(v, &nr); err != nil {
				continue
			}
			if nr.EndTime != nil {
				continue
			}
			nr.EndTime = &now
			nr.Succeeded = &failed
			if err := putJSON(tx, bucketNodeRuns, k, nr); err != nil {
				return err
			}
		}
		return nil
	})
}

// CloseAllOpenRuns is the crash-recovery sweep run at process startup: any
// Run left with end_time IS NULL from a previous abnormal termination is
// closed as failed.
func (s *Store) CloseAllOpenRuns() (int, error) {
	var openRunIDs []string
	err := s.DB.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run Run
			if err := jsonUnmarshalInto(v, &run); err != nil {
				return nil
			}
			if run.EndTime == nil {
				openRunIDs = append(openRunIDs, run.RunID)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	for _, id := range openRunIDs {
		if err := s.CloseOpenRunAfterError(id); err != nil {
			return 0, err
		}
	}
	return len(openRunIDs), nil
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
