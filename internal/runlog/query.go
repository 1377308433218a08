package runlog

import (
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// Filter selects a subset of runs, adapted from the audit-trail service's
// filtered Query surface (itself a time-ranged, prefix-matched cursor scan
// over a single bbolt bucket) generalised here to the run log's schema.
type Filter struct {
	Since time.Time
	Until time.Time
	Limit int
}

// Query returns runs matching f, most recent first (by StartTime), keeping
// at most f.Limit of them when f.Limit > 0. It scans the whole runs bucket.
func (s *Store) Query(f Filter) ([]Run, error) {
	var out []Run
	err := s.DB.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var run Run
			if err := jsonUnmarshalInto(v, &run); err != nil {
				return nil
			}
			if !f.Since.IsZero() && run.StartTime.Before(f.Since) {
				return nil
			}
			if !f.Until.IsZero() && run.StartTime.After(f.Until) {
				return nil
			}
			out = append(out, run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// NodeRunsForRun returns every NodeRun recorded for runID.
func (s *Store) NodeRunsForRun(runID string) ([]NodeRun, error) {
	var out []NodeRun
	prefix := []byte(runID + "\x1f")
	err := s.DB.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketNodeRuns).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var nr NodeRun
			if err := jsonUnmarshalInto(v, &nr); err != nil {
				continue
			}
			out = append(out, nr)
		}
		return nil
	})
	return out, err
}

// AverageDurations scans every recorded NodeRun whose path begins with
// rootPath and returns the mean end-start duration in seconds per node
// path, feeding internal/cost's DurationsAndRunTimes. Mirrors node_cost.py's
// avg_duration aggregation (grouped by node_path, averaging over all past
// runs) but is computed here in-process rather than via a recursive CTE.
func (s *Store) AverageDurations(rootPath []string) (map[string]float64, error) {
	sums := map[string]float64{}
	counts := map[string]int{}
	prefix := joinPath(rootPath)

	err := s.DB.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNodeRuns).ForEach(func(_, v []byte) error {
			var nr NodeRun
			if err := jsonUnmarshalInto(v, &nr); err != nil {
				return nil
			}
			if nr.EndTime == nil {
				return nil
			}
			path := joinPath(nr.NodePath)
			if len(rootPath) > 0 && !hasPrefix([]byte(path), []byte(prefix)) {
				return nil
			}
			sums[path] += nr.EndTime.Sub(nr.StartTime).Seconds()
			counts[path]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	avg := make(map[string]float64, len(sums))
	for path, sum := range sums {
		avg[path] = sum / float64(counts[path])
	}
	return avg, nil
}

// OutputsForNodeRun returns every buffered NodeOutput row for a given
// node_run key (runID + "\x1f" + joined node path).
func (s *Store) OutputsForNodeRun(runID string, nodePath []string) ([]NodeOutput, error) {
	key := nodeRunKey(runID, nodePath)
	prefix := append(append([]byte{}, key...), '\x1f')
	var out []NodeOutput
	err := s.DB.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketNodeOutputs).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var row NodeOutput
			if err := jsonUnmarshalInto(v, &row); err != nil {
				continue
			}
			out = append(out, row)
		}
		return nil
	})
	return out, err
}
