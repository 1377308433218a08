// Package cost computes node priorities from historical run durations, so
// the scheduler can run the longest critical path first.
package cost

import (
	"fmt"
	"math"
	"strconv"

	"github.com/mara-data/dataflow/internal/dag"
)

// History supplies average durations per node path, as recorded by the run
// log (C9). Paths are joined with dag.PathString.
type History map[string]float64

// DurationsAndRunTimes computes, for every node below root (inclusive), its
// average run time (the sum of avg_duration over all leaf/non-pipeline
// descendants). This mirrors node_cost.py's node_durations_and_run_times SQL
// aggregation as an in-memory fold over the node tree plus the supplied
// per-path average-duration history.
func DurationsAndRunTimes(root dag.Node, avgDuration History) map[string]float64 {
	runTimes := map[string]float64{}
	var walk func(n dag.Node) float64
	walk = func(n dag.Node) float64 {
		path := dag.PathString(n.Path())
		if p, ok := n.(*dag.Pipeline); ok {
			var sum float64
			for _, child := range p.Nodes() {
				sum += walk(child)
			}
			runTimes[path] = sum
			return sum
		}
		d := avgDuration[path]
		runTimes[path] = d
		return d
	}
	walk(root)
	return runTimes
}

// Compute returns cost(n) = avg_run_time(n) + max(cost(d) for d in
// n.downstreams, default 0), computed lazily and memoised per node via
// dag.Node.SetCost/Cost.
func Compute(n dag.Node, runTimes map[string]float64) float64 {
	if c, ok := n.Cost(); ok {
		return c
	}
	maxDownstream := 0.0
	for _, d := range n.Downstreams() {
		if dc := Compute(d, runTimes); dc > maxDownstream {
			maxDownstream = dc
		}
	}
	runTime := runTimes[dag.PathString(n.Path())]
	total := runTime + maxDownstream
	n.SetCost(total)
	return total
}

// FormatDuration renders a duration in the source's human-readable form:
// "0.1s", "5.6s", "1:10m", "1:06h" (sub-minute values are rounded to one
// decimal).
func FormatDuration(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := math.Floor(seconds / 3600)
	seconds -= 3600 * hours
	minutes := math.Floor(seconds / 60)
	seconds -= 60 * minutes

	switch {
	case hours > 0:
		return fmt.Sprintf("%d:%02dh", int(hours), int(minutes))
	case minutes > 0:
		return fmt.Sprintf("%d:%02dm", int(minutes), int(math.Floor(seconds)))
	default:
		return strconv.FormatFloat(math.Round(seconds*10)/10, 'f', -1, 64) + "s"
	}
}
