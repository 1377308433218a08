package paralleltask

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mara-data/dataflow/internal/command"
	"github.com/mara-data/dataflow/internal/dag"
	"github.com/mara-data/dataflow/internal/incremental"
)

var idSanitizer = regexp.MustCompile(`[^0-9a-z\-_]+`)

func sanitizeID(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "-", "_"))
	s = idSanitizer.ReplaceAllString(s, "")
	if s == "" {
		s = "file"
	}
	return s
}

// ReadFileSpec configures ParallelReadFile.
type ReadFileSpec struct {
	DataDir                  string
	FilePattern              string // glob, relative to DataDir
	DateRegex                *regexp.Regexp // must have 3 numeric capture groups: year, month, day
	ReadMode                 incremental.ReadMode
	FileDependencies         []string
	MaxNumberOfParallelTasks int
	FirstDate                time.Time
	LastDate                 time.Time
	CommandsBefore           []command.Command
	CommandsAfter            []command.Command
	// ReadCommand builds the command that reads one matched file.
	ReadCommand func(fileName string) command.Command
	Store       *incremental.Store
}

// ParallelReadFile builds a ParallelTask that, when launched, matches files
// against FilePattern under DataDir, narrows them by ReadMode (consulting
// Store for already-processed/changed bookkeeping), and runs one ReadCommand
// per selected file.
func ParallelReadFile(id, description string, labels map[string]string, spec ReadFileSpec) (*dag.ParallelTask, error) {
	pt, err := dag.NewParallelTask(id, description, labels, spec.MaxNumberOfParallelTasks, nil)
	if err != nil {
		return nil, err
	}
	pt.Launch = func() (*dag.Pipeline, error) {
		return launchReadFile(pt, spec)
	}
	return pt, nil
}

func launchReadFile(pt *dag.ParallelTask, spec ReadFileSpec) (*dag.Pipeline, error) {
	matches, err := filepath.Glob(filepath.Join(spec.DataDir, spec.FilePattern))
	if err != nil {
		return nil, fmt.Errorf("paralleltask: glob %q: %w", spec.FilePattern, err)
	}

	candidates := make([]incremental.MatchedFile, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(spec.DataDir, m)
		if err != nil {
			return nil, err
		}
		date, ok, err := extractDate(rel, spec.DateRegex)
		if err != nil {
			return nil, err
		}
		if spec.DateRegex != nil {
			if !ok || date.Before(spec.FirstDate) {
				continue
			}
		}
		info, err := os.Stat(m)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, incremental.MatchedFile{Name: rel, Date: date, ModTime: info.ModTime()})
	}
	if spec.DateRegex != nil {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Date.After(candidates[j].Date) })
	} else {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name > candidates[j].Name })
	}

	basePath := ""
	if parent := pt.Parent(); parent != nil {
		basePath = parent.BasePath
	}

	selected := candidates
	reprocessAll := false
	if len(spec.FileDependencies) > 0 && spec.ReadMode != incremental.ReadAll {
		changed, err := spec.Store.IsModified(pt.Path(), "ParallelReadFile", basePath, spec.FileDependencies, spec.FirstDate, spec.LastDate)
		if err != nil {
			return nil, err
		}
		reprocessAll = changed
	}
	if !reprocessAll {
		selected, err = spec.Store.SelectFiles(pt.Path(), candidates, spec.ReadMode)
		if err != nil {
			return nil, err
		}
	}

	commandsAfter := spec.CommandsAfter
	if spec.ReadMode != incremental.ReadAll && len(spec.FileDependencies) > 0 {
		dep := spec.FileDependencies
		commandsAfter = append(append([]command.Command{}, commandsAfter...), &command.Func{
			Fn: func(ctx context.Context, sink command.OutputSink) bool {
				return spec.Store.UpdateFileDependency(pt.Path(), "ParallelReadFile", basePath, dep, spec.FirstDate, spec.LastDate) == nil
			},
			Repr: "update_file_dependencies",
		})
	}

	units := make([]Unit, 0, len(selected))
	for _, f := range selected {
		f := f
		cmds := []command.Command{spec.ReadCommand(f.Name)}
		if spec.ReadMode != incremental.ReadAll {
			cmds = append(cmds, &command.Func{
				Fn: func(ctx context.Context, sink command.OutputSink) bool {
					return spec.Store.TrackProcessedFile(pt.Path(), f.Name, f.ModTime) == nil
				},
				Repr: "track_processed_file:" + f.Name,
			})
		}
		units = append(units, Unit{ID: sanitizeID(f.Name), Description: fmt.Sprintf("Reads %s", f.Name), Commands: cmds})
	}

	return Expand(pt.ID(), units, spec.MaxNumberOfParallelTasks, spec.CommandsBefore, commandsAfter)
}

func extractDate(relPath string, re *regexp.Regexp) (time.Time, bool, error) {
	if re == nil {
		return time.Time{}, false, nil
	}
	m := re.FindStringSubmatch(relPath)
	if m == nil || len(m) < 4 {
		return time.Time{}, false, fmt.Errorf("paralleltask: file name %q does not match date regex %q", relPath, re.String())
	}
	y, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false, err
	}
	mo, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, false, err
	}
	d, err := strconv.Atoi(m[3])
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC), true, nil
}
