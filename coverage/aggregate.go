// Package coverage merges per-test hit counters into per-file summaries and
// serializes them for external tooling.
package coverage

import (
	"sort"
	"sync"

	"github.com/wasmcheck/wasmcheck/model"
)

// FileCoverage is the summed coverage for one source file.
type FileCoverage struct {
	Path string
	// Functions is the ordered metadata from instrumentation; position is
	// the counter index
	Functions []model.FunctionInfo
	// Hits sums every test's counters, keyed by counter index
	Hits map[uint32]uint64
}

// Aggregator holds the process-wide coverage map, keyed by file path. Each
// key is written by exactly one file pipeline, so writers never contend on
// the same entry; the mutex only guards the map itself.
type Aggregator struct {
	mu    sync.Mutex
	files map[string]*FileCoverage
}

func NewAggregator() *Aggregator {
	return &Aggregator{files: make(map[string]*FileCoverage)}
}

// Add merges one test's counters into the file's summary.
func (a *Aggregator) Add(path string, funcs []model.FunctionInfo, counters model.CoverageCounters) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fc, ok := a.files[path]
	if !ok {
		fc = &FileCoverage{Path: path, Functions: funcs, Hits: make(map[uint32]uint64)}
		a.files[path] = fc
	}
	for idx, n := range counters {
		fc.Hits[idx] += n
	}
}

// Snapshot returns the per-file summaries sorted by path.
func (a *Aggregator) Snapshot() []*FileCoverage {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*FileCoverage, 0, len(a.files))
	for _, fc := range a.files {
		out = append(out, fc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Reset clears the map; called at shutdown between watch-mode runs.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = make(map[string]*FileCoverage)
}
