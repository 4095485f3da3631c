package coverage

import (
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// WriteProfile exports the aggregated coverage as a gzipped pprof profile,
// one sample per instrumented function with the hit count as its value.
// Useful for browsing hot test coverage with the standard pprof tooling.
func WriteProfile(w io.Writer, files []*FileCoverage) error {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "calls", Unit: "count"}},
		TimeNanos:  time.Now().UnixNano(),
		PeriodType: &profile.ValueType{Type: "calls", Unit: "count"},
		Period:     1,
	}

	nextID := uint64(1)
	for _, fc := range files {
		for idx, fn := range fc.Functions {
			f := &profile.Function{
				ID:        nextID,
				Name:      fn.Name,
				Filename:  fc.Path,
				StartLine: int64(fn.StartLine),
			}
			loc := &profile.Location{
				ID: nextID,
				Line: []profile.Line{
					{Function: f, Line: int64(fn.StartLine)},
				},
			}
			nextID++
			prof.Function = append(prof.Function, f)
			prof.Location = append(prof.Location, loc)
			prof.Sample = append(prof.Sample, &profile.Sample{
				Location: []*profile.Location{loc},
				Value:    []int64{int64(fc.Hits[uint32(idx)])},
			})
		}
	}

	return prof.Write(w)
}
