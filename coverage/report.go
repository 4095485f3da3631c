package coverage

import (
	"bufio"
	"fmt"
	"io"
	"sort"
)

// WriteLCOV serializes the per-file summaries in the LCOV record layout
// consumed by external coverage tooling:
//
//	SF:<path>
//	FN:<line>,<name>        one per function with known line metadata
//	FNDA:<count>,<name>
//	FNF:<found> / FNH:<hit>
//	DA:<line>,<count>       one per distinct covered line
//	LF:<found> / LH:<hit>
//	end_of_record
//
// Functions lacking line metadata are omitted, never zero-filled; functions
// sharing a start line have their counts summed.
func WriteLCOV(w io.Writer, files []*FileCoverage) error {
	bw := bufio.NewWriter(w)
	for _, fc := range files {
		fmt.Fprintf(bw, "SF:%s\n", fc.Path)

		found, hit := 0, 0
		lineCounts := make(map[int]uint64)
		for idx, fn := range fc.Functions {
			if fn.StartLine <= 0 {
				continue
			}
			count := fc.Hits[uint32(idx)]
			fmt.Fprintf(bw, "FN:%d,%s\n", fn.StartLine, fn.Name)
			fmt.Fprintf(bw, "FNDA:%d,%s\n", count, fn.Name)
			found++
			if count > 0 {
				hit++
			}
			lineCounts[fn.StartLine] += count
		}
		fmt.Fprintf(bw, "FNF:%d\n", found)
		fmt.Fprintf(bw, "FNH:%d\n", hit)

		lines := make([]int, 0, len(lineCounts))
		for line := range lineCounts {
			lines = append(lines, line)
		}
		sort.Ints(lines)

		lf, lh := 0, 0
		for _, line := range lines {
			fmt.Fprintf(bw, "DA:%d,%d\n", line, lineCounts[line])
			lf++
			if lineCounts[line] > 0 {
				lh++
			}
		}
		fmt.Fprintf(bw, "LF:%d\n", lf)
		fmt.Fprintf(bw, "LH:%d\n", lh)
		fmt.Fprintln(bw, "end_of_record")
	}
	return bw.Flush()
}
