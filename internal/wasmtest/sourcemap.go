package wasmtest

import (
	"encoding/json"
	"sort"
	"strings"
)

// Mapping is one segment of a built debug map. Wasm debug maps place all
// generated positions on line 1, with the column holding the code offset.
type Mapping struct {
	GenCol int
	Source int // index into sources
	Line   int // 0-based original line
	Col    int // 0-based original column
	Name   int // index into names, -1 for none
}

// SourceMap encodes a version-3 source map with a single generated line.
func SourceMap(sources, names []string, mappings []Mapping) []byte {
	sorted := make([]Mapping, len(mappings))
	copy(sorted, mappings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GenCol < sorted[j].GenCol })

	var b strings.Builder
	prevGen, prevSrc, prevLine, prevCol, prevName := 0, 0, 0, 0, 0
	for i, m := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(vlq(m.GenCol - prevGen))
		b.WriteString(vlq(m.Source - prevSrc))
		b.WriteString(vlq(m.Line - prevLine))
		b.WriteString(vlq(m.Col - prevCol))
		prevGen, prevSrc, prevLine, prevCol = m.GenCol, m.Source, m.Line, m.Col
		if m.Name >= 0 {
			b.WriteString(vlq(m.Name - prevName))
			prevName = m.Name
		}
	}

	out, _ := json.Marshal(struct {
		Version  int      `json:"version"`
		Sources  []string `json:"sources"`
		Names    []string `json:"names"`
		Mappings string   `json:"mappings"`
	}{Version: 3, Sources: sources, Names: names, Mappings: b.String()})
	return out
}

const vlqChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

func vlq(v int) string {
	u := uint32(v) << 1
	if v < 0 {
		u = uint32(-v)<<1 | 1
	}
	var s []byte
	for {
		digit := u & 0x1f
		u >>= 5
		if u != 0 {
			digit |= 0x20
		}
		s = append(s, vlqChars[digit])
		if u == 0 {
			return string(s)
		}
	}
}
