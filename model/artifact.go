package model

// CompiledArtifact holds everything produced for one source file by the
// compile and instrumentation phases. It is owned by the cache, treated as
// immutable, and replaced wholesale on recompile.
type CompiledArtifact struct {
	// Path of the source file this artifact was compiled from
	Path string `json:"path"`
	// CleanBinary is the unmodified compiler output
	CleanBinary []byte `json:"-"`
	// InstrumentedBinary carries per-function coverage counters; nil when
	// coverage is disabled
	InstrumentedBinary []byte `json:"-"`
	// DebugMap is the raw source map emitted by the compiler, if any
	DebugMap []byte `json:"-"`
	// Functions is the ordered metadata for instrumented functions; the
	// slice position is the counter index reported at runtime
	Functions []FunctionInfo `json:"functions,omitempty"`
	// Tests discovered for this artifact, cached for its generation
	Tests []DiscoveredTest `json:"tests,omitempty"`
	// Generation of the source file at the time compilation was requested
	Generation uint64 `json:"generation"`
}

// FunctionInfo correlates one instrumented function with its source lines.
// The position in CompiledArtifact.Functions is the counter index.
type FunctionInfo struct {
	// Name of the function as recorded in the binary's name section
	Name string `json:"name"`
	// FileIndex into the compiler's source file list
	FileIndex int `json:"file_index"`
	// StartLine and EndLine delimit the function body in the source file
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// LineRange is one entry of the compile-time line table, keyed by function
// name (see LineTable).
type LineRange struct {
	FileIndex int `json:"file_index" yaml:"file_index"`
	StartLine int `json:"start_line" yaml:"start_line"`
	EndLine   int `json:"end_line" yaml:"end_line"`
}

// LineTable maps function names to their source line ranges. It is produced
// at compile time and consumed by the instrumenter in the same traversal
// that injects counters, so metadata and counter indices cannot drift.
type LineTable map[string]LineRange

// DiscoveredTest identifies one registered test. TableIndex is the
// position of the test body in the binary's callable function table; test
// bodies are anonymous and have no stable export name to call instead.
type DiscoveredTest struct {
	Name       string `json:"name"`
	TableIndex uint32 `json:"table_index"`
}

// CoverageCounters is the sparse per-test hit map, keyed by the counter
// index assigned during instrumentation. Created fresh per execution and
// merged into the aggregator afterward.
type CoverageCounters map[uint32]uint64
