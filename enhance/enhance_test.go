package enhance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmcheck/wasmcheck/internal/wasmtest"
	"github.com/wasmcheck/wasmcheck/model"
)

// testMap covers two sources: a helper library at offset 0x10 and the test
// file itself at offset 0x20.
func testMap() []byte {
	return wasmtest.SourceMap(
		[]string{"src/math.test", "lib/helpers.src"},
		[]string{"math::check_sum", "helpers/assert_equal"},
		[]wasmtest.Mapping{
			{GenCol: 0x10, Source: 1, Line: 7, Col: 2, Name: 1},
			{GenCol: 0x20, Source: 0, Line: 41, Col: 4, Name: 0},
		},
	)
}

func TestResolve(t *testing.T) {
	e, err := New(testMap())
	require.NoError(t, err)

	sf, ok := e.Resolve(model.Frame{FuncIndex: 5, Offset: 0x20})
	require.True(t, ok)
	require.Equal(t, "check_sum", sf.Function)
	require.Equal(t, "src/math.test", sf.File)
	require.Equal(t, 42, sf.Line)
	require.Equal(t, 4, sf.Column)
}

func TestResolveUnmappedOffset(t *testing.T) {
	e, err := New(testMap())
	require.NoError(t, err)

	// Offsets before the first mapping belong to runtime internals.
	_, ok := e.Resolve(model.Frame{FuncIndex: 0, Offset: 0x05})
	require.False(t, ok)
}

func TestApplyPrefersTestFileFrame(t *testing.T) {
	e, err := New(testMap())
	require.NoError(t, err)

	res := &model.TestResult{
		Name:  "sum",
		Error: "assertion failed",
		Trap: &model.TrapInfo{
			Message: "assertion failed",
			RawStack: []model.Frame{
				{FuncIndex: 3, Offset: 0x10}, // helper frame, mapped first
				{FuncIndex: 4, Offset: 0x20}, // test file frame
			},
		},
	}
	e.Apply(res, "math.test")

	require.Len(t, res.SourceStack, 2)
	require.Equal(t, "assert_equal", res.SourceStack[0].Function)
	require.Equal(t, "check_sum", res.SourceStack[1].Function)
	// The primary location is the test file frame, not the topmost frame.
	require.Equal(t, "assertion failed → check_sum (src/math.test:42:4)", res.Error)
}

func TestApplyFallsBackToFirstMappedFrame(t *testing.T) {
	e, err := New(testMap())
	require.NoError(t, err)

	res := &model.TestResult{
		Error: "unreachable",
		Trap: &model.TrapInfo{
			Message:  "unreachable",
			RawStack: []model.Frame{{FuncIndex: 3, Offset: 0x10}},
		},
	}
	e.Apply(res, "other.test")

	require.Equal(t, "unreachable → assert_equal (lib/helpers.src:8:2)", res.Error)
}

func TestApplyDropsUnmappedFrames(t *testing.T) {
	e, err := New(testMap())
	require.NoError(t, err)

	res := &model.TestResult{
		Error: "trap",
		Trap: &model.TrapInfo{
			Message: "trap",
			RawStack: []model.Frame{
				{FuncIndex: 0, Offset: 0x05}, // runtime internal, no mapping
				{FuncIndex: 4, Offset: 0x20},
			},
		},
	}
	e.Apply(res, "math.test")

	require.Len(t, res.SourceStack, 1)
	require.Equal(t, "check_sum", res.SourceStack[0].Function)
}

func TestApplyLeavesResultWithoutTrap(t *testing.T) {
	e, err := New(testMap())
	require.NoError(t, err)

	res := &model.TestResult{Name: "ok", Passed: true}
	e.Apply(res, "math.test")
	require.Empty(t, res.SourceStack)
	require.Empty(t, res.Error)
}

func TestNewRejectsGarbage(t *testing.T) {
	_, err := New([]byte("not a map"))
	require.Error(t, err)
}

func TestSimpleName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"check_sum", "check_sum"},
		{"math::check_sum", "check_sum"},
		{"lib/math.Calculator#sum", "sum"},
		{"a/b/c", "c"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, simpleName(tt.in), tt.in)
	}
}
