package instrument

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/wabin/leb128"
)

// Opcodes with a function-index immediate. Everything else only needs its
// immediates skipped.
const (
	opCall               = 0x10
	opReturnCall         = 0x12
	opRefFunc            = 0xd2
	opCallIndirect       = 0x11
	opReturnCallIndirect = 0x13
	opBrTable            = 0x0e
	opSelectT            = 0x1c
	opMemorySize         = 0x3f
	opMemoryGrow         = 0x40
	opI32Const           = 0x41
	opI64Const           = 0x42
	opF32Const           = 0x43
	opF64Const           = 0x44
	opRefNull            = 0xd0
	opRefIsNull          = 0xd1
	opPrefixMisc         = 0xfc
	opPrefixSIMD         = 0xfd
)

// remapFuncIndices rewrites every function-index immediate in a code body
// through remap, leaving all other bytes untouched. Returns an error on any
// opcode it cannot size, which aborts instrumentation rather than risking a
// silently corrupted body.
func remapFuncIndices(body []byte, remap func(uint32) uint32) ([]byte, error) {
	var out bytes.Buffer
	pos := 0
	mark := 0
	for pos < len(body) {
		op := body[pos]
		pos++
		if op == opCall || op == opReturnCall || op == opRefFunc {
			idx, n, err := loadUint32(body[pos:])
			if err != nil {
				return nil, fmt.Errorf("function index at offset %d: %w", pos, err)
			}
			out.Write(body[mark:pos])
			out.Write(leb128.EncodeUint32(remap(idx)))
			pos += int(n)
			mark = pos
			continue
		}
		next, err := skipImmediates(body, pos, op)
		if err != nil {
			return nil, err
		}
		pos = next
	}
	out.Write(body[mark:])
	return out.Bytes(), nil
}

// skipImmediates advances pos past the immediates of op.
func skipImmediates(body []byte, pos int, op byte) (int, error) {
	var err error
	switch {
	case op <= 0x01, op == 0x05, op >= 0x0a && op <= 0x0b, op == 0x0f,
		op == 0x1a, op == 0x1b, op >= 0x45 && op <= 0xc4, op == opRefIsNull:
		// no immediates
		return pos, nil
	case op >= 0x02 && op <= 0x04, // block, loop, if: blocktype
		op == 0x0c, op == 0x0d, // br, br_if: label
		op >= 0x20 && op <= 0x26, // local/global/table get-set: index
		op == opI32Const, op == opI64Const:
		return skipLEB(body, pos)
	case op == opBrTable:
		n, read, errLoad := loadUint32(body[pos:])
		if errLoad != nil {
			return 0, fmt.Errorf("br_table at offset %d: %w", pos, errLoad)
		}
		pos += int(read)
		for i := uint32(0); i <= n; i++ {
			if pos, err = skipLEB(body, pos); err != nil {
				return 0, err
			}
		}
		return pos, nil
	case op == opCallIndirect, op == opReturnCallIndirect: // type index, table index
		if pos, err = skipLEB(body, pos); err != nil {
			return 0, err
		}
		return skipLEB(body, pos)
	case op == opSelectT:
		n, read, errLoad := loadUint32(body[pos:])
		if errLoad != nil {
			return 0, fmt.Errorf("select at offset %d: %w", pos, errLoad)
		}
		return pos + int(read) + int(n), nil
	case op >= 0x28 && op <= 0x3e: // loads and stores: memarg
		if pos, err = skipLEB(body, pos); err != nil {
			return 0, err
		}
		return skipLEB(body, pos)
	case op == opMemorySize, op == opMemoryGrow, op == opRefNull:
		return pos + 1, nil
	case op == opF32Const:
		return pos + 4, nil
	case op == opF64Const:
		return pos + 8, nil
	case op == opPrefixMisc:
		return skipMiscImmediates(body, pos)
	case op == opPrefixSIMD:
		return 0, fmt.Errorf("SIMD opcode at offset %d: vector instructions are not supported by the rewriter", pos-1)
	}
	return 0, fmt.Errorf("unsupported opcode 0x%02x at offset %d", op, pos-1)
}

// skipMiscImmediates handles the 0xfc-prefixed instructions (saturating
// truncation, bulk memory, table ops).
func skipMiscImmediates(body []byte, pos int) (int, error) {
	sub, read, err := loadUint32(body[pos:])
	if err != nil {
		return 0, fmt.Errorf("misc opcode at offset %d: %w", pos, err)
	}
	pos += int(read)
	switch sub {
	case 0, 1, 2, 3, 4, 5, 6, 7: // trunc_sat
		return pos, nil
	case 8: // memory.init: data index, memory index byte
		if pos, err = skipLEB(body, pos); err != nil {
			return 0, err
		}
		return pos + 1, nil
	case 9, 13: // data.drop, elem.drop
		return skipLEB(body, pos)
	case 10: // memory.copy: two memory index bytes
		return pos + 2, nil
	case 11: // memory.fill
		return pos + 1, nil
	case 12, 14: // table.init, table.copy
		if pos, err = skipLEB(body, pos); err != nil {
			return 0, err
		}
		return skipLEB(body, pos)
	case 15, 16, 17: // table.grow, table.size, table.fill
		return skipLEB(body, pos)
	}
	return 0, fmt.Errorf("unsupported misc opcode 0xfc %d", sub)
}

// loadUint32 decodes one LEB128 uint32 from the start of b, returning the
// value and the number of bytes it occupied.
func loadUint32(b []byte) (uint32, uint64, error) {
	return leb128.DecodeUint32(bytes.NewReader(b))
}

func skipLEB(body []byte, pos int) (int, error) {
	for {
		if pos >= len(body) {
			return 0, fmt.Errorf("truncated LEB128 immediate at end of body")
		}
		b := body[pos]
		pos++
		if b&0x80 == 0 {
			return pos, nil
		}
	}
}
