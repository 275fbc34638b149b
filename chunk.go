package meow

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// === Bytecode assembly ===
//
// The loader (and the test suite) builds proto code through ChunkWriter.
// Operands are packed little-endian; jump offsets are signed and relative
// to the address immediately after the operand bytes. Call and
// property-access sites reserve a u16 inline-cache slot in the parallel
// per-proto IC arrays, keeping the emitted bytecode read-only at runtime.

// ChunkWriter accumulates code and constants for one proto.
type ChunkWriter struct {
	code      []byte
	constants []Value
	callICs   int
	propICs   int
}

// NewChunkWriter returns an empty writer.
func NewChunkWriter() *ChunkWriter { return &ChunkWriter{} }

// Here returns the current code offset.
func (w *ChunkWriter) Here() int { return len(w.code) }

// Op appends an opcode byte.
func (w *ChunkWriter) Op(op OpCode) *ChunkWriter {
	w.code = append(w.code, byte(op))
	return w
}

// U8 appends one operand byte.
func (w *ChunkWriter) U8(v uint8) *ChunkWriter {
	w.code = append(w.code, v)
	return w
}

// U16 appends a little-endian u16 operand.
func (w *ChunkWriter) U16(v uint16) *ChunkWriter {
	w.code = binary.LittleEndian.AppendUint16(w.code, v)
	return w
}

// I16 appends a signed 16-bit operand.
func (w *ChunkWriter) I16(v int16) *ChunkWriter {
	return w.U16(uint16(v))
}

// I32 appends a signed 32-bit operand.
func (w *ChunkWriter) I32(v int32) *ChunkWriter {
	w.code = binary.LittleEndian.AppendUint32(w.code, uint32(v))
	return w
}

// I64 appends a signed 64-bit operand.
func (w *ChunkWriter) I64(v int64) *ChunkWriter {
	w.code = binary.LittleEndian.AppendUint64(w.code, uint64(v))
	return w
}

// F64 appends a double operand.
func (w *ChunkWriter) F64(v float64) *ChunkWriter {
	return w.I64(int64(math.Float64bits(v)))
}

// Const adds v to the constant pool and returns its index.
func (w *ChunkWriter) Const(v Value) uint16 {
	for i := range w.constants {
		if w.constants[i].StrictEq(v) {
			return uint16(i)
		}
	}
	w.constants = append(w.constants, v)
	return uint16(len(w.constants) - 1)
}

// CallIC reserves a call-site cache slot and emits its u16 index.
func (w *ChunkWriter) CallIC() *ChunkWriter {
	w.U16(uint16(w.callICs))
	w.callICs++
	return w
}

// PropIC reserves a property-site cache slot and emits its u16 index.
func (w *ChunkWriter) PropIC() *ChunkWriter {
	w.U16(uint16(w.propICs))
	w.propICs++
	return w
}

// PatchU16 rewrites an absolute u16 operand (SETUP_TRY catch offsets).
func (w *ChunkWriter) PatchU16(at int, v uint16) {
	binary.LittleEndian.PutUint16(w.code[at:], v)
}

// JumpPlaceholder emits a rel16 placeholder and returns its offset for
// PatchJump.
func (w *ChunkWriter) JumpPlaceholder() int {
	at := len(w.code)
	w.I16(0)
	return at
}

// PatchJump rewrites the placeholder at 'at' to reach the current offset.
// The offset is relative to the address just past the operand bytes.
func (w *ChunkWriter) PatchJump(at int) error {
	rel := len(w.code) - (at + 2)
	if rel < math.MinInt16 || rel > math.MaxInt16 {
		return errors.Errorf("jump displacement %d exceeds rel16", rel)
	}
	binary.LittleEndian.PutUint16(w.code[at:], uint16(int16(rel)))
	return nil
}

// JumpBack emits a rel16 reaching target (an earlier offset).
func (w *ChunkWriter) JumpBack(target int) error {
	rel := target - (len(w.code) + 2)
	if rel < math.MinInt16 || rel > math.MaxInt16 {
		return errors.Errorf("jump displacement %d exceeds rel16", rel)
	}
	w.I16(int16(rel))
	return nil
}

// Build finalizes the proto. The constant pool is immutable afterwards.
func (w *ChunkWriter) Build(h *Heap, registers, upvalues int, name *String, descs []UpvalueDesc) *Proto {
	code := make([]byte, len(w.code))
	copy(code, w.code)
	constants := make([]Value, len(w.constants))
	copy(constants, w.constants)
	return h.NewProto(registers, upvalues, name, code, constants, descs, w.callICs, w.propICs)
}

// === Operand readers (interpreter side) ===

func readU16(code []byte, ip int) uint16 {
	return binary.LittleEndian.Uint16(code[ip:])
}

func readI16(code []byte, ip int) int16 {
	return int16(binary.LittleEndian.Uint16(code[ip:]))
}

func readI32(code []byte, ip int) int32 {
	return int32(binary.LittleEndian.Uint32(code[ip:]))
}

func readI64(code []byte, ip int) int64 {
	return int64(binary.LittleEndian.Uint64(code[ip:]))
}

func readF64(code []byte, ip int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(code[ip:]))
}
