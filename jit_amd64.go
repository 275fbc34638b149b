//go:build amd64 && linux

package meow

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// === Template JIT: whitelisted bytecode → x86-64 ===
//
// Translates protos made of integer arithmetic, integer comparisons,
// fused compare-and-jump, LOAD_INT, MOVE and HALT into native code that
// shares the interpreter's Value layout and register-file convention.
// Up to five hot VM registers map to callee-saved machine registers;
// integers are unboxed on entry (shift left 16, arithmetic shift right
// 16) and reboxed on exit by masking the payload and OR-ing the
// discriminant back in. Jump fixups patch after linear emission through
// the bytecode-offset → native-offset map. Anything outside the subset
// bails out to the interpreter; the JIT is never required for
// correctness.

// x86-64 register numbers.
const (
	regRAX = 0
	regRBX = 3
	regRDI = 7
	regR11 = 11
	regR12 = 12
	regR13 = 13
	regR14 = 14
	regR15 = 15
)

// Condition codes (second byte of 0F 8x jcc / 0F 9x setcc).
const (
	ccE  = 0x4
	ccNE = 0x5
	ccL  = 0xC
	ccGE = 0xD
	ccLE = 0xE
	ccG  = 0xF
)

// vmRegMap maps the first five VM registers to callee-saved machine
// registers.
var vmRegMap = [5]int{regRBX, regR12, regR13, regR14, regR15}

const jitMaxRegs = len(vmRegMap)

const (
	kindInt  = 0
	kindBool = 1
)

// jitCode is one compiled proto: an executable mapping plus the
// bytecode-offset → native-offset map used for fixups and diagnostics.
type jitCode struct {
	mem       []byte
	nativeMap map[int]int
}

func (c *jitCode) size() int { return len(c.mem) }

// NativeOffset reports where a bytecode offset landed in native code.
func (c *jitCode) NativeOffset(bytecodeOff int) (int, bool) {
	off, ok := c.nativeMap[bytecodeOff]
	return off, ok
}

// run enters the compiled code with the register-file pointer. Go's
// amd64 internal ABI delivers the first argument in RAX; the emitted
// prologue moves it to RDI and never touches the Go stack, so the call
// needs no frame accounting. A Go func value is a pointer to a funcval
// whose first word is the entry PC, so the trampoline needs two levels:
// codeAddr plays the funcval (its stored word IS the entry address) and
// the func value itself is the address of codeAddr.
func (c *jitCode) run(regs *Value) {
	codeAddr := uintptr(unsafe.Pointer(&c.mem[0]))
	funcVal := &codeAddr
	fn := *(*func(*Value))(unsafe.Pointer(&funcVal))
	fn(regs)
}

type jumpFixup struct {
	patchPos       int // position of the rel32 field
	targetBytecode int // -1 targets the epilogue
}

type jitCompiler struct {
	buf       []byte
	fixups    []jumpFixup
	nativeMap map[int]int
	regKind   [jitMaxRegs]uint8
}

// === Instruction encoding ===

func (g *jitCompiler) emit(bs ...byte) { g.buf = append(g.buf, bs...) }

func (g *jitCompiler) emitU32(v uint32) {
	g.buf = binary.LittleEndian.AppendUint32(g.buf, v)
}

func (g *jitCompiler) emitU64(v uint64) {
	g.buf = binary.LittleEndian.AppendUint64(g.buf, v)
}

func (g *jitCompiler) emitRex(w, r, x, b bool) {
	rex := byte(0x40)
	if w {
		rex |= 0x08
	}
	if r {
		rex |= 0x04
	}
	if x {
		rex |= 0x02
	}
	if b {
		rex |= 0x01
	}
	g.emit(rex)
}

// emitMovRegImm64 emits `movabs reg, imm64`.
func (g *jitCompiler) emitMovRegImm64(reg int, val uint64) {
	g.emitRex(true, false, false, reg >= 8)
	g.emit(byte(0xB8 + (reg & 7)))
	g.emitU64(val)
}

// emitMovRegReg emits `mov dst, src`.
func (g *jitCompiler) emitMovRegReg(dst, src int) {
	g.emitRex(true, dst >= 8, false, src >= 8)
	g.emit(0x8B, byte(0xC0|((dst&7)<<3)|(src&7)))
}

// emitAluRegReg emits a reg-to-reg ALU op with src in the reg field
// (opcodes 01 add, 29 sub, 09 or, 21 and, 39 cmp).
func (g *jitCompiler) emitAluRegReg(opcode byte, dst, src int) {
	g.emitRex(true, src >= 8, false, dst >= 8)
	g.emit(opcode, byte(0xC0|((src&7)<<3)|(dst&7)))
}

// emitImulRegReg emits `imul dst, src`.
func (g *jitCompiler) emitImulRegReg(dst, src int) {
	g.emitRex(true, dst >= 8, false, src >= 8)
	g.emit(0x0F, 0xAF, byte(0xC0|((dst&7)<<3)|(src&7)))
}

// emitShiftImm emits shl (ext 4), shr (ext 5) or sar (ext 7) by imm8.
func (g *jitCompiler) emitShiftImm(ext byte, reg int, bits byte) {
	g.emitRex(true, false, false, reg >= 8)
	g.emit(0xC1, byte(0xC0|(ext<<3)|byte(reg&7)), bits)
}

// emitLoadSlot emits `mov reg, [rdi + slot*16]` (bits word of a Value).
func (g *jitCompiler) emitLoadSlot(reg, slot int) {
	g.emitRex(true, reg >= 8, false, false)
	g.emit(0x8B, byte(0x80|((reg&7)<<3)|regRDI))
	g.emitU32(uint32(slot * 16))
}

// emitStoreSlot emits `mov [rdi + slot*16], reg`.
func (g *jitCompiler) emitStoreSlot(slot, reg int) {
	g.emitRex(true, reg >= 8, false, false)
	g.emit(0x89, byte(0x80|((reg&7)<<3)|regRDI))
	g.emitU32(uint32(slot * 16))
}

// emitSetcc emits `setcc al; movzx rax, al`.
func (g *jitCompiler) emitSetcc(cc byte) {
	g.emit(0x0F, 0x90|cc, 0xC0)
	g.emit(0x48, 0x0F, 0xB6, 0xC0)
}

// emitJcc emits a jcc rel32 with a pending fixup.
func (g *jitCompiler) emitJcc(cc byte, targetBytecode int) {
	g.emit(0x0F, 0x80|cc)
	g.fixups = append(g.fixups, jumpFixup{len(g.buf), targetBytecode})
	g.emitU32(0)
}

// emitJmp emits a jmp rel32 with a pending fixup.
func (g *jitCompiler) emitJmp(targetBytecode int) {
	g.emit(0xE9)
	g.fixups = append(g.fixups, jumpFixup{len(g.buf), targetBytecode})
	g.emitU32(0)
}

func (g *jitCompiler) emitPush(reg int) {
	if reg >= 8 {
		g.emit(0x41)
	}
	g.emit(byte(0x50 + (reg & 7)))
}

func (g *jitCompiler) emitPop(reg int) {
	if reg >= 8 {
		g.emit(0x41)
	}
	g.emit(byte(0x58 + (reg & 7)))
}

// === Compilation ===

func cpuFor(vmReg int) (int, error) {
	if vmReg >= jitMaxRegs {
		return 0, errors.Errorf("register r%d exceeds the JIT register map", vmReg)
	}
	return vmRegMap[vmReg], nil
}

func jitCC(op OpCode) byte {
	switch op {
	case OpEq, OpEqB, OpJumpIfEq:
		return ccE
	case OpNeq, OpNeqB, OpJumpIfNeq:
		return ccNE
	case OpLt, OpLtB, OpJumpIfLt:
		return ccL
	case OpLe, OpLeB, OpJumpIfLe:
		return ccLE
	case OpGt, OpGtB, OpJumpIfGt:
		return ccG
	default:
		return ccGE
	}
}

// compileJIT translates proto or reports why it cannot.
func compileJIT(p *Proto) (*jitCode, error) {
	numMapped := p.numRegisters
	if numMapped > jitMaxRegs {
		return nil, errors.Errorf("proto needs %d registers, template maps %d", p.numRegisters, jitMaxRegs)
	}

	g := &jitCompiler{nativeMap: make(map[int]int)}

	const (
		intTag  = uint64(tagBase | uint64(tagInt)<<tagShift)
		boolTag = uint64(tagBase | uint64(tagBool)<<tagShift)
	)

	// Prologue: save callee-saved registers, stash the register file in
	// rdi, load and unbox the mapped slots.
	for i := 0; i < numMapped; i++ {
		g.emitPush(vmRegMap[i])
	}
	g.emitMovRegReg(regRDI, regRAX)
	for i := 0; i < numMapped; i++ {
		g.emitLoadSlot(vmRegMap[i], i)
		g.emitShiftImm(4, vmRegMap[i], 16) // shl 16
		g.emitShiftImm(7, vmRegMap[i], 16) // sar 16: sign-extend 48-bit payload
	}

	code := p.code
	for ip := 0; ip < len(code); {
		op := OpCode(code[ip])
		g.nativeMap[ip] = len(g.buf)
		info := GetOpInfo(op)
		next := ip + 1 + int(info.OperandBytes)
		operands := ip + 1

		switch op {
		case OpLoadInt:
			dst, err := cpuFor(int(readU16(code, operands)))
			if err != nil {
				return nil, err
			}
			g.emitMovRegImm64(dst, uint64(readI64(code, operands+2)))
			g.regKind[readU16(code, operands)] = kindInt

		case OpLoadIntB:
			vm := int(code[operands])
			dst, err := cpuFor(vm)
			if err != nil {
				return nil, err
			}
			g.emitMovRegImm64(dst, uint64(int64(readI32(code, operands+1))))
			g.regKind[vm] = kindInt

		case OpMove, OpMoveB:
			var vmDst, vmSrc int
			if op == OpMove {
				vmDst, vmSrc = int(readU16(code, operands)), int(readU16(code, operands+2))
			} else {
				vmDst, vmSrc = int(code[operands]), int(code[operands+1])
			}
			dst, err := cpuFor(vmDst)
			if err != nil {
				return nil, err
			}
			src, err := cpuFor(vmSrc)
			if err != nil {
				return nil, err
			}
			g.emitMovRegReg(dst, src)
			g.regKind[vmDst] = g.regKind[vmSrc]

		case OpAdd, OpSub, OpMul, OpAddB, OpSubB, OpMulB:
			var vmDst, vmA, vmB int
			if op == OpAddB || op == OpSubB || op == OpMulB {
				vmDst, vmA, vmB = int(code[operands]), int(code[operands+1]), int(code[operands+2])
			} else {
				vmDst = int(readU16(code, operands))
				vmA = int(readU16(code, operands+2))
				vmB = int(readU16(code, operands+4))
			}
			dst, err := cpuFor(vmDst)
			if err != nil {
				return nil, err
			}
			a, err := cpuFor(vmA)
			if err != nil {
				return nil, err
			}
			b, err := cpuFor(vmB)
			if err != nil {
				return nil, err
			}
			g.emitMovRegReg(regRAX, a)
			switch op {
			case OpAdd, OpAddB:
				g.emitAluRegReg(0x01, regRAX, b)
			case OpSub, OpSubB:
				g.emitAluRegReg(0x29, regRAX, b)
			default:
				g.emitImulRegReg(regRAX, b)
			}
			g.emitMovRegReg(dst, regRAX)
			g.regKind[vmDst] = kindInt

		case OpEq, OpNeq, OpLt, OpLe, OpGt, OpGe,
			OpEqB, OpNeqB, OpLtB, OpLeB, OpGtB, OpGeB:
			var vmDst, vmA, vmB int
			if op >= OpEqB && op <= OpLeB {
				vmDst, vmA, vmB = int(code[operands]), int(code[operands+1]), int(code[operands+2])
			} else {
				vmDst = int(readU16(code, operands))
				vmA = int(readU16(code, operands+2))
				vmB = int(readU16(code, operands+4))
			}
			dst, err := cpuFor(vmDst)
			if err != nil {
				return nil, err
			}
			a, err := cpuFor(vmA)
			if err != nil {
				return nil, err
			}
			b, err := cpuFor(vmB)
			if err != nil {
				return nil, err
			}
			g.emitAluRegReg(0x39, a, b)
			g.emitSetcc(jitCC(op))
			g.emitMovRegReg(dst, regRAX)
			g.regKind[vmDst] = kindBool

		case OpJumpIfEq, OpJumpIfNeq, OpJumpIfGt, OpJumpIfGe, OpJumpIfLt, OpJumpIfLe:
			a, err := cpuFor(int(readU16(code, operands)))
			if err != nil {
				return nil, err
			}
			b, err := cpuFor(int(readU16(code, operands+2)))
			if err != nil {
				return nil, err
			}
			off := int(readI16(code, operands+4))
			g.emitAluRegReg(0x39, a, b)
			g.emitJcc(jitCC(op), next+off)

		case OpJump:
			off := int(readI16(code, operands))
			g.emitJmp(next + off)

		case OpHalt:
			g.emitJmp(-1)

		default:
			return nil, errors.Errorf("opcode %s outside the JIT subset", op)
		}

		ip = next
	}

	// Epilogue: rebox the mapped registers, write them back, restore the
	// callee-saved set.
	epilogue := len(g.buf)
	for i := 0; i < numMapped; i++ {
		reg := vmRegMap[i]
		if g.regKind[i] == kindBool {
			g.emitMovRegImm64(regR11, boolTag)
		} else {
			// Trim to the 48-bit payload, then OR the discriminant in.
			g.emitShiftImm(4, reg, 16) // shl 16
			g.emitShiftImm(5, reg, 16) // shr 16
			g.emitMovRegImm64(regR11, intTag)
		}
		g.emitAluRegReg(0x09, reg, regR11)
		g.emitStoreSlot(i, reg)
	}
	for i := numMapped - 1; i >= 0; i-- {
		g.emitPop(vmRegMap[i])
	}
	g.emit(0xC3)

	// Patch jumps now that every bytecode offset has a native address.
	for _, fx := range g.fixups {
		var target int
		if fx.targetBytecode < 0 {
			target = epilogue
		} else {
			native, ok := g.nativeMap[fx.targetBytecode]
			if !ok {
				return nil, errors.Errorf("jump targets mid-instruction offset %d", fx.targetBytecode)
			}
			target = native
		}
		rel := target - (fx.patchPos + 4)
		binary.LittleEndian.PutUint32(g.buf[fx.patchPos:], uint32(int32(rel)))
	}

	mem, err := unix.Mmap(-1, 0, len(g.buf), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "jit mmap")
	}
	copy(mem, g.buf)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, errors.Wrap(err, "jit mprotect")
	}

	return &jitCode{mem: mem, nativeMap: g.nativeMap}, nil
}

// release unmaps the executable region.
func (c *jitCode) release() {
	if c.mem != nil {
		_ = unix.Munmap(c.mem)
		c.mem = nil
	}
}
