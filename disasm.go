package meow

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// === Disassembler ===
//
// Renders instructions for the unhandled-panic diagnostic and for tests.
// Coloring follows the fatih/color NoColor convention (auto-disabled when
// output is not a terminal).

var (
	disasmOffset  = color.New(color.Faint)
	disasmOp      = color.New(color.FgCyan)
	disasmCurrent = color.New(color.FgRed, color.Bold)
)

// DisasmInstruction renders the instruction at ip and returns the listing
// line plus the offset of the next instruction.
func DisasmInstruction(p *Proto, ip int) (string, int) {
	code := p.Code()
	if ip < 0 || ip >= len(code) {
		return "", len(code)
	}
	op := OpCode(code[ip])
	info := GetOpInfo(op)
	next := ip + 1 + int(info.OperandBytes)
	if next > len(code) {
		next = len(code)
	}

	var b strings.Builder
	b.WriteString(disasmOffset.Sprintf("%04d", ip))
	b.WriteString("  ")
	b.WriteString(disasmOp.Sprintf("%-16s", op.String()))

	operands := code[ip+1 : next]
	switch op {
	case OpLoadInt:
		fmt.Fprintf(&b, "r%d, %d", readU16(code, ip+1), readI64(code, ip+3))
	case OpLoadFloat:
		fmt.Fprintf(&b, "r%d, %g", readU16(code, ip+1), readF64(code, ip+3))
	case OpLoadIntB:
		fmt.Fprintf(&b, "r%d, %d", operands[0], readI32(code, ip+2))
	case OpJump:
		fmt.Fprintf(&b, "%+d -> %04d", readI16(code, ip+1), next+int(readI16(code, ip+1)))
	case OpJumpIfTrue, OpJumpIfFalse:
		fmt.Fprintf(&b, "r%d, %+d -> %04d", readU16(code, ip+1), readI16(code, ip+3), next+int(readI16(code, ip+3)))
	case OpJumpIfEq, OpJumpIfNeq, OpJumpIfGt, OpJumpIfGe, OpJumpIfLt, OpJumpIfLe:
		fmt.Fprintf(&b, "r%d, r%d, %+d -> %04d",
			readU16(code, ip+1), readU16(code, ip+3), readI16(code, ip+5), next+int(readI16(code, ip+5)))
	case OpLoadConst:
		k := readU16(code, ip+3)
		fmt.Fprintf(&b, "r%d, k%d", readU16(code, ip+1), k)
		if int(k) < p.NumConstants() {
			fmt.Fprintf(&b, " ; %s", Stringify(p.Constant(int(k))))
		}
	default:
		// Generic rendering: u16 operands for wide forms, u8 for _B forms.
		wide := info.OperandBytes >= 2*info.Arity && !isByteForm(op)
		for i := 0; i < int(info.Arity); i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			if wide {
				fmt.Fprintf(&b, "r%d", readU16(code, ip+1+2*i))
			} else if i < len(operands) {
				fmt.Fprintf(&b, "r%d", operands[i])
			}
		}
	}
	return b.String(), next
}

func isByteForm(op OpCode) bool {
	return op >= OpAddB && op <= OpRshiftB
}

// DisasmAround lists instructions surrounding ip, marking the current one.
// Used by the unhandled-panic diagnostic.
func DisasmAround(p *Proto, ip, context int) string {
	type line struct {
		off  int
		text string
	}
	var lines []line
	for off := 0; off < len(p.Code()); {
		text, next := DisasmInstruction(p, off)
		lines = append(lines, line{off, text})
		if next <= off {
			break
		}
		off = next
	}
	at := -1
	for i, ln := range lines {
		if ln.off == ip {
			at = i
			break
		}
		if ln.off > ip {
			at = i - 1
			break
		}
	}
	if at < 0 {
		at = len(lines) - 1
	}

	var b strings.Builder
	lo := at - context
	if lo < 0 {
		lo = 0
	}
	hi := at + context
	if hi >= len(lines) {
		hi = len(lines) - 1
	}
	for i := lo; i <= hi; i++ {
		if i == at {
			b.WriteString(disasmCurrent.Sprint("-> "))
		} else {
			b.WriteString("   ")
		}
		b.WriteString(lines[i].text)
		b.WriteByte('\n')
	}
	return b.String()
}
