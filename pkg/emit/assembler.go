// Package emit writes small x86 host sequences through the code cache cursor.
package emit

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// x86 register encoding
type Reg byte

const (
	EAX Reg = 0
	ECX Reg = 1
	EDX Reg = 2
	EBX Reg = 3
	ESP Reg = 4
	EBP Reg = 5
	ESI Reg = 6
	EDI Reg = 7
)

// Writer is the emission cursor of an open cache block
type Writer interface {
	Emit8(v uint8)
	Emit16(v uint16)
	Emit32(v uint32)
	Emit64(v uint64)
}

// Assembler emits x86 machine code into a Writer
type Assembler struct {
	w       Writer
	emitted int
}

// NewAssembler creates an assembler targeting the given writer
func NewAssembler(w Writer) *Assembler {
	return &Assembler{w: w}
}

// Emitted returns how many bytes this assembler has written
func (a *Assembler) Emitted() int {
	return a.emitted
}

// emit appends bytes to the writer
func (a *Assembler) emit(bytes ...byte) {
	for _, b := range bytes {
		a.w.Emit8(b)
	}
	a.emitted += len(bytes)
}

// emitUint32 appends a little-endian uint32
func (a *Assembler) emitUint32(v uint32) {
	a.w.Emit32(v)
	a.emitted += 4
}

// Nop: nop
func (a *Assembler) Nop() {
	a.emit(0x90)
}

// Int3: int3
func (a *Assembler) Int3() {
	a.emit(0xCC)
}

// Ret: ret
func (a *Assembler) Ret() {
	a.emit(0xC3)
}

// MovRegImm32: mov reg, imm32
func (a *Assembler) MovRegImm32(reg Reg, imm uint32) {
	a.emit(0xB8 | byte(reg&7))
	a.emitUint32(imm)
}

// IncReg: inc reg32
func (a *Assembler) IncReg(reg Reg) {
	a.emit(0xFF, 0xC0|byte(reg&7))
}

// JmpRel32: jmp rel32 (relative to the end of the instruction)
func (a *Assembler) JmpRel32(rel int32) {
	a.emit(0xE9)
	a.emitUint32(uint32(rel))
}

// Exit returns to the dispatcher with code in EAX
func (a *Assembler) Exit(code uint32) {
	a.MovRegImm32(EAX, code)
	a.Ret()
}

// ExitSize is the number of bytes Exit emits
const ExitSize = 6

// Disassemble decodes code as 64-bit x86 and renders one Intel-syntax line per
// instruction, addressed from pc.
func Disassemble(code []byte, pc uint64) ([]string, error) {
	var lines []string
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err == nil && inst.Op == 0 {
			// Decode reports bytes it cannot complete as bare prefixes.
			err = x86asm.ErrTruncated
		}
		if err != nil {
			return lines, fmt.Errorf("decode at offset %d: %w", off, err)
		}
		lines = append(lines, fmt.Sprintf("%#x: %s", pc+uint64(off), x86asm.IntelSyntax(inst, pc+uint64(off), nil)))
		off += inst.Len
	}
	return lines, nil
}
