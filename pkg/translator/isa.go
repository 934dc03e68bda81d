package translator

import "fmt"

// Guest opcodes. Anything not listed decodes as a one-byte no-op.
const (
	OpcodeNop   = 0x90
	OpcodeInc   = 0x40
	OpcodeLoad  = 0xB8 // imm8
	OpcodeStore = 0xA2 // addr16
	OpcodeJmp   = 0xEB // rel8
	OpcodeJz    = 0x74 // rel8
	OpcodeRet   = 0xC3
)

// Kind is a decoded guest operation
type Kind uint8

const (
	KindNop Kind = iota
	KindInc
	KindLoad
	// KindLoadMem is a load whose immediate is read from guest memory when
	// the block runs instead of being compiled in.
	KindLoadMem
	KindStore
	KindJmp
	KindJz
	KindRet
)

var kindNames = [...]string{"nop", "inc", "load", "loadmem", "store", "jmp", "jz", "ret"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Op is one decoded guest instruction.
type Op struct {
	Kind Kind
	// IP is the linear address of the opcode byte, Next that of the
	// following instruction.
	IP   uint32
	Next uint32
	Imm  uint8
	// Addr is the store target for KindStore and the immediate's address for
	// KindLoad/KindLoadMem.
	Addr   uint32
	Target uint32
}

// EndsBlock reports whether control leaves the block after op.
func (op Op) EndsBlock() bool {
	switch op.Kind {
	case KindJmp, KindJz, KindRet:
		return true
	}
	return false
}

// Fetch reads one guest code byte. ok is false when the byte cannot be
// fetched as code.
type Fetch func(linear uint32) (b uint8, ok bool)

// Decode decodes the instruction at ip. ok is false when one of its bytes
// could not be fetched.
func Decode(fetch Fetch, ip uint32) (op Op, ok bool) {
	pc := ip
	next := func() uint8 {
		if !ok {
			return 0
		}
		var b uint8
		b, ok = fetch(pc)
		pc++
		return b
	}
	ok = true
	op.IP = ip

	switch next() {
	case OpcodeInc:
		op.Kind = KindInc
	case OpcodeLoad:
		op.Kind = KindLoad
		op.Addr = pc
		op.Imm = next()
	case OpcodeStore:
		op.Kind = KindStore
		lo := next()
		hi := next()
		op.Addr = uint32(lo) | uint32(hi)<<8
	case OpcodeJmp:
		op.Kind = KindJmp
		rel := int8(next())
		op.Target = pc + uint32(int32(rel))
	case OpcodeJz:
		op.Kind = KindJz
		rel := int8(next())
		op.Target = pc + uint32(int32(rel))
	case OpcodeRet:
		op.Kind = KindRet
	default:
		op.Kind = KindNop
	}
	op.Next = pc
	return op, ok
}

// Compiled is the guest-level view of a translated block.
type Compiled struct {
	Start uint32
	Ops   []Op
}

// Exit returns the edge taken when the block falls off its last op and the
// guest address control continues at, given the accumulator value.
func (c *Compiled) Exit(acc uint8) (edge int, next uint32) {
	last := c.Ops[len(c.Ops)-1]
	switch last.Kind {
	case KindJmp:
		return 0, last.Target
	case KindJz:
		if acc == 0 {
			return 0, last.Target
		}
		return 1, last.Next
	default:
		return 0, last.Next
	}
}

// End returns the linear address just past the block's last byte
func (c *Compiled) End() uint32 {
	return c.Ops[len(c.Ops)-1].Next
}
