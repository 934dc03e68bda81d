// Package translator turns a small guest instruction set into cache blocks.
// It plays the decoder's part: it decides what to emit, the cache decides
// where it goes and tracks which guest bytes it came from.
package translator

import (
	"github.com/sirupsen/logrus"

	"github.com/ascrivener/dyncache/pkg/cache"
	"github.com/ascrivener/dyncache/pkg/emit"
	cerrors "github.com/ascrivener/dyncache/pkg/errors"
	"github.com/ascrivener/dyncache/pkg/ram"
)

// DefaultMaxInstructions caps the guest instructions per block.
const DefaultMaxInstructions = 32

// maxOpBytes bounds the host code of one guest op (a conditional branch:
// two exits).
const maxOpBytes = 2 * emit.ExitSize

// ErrNothingTranslated is returned when not even the first instruction of a
// block could be fetched as code.
var ErrNothingTranslated = &cerrors.CacheError{Kind: cerrors.KindMemory, Message: "no instruction could be translated"}

// Stats counts translator activity
type Stats struct {
	Blocks      uint64
	Instrs      uint64
	CrossBlocks uint64
	MaskedBytes uint64
}

// Translator decodes guest code straight out of guest memory.
type Translator struct {
	c         *cache.Cache
	mem       *ram.Memory
	log       logrus.FieldLogger
	maxInstr  int
	threshold uint8

	compiled map[cache.BlockID]*Compiled
	stats    Stats
}

// New creates a translator emitting into c. maxInstr is clamped so a block
// always fits in one maximum-size cache block.
func New(c *cache.Cache, maxInstr int) *Translator {
	cfg := c.Config()
	if maxInstr <= 0 {
		maxInstr = DefaultMaxInstructions
	}
	if limit := cfg.MaxBlockSize/maxOpBytes - 1; maxInstr > limit {
		maxInstr = limit
	}
	return &Translator{
		c:         c,
		mem:       c.Memory(),
		log:       cfg.Log("translator"),
		maxInstr:  maxInstr,
		threshold: cfg.InvalidationThreshold,
		compiled:  make(map[cache.BlockID]*Compiled),
	}
}

// Compiled returns the guest ops last translated into id.
func (t *Translator) Compiled(id cache.BlockID) *Compiled {
	return t.compiled[id]
}

func (t *Translator) Stats() Stats {
	return t.stats
}

// block tracks one translation in progress
type block struct {
	t     *Translator
	id    cache.BlockID
	page  *cache.CodePage
	first uint32 // linear page number of page

	second *cache.CodePage
	half   cache.BlockID
}

// fetch reads a code byte, claiming the following page and pairing a
// cross-page half the first time the block runs onto it.
func (b *block) fetch(linear uint32) (uint8, bool) {
	switch linear >> ram.PageShift {
	case b.first:
	case b.first + 1:
		if b.second == nil {
			p, err := b.t.c.MakeCodePage(linear, true, b.page)
			if err != nil {
				return 0, false
			}
			b.second = p
			b.half = b.t.c.NewCrossBlock(b.id)
		}
	default:
		return 0, false
	}
	return b.t.mem.ReadB(linear), true
}

// pageOf returns the code page and record responsible for a guest byte
func (b *block) pageOf(linear uint32) (*cache.CodePage, cache.BlockID) {
	if linear>>ram.PageShift == b.first {
		return b.page, b.id
	}
	return b.second, b.half
}

// Translate translates the guest code at linear address ip, which must lie
// on page, into a new registered cache block.
func (t *Translator) Translate(page *cache.CodePage, ip uint32) (cache.BlockID, error) {
	c := t.c
	id := c.OpenBlock()
	b := &block{t: t, id: id, page: page, first: ip >> ram.PageShift, half: cache.NoBlock}
	a := emit.NewAssembler(c)
	comp := &Compiled{Start: ip}

	pc := ip
	for len(comp.Ops) < t.maxInstr {
		op, ok := Decode(b.fetch, pc)
		if !ok {
			break
		}
		if op.Kind == KindLoad {
			p, owner := b.pageOf(op.Addr)
			off := uint16(op.Addr & ram.PageMask)
			if p.InvalidationCount(off) >= t.threshold {
				op.Kind = KindLoadMem
				c.MaskBytes(owner, off, 1)
				t.stats.MaskedBytes++
			}
		}
		emitOp(a, op)
		comp.Ops = append(comp.Ops, op)
		pc = op.Next
		if op.EndsBlock() {
			break
		}
	}
	if len(comp.Ops) == 0 {
		// Leave the block open; the next OpenBlock hands it out again.
		return cache.NoBlock, ErrNothingTranslated
	}
	if !comp.Ops[len(comp.Ops)-1].EndsBlock() {
		a.Exit(uint32(cache.ReturnLink0))
	}
	c.CloseBlock()

	last := comp.End() - 1
	start := uint16(ip & ram.PageMask)
	if b.half != cache.NoBlock {
		c.SetGuest(id, cache.Range{Start: start, End: ram.PageMask})
		c.SetGuest(b.half, cache.Range{Start: 0, End: uint16(last & ram.PageMask)})
		page.Register(id)
		b.second.RegisterCross(b.half)
		t.stats.CrossBlocks++
	} else {
		c.SetGuest(id, cache.Range{Start: start, End: uint16(last & ram.PageMask)})
		page.Register(id)
	}
	t.compiled[id] = comp
	t.stats.Blocks++
	t.stats.Instrs += uint64(len(comp.Ops))

	t.log.WithFields(logrus.Fields{
		"block":  id,
		"ip":     ip,
		"instrs": len(comp.Ops),
		"cross":  b.half != cache.NoBlock,
	}).Debug("translated block")
	return id, nil
}

// emitOp writes the host code of one guest op. The accumulator lives in ECX.
func emitOp(a *emit.Assembler, op Op) {
	switch op.Kind {
	case KindNop:
		a.Nop()
	case KindInc:
		a.IncReg(emit.ECX)
	case KindLoad:
		a.MovRegImm32(emit.ECX, uint32(op.Imm))
	case KindLoadMem, KindStore:
		a.MovRegImm32(emit.EDX, op.Addr)
	case KindJmp:
		a.Exit(uint32(cache.ReturnLink0))
	case KindJz:
		a.Exit(uint32(cache.ReturnLink0))
		a.Exit(uint32(cache.ReturnLink1))
	case KindRet:
		a.Exit(uint32(cache.ReturnNormal))
	}
}
