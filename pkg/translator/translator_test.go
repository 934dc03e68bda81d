package translator

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/ascrivener/dyncache/pkg/cache"
	"github.com/ascrivener/dyncache/pkg/config"
	"github.com/ascrivener/dyncache/pkg/ram"
)

func newCache(t *testing.T) (*cache.Cache, *ram.Memory) {
	t.Helper()
	return newCacheWithPages(t, 8)
}

func newCacheWithPages(t *testing.T, pages int) (*cache.Cache, *ram.Memory) {
	t.Helper()
	cfg := config.Default()
	cfg.TotalSize = 8192
	cfg.MaxBlockSize = 512
	cfg.Blocks = 256
	cfg.Pages = pages
	cfg.Executable = false
	cfg.Logger, _ = logtest.NewNullLogger()

	mem := ram.NewMemory()
	c, err := cache.New(cfg, mem)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mem
}

func codePage(t *testing.T, c *cache.Cache, linear uint32) *cache.CodePage {
	t.Helper()
	p, err := c.MakeCodePage(linear, true, nil)
	require.NoError(t, err)
	return p
}

func kinds(comp *Compiled) []Kind {
	var out []Kind
	for _, op := range comp.Ops {
		out = append(out, op.Kind)
	}
	return out
}

func TestDecode(t *testing.T) {
	mem := map[uint32]uint8{0x10: OpcodeJz, 0x11: 0xFE, 0x20: OpcodeStore, 0x21: 0x34, 0x22: 0x12}
	fetch := func(a uint32) (uint8, bool) { return mem[a], true }

	op, ok := Decode(fetch, 0x10)
	require.True(t, ok)
	require.Equal(t, Op{Kind: KindJz, IP: 0x10, Next: 0x12, Target: 0x10}, op)

	op, ok = Decode(fetch, 0x20)
	require.True(t, ok)
	require.Equal(t, Op{Kind: KindStore, IP: 0x20, Next: 0x23, Addr: 0x1234}, op)

	op, _ = Decode(fetch, 0x30)
	require.Equal(t, KindNop, op.Kind)
	require.Equal(t, uint32(0x31), op.Next)

	_, ok = Decode(func(a uint32) (uint8, bool) { return OpcodeLoad, a == 0 }, 0)
	require.False(t, ok)
}

func TestTranslateStraightLine(t *testing.T) {
	c, mem := newCache(t)
	mem.Load(0x1000, []byte{OpcodeLoad, 5, OpcodeInc, OpcodeNop, OpcodeRet})
	p := codePage(t, c, 0x1000)
	tr := New(c, 0)

	id, err := tr.Translate(p, 0x1000)
	require.NoError(t, err)
	comp := tr.Compiled(id)
	if diff := cmp.Diff([]Kind{KindLoad, KindInc, KindNop, KindRet}, kinds(comp)); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, cache.Range{Start: 0, End: 4}, c.Guest(id))
	require.Equal(t, id, p.FindCacheBlock(0))
	for off := uint16(0); off <= 4; off++ {
		require.Equal(t, 1, p.WriteCount(off))
	}
	require.Zero(t, p.WriteCount(5))

	want := []byte{
		0xB9, 5, 0, 0, 0,       // mov ecx, 5
		0xFF, 0xC1,             // inc ecx
		0x90,                   // nop
		0xB8, 0, 0, 0, 0, 0xC3, // mov eax, ReturnNormal; ret
	}
	require.Equal(t, want, c.Code(id))
}

func TestTranslateEndsAtBranch(t *testing.T) {
	c, mem := newCache(t)
	mem.Load(0x1000, []byte{OpcodeNop, OpcodeJz, 0x10, OpcodeNop})
	p := codePage(t, c, 0x1000)
	tr := New(c, 0)

	id, err := tr.Translate(p, 0x1000)
	require.NoError(t, err)
	comp := tr.Compiled(id)
	require.Equal(t, []Kind{KindNop, KindJz}, kinds(comp))
	require.Equal(t, cache.Range{Start: 0, End: 2}, c.Guest(id))

	edge, next := comp.Exit(0)
	require.Equal(t, 0, edge)
	require.Equal(t, uint32(0x1013), next)
	edge, next = comp.Exit(1)
	require.Equal(t, 1, edge)
	require.Equal(t, uint32(0x1003), next)
}

func TestTranslateInstructionLimit(t *testing.T) {
	c, mem := newCache(t)
	mem.Load(0x1000, make([]byte, 64))
	p := codePage(t, c, 0x1000)
	tr := New(c, 8)

	id, err := tr.Translate(p, 0x1000)
	require.NoError(t, err)
	require.Len(t, tr.Compiled(id).Ops, 8)
	require.Equal(t, cache.Range{Start: 0, End: 7}, c.Guest(id))
	edge, next := tr.Compiled(id).Exit(0)
	require.Equal(t, 0, edge)
	require.Equal(t, uint32(0x1008), next)

	// Falling off the end exits through Link0.
	code := c.Code(id)
	require.Equal(t, []byte{0xB8, byte(cache.ReturnLink0), 0, 0, 0, 0xC3}, code[len(code)-6:])
}

func TestInstructionLimitIsClamped(t *testing.T) {
	c, _ := newCache(t)
	tr := New(c, 10000)
	require.Equal(t, 512/maxOpBytes-1, tr.maxInstr)
}

// TestTranslateCrossPage checks that a block running into the next page is
// split into a main block and a cross-page half.
func TestTranslateCrossPage(t *testing.T) {
	c, mem := newCache(t)
	mem.Load(0x1FFE, []byte{OpcodeNop, OpcodeLoad, 9, OpcodeRet})
	p := codePage(t, c, 0x1FFE)
	tr := New(c, 0)

	id, err := tr.Translate(p, 0x1FFE)
	require.NoError(t, err)
	require.Equal(t, []Kind{KindNop, KindLoad, KindRet}, kinds(tr.Compiled(id)))
	require.Equal(t, cache.Range{Start: 4094, End: 4095}, c.Guest(id))

	half := c.Partner(id)
	require.NotEqual(t, cache.NoBlock, half)
	require.Equal(t, cache.Range{Start: 0, End: 1}, c.Guest(half))
	require.Equal(t, []uint32{1, 2}, c.UsedPages())

	p2 := c.Page(half)
	require.Equal(t, uint32(2), p2.PhysPage())
	require.Equal(t, 1, p2.WriteCount(0))
	require.Equal(t, cache.NoBlock, p2.FindCacheBlock(0))
	require.Equal(t, uint64(1), tr.Stats().CrossBlocks)

	// Writing the second page takes the whole block down.
	mem.WriteB(0x2001, OpcodeNop)
	require.False(t, c.Live(id))
	require.False(t, c.Live(half))
}

func TestTranslateStopsBeforeNoCodePage(t *testing.T) {
	c, mem := newCache(t)
	mem.Load(0x1FFE, []byte{OpcodeNop, OpcodeLoad, 9})
	mem.MarkNoCode(2, 1)
	p := codePage(t, c, 0x1FFE)
	tr := New(c, 0)

	id, err := tr.Translate(p, 0x1FFE)
	require.NoError(t, err)
	require.Equal(t, []Kind{KindNop}, kinds(tr.Compiled(id)))
	require.Equal(t, cache.Range{Start: 4094, End: 4094}, c.Guest(id))
	require.Equal(t, cache.NoBlock, c.Partner(id))

	_, err = tr.Translate(p, 0x1FFF)
	require.ErrorIs(t, err, ErrNothingTranslated)

	// The block left open is handed out again.
	mem.Load(0x1000, []byte{OpcodeRet})
	id, err = tr.Translate(p, 0x1000)
	require.NoError(t, err)
	require.True(t, c.Live(id))
}

// TestTranslateStopsAtFullPagePool checks that with a single code page the
// block ends at the page boundary instead of evicting the page it came from.
func TestTranslateStopsAtFullPagePool(t *testing.T) {
	c, mem := newCacheWithPages(t, 1)
	mem.Load(0x1FFE, []byte{OpcodeNop, OpcodeNop, OpcodeInc, OpcodeRet})
	p := codePage(t, c, 0x1FFE)
	tr := New(c, 0)

	id, err := tr.Translate(p, 0x1FFE)
	require.NoError(t, err)
	require.Equal(t, []Kind{KindNop, KindNop}, kinds(tr.Compiled(id)))
	require.Equal(t, cache.Range{Start: 4094, End: 4095}, c.Guest(id))
	require.Equal(t, cache.NoBlock, c.Partner(id))
	require.Equal(t, []uint32{1}, c.UsedPages())
	require.True(t, c.Live(id))
}

// TestHotImmediateIsMasked checks that an immediate rewritten often enough
// is read at run time and no longer covered.
func TestHotImmediateIsMasked(t *testing.T) {
	c, mem := newCache(t)
	mem.Load(0x1000, []byte{OpcodeLoad, 0, OpcodeRet})
	tr := New(c, 0)

	for i := 1; i <= 4; i++ {
		p := codePage(t, c, 0x1000)
		id, err := tr.Translate(p, 0x1000)
		require.NoError(t, err)
		require.Equal(t, KindLoad, tr.Compiled(id).Ops[0].Kind)
		mem.WriteB(0x1001, uint8(i))
		require.False(t, c.Live(id))
	}

	p := codePage(t, c, 0x1000)
	require.Equal(t, uint8(4), p.InvalidationCount(1))
	id, err := tr.Translate(p, 0x1000)
	require.NoError(t, err)
	op := tr.Compiled(id).Ops[0]
	require.Equal(t, KindLoadMem, op.Kind)
	require.Equal(t, uint32(0x1001), op.Addr)
	require.Equal(t, 1, p.WriteCount(0))
	require.Zero(t, p.WriteCount(1))
	require.Equal(t, uint64(1), tr.Stats().MaskedBytes)

	mem.WriteB(0x1001, 42)
	require.True(t, c.Live(id))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "loadmem", KindLoadMem.String())
	require.Equal(t, "kind(99)", Kind(99).String())
}
