package cache

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ascrivener/dyncache/pkg/ram"
)

func sortedIDs(ids []BlockID) []BlockID {
	slices.Sort(ids)
	return ids
}

func requireUncovered(t *testing.T, p *CodePage) {
	t.Helper()
	for off := 0; off < ram.PageSize; off++ {
		if n := p.WriteCount(uint16(off)); n != 0 {
			t.Fatalf("write count at %#x = %d, want 0", off, n)
		}
	}
}

// TestOverlappingBlocks walks three overlapping translations through two
// invalidating writes and the delayed release of the emptied page.
func TestOverlappingBlocks(t *testing.T) {
	f := newFixture(t, nil)
	c := f.c
	p := f.page(t, 1)
	flushes := f.mem.TLBFlushes()

	b1 := f.translate(p, 0, 9)
	b2 := f.translate(p, 5, 14)
	b3 := f.translate(p, 10, 19)
	require.Equal(t, 3, p.ActiveBlocks())
	require.Equal(t, 1, p.WriteCount(4))
	require.Equal(t, 2, p.WriteCount(7))
	require.Equal(t, 2, p.WriteCount(12))
	require.Equal(t, 1, p.WriteCount(17))

	f.mem.WriteB(0x1007, 0xAA)
	require.False(t, c.Live(b1))
	require.False(t, c.Live(b2))
	require.True(t, c.Live(b3))
	require.Equal(t, NoBlock, p.FindCacheBlock(0))
	require.Equal(t, NoBlock, p.FindCacheBlock(5))
	require.Equal(t, b3, p.FindCacheBlock(10))
	require.Equal(t, uint8(0xAA), f.mem.ReadB(0x1007))
	require.Equal(t, uint8(1), p.InvalidationCount(7))

	f.mem.WriteB(0x100F, 0xBB)
	require.False(t, c.Live(b3))
	require.Zero(t, p.ActiveBlocks())
	requireUncovered(t, p)
	require.Equal(t, float64(3), testutil.ToFloat64(c.metrics.invalidations))

	// Uncovered stores count the page down to release.
	for i := 1; i < 4; i++ {
		f.mem.WriteB(0x1100, uint8(i))
		require.True(t, p.InUse())
	}
	f.mem.WriteB(0x1100, 4)
	require.False(t, p.InUse())
	require.Empty(t, c.UsedPages())
	require.Equal(t, f.mem.RAM(), f.mem.PhysHandler(1))
	require.Greater(t, f.mem.TLBFlushes(), flushes)
	require.Equal(t, 4, c.FreePages())

	// The restored RAM handler takes later stores directly.
	f.mem.WriteB(0x1100, 9)
	require.Equal(t, uint8(9), f.mem.Peek(0x1100, 1)[0])
	require.Empty(t, c.UsedPages())
}

func TestUnchangedWriteIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	p := f.page(t, 1)
	id := f.translate(p, 0, 9)

	f.mem.WriteD(0x1000, 0)
	require.True(t, f.c.Live(id))
	require.Zero(t, p.InvalidationCount(0))
}

func TestWideWritesInvalidate(t *testing.T) {
	f := newFixture(t, nil)
	p := f.page(t, 1)
	low := f.translate(p, 0, 3)
	high := f.translate(p, 4, 7)
	other := f.translate(p, 8, 9)

	f.mem.WriteW(0x1003, 0xFFFF)
	require.False(t, f.c.Live(low))
	require.False(t, f.c.Live(high))
	require.True(t, f.c.Live(other))

	f.mem.WriteD(0x1006, 0x01020304)
	require.False(t, f.c.Live(other))
	require.Equal(t, []byte{0xFF, 0xFF, 0, 4, 3, 2, 1}, f.mem.Peek(0x1003, 7))
}

func TestActiveBlocksHoldDelay(t *testing.T) {
	f := newFixture(t, nil)
	p := f.page(t, 1)
	f.translate(p, 0, 9)
	for i := 0; i < 20; i++ {
		f.mem.WriteB(0x1800, uint8(i+1))
	}
	require.True(t, p.InUse())
	require.Equal(t, 4, p.Delay())
}

// TestCurrentBlockHit checks that a checked store destroying the running
// block reports it and leaves memory untouched.
func TestCurrentBlockHit(t *testing.T) {
	f := newFixture(t, nil)
	c := f.c
	cpu := &fakeCPU{addr: 0x1005}
	c.SetCPU(cpu)
	p := f.page(t, 1)
	running := f.translate(p, 0, 9)

	require.True(t, f.mem.WriteBChecked(0x1003, 0x11))
	require.False(t, c.Live(running))
	require.Zero(t, f.mem.Peek(0x1003, 1)[0])
	require.Equal(t, uint64(1), c.Stats().CurrentBlockHits)

	// Replayed once the dispatcher has unwound, the store goes through.
	require.False(t, f.mem.WriteBChecked(0x1003, 0x11))
	require.Equal(t, uint8(0x11), f.mem.Peek(0x1003, 1)[0])
}

func TestCheckedWriteMissesOtherBlocks(t *testing.T) {
	f := newFixture(t, nil)
	c := f.c
	c.SetCPU(&fakeCPU{addr: 0x1020})
	p := f.page(t, 1)
	victim := f.translate(p, 0, 9)
	running := f.translate(p, 0x20, 0x2F)

	require.False(t, f.mem.WriteWChecked(0x1004, 0x2222))
	require.False(t, c.Live(victim))
	require.True(t, c.Live(running))
	require.Equal(t, uint16(0x2222), f.mem.ReadW(0x1004))

	require.True(t, f.mem.WriteDChecked(0x102C, 0x33333333))
	require.Zero(t, f.mem.ReadD(0x102C))
}

func TestInvalidateRangeReportsHit(t *testing.T) {
	f := newFixture(t, nil)
	c := f.c
	cpu := &fakeCPU{addr: 0x1040}
	c.SetCPU(cpu)
	p := f.page(t, 1)
	f.translate(p, 0x30, 0x4F)
	f.translate(p, 0x100, 0x110)

	require.False(t, p.InvalidateRange(0x100, 0x100))
	require.True(t, p.InvalidateRange(0, 0xFFF))
	require.Zero(t, p.ActiveBlocks())
}

func TestOutOfPageOffsets(t *testing.T) {
	f := newFixture(t, nil)
	c := f.c
	p := f.page(t, 1)
	id := f.translate(p, 0xFF0, 0xFFF)

	require.Equal(t, id, p.FindCacheBlock(0x1FF0))
	require.Equal(t, NoBlock, p.FindCacheBlock(0xFFFF))
	require.False(t, p.InvalidateRange(0x1000, 0x1FFF))
	require.False(t, p.InvalidateRange(-8, -1))
	require.True(t, c.Live(id))

	require.False(t, p.InvalidateRange(0xFFE, 0x1003))
	require.False(t, c.Live(id))
}

func TestMaskedBytesDoNotInvalidate(t *testing.T) {
	f := newFixture(t, nil)
	c := f.c
	p := f.page(t, 1)

	id := c.OpenBlock()
	c.Emit8(0xC3)
	c.CloseBlock()
	c.SetGuest(id, Range{Start: 0, End: 9})
	c.MaskBytes(id, 3, 2)
	p.Register(id)

	require.Equal(t, 1, p.WriteCount(2))
	require.Zero(t, p.WriteCount(3))
	require.Zero(t, p.WriteCount(4))
	require.Equal(t, 1, p.WriteCount(5))

	f.mem.WriteB(0x1003, 0x42)
	require.True(t, c.Live(id))

	f.mem.WriteB(0x1005, 0x42)
	require.False(t, c.Live(id))
	requireUncovered(t, p)
}

func TestMaskRebase(t *testing.T) {
	f := newFixture(t, nil)
	c := f.c
	id := c.OpenBlock()
	c.CloseBlock()

	c.MaskBytes(id, 200, 1)
	c.MaskBytes(id, 10, 1)
	c.MaskBytes(id, 400, 2)

	b := &c.blocks[id]
	for off, want := range map[int]bool{9: false, 10: true, 11: false, 200: true, 399: false, 400: true, 401: true, 402: false} {
		require.Equal(t, want, b.masked(off), "offset %d", off)
	}
}

func TestInvalidationCountSaturates(t *testing.T) {
	f := newFixture(t, nil)
	p := f.page(t, 1)
	require.Zero(t, p.InvalidationCount(5))
	for i := 0; i < 300; i++ {
		p.bumpInvalidation(5, 1)
	}
	require.Equal(t, uint8(255), p.InvalidationCount(5))
	require.Zero(t, p.InvalidationCount(6))
}

func TestROMPageIgnoresWrites(t *testing.T) {
	f := newFixture(t, nil)
	f.mem.Load(0x7000, []byte{1, 2, 3})
	f.mem.MarkROM(7, 1)
	p := f.page(t, 7)
	require.NotZero(t, p.Flags()&ram.HasROM)
	require.Zero(t, p.Flags()&ram.Writeable)
	id := f.translate(p, 0, 2)

	f.mem.WriteB(0x7001, 0x99)
	require.True(t, f.c.Live(id))
	require.Equal(t, []byte{1, 2, 3}, f.mem.Peek(0x7000, 3))

	p.ClearRelease()
	require.Equal(t, f.mem.PhysHandler(7), p.Previous())
}

func TestSetupAtFlags(t *testing.T) {
	f := newFixture(t, nil)
	p32 := f.page(t, 1)
	require.Equal(t, ram.Readable|ram.HasCode32, p32.Flags())
	require.Equal(t, uint32(1), p32.PhysPage())

	p16, err := f.c.MakeCodePage(0x2000, false, nil)
	require.NoError(t, err)
	require.Equal(t, ram.Readable|ram.HasCode16, p16.Flags())
}

func TestClearRelease(t *testing.T) {
	f := newFixture(t, nil)
	c := f.c
	p := f.page(t, 1)
	a := f.translate(p, 0, 9)
	b := f.translate(p, 0x200, 0x240)
	c.LinkTo(a, 0, b)

	p.ClearRelease()
	require.False(t, c.Live(a))
	require.False(t, c.Live(b))
	require.Equal(t, Link0, c.Edge(a, 0).To)
	require.False(t, p.InUse())
	require.Equal(t, f.mem.RAM(), f.mem.PhysHandler(1))
	require.Equal(t, float64(0), testutil.ToFloat64(c.metrics.pagesUsed))
}

// TestCoverageAccounting checks that after a random sequence of
// registrations, masks and clears each byte's write count equals the number
// of live blocks covering it.
func TestCoverageAccounting(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t, nil)
		c := f.c
		p, err := c.MakeCodePage(0x1000, true, nil)
		if err != nil {
			rt.Fatalf("MakeCodePage: %v", err)
		}

		type model struct {
			r    Range
			hole map[int]bool
		}
		blocks := map[BlockID]model{}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			var live []BlockID
			for id := range blocks {
				if c.Live(id) {
					live = append(live, id)
				}
			}
			if len(live) > 0 && rapid.IntRange(0, 2).Draw(rt, "op") == 0 {
				id := rapid.SampledFrom(sortedIDs(live)).Draw(rt, "victim")
				c.Clear(id)
				continue
			}

			start := rapid.IntRange(0, 4000).Draw(rt, "start")
			n := rapid.IntRange(0, 95).Draw(rt, "len")
			id := c.OpenBlock()
			c.Emit8(0xC3)
			c.CloseBlock()
			r := Range{Start: uint16(start), End: uint16(start + n)}
			c.SetGuest(id, r)
			m := model{r: r, hole: map[int]bool{}}
			if rapid.Bool().Draw(rt, "masked") {
				off := start + rapid.IntRange(0, n).Draw(rt, "hole")
				size := rapid.IntRange(1, 4).Draw(rt, "holeSize")
				c.MaskBytes(id, uint16(off), size)
				for j := 0; j < size; j++ {
					m.hole[off+j] = true
				}
			}
			p.Register(id)
			blocks[id] = m
		}

		want := make([]int, ram.PageSize)
		for id, m := range blocks {
			if !c.Live(id) {
				continue
			}
			for off := int(m.r.Start); off <= int(m.r.End); off++ {
				if !m.hole[off] {
					want[off]++
				}
			}
		}
		got := make([]int, ram.PageSize)
		for off := range got {
			got[off] = p.WriteCount(uint16(off))
		}
		if diff := cmp.Diff(want, got); diff != "" {
			rt.Fatalf("write counts mismatch (-want +got):\n%s", diff)
		}
	})
}

// TestInvalidationCompleteness checks that a store to any covered byte
// leaves no overlapping block reachable.
func TestInvalidationCompleteness(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t, nil)
		c := f.c
		p, err := c.MakeCodePage(0x1000, true, nil)
		if err != nil {
			rt.Fatalf("MakeCodePage: %v", err)
		}
		var ids []BlockID
		for i := rapid.IntRange(1, 12).Draw(rt, "blocks"); i > 0; i-- {
			start := rapid.IntRange(0, 300).Draw(rt, "start")
			n := rapid.IntRange(0, 60).Draw(rt, "len")
			ids = append(ids, f.translate(p, uint16(start), uint16(start+n)))
		}
		for i := 1; i < len(ids); i++ {
			c.LinkTo(ids[i], i%2, ids[i-1])
		}

		off := rapid.IntRange(0, 360).Draw(rt, "write")
		f.mem.WriteB(0x1000+uint32(off), 0xEE)

		for i, id := range ids {
			g := c.Guest(id)
			hit := g.Contains(off)
			if c.Live(id) == hit {
				rt.Fatalf("block %d [%d,%d] live=%v after write at %d", id, g.Start, g.End, c.Live(id), off)
			}
			if hit && i+1 < len(ids) && c.Edge(ids[i+1], (i+1)%2).To == id {
				rt.Fatalf("block %d still linked to cleared block %d", ids[i+1], id)
			}
			if hit && p.FindCacheBlock(g.Start) == id {
				rt.Fatalf("cleared block %d still indexed", id)
			}
		}
	})
}

// TestCheckedWriteAcrossPages checks that a page-crossing store stopped by a
// current-block hit on its second page keeps the first byte and drops the
// rest, and that replaying it completes the store.
func TestCheckedWriteAcrossPages(t *testing.T) {
	f := newFixture(t, nil)
	c := f.c
	c.SetCPU(&fakeCPU{addr: 0x2001})
	p := f.page(t, 2)
	id := f.translate(p, 0, 3)

	require.True(t, f.mem.WriteWChecked(0x1FFF, 0xABCD))
	require.Equal(t, uint8(0xCD), f.mem.ReadB(0x1FFF))
	require.Equal(t, uint8(0), f.mem.ReadB(0x2000))
	require.False(t, c.Live(id))

	f.mem.WriteW(0x1FFF, 0xABCD)
	require.Equal(t, uint16(0xABCD), f.mem.ReadW(0x1FFF))
}
