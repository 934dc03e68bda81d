package cache

import (
	"github.com/sirupsen/logrus"
)

// BlockID addresses a record in the block arena. IDs are stable for the
// lifetime of a Cache; records are recycled, never moved.
type BlockID int32

const (
	// NoBlock terminates chains and marks an absent partner.
	NoBlock BlockID = -1
	// Link0 and Link1 are the trampoline blocks. An edge pointing at them is
	// unresolved: running it returns ReturnLink0/ReturnLink1 to the dispatcher.
	Link0 BlockID = 0
	Link1 BlockID = 1

	firstRecord BlockID = 2
)

// LinkBlock returns the trampoline that stands in for an unresolved edge.
func LinkBlock(edge int) BlockID {
	return BlockID(edge)
}

// IsTrampoline reports whether id is Link0 or Link1.
func (id BlockID) IsTrampoline() bool {
	return id == Link0 || id == Link1
}

// Range is an inclusive span of byte offsets inside one guest page.
type Range struct {
	Start uint16
	End   uint16
}

// Contains reports whether off lies inside the range.
func (r Range) Contains(off int) bool {
	return off >= int(r.Start) && off <= int(r.End)
}

// Overlaps reports whether [start,end] intersects the range.
func (r Range) Overlaps(start, end int) bool {
	return start <= int(r.End) && end >= int(r.Start)
}

// Edge is one outgoing control transfer. To is the target (never NoBlock once
// the block has been closed). From heads the chain of blocks that reach this
// block through the same edge index; Next is this block's position in its
// target's chain.
type Edge struct {
	To   BlockID
	From BlockID
	Next BlockID
}

func unlinkedEdge(i int) Edge {
	return Edge{To: LinkBlock(i), From: NoBlock, Next: NoBlock}
}

// Block is one arena record.
type Block struct {
	guest Range

	hostStart int
	hostSize  int
	written   int
	// next is the following block in the allocator ring, or the next free
	// record while the block sits on the free list.
	next BlockID
	// chained records own a slice of the code buffer.
	chained bool

	mask      []byte
	maskStart uint16

	page      *CodePage
	hashIndex int
	hashNext  BlockID

	edges [2]Edge
	cross BlockID
}

func blankBlock() Block {
	return Block{
		next:      NoBlock,
		hashIndex: -1,
		hashNext:  NoBlock,
		edges:     [2]Edge{unlinkedEdge(0), unlinkedEdge(1)},
		cross:     NoBlock,
	}
}

// masked reports whether the block's coverage mask exempts page offset off.
func (b *Block) masked(off int) bool {
	if b.mask == nil || off < int(b.maskStart) {
		return false
	}
	idx := off - int(b.maskStart)
	return idx < len(b.mask) && b.mask[idx] != 0
}

//
// Accessors
//

func (c *Cache) Guest(id BlockID) Range {
	return c.blocks[id].guest
}

// SetGuest records the guest bytes a block was translated from.
func (c *Cache) SetGuest(id BlockID, r Range) {
	c.blocks[id].guest = r
}

func (c *Cache) Edge(id BlockID, edge int) Edge {
	return c.blocks[id].edges[edge]
}

// Page returns the code page currently indexing the block, or nil.
func (c *Cache) Page(id BlockID) *CodePage {
	return c.blocks[id].page
}

// Partner returns the other half of a cross-page block, or NoBlock.
func (c *Cache) Partner(id BlockID) BlockID {
	return c.blocks[id].cross
}

// Live reports whether the block is indexed by a code page.
func (c *Cache) Live(id BlockID) bool {
	return c.blocks[id].page != nil
}

// Predecessors lists the blocks whose edge points at id.
func (c *Cache) Predecessors(id BlockID, edge int) []BlockID {
	var out []BlockID
	for from := c.blocks[id].edges[edge].From; from != NoBlock; from = c.blocks[from].edges[edge].Next {
		out = append(out, from)
	}
	return out
}

//
// Link resolver
//

// LinkTo points edge of from at to and records from in to's reverse chain,
// so clearing either side can unhook the other.
func (c *Cache) LinkTo(from BlockID, edge int, to BlockID) {
	if to == NoBlock {
		panic("cache: link to NoBlock")
	}
	c.unlinkEdge(from, edge)
	b := &c.blocks[from]
	b.edges[edge].To = to
	if to.IsTrampoline() {
		return
	}
	t := &c.blocks[to]
	b.edges[edge].Next = t.edges[edge].From
	t.edges[edge].From = from
	c.stats.Links++
	c.metrics.links.Inc()
	c.log.WithFields(logrus.Fields{"from": from, "to": to, "edge": edge}).Debug("linked blocks")
}

// unlinkEdge removes id from the reverse chain of its current edge target and
// resets the edge to the trampoline.
func (c *Cache) unlinkEdge(id BlockID, edge int) {
	b := &c.blocks[id]
	to := b.edges[edge].To
	if to != NoBlock && !to.IsTrampoline() {
		where := &c.blocks[to].edges[edge].From
		for *where != id && *where != NoBlock {
			where = &c.blocks[*where].edges[edge].Next
		}
		if *where == id {
			*where = b.edges[edge].Next
		} else {
			c.stats.LinkAnomalies++
			c.metrics.linkAnomalies.Inc()
			c.log.WithFields(logrus.Fields{"block": id, "target": to, "edge": edge}).
				Warn("link graph anomaly: block missing from its target's chain")
		}
	}
	b.edges[edge].To = LinkBlock(edge)
	b.edges[edge].Next = NoBlock
}

// Clear tears a block down: every predecessor is sent back to the
// trampolines, the block leaves its target's chain, its cross-page partner is
// cleared too, and it is removed from its code page. Records of second-page
// halves go back to the free list once the pairing is severed; ring records
// stay in the ring for the allocator to reuse.
func (c *Cache) Clear(id BlockID) {
	b := &c.blocks[id]
	for i := range b.edges {
		from := b.edges[i].From
		b.edges[i].From = NoBlock
		for from != NoBlock {
			pred := &c.blocks[from]
			next := pred.edges[i].Next
			pred.edges[i].Next = NoBlock
			pred.edges[i].To = LinkBlock(i)
			from = next
		}
		c.unlinkEdge(id, i)
	}

	half := NoBlock
	if p := b.cross; p != NoBlock {
		c.blocks[p].cross = NoBlock
		b.cross = NoBlock
		c.Clear(p)
		switch {
		case !c.blocks[p].chained:
			half = p
		case !b.chained:
			half = id
		}
	}

	if b.page != nil {
		b.page.DelCacheBlock(id)
		b.page = nil
	}
	b.mask = nil
	c.stats.BlocksCleared++
	c.metrics.blocksCleared.Inc()

	if half != NoBlock {
		c.addUnused(half)
	}
}

// MaskBytes exempts size bytes at page offset off from the block's write
// coverage. Decoders use it for operands fetched from guest memory at run
// time, so writes to them need not invalidate the block.
func (c *Cache) MaskBytes(id BlockID, off uint16, size int) {
	b := &c.blocks[id]
	if b.mask == nil {
		b.mask = make([]byte, maskInitialSize)
		b.maskStart = off
	}
	idx := int(off) - int(b.maskStart)
	if idx < 0 {
		grown := make([]byte, len(b.mask)-idx)
		copy(grown[-idx:], b.mask)
		b.mask = grown
		b.maskStart = off
		idx = 0
	}
	if idx+size >= len(b.mask) {
		grown := make([]byte, max(len(b.mask)*4, (idx+size)*2))
		copy(grown, b.mask)
		b.mask = grown
	}
	for i := 0; i < size; i++ {
		b.mask[idx+i]++
	}
}

const maskInitialSize = 64
