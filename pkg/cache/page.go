package cache

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/ascrivener/dyncache/pkg/ram"
)

// CodePage replaces the handler of a guest page that holds translated code.
// Every store to the page is intercepted: stores to bytes no block covers are
// cheap, stores to covered bytes tear the overlapping blocks down.
type CodePage struct {
	c *Cache

	phys  uint32
	flags ram.Flags
	prev  ram.PageHandler
	host  []byte

	// writeMap counts, per byte, the live blocks translated from it.
	writeMap [ram.PageSize]uint16
	// invalidationMap counts SMC hits per byte; allocated on the first one.
	invalidationMap *[ram.PageSize]uint8

	// hash[0] holds second-page halves of cross-page blocks, the rest hash
	// blocks by start offset.
	hash []BlockID

	activeBlocks int
	delay        int

	next, prevPage *CodePage
	inUse          bool
}

func newCodePage(c *Cache) *CodePage {
	p := &CodePage{c: c, hash: make([]BlockID, 1+c.cfg.HashBuckets())}
	p.resetHash()
	return p
}

func (p *CodePage) resetHash() {
	for i := range p.hash {
		p.hash[i] = NoBlock
	}
}

// SetupAt claims the page for code. Flags are inherited from the handler
// being replaced, minus write permission so every store lands here.
func (p *CodePage) SetupAt(phys uint32, prev ram.PageHandler, big bool) {
	p.phys = phys
	p.prev = prev
	p.flags = prev.Flags() &^ (ram.Writeable | ram.HasCode)
	if big {
		p.flags |= ram.HasCode32
	} else {
		p.flags |= ram.HasCode16
	}
	p.activeBlocks = 0
	p.delay = p.c.cfg.PageDelay
	p.resetHash()
	p.writeMap = [ram.PageSize]uint16{}
	p.invalidationMap = nil
	p.host = prev.HostPage(phys)
}

func (p *CodePage) hashIndex(start int) int {
	return 1 + start>>p.c.cfg.HashShift
}

// AddCacheBlock indexes a block by its start offset.
func (p *CodePage) AddCacheBlock(id BlockID) {
	b := &p.c.blocks[id]
	index := p.hashIndex(int(b.guest.Start))
	b.hashNext = p.hash[index]
	b.hashIndex = index
	p.hash[index] = id
	b.page = p
	p.activeBlocks++
}

// AddCrossBlock indexes the second-page half of a cross-page block.
func (p *CodePage) AddCrossBlock(id BlockID) {
	b := &p.c.blocks[id]
	b.hashNext = p.hash[0]
	b.hashIndex = 0
	p.hash[0] = id
	b.page = p
	p.activeBlocks++
}

// Register counts the block's guest bytes in the write map (skipping masked
// bytes) and indexes it by start offset.
func (p *CodePage) Register(id BlockID) {
	p.cover(id)
	p.AddCacheBlock(id)
}

// RegisterCross is Register for a second-page half.
func (p *CodePage) RegisterCross(id BlockID) {
	p.cover(id)
	p.AddCrossBlock(id)
}

func (p *CodePage) cover(id BlockID) {
	b := &p.c.blocks[id]
	for i := int(b.guest.Start); i <= int(b.guest.End); i++ {
		if !b.masked(i) {
			p.writeMap[i]++
		}
	}
}

// DelCacheBlock unindexes a block and releases its write-map coverage.
func (p *CodePage) DelCacheBlock(id BlockID) {
	p.activeBlocks--
	p.delay = p.c.cfg.PageDelay

	b := &p.c.blocks[id]
	where := &p.hash[b.hashIndex]
	for *where != id && *where != NoBlock {
		where = &p.c.blocks[*where].hashNext
	}
	if *where == id {
		*where = b.hashNext
	} else {
		p.c.log.WithFields(logrus.Fields{"block": id, "page": p.phys}).Warn("block missing from its page hash")
	}
	b.hashNext = NoBlock
	b.hashIndex = -1

	for i := int(b.guest.Start); i <= int(b.guest.End); i++ {
		if !b.masked(i) && p.writeMap[i] > 0 {
			p.writeMap[i]--
		}
	}
	b.mask = nil
}

// FindCacheBlock returns the block translated from exactly start, or NoBlock.
func (p *CodePage) FindCacheBlock(start uint16) BlockID {
	start &= ram.PageMask
	for id := p.hash[p.hashIndex(int(start))]; id != NoBlock; id = p.c.blocks[id].hashNext {
		if p.c.blocks[id].guest.Start == start {
			return id
		}
	}
	return NoBlock
}

func (p *CodePage) covered(start, end int) bool {
	for i := start; i <= end; i++ {
		if p.writeMap[i] != 0 {
			return true
		}
	}
	return false
}

// InvalidateRange clears every block overlapping [start,end]. Buckets are
// walked from the highest one that can hold an overlapping block down to the
// cross-page bucket, stopping as soon as the range is no longer covered. The
// result reports whether the block holding the guest instruction pointer was
// among the victims. The range is clamped to the page.
func (p *CodePage) InvalidateRange(start, end int) bool {
	c := p.c
	hit := false
	start, end = max(start, 0), min(end, ram.PageMask)
	if start > end {
		return false
	}
	for index := p.hashIndex(end); index >= 0; index-- {
		if !p.covered(start, end) {
			return hit
		}
		for id := p.hash[index]; id != NoBlock; {
			b := &c.blocks[id]
			next := b.hashNext
			if b.guest.Overlaps(start, end) {
				if c.running(id) {
					hit = true
				}
				c.Clear(id)
				c.stats.Invalidations++
				c.metrics.invalidations.Inc()
			}
			id = next
		}
	}
	return hit
}

func (p *CodePage) bumpInvalidation(off uint32, size int) {
	if p.invalidationMap == nil {
		p.invalidationMap = new([ram.PageSize]uint8)
	}
	for i := 0; i < size; i++ {
		if p.invalidationMap[int(off)+i] < 0xFF {
			p.invalidationMap[int(off)+i]++
		}
	}
}

// InvalidationCount returns how often a write has hit translated code at off.
func (p *CodePage) InvalidationCount(off uint16) uint8 {
	if p.invalidationMap == nil {
		return 0
	}
	return p.invalidationMap[off&ram.PageMask]
}

// idleWrite handles a store that hit no code: once the page holds no blocks,
// each such store brings it closer to being handed back.
func (p *CodePage) idleWrite() {
	if p.activeBlocks > 0 {
		return
	}
	p.delay--
	if p.delay <= 0 {
		p.Release()
	}
}

func (p *CodePage) romWrite() bool {
	return p.prev.Flags()&ram.HasROM != 0
}

// Release hands the page back to the handler it replaced and returns the
// object to the pool.
func (p *CodePage) Release() {
	c := p.c
	c.mem.SetPageHandler(p.phys, 1, p.prev)
	c.mem.ClearTLB()
	c.unlinkUsed(p)
	p.next = c.freePages
	c.freePages = p
	p.inUse = false

	c.stats.PagesReleased++
	c.metrics.pagesReleased.Inc()
	c.metrics.pagesUsed.Dec()
	c.log.WithField("page", p.phys).Debug("released code page")
}

// ClearRelease drops every block on the page, then releases it.
func (p *CodePage) ClearRelease() {
	for index := range p.hash {
		for id := p.hash[index]; id != NoBlock; {
			next := p.c.blocks[id].hashNext
			p.c.blocks[id].page = nil
			p.c.Clear(id)
			id = next
		}
	}
	p.resetHash()
	p.activeBlocks = 0
	p.Release()
}

//
// ram.PageHandler
//

func (p *CodePage) Flags() ram.Flags {
	return p.flags
}

func (p *CodePage) HostPage(uint32) []byte {
	return p.host
}

func (p *CodePage) ReadB(addr uint32) uint8 {
	return p.host[addr&ram.PageMask]
}

func (p *CodePage) ReadW(addr uint32) uint16 {
	return binary.LittleEndian.Uint16(p.host[addr&ram.PageMask:])
}

func (p *CodePage) ReadD(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(p.host[addr&ram.PageMask:])
}

// Multi-byte writes must not cross the page; ram.Memory splits those.

func (p *CodePage) WriteB(addr uint32, val uint8) {
	if p.romWrite() {
		return
	}
	off := addr & ram.PageMask
	if p.host[off] == val {
		return
	}
	p.host[off] = val
	if p.writeMap[off] == 0 {
		p.idleWrite()
		return
	}
	p.bumpInvalidation(off, 1)
	p.InvalidateRange(int(off), int(off))
}

func (p *CodePage) WriteW(addr uint32, val uint16) {
	if p.romWrite() {
		return
	}
	off := addr & ram.PageMask
	if binary.LittleEndian.Uint16(p.host[off:]) == val {
		return
	}
	binary.LittleEndian.PutUint16(p.host[off:], val)
	if !p.covered(int(off), int(off)+1) {
		p.idleWrite()
		return
	}
	p.bumpInvalidation(off, 2)
	p.InvalidateRange(int(off), int(off)+1)
}

func (p *CodePage) WriteD(addr uint32, val uint32) {
	if p.romWrite() {
		return
	}
	off := addr & ram.PageMask
	if binary.LittleEndian.Uint32(p.host[off:]) == val {
		return
	}
	binary.LittleEndian.PutUint32(p.host[off:], val)
	if !p.covered(int(off), int(off)+3) {
		p.idleWrite()
		return
	}
	p.bumpInvalidation(off, 4)
	p.InvalidateRange(int(off), int(off)+3)
}

// checkedWrite runs the coverage bookkeeping of a store issued by running
// translated code and reports whether that code was just destroyed.
func (p *CodePage) checkedWrite(off uint32, size int) bool {
	if !p.covered(int(off), int(off)+size-1) {
		p.idleWrite()
		return false
	}
	p.bumpInvalidation(off, size)
	if p.InvalidateRange(int(off), int(off)+size-1) {
		p.c.stats.CurrentBlockHits++
		p.c.metrics.currentBlockHits.Inc()
		return true
	}
	return false
}

// WriteBChecked is WriteB for stores from translated code. When the store
// destroys the running block it is not performed and true is returned; the
// CPU core must unwind and re-enter the dispatcher, which replays it.
func (p *CodePage) WriteBChecked(addr uint32, val uint8) bool {
	if p.romWrite() {
		return false
	}
	off := addr & ram.PageMask
	if p.host[off] == val {
		return false
	}
	if p.checkedWrite(off, 1) {
		return true
	}
	p.host[off] = val
	return false
}

func (p *CodePage) WriteWChecked(addr uint32, val uint16) bool {
	if p.romWrite() {
		return false
	}
	off := addr & ram.PageMask
	if binary.LittleEndian.Uint16(p.host[off:]) == val {
		return false
	}
	if p.checkedWrite(off, 2) {
		return true
	}
	binary.LittleEndian.PutUint16(p.host[off:], val)
	return false
}

func (p *CodePage) WriteDChecked(addr uint32, val uint32) bool {
	if p.romWrite() {
		return false
	}
	off := addr & ram.PageMask
	if binary.LittleEndian.Uint32(p.host[off:]) == val {
		return false
	}
	if p.checkedWrite(off, 4) {
		return true
	}
	binary.LittleEndian.PutUint32(p.host[off:], val)
	return false
}

//
// Inspection
//

func (p *CodePage) PhysPage() uint32 { return p.phys }

func (p *CodePage) ActiveBlocks() int { return p.activeBlocks }

func (p *CodePage) Delay() int { return p.delay }

// WriteCount returns how many live blocks cover page offset off
func (p *CodePage) WriteCount(off uint16) int {
	return int(p.writeMap[off&ram.PageMask])
}

// Previous returns the handler that will be restored on release
func (p *CodePage) Previous() ram.PageHandler { return p.prev }

// InUse reports whether the page is claimed (on the used list)
func (p *CodePage) InUse() bool { return p.inUse }
