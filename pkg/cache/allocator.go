package cache

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	cerrors "github.com/ascrivener/dyncache/pkg/errors"
)

// The code buffer is a ring: blocks are handed out in address order and once
// the tail has no room for a full translation the allocator wraps to the
// first block. Whatever still lives in the region being reused is cleared
// when its space is claimed, so old translations simply vanish and get
// retranslated on demand.

// getBlock takes a record off the free list. Running out of records is fatal.
func (c *Cache) getBlock() BlockID {
	id := c.free
	if id == NoBlock {
		c.fatal(cerrors.Fatalf(cerrors.ErrOutOfBlocks, "all %d block records in use", len(c.blocks)))
	}
	c.free = c.blocks[id].next
	c.freeCount--
	c.blocks[id] = blankBlock()
	c.metrics.freeRecords.Set(float64(c.freeCount))
	return id
}

// addUnused puts a record back on the free list.
func (c *Cache) addUnused(id BlockID) {
	b := &c.blocks[id]
	b.chained = false
	b.hostStart, b.hostSize, b.written = 0, 0, 0
	b.next = c.free
	c.free = id
	c.freeCount++
	c.metrics.freeRecords.Set(float64(c.freeCount))
}

// OpenBlock returns the active ring block ready for emission. A block still
// indexed by a page is cleared first; following blocks are merged in until
// there is room for one worst-case translation or the ring tail is reached.
func (c *Cache) OpenBlock() BlockID {
	c.mustBeOpen()
	id := c.active
	b := &c.blocks[id]
	size := b.hostSize
	next := b.next
	if b.page != nil {
		c.Clear(id)
	}
	for size < c.cfg.MaxBlockSize {
		if next == NoBlock {
			break
		}
		nb := &c.blocks[next]
		size += nb.hostSize
		after := nb.next
		if nb.page != nil {
			c.Clear(next)
		}
		c.addUnused(next)
		next = after
	}
	b.hostSize = size
	b.next = next
	b.written = 0
	c.pos = b.hostStart

	c.stats.BlocksOpened++
	c.metrics.blocksOpened.Inc()
	return id
}

// Emit8 appends one byte at the cursor. Callers keep a translation within
// MaxBlockSize; nothing else bounds the cursor.
func (c *Cache) Emit8(v uint8) {
	c.code[c.pos] = v
	c.pos++
}

func (c *Cache) Emit16(v uint16) {
	binary.LittleEndian.PutUint16(c.code[c.pos:], v)
	c.pos += 2
}

func (c *Cache) Emit32(v uint32) {
	binary.LittleEndian.PutUint32(c.code[c.pos:], v)
	c.pos += 4
}

func (c *Cache) Emit64(v uint64) {
	binary.LittleEndian.PutUint64(c.code[c.pos:], v)
	c.pos += 8
}

// Pos returns the cursor as an offset into the code buffer
func (c *Cache) Pos() int {
	return c.pos
}

// CloseBlock finishes the active block: both edges go back to the
// trampolines, unused space beyond the alignment granule is split off into a
// new ring block, and the allocator advances (wrapping when the tail is too
// short for another translation).
func (c *Cache) CloseBlock() {
	id := c.active
	b := &c.blocks[id]
	b.edges = [2]Edge{unlinkedEdge(0), unlinkedEdge(1)}

	written := c.pos - b.hostStart
	if written > b.hostSize {
		if b.next == NoBlock {
			if written > b.hostSize+c.cfg.MaxBlockSize {
				c.fatal(cerrors.Fatalf(cerrors.ErrBlockOverrun, "tail block overrun by %d bytes", written-b.hostSize))
			}
		} else {
			c.fatal(cerrors.Fatalf(cerrors.ErrBlockOverrun, "written %d size %d", written, b.hostSize))
		}
	} else if left := b.hostSize - written; left > c.cfg.Align {
		newSize := ((written - 1) | (c.cfg.Align - 1)) + 1
		nid := c.getBlock()
		nb := &c.blocks[nid]
		nb.chained = true
		nb.hostStart = b.hostStart + newSize
		nb.hostSize = b.hostSize - newSize
		nb.next = b.next
		b.next = nid
		b.hostSize = newSize
	}
	b.written = written

	if b.next == NoBlock || c.blocks[b.next].hostStart > c.codeStart+c.cfg.TotalSize-c.cfg.MaxBlockSize {
		c.active = c.first
		c.stats.RingWraps++
		c.metrics.ringWraps.Inc()
		c.log.Debug("code cache full, restarting at first block")
	} else {
		c.active = b.next
	}
	c.log.WithFields(logrus.Fields{"block": id, "host": b.hostStart, "written": written}).Debug("closed block")
}

// NewCrossBlock pairs main with a fresh record describing the part of its
// guest code that lies on the following page. The half owns no code bytes.
func (c *Cache) NewCrossBlock(main BlockID) BlockID {
	half := c.getBlock()
	c.blocks[half].cross = main
	c.blocks[main].cross = half
	return half
}

// HostRange returns the code buffer slice owned by a block
func (c *Cache) HostRange(id BlockID) (start, size int) {
	b := &c.blocks[id]
	return b.hostStart, b.hostSize
}

// Code returns the bytes emitted into a closed block
func (c *Cache) Code(id BlockID) []byte {
	b := &c.blocks[id]
	return c.code[b.hostStart : b.hostStart+b.written]
}

// EntryPoint returns the host address of a block's first instruction
func (c *Cache) EntryPoint(id BlockID) uintptr {
	return c.region.BaseAddress() + uintptr(c.blocks[id].hostStart)
}

// Walk visits the ring in address order
func (c *Cache) Walk(fn func(id BlockID, start, size int, live bool)) {
	for id := c.first; id != NoBlock; id = c.blocks[id].next {
		b := &c.blocks[id]
		fn(id, b.hostStart, b.hostSize, b.page != nil)
	}
}
