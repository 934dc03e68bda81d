// Package cache holds translated guest code: a ring of host code blocks, the
// link graph between them and the per-page write interception that throws
// blocks away when the guest overwrites the bytes they came from.
//
// A Cache is single threaded. Write handlers run on the stack of the guest
// store that triggered them and may clear the block that issued it.
package cache

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/ascrivener/dyncache/pkg/config"
	"github.com/ascrivener/dyncache/pkg/emit"
	cerrors "github.com/ascrivener/dyncache/pkg/errors"
	"github.com/ascrivener/dyncache/pkg/execmem"
	"github.com/ascrivener/dyncache/pkg/ram"
)

// ReturnCode is what translated code leaves in EAX when it hands control back
// to the dispatcher.
type ReturnCode uint32

const (
	ReturnNormal ReturnCode = iota
	ReturnCycles
	ReturnLink0
	ReturnLink1
	ReturnOpcode
	ReturnSMCBlock
)

func (r ReturnCode) String() string {
	switch r {
	case ReturnNormal:
		return "normal"
	case ReturnCycles:
		return "cycles"
	case ReturnLink0:
		return "link0"
	case ReturnLink1:
		return "link1"
	case ReturnOpcode:
		return "opcode"
	case ReturnSMCBlock:
		return "smc-block"
	default:
		return "unknown"
	}
}

// The trampolines live in front of the ring, one slot per edge.
const (
	trampolineStride = 32
	trampolineArea   = 2 * trampolineStride
)

// CPU exposes the guest state the invalidation sweep needs.
type CPU interface {
	// CodeAddress returns the physical address of the guest instruction
	// pointer.
	CodeAddress() uint32
}

// Stats tracks cache activity
type Stats struct {
	BlocksOpened     uint64
	BlocksCleared    uint64
	Invalidations    uint64
	CurrentBlockHits uint64
	PagesClaimed     uint64
	PagesReleased    uint64
	Links            uint64
	LinkAnomalies    uint64
	RingWraps        uint64

	PagesUsed   int
	FreeRecords int
	CodeBytes   int
}

// Cache is the translated-code cache of one emulated CPU.
type Cache struct {
	cfg     config.Config
	log     logrus.FieldLogger
	mem     *ram.Memory
	cpu     CPU
	metrics *metrics
	stats   Stats

	region    *execmem.Region
	code      []byte
	codeStart int
	pos       int

	blocks    []Block
	free      BlockID
	freeCount int
	first     BlockID
	active    BlockID

	pages     []*CodePage
	freePages *CodePage
	usedHead  *CodePage
	usedTail  *CodePage
	usedCount int

	closed bool
}

// New maps the code buffer, lays out the block arena and page pool and emits
// the trampolines.
func New(cfg config.Config, mem *ram.Memory) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindConfig, "registering cache metrics")
	}
	region, err := execmem.Map(trampolineArea+cfg.TotalSize+cfg.MaxBlockSize, cfg.Executable)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.KindMemory, "mapping code buffer")
	}

	c := &Cache{
		cfg:       cfg,
		log:       cfg.Log("cache"),
		mem:       mem,
		metrics:   m,
		region:    region,
		code:      region.Bytes(),
		codeStart: trampolineArea,
		blocks:    make([]Block, cfg.Blocks),
		pages:     make([]*CodePage, cfg.Pages),
	}
	c.emitTrampolines()
	c.initRing()
	for i := range c.pages {
		p := newCodePage(c)
		p.next = c.freePages
		c.freePages = p
		c.pages[i] = p
	}

	c.log.WithFields(logrus.Fields{
		"total_size": cfg.TotalSize,
		"blocks":     cfg.Blocks,
		"pages":      cfg.Pages,
		"executable": region.Executable(),
	}).Info("code cache initialized")
	return c, nil
}

func (c *Cache) emitTrampolines() {
	for i := 0; i < 2; i++ {
		b := blankBlock()
		b.hostStart = i * trampolineStride
		b.hostSize = trampolineStride
		c.blocks[i] = b

		c.pos = b.hostStart
		a := emit.NewAssembler(c)
		a.Exit(uint32(ReturnLink0) + uint32(i))
		for a.Emitted() < trampolineStride {
			a.Int3()
		}
		c.blocks[i].written = emit.ExitSize
	}
}

// initRing puts every non-trampoline record on the free list and hands the
// whole ring to a single block.
func (c *Cache) initRing() {
	c.free = NoBlock
	c.freeCount = 0
	for id := BlockID(len(c.blocks) - 1); id >= firstRecord; id-- {
		c.blocks[id] = blankBlock()
		c.addUnused(id)
	}
	c.first = c.getBlock()
	b := &c.blocks[c.first]
	b.chained = true
	b.hostStart = c.codeStart
	b.hostSize = c.cfg.TotalSize
	c.active = c.first
	c.pos = c.codeStart
}

// SetCPU installs the guest CPU consulted for current-block hits.
func (c *Cache) SetCPU(cpu CPU) {
	c.cpu = cpu
}

// Config returns the configuration the cache was built with
func (c *Cache) Config() config.Config {
	return c.cfg
}

// Memory returns the guest memory the cache intercepts
func (c *Cache) Memory() *ram.Memory {
	return c.mem
}

// Reset drops every translation and gives the whole ring back to one block.
// Trampolines and the page pool survive.
func (c *Cache) Reset() {
	c.mustBeOpen()
	c.releaseAll()
	c.initRing()
	c.log.Info("code cache reset")
}

// Close releases every code page and unmaps the code buffer. Closing twice is
// a no-op; any other call on a closed cache panics.
func (c *Cache) Close() error {
	if c.closed {
		return nil
	}
	c.releaseAll()
	c.closed = true
	c.code = nil
	if err := c.region.Free(); err != nil {
		return cerrors.Wrap(err, cerrors.KindMemory, "unmapping code buffer")
	}
	c.log.Info("code cache closed")
	return nil
}

func (c *Cache) releaseAll() {
	for c.usedHead != nil {
		c.usedHead.ClearRelease()
	}
}

func (c *Cache) fatal(err error) {
	c.log.WithError(err).Error("fatal code cache error")
	panic(err)
}

func (c *Cache) mustBeOpen() {
	if c.closed {
		c.fatal(cerrors.ErrCacheClosed)
	}
}

// running reports whether the guest instruction pointer lies inside the
// guest bytes of id or of its cross-page partner.
func (c *Cache) running(id BlockID) bool {
	if c.cpu == nil {
		return false
	}
	addr := c.cpu.CodeAddress()
	for _, b := range []BlockID{id, c.blocks[id].cross} {
		if b == NoBlock {
			continue
		}
		blk := &c.blocks[b]
		if blk.page != nil && blk.page.phys == addr>>ram.PageShift && blk.guest.Contains(int(addr&ram.PageMask)) {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the counters plus the current occupancy.
func (c *Cache) Stats() Stats {
	s := c.stats
	s.PagesUsed = c.usedCount
	s.FreeRecords = c.freeCount
	for id := c.first; id != NoBlock; id = c.blocks[id].next {
		if b := &c.blocks[id]; b.page != nil {
			s.CodeBytes += b.written
		}
	}
	return s
}

// Digest hashes every live block's guest range and host code in ring order.
// Two caches that translated the same guest code the same way agree on it.
func (c *Cache) Digest() [32]byte {
	h, _ := blake2b.New256(nil)
	var hdr [12]byte
	for id := c.first; id != NoBlock; id = c.blocks[id].next {
		b := &c.blocks[id]
		if b.page == nil {
			continue
		}
		binary.LittleEndian.PutUint32(hdr[0:], b.page.phys)
		binary.LittleEndian.PutUint16(hdr[4:], b.guest.Start)
		binary.LittleEndian.PutUint16(hdr[6:], b.guest.End)
		binary.LittleEndian.PutUint32(hdr[8:], uint32(b.written))
		h.Write(hdr[:])
		h.Write(c.code[b.hostStart : b.hostStart+b.written])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
