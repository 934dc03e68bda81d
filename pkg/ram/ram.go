package ram

import (
	"encoding/binary"
)

// Constants for guest memory layout
const (
	PageSize  = (1 << 12)
	PageShift = 12
	PageMask  = PageSize - 1
)

// Flags describe what a page handler allows and what it currently holds.
type Flags uint32

const (
	Readable Flags = 1 << iota
	Writeable
	HasROM
	HasCode32
	HasCode16
	NoCode

	HasCode = HasCode32 | HasCode16
)

// PageHandler intercepts every access to one or more physical pages. All
// addresses passed to a handler are physical.
type PageHandler interface {
	Flags() Flags
	ReadB(addr uint32) uint8
	ReadW(addr uint32) uint16
	ReadD(addr uint32) uint32
	WriteB(addr uint32, val uint8)
	WriteW(addr uint32, val uint16)
	WriteD(addr uint32, val uint32)
	// Checked writes come from inside running translated code. A true
	// result means the write was not performed and the caller must unwind.
	// Memory splits page-crossing stores; see Memory.WriteWChecked.
	WriteBChecked(addr uint32, val uint8) bool
	WriteWChecked(addr uint32, val uint16) bool
	WriteDChecked(addr uint32, val uint32) bool
	// HostPage returns the backing bytes of a physical page.
	HostPage(phys uint32) []byte
}

type tlbEntry struct {
	phys    uint32
	handler PageHandler
}

// Memory represents guest physical memory plus the per-page handler table and
// the linear->physical mapping in front of it.
type Memory struct {
	pages    map[uint32][]byte      // Physical page number -> page content
	handlers map[uint32]PageHandler // Physical page number -> handler override
	mapping  map[uint32]uint32      // Linear page number -> physical page number
	tlb      map[uint32]tlbEntry    // Linear page number -> resolved page

	ram    *RAMHandler
	rom    *ROMHandler
	noCode *RAMHandler

	tlbFlushes int
}

//
// Memory Creation & Initialization
//

// NewMemory creates an identity-mapped memory where every page is plain RAM
func NewMemory() *Memory {
	m := &Memory{
		pages:    make(map[uint32][]byte),
		handlers: make(map[uint32]PageHandler),
		mapping:  make(map[uint32]uint32),
		tlb:      make(map[uint32]tlbEntry),
	}
	m.ram = &RAMHandler{mem: m, flags: Readable | Writeable}
	m.rom = &ROMHandler{RAMHandler{mem: m, flags: Readable | HasROM}}
	m.noCode = &RAMHandler{mem: m, flags: Readable | Writeable | NoCode}
	return m
}

//
// Page helpers
//

// getPageAndOffset converts an absolute address to page number and offset
func getPageAndOffset(addr uint32) (pageNum uint32, offset uint32) {
	return addr >> PageShift, addr & PageMask
}

// getOrCreatePage returns the physical page, creating it if it doesn't exist
func (m *Memory) getOrCreatePage(pageNum uint32) []byte {
	page, exists := m.pages[pageNum]
	if !exists {
		page = make([]byte, PageSize)
		m.pages[pageNum] = page
	}
	return page
}

//
// Handler table
//

// RAM returns the generic RAM handler installed on every page by default
func (m *Memory) RAM() PageHandler { return m.ram }

// SetPageHandler installs h on count physical pages starting at phys. A nil
// handler restores plain RAM. Cached translations are not flushed.
func (m *Memory) SetPageHandler(phys uint32, count int, h PageHandler) {
	for i := uint32(0); i < uint32(count); i++ {
		if h == nil || h == PageHandler(m.ram) {
			delete(m.handlers, phys+i)
		} else {
			m.handlers[phys+i] = h
		}
	}
}

// MarkROM makes count pages starting at phys read-only
func (m *Memory) MarkROM(phys uint32, count int) {
	m.SetPageHandler(phys, count, m.rom)
}

// MarkNoCode forbids translating code out of count pages starting at phys
func (m *Memory) MarkNoCode(phys uint32, count int) {
	m.SetPageHandler(phys, count, m.noCode)
}

// PhysHandler returns the handler of a physical page, bypassing the TLB
func (m *Memory) PhysHandler(phys uint32) PageHandler {
	if h, ok := m.handlers[phys]; ok {
		return h
	}
	return m.ram
}

//
// Paging
//

// MapPage maps a linear page onto a physical page and drops its cached entry
func (m *Memory) MapPage(linPage, physPage uint32) {
	if linPage == physPage {
		delete(m.mapping, linPage)
	} else {
		m.mapping[linPage] = physPage
	}
	m.UnlinkPage(linPage)
}

// PhysicalPage resolves a linear page number
func (m *Memory) PhysicalPage(linPage uint32) uint32 {
	if phys, ok := m.mapping[linPage]; ok {
		return phys
	}
	return linPage
}

// Physical resolves a linear address
func (m *Memory) Physical(linear uint32) uint32 {
	page, offset := getPageAndOffset(linear)
	return m.PhysicalPage(page)<<PageShift | offset
}

func (m *Memory) lookup(linear uint32) (uint32, PageHandler) {
	linPage, offset := getPageAndOffset(linear)
	if e, ok := m.tlb[linPage]; ok {
		return e.phys<<PageShift | offset, e.handler
	}
	phys := m.PhysicalPage(linPage)
	e := tlbEntry{phys: phys, handler: m.PhysHandler(phys)}
	m.tlb[linPage] = e
	return phys<<PageShift | offset, e.handler
}

// Handler returns the handler currently serving a linear address, through the TLB
func (m *Memory) Handler(linear uint32) PageHandler {
	_, h := m.lookup(linear)
	return h
}

// UnlinkPage drops the cached translation of one linear page
func (m *Memory) UnlinkPage(linPage uint32) {
	delete(m.tlb, linPage)
}

// ClearTLB drops every cached translation
func (m *Memory) ClearTLB() {
	clear(m.tlb)
	m.tlbFlushes++
}

// TLBFlushes returns how many times ClearTLB has run
func (m *Memory) TLBFlushes() int {
	return m.tlbFlushes
}

//
// Access through handlers
//

func (m *Memory) ReadB(linear uint32) uint8 {
	phys, h := m.lookup(linear)
	return h.ReadB(phys)
}

func (m *Memory) ReadW(linear uint32) uint16 {
	if linear&PageMask > PageSize-2 {
		return uint16(m.ReadB(linear)) | uint16(m.ReadB(linear+1))<<8
	}
	phys, h := m.lookup(linear)
	return h.ReadW(phys)
}

func (m *Memory) ReadD(linear uint32) uint32 {
	if linear&PageMask > PageSize-4 {
		return uint32(m.ReadW(linear)) | uint32(m.ReadW(linear+2))<<16
	}
	phys, h := m.lookup(linear)
	return h.ReadD(phys)
}

func (m *Memory) WriteB(linear uint32, val uint8) {
	phys, h := m.lookup(linear)
	h.WriteB(phys, val)
}

// WriteW splits page-crossing writes into single bytes
func (m *Memory) WriteW(linear uint32, val uint16) {
	if linear&PageMask > PageSize-2 {
		m.WriteB(linear, uint8(val))
		m.WriteB(linear+1, uint8(val>>8))
		return
	}
	phys, h := m.lookup(linear)
	h.WriteW(phys, val)
}

func (m *Memory) WriteD(linear uint32, val uint32) {
	if linear&PageMask > PageSize-4 {
		m.WriteW(linear, uint16(val))
		m.WriteW(linear+2, uint16(val>>16))
		return
	}
	phys, h := m.lookup(linear)
	h.WriteD(phys, val)
}

func (m *Memory) WriteBChecked(linear uint32, val uint8) bool {
	phys, h := m.lookup(linear)
	return h.WriteBChecked(phys, val)
}

// WriteWChecked splits a store crossing a page into parts done in address
// order. A part reporting true stops the store, but earlier parts stay
// committed; callers replay the whole store, which rewrites them unchanged.
func (m *Memory) WriteWChecked(linear uint32, val uint16) bool {
	if linear&PageMask > PageSize-2 {
		if m.WriteBChecked(linear, uint8(val)) {
			return true
		}
		return m.WriteBChecked(linear+1, uint8(val>>8))
	}
	phys, h := m.lookup(linear)
	return h.WriteWChecked(phys, val)
}

// WriteDChecked splits page-crossing stores like WriteWChecked.
func (m *Memory) WriteDChecked(linear uint32, val uint32) bool {
	if linear&PageMask > PageSize-4 {
		if m.WriteWChecked(linear, uint16(val)) {
			return true
		}
		return m.WriteWChecked(linear+2, uint16(val>>16))
	}
	phys, h := m.lookup(linear)
	return h.WriteDChecked(phys, val)
}

// Load copies data into physical memory without going through handlers. It is
// meant for seeding guest images before anything has been translated.
func (m *Memory) Load(phys uint32, data []byte) {
	for len(data) > 0 {
		pageNum, offset := getPageAndOffset(phys)
		n := copy(m.getOrCreatePage(pageNum)[offset:], data)
		data = data[n:]
		phys += uint32(n)
	}
}

// Peek returns a copy of physical memory without going through handlers
func (m *Memory) Peek(phys uint32, length int) []byte {
	out := make([]byte, 0, length)
	for len(out) < length {
		pageNum, offset := getPageAndOffset(phys)
		page := m.pages[pageNum]
		n := min(length-len(out), int(PageSize-offset))
		if page == nil {
			out = append(out, make([]byte, n)...)
		} else {
			out = append(out, page[offset:int(offset)+n]...)
		}
		phys += uint32(n)
	}
	return out
}

//
// Default handlers
//

// RAMHandler serves plain read/write memory
type RAMHandler struct {
	mem   *Memory
	flags Flags
}

func (h *RAMHandler) Flags() Flags { return h.flags }

func (h *RAMHandler) host(addr uint32) ([]byte, uint32) {
	pageNum, offset := getPageAndOffset(addr)
	return h.mem.getOrCreatePage(pageNum), offset
}

func (h *RAMHandler) ReadB(addr uint32) uint8 {
	page, off := h.host(addr)
	return page[off]
}

func (h *RAMHandler) ReadW(addr uint32) uint16 {
	page, off := h.host(addr)
	return binary.LittleEndian.Uint16(page[off:])
}

func (h *RAMHandler) ReadD(addr uint32) uint32 {
	page, off := h.host(addr)
	return binary.LittleEndian.Uint32(page[off:])
}

func (h *RAMHandler) WriteB(addr uint32, val uint8) {
	page, off := h.host(addr)
	page[off] = val
}

func (h *RAMHandler) WriteW(addr uint32, val uint16) {
	page, off := h.host(addr)
	binary.LittleEndian.PutUint16(page[off:], val)
}

func (h *RAMHandler) WriteD(addr uint32, val uint32) {
	page, off := h.host(addr)
	binary.LittleEndian.PutUint32(page[off:], val)
}

func (h *RAMHandler) WriteBChecked(addr uint32, val uint8) bool {
	h.WriteB(addr, val)
	return false
}

func (h *RAMHandler) WriteWChecked(addr uint32, val uint16) bool {
	h.WriteW(addr, val)
	return false
}

func (h *RAMHandler) WriteDChecked(addr uint32, val uint32) bool {
	h.WriteD(addr, val)
	return false
}

func (h *RAMHandler) HostPage(phys uint32) []byte {
	return h.mem.getOrCreatePage(phys)
}

// ROMHandler ignores writes
type ROMHandler struct {
	RAMHandler
}

func (h *ROMHandler) WriteB(uint32, uint8) {}
func (h *ROMHandler) WriteW(uint32, uint16) {}
func (h *ROMHandler) WriteD(uint32, uint32) {}
func (h *ROMHandler) WriteBChecked(uint32, uint8) bool { return false }
func (h *ROMHandler) WriteWChecked(uint32, uint16) bool { return false }
func (h *ROMHandler) WriteDChecked(uint32, uint32) bool { return false }
