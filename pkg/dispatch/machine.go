package dispatch

import (
	"github.com/ascrivener/dyncache/pkg/cache"
	"github.com/ascrivener/dyncache/pkg/ram"
	"github.com/ascrivener/dyncache/pkg/translator"
)

// DefaultBudget is the number of guest ops a Machine runs per Execute before
// handing control back with ReturnCycles.
const DefaultBudget = 1024

// Machine is a reference Executor. Instead of jumping into host code it
// replays the ops each block was compiled from, following resolved edges
// block to block the way linked host code would. Stores go through the
// checked write path, so a block that overwrites itself is caught.
type Machine struct {
	c   *cache.Cache
	mem *ram.Memory
	tr  *translator.Translator

	// A is the guest accumulator.
	A      uint8
	Budget int

	ip        uint32
	transfers uint64
}

func NewMachine(c *cache.Cache, tr *translator.Translator) *Machine {
	return &Machine{c: c, mem: c.Memory(), tr: tr, Budget: DefaultBudget}
}

func (m *Machine) IP() uint32 {
	return m.ip
}

// Transfers returns how many block-to-block jumps ran without the dispatcher
func (m *Machine) Transfers() uint64 {
	return m.transfers
}

func (m *Machine) Execute(id cache.BlockID, ip uint32) Exit {
	m.ip = ip
	budget := m.Budget
	for {
		comp := m.tr.Compiled(id)
		if comp == nil || !m.c.Live(id) {
			return Exit{Code: cache.ReturnOpcode, IP: m.ip, Block: cache.NoBlock}
		}
		for _, op := range comp.Ops {
			m.ip = op.IP
			budget--
			switch op.Kind {
			case translator.KindInc:
				m.A++
			case translator.KindLoad:
				m.A = op.Imm
			case translator.KindLoadMem:
				m.A = m.mem.ReadB(op.Addr)
			case translator.KindStore:
				if m.mem.WriteBChecked(op.Addr, m.A) {
					return Exit{Code: cache.ReturnSMCBlock, IP: op.IP, Block: id}
				}
			case translator.KindRet:
				m.ip = op.Next
				return Exit{Code: cache.ReturnNormal, IP: op.Next, Block: id}
			}
		}

		edge, next := comp.Exit(m.A)
		m.ip = next
		to := m.c.Edge(id, edge).To
		if to.IsTrampoline() {
			return Exit{Code: cache.ReturnLink0 + cache.ReturnCode(edge), IP: next, Block: id}
		}
		if budget <= 0 {
			return Exit{Code: cache.ReturnCycles, IP: next, Block: id}
		}
		m.transfers++
		id = to
	}
}

func (m *Machine) Interpret(ip uint32) (cache.ReturnCode, uint32) {
	m.ip = ip
	op, _ := translator.Decode(func(a uint32) (uint8, bool) { return m.mem.ReadB(a), true }, ip)
	switch op.Kind {
	case translator.KindInc:
		m.A++
	case translator.KindLoad:
		m.A = op.Imm
	case translator.KindStore:
		m.mem.WriteB(op.Addr, m.A)
	case translator.KindJmp:
		return cache.ReturnOpcode, op.Target
	case translator.KindJz:
		if m.A == 0 {
			return cache.ReturnOpcode, op.Target
		}
	case translator.KindRet:
		return cache.ReturnNormal, op.Next
	}
	return cache.ReturnOpcode, op.Next
}
