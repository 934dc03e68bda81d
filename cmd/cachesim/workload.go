package main

import (
	"context"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/ascrivener/dyncache/pkg/cache"
	"github.com/ascrivener/dyncache/pkg/dispatch"
	"github.com/ascrivener/dyncache/pkg/ram"
	"github.com/ascrivener/dyncache/pkg/translator"
)

const (
	// Stores take 16-bit addresses, so code and data stay below 64 KiB.
	firstCodePage = 1
	maxCodePages  = 14
	dataBase      = 0xF000

	counterEntry = 0x000
	patchEntry   = 0x100
	scratchOff   = 0x800

	stepsPerRun = 100000
)

// counterProgram counts from start up to 256, storing every value to out.
// The immediate at offset 1 is what the workload rewrites.
func counterProgram(start uint8, out uint16) []byte {
	return []byte{
		translator.OpcodeLoad, start,
		translator.OpcodeStore, uint8(out), uint8(out >> 8), // loop:
		translator.OpcodeInc,
		translator.OpcodeJz, 0x02,
		translator.OpcodeJmp, 0xF8,
		translator.OpcodeRet,
	}
}

// patchProgram rewrites its own second immediate before running it.
func patchProgram(base uint32, v uint8, out uint16) []byte {
	imm := uint16(base + 6)
	return []byte{
		translator.OpcodeLoad, v,
		translator.OpcodeStore, uint8(imm), uint8(imm >> 8),
		translator.OpcodeLoad, 0,
		translator.OpcodeStore, uint8(out), uint8(out >> 8),
		translator.OpcodeRet,
	}
}

type workloadResult struct {
	Runs       int
	Writes     int
	Dispatch   dispatch.Stats
	Translator translator.Stats
	Cache      cache.Stats
	Digest     [32]byte
}

// workload runs a set of guest programs, one code page each, and rewrites
// their code between runs.
type workload struct {
	c   *cache.Cache
	mem *ram.Memory
	tr  *translator.Translator
	m   *dispatch.Machine
	d   *dispatch.Dispatcher
	rng *rand.Rand
	log logrus.FieldLogger

	pages int
}

func newWorkload(c *cache.Cache, pages int, seed uint64) *workload {
	if pages < 1 {
		pages = 1
	}
	if pages > maxCodePages {
		pages = maxCodePages
	}
	tr := translator.New(c, 0)
	m := dispatch.NewMachine(c, tr)
	w := &workload{
		c:     c,
		mem:   c.Memory(),
		tr:    tr,
		m:     m,
		d:     dispatch.New(c, tr, m),
		rng:   rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		log:   c.Config().Log("workload"),
		pages: pages,
	}
	for i := 0; i < pages; i++ {
		base := w.pageBase(i)
		out := uint16(dataBase + 2*i)
		w.mem.Load(base+counterEntry, counterProgram(uint8(w.rng.UintN(256)), out))
		w.mem.Load(base+patchEntry, patchProgram(base+patchEntry, uint8(i+1), out+1))
	}
	return w
}

func (w *workload) pageBase(i int) uint32 {
	return uint32(firstCodePage+i) << ram.PageShift
}

// write performs one guest store into a random program page: mostly the
// counter's immediate, sometimes scratch bytes no block covers.
func (w *workload) write() {
	base := w.pageBase(w.rng.IntN(w.pages))
	v := uint8(w.rng.UintN(256))
	if w.rng.IntN(4) == 0 {
		w.mem.WriteB(base+scratchOff+uint32(w.rng.IntN(256)), v)
		return
	}
	w.mem.WriteB(base+counterEntry+1, v)
}

// Run executes rounds passes over every program, spreading writes guest
// stores across them.
func (w *workload) Run(ctx context.Context, rounds, writes int) (workloadResult, error) {
	var res workloadResult
	for r := 0; r < rounds; r++ {
		for i := 0; i < w.pages; i++ {
			for _, entry := range []uint32{counterEntry, patchEntry} {
				if _, err := w.d.Run(ctx, w.pageBase(i)+entry, stepsPerRun); err != nil {
					return res, err
				}
				res.Runs++
			}
		}
		share := writes / rounds
		if r < writes%rounds {
			share++
		}
		for j := 0; j < share; j++ {
			w.write()
			res.Writes++
		}
		w.log.WithFields(logrus.Fields{
			"round":      r,
			"pages_used": len(w.c.UsedPages()),
		}).Debug("round complete")
	}

	res.Dispatch = w.d.Stats()
	res.Translator = w.tr.Stats()
	res.Cache = w.c.Stats()
	res.Digest = w.c.Digest()
	return res, nil
}
