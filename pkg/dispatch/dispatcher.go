// Package dispatch drives translated code: it looks blocks up, has missing
// ones translated, runs them and resolves the edges they leave through.
package dispatch

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/ascrivener/dyncache/pkg/cache"
	cerrors "github.com/ascrivener/dyncache/pkg/errors"
	"github.com/ascrivener/dyncache/pkg/ram"
	"github.com/ascrivener/dyncache/pkg/translator"
)

// Exit describes how control came back from translated code.
type Exit struct {
	Code cache.ReturnCode
	// IP is the guest address execution continues at.
	IP uint32
	// Block is the last block that ran; linked transfers may have moved it
	// past the block the dispatcher entered.
	Block cache.BlockID
}

// Executor runs translated blocks and single guest instructions.
type Executor interface {
	// Execute enters block id, translated from ip, and follows linked edges
	// until control has to come back.
	Execute(id cache.BlockID, ip uint32) Exit
	// Interpret runs the instruction at ip without translating it. It
	// returns ReturnNormal when the guest returned, ReturnOpcode otherwise.
	Interpret(ip uint32) (cache.ReturnCode, uint32)
	// IP returns the guest address of the instruction being run.
	IP() uint32
}

// Stats counts dispatcher decisions
type Stats struct {
	Steps       uint64
	Translated  uint64
	Interpreted uint64
	Linked      uint64
	SMCExits    uint64
	ByCode      map[cache.ReturnCode]uint64
}

type Dispatcher struct {
	c    *cache.Cache
	mem  *ram.Memory
	tr   *translator.Translator
	exec Executor
	log  logrus.FieldLogger

	threshold uint8
	stats     Stats
}

// New creates a dispatcher and installs it as the cache's CPU, so
// invalidations can tell whether they hit the running block.
func New(c *cache.Cache, tr *translator.Translator, exec Executor) *Dispatcher {
	d := &Dispatcher{
		c:         c,
		mem:       c.Memory(),
		tr:        tr,
		exec:      exec,
		log:       c.Config().Log("dispatch"),
		threshold: c.Config().InvalidationThreshold,
		stats:     Stats{ByCode: make(map[cache.ReturnCode]uint64)},
	}
	c.SetCPU(d)
	return d
}

// CodeAddress returns the physical address of the running guest instruction
func (d *Dispatcher) CodeAddress() uint32 {
	return d.mem.Physical(d.exec.IP())
}

func (d *Dispatcher) Stats() Stats {
	s := d.stats
	s.ByCode = make(map[cache.ReturnCode]uint64, len(d.stats.ByCode))
	for k, v := range d.stats.ByCode {
		s.ByCode[k] = v
	}
	return s
}

// Step runs guest code starting at ip until control returns to the
// dispatcher once and reports why, along with where to continue.
func (d *Dispatcher) Step(ip uint32) (cache.ReturnCode, uint32, error) {
	d.stats.Steps++
	code, next, err := d.step(ip)
	if err == nil {
		d.stats.ByCode[code]++
	}
	return code, next, err
}

func (d *Dispatcher) step(ip uint32) (cache.ReturnCode, uint32, error) {
	page, err := d.c.MakeCodePage(ip, true, nil)
	if errors.Is(err, cerrors.ErrNoCodePage) {
		return d.interpret(ip)
	}
	if err != nil {
		return 0, ip, err
	}

	off := uint16(ip & ram.PageMask)
	// Code that keeps getting overwritten is cheaper to interpret.
	if page.InvalidationCount(off) >= d.threshold {
		return d.interpret(ip)
	}

	id := page.FindCacheBlock(off)
	if id == cache.NoBlock {
		id, err = d.tr.Translate(page, ip)
		if errors.Is(err, translator.ErrNothingTranslated) {
			return d.interpret(ip)
		}
		if err != nil {
			return 0, ip, err
		}
		d.stats.Translated++
	}

	exit := d.exec.Execute(id, ip)
	switch exit.Code {
	case cache.ReturnLink0, cache.ReturnLink1:
		d.link(exit)
	case cache.ReturnSMCBlock:
		// The block was destroyed under the store; replay it uncompiled.
		d.stats.SMCExits++
		d.log.WithField("ip", exit.IP).Debug("current block modified, interpreting store")
		return d.interpret(exit.IP)
	}
	return exit.Code, exit.IP, nil
}

func (d *Dispatcher) interpret(ip uint32) (cache.ReturnCode, uint32, error) {
	d.stats.Interpreted++
	code, next := d.exec.Interpret(ip)
	return code, next, nil
}

// link points the edge the block left through at the block already
// translated for its target, if any.
func (d *Dispatcher) link(exit Exit) {
	if exit.Block == cache.NoBlock || !d.c.Live(exit.Block) {
		return
	}
	p, ok := d.mem.Handler(exit.IP).(*cache.CodePage)
	if !ok {
		return
	}
	to := p.FindCacheBlock(uint16(exit.IP & ram.PageMask))
	if to == cache.NoBlock {
		return
	}
	d.c.LinkTo(exit.Block, int(exit.Code-cache.ReturnLink0), to)
	d.stats.Linked++
}

// Run steps from ip until the guest returns, steps are used up or ctx is
// done. It returns the address execution stopped at.
func (d *Dispatcher) Run(ctx context.Context, ip uint32, steps int) (uint32, error) {
	for i := 0; steps <= 0 || i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return ip, err
		}
		code, next, err := d.Step(ip)
		if err != nil {
			return ip, err
		}
		ip = next
		if code == cache.ReturnNormal {
			break
		}
	}
	return ip, nil
}
