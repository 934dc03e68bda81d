package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ascrivener/dyncache/pkg/cache"
	"github.com/ascrivener/dyncache/pkg/emit"
	"github.com/ascrivener/dyncache/pkg/ram"
	"github.com/ascrivener/dyncache/pkg/translator"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm",
	Short: "Disassemble the trampolines and a translated block",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		mem := ram.NewMemory()
		base := uint32(firstCodePage) << ram.PageShift
		mem.Load(base, counterProgram(0xF0, dataBase))

		c, err := cache.New(cfg, mem)
		if err != nil {
			return err
		}
		defer closeLogged(cfg.Logger, "code cache", c)

		out := cmd.OutOrStdout()
		for _, id := range []cache.BlockID{cache.Link0, cache.Link1} {
			start, _ := c.HostRange(id)
			fmt.Fprintf(out, "trampoline %d:\n", id)
			if err := dump(out, c.Code(id), uint64(start)); err != nil {
				return err
			}
		}

		page, err := c.MakeCodePage(base, true, nil)
		if err != nil {
			return err
		}
		id, err := translator.New(c, 0).Translate(page, base)
		if err != nil {
			return err
		}
		start, _ := c.HostRange(id)
		g := c.Guest(id)
		fmt.Fprintf(out, "block %d (guest %#x-%#x):\n", id, base+uint32(g.Start), base+uint32(g.End))
		return dump(out, c.Code(id), uint64(start))
	},
}

func dump(out io.Writer, code []byte, pc uint64) error {
	lines, err := emit.Disassemble(code, pc)
	for _, l := range lines {
		fmt.Fprintf(out, "  %s\n", l)
	}
	return err
}
