package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ascrivener/dyncache/pkg/cache"
	"github.com/ascrivener/dyncache/pkg/ram"
)

var (
	runPages   int
	runRounds  int
	runWrites  int
	runSeed    uint64
	runMetrics bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a self-modifying workload and print cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, reg, err := loadConfig()
		if err != nil {
			return err
		}
		runID := uuid.New()
		log := cfg.Logger.WithField("run", runID.String())
		cfg.Logger = log

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		c, err := cache.New(cfg, ram.NewMemory())
		if err != nil {
			return err
		}
		defer closeLogged(log, "code cache", c)

		log.WithFields(logrus.Fields{
			"pages":  runPages,
			"rounds": runRounds,
			"writes": runWrites,
			"seed":   runSeed,
		}).Info("starting workload")

		res, err := newWorkload(c, runPages, runSeed).Run(ctx, runRounds, runWrites)
		if err != nil {
			return fmt.Errorf("workload failed: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run %s\n", runID)
		printResult(out, res)
		if runMetrics {
			return printMetrics(out, reg)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().IntVar(&runPages, "pages", 4, fmt.Sprintf("number of guest code pages (1..%d)", maxCodePages))
	runCmd.Flags().IntVar(&runRounds, "rounds", 8, "passes over every guest program")
	runCmd.Flags().IntVar(&runWrites, "writes", 32, "guest writes into code pages, spread over the rounds")
	runCmd.Flags().Uint64Var(&runSeed, "seed", 1, "workload random seed")
	runCmd.Flags().BoolVar(&runMetrics, "metrics", false, "also print the prometheus counters")
}

func printResult(out io.Writer, res workloadResult) {
	d, t, c := res.Dispatch, res.Translator, res.Cache
	fmt.Fprintf(out, "runs %d, guest writes %d\n", res.Runs, res.Writes)
	fmt.Fprintf(out, "dispatch:   steps=%d translated=%d interpreted=%d linked=%d smc_exits=%d\n",
		d.Steps, d.Translated, d.Interpreted, d.Linked, d.SMCExits)

	codes := make([]cache.ReturnCode, 0, len(d.ByCode))
	for code := range d.ByCode {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for _, code := range codes {
		fmt.Fprintf(out, "  exit %-9s %d\n", code, d.ByCode[code])
	}

	fmt.Fprintf(out, "translator: blocks=%d instrs=%d cross=%d masked=%d\n",
		t.Blocks, t.Instrs, t.CrossBlocks, t.MaskedBytes)
	fmt.Fprintf(out, "cache:      opened=%d cleared=%d invalidations=%d current_block_hits=%d links=%d anomalies=%d wraps=%d\n",
		c.BlocksOpened, c.BlocksCleared, c.Invalidations, c.CurrentBlockHits, c.Links, c.LinkAnomalies, c.RingWraps)
	fmt.Fprintf(out, "pages:      claimed=%d released=%d in_use=%d\n", c.PagesClaimed, c.PagesReleased, c.PagesUsed)
	fmt.Fprintf(out, "ring:       code_bytes=%d free_records=%d\n", c.CodeBytes, c.FreeRecords)
	fmt.Fprintf(out, "digest      %s\n", hex.EncodeToString(res.Digest[:]))
}

func printMetrics(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			v := m.GetCounter().GetValue()
			if g := m.GetGauge(); g != nil {
				v = g.GetValue()
			}
			fmt.Fprintf(out, "%s %g\n", mf.GetName(), v)
		}
	}
	return nil
}
