package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/MRamiBalles/nodegrid/internal/domain/topology"
	"github.com/MRamiBalles/nodegrid/internal/engine"
	"github.com/MRamiBalles/nodegrid/internal/events"
	"github.com/MRamiBalles/nodegrid/internal/platform/logger"
)

type runOptions struct {
	ticks           int
	maxReplanRounds int
	output          string
	verbose         bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nodegrid-sim",
		Short:         "Run resource grid topologies offline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newValidateCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate TOPOLOGY",
		Short: "Check a topology file and report every problem in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := topology.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d nodes, %d connections, %d modifiers)\n",
				args[0], len(topo.Nodes), len(topo.Connections), len(topo.Modifiers))
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run TOPOLOGY",
		Short: "Tick a topology and print the per-node outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd, args[0], opts)
		},
	}
	cmd.Flags().IntVarP(&opts.ticks, "ticks", "n", 10, "number of ticks to run")
	cmd.Flags().IntVar(&opts.maxReplanRounds, "max-replan-rounds", engine.DefaultMaxReplanRounds, "upper bound on replanning passes per tick")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "table", "table or json")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log every tick")
	return cmd
}

// summary aggregates the reports of a run.
type summary struct {
	Ticks          int64               `json:"ticks"`
	ReplanRounds   int                 `json:"replan_rounds"`
	CapHits        int                 `json:"cap_hits"`
	TotalShortfall float64             `json:"total_shortfall"`
	Elapsed        time.Duration       `json:"elapsed_ns"`
	Nodes          []engine.NodeStatus `json:"nodes"`
}

func runSimulation(cmd *cobra.Command, path string, opts runOptions) error {
	if opts.ticks < 1 {
		return fmt.Errorf("--ticks must be at least 1")
	}
	if opts.output != "table" && opts.output != "json" {
		return fmt.Errorf("unknown output %q", opts.output)
	}

	log := logger.NewNop()
	if opts.verbose {
		log = logger.NewDevelopment()
		defer log.Sync()
	}

	topo, err := topology.LoadFile(path)
	if err != nil {
		return err
	}
	g, err := topo.Build()
	if err != nil {
		return err
	}
	eng := engine.NewEngine(g, events.NewEventLog(nil), log, nil, opts.maxReplanRounds)

	sum := summary{}
	start := time.Now()
	for i := 0; i < opts.ticks; i++ {
		report, err := eng.Tick(cmd.Context())
		if err != nil {
			return err
		}
		sum.Ticks = report.Tick
		sum.ReplanRounds += report.ReplanRounds
		sum.TotalShortfall += report.Shortfall
		if report.CapReached {
			sum.CapHits++
		}
	}
	sum.Elapsed = time.Since(start)
	sum.Nodes = eng.Snapshot()

	out := cmd.OutOrStdout()
	if opts.output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	printTable(out, sum)
	return nil
}

func printTable(out io.Writer, sum summary) {
	fmt.Fprintf(out, "%s ticks in %s, %s replan rounds, %d cap hits, %s unmet demand\n\n",
		humanize.Comma(sum.Ticks), sum.Elapsed.Round(time.Microsecond),
		humanize.Comma(int64(sum.ReplanRounds)), sum.CapHits, formatAmount(sum.TotalShortfall))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tKIND\tON\tTEMP\tRECEIVED\tPRODUCED\tPROPERTIES\tMODIFIERS")
	for _, n := range sum.Nodes {
		mods := make([]string, 0, len(n.Modifiers))
		for _, m := range n.Modifiers {
			mods = append(mods, fmt.Sprintf("%s(%d)", m.Name, m.Duration))
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s°\t%s\t%s\t%s\t%s\n",
			n.ID, n.Kind, n.Enabled, humanize.FtoaWithDigits(n.Temperature, 2),
			formatMap(n.Received), formatMap(n.Produced), formatMap(n.Properties),
			dashIfEmpty(strings.Join(mods, ",")))
	}
	w.Flush()
}

func formatAmount(v float64) string {
	return humanize.CommafWithDigits(v, 2)
}

func formatMap(m map[string]float64) string {
	if len(m) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		parts = append(parts, k+"="+formatAmount(m[k]))
	}
	return strings.Join(parts, " ")
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
