// Command pipeplan loads a pipeline plan file, partitions it into ordered
// phases and prints the per-phase resource assignments, without running
// any node. It is the offline companion to the runtime: the same
// partitioning, ordering and factor search run here against stub nodes.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/heylichen/tpie/config"
	"github.com/heylichen/tpie/internal/ctxlog"
	"github.com/heylichen/tpie/pipeline"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the planner logic for easier testing and error
// handling.
func run(outW io.Writer, args []string) error {
	flagSet := flag.NewFlagSet("pipeplan", flag.ContinueOnError)
	flagSet.SetOutput(outW)
	flagSet.Usage = func() {
		fmt.Fprint(outW, `
pipeplan - dry-run planner for pipeline plan files.

Usage:
  pipeplan [options] PLAN_PATH

Arguments:
  PLAN_PATH
    Path to a .hcl plan file.

Options:
`)
		flagSet.PrintDefaults()
	}

	dotFlag := flagSet.Bool("dot", false, "Also print the phase graph in DOT format.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	verboseFlag := flagSet.Bool("verbose", false, "Print the raw per-phase assignment tables.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}

	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return fmt.Errorf("expected exactly one plan path")
	}
	path := flagSet.Arg(0)

	logger := newLogger(*logLevelFlag, *logFormatFlag, os.Stderr)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	plan, err := config.Load(path)
	if err != nil {
		return err
	}
	logger.Debug("Plan loaded.", "path", path, "nodes", len(plan.Nodes))

	return printPlan(ctx, outW, plan, *dotFlag, *verboseFlag)
}

// newLogger builds the slog handler from the CLI flags.
func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// printPlan partitions and orders the plan, assigns resources and writes
// the result.
func printPlan(ctx context.Context, outW io.Writer, plan *config.Plan, dot, verbose bool) error {
	nodeMap, nodes := buildNodeMap(plan)
	runtime := pipeline.New(nodeMap)
	if verbose {
		runtime.SetDebugWriter(outW)
	}

	gc, err := runtime.GoInit(ctx, 0, pipeline.NullProgress{}, plan.Files, plan.Memory, "", "")
	if err != nil {
		return err
	}

	fmt.Fprintf(outW, "Plan: %d nodes, %d phases, memory budget %d, file budget %d\n",
		len(nodes), len(gc.Phases()), plan.Memory, plan.Files)
	for i, phase := range gc.Phases() {
		fmt.Fprintf(outW, "\nPhase %d: %s\n", i, gc.PhaseName(i))
		for _, n := range phase {
			pn := n.(*planNode)
			fmt.Fprintf(outW, "  %-30s memory=%s files=%s\n",
				pn.Name(), formatAmount(pn.assigned[pipeline.Memory]), formatAmount(pn.assigned[pipeline.Files]))
		}
	}

	if slots := nodeMap.Datastructures(); len(slots) > 0 {
		fmt.Fprintf(outW, "\nDatastructures:\n")
		for _, name := range sortedKeys(slots) {
			fmt.Fprintf(outW, "  %-30s memory=%s\n", name, formatAmount(slots[name].Assigned))
		}
	}

	if dot {
		fmt.Fprintln(outW)
		gc.PlotPhaseGraph(outW)
	}
	return nil
}
