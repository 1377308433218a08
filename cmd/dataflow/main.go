// Command dataflow is the CLI entrypoint (C15): run a pipeline, walk it
// interactively, or reset incremental-processing bookkeeping for a subtree.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mara-data/dataflow/internal/config"
	"github.com/mara-data/dataflow/internal/dag"
	"github.com/mara-data/dataflow/internal/engine"
	"github.com/mara-data/dataflow/internal/events"
	"github.com/mara-data/dataflow/internal/incremental"
	logging "github.com/mara-data/dataflow/internal/obs/logging"
	"github.com/mara-data/dataflow/internal/obs/otelinit"
	"github.com/mara-data/dataflow/internal/notify"
	"github.com/mara-data/dataflow/internal/retention"
	"github.com/mara-data/dataflow/internal/runlog"
	"github.com/mara-data/dataflow/internal/sampler"
	"github.com/mara-data/dataflow/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "run-interactively":
		os.Exit(cmdRunInteractively())
	case "reset-incremental-processing":
		os.Exit(cmdResetIncrementalProcessing(os.Args[2:]))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dataflow <run|run-interactively|reset-incremental-processing> [flags]")
}

// app bundles everything a subcommand needs: config, stores, the engine,
// and the handlers wired onto its event bus.
type app struct {
	cfg    config.Config
	store  *runlog.Store
	incr   *incremental.Store
	bus    *events.Bus
	eng    *engine.Engine
	sweep  *retention.Sweeper
	nats   *transport.NATSPublisher
	logger *slog.Logger
}

func newApp(ctx context.Context) (*app, func(), error) {
	cfg := config.FromEnv()
	logger := logging.Init("dataflow")

	store, err := runlog.Open(cfg.BoltPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open run log: %w", err)
	}
	if n, err := store.CloseAllOpenRuns(); err != nil {
		logger.Error("startup crash-recovery sweep failed", "error", err)
	} else if n > 0 {
		logger.Warn("closed runs left open by an abnormal exit", "count", n)
	}

	incr, err := incremental.Open(store.DB)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("open incremental store: %w", err)
	}

	bus := events.NewBus(1024, cfg.PasswordMasks)
	bus.AddHandler(runlog.NewRunLogger(store, daysToDuration(cfg.RunLogRetentionInDays)))

	var rooms []notify.ChatRoom
	if cfg.SlackWebhookURL != "" {
		rooms = append(rooms, notify.NewSlackRoom(cfg.SlackWebhookURL, cfg.BaseURL))
	}
	if cfg.TeamsWebhookURL != "" {
		rooms = append(rooms, notify.NewTeamsRoom(cfg.TeamsWebhookURL, cfg.BaseURL))
	}
	if len(rooms) > 0 {
		bus.AddHandler(notify.NewNotifier(rooms))
	}

	var natsPub *transport.NATSPublisher
	if cfg.NATSURL != "" {
		natsPub, err = transport.NewNATSPublisher(ctx, cfg.NATSURL)
		if err != nil {
			logger.Warn("nats publisher disabled", "error", err)
		} else {
			bus.AddHandler(natsPub)
		}
	}

	shutdownMetrics, metrics := otelinit.InitMetrics(ctx, "dataflow")
	_ = shutdownMetrics

	eng := engine.New(cfg, bus, store.AverageDurations)
	eng.Metrics = metrics

	sweep, err := retention.NewSweeper(store, daysToDuration(cfg.RunLogRetentionInDays), "0 0 * * *")
	if err != nil {
		logger.Warn("retention sweeper disabled", "error", err)
	} else {
		sweep.Start()
	}

	a := &app{cfg: cfg, store: store, incr: incr, bus: bus, eng: eng, sweep: sweep, nats: natsPub, logger: logger}
	cleanup := func() {
		if sweep != nil {
			sweep.Stop()
		}
		if natsPub != nil {
			natsPub.Close()
		}
		store.Close()
		_ = shutdownMetrics(ctx)
	}
	return a, cleanup, nil
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	path := fs.String("path", "", "comma-separated parent ids of the pipeline to run")
	nodes := fs.String("nodes", "", "comma-separated ids of sub-nodes to run selectively")
	withUpstreams := fs.Bool("with-upstreams", false, "also run all upstreams of -nodes")
	noColor := fs.Bool("no-color", false, "disable ANSI color in stdout output")
	fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	shutdownTrace := otelinit.InitTracer(ctx, "dataflow")
	defer otelinit.Flush(context.Background(), shutdownTrace)

	a, cleanup, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	root, err := buildRootPipeline(a.cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	target, err := findByCommaPath(root, *path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var nodeIDs []string
	if *nodes != "" {
		nodeIDs = splitNonEmpty(*nodes)
	}

	return runAndPrint(ctx, a, target, engine.RunOptions{
		NodeIDs:       nodeIDs,
		WithUpstreams: *withUpstreams,
	}, *noColor)
}

// runAndPrint starts the sampler, drains the bus to stdout the way the
// source's run_pipeline() CLI wrapper prints events, and runs the engine to
// completion.
func runAndPrint(ctx context.Context, a *app, root *dag.Pipeline, opts engine.RunOptions, noColor bool) int {
	samp := sampler.New(a.bus, root.Path(), a.cfg.SystemStatisticsCollectionPeriod)
	samp.Start()
	defer samp.Stop()

	printer := events.HandlerFunc(func(e events.Event) { printEvent(e, noColor) })
	a.bus.AddHandler(printer)
	go a.bus.Drain()

	succeeded, runID, err := a.eng.Run(ctx, root, opts)
	a.bus.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	a.logger.Info("run finished", "run_id", runID, "succeeded", succeeded)
	if !succeeded {
		return 1
	}
	return 0
}

func printEvent(e events.Event, noColor bool) {
	out, ok := e.(events.Output)
	if !ok {
		return
	}
	prefix := strings.Join(out.Path, " / ")
	if prefix != "" {
		prefix += ":"
	}
	if noColor {
		fmt.Printf("%s %s\n", prefix, out.Message)
		return
	}
	style := ""
	switch out.Format {
	case events.FormatStandard:
		style = "\033[01m"
	case events.FormatItalics:
		style = "\033[02m"
	}
	errStyle := ""
	if out.IsError {
		errStyle = "\033[91m"
	}
	fmt.Printf("\033[36m%s\033[0m %s%s%s\033[0m\n", prefix, style, errStyle, out.Message)
}

func cmdRunInteractively() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	shutdownTrace := otelinit.InitTracer(ctx, "dataflow")
	defer otelinit.Flush(context.Background(), shutdownTrace)

	a, cleanup, err := newApp(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	root, err := buildRootPipeline(a.cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	scanner := bufio.NewScanner(os.Stdin)
	node := dag.Node(root)
	for {
		p, isPipeline := node.(*dag.Pipeline)
		if !isPipeline {
			parent := node.Parent()
			return runAndPrint(ctx, a, wrapAsRoot(parent), engine.RunOptions{NodeIDs: []string{node.ID()}}, false)
		}

		fmt.Printf("\nPipeline %s\n", strings.Join(p.Path(), "/"))
		fmt.Println("  [r] run this pipeline")
		fmt.Println("  [q] quit")
		children := p.Nodes()
		for i, c := range children {
			fmt.Printf("  [%d] %s\n", i+1, c.ID())
		}
		fmt.Print("> ")
		if !scanner.Scan() {
			return 0
		}
		choice := strings.TrimSpace(scanner.Text())
		switch {
		case choice == "q":
			return 0
		case choice == "r":
			return runAndPrint(ctx, a, p, engine.RunOptions{}, false)
		default:
			idx, err := parseIndex(choice, len(children))
			if err != nil {
				fmt.Println(err)
				continue
			}
			node = children[idx]
		}
	}
}

// wrapAsRoot returns p itself, since Engine.Run already treats its argument
// as the root to execute (RunOptions.NodeIDs restricts which children run).
func wrapAsRoot(p *dag.Pipeline) *dag.Pipeline { return p }

func parseIndex(s string, n int) (int, error) {
	var i int
	if _, err := fmt.Sscanf(s, "%d", &i); err != nil {
		return 0, fmt.Errorf("not a valid choice: %q", s)
	}
	if i < 1 || i > n {
		return 0, fmt.Errorf("choice out of range: %d", i)
	}
	return i - 1, nil
}

func cmdResetIncrementalProcessing(args []string) int {
	fs := flag.NewFlagSet("reset-incremental-processing", flag.ExitOnError)
	path := fs.String("path", "", "comma-separated ids of the node to reset")
	fs.Parse(args)

	cfg := config.FromEnv()
	store, err := runlog.Open(cfg.BoltPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	incr, err := incremental.Open(store.DB)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	root, err := buildRootPipeline(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	nodePath := resolveCommaPath(*path)
	if _, found := root.FindNode(nodePath); !found {
		fmt.Fprintf(os.Stderr, "node %q not found\n", *path)
		return 1
	}

	counts, err := incr.CountPrefixed(nodePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := incr.Reset(nodePath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for bucket, n := range counts {
		fmt.Printf("%s: cleared %d row(s) beneath %q\n", bucket, n, strings.Join(nodePath, "/"))
	}
	return 0
}

func findByCommaPath(root *dag.Pipeline, path string) (*dag.Pipeline, error) {
	nodePath := resolveCommaPath(path)
	n, ok := root.FindNode(nodePath)
	if !ok {
		return nil, fmt.Errorf("pipeline %q not found", path)
	}
	p, ok := n.(*dag.Pipeline)
	if !ok {
		return nil, fmt.Errorf("node %q is not a pipeline", path)
	}
	return p, nil
}

// resolveCommaPath splits a comma-separated --path flag value into a node
// path relative to root (FindNode's convention), tolerating "" for root
// itself.
func resolveCommaPath(path string) []string {
	return splitNonEmpty(path)
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
