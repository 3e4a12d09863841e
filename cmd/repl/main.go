// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive REPL for a single worker node.
//
// The node is built from a layout file (see internal/config) or, without one,
// hosts a single two-dimensional Map1 partition of size 100x100.
//
// # Usage
//
//	go run ./cmd/repl -config cluster.conf -node alpha -metrics :9090
//
// Available commands:
//
//	get <target> [version]                 - read a key; wildcard targets print each match
//	put <entry> <version> <value>          - write a delta or "<scale> * Map2[1] * ..." expression
//	discover <entry> <version> <dep> <v>   - feed a dependency value into an expression
//	massput <map> <version> <template>     - append a mass update (template id or body)
//	complete <map> <version>               - complete a mass update
//	dump [path]                            - print the node, or write it to a .json/.msgpack[.zst] file
//	stats                                  - print node and operation stats
//	quit, exit                             - exit the REPL
//
// Deferred reads print their value when it becomes available.
//
// Example session:
//
//	> put Map1[1,1] 1 3
//	OK
//	> massput 1 2 Map1[*,1] += 2
//	OK
//	> get Map1[1,1]
//	pending at v2
//	> complete 1 2
//	Map1[1,1] = 5
//	OK
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kianostad/spread/internal/config"
	"github.com/kianostad/spread/internal/core"
	"github.com/kianostad/spread/internal/keyspace"
	"github.com/kianostad/spread/internal/monitoring/logging"
	"github.com/kianostad/spread/internal/monitoring/metrics"
	"github.com/kianostad/spread/internal/storage/mvcc"
	"github.com/kianostad/spread/internal/template"
)

type massKey struct {
	mapID   int
	version mvcc.Version
}

// REPL executes commands against one node.
type REPL struct {
	node    *core.Node
	engine  *template.Engine
	handles map[massKey]*core.MassHandle

	mu  sync.Mutex
	out io.Writer
}

func NewREPL(node *core.Node, engine *template.Engine, out io.Writer) *REPL {
	return &REPL{
		node:    node,
		engine:  engine,
		handles: make(map[massKey]*core.MassHandle),
		out:     out,
	}
}

func (r *REPL) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *REPL) callback() *mvcc.Callback {
	return mvcc.NewCallback(func(e keyspace.Entry, v float64) {
		r.printf("%s = %g\n", e, v)
	})
}

func (r *REPL) Run(ctx context.Context, in io.Reader) {
	r.printf("Spread node REPL\n")
	r.printf("Commands: get, put, discover, massput, complete, dump, stats, quit\n")

	scanner := bufio.NewScanner(in)
	for {
		r.printf("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			r.printf("Goodbye!\n")
			return
		}
		if err := r.Exec(ctx, line); err != nil {
			r.printf("Error: %v\n", err)
		}
	}
}

// Exec runs one command line.
func (r *REPL) Exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch cmd {
	case "get":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: get <target> [version]")
		}
		return r.get(ctx, args)

	case "put":
		if len(args) < 3 {
			return errors.New("usage: put <entry> <version> <value>")
		}
		e, err := keyspace.ParseEntry(args[0])
		if err != nil {
			return err
		}
		version, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad version %q", args[1])
		}
		value, err := template.ParseValue(strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		if err := r.node.Put(ctx, e, version, value); err != nil {
			return err
		}

	case "discover":
		if len(args) != 4 {
			return errors.New("usage: discover <entry> <version> <dep> <value>")
		}
		e, err := keyspace.ParseEntry(args[0])
		if err != nil {
			return err
		}
		version, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad version %q", args[1])
		}
		dep, err := keyspace.ParseEntry(args[2])
		if err != nil {
			return err
		}
		v, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return fmt.Errorf("bad value %q", args[3])
		}
		if err := r.node.Discover(ctx, e, version, dep, v); err != nil {
			return err
		}

	case "massput":
		if len(args) < 3 {
			return errors.New("usage: massput <map> <version> <template>")
		}
		k, err := parseMassKey(args[0], args[1])
		if err != nil {
			return err
		}
		tmpl, err := r.engine.Resolve(skipFields(rest, 2))
		if err != nil {
			return err
		}
		h, err := r.node.MassPut(ctx, k.mapID, k.version, tmpl)
		if err != nil {
			return err
		}
		r.handles[k] = h

	case "complete":
		if len(args) != 2 {
			return errors.New("usage: complete <map> <version>")
		}
		k, err := parseMassKey(args[0], args[1])
		if err != nil {
			return err
		}
		h, ok := r.handles[k]
		if !ok {
			return fmt.Errorf("%w: Map%d v%d", core.ErrUnknownMassRecord, k.mapID, k.version)
		}
		if err := r.node.Complete(ctx, h); err != nil {
			return err
		}
		delete(r.handles, k)

	case "dump":
		dumps := r.node.Dump()
		if len(args) == 1 {
			if err := core.ExportDumpFile(args[0], dumps); err != nil {
				return err
			}
			break
		}
		r.mu.Lock()
		err := core.ExportDump(r.out, dumps, core.FormatText)
		r.mu.Unlock()
		return err

	case "stats":
		st := r.node.Stats()
		r.printf("keys: %d, mass records: %d, outstanding reads: %d\n",
			st.Keys, st.MassRecords, r.node.Registry().ActiveCount())
		snap := r.node.Metrics().GetStats()
		for _, op := range metrics.Ops() {
			name := op.String()
			r.printf("  %-9s %d ops, %d errors, mean %v\n",
				name, snap.Operations[name], snap.Errors[name], snap.Latency[name].Mean)
		}
		return nil

	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}

	r.printf("OK\n")
	return nil
}

func (r *REPL) get(ctx context.Context, args []string) error {
	target, err := keyspace.ParseTarget(args[0])
	if err != nil {
		return err
	}
	var opts []core.GetOption
	if len(args) == 2 {
		version, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad version %q", args[1])
		}
		opts = append(opts, core.AtVersion(version))
	}
	deferred := append(opts, core.WithCallback(r.callback()))

	if target.HasWildcards() {
		_, _, err := r.node.Get(ctx, target, deferred...)
		return err
	}

	// An exact read is tried without a callback first so a ready value is
	// printed once.
	v, ok, err := r.node.Get(ctx, target, opts...)
	var iv *core.IncompleteVersionError
	switch {
	case err == nil && ok:
		r.printf("%g\n", v)
		return nil
	case errors.As(err, &iv):
		r.printf("pending at v%d\n", iv.Version)
	case err != nil:
		return err
	default:
		r.printf("pending\n")
	}
	_, _, err = r.node.Get(ctx, target, deferred...)
	return err
}

// skipFields returns s without its first n whitespace-separated fields.
func skipFields(s string, n int) string {
	for i := 0; i < n; i++ {
		s = strings.TrimLeft(s, " \t")
		if j := strings.IndexAny(s, " \t"); j >= 0 {
			s = s[j:]
		} else {
			return ""
		}
	}
	return strings.TrimSpace(s)
}

func parseMassKey(mapID, version string) (massKey, error) {
	id, err := strconv.Atoi(strings.TrimPrefix(mapID, "Map"))
	if err != nil {
		return massKey{}, fmt.Errorf("bad map id %q", mapID)
	}
	v, err := strconv.ParseUint(version, 10, 64)
	if err != nil {
		return massKey{}, fmt.Errorf("bad version %q", version)
	}
	return massKey{mapID: id, version: v}, nil
}

func main() {
	configPath := flag.String("config", "", "Layout file")
	nodeName := flag.String("node", config.DefaultNode, "Node of the layout to host")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address")
	verbose := flag.Bool("v", false, "Log debug output to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := logging.NewText(os.Stderr, level)

	reg := template.NewRegistry()
	engine := template.NewEngine(reg)
	node := core.NewNode(&core.Config{
		Name:             *nodeName,
		WatchdogInterval: 10 * time.Second,
		Evaluator:        engine,
		Logger:           logger,
	})
	ctx := context.Background()
	defer node.Close(ctx)

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err == nil {
			err = cfg.Apply(ctx, *nodeName, node, reg)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else if _, err := node.AddPartition(1, keyspace.Key{0, 0}, keyspace.Key{100, 100}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(metrics.NewCollector(node.Metrics(), prometheus.Labels{"node": *nodeName}))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal. Closing node...")
		node.Close(context.Background())
		os.Exit(0)
	}()

	NewREPL(node, engine, os.Stdout).Run(ctx, os.Stdin)
}
