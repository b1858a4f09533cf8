package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/permview/permview/internal/config"
	"github.com/permview/permview/internal/controller"
	"github.com/permview/permview/internal/server"
	"github.com/permview/permview/internal/store"
	"github.com/permview/permview/internal/usage"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

const watcherDebounce = 500 * time.Millisecond

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "ingest":
			runIngest(os.Args[2:])
			return
		case "serve":
			runServe(os.Args[2:])
			return
		case "version", "--version", "-v":
			fmt.Printf("permview %s (commit %s, built %s)\n",
				version, commit, buildDate)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runServe(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`permview %s - local viewer for app permission usage

Ingests permission access-event logs into SQLite and serves a
filterable, sortable usage view over a local HTTP API.

Usage:
  permview [flags]            Start the server (default command)
  permview serve [flags]      Start the server (explicit)
  permview ingest <files...>  Ingest event logs and exit
  permview version            Show version information
  permview help               Show this help

Server flags:
  -host string        Host to bind to (default "127.0.0.1")
  -port int           Port to listen on (default 8090)
  -group string       Initial permission group filter
  -min-window dur     Smallest recency window to select by default

Environment variables:
  PERMVIEW_DATA_DIR    Data directory (database, config, view state)
  PERMVIEW_EVENTS_DIR  Event log directories (path-list separated)

Data is stored in ~/.permview/ by default.
`, version)
}

func runServe(args []string) {
	cfg := mustLoadConfig(args)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	runInitialIngest(cfg, st)

	ctrl, err := controller.New(storeLoader(st), controller.Options{
		Resolver:        st,
		StatePath:       cfg.StatePath,
		InitialGroup:    cfg.InitialGroup,
		MinWindowMillis: cfg.MinWindow.Milliseconds(),
		Locale:          cfg.Locale,
	})
	if err != nil {
		log.Fatalf("creating controller: %v", err)
	}

	port := server.FindAvailablePort(cfg.Host, cfg.Port)
	if port != cfg.Port {
		fmt.Printf("Port %d in use, using %d\n", cfg.Port, port)
	}
	cfg.Port = port

	srv := server.New(cfg, ctrl, st,
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
	)
	ctrl.SetCallbacks(srv.Callbacks())
	ctrl.Reload()

	stopWatcher := startEventWatcher(cfg, st, ctrl)
	defer stopWatcher()

	fmt.Printf("permview %s listening at http://%s:%d\n",
		version, cfg.Host, cfg.Port)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: permview ingest [flags] <files...>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	cfg := mustLoadConfig(nil)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	stats := st.IngestPaths(fs.Args())
	fmt.Printf("Ingested %d event(s) from %d file(s), %d line(s) skipped\n",
		stats.Events, stats.Files, stats.Skipped)
}

func mustLoadConfig(args []string) config.Config {
	fs := flag.NewFlagSet("permview", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: permview [serve] [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	config.RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

func runInitialIngest(cfg config.Config, st *store.Store) {
	var paths []string
	for _, dir := range cfg.EventsDirs {
		logs, err := store.DiscoverLogs(dir)
		if err != nil {
			log.Printf("warning: discovering event logs in %s: %v", dir, err)
			continue
		}
		paths = append(paths, logs...)
	}
	if len(paths) == 0 {
		return
	}
	stats := st.IngestPaths(paths)
	fmt.Printf("Ingested %d event(s) from %d file(s)\n",
		stats.Events, stats.Files)
}

// storeLoader adapts the store to the controller's loader boundary.
func storeLoader(st *store.Store) controller.Loader {
	return controller.LoaderFunc(func(
		ctx context.Context, q controller.LoadQuery,
	) (*usage.Dataset, error) {
		var flags store.Flags
		if q.Flags&controller.FlagLast != 0 {
			flags |= store.FlagLast
		}
		if q.Flags&controller.FlagHistorical != 0 {
			flags |= store.FlagHistorical
		}
		return st.LoadUsages(ctx, store.Query{
			App:         q.App,
			Groups:      q.Groups,
			StartMillis: q.StartMillis,
			EndMillis:   q.EndMillis,
			Flags:       flags,
		})
	})
}

// startEventWatcher watches the event-log directories; appended
// events are ingested and the controller reloads its dataset.
func startEventWatcher(
	cfg config.Config, st *store.Store, ctrl *controller.Controller,
) func() {
	onChange := func(paths []string) {
		if stats := st.IngestPaths(paths); stats.Events > 0 {
			ctrl.Reload()
		}
	}
	watcher, err := store.NewWatcher(watcherDebounce, onChange)
	if err != nil {
		log.Printf("warning: event watcher unavailable: %v", err)
		return func() {}
	}

	for _, dir := range cfg.EventsDirs {
		if _, err := os.Stat(dir); err == nil {
			_, _, _ = watcher.WatchRecursive(dir)
		}
	}
	watcher.Start()
	return watcher.Stop
}
