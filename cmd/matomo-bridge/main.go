// matomo-bridge polls the Matomo Reporting API and exposes per-site and
// all-sites visitor metrics as Home Assistant sensors.
//
// Sites are added as config entries through the web UI, the add
// command, or the entries list in the config file. Each entry is polled
// on a fixed interval and its metrics are published through Home
// Assistant MQTT discovery, optionally the Home Assistant REST API, and
// Prometheus. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	matomo-bridge serve                      Start polling and the web UI
//	matomo-bridge init [dir]                 Write an example config
//	matomo-bridge add <url> <token> <site>   Add a site (--aggregate for totals)
//	matomo-bridge entries                    List configured sites
//	matomo-bridge remove <entry_id>          Remove a configured site
//	matomo-bridge version                    Print version information
//	matomo-bridge -o json <command>          Machine-readable output
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nugget/matomo-bridge/internal/buildinfo"
	"github.com/nugget/matomo-bridge/internal/config"
	"github.com/nugget/matomo-bridge/internal/entries"
	"github.com/nugget/matomo-bridge/internal/matomo"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// dbFile is the entry database inside data_dir.
const dbFile = "matomo-bridge.db"

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's globals get in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "add":
		return runAdd(ctx, stdout, configPath, outputFmt, cmdArgs)
	case "entries":
		return runEntries(stdout, configPath, outputFmt)
	case "remove":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: matomo-bridge remove <entry_id>")
		}
		return runRemove(stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "matomo-bridge - Matomo analytics sensors for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: matomo-bridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                              Poll Matomo and serve the web UI")
	fmt.Fprintln(w, "  init [dir]                         Write an example config (default: .)")
	fmt.Fprintln(w, "  add <url> <token> <site_id> [--aggregate]")
	fmt.Fprintln(w, "                                     Add a site")
	fmt.Fprintln(w, "  entries                            List configured sites")
	fmt.Fprintln(w, "  remove <entry_id>                  Remove a configured site")
	fmt.Fprintln(w, "  version                            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/matomo-bridge/config.yaml, /etc/matomo-bridge/config.yaml")
	return nil
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// configLogger builds the logger described by cfg. The level was
// checked by config.Validate.
func configLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// openStore opens the entry database under data_dir, creating the
// directory if needed.
func openStore(cfg *config.Config) (*entries.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	path := filepath.Join(cfg.DataDir, dbFile)
	db, err := entries.Open(path)
	if err != nil {
		return nil, err
	}
	store, err := entries.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open entry database %s: %w", path, err)
	}
	return store, nil
}

// newMatomoClient returns a constructor for Matomo clients sharing the
// configured timeout, TLS policy and request observer.
func newMatomoClient(cfg *config.Config, observer matomo.Observer, logger *slog.Logger) func(baseURL, token string) *matomo.Client {
	opts := matomo.Options{
		Timeout:            cfg.Matomo.RequestTimeout(),
		InsecureSkipVerify: cfg.Matomo.InsecureSkipVerify,
		Observer:           observer,
		Logger:             logger,
	}
	return func(baseURL, token string) *matomo.Client {
		return matomo.NewClient(baseURL, token, opts)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
