// Package main is the entry point for the clinicbase patient store.
//
// Usage:
//
//	clinicbase serve                      HTTP API
//	clinicbase check                      report index drift
//	clinicbase repair                     rebuild indexes from records
//	clinicbase backup                     create a backup
//	clinicbase backups                    list backups
//	clinicbase restore <key>              restore a backup
//	clinicbase export [-o file] [id...]   export records as JSON
//	clinicbase import [-overwrite] <file> import an export file
//	clinicbase stats                      print statistics
//	clinicbase clear -yes                 remove every record
//	clinicbase version                    print version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/clinicbase/clinicbase/internal/api"
	"github.com/clinicbase/clinicbase/internal/backup"
	"github.com/clinicbase/clinicbase/internal/config"
	"github.com/clinicbase/clinicbase/internal/engine"
	"github.com/clinicbase/clinicbase/internal/observability"
)

const (
	version = "0.1.0"
	appName = "clinicbase"
)

// errUsage marks a bad command line; the usage text has been printed.
var errUsage = errors.New("usage")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stderr)
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "%s v%s\n", appName, version)
		return nil
	case "help", "--help", "-h":
		printUsage(stdout)
		return nil
	case "serve", "check", "repair", "backup", "backups", "restore", "export", "import", "stats", "clear":
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n\n", cmd)
		printUsage(stderr)
		return errUsage
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "config file (.yaml, .yml or .json)")
	var (
		addr      *string
		out       *string
		overwrite *bool
		yes       *bool
	)
	switch cmd {
	case "serve":
		addr = fs.String("addr", "", "listen address (overrides config)")
	case "export":
		out = fs.String("o", "", "output file (default stdout)")
	case "import":
		overwrite = fs.Bool("overwrite", false, "replace records that already exist")
	case "clear":
		yes = fs.Bool("yes", false, "confirm removal of every record")
	}
	if err := fs.Parse(rest); err != nil {
		return errUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(appName, stderr, observability.ParseLevel(cfg.Log.Level))

	eng, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	switch cmd {
	case "serve":
		if *addr != "" {
			cfg.API.Addr = *addr
		}
		return serve(ctx, eng, cfg, logger, stdout)
	case "check":
		return runCheck(ctx, eng, stdout)
	case "repair":
		report, err := eng.Repair(ctx)
		if err != nil {
			return err
		}
		if len(report.RepairsApplied) == 0 {
			fmt.Fprintln(stdout, "nothing to repair")
		}
		for _, r := range report.RepairsApplied {
			fmt.Fprintln(stdout, r)
		}
		return nil
	case "backup":
		info, err := eng.CreateBackup(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\t%d records\t%d bytes\n", info.Key, info.RecordCount, info.Size)
		return nil
	case "backups":
		list, err := eng.ListBackups(ctx)
		if err != nil {
			return err
		}
		for _, info := range list {
			fmt.Fprintf(stdout, "%s\t%s\t%d records\n", info.Key, info.CreatedAt.Format("2006-01-02 15:04:05"), info.RecordCount)
		}
		return nil
	case "restore":
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "usage: clinicbase restore <key>")
			return errUsage
		}
		if err := eng.RestoreFromBackup(ctx, fs.Arg(0)); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "restored %s\n", backup.NormalizeKey(fs.Arg(0)))
		return nil
	case "export":
		return runExport(ctx, eng, *out, fs.Args(), stdout)
	case "import":
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "usage: clinicbase import [-overwrite] <file>")
			return errUsage
		}
		return runImport(ctx, eng, fs.Arg(0), *overwrite, stdout)
	case "stats":
		stats, err := eng.GetStatistics(ctx)
		if err != nil {
			return err
		}
		return writeIndented(stdout, stats)
	case "clear":
		if !*yes {
			fmt.Fprintln(stderr, "refusing to clear without -yes")
			return errUsage
		}
		if err := eng.ClearAll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "all records removed")
		return nil
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s v%s, patient record store

Usage:
  %s <command> [-config file] [flags]

Commands:
  serve      Start the HTTP API
  check      Report drift between records and indexes
  repair     Rebuild indexes from the record store
  backup     Create a backup (old ones are rotated away)
  backups    List backups, newest first
  restore    Restore a backup by key
  export     Export records as JSON
  import     Import records from an export file
  stats      Print statistics
  clear      Remove every record (requires -yes)
  version    Print version

Environment variables:
  %sCONFIG    Config file path
  %sDATA_DIR  Data directory (default: ~/.clinicbase)
  %sDB_PATH   Database file (default: <data dir>/clinicbase.db)
  %sAPI_ADDR  API listen address (default: 127.0.0.1:8000)

`, appName, version, appName, config.EnvPrefix, config.EnvPrefix, config.EnvPrefix, config.EnvPrefix)
}

// loadConfig reads path (or the defaults when empty), then applies env
// overrides and makes sure the data directory exists.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if cfg.Storage.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return cfg, nil
}

// openEngine wires config, logging and the optional backup mirror into an
// engine over the configured database.
func openEngine(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*engine.Engine, error) {
	opts, err := engine.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts.Logger = logger.Named("engine")

	if m := cfg.Backup.Mirror; m.Enabled() {
		mirror, err := backup.NewMinioMirror(backup.MinioConfig{
			Endpoint:  m.Endpoint,
			Bucket:    m.Bucket,
			Prefix:    m.Prefix,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			UseSSL:    m.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("backup mirror: %w", err)
		}
		if err := mirror.EnsureBucket(ctx); err != nil {
			logger.Warn("backup mirror bucket unavailable", "bucket", m.Bucket, "error", err)
		}
		opts.Mirror = mirror
		log.Printf("[bootstrap] backup mirror: %s/%s", m.Endpoint, m.Bucket)
	}

	eng, err := engine.OpenPath(ctx, cfg.Storage.Path, opts)
	if err != nil {
		return nil, err
	}
	log.Printf("[bootstrap] store opened: %s", cfg.Storage.Path)
	return eng, nil
}

// listenAddr resolves the address to serve on, scanning the port range
// when auto port selection is on.
func listenAddr(cfg config.APIConfig) (string, error) {
	if !cfg.AutoPort {
		return cfg.Addr, nil
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return "", fmt.Errorf("api addr %q: %w", cfg.Addr, err)
	}
	port, err := api.FreePort(host, cfg.PortRangeStart, cfg.PortRangeEnd-1)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func serve(ctx context.Context, eng *engine.Engine, cfg *config.Config, logger *observability.Logger, stdout io.Writer) error {
	addr, err := listenAddr(cfg.API)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := api.New(eng, api.Config{
		Addr:      addr,
		RateLimit: cfg.API.RateLimit,
		Burst:     cfg.API.Burst,
		Logger:    logger.Named("api"),
	})
	fmt.Fprintf(stdout, "%s v%s listening on http://%s\n", appName, version, ln.Addr())

	err = srv.Serve(ctx, ln)
	log.Printf("[serve] shutdown complete")
	return err
}

func runCheck(ctx context.Context, eng *engine.Engine, stdout io.Writer) error {
	report, err := eng.CheckHealth(ctx)
	if err != nil {
		return err
	}
	if report.Healthy {
		fmt.Fprintln(stdout, "healthy")
		return nil
	}
	for _, issue := range report.Issues {
		fmt.Fprintln(stdout, issue)
	}
	return report.Err()
}

func runExport(ctx context.Context, eng *engine.Engine, path string, ids []string, stdout io.Writer) error {
	ex, err := eng.ExportRecords(ctx, ids...)
	if err != nil {
		return err
	}
	if path == "" {
		return writeIndented(stdout, ex)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeIndented(f, ex); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported %d records to %s\n", len(ex.Records), path)
	return nil
}

func runImport(ctx context.Context, eng *engine.Engine, path string, overwrite bool, stdout io.Writer) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	res, err := eng.ImportRecords(ctx, payload, engine.ImportOptions{OverwriteExisting: overwrite})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "imported %d, overwritten %d, skipped %d\n",
		len(res.Imported), len(res.Overwritten), len(res.Skipped))
	return nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
