package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumehq/ampsync/internal/amplitude"
	"github.com/lumehq/ampsync/internal/bucket"
	"github.com/lumehq/ampsync/internal/config"
	"github.com/lumehq/ampsync/internal/logging"
	"github.com/lumehq/ampsync/internal/metrics"
	"github.com/lumehq/ampsync/internal/pipeline"
	"github.com/lumehq/ampsync/internal/remote"
	"github.com/lumehq/ampsync/internal/stage"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

const usage = `Usage: ampsync <command> [flags]

Commands:
  fetch   pull hourly exports from the Amplitude API into the staging directory
  sync    upload staged files to the remote store and drop the local copies
  all     fetch, then sync

Flags (fetch, all):
  --start-date  first hour bucket, YYYYMMDDTHH or YYYY-MM-DD_HH
  --end-date    last hour bucket (inclusive), same forms

Flags (all commands):
  --config      path to a YAML config file
  --dev         use the local substitute directory instead of the remote store
`

type options struct {
	configPath string
	dev        bool
	start      string
	end        string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
	cmd := args[0]
	switch cmd {
	case "fetch", "sync", "all":
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "ampsync: unknown command %q\n\n%s", cmd, usage)
		return 1
	}

	opts, err := parseFlags(cmd, args[1:])
	if err != nil {
		// The flag package already reported the problem.
		return 1
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ampsync:", err)
		return 1
	}

	closer, err := logging.Setup(logging.Config{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "ampsync:", err)
		return 1
	}
	if closer != nil {
		defer closer.Close()
	}

	slog.Info("ampsync starting", "version", Version, "git_sha", GitSHA, "command", cmd)

	metrics.Init("")
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Addr); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := execute(ctx, cmd, cfg, opts); err != nil {
		if ctx.Err() != nil {
			slog.Info("shutdown complete")
			return 0
		}
		slog.Error("ampsync failed", "command", cmd, "error", err)
		return 1
	}

	slog.Info("ampsync finished", "command", cmd)
	return 0
}

func parseFlags(cmd string, args []string) (options, error) {
	fs := flag.NewFlagSet("ampsync "+cmd, flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	fs.BoolVar(&opts.dev, "dev", false, "use the local substitute directory instead of the remote store")
	if cmd == "fetch" || cmd == "all" {
		fs.StringVar(&opts.start, "start-date", "", "first hour bucket (YYYYMMDDTHH or YYYY-MM-DD_HH)")
		fs.StringVar(&opts.end, "end-date", "", "last hour bucket, inclusive (YYYYMMDDTHH or YYYY-MM-DD_HH)")
	}
	err := fs.Parse(args)
	return opts, err
}

func execute(ctx context.Context, cmd string, cfg config.Config, opts options) error {
	needFetch := cmd == "fetch" || cmd == "all"

	if needFetch {
		if err := cfg.ValidateFetch(); err != nil {
			return err
		}
	}
	// Every command talks to the remote store: sync uploads into it,
	// fetch lists it to skip already-synced buckets.
	if err := cfg.ValidateSync(opts.dev); err != nil {
		return err
	}

	var r bucket.Range
	if needFetch {
		var err error
		r, err = resolveRange(cfg, opts, time.Now().UTC())
		if err != nil {
			return err
		}
	}

	dir, err := stage.Open(cfg.Storage.DataDir)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, opts.dev)
	if err != nil {
		return err
	}
	defer store.Close()

	client := amplitude.NewClient(amplitude.Config{
		APIKey:            cfg.Amplitude.APIKey,
		SecretKey:         cfg.Amplitude.SecretKey,
		ExportURL:         cfg.Amplitude.ExportURL,
		MaxAttempts:       cfg.Amplitude.MaxAttempts,
		RetryDelay:        cfg.Amplitude.RetryDelay.Std(),
		Timeout:           cfg.Amplitude.Timeout.Std(),
		RequestsPerSecond: cfg.Amplitude.RequestsPerSecond,
	})
	p := pipeline.New(amplitude.NewFetcher(client, dir), dir, store)

	switch cmd {
	case "fetch":
		_, err := p.Fetch(ctx, r)
		return err
	case "sync":
		_, err := p.Sync(ctx)
		return err
	default:
		return p.Run(ctx, r)
	}
}

// resolveRange computes the hour range for a fetch: lookback/lag
// defaults, each end overridable independently from the flags.
func resolveRange(cfg config.Config, opts options, now time.Time) (bucket.Range, error) {
	r := bucket.DefaultRange(now, cfg.Window.Lookback.Std(), cfg.Window.Lag.Std())
	start, end := r.Start, r.End
	if opts.start != "" {
		h, err := bucket.Parse(opts.start)
		if err != nil {
			return bucket.Range{}, fmt.Errorf("invalid --start-date: %w", err)
		}
		start = h
	}
	if opts.end != "" {
		h, err := bucket.Parse(opts.end)
		if err != nil {
			return bucket.Range{}, fmt.Errorf("invalid --end-date: %w", err)
		}
		end = h
	}
	return bucket.NewRange(start, end)
}

func openStore(ctx context.Context, cfg config.Config, dev bool) (*remote.Store, error) {
	if dev {
		return remote.OpenDev(cfg.Storage.DevDir)
	}
	return remote.Open(ctx, remote.Options{
		Bucket:    cfg.Storage.Bucket,
		Prefix:    cfg.Storage.Prefix,
		Region:    cfg.Storage.Region,
		Endpoint:  cfg.Storage.Endpoint,
		URL:       cfg.Storage.URL,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
	})
}
