package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/historian"
	"github.com/ehrlich-b/historian/internal/archive"
	"github.com/ehrlich-b/historian/internal/cli"
	"github.com/ehrlich-b/historian/internal/config"
	"github.com/ehrlich-b/historian/internal/daemon"
	"github.com/ehrlich-b/historian/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "historian",
		Short:         "Bounded local log retention",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("dir", "", "Storage directory (default: $HISTORIAN_DIR or the user config dir)")
	rootCmd.PersistentFlags().String("name", "", "Database file name (default: log.db)")
	rootCmd.PersistentFlags().String("dsn", "", "Postgres DSN; overrides --dir and --name")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: historian.yaml/.toml/.json in the working directory)")
	rootCmd.PersistentFlags().Int("max-rows", 0, "Retention cap (default: config or 500)")
	rootCmd.PersistentFlags().Bool("debug", false, "Log engine diagnostics to stderr")

	rootCmd.AddCommand(
		ingestCmd(),
		serveCmd(),
		tailCmd(),
		statsCmd(),
		deleteCmd(),
		archiveCmd(),
		configCmd(),
	)
	return rootCmd
}

// settings merges defaults, the config file, environment and flags, in
// increasing priority.
func settings(cmd *cobra.Command) (historian.Config, *config.Config, error) {
	fileCfg := &config.Config{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return historian.Config{}, nil, err
		}
		fileCfg = loaded
	} else if workDir, err := os.Getwd(); err == nil {
		loaded, _, err := config.Load(workDir)
		switch {
		case err == nil:
			fileCfg = loaded
		case !errors.Is(err, config.ErrNoConfig):
			return historian.Config{}, nil, err
		}
	}

	cfg := fileCfg.Apply(historian.DefaultConfig())
	if secret := os.Getenv("HISTORIAN_SECRET"); secret != "" {
		cfg.EncryptionSecret = secret
	}

	flags := cmd.Flags()
	if dir, _ := flags.GetString("dir"); dir != "" {
		cfg.Directory = dir
	}
	if name, _ := flags.GetString("name"); name != "" {
		cfg.Name = name
	}
	if dsn, _ := flags.GetString("dsn"); dsn != "" {
		cfg.DSN = dsn
	}
	if flags.Changed("max-rows") {
		cfg.MaxRows, _ = flags.GetInt("max-rows")
	}
	if debug, _ := flags.GetBool("debug"); debug {
		cfg.Debug = true
	}

	level := slog.LevelWarn
	if cfg.Debug {
		level = slog.LevelDebug
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if err := cfg.Validate(); err != nil {
		return historian.Config{}, nil, err
	}
	return cfg, fileCfg, nil
}

// withEngine opens an engine for the duration of fn and terminates it
// afterwards, flushing anything still buffered.
func withEngine(ctx context.Context, cfg historian.Config, fn func(*historian.Engine) error) (err error) {
	e, err := historian.New(cfg)
	if err != nil {
		return err
	}
	if err := e.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, e.Terminate(context.Background()))
	}()
	return fn(e)
}

func ingestCmd() *cobra.Command {
	var (
		tag      string
		levelArg string
		asJSON   bool
		socket   string
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Record lines from stdin",
		Long: `Record every line read from stdin.

Plain lines are recorded with --level and --tag. With --json each line is
an object with "level" (name or platform priority), "tag" and "message".

Examples:
  make build 2>&1 | historian ingest --tag build
  tail -F app.jsonl | historian ingest --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := historian.ParseLevel(levelArg)
			if err != nil {
				return err
			}
			opts := cli.IngestOptions{Tag: tag, Level: level, JSON: asJSON}
			if socket != "" {
				return ingestToDaemon(cmd.Context(), socket, opts)
			}

			cfg, _, err := settings(cmd)
			if err != nil {
				return err
			}

			// The first signal closes stdin so buffered records are flushed; a
			// second one gets the default behaviour.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			context.AfterFunc(ctx, func() {
				stop()
				os.Stdin.Close()
			})

			return withEngine(ctx, cfg, func(e *historian.Engine) error {
				res, err := cli.Ingest(ctx, os.Stdin, e, opts)
				if ctx.Err() != nil {
					err = nil
				}
				stats := e.Stats()
				fmt.Fprintf(os.Stderr, "%d lines, %d recorded, %d filtered, %d skipped\n",
					res.Lines, res.Recorded-int(stats.Dropped), stats.Dropped, res.Skipped)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "stdin", "Tag for plain lines")
	cmd.Flags().StringVar(&levelArg, "level", "info", "Level for plain lines")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Parse each line as a JSON object")
	cmd.Flags().StringVar(&socket, "socket", "", "Send lines to a running historian serve instead of opening the store")
	return cmd
}

func ingestToDaemon(ctx context.Context, socket string, opts cli.IngestOptions) error {
	client, err := daemon.Connect(socket)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := cli.Ingest(ctx, os.Stdin, client, opts)
	if err != nil {
		return err
	}
	if err := client.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d lines, %d sent, %d skipped\n", res.Lines, res.Recorded, res.Skipped)
	return nil
}

func serveCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Share one store between processes over a Unix socket",
		Long: `Hold the store open and accept records from other processes over a Unix
socket. Every record goes through the same single writer.

Examples:
  historian serve &
  ./app 2>&1 | historian ingest --socket ~/.config/historian/historian.sock`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := settings(cmd)
			if err != nil {
				return err
			}
			if socket == "" {
				socket = filepath.Join(cfg.Directory, "historian.sock")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withEngine(ctx, cfg, func(e *historian.Engine) error {
				srv := daemon.NewServer(socket, e, cfg.Logger)
				if err := srv.Start(); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Listening on %s\n", socket)
				<-ctx.Done()
				srv.Stop()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "Socket path (default: <dir>/historian.sock)")
	return cmd
}

func tailCmd() *cobra.Command {
	var (
		limit   int
		utc     bool
		noColor bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest retained entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := settings(cmd)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), cfg, func(e *historian.Engine) error {
				_, err := cli.Tail(cmd.Context(), e, os.Stdout, cli.TailOptions{
					Limit: limit,
					UTC:   utc,
					Color: !noColor && cli.ColorEnabled(os.Stdout),
				})
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "lines", "n", 50, "Number of entries to print (0 for all)")
	cmd.Flags().BoolVar(&utc, "utc", false, "Print timestamps in UTC")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store location and row count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := settings(cmd)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), cfg, func(e *historian.Engine) error {
				return cli.PrintStats(cmd.Context(), e, cfg, os.Stdout)
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove every retained entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete without --yes")
			}
			cfg, _, err := settings(cmd)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), cfg, func(e *historian.Engine) error {
				return e.Delete(cmd.Context())
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")
	return cmd
}

func archiveCmd() *cobra.Command {
	var (
		bucket     string
		endpoint   string
		region     string
		prefix     string
		outDir     string
		clearAfter bool
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Upload a compressed snapshot of the store",
		Long: `Upload every retained entry as zstd-compressed NDJSON to an S3-compatible
bucket, or write it below a local directory with --out.

Credentials come from HISTORIAN_S3_ACCESS_KEY_ID and
HISTORIAN_S3_SECRET_ACCESS_KEY, falling back to the AWS credential chain.

Examples:
  historian archive --bucket logs --endpoint https://<account>.r2.cloudflarestorage.com
  historian archive --out ./snapshots --clear`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, fileCfg, err := settings(cmd)
			if err != nil {
				return err
			}
			target := fileCfg.Archive
			if bucket != "" {
				target.Bucket = bucket
			}
			if endpoint != "" {
				target.Endpoint = endpoint
			}
			if region != "" {
				target.Region = region
			}
			if prefix != "" {
				target.Prefix = prefix
			}
			if target.Prefix == "" {
				target.Prefix = "historian"
			}

			ctx := cmd.Context()
			var up archive.Uploader
			switch {
			case outDir != "":
				up = archive.DirUploader{Dir: outDir}
			case target.Bucket != "":
				s3up, err := archive.NewS3Uploader(ctx, archive.S3Config{
					Bucket:          target.Bucket,
					Endpoint:        target.Endpoint,
					Region:          target.Region,
					AccessKeyID:     os.Getenv("HISTORIAN_S3_ACCESS_KEY_ID"),
					SecretAccessKey: os.Getenv("HISTORIAN_S3_SECRET_ACCESS_KEY"),
				}, cfg.Logger)
				if err != nil {
					return err
				}
				up = s3up
			default:
				return errors.New("set --bucket, archive.bucket in the config file, or --out")
			}

			return withEngine(ctx, cfg, func(e *historian.Engine) error {
				res, err := archive.Snapshot(ctx, e, up, target.Prefix, time.Now())
				if errors.Is(err, archive.ErrEmpty) {
					fmt.Fprintln(os.Stderr, "Nothing to archive")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Printf("Archived %d entries (%d bytes) to %s\n", res.Entries, res.Size, res.Key)
				if clearAfter {
					return e.Delete(ctx)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "Destination bucket")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "S3-compatible endpoint URL (R2, MinIO)")
	cmd.Flags().StringVar(&region, "region", "", "Bucket region (default: auto)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Object key prefix (default: historian)")
	cmd.Flags().StringVar(&outDir, "out", "", "Write the snapshot below this directory instead of uploading")
	cmd.Flags().BoolVar(&clearAfter, "clear", false, "Delete retained entries after a successful archive")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := settings(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Valid")
			if cfg.IsPostgres() {
				fmt.Fprintln(out, "  store: postgres")
			} else {
				fmt.Fprintf(out, "  store: %s/%s\n", cfg.Directory, cfg.Name)
			}
			fmt.Fprintf(out, "  table: %s\n", cfg.Table)
			fmt.Fprintf(out, "  max rows: %d\n", cfg.MaxRows)
			fmt.Fprintf(out, "  mode: %s\n", cfg.Mode)
			if cfg.Mode == historian.ModeBatched {
				fmt.Fprintf(out, "  queue capacity: %d\n", cfg.QueueCapacity)
				if cfg.FlushInterval > 0 {
					fmt.Fprintf(out, "  flush interval: %s\n", cfg.FlushInterval)
				}
			}
			fmt.Fprintf(out, "  min level: %s\n", cfg.MinLevel)
			if cfg.EncryptionSecret != "" {
				fmt.Fprintln(out, "  encryption: enabled")
			}
			return nil
		},
	}
}
