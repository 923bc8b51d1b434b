package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/trackex/cmd"
	"github.com/dhcgn/trackex/config"
	"github.com/dhcgn/trackex/console"
	"github.com/dhcgn/trackex/discovery"
	"github.com/dhcgn/trackex/extractor"
	"github.com/dhcgn/trackex/filter"
	"github.com/dhcgn/trackex/progress"
	"github.com/dhcgn/trackex/retry"
	"github.com/dhcgn/trackex/runner"
	"github.com/dhcgn/trackex/stats"
)

const completeMessage = "Program complete. Press ENTER to end..."

var openLogger = setupLogger

func main() {
	if err := execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func execute(args []string) error {
	var cleanup func() error
	// Cobra skips post-run hooks when RunE fails, so the log file is closed
	// here.
	defer func() {
		if cleanup != nil {
			_ = cleanup()
		}
	}()

	rootCmd := &cobra.Command{
		Use:   "trackex",
		Short: "Extract tracked messages from a message tracking store into files",
		Long: "trackex reads message identifiers (GUIDs), one per line, fetches each tracked message\n" +
			"from the tracking store and writes every message part to a file in the output directory.\n" +
			"Settings missing from the command line are asked for interactively.",
		Example: "  trackex --in=messages.txt --out=./out --name-schema=http://schemas.microsoft.com/BizTalk/2003/file-properties \\\n" +
			"    --name-property=ReceivedFileName --mgmt-host=localhost --mgmt-db=MgmtDb --dta-host=localhost --dta-db=TrackingDb",
		SilenceUsage: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			opts, err := config.LoadLogOptions(c)
			if err != nil {
				return err
			}
			logger, closeLog, err := openLogger(opts)
			if err != nil {
				return err
			}
			cleanup = closeLog
			slog.SetDefault(logger)
			return nil
		},
		RunE: func(c *cobra.Command, args []string) error {
			logger := slog.Default()
			cfg, err := config.LoadConfig(c, discovery.Discover(logger))
			if err != nil {
				return err
			}

			con := console.New(os.Stdin, os.Stdout)
			if cfg.Interactive() {
				cfg, err = config.FillMissing(c.Context(), cfg, con)
				if err != nil {
					return fmt.Errorf("settings: %w", err)
				}
			} else if cfg.OutputDir == "" {
				if cfg.OutputDir, err = os.Getwd(); err != nil {
					return err
				}
			}

			logger.Info("starting trackex", "in", cfg.InputPath, "out", cfg.OutputDir, "store", cfg.Store, "interactive", cfg.Interactive())

			runErr := run(c.Context(), cfg, con, logger)
			if runErr != nil {
				con.Error(runErr)
			}
			if cfg.Interactive() && !cfg.Quit {
				_ = con.Pause(c.Context(), completeMessage)
			}
			return runErr
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		return fmt.Errorf("failed to register CLI flags: %w", err)
	}
	cmd.AddCommands(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// The first signal cancels the run; a second one terminates the process.
	context.AfterFunc(ctx, stop)

	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func run(ctx context.Context, cfg config.Config, con *console.Console, logger *slog.Logger) error {
	s, err := cmd.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	var decider retry.Decider = console.RetryPrompt{Console: con}
	if !cfg.Interactive() {
		policy, err := cfg.RetryPolicy()
		if err != nil {
			return err
		}
		decider = policy
	}

	partFilter, err := filter.New(filter.Options{IncludePart: cfg.IncludePart, ExcludePart: cfg.ExcludePart})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	total, err := runner.CountIdentifiers(cfg.InputPath)
	if err != nil {
		return fmt.Errorf("count identifiers: %w", err)
	}

	r, err := runner.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)
	bar := progress.New(total, cfg.LogLevel, cfg.Interactive())
	progress.NewReporter(r, bar)

	ex, err := extractor.New(s, decider, extractor.Options{
		OutputDir:    cfg.OutputDir,
		NameProperty: cfg.FilenameProperty(),
		Filter:       partFilter,
		Events:       r,
	}, logger)
	if err != nil {
		return fmt.Errorf("extractor.New: %w", err)
	}
	r.Extract(ex)

	return r.Start()
}

func setupLogger(opts config.LogOptions) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch opts.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(opts.Dir, fmt.Sprintf("trackex-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), handlerOpts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, handlerOpts)
	return slog.New(handler), cleanup, nil
}
