package main

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/hubsync/internal/pipeline"
	"github.com/ajitpratap0/hubsync/pkg/compression"
	"github.com/ajitpratap0/hubsync/pkg/config"
	"github.com/ajitpratap0/hubsync/pkg/destination"
	"github.com/ajitpratap0/hubsync/pkg/logger"
	"github.com/ajitpratap0/hubsync/pkg/metrics"
	"github.com/ajitpratap0/hubsync/pkg/observability"
	"github.com/ajitpratap0/hubsync/pkg/scheduler"
)

type runOptions struct {
	Input           string
	Compression     string
	Kind            string
	SkipInvalid     bool
	Follow          bool
	ShutdownTimeout time.Duration
}

// runSummary is printed to stdout when run exits
type runSummary struct {
	Input     pipeline.Stats  `json:"input"`
	Scheduler scheduler.Stats `json:"scheduler"`
}

func newRunCommand() *cobra.Command {
	v := newViper()
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Append JSON lines and upload them on a schedule",
		Long: `Read one example per line from --input (or stdin), append each to the
scheduler and upload the buffer every --every as <path-in-repo>/<uuid>.parquet.

Compressed input (.gz, .zst, .lz4, .sz, .s2) is detected from the file name.
When the input ends the remaining records are flushed and run exits, unless
--follow keeps it running until SIGINT or SIGTERM.

Example:
  hubsync run --repo-id my-org/feedback --destination local --root ./out \
    --kind dpo --input pairs.jsonl.zst`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(v)
			if err != nil {
				return err
			}
			return runScheduler(cmd.Context(), cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	addConfigFlags(cmd.Flags())
	_ = v.BindPFlags(cmd.Flags())

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "-", "JSON lines file, - for stdin")
	cmd.Flags().StringVar(&opts.Compression, "compression", "", "Input compression (default: from the file extension)")
	cmd.Flags().StringVar(&opts.Kind, "kind", string(pipeline.KindRaw), "Line format: raw, sft or dpo")
	cmd.Flags().BoolVar(&opts.SkipInvalid, "skip-invalid", false, "Log and skip lines that fail to decode")
	cmd.Flags().BoolVar(&opts.Follow, "follow", false, "Keep running after the input ends")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 2*time.Minute, "Time allowed for the final flush")
	return cmd
}

func runScheduler(ctx context.Context, cfg *config.Config, opts runOptions, stdin io.Reader, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.With(
		zap.String("component", "hubsync-cli"),
		zap.String("repo", cfg.Scheduler.RepoID),
		zap.String("destination", cfg.Destination.Type),
	)

	cfg.Tracing.ServiceVersion = version
	shutdownTracing, err := observability.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("failed to shut down tracing", zap.Error(err))
		}
	}()

	in, closeInput, err := openInput(opts, stdin)
	if err != nil {
		return err
	}
	defer closeInput()

	dest, err := destination.New(ctx, &cfg.Destination)
	if err != nil {
		return err
	}
	defer func() {
		if err := dest.Close(); err != nil {
			log.Warn("failed to close destination", zap.Error(err))
		}
	}()

	sched, err := scheduler.New(ctx, &cfg.Scheduler, dest,
		scheduler.WithLogger(log),
		scheduler.WithDestinationName(cfg.Destination.Type))
	if err != nil {
		return err
	}

	pipe, err := pipeline.New(pipeline.Config{
		Kind:        pipeline.Kind(opts.Kind),
		SkipInvalid: opts.SkipInvalid,
	}, sched, log)
	if err != nil {
		_ = sched.Stop(ctx)
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			log.Info("serving metrics", zap.String("listen", cfg.Metrics.Listen), zap.String("path", cfg.Metrics.Path))
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var inputStats pipeline.Stats
	g.Go(func() error {
		type result struct {
			stats pipeline.Stats
			err   error
		}
		done := make(chan result, 1)
		// a blocked stdin read cannot be interrupted, so the reader is not joined
		go func() {
			st, err := pipe.Run(gctx, in)
			done <- result{st, err}
		}()

		select {
		case r := <-done:
			inputStats = r.stats
			if r.err != nil && !stderrors.Is(r.err, context.Canceled) {
				return r.err
			}
		case <-gctx.Done():
			inputStats = pipe.Stats()
			return nil
		}

		if opts.Follow {
			<-gctx.Done()
			return nil
		}
		stop()
		return nil
	})

	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	stopErr := sched.Stop(stopCtx)

	summary := runSummary{Input: inputStats, Scheduler: sched.Stats()}
	enc := gojson.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		log.Warn("failed to print summary", zap.Error(err))
	}

	if runErr != nil {
		return runErr
	}
	return stopErr
}

// openInput opens the input file (or stdin) behind the matching decompressor
func openInput(opts runOptions, stdin io.Reader) (io.Reader, func(), error) {
	var src io.Reader = stdin
	closeFile := func() {}
	if opts.Input != "" && opts.Input != "-" {
		f, err := os.Open(opts.Input)
		if err != nil {
			return nil, nil, err
		}
		src = f
		closeFile = func() { _ = f.Close() }
	}

	algo := compression.Detect(opts.Input)
	if opts.Compression != "" {
		var err error
		if algo, err = compression.ParseAlgorithm(opts.Compression); err != nil {
			closeFile()
			return nil, nil, err
		}
	}

	r, err := compression.NewReader(src, algo)
	if err != nil {
		closeFile()
		return nil, nil, err
	}
	return r, func() {
		_ = r.Close()
		closeFile()
	}, nil
}
