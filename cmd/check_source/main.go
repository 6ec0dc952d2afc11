package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"booksource/internal/cache"
	"booksource/internal/fetch"
	"booksource/internal/log"
	"booksource/internal/metrics"
	"booksource/internal/metrics/datadog"
	"booksource/internal/metrics/prompush"
	"booksource/internal/pipeline"
	"booksource/internal/source"
)

// runReport is emitted as a single JSON document on stdout when -json is set.
//
// This output is intended for machine parsing. Additive changes are safe;
// renames/removals are breaking changes for downstream consumers.
type runReport struct {
	RunID        string             `json:"run_id"`
	Source       string             `json:"source"`
	Keyword      string             `json:"keyword,omitempty"`
	Page         int                `json:"page"`
	Explore      bool               `json:"explore,omitempty"`
	Complete     bool               `json:"complete"`
	Stopped      bool               `json:"stopped,omitempty"`
	DurationMs   int64              `json:"duration_ms"`
	Books        []pipeline.Book    `json:"books,omitempty"`
	Detail       *pipeline.Book     `json:"detail,omitempty"`
	Chapters     []pipeline.Chapter `json:"chapters,omitempty"`
	ContentChars int                `json:"content_chars"`
	Error        string             `json:"error,omitempty"`
	Trace        []pipeline.Line    `json:"trace"`
}

// backendCloser is the minimal interface used by this command to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
//
// When to use:
//   - Unit tests: inject a fake backend factory and capture stdout/stderr.
//   - Alternate runtimes: swap the metrics backend or output sinks.
//
// A nil backendCloser from BackendFactory means metrics stay disabled.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	BackendFactory func(ctx context.Context, cfg runConfig, job string) (backendCloser, error)
}

// runConfig holds the parsed flags and derived values for a run.
type runConfig struct {
	SourcePath      string
	Keyword         string
	Page            int
	Explore         bool
	Timeout         time.Duration
	MaxAttempts     int
	BaseBackoff     time.Duration
	RatePerSec      float64
	MaxContentPages int
	LogFile         string
	Verbose         bool
	JSONOut         bool

	MetricsBackend string
	PushGatewayURL string
	TagsCSV        string
	FlushEvery     time.Duration
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout:         os.Stdout,
		Stderr:         os.Stderr,
		BackendFactory: newMetricsBackend,
	})
	os.Exit(code)
}

// run checks one book source end to end and returns an exit code.
//
// Exit codes:
//   - 0: the full pipeline completed and chapter text was extracted.
//   - 1: the run ended early: a stage failed, a stage produced no usable
//     data, or the run was interrupted.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.BackendFactory == nil {
		d.BackendFactory = newMetricsBackend
	}

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	src, err := source.LoadSourceFile(cfg.SourcePath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "load source: %v\n", err)
		return 2
	}

	job := src.Name
	if job == "" {
		job = "booksource"
	}

	level := zapcore.InfoLevel
	if cfg.Verbose {
		level = zapcore.DebugLevel
	}
	plugin := log.NewStderrPlugin(level)
	if cfg.LogFile != "" {
		filePlugin, closer := log.NewFilePlugin(cfg.LogFile, level)
		defer closer.Close()
		plugin = zapcore.NewTee(plugin, filePlugin)
	}
	logger := log.NewLogger(plugin).With(zap.String("source", job))
	defer logger.Sync()

	backend, err := d.BackendFactory(ctx, cfg, job)
	if err != nil {
		logger.Warn("metrics backend init failed; metrics disabled", zap.Error(err))
	} else if backend != nil {
		metrics.SetBackend(backend)
		defer func() {
			if err := backend.Close(); err != nil {
				logger.Warn("metrics close/flush failed", zap.Error(err))
			}
		}()
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	client := fetch.NewClient(fetch.NewHTTPTransport(cfg.Timeout), fetch.Options{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		Headers:     src.Headers,
		Limiter:     limiter,
		Job:         job,
	})
	runner := pipeline.NewRunner(src, client, pipeline.Options{
		Job:             job,
		MaxContentPages: cfg.MaxContentPages,
		Logger:          logger,
		Cache:           cache.NewMemory(),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// First signal stops at the next stage boundary; a second one aborts
	// the in-flight request.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(sigCh)
		close(sigCh)
	}()
	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		logger.Warn("interrupt received; halting at next stage boundary")
		runner.Stop()
		if _, ok := <-sigCh; !ok {
			return
		}
		cancel()
	}()

	trace := pipeline.NewTrace()
	logger.Info("run starting",
		zap.String("run_id", trace.RunID),
		zap.String("keyword", cfg.Keyword),
		zap.Int("page", cfg.Page),
		zap.Bool("explore", cfg.Explore),
	)

	start := time.Now()
	var res *pipeline.Result
	if cfg.Explore {
		res, err = runner.RunExplore(ctx, trace, cfg.Page)
	} else {
		res, err = runner.Run(ctx, trace, cfg.Keyword, cfg.Page)
	}
	elapsed := time.Since(start)

	if err != nil {
		logger.Error("run failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	} else {
		logger.Info("run finished",
			zap.Bool("complete", res.Complete),
			zap.Bool("stopped", res.Stopped),
			zap.Int("books", len(res.Books)),
			zap.Int("chapters", len(res.Chapters)),
			zap.Int("content_chars", len(res.Content)),
			zap.Duration("elapsed", elapsed),
		)
	}

	if cfg.JSONOut {
		writeReport(d.Stdout, cfg, trace, res, err, elapsed)
	} else {
		writeHuman(d.Stdout, job, trace, res, elapsed)
		if err != nil {
			fmt.Fprintf(d.Stderr, "run failed: %v\n", err)
		}
	}

	if err != nil || !res.Complete {
		return 1
	}
	return 0
}

// writeHuman prints the trace followed by a one-line verdict.
func writeHuman(w io.Writer, job string, trace *pipeline.Trace, res *pipeline.Result, elapsed time.Duration) {
	for _, ln := range trace.Lines() {
		fmt.Fprintf(w, "%s %s\n", ln.At.Format("15:04:05.000"), ln.Text)
	}
	fmt.Fprintf(w, "\nsource %q: complete=%v stopped=%v books=%d chapters=%d content=%d chars in %s\n",
		job, res.Complete, res.Stopped, len(res.Books), len(res.Chapters), len(res.Content),
		elapsed.Truncate(time.Millisecond))
}

func writeReport(w io.Writer, cfg runConfig, trace *pipeline.Trace, res *pipeline.Result, runErr error, elapsed time.Duration) {
	rep := runReport{
		RunID:        trace.RunID,
		Source:       cfg.SourcePath,
		Keyword:      cfg.Keyword,
		Page:         cfg.Page,
		Explore:      cfg.Explore,
		Complete:     res.Complete,
		Stopped:      res.Stopped,
		DurationMs:   elapsed.Milliseconds(),
		Books:        res.Books,
		Chapters:     res.Chapters,
		ContentChars: len(res.Content),
		Trace:        trace.Lines(),
	}
	if res.Detail != (pipeline.Book{}) {
		detail := res.Detail
		rep.Detail = &detail
	}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	_ = json.NewEncoder(w).Encode(rep)
}

// parseFlags parses command arguments into a validated runConfig.
//
// Errors:
//   - Returns an error for invalid/missing required flags.
//   - Does not exit the process (caller decides exit code).
func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("check_source", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)

	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.StringVar(&cfg.SourcePath, "source", "", "Path to the source rule-set JSON file")
	fs.StringVar(&cfg.Keyword, "key", "", "Search keyword (required unless -explore)")
	fs.IntVar(&cfg.Page, "page", 1, "Result page number (1-based)")
	fs.BoolVar(&cfg.Explore, "explore", false, "Seed from the explore template instead of search")
	fs.DurationVar(&cfg.Timeout, "t", 15*time.Second, "HTTP timeout per request (e.g. 15s)")
	fs.IntVar(&cfg.MaxAttempts, "max_attempts", 3, "Max attempts per request (including first attempt)")
	fs.DurationVar(&cfg.BaseBackoff, "base_backoff", 500*time.Millisecond, "Base backoff between retries; grows linearly per attempt")
	fs.Float64Var(&cfg.RatePerSec, "rate", 0, "Max requests per second against the source (0 means unlimited)")
	fs.IntVar(&cfg.MaxContentPages, "max_content_pages", 5, "Max next-page links to follow for one chapter")
	fs.StringVar(&cfg.LogFile, "log_file", "", "Also write logs to this file (rotated)")
	fs.BoolVar(&cfg.Verbose, "v", false, "Enable debug logs")
	fs.BoolVar(&cfg.JSONOut, "json", false, "Emit a JSON report on stdout instead of the readable trace")

	fs.StringVar(&cfg.MetricsBackend, "metrics_backend", "none", "Metrics backend (none, pushgateway, datadog); empty reads METRICS_BACKEND")
	fs.StringVar(&cfg.PushGatewayURL, "pushgateway_url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.StringVar(&cfg.TagsCSV, "dd_tags", "", "Extra Datadog tags CSV (e.g. env:prod,service:reader)")
	fs.DurationVar(&cfg.FlushEvery, "metrics_flush", 1*time.Minute, "Datadog flush interval")

	if err := fs.Parse(args); err != nil {
		// When -h / -help is passed, flag.Parse returns flag.ErrHelp.
		// Return the captured usage text so caller prints it.
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	if cfg.SourcePath == "" {
		return runConfig{}, errors.New("missing required -source <rules.json>")
	}
	if cfg.Keyword == "" && !cfg.Explore {
		return runConfig{}, errors.New("missing required -key (or pass -explore)")
	}
	if cfg.Page < 1 {
		return runConfig{}, errors.New("-page must be >= 1")
	}
	if cfg.MaxAttempts <= 0 {
		return runConfig{}, errors.New("-max_attempts must be > 0")
	}
	if cfg.RatePerSec < 0 {
		return runConfig{}, errors.New("-rate must be >= 0")
	}
	if cfg.MaxContentPages <= 0 {
		return runConfig{}, errors.New("-max_content_pages must be > 0")
	}
	switch cfg.MetricsBackend {
	case "", "none", "pushgateway", "datadog":
	default:
		return runConfig{}, fmt.Errorf("unknown -metrics_backend %q (want none, pushgateway, or datadog)", cfg.MetricsBackend)
	}

	return cfg, nil
}

// newMetricsBackend builds the configured metrics backend.
//
// Selection is flag first, env METRICS_BACKEND second. A nil backend with a
// nil error means metrics are intentionally disabled.
func newMetricsBackend(ctx context.Context, cfg runConfig, job string) (backendCloser, error) {
	name := cfg.MetricsBackend
	if name == "" {
		name = os.Getenv("METRICS_BACKEND")
	}
	switch name {
	case "", "none":
		return nil, nil

	case "pushgateway":
		gwURL := cfg.PushGatewayURL
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		return prompush.New(prompush.Options{URL: gwURL, JobName: job})

	case "datadog":
		return datadog.NewBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       datadog.ParseTagsCSV(cfg.TagsCSV),
			FlushEvery: cfg.FlushEvery,
		})

	default:
		return nil, fmt.Errorf("unknown metrics backend %q", name)
	}
}
