package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/eventlog-streamer/internal/adapter/metrics"
	"github.com/user/eventlog-streamer/internal/adapter/sink"
	"github.com/user/eventlog-streamer/internal/adapter/source/eventlog"
	"github.com/user/eventlog-streamer/internal/adapter/source/filesource"
	"github.com/user/eventlog-streamer/internal/domain"
	"github.com/user/eventlog-streamer/internal/pkg/config"
	"github.com/user/eventlog-streamer/internal/pkg/logger"
	"github.com/user/eventlog-streamer/internal/usecase"
)

const (
	exitOK      = 0
	exitBadArgs = 1
	exitFailure = 2
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] <source> [<source> ...]\n\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(out, "Streams records from log sources to stdout as newline-delimited JSON.")
	fmt.Fprintln(out, "A source naming a file (path separator or extension) is read as an")
	fmt.Fprintln(out, "append-only NDJSON file; any other name is an OS event log.")
	fmt.Fprintln(out)
	flag.PrintDefaults()
}

// routingOpener picks the source driver from the shape of the name.
type routingOpener struct {
	files domain.SourceOpener
	logs  domain.SourceOpener
}

func (r *routingOpener) Open(ctx context.Context, name string) (domain.EventSource, error) {
	if strings.ContainsAny(name, `/\`) || filepath.Ext(name) != "" {
		return r.files.Open(ctx, name)
	}
	return r.logs.Open(ctx, name)
}

func main() {
	replayAll := flag.Bool("all", false, "emit the records already stored in each source before watching")
	once := flag.Bool("once", false, "exit after the replay pass instead of watching for new records")
	flag.Usage = usage
	flag.Parse()

	names := flag.Args()
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "error: no log sources given")
		usage()
		os.Exit(exitBadArgs)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(exitFailure)
	}

	log := logger.New(cfg.LogLevel).With("run_id", uuid.NewString())
	slog.SetDefault(log)

	m := metrics.NewStreamMetrics()

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Optional Metrics Server ---
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info("starting metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	// --- Output Sink ---
	var out domain.RecordSink
	if cfg.OutputPath != "" {
		fileSink, err := sink.OpenFile(cfg.OutputPath)
		if err != nil {
			log.Error("failed to open output", "path", cfg.OutputPath, "error", err)
			os.Exit(exitFailure)
		}
		out = fileSink
	} else {
		out = sink.New(os.Stdout)
	}

	// --- Registry and Engines ---
	opener := &routingOpener{
		files: filesource.NewOpener(cfg.PollInterval, log),
		logs:  eventlog.NewOpener(log),
	}
	registry := usecase.NewEngineRegistry(opener, out, log, m)

	for _, name := range names {
		desc := domain.SourceDescriptor{
			Name:            name,
			ReplayAll:       *replayAll,
			ExitAfterReplay: *once,
		}
		if err := registry.Add(ctx, desc); err != nil {
			log.Error("failed to add source", "source", name, "error", err)
			registry.DisposeAll()
			if errors.Is(err, domain.ErrDuplicateSource) {
				os.Exit(exitBadArgs)
			}
			os.Exit(exitFailure)
		}
	}

	if err := registry.StartAll(ctx); err != nil {
		log.Error("failed to start engines", "error", err)
		registry.DisposeAll()
		os.Exit(exitFailure)
	}

	if !*once {
		log.Info("watching for new records", "sources", len(names))
		<-ctx.Done()
		log.Info("shutting down")
	}

	// Both the signal path and the normal exit path end up here; DisposeAll
	// is idempotent so the ordering between them cannot half-dispose engines.
	registry.DisposeAll()

	if err := out.Close(); err != nil {
		log.Error("failed to close output", "error", err)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics server shutdown failed", "error", err)
		}
	}
}
