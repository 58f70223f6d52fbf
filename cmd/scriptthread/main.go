// Command scriptthread runs a script in a single pipeline, with timers,
// fetches and service workers available to it, until it is interrupted or
// the timeout elapses.
//
// Usage:
//
//	scriptthread [--config file] [--url document-url] [--timeout 10s] script.js
//
// The script may be a local path or an http(s) URL. Configuration is read
// from the optional file and SCRIPTTHREAD_* environment variables, see the
// config package.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joeycumines/stumpy"
	"github.com/spf13/pflag"

	"github.com/joeycumines/go-scriptthread"
	"github.com/joeycumines/go-scriptthread/config"
	"github.com/joeycumines/go-scriptthread/httpfetch"
	"github.com/joeycumines/go-scriptthread/script"
	"github.com/joeycumines/go-scriptthread/serviceworker"
	"github.com/joeycumines/go-scriptthread/task"
)

const pipelineID task.PipelineID = 1

type options struct {
	config   string
	url      string
	timeout  time.Duration
	shutdown time.Duration
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("scriptthread", pflag.ExitOnError)
	flags.StringVarP(&opts.config, "config", "c", "", "config file (yaml, toml or json)")
	flags.StringVar(&opts.url, "url", "", "document URL, defaults to the script's URL")
	flags.DurationVarP(&opts.timeout, "timeout", "t", 0, "stop after this long, 0 runs until interrupted")
	flags.DurationVar(&opts.shutdown, "shutdown-timeout", 5*time.Second, "bound on graceful shutdown")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: scriptthread [flags] script.js\n")
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])
	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, flags.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "scriptthread: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, target string) error {
	cfg, err := config.Load(opts.config)
	if err != nil {
		return err
	}

	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(cfg.Log.LogifaceLevel()),
	).Logger()

	loopOpts, err := cfg.Loop.LoopOptions(logger)
	if err != nil {
		return err
	}
	rates, err := cfg.ServiceWorker.Rates()
	if err != nil {
		return err
	}

	fetcher := httpfetch.New(
		httpfetch.WithLogger(logger),
		httpfetch.WithUserAgent(cfg.Network.UserAgent),
		httpfetch.WithChunkSize(cfg.Network.ChunkSize),
		httpfetch.WithMaxScriptSize(cfg.Network.MaxScriptSize),
	)

	sw, err := serviceworker.New(
		serviceworker.WithLogger(logger),
		serviceworker.WithScriptFetcher(fetcher),
		serviceworker.WithEvaluator(&script.WorkerEvaluator{Logger: logger, TimerPolicy: &cfg.Timers}),
		serviceworker.WithLoopOptions(loopOpts...),
		serviceworker.WithSoftUpdateRates(rates),
	)
	if err != nil {
		return err
	}

	registry := scriptthread.NewRegistry(
		scriptthread.WithLogger(logger),
		scriptthread.WithLoopOptions(loopOpts...),
		scriptthread.WithTimerPolicy(cfg.Timers),
		scriptthread.WithFetcher(fetcher),
		scriptthread.WithMaxInFlight(cfg.Network.MaxInFlight),
		scriptthread.WithServiceWorkers(sw),
	)
	defer func() {
		// both must stop even if the caller's context is already done
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.shutdown)
		defer cancel()
		if err := shutdown(shutdownCtx, registry, sw); err != nil {
			logger.Err().Err(err).Log("shutdown incomplete")
		}
	}()

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	docURL, src, err := loadScript(ctx, fetcher, target)
	if err != nil {
		return err
	}
	if opts.url != "" {
		docURL = opts.url
	}

	p, err := registry.CreatePipeline(pipelineID, scriptthread.PipelineConfig{
		URL: docURL,
		OnLoad: func() {
			logger.Info().Stringer("pipeline", pipelineID).Str("url", docURL).Log("document loaded")
		},
	})
	if err != nil {
		return err
	}

	evaluated := make(chan error, 1)
	if err := p.Evaluate(docURL, string(src), func(err error) { evaluated <- err }); err != nil {
		return err
	}

	for {
		select {
		case err := <-evaluated:
			if err != nil {
				return err
			}
			evaluated = nil
		case <-p.Done():
			return p.Wait(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// shutdown closes the registry before the manager, so destroyed pipelines
// abandon their jobs before the queues are closed.
func shutdown(ctx context.Context, registry *scriptthread.Registry, sw *serviceworker.Manager) error {
	return errors.Join(registry.Close(ctx), sw.Close(ctx))
}

// loadScript reads target, a path or an http(s) URL, returning the
// document URL it should run as.
func loadScript(ctx context.Context, fetcher *httpfetch.Fetcher, target string) (string, []byte, error) {
	if u, err := url.Parse(target); err == nil && (strings.EqualFold(u.Scheme, "http") || strings.EqualFold(u.Scheme, "https")) {
		src, err := fetcher.FetchScript(ctx, target)
		return target, src, err
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", nil, err
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return "", nil, err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), src, nil
}
