package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cklxx-labs/parallex/internal/bundle"
	"github.com/cklxx-labs/parallex/internal/config"
	"github.com/cklxx-labs/parallex/internal/coordinator"
	"github.com/cklxx-labs/parallex/internal/discovery"
	"github.com/cklxx-labs/parallex/internal/external"
	"github.com/cklxx-labs/parallex/internal/metrics"
	"github.com/cklxx-labs/parallex/internal/queue"
	"github.com/cklxx-labs/parallex/internal/reporter"
	"github.com/cklxx-labs/parallex/internal/srcmap"
)

type runFlags struct {
	configPath     string
	files          []string
	exclude        []string
	suites         []string
	parallel       int
	bail           bool
	timeoutMS      int
	randomize      bool
	filter         []string
	seed           int64
	metricsAddr    string
	externalListen string
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [root]",
		Short: "Discover and run JavaScript test suites in parallel sandboxes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			return runRun(cmd, root, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", "", "path to a .parallex.yaml config file")
	flags.StringSliceVar(&f.files, "files", nil, "glob patterns matching test files")
	flags.StringSliceVar(&f.exclude, "exclude", nil, "glob patterns to exclude from discovery")
	flags.StringSliceVar(&f.suites, "suites", nil, "glob patterns restricting which discovered files run as suites")
	flags.IntVar(&f.parallel, "parallel", 0, "maximum concurrent sandboxes")
	flags.BoolVar(&f.bail, "bail", false, "stop scheduling remaining suites after the first failure")
	flags.IntVar(&f.timeoutMS, "timeout", 0, "per-test timeout in milliseconds")
	flags.BoolVar(&f.randomize, "randomize", false, "randomize test execution order within a suite")
	flags.StringSliceVar(&f.filter, "filter", nil, "regex chain matched, in order, against the last segments of a test's describe/test path; only matching tests run")
	flags.Int64Var(&f.seed, "seed", 0, "seed for --randomize's child-order shuffle (unseeded/time-based if not given)")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
	flags.StringVar(&f.externalListen, "external-listen", "", "address to serve the external runner registration/websocket endpoint on (disabled if empty)")

	return cmd
}

func runRun(cmd *cobra.Command, root string, f *runFlags) error {
	opts, err := loadRunOptions(cmd, f)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	patterns, err := compilePatterns(opts)
	if err != nil {
		return fmt.Errorf("compile discovery patterns: %w", err)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	discovered, err := discovery.Discover(absRoot, patterns)
	if err != nil {
		return fmt.Errorf("discover suites: %w", err)
	}
	if len(discovered) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no test files matched")
		return nil
	}

	idx, err := srcmap.New()
	if err != nil {
		return fmt.Errorf("build source map index: %w", err)
	}

	bundler := bundle.IdentityBundler{}
	files := make(map[string]coordinator.CompiledFile, len(discovered))
	for relPath, absPath := range discovered {
		code, sourceMap, err := bundler.Bundle(absPath)
		if err != nil {
			return fmt.Errorf("bundle %s: %w", relPath, err)
		}
		files[relPath] = coordinator.CompiledFile{Code: code, SourceMap: sourceMap}
	}

	q := queue.New(opts.Parallel)
	coord := coordinator.New(coordinator.Config{
		Parallel:  opts.Parallel,
		Bail:      opts.Bail,
		TimeoutMS: opts.TimeoutMS,
		Randomize: opts.Randomize,
		Filter:    opts.Filter,
		Seed:      opts.Seed,
	}, idx, q)

	sum := newSummarySink(cmd.OutOrStdout())
	reporterOpts := []reporter.Option{}

	var extSrv *external.Server
	var httpServers []*http.Server

	if f.externalListen != "" {
		extSrv = external.New(coord, []string{"*"}, external.WithAllowedRunners(opts.TestRunners))
		reporterOpts = append(reporterOpts, reporter.WithRunnerNames(extSrv.LookupRunnerName))
		httpServers = append(httpServers, &http.Server{Addr: f.externalListen, Handler: extSrv.Handler()})
	}

	reporter.New(idx, reporterOpts...).Attach(coord, sum)

	if f.metricsAddr != "" {
		reg := metrics.New()
		coord.SetMetrics(reg)
		httpServers = append(httpServers, &http.Server{Addr: f.metricsAddr, Handler: reg.Handler()})
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range httpServers {
		srv := srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(cmd.ErrOrStderr(), "server on %s: %v\n", srv.Addr, err)
			}
		}()
	}

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			cancel()
			drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer drainCancel()
			for _, srv := range httpServers {
				_ = srv.Shutdown(drainCtx)
			}
		})
	}
	defer shutdown()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		<-quit
		shutdown()
	}()

	runErr := coord.ExecuteSuites(ctx, absRoot, files)
	shutdown()
	wg.Wait()

	sum.PrintSummary()
	if runErr != nil || sum.FailedCount() > 0 {
		return fmt.Errorf("test run failed")
	}
	return nil
}

func loadRunOptions(cmd *cobra.Command, f *runFlags) (config.RunOptions, error) {
	var overrides config.Overrides
	flags := cmd.Flags()
	if flags.Changed("files") {
		overrides.Files = &f.files
	}
	if flags.Changed("exclude") {
		overrides.Exclude = &f.exclude
	}
	if flags.Changed("suites") {
		overrides.Suites = &f.suites
	}
	if flags.Changed("parallel") {
		overrides.Parallel = &f.parallel
	}
	if flags.Changed("bail") {
		overrides.Bail = &f.bail
	}
	if flags.Changed("timeout") {
		overrides.TimeoutMS = &f.timeoutMS
	}
	if flags.Changed("randomize") {
		overrides.Randomize = &f.randomize
	}
	if flags.Changed("filter") {
		overrides.Filter = &f.filter
	}
	if flags.Changed("seed") {
		overrides.Seed = &f.seed
	}

	loadOpts := []config.Option{config.WithOverrides(overrides)}
	if f.configPath != "" {
		loadOpts = append(loadOpts, config.WithConfigPath(f.configPath))
	}
	opts, _, err := config.Load(loadOpts...)
	return opts, err
}

func compilePatterns(opts config.RunOptions) (discovery.Patterns, error) {
	files, err := compileGlobs(opts.Files)
	if err != nil {
		return discovery.Patterns{}, err
	}
	exclude, err := compileGlobs(opts.Exclude)
	if err != nil {
		return discovery.Patterns{}, err
	}
	suites, err := compileGlobs(opts.Suites)
	if err != nil {
		return discovery.Patterns{}, err
	}
	return discovery.Patterns{Files: files, Exclude: exclude, Suites: suites}, nil
}

func compileGlobs(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := discovery.CompilePattern(p, true)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
