package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fleetpack/fleetpack/internal/blockblob"
	"github.com/fleetpack/fleetpack/internal/cfg"
	"github.com/fleetpack/fleetpack/internal/deploy"
	"github.com/fleetpack/fleetpack/internal/graph"
	"github.com/fleetpack/fleetpack/internal/health"
	"github.com/fleetpack/fleetpack/internal/library"
	"github.com/fleetpack/fleetpack/internal/log"
	"github.com/fleetpack/fleetpack/internal/metrics"
	"github.com/fleetpack/fleetpack/internal/opshttp"
	"github.com/fleetpack/fleetpack/internal/otelx"
	"github.com/fleetpack/fleetpack/internal/poll"
	"github.com/fleetpack/fleetpack/internal/prof"
	v "github.com/fleetpack/fleetpack/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s (commit=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix FLEETPACK_ and validate
	cfg.FillFromEnv(flag.CommandLine, "FLEETPACK_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Component:       "fleetpackd",
		Level:           lvl,
		StacktraceLevel: stLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stdout, but here if we swap backends in the future to
	// ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing daemon",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"ops_port", conf.OpsPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"library_endpoint", conf.LibraryEndpoint,
		"library_bucket", conf.LibraryBucket,
		"library_inbox_prefix", conf.LibraryInboxPrefix,
		"library_poll_interval", conf.LibraryPollInterval.String(),
		"library_path_style", conf.LibraryPathStyle,
		"graph_base_url", conf.GraphBaseURL,
		"graph_rps", conf.GraphRPS,
		"upload_window_bytes", conf.UploadWindowBytes,
		"max_inflight", conf.MaxInFlight,
		"drain_timeout", conf.DrainTimeout.String(),
	)

	// Setup pyroscope profiling
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "fleetpackd",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"source":    "go-agent",
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we only write to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "fleetpackd",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "fleetpackd", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// S3-compatible app library client; endpoint override and path-style
	// addressing cover B2 and MinIO
	var awsOpts []func(*config.LoadOptions) error
	if conf.LibraryRegion != "" {
		awsOpts = append(awsOpts, config.WithRegion(conf.LibraryRegion))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		L.Error(ctx, err, "failed to load AWS config")
		os.Exit(1)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if conf.LibraryEndpoint != "" {
			o.BaseEndpoint = aws.String(conf.LibraryEndpoint)
		}
		o.UsePathStyle = conf.LibraryPathStyle
	})

	// Management API client with a caching token source in front of the
	// configured credential
	var baseTokens graph.TokenSource
	if conf.GraphTokenFile != "" {
		baseTokens = graph.FileTokenSource(conf.GraphTokenFile)
	} else {
		baseTokens = graph.StaticTokenSource(conf.GraphToken)
	}
	graphClient, err := graph.New(graph.Options{
		BaseURL: conf.GraphBaseURL,
		Tokens:  graph.NewCachingTokenSource(baseTokens, m),
		RPS:     conf.GraphRPS,
		Burst:   conf.GraphBurst,
		Logger:  L,
		Metrics: m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create management API client")
		os.Exit(1)
	}

	uploader := blockblob.New(blockblob.Options{
		Window:     conf.UploadWindowBytes,
		Attempts:   conf.BlockAttempts,
		RetryDelay: conf.BlockRetryDelay,
		Logger:     L,
		Metrics:    m,
	})

	deployer, err := deploy.New(deploy.Options{
		Graph:    graphClient,
		Uploader: uploader,
		Window:   conf.UploadWindowBytes,
		Policies: deploy.Policies{
			UploadTarget: poll.Policy{Delay: conf.URIPollDelay, MaxAttempts: conf.URIPollAttempts},
			Commit:       poll.Policy{Delay: conf.CommitPollDelay, MaxAttempts: conf.CommitPollAttempts},
			Publish:      poll.Policy{Delay: conf.PublishPollDelay, MaxAttempts: conf.PublishPollAttempts},
			CommitGrace:  conf.CommitGrace,
		},
		Logger:  L,
		Metrics: m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create deployer")
		os.Exit(1)
	}

	source, err := library.NewSource(library.SourceOptions{
		Client:          s3Client,
		Bucket:          conf.LibraryBucket,
		InboxPrefix:     conf.LibraryInboxPrefix,
		ProcessedPrefix: conf.LibraryProcessedPrefix,
		FailedPrefix:    conf.LibraryFailedPrefix,
		WorkDir:         conf.WorkDir,
		Logger:          L,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create library source")
		os.Exit(1)
	}
	watcher, err := library.NewWatcher(library.WatcherOptions{
		Source:       source,
		Publisher:    deployer,
		Logger:       L,
		Metrics:      m,
		ScanInterval: conf.LibraryPollInterval,
		MaxInFlight:  conf.MaxInFlight,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create library watcher")
		os.Exit(1)
	}

	// setup toggle for daemon shutdown
	var gate health.ShutdownGate

	// start ops listener to serve metrics, health checks and pprof
	// sg restricts inbound to internal monitoring infrastructure; we reject
	// public peers in middleware in case that is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.OpsPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   gate.Probe(),
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	watcherErr := make(chan error, 1)
	go func() { watcherErr <- watcher.Run(ctx) }()

	// block until ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so monitors see the drain before attempts finish
	gate.Set("draining")
	<-watcherErr

	// in-flight attempts are detached from the signal context; give them the
	// drain window, a second signal abandons them
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), conf.DrainTimeout)
	defer cancelDrain()
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-forceCh:
			L.Warn(context.Background(), "second signal received, abandoning in-flight attempts")
			cancelDrain()
		case <-drainCtx.Done():
		}
	}()
	if err := watcher.Drain(drainCtx); err != nil {
		L.Warn(context.Background(), "in-flight attempts still running at drain deadline, their remote records keep their ids", "drain_timeout", conf.DrainTimeout.String())
	} else {
		L.Info(context.Background(), "drain complete")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when we run under Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
