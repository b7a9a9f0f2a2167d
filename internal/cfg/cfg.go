package cfg

import (
	"crypto/aes"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fleetpack/fleetpack/internal/log"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string

	OpsPort     int
	EnablePprof bool

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	EnableTracing bool
	OTLPEndpoint  string
	TraceSample   float64

	LibraryEndpoint        string
	LibraryRegion          string
	LibraryBucket          string
	LibraryInboxPrefix     string
	LibraryProcessedPrefix string
	LibraryFailedPrefix    string
	LibraryPollInterval    time.Duration
	LibraryPathStyle       bool
	WorkDir                string

	GraphBaseURL   string
	GraphToken     string
	GraphTokenFile string
	GraphRPS       float64
	GraphBurst     int

	UploadWindowBytes int
	BlockAttempts     int
	BlockRetryDelay   time.Duration

	URIPollDelay        time.Duration
	URIPollAttempts     int
	CommitPollDelay     time.Duration
	CommitPollAttempts  int
	CommitGrace         time.Duration
	PublishPollDelay    time.Duration
	PublishPollAttempts int

	MaxInFlight  int
	DrainTimeout time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")

	fs.IntVar(&c.OpsPort, "ops-port", 9090, "ops listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on ops port only)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.LibraryEndpoint, "library-endpoint", "", "S3-compatible endpoint URL for the app library (empty = AWS default)")
	fs.StringVar(&c.LibraryRegion, "library-region", "", "region for the app library bucket (empty = SDK default chain)")
	fs.StringVar(&c.LibraryBucket, "library-bucket", "", "bucket holding packages and deployment manifests")
	fs.StringVar(&c.LibraryInboxPrefix, "library-inbox-prefix", "inbox", "prefix scanned for new package+manifest pairs")
	fs.StringVar(&c.LibraryProcessedPrefix, "library-processed-prefix", "processed", "prefix objects are moved to after a published attempt")
	fs.StringVar(&c.LibraryFailedPrefix, "library-failed-prefix", "failed", "prefix objects are moved to after a failed attempt")
	fs.DurationVar(&c.LibraryPollInterval, "library-poll-interval", 30*time.Second, "how often to scan the inbox prefix")
	fs.BoolVar(&c.LibraryPathStyle, "library-path-style", false, "use path-style S3 addressing (B2/MinIO)")
	fs.StringVar(&c.WorkDir, "work-dir", "", "scratch directory for downloaded packages (empty = system temp)")

	fs.StringVar(&c.GraphBaseURL, "graph-base-url", "https://graph.microsoft.com/beta", "device-management API base URL")
	fs.StringVar(&c.GraphToken, "graph-token", "", "static bearer token (prefer FLEETPACK_GRAPH_TOKEN env or -graph-token-file)")
	fs.StringVar(&c.GraphTokenFile, "graph-token-file", "", "file containing a bearer token, re-read near expiry")
	fs.Float64Var(&c.GraphRPS, "graph-rps", 4, "client-side request rate toward the management API")
	fs.IntVar(&c.GraphBurst, "graph-burst", 8, "burst size for the management API rate limiter")

	fs.IntVar(&c.UploadWindowBytes, "upload-window-bytes", 4<<20, "streaming window and storage block size in bytes")
	fs.IntVar(&c.BlockAttempts, "block-attempts", 3, "upload attempts per storage block")
	fs.DurationVar(&c.BlockRetryDelay, "block-retry-delay", 5*time.Second, "delay between block upload attempts")

	fs.DurationVar(&c.URIPollDelay, "uri-poll-delay", 5*time.Second, "delay between upload-target polls")
	fs.IntVar(&c.URIPollAttempts, "uri-poll-attempts", 60, "max upload-target polls before giving up")
	fs.DurationVar(&c.CommitPollDelay, "commit-poll-delay", 10*time.Second, "delay between file-commit polls")
	fs.IntVar(&c.CommitPollAttempts, "commit-poll-attempts", 60, "max file-commit polls before giving up")
	fs.DurationVar(&c.CommitGrace, "commit-grace", 90*time.Second, "how long a commit-failed signal is tolerated before the parent state cross-check")
	fs.DurationVar(&c.PublishPollDelay, "publish-poll-delay", 15*time.Second, "delay between publish polls")
	fs.IntVar(&c.PublishPollAttempts, "publish-poll-attempts", 60, "max publish polls before giving up")

	fs.IntVar(&c.MaxInFlight, "max-inflight", 1, "max concurrent publish attempts (1..32)")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", 30*time.Second, "how long to wait for in-flight attempts on shutdown")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.OpsPort < 1 || c.OpsPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid OPS_PORT %d (must be 1..65535)", c.OpsPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.LibraryBucket == "" {
		errs = append(errs, fmt.Errorf("LIBRARY_BUCKET is required"))
	}
	if c.LibraryEndpoint != "" {
		if u, err := url.Parse(c.LibraryEndpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("LIBRARY_ENDPOINT must be a URL (got %q)", c.LibraryEndpoint))
		}
	}
	if c.LibraryPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("LIBRARY_POLL_INTERVAL %s too short (min 1s)", c.LibraryPollInterval))
	}
	if c.LibraryInboxPrefix == c.LibraryProcessedPrefix || c.LibraryInboxPrefix == c.LibraryFailedPrefix {
		errs = append(errs, fmt.Errorf("LIBRARY_INBOX_PREFIX %q must differ from processed/failed prefixes", c.LibraryInboxPrefix))
	}

	if c.GraphBaseURL == "" {
		errs = append(errs, fmt.Errorf("GRAPH_BASE_URL is required"))
	} else if u, err := url.Parse(c.GraphBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("GRAPH_BASE_URL must be a URL (got %q)", c.GraphBaseURL))
	}
	if c.GraphToken == "" && c.GraphTokenFile == "" {
		errs = append(errs, fmt.Errorf("one of GRAPH_TOKEN or GRAPH_TOKEN_FILE is required"))
	}
	if c.GraphRPS <= 0 {
		errs = append(errs, fmt.Errorf("GRAPH_RPS must be > 0 (got %g)", c.GraphRPS))
	}
	if c.GraphBurst < 1 {
		errs = append(errs, fmt.Errorf("GRAPH_BURST must be >= 1 (got %d)", c.GraphBurst))
	}

	if c.UploadWindowBytes < 1<<20 || c.UploadWindowBytes > 8<<20 {
		errs = append(errs, fmt.Errorf("UPLOAD_WINDOW_BYTES %d out of range (1MiB..8MiB)", c.UploadWindowBytes))
	} else if c.UploadWindowBytes%aes.BlockSize != 0 {
		errs = append(errs, fmt.Errorf("UPLOAD_WINDOW_BYTES %d must be a multiple of the cipher block size (%d)", c.UploadWindowBytes, aes.BlockSize))
	}
	if c.BlockAttempts < 1 {
		errs = append(errs, fmt.Errorf("BLOCK_ATTEMPTS must be >= 1 (got %d)", c.BlockAttempts))
	}

	for _, p := range []struct {
		name     string
		delay    time.Duration
		attempts int
	}{
		{"URI_POLL", c.URIPollDelay, c.URIPollAttempts},
		{"COMMIT_POLL", c.CommitPollDelay, c.CommitPollAttempts},
		{"PUBLISH_POLL", c.PublishPollDelay, c.PublishPollAttempts},
	} {
		if p.delay <= 0 {
			errs = append(errs, fmt.Errorf("%s_DELAY must be > 0 (got %s)", p.name, p.delay))
		}
		if p.attempts < 1 {
			errs = append(errs, fmt.Errorf("%s_ATTEMPTS must be >= 1 (got %d)", p.name, p.attempts))
		}
	}
	if c.CommitGrace < 0 {
		errs = append(errs, fmt.Errorf("COMMIT_GRACE must be >= 0 (got %s)", c.CommitGrace))
	}

	if c.MaxInFlight < 1 || c.MaxInFlight > 32 {
		errs = append(errs, fmt.Errorf("MAX_INFLIGHT %d out of range (1..32)", c.MaxInFlight))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
