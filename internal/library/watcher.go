package library

import (
	"context"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetpack/fleetpack/internal/deploy"
	"github.com/fleetpack/fleetpack/internal/log"
	"github.com/fleetpack/fleetpack/internal/manifest"
	"github.com/fleetpack/fleetpack/internal/xerrors"
)

const (
	// DefaultScanInterval is how often the watcher lists the inbox.
	DefaultScanInterval = 30 * time.Second

	// DefaultAttemptTimeout bounds one publish attempt end to end.
	DefaultAttemptTimeout = 2 * time.Hour

	// maxScanBackoff caps exponential backoff on consecutive scan errors.
	maxScanBackoff = 5 * time.Minute
)

// Publisher runs one publish attempt; *deploy.Deployer satisfies it.
type Publisher interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error)
}

// WatcherMetrics is implemented by the metrics package to observe scan
// behavior.
type WatcherMetrics interface {
	IncLibraryScan()
	IncLibraryScanError(errType string)
	IncPackagesDiscovered()
	SetLibraryLastScan(unixSeconds float64)
	SetLibraryStale(stale bool)
}

// WatcherOptions configures the inbox watcher.
type WatcherOptions struct {
	Source    *Source
	Publisher Publisher
	Logger    log.Logger
	Metrics   WatcherMetrics

	// ScanInterval is the inbox poll cadence. Zero uses DefaultScanInterval.
	ScanInterval time.Duration

	// MaxInFlight bounds concurrent publish attempts. Zero means one.
	MaxInFlight int

	// AttemptTimeout bounds a single attempt. Attempts are not cancelled by
	// watcher shutdown; Drain waits for them instead.
	AttemptTimeout time.Duration

	// StaleThreshold is how long scans may keep failing before the inbox
	// view is reported stale. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

// Watcher scans the inbox on a ticker and launches one goroutine per
// complete pair, bounded by the in-flight semaphore.
type Watcher struct {
	source    *Source
	publisher Publisher
	logger    log.Logger
	metrics   WatcherMetrics

	interval       time.Duration
	attemptTimeout time.Duration
	staleThreshold time.Duration

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	claimed map[string]struct{}

	// backoff and staleness state, touched only on the Run goroutine
	consecutiveErrs int
	lastSuccessAt   time.Time
	staleLogged     bool

	scanCount int64
	launches  atomic.Int64
}

// NewWatcher creates an inbox watcher. Call Run to start the scan loop.
func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Source == nil {
		return nil, xerrors.New("library: source is required")
	}
	if opts.Publisher == nil {
		return nil, xerrors.New("library: publisher is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.ScanInterval
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	attemptTimeout := opts.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}
	inFlight := opts.MaxInFlight
	if inFlight <= 0 {
		inFlight = 1
	}

	return &Watcher{
		source:         opts.Source,
		publisher:      opts.Publisher,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		interval:       interval,
		attemptTimeout: attemptTimeout,
		staleThreshold: staleThreshold,
		sem:            make(chan struct{}, inFlight),
		claimed:        map[string]struct{}{},
		lastSuccessAt:  time.Now(),
	}, nil
}

// Run scans until ctx is cancelled. Attempts started by a scan are not
// cancelled with it; call Drain afterwards to wait for them.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "library watcher starting",
		"scan_interval", w.interval.String(),
		"max_in_flight", cap(w.sem),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "library watcher stopping",
				"reason", ctx.Err(),
				"scans", w.scanCount,
				"attempts_launched", w.launches.Load(),
			)
			return ctx.Err()
		case <-ticker.C:
			ok := w.scanOnce(ctx)

			if !ok {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "library watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_scan_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "library watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}

			// staleness transitions are logged once, not every tick
			if ok {
				if w.staleLogged {
					w.logger.Info(ctx, "library watcher: staleness recovered")
					w.staleLogged = false
					if w.metrics != nil {
						w.metrics.SetLibraryStale(false)
					}
				}
			} else if time.Since(w.lastSuccessAt) > w.staleThreshold {
				if !w.staleLogged {
					w.logger.Error(ctx, xerrors.Newf("last successful inbox scan was %s ago", time.Since(w.lastSuccessAt).Truncate(time.Second)),
						"library watcher: inbox view is stale",
					)
					w.staleLogged = true
					if w.metrics != nil {
						w.metrics.SetLibraryStale(true)
					}
				}
			}
		}
	}
}

// Drain blocks until running attempts finish or ctx expires.
func (w *Watcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scanOnce lists the inbox and launches attempts for unclaimed pairs while
// capacity lasts. Reports whether the scan itself succeeded.
func (w *Watcher) scanOnce(ctx context.Context) bool {
	w.scanCount++
	if w.metrics != nil {
		w.metrics.IncLibraryScan()
	}

	pairs, err := w.source.Scan(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "library watcher: inbox scan failed")
		if w.metrics != nil {
			w.metrics.IncLibraryScanError("scan")
		}
		return false
	}

	now := time.Now()
	w.lastSuccessAt = now
	if w.metrics != nil {
		w.metrics.SetLibraryLastScan(float64(now.Unix()))
	}

	for _, p := range pairs {
		if !w.claim(p.Name) {
			continue
		}
		select {
		case w.sem <- struct{}{}:
		default:
			w.release(p.Name)
			w.logger.Debug(ctx, "attempt capacity full, pair waits for a later scan", "name", p.Name)
			return true
		}
		if w.metrics != nil {
			w.metrics.IncPackagesDiscovered()
		}
		w.wg.Add(1)
		go w.runAttempt(ctx, p)
	}
	return true
}

// runAttempt owns one pair from download to archival. It detaches from the
// scan context so shutdown does not abort a publish mid-flight; the attempt
// timeout is the only bound.
func (w *Watcher) runAttempt(scanCtx context.Context, p Pair) {
	defer w.wg.Done()
	defer w.release(p.Name)
	defer func() { <-w.sem }()

	w.launches.Add(1)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(scanCtx), w.attemptTimeout)
	defer cancel()

	dir, pkgPath, manifestPath, err := w.source.Fetch(ctx, p)
	if err != nil {
		w.logger.Error(ctx, err, "library watcher: fetch failed, pair stays in the inbox", "name", p.Name)
		if w.metrics != nil {
			w.metrics.IncLibraryScanError("fetch")
		}
		return
	}
	defer os.RemoveAll(dir)

	m, err := loadManifest(manifestPath)
	if err != nil {
		w.logger.Error(ctx, err, "library watcher: manifest rejected", "name", p.Name, "key", p.ManifestKey)
		if w.metrics != nil {
			w.metrics.IncLibraryScanError("manifest")
		}
		w.archive(ctx, p, false)
		return
	}

	_, err = w.publisher.Deploy(ctx, deploy.Request{
		PackagePath: pkgPath,
		Manifest:    m,
		SourceKey:   p.PackageKey,
	})
	w.archive(ctx, p, err == nil)
}

func (w *Watcher) archive(ctx context.Context, p Pair, published bool) {
	if err := w.source.Archive(ctx, p, published); err != nil {
		w.logger.Error(ctx, err, "library watcher: archive failed, pair stays in the inbox",
			"name", p.Name, "published", published)
		if w.metrics != nil {
			w.metrics.IncLibraryScanError("archive")
		}
	}
}

func (w *Watcher) claim(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.claimed[name]; ok {
		return false
	}
	w.claimed[name] = struct{}{}
	return true
}

func (w *Watcher) release(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.claimed, name)
}

// backoffDuration computes exponential backoff capped at maxScanBackoff.
// consecutiveErrs=1 doubles the interval, =2 quadruples it, and so on.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxScanBackoff {
		d = maxScanBackoff
	}
	return d
}

func loadManifest(path string) (manifest.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return manifest.Manifest{}, xerrors.Wrap(err, "open manifest")
	}
	defer f.Close()
	return manifest.Parse(f)
}
