package library

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetpack/fleetpack/internal/deploy"
)

const testManifestYAML = `app:
  displayName: 7-Zip
  publisher: Igor Pavlov
  installCommandLine: 7z2301-x64.exe /S
  uninstallCommandLine: "%ProgramFiles%\\7-Zip\\Uninstall.exe /S"
`

type fakePublisher struct {
	mu    sync.Mutex
	reqs  []deploy.Request
	ctxs  []context.Context
	err   error
	block chan struct{}
}

func (p *fakePublisher) Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.ctxs = append(p.ctxs, ctx)
	block := p.block
	err := p.err
	p.mu.Unlock()
	if block != nil {
		<-block
	}
	return deploy.Result{AttemptID: "attempt-test"}, err
}

func (p *fakePublisher) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func (p *fakePublisher) last() deploy.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[len(p.reqs)-1]
}

func (p *fakePublisher) ctxAt(i int) context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctxs[i]
}

type libMetrics struct {
	mu         sync.Mutex
	scans      int
	scanErrs   map[string]int
	discovered int
	lastScan   float64
	stale      []bool
}

func newLibMetrics() *libMetrics {
	return &libMetrics{scanErrs: map[string]int{}}
}

func (m *libMetrics) IncLibraryScan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++
}

func (m *libMetrics) IncLibraryScanError(errType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanErrs[errType]++
}

func (m *libMetrics) IncPackagesDiscovered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discovered++
}

func (m *libMetrics) SetLibraryLastScan(unixSeconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastScan = unixSeconds
}

func (m *libMetrics) SetLibraryStale(stale bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale = append(m.stale, stale)
}

func (m *libMetrics) scanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scans
}

func (m *libMetrics) errCount(errType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanErrs[errType]
}

func (m *libMetrics) discoveredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discovered
}

func (m *libMetrics) lastScanValue() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastScan
}

func (m *libMetrics) staleHistory() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.stale...)
}

// watcherFixture wires an in-memory store, a source over it, a fake
// publisher, and recording metrics.
type watcherFixture struct {
	s3      *fakeS3
	pub     *fakePublisher
	metrics *libMetrics
}

func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()
	return &watcherFixture{s3: newFakeS3(), pub: &fakePublisher{}, metrics: newLibMetrics()}
}

func (f *watcherFixture) putPair(name string) {
	f.s3.put("inbox/"+name+".intunewin", "encrypted-"+name)
	f.s3.put("inbox/"+name+".yaml", testManifestYAML)
}

func (f *watcherFixture) newWatcher(t *testing.T, opts ...func(*WatcherOptions)) *Watcher {
	t.Helper()
	src, err := NewSource(SourceOptions{Client: f.s3, Bucket: testBucket, WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	wopts := WatcherOptions{
		Source:    src,
		Publisher: f.pub,
		Metrics:   f.metrics,
	}
	for _, fn := range opts {
		fn(&wopts)
	}
	w, err := NewWatcher(wopts)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w
}

func withMaxInFlight(n int) func(*WatcherOptions) {
	return func(o *WatcherOptions) { o.MaxInFlight = n }
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// scanOnce - complete pair

func TestScanOnce_DeploysAndArchives(t *testing.T) {
	f := newWatcherFixture(t)
	f.putPair("7zip")
	w := f.newWatcher(t)

	if ok := w.scanOnce(t.Context()); !ok {
		t.Fatal("scanOnce reported failure")
	}
	w.wg.Wait()

	if f.pub.calls() != 1 {
		t.Fatalf("Deploy calls = %d, want 1", f.pub.calls())
	}
	req := f.pub.last()
	if !strings.HasSuffix(req.PackagePath, "7zip.intunewin") {
		t.Fatalf("PackagePath = %q", req.PackagePath)
	}
	if req.Manifest.App.DisplayName != "7-Zip" || req.Manifest.App.InstallCommandLine != "7z2301-x64.exe /S" {
		t.Fatalf("manifest not threaded through: %+v", req.Manifest.App)
	}
	if req.SourceKey != "inbox/7zip.intunewin" {
		t.Fatalf("SourceKey = %q", req.SourceKey)
	}

	want := "processed/7zip.intunewin,processed/7zip.yaml"
	if got := strings.Join(f.s3.keys(), ","); got != want {
		t.Fatalf("bucket keys = %q, want %q", got, want)
	}
	if f.metrics.scanCount() != 1 || f.metrics.discoveredCount() != 1 {
		t.Fatalf("scans = %d, discovered = %d, want 1 each", f.metrics.scanCount(), f.metrics.discoveredCount())
	}
	if f.metrics.lastScanValue() == 0 {
		t.Fatal("last scan timestamp not recorded")
	}
}

// scanOnce - failed attempt

func TestScanOnce_FailedAttemptGoesToFailed(t *testing.T) {
	f := newWatcherFixture(t)
	f.putPair("vlc")
	f.pub.err = errors.New("remote rejected the commit")
	w := f.newWatcher(t)

	w.scanOnce(t.Context())
	w.wg.Wait()

	want := "failed/vlc.intunewin,failed/vlc.yaml"
	if got := strings.Join(f.s3.keys(), ","); got != want {
		t.Fatalf("bucket keys = %q, want %q", got, want)
	}
}

// scanOnce - manifest rejected before any remote call

func TestScanOnce_BadManifestGoesToFailed(t *testing.T) {
	f := newWatcherFixture(t)
	f.s3.put("inbox/junk.intunewin", "pkg")
	f.s3.put("inbox/junk.yaml", "app: {}\n")
	w := f.newWatcher(t)

	w.scanOnce(t.Context())
	w.wg.Wait()

	if f.pub.calls() != 0 {
		t.Fatalf("Deploy calls = %d, want 0 for a rejected manifest", f.pub.calls())
	}
	if f.metrics.errCount("manifest") != 1 {
		t.Fatalf("manifest errors = %d, want 1", f.metrics.errCount("manifest"))
	}
	want := "failed/junk.intunewin,failed/junk.yaml"
	if got := strings.Join(f.s3.keys(), ","); got != want {
		t.Fatalf("bucket keys = %q, want %q", got, want)
	}
}

// scanOnce - fetch error

func TestScanOnce_FetchErrorLeavesPairInInbox(t *testing.T) {
	f := newWatcherFixture(t)
	f.putPair("7zip")
	f.s3.getErr = errors.New("throttled")
	w := f.newWatcher(t)

	w.scanOnce(t.Context())
	w.wg.Wait()

	if f.pub.calls() != 0 {
		t.Fatalf("Deploy calls = %d, want 0 when the download fails", f.pub.calls())
	}
	if f.metrics.errCount("fetch") != 1 {
		t.Fatalf("fetch errors = %d, want 1", f.metrics.errCount("fetch"))
	}
	want := "inbox/7zip.intunewin,inbox/7zip.yaml"
	if got := strings.Join(f.s3.keys(), ","); got != want {
		t.Fatalf("bucket keys = %q, want the pair left in place", got)
	}
}

// scanOnce - list error

func TestScanOnce_ListErrorReported(t *testing.T) {
	f := newWatcherFixture(t)
	f.s3.listErr = errors.New("throttled")
	w := f.newWatcher(t)

	if ok := w.scanOnce(t.Context()); ok {
		t.Fatal("scanOnce reported success on a failing list")
	}
	if f.metrics.errCount("scan") != 1 {
		t.Fatalf("scan errors = %d, want 1", f.metrics.errCount("scan"))
	}
}

// scanOnce - claims

func TestScanOnce_InFlightPairNotRelaunched(t *testing.T) {
	f := newWatcherFixture(t)
	f.putPair("7zip")
	f.pub.block = make(chan struct{})
	w := f.newWatcher(t, withMaxInFlight(4))

	w.scanOnce(t.Context())
	w.scanOnce(t.Context())
	w.scanOnce(t.Context())

	close(f.pub.block)
	w.wg.Wait()

	if f.pub.calls() != 1 {
		t.Fatalf("Deploy calls = %d, want 1 for a pair already in flight", f.pub.calls())
	}
	if got := w.launches.Load(); got != 1 {
		t.Fatalf("launches = %d, want 1", got)
	}
}

// scanOnce - capacity

func TestScanOnce_CapacityBoundsLaunches(t *testing.T) {
	f := newWatcherFixture(t)
	f.putPair("aaa")
	f.putPair("bbb")
	f.pub.block = make(chan struct{})
	w := f.newWatcher(t)

	if ok := w.scanOnce(t.Context()); !ok {
		t.Fatal("scanOnce reported failure")
	}
	waitFor(t, 2*time.Second, func() bool { return f.pub.calls() == 1 })

	w.mu.Lock()
	claimed := len(w.claimed)
	w.mu.Unlock()
	if claimed != 1 {
		t.Fatalf("claimed pairs = %d, want 1 with capacity for one attempt", claimed)
	}

	close(f.pub.block)
	w.wg.Wait()

	if ok := w.scanOnce(t.Context()); !ok {
		t.Fatal("second scanOnce reported failure")
	}
	w.wg.Wait()

	if f.pub.calls() != 2 {
		t.Fatalf("Deploy calls = %d, want 2 after the follow-up scan", f.pub.calls())
	}
	for _, k := range f.s3.keys() {
		if !strings.HasPrefix(k, "processed/") {
			t.Fatalf("key %q not archived", k)
		}
	}
}

// shutdown

func TestDrain_AttemptSurvivesScanCancel(t *testing.T) {
	f := newWatcherFixture(t)
	f.putPair("7zip")
	f.pub.block = make(chan struct{})
	w := f.newWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	w.scanOnce(ctx)
	waitFor(t, 2*time.Second, func() bool { return f.pub.calls() == 1 })

	cancel()
	if err := f.pub.ctxAt(0).Err(); err != nil {
		t.Fatalf("attempt context canceled by scan shutdown: %v", err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if err := w.Drain(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain = %v, want deadline exceeded while the attempt runs", err)
	}

	close(f.pub.block)
	if err := w.Drain(context.Background()); err != nil {
		t.Fatalf("Drain after the attempt finished: %v", err)
	}

	want := "processed/7zip.intunewin,processed/7zip.yaml"
	if got := strings.Join(f.s3.keys(), ","); got != want {
		t.Fatalf("bucket keys = %q, want %q", got, want)
	}
}

// Run loop

func TestRun_StopsOnCancel(t *testing.T) {
	f := newWatcherFixture(t)
	w := f.newWatcher(t, func(o *WatcherOptions) { o.ScanInterval = 2 * time.Millisecond })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return f.metrics.scanCount() >= 2 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_StaleTransitions(t *testing.T) {
	f := newWatcherFixture(t)
	f.s3.listErr = errors.New("endpoint down")
	w := f.newWatcher(t, func(o *WatcherOptions) {
		o.ScanInterval = 2 * time.Millisecond
		o.StaleThreshold = time.Nanosecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool {
		h := f.metrics.staleHistory()
		return len(h) >= 1 && h[0]
	})

	f.s3.setListErr(nil)
	waitFor(t, 2*time.Second, func() bool {
		h := f.metrics.staleHistory()
		return len(h) >= 2 && !h[1]
	})

	cancel()
	<-done
}

// NewWatcher

func TestNewWatcher_Validation(t *testing.T) {
	f := newWatcherFixture(t)
	src, err := NewSource(SourceOptions{Client: f.s3, Bucket: testBucket})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}

	if _, err := NewWatcher(WatcherOptions{Publisher: f.pub}); err == nil {
		t.Fatal("NewWatcher accepted a nil source")
	}
	if _, err := NewWatcher(WatcherOptions{Source: src}); err == nil {
		t.Fatal("NewWatcher accepted a nil publisher")
	}
}

func TestNewWatcher_Defaults(t *testing.T) {
	f := newWatcherFixture(t)
	src, err := NewSource(SourceOptions{Client: f.s3, Bucket: testBucket})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	w, err := NewWatcher(WatcherOptions{Source: src, Publisher: f.pub})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	if w.interval != DefaultScanInterval {
		t.Fatalf("interval = %v, want %v", w.interval, DefaultScanInterval)
	}
	if w.attemptTimeout != DefaultAttemptTimeout {
		t.Fatalf("attempt timeout = %v, want %v", w.attemptTimeout, DefaultAttemptTimeout)
	}
	if cap(w.sem) != 1 {
		t.Fatalf("in-flight capacity = %d, want 1", cap(w.sem))
	}
	if w.staleThreshold != 30*time.Minute {
		t.Fatalf("stale threshold = %v, want 30m", w.staleThreshold)
	}
}

// backoffDuration

func TestBackoffDuration_Progression(t *testing.T) {
	w := &Watcher{interval: 30 * time.Second}

	tests := []struct {
		errs int
		want time.Duration
	}{
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 5 * time.Minute},
		{10, 5 * time.Minute},
	}
	for _, tt := range tests {
		w.consecutiveErrs = tt.errs
		if got := w.backoffDuration(); got != tt.want {
			t.Fatalf("consecutiveErrs=%d: backoff = %v, want %v", tt.errs, got, tt.want)
		}
	}
}
