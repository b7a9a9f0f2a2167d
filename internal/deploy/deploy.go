// Package deploy drives one publish attempt end to end: read and verify
// the package locally, create the remote application records, stream the
// encrypted payload to storage, and poll the remote lifecycle through
// commit to published.
//
// Attempts are fully independent. Two concurrent attempts on the same
// source create two remote records; nothing here deduplicates. A failed
// attempt leaves its partially created remote records in place for manual
// cleanup, and the returned ids say exactly what was created.
package deploy

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fleetpack/fleetpack/internal/graph"
	"github.com/fleetpack/fleetpack/internal/intunewin"
	"github.com/fleetpack/fleetpack/internal/log"
	"github.com/fleetpack/fleetpack/internal/manifest"
	"github.com/fleetpack/fleetpack/internal/poll"
	"github.com/fleetpack/fleetpack/internal/xerrors"
)

const tracerName = "fleetpack/deploy"

// GraphAPI is what the orchestrator needs from the management API client.
type GraphAPI interface {
	CreateApp(ctx context.Context, app graph.Win32App) (graph.App, error)
	GetApp(ctx context.Context, appID string) (graph.App, error)
	CreateContentVersion(ctx context.Context, appID string) (string, error)
	CreateFile(ctx context.Context, appID, versionID string, req graph.ContentFileRequest) (graph.ContentFile, error)
	GetFile(ctx context.Context, appID, versionID, fileID string) (graph.ContentFile, error)
	CommitFile(ctx context.Context, appID, versionID, fileID string, enc graph.FileEncryptionInfo) error
	SetCommittedVersion(ctx context.Context, appID, versionID string) error
}

// Uploader streams a payload to the storage target behind a SAS URI.
type Uploader interface {
	Upload(ctx context.Context, uploadURI string, src io.Reader) ([]string, error)
}

// Metrics is the subset of the pipeline metrics an attempt feeds.
type Metrics interface {
	poll.Metrics
	AttemptStarted()
	AttemptFinished(outcome string, seconds float64)
	ObserveStageDuration(ctx context.Context, stage string, seconds float64)
	IncIntegrityFailure(kind string)
}

// Policies bound the three remote waits and the commit-failure grace.
type Policies struct {
	UploadTarget poll.Policy
	Commit       poll.Policy
	Publish      poll.Policy

	// CommitGrace is how long a commit-failed signal is tolerated before
	// the parent application state is consulted.
	CommitGrace time.Duration
}

func defaultPolicies() Policies {
	return Policies{
		UploadTarget: poll.Policy{Delay: 5 * time.Second, MaxAttempts: 60},
		Commit:       poll.Policy{Delay: 10 * time.Second, MaxAttempts: 60},
		Publish:      poll.Policy{Delay: 15 * time.Second, MaxAttempts: 60},
		CommitGrace:  90 * time.Second,
	}
}

// Options configures a Deployer.
type Options struct {
	Graph    GraphAPI
	Uploader Uploader
	Window   int // decrypt window in bytes; the uploader carries its own
	Policies Policies
	Logger   log.Logger
	Metrics  Metrics
}

// Request is one package to publish.
type Request struct {
	PackagePath string
	Manifest    manifest.Manifest
	SourceKey   string // where the package came from, for logs only
}

// Result reports what an attempt created, also on failure, so orphaned
// remote records can be found and cleaned up.
type Result struct {
	AttemptID string
	AppID     string
	VersionID string
	FileID    string
	Blocks    int
	Bytes     int64 // decrypted payload size observed during verify
}

// Deployer runs publish attempts. Safe for concurrent use; every attempt
// owns its own session state and buffers.
type Deployer struct {
	graph    GraphAPI
	uploader Uploader
	window   int
	policies Policies
	log      log.Logger
	metrics  Metrics
	now      func() time.Time
}

func New(opts Options) (*Deployer, error) {
	if opts.Graph == nil {
		return nil, xerrors.New("deploy: graph client required")
	}
	if opts.Uploader == nil {
		return nil, xerrors.New("deploy: uploader required")
	}
	d := &Deployer{
		graph:    opts.Graph,
		uploader: opts.Uploader,
		window:   opts.Window,
		policies: opts.Policies,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      time.Now,
	}
	def := defaultPolicies()
	if d.policies.UploadTarget.MaxAttempts <= 0 {
		d.policies.UploadTarget = def.UploadTarget
	}
	if d.policies.Commit.MaxAttempts <= 0 {
		d.policies.Commit = def.Commit
	}
	if d.policies.Publish.MaxAttempts <= 0 {
		d.policies.Publish = def.Publish
	}
	if d.policies.CommitGrace <= 0 {
		d.policies.CommitGrace = def.CommitGrace
	}
	if d.log == nil {
		d.log = log.Nop()
	}
	if d.metrics == nil {
		d.metrics = nopMetrics{}
	}
	return d, nil
}

// Deploy runs one attempt to completion. On error the returned Result
// still carries whatever remote ids were created before the failure.
func (d *Deployer) Deploy(ctx context.Context, req Request) (Result, error) {
	start := d.now()
	d.metrics.AttemptStarted()

	a := &attempt{
		d:   d,
		req: req,
		res: Result{AttemptID: uuid.NewString()},
	}
	a.log = d.log.With("attempt_id", a.res.AttemptID, "source", req.SourceKey)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "deploy.attempt")
	span.SetAttributes(attribute.String("attempt.id", a.res.AttemptID))
	defer span.End()

	err := a.run(ctx)
	if a.pkg != nil {
		a.pkg.Close()
	}

	elapsed := d.now().Sub(start).Seconds()
	switch {
	case err == nil:
		d.metrics.AttemptFinished("published", elapsed)
		a.log.Info(ctx, "attempt published",
			"app_id", a.res.AppID, "version_id", a.res.VersionID, "file_id", a.res.FileID,
			"blocks", a.res.Blocks, "seconds", elapsed)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		d.metrics.AttemptFinished("canceled", elapsed)
		a.log.Warn(ctx, "attempt canceled",
			"app_id", a.res.AppID, "version_id", a.res.VersionID, "error", err)
	default:
		d.metrics.AttemptFinished("failed", elapsed)
		a.log.Error(ctx, err, "attempt failed; remote records left for manual cleanup",
			"app_id", a.res.AppID, "version_id", a.res.VersionID, "file_id", a.res.FileID)
	}
	return a.res, err
}

// attempt is the session for a single Deploy call: one owner, no sharing.
type attempt struct {
	d   *Deployer
	log log.Logger
	req Request

	res       Result
	pkg       *intunewin.Package
	uploadURI string
}

func (a *attempt) run(ctx context.Context) error {
	steps := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageRead, a.readPackage},
		{StageVerify, a.verify},
		{StageShell, a.createShell},
		{StageContentVersion, a.createVersion},
		{StageFilePlaceholder, a.registerFile},
		{StageUploadTarget, a.awaitUploadTarget},
		{StageUploadBlocks, a.uploadBlocks},
		{StageCommitFile, a.commitFile},
		{StageCommitConfirm, a.awaitCommit},
		{StageVersionCommit, a.commitVersion},
		{StagePublish, a.awaitPublished},
	}
	for _, s := range steps {
		if err := a.runStage(ctx, s.stage, s.fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *attempt) runStage(ctx context.Context, s Stage, fn func(context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "deploy."+s.String())
	defer span.End()

	start := a.d.now()
	err := fn(ctx)
	a.d.metrics.ObserveStageDuration(ctx, s.String(), a.d.now().Sub(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, s.String())
		return &StageError{Stage: s, Err: err}
	}
	return nil
}

func (a *attempt) readPackage(ctx context.Context) error {
	pkg, err := intunewin.Open(a.req.PackagePath)
	if err != nil {
		return err
	}
	a.pkg = pkg
	a.log = a.log.With("file_name", pkg.Meta.FileName)
	a.log.Info(ctx, "package opened",
		"payload_bytes", pkg.PayloadSize(), "declared_bytes", pkg.Meta.UnencryptedSize)
	return nil
}

// verify decrypts the whole payload to /dev/null before anything remote
// happens: a digest mismatch means no record is ever created.
func (a *attempt) verify(ctx context.Context) error {
	src, err := a.pkg.OpenPayload()
	if err != nil {
		return err
	}
	defer src.Close()

	res, err := intunewin.DecryptVerify(io.Discard, src, a.pkg.Meta, a.d.window)
	if err != nil {
		var ie *intunewin.IntegrityError
		if errors.As(err, &ie) {
			a.d.metrics.IncIntegrityFailure("digest")
		}
		return err
	}
	a.res.Bytes = res.Bytes

	switch {
	case len(a.pkg.Meta.MAC) == 0:
		a.log.Debug(ctx, "metadata declares no mac, nothing to compare")
	case !res.MACVerified:
		// observed to disagree with the declared value on real packages;
		// the declared value is what the remote validator accepts
		a.d.metrics.IncIntegrityFailure("mac")
		a.log.Warn(ctx, "computed mac differs from declared value, proceeding with declared")
	}
	if res.Bytes != a.pkg.Meta.UnencryptedSize {
		a.log.Warn(ctx, "decrypted size differs from declared size",
			"decrypted", res.Bytes, "declared", a.pkg.Meta.UnencryptedSize)
	}
	return nil
}

func (a *attempt) createShell(ctx context.Context) error {
	app, err := a.d.graph.CreateApp(ctx, appFromManifest(a.req.Manifest, a.pkg.Meta.FileName))
	if err != nil {
		return err
	}
	a.res.AppID = app.ID
	a.log.Info(ctx, "application shell created", "app_id", app.ID)
	return nil
}

func (a *attempt) createVersion(ctx context.Context) error {
	id, err := a.d.graph.CreateContentVersion(ctx, a.res.AppID)
	if err != nil {
		return err
	}
	a.res.VersionID = id
	return nil
}

func (a *attempt) registerFile(ctx context.Context) error {
	req := graph.NewContentFileRequest(a.pkg.Meta.FileName, a.pkg.Meta.UnencryptedSize, a.pkg.PayloadSize())
	file, err := a.d.graph.CreateFile(ctx, a.res.AppID, a.res.VersionID, req)
	if err != nil {
		return err
	}
	a.res.FileID = file.ID
	a.uploadURI = file.AzureStorageURI
	return nil
}

func (a *attempt) awaitUploadTarget(ctx context.Context) error {
	if a.uploadURI != "" {
		a.log.Debug(ctx, "upload target returned synchronously")
		return nil
	}
	return poll.Run(ctx, poll.Request{
		Op:      StageUploadTarget.String(),
		Policy:  a.d.policies.UploadTarget,
		Logger:  a.log,
		Metrics: a.d.metrics,
		Check: func(ctx context.Context) (poll.Class, string, error) {
			file, err := a.d.graph.GetFile(ctx, a.res.AppID, a.res.VersionID, a.res.FileID)
			if err != nil {
				return poll.Transient, "", err
			}
			if file.AzureStorageURI != "" {
				a.uploadURI = file.AzureStorageURI
				return poll.Succeeded, file.UploadState, nil
			}
			if strings.HasSuffix(file.UploadState, "Failed") {
				return poll.Failed, file.UploadState, nil
			}
			return poll.Transient, file.UploadState, nil
		},
	})
}

func (a *attempt) uploadBlocks(ctx context.Context) error {
	src, err := a.pkg.OpenPayload()
	if err != nil {
		return err
	}
	defer src.Close()

	ids, err := a.d.uploader.Upload(ctx, a.uploadURI, src)
	if err != nil {
		return err
	}
	a.res.Blocks = len(ids)
	return nil
}

func (a *attempt) commitFile(ctx context.Context) error {
	return a.d.graph.CommitFile(ctx, a.res.AppID, a.res.VersionID, a.res.FileID,
		encryptionInfo(a.pkg.Meta.Encryption))
}

// awaitCommit waits for the service to confirm the commit. A commit-failed
// signal is not taken at face value right away: within the grace window it
// stays transient, and past it the parent application state decides. The
// service is seen flagging commitFileFailed on files that land fine while
// the application level keeps progressing; healthy parent progress
// overrides the file-level signal as a false negative.
func (a *attempt) awaitCommit(ctx context.Context) error {
	var failedSince time.Time
	return poll.Run(ctx, poll.Request{
		Op:      StageCommitConfirm.String(),
		Policy:  a.d.policies.Commit,
		Logger:  a.log,
		Metrics: a.d.metrics,
		Check: func(ctx context.Context) (poll.Class, string, error) {
			file, err := a.d.graph.GetFile(ctx, a.res.AppID, a.res.VersionID, a.res.FileID)
			if err != nil {
				return poll.Transient, "", err
			}
			if file.IsCommitted || file.UploadState == graph.UploadStateCommitSuccess {
				return poll.Succeeded, file.UploadState, nil
			}
			if file.UploadState != graph.UploadStateCommitFailed {
				failedSince = time.Time{}
				return poll.Transient, file.UploadState, nil
			}

			now := a.d.now()
			if failedSince.IsZero() {
				failedSince = now
			}
			if now.Sub(failedSince) < a.d.policies.CommitGrace {
				return poll.Transient, "commitFileFailed (in grace window)", nil
			}
			return a.crossCheckCommit(ctx)
		},
	})
}

func (a *attempt) crossCheckCommit(ctx context.Context) (poll.Class, string, error) {
	app, err := a.d.graph.GetApp(ctx, a.res.AppID)
	if err != nil {
		return poll.Transient, graph.UploadStateCommitFailed, err
	}
	switch app.PublishingState {
	case graph.PublishingStateProcessing, graph.PublishingStatePublished:
		a.log.Warn(ctx, "commit-failed signal contradicted by healthy application state, treating as false negative",
			"publishing_state", app.PublishingState)
		return poll.Succeeded, app.PublishingState, nil
	default:
		return poll.Failed, graph.UploadStateCommitFailed,
			&CommitFailedError{State: graph.UploadStateCommitFailed, ParentState: app.PublishingState}
	}
}

func (a *attempt) commitVersion(ctx context.Context) error {
	return a.d.graph.SetCommittedVersion(ctx, a.res.AppID, a.res.VersionID)
}

func (a *attempt) awaitPublished(ctx context.Context) error {
	return poll.Run(ctx, poll.Request{
		Op:      StagePublish.String(),
		Policy:  a.d.policies.Publish,
		Logger:  a.log,
		Metrics: a.d.metrics,
		Check: func(ctx context.Context) (poll.Class, string, error) {
			app, err := a.d.graph.GetApp(ctx, a.res.AppID)
			if err != nil {
				return poll.Transient, "", err
			}
			switch app.PublishingState {
			case graph.PublishingStatePublished:
				return poll.Succeeded, app.PublishingState, nil
			case graph.PublishingStateFailed:
				return poll.Failed, app.PublishingState, nil
			default:
				return poll.Transient, app.PublishingState, nil
			}
		},
	})
}

type nopMetrics struct{}

func (nopMetrics) IncPollAttempt(string)                                 {}
func (nopMetrics) IncPollTimeout(string)                                 {}
func (nopMetrics) AttemptStarted()                                       {}
func (nopMetrics) AttemptFinished(string, float64)                       {}
func (nopMetrics) ObserveStageDuration(context.Context, string, float64) {}
func (nopMetrics) IncIntegrityFailure(string)                            {}
