// Package graph is a thin client for the beta device-management API: the
// application / content-version / file resource hierarchy the publishing
// pipeline drives, plus the bearer-token plumbing it authenticates with.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/fleetpack/fleetpack/internal/log"
	"github.com/fleetpack/fleetpack/internal/xerrors"
)

// DefaultBaseURL is the beta endpoint; the lob-app content workflow is not
// exposed on v1.0.
const DefaultBaseURL = "https://graph.microsoft.com/beta"

const (
	mobileAppsPath = "/deviceAppManagement/mobileApps"
	lobAppCast     = "microsoft.graph.win32LobApp"

	maxResponseBody = 1 << 20
)

// APIError is a non-2xx service response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Metrics is the subset of the pipeline metrics the client feeds.
type Metrics interface {
	IncGraphRequest(method string, status int)
}

// Options configures a Client.
type Options struct {
	BaseURL string // DefaultBaseURL when empty
	Tokens  TokenSource
	RPS     float64 // client-side request rate; <= 0 disables pacing
	Burst   int
	HTTP    *http.Client
	Logger  log.Logger
	Metrics Metrics
}

// Client calls the management API. Safe for concurrent use.
type Client struct {
	base    string
	tokens  TokenSource
	limiter *rate.Limiter
	http    *http.Client
	log     log.Logger
	metrics Metrics
}

func New(opts Options) (*Client, error) {
	if opts.Tokens == nil {
		return nil, xerrors.New("graph: token source required")
	}
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	limit := rate.Inf
	burst := opts.Burst
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
		if burst < 1 {
			burst = 1
		}
	}

	hc := opts.HTTP
	if hc == nil {
		hc = &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	return &Client{
		base:    base,
		tokens:  opts.Tokens,
		limiter: rate.NewLimiter(limit, burst),
		http:    hc,
		log:     L,
		metrics: opts.Metrics,
	}, nil
}

// CreateApp creates the application record and returns it with its id.
func (c *Client) CreateApp(ctx context.Context, app Win32App) (App, error) {
	var created App
	err := c.do(ctx, http.MethodPost, mobileAppsPath, app, &created)
	return created, err
}

// GetApp fetches the application record, top-level publishing state included.
func (c *Client) GetApp(ctx context.Context, appID string) (App, error) {
	var app App
	err := c.do(ctx, http.MethodGet, appPath(appID), nil, &app)
	return app, err
}

// CreateContentVersion creates a draft content version and returns its id.
func (c *Client) CreateContentVersion(ctx context.Context, appID string) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	// the empty object body is required; the endpoint rejects a bare POST
	err := c.do(ctx, http.MethodPost, versionsPath(appID), struct{}{}, &created)
	return created.ID, err
}

// CreateFile registers the file placeholder under a content version.
func (c *Client) CreateFile(ctx context.Context, appID, versionID string, req ContentFileRequest) (ContentFile, error) {
	var file ContentFile
	err := c.do(ctx, http.MethodPost, versionsPath(appID)+"/"+url.PathEscape(versionID)+"/files", req, &file)
	return file, err
}

// GetFile fetches the placeholder state: upload URI, uploadState, isCommitted.
func (c *Client) GetFile(ctx context.Context, appID, versionID, fileID string) (ContentFile, error) {
	var file ContentFile
	err := c.do(ctx, http.MethodGet, filePath(appID, versionID, fileID), nil, &file)
	return file, err
}

// CommitFile submits the encryption metadata for an uploaded file.
func (c *Client) CommitFile(ctx context.Context, appID, versionID, fileID string, enc FileEncryptionInfo) error {
	body := struct {
		FileEncryptionInfo FileEncryptionInfo `json:"fileEncryptionInfo"`
	}{enc}
	return c.do(ctx, http.MethodPost, filePath(appID, versionID, fileID)+"/commit", body, nil)
}

// SetCommittedVersion marks the content version active on the application.
func (c *Client) SetCommittedVersion(ctx context.Context, appID, versionID string) error {
	body := struct {
		ODataType               string `json:"@odata.type"`
		CommittedContentVersion string `json:"committedContentVersion"`
	}{"#microsoft.graph.win32LobApp", versionID}
	return c.do(ctx, http.MethodPatch, appPath(appID), body, nil)
}

func appPath(appID string) string {
	return mobileAppsPath + "/" + url.PathEscape(appID)
}

func versionsPath(appID string) string {
	return appPath(appID) + "/" + lobAppCast + "/contentVersions"
}

func filePath(appID, versionID, fileID string) string {
	return versionsPath(appID) + "/" + url.PathEscape(versionID) + "/files/" + url.PathEscape(fileID)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return xerrors.Wrap(err, "rate limit wait")
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return xerrors.Wrap(err, "acquire token")
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return xerrors.Wrapf(err, "encode %s %s body", method, path)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return xerrors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.IncGraphRequest(method, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return xerrors.Wrapf(err, "read %s %s response", method, path)
	}
	c.log.Debug(ctx, "api call", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return xerrors.Wrapf(err, "decode %s %s response", method, path)
		}
	}
	return nil
}
