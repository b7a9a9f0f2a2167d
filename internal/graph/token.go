package graph

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetpack/fleetpack/internal/xerrors"
)

// TokenSource supplies bearer tokens for the management API. It is the one
// process-wide collaborator shared by concurrent attempts, so every
// implementation must be safe for concurrent use.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to a TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticTokenSource serves the same token forever.
func StaticTokenSource(token string) TokenSource {
	return TokenSourceFunc(func(context.Context) (string, error) {
		if token == "" {
			return "", xerrors.New("empty static token")
		}
		return token, nil
	})
}

// FileTokenSource reads the token from path on every call, so an external
// refresher can swap the file contents. Wrap it in a CachingTokenSource to
// keep file reads off the request path.
func FileTokenSource(path string) TokenSource {
	return TokenSourceFunc(func(context.Context) (string, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", xerrors.Wrap(err, "read token file")
		}
		token := strings.TrimSpace(string(raw))
		if token == "" {
			return "", xerrors.Newf("token file %s is empty", path)
		}
		return token, nil
	})
}

// RefreshMetrics counts refreshes against the wrapped source.
type RefreshMetrics interface {
	IncTokenRefresh()
}

const (
	defaultRefreshSkew = 2 * time.Minute
	defaultOpaqueTTL   = 15 * time.Minute
)

// CachingTokenSource serves a cached token until it nears expiry. Expiry
// comes from the exp claim when the token parses as a JWT; opaque tokens
// get a fixed TTL instead.
type CachingTokenSource struct {
	src     TokenSource
	skew    time.Duration
	ttl     time.Duration
	metrics RefreshMetrics
	now     func() time.Time

	mu    sync.Mutex
	token string
	exp   time.Time
}

func NewCachingTokenSource(src TokenSource, metrics RefreshMetrics) *CachingTokenSource {
	return &CachingTokenSource{
		src:     src,
		skew:    defaultRefreshSkew,
		ttl:     defaultOpaqueTTL,
		metrics: metrics,
		now:     time.Now,
	}
}

func (c *CachingTokenSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.exp.Add(-c.skew)) {
		return c.token, nil
	}

	token, err := c.src.Token(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.exp = tokenExpiry(token, c.now().Add(c.ttl))
	if c.metrics != nil {
		c.metrics.IncTokenRefresh()
	}
	return token, nil
}

// tokenExpiry pulls the exp claim out of a JWT without verifying it. The
// remote service is the verifier; the claim only schedules refreshes.
func tokenExpiry(token string, fallback time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	return exp.Time
}
