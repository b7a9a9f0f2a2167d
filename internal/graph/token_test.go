package graph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type countingSource struct {
	mu    sync.Mutex
	calls int
	token string
	err   error
}

func (s *countingSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

func (s *countingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type refreshCounter struct{ n int }

func (r *refreshCounter) IncTokenRefresh() { r.n++ }

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	s, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestStaticTokenSource(t *testing.T) {
	tok, err := StaticTokenSource("abc").Token(context.Background())
	if err != nil || tok != "abc" {
		t.Fatalf("Token = %q, %v", tok, err)
	}
	if _, err := StaticTokenSource("").Token(context.Background()); err == nil {
		t.Fatal("empty static token accepted")
	}
}

func TestFileTokenSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("  tok-123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tok, err := FileTokenSource(path).Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "tok-123" {
		t.Errorf("Token = %q, want trimmed contents", tok)
	}

	if _, err := FileTokenSource(filepath.Join(dir, "missing")).Token(context.Background()); err == nil {
		t.Error("missing file accepted")
	}

	empty := filepath.Join(dir, "empty")
	os.WriteFile(empty, []byte("\n"), 0o600)
	if _, err := FileTokenSource(empty).Token(context.Background()); err == nil {
		t.Error("empty file accepted")
	}
}

func TestCachingTokenSource_ServesCachedUntilNearExpiry(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	src := &countingSource{token: signedJWT(t, base.Add(time.Hour))}
	rc := &refreshCounter{}
	c := NewCachingTokenSource(src, rc)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := c.Token(context.Background()); err != nil {
			t.Fatalf("Token #%d: %v", i+1, err)
		}
	}
	if src.count() != 1 {
		t.Fatalf("inner called %d times, want 1", src.count())
	}

	// still clear of the two-minute refresh skew
	now = base.Add(57 * time.Minute)
	c.Token(context.Background())
	if src.count() != 1 {
		t.Errorf("inner called %d times inside the cache window", src.count())
	}

	// inside the skew: refresh
	now = base.Add(59 * time.Minute)
	src.token = signedJWT(t, base.Add(2*time.Hour))
	tok, err := c.Token(context.Background())
	if err != nil {
		t.Fatalf("Token after expiry: %v", err)
	}
	if src.count() != 2 {
		t.Errorf("inner called %d times, want 2", src.count())
	}
	if tok != src.token {
		t.Error("refresh did not serve the new token")
	}
	if rc.n != 2 {
		t.Errorf("refresh metric = %d, want 2", rc.n)
	}
}

func TestCachingTokenSource_OpaqueTokenGetsFallbackTTL(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	src := &countingSource{token: "opaque-not-a-jwt"}
	c := NewCachingTokenSource(src, nil)
	c.now = func() time.Time { return now }

	c.Token(context.Background())
	now = base.Add(12 * time.Minute) // 15m TTL - 2m skew = 13m window
	c.Token(context.Background())
	if src.count() != 1 {
		t.Fatalf("inner called %d times inside the fallback TTL", src.count())
	}

	now = base.Add(14 * time.Minute)
	c.Token(context.Background())
	if src.count() != 2 {
		t.Fatalf("inner called %d times, want refresh past the TTL", src.count())
	}
}

func TestCachingTokenSource_ErrorNotCached(t *testing.T) {
	src := &countingSource{err: errors.New("identity provider down")}
	c := NewCachingTokenSource(src, nil)

	if _, err := c.Token(context.Background()); err == nil {
		t.Fatal("error from inner source swallowed")
	}
	src.mu.Lock()
	src.err = nil
	src.token = "recovered"
	src.mu.Unlock()

	tok, err := c.Token(context.Background())
	if err != nil || tok != "recovered" {
		t.Fatalf("Token after recovery = %q, %v", tok, err)
	}
	if src.count() != 2 {
		t.Errorf("inner called %d times, want 2", src.count())
	}
}

func TestCachingTokenSource_SingleRefreshUnderConcurrency(t *testing.T) {
	src := &countingSource{token: signedJWT(t, time.Now().Add(time.Hour))}
	c := NewCachingTokenSource(src, nil)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Token(context.Background()); err != nil {
				t.Errorf("Token: %v", err)
			}
		}()
	}
	wg.Wait()
	if src.count() != 1 {
		t.Errorf("inner called %d times, want 1", src.count())
	}
}

func TestTokenExpiry_Fallback(t *testing.T) {
	fallback := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := tokenExpiry("garbage", fallback); !got.Equal(fallback) {
		t.Errorf("tokenExpiry(garbage) = %v, want fallback", got)
	}

	exp := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tok := signedJWT(t, exp)
	if got := tokenExpiry(tok, fallback); !got.Equal(exp) {
		t.Errorf("tokenExpiry(jwt) = %v, want %v", got, exp)
	}
}
