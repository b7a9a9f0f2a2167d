// Package blockblob streams a payload to an object-storage block blob
// behind a single-use SAS URI: one PUT per fixed-size block with a base64
// sequence id, then one block-list PUT committing the ordered ids.
package blockblob

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fleetpack/fleetpack/internal/log"
	"github.com/fleetpack/fleetpack/internal/poll"
	"github.com/fleetpack/fleetpack/internal/xerrors"
)

const (
	// DefaultWindow is the block size when Options leaves it unset.
	DefaultWindow = 4 << 20

	defaultAttempts   = 3
	defaultRetryDelay = 5 * time.Second

	maxErrorBody = 4 << 10
)

// StatusError is a non-2xx storage response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("storage responded %d: %s", e.Status, e.Body)
}

// BlockUploadError reports a block whose upload attempts ran out. The
// chain carries the last storage or transport error.
type BlockUploadError struct {
	BlockID  string
	Index    int
	Attempts int
	cause    error
}

func (e *BlockUploadError) Error() string {
	s := fmt.Sprintf("block %d (id %s) not uploaded after %d attempts", e.Index, e.BlockID, e.Attempts)
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

func (e *BlockUploadError) Unwrap() error { return e.cause }

// Metrics is the subset of the pipeline metrics the uploader feeds.
type Metrics interface {
	IncBlockUploaded()
	IncBlockRetry()
	AddUploadedBytes(n int)
}

// Options configures an Uploader. The zero value works with package
// defaults and http.DefaultClient.
type Options struct {
	Window     int           // block size, DefaultWindow when <= 0
	Attempts   int           // per-block upload attempts, default 3
	RetryDelay time.Duration // wait between attempts, default 5s
	Client     *http.Client
	Logger     log.Logger
	Metrics    Metrics
}

// Uploader uploads payloads block by block. Safe for concurrent use; each
// Upload call owns its own buffers.
type Uploader struct {
	window     int
	attempts   int
	retryDelay time.Duration
	client     *http.Client
	log        log.Logger
	metrics    Metrics
}

func New(opts Options) *Uploader {
	u := &Uploader{
		window:     opts.Window,
		attempts:   opts.Attempts,
		retryDelay: opts.RetryDelay,
		client:     opts.Client,
		log:        opts.Logger,
		metrics:    opts.Metrics,
	}
	if u.window <= 0 {
		u.window = DefaultWindow
	}
	if u.attempts <= 0 {
		u.attempts = defaultAttempts
	}
	if u.retryDelay <= 0 {
		u.retryDelay = defaultRetryDelay
	}
	if u.client == nil {
		u.client = http.DefaultClient
	}
	if u.log == nil {
		u.log = log.Nop()
	}
	return u
}

// BlockID returns the wire id for the block at index: the base64 of its
// zero-padded five-digit sequence number.
func BlockID(index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%05d", index)))
}

// Upload streams src to the blob behind uploadURI and commits the block
// list. It returns the ordered ids that were committed. The commit call is
// never retried: partial blocks without a correct commit cannot form a
// valid object, so a failed commit fails the attempt.
func (u *Uploader) Upload(ctx context.Context, uploadURI string, src io.Reader) ([]string, error) {
	var (
		ids   []string
		total int64
		buf   = make([]byte, u.window)
	)
	for index := 0; ; index++ {
		n, rerr := io.ReadFull(src, buf)
		if rerr == io.EOF {
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			return ids, xerrors.Wrap(rerr, "read payload")
		}

		id := BlockID(index)
		if err := u.putBlock(ctx, uploadURI, id, index, buf[:n]); err != nil {
			return ids, err
		}
		ids = append(ids, id)
		total += int64(n)
		if u.metrics != nil {
			u.metrics.IncBlockUploaded()
			u.metrics.AddUploadedBytes(n)
		}
		u.log.Debug(ctx, "block uploaded", "index", index, "bytes", n)

		if rerr == io.ErrUnexpectedEOF {
			break
		}
	}

	if err := u.commit(ctx, uploadURI, ids); err != nil {
		return ids, err
	}
	u.log.Info(ctx, "payload uploaded", "blocks", len(ids), "bytes", total)
	return ids, nil
}

// putBlock uploads one block under the shared retry policy. Storage and
// transport failures are both transient until the attempts run out.
func (u *Uploader) putBlock(ctx context.Context, uploadURI, id string, index int, chunk []byte) error {
	attempt := 0
	err := poll.Run(ctx, poll.Request{
		Op:     fmt.Sprintf("block %05d", index),
		Policy: poll.Policy{Delay: u.retryDelay, MaxAttempts: u.attempts},
		Logger: u.log,
		Check: func(ctx context.Context) (poll.Class, string, error) {
			attempt++
			if attempt > 1 && u.metrics != nil {
				u.metrics.IncBlockRetry()
			}
			target := withQuery(uploadURI, "comp=block&blockid="+url.QueryEscape(id))
			if err := u.put(ctx, target, chunk, "", true); err != nil {
				return poll.Transient, "", err
			}
			return poll.Succeeded, "", nil
		},
	})

	var te *poll.TimeoutError
	if errors.As(err, &te) {
		return &BlockUploadError{BlockID: id, Index: index, Attempts: te.Attempts, cause: te.Unwrap()}
	}
	return err
}

func (u *Uploader) commit(ctx context.Context, uploadURI string, ids []string) error {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?><BlockList>`)
	for _, id := range ids {
		b.WriteString("<Latest>")
		b.WriteString(id)
		b.WriteString("</Latest>")
	}
	b.WriteString("</BlockList>")

	target := withQuery(uploadURI, "comp=blocklist")
	if err := u.put(ctx, target, []byte(b.String()), "application/xml", false); err != nil {
		return xerrors.Wrap(err, "commit block list")
	}
	return nil
}

func (u *Uploader) put(ctx context.Context, target string, body []byte, contentType string, blockHeader bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(err, "build request")
	}
	req.ContentLength = int64(len(body))
	if blockHeader {
		req.Header.Set("x-ms-blob-type", "BlockBlob")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return xerrors.Wrap(err, "put")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// withQuery appends params to a URI that may or may not already carry a
// query string, the way SAS URIs usually do.
func withQuery(uri, params string) string {
	if strings.Contains(uri, "?") {
		return uri + "&" + params
	}
	return uri + "?" + params
}
