// Package library is the S3-compatible app library: an inbox prefix where
// package and manifest pairs land, a watch loop that hands complete pairs
// to the deployer, and processed/failed prefixes the pairs move to once an
// attempt finishes.
package library

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/fleetpack/fleetpack/internal/log"
	"github.com/fleetpack/fleetpack/internal/pathutil"
	"github.com/fleetpack/fleetpack/internal/xerrors"
)

const (
	DefaultInboxPrefix     = "inbox/"
	DefaultProcessedPrefix = "processed/"
	DefaultFailedPrefix    = "failed/"

	packageExt  = ".intunewin"
	manifestExt = ".yaml"
)

// S3API is the object-store subset the source uses; *s3.Client satisfies it.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Pair is one deployable unit: the package and the manifest sharing a base
// name under the inbox prefix.
type Pair struct {
	Name        string // shared base name, extensions stripped
	PackageKey  string
	ManifestKey string
}

// SourceOptions configures a Source.
type SourceOptions struct {
	Client S3API
	Bucket string

	InboxPrefix     string
	ProcessedPrefix string
	FailedPrefix    string

	// WorkDir is where per-attempt download directories are created.
	// Empty means the system temp directory.
	WorkDir string

	Logger log.Logger
}

// Source reads and archives library objects. Safe for concurrent use.
type Source struct {
	client    S3API
	bucket    string
	inbox     string
	processed string
	failed    string
	workDir   string
	logger    log.Logger
}

func NewSource(opts SourceOptions) (*Source, error) {
	if opts.Client == nil {
		return nil, xerrors.New("library: S3 client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("library: bucket is required")
	}
	s := &Source{
		client:    opts.Client,
		bucket:    opts.Bucket,
		inbox:     normalizePrefix(opts.InboxPrefix, DefaultInboxPrefix),
		processed: normalizePrefix(opts.ProcessedPrefix, DefaultProcessedPrefix),
		failed:    normalizePrefix(opts.FailedPrefix, DefaultFailedPrefix),
		workDir:   opts.WorkDir,
		logger:    opts.Logger,
	}
	if s.workDir == "" {
		s.workDir = os.TempDir()
	}
	if s.logger == nil {
		s.logger = log.Nop()
	}
	return s, nil
}

func normalizePrefix(p, def string) string {
	if p == "" {
		return def
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// Scan lists the inbox and returns the complete pairs, sorted by name.
// Unpaired objects stay put and get picked up once their counterpart
// lands; anything with an unexpected extension is ignored.
func (s *Source) Scan(ctx context.Context) ([]Pair, error) {
	type halves struct {
		pkg, man string
	}
	found := map[string]*halves{}
	get := func(name string) *halves {
		h, ok := found[name]
		if !ok {
			h = &halves{}
			found[name] = h
		}
		return h
	}

	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.inbox),
	}
	for {
		out, err := s.client.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, xerrors.Wrapf(err, "list s3://%s/%s", s.bucket, s.inbox)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			if pathutil.HasDotSegments(key) {
				s.logger.Warn(ctx, "ignoring object with dot segments in its key", "key", key)
				continue
			}
			name := strings.TrimPrefix(key, s.inbox)
			switch {
			case strings.HasSuffix(name, packageExt):
				get(strings.TrimSuffix(name, packageExt)).pkg = key
			case strings.HasSuffix(name, manifestExt):
				get(strings.TrimSuffix(name, manifestExt)).man = key
			default:
				s.logger.Debug(ctx, "ignoring object with unexpected extension", "key", key)
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		in.ContinuationToken = out.NextContinuationToken
	}

	var pairs []Pair
	for name, h := range found {
		if h.pkg == "" || h.man == "" {
			s.logger.Debug(ctx, "half pair waiting for its counterpart",
				"name", name, "have_package", h.pkg != "", "have_manifest", h.man != "")
			continue
		}
		pairs = append(pairs, Pair{Name: name, PackageKey: h.pkg, ManifestKey: h.man})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return pairs, nil
}

// Fetch downloads both halves of a pair into a fresh attempt directory and
// returns the local paths. The caller owns the directory and removes it
// when the attempt ends.
func (s *Source) Fetch(ctx context.Context, p Pair) (dir, pkgPath, manifestPath string, err error) {
	pkgBase, ok := pathutil.SafeBaseName(p.PackageKey)
	if !ok {
		return "", "", "", xerrors.Newf("unusable package key %q", p.PackageKey)
	}
	manBase, ok := pathutil.SafeBaseName(p.ManifestKey)
	if !ok {
		return "", "", "", xerrors.Newf("unusable manifest key %q", p.ManifestKey)
	}

	dir = filepath.Join(s.workDir, "fleetpack-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", "", xerrors.Wrap(err, "create attempt workdir")
	}

	pkgPath = filepath.Join(dir, pkgBase)
	manifestPath = filepath.Join(dir, manBase)
	if err := s.download(ctx, p.PackageKey, pkgPath); err != nil {
		os.RemoveAll(dir)
		return "", "", "", err
	}
	if err := s.download(ctx, p.ManifestKey, manifestPath); err != nil {
		os.RemoveAll(dir)
		return "", "", "", err
	}
	return dir, pkgPath, manifestPath, nil
}

func (s *Source) download(ctx context.Context, key, dest string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return xerrors.Wrapf(err, "get s3://%s/%s", s.bucket, key)
	}
	defer out.Body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return xerrors.Wrap(err, "create local file")
	}
	written, err := io.Copy(f, out.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return xerrors.Wrapf(err, "download s3://%s/%s", s.bucket, key)
	}

	s.logger.Debug(ctx, "object downloaded", "key", key, "bytes", written)
	return nil
}

// Archive moves both halves out of the inbox, to the processed prefix when
// the attempt published and the failed prefix otherwise. A partly moved
// pair surfaces as an error; the caller logs it and the leftovers need a
// later pass or a hand.
func (s *Source) Archive(ctx context.Context, p Pair, published bool) error {
	prefix := s.processed
	if !published {
		prefix = s.failed
	}
	for _, key := range []string{p.PackageKey, p.ManifestKey} {
		if err := s.move(ctx, key, prefix); err != nil {
			return err
		}
	}
	return nil
}

// move is copy-then-delete; object stores have no rename.
func (s *Source) move(ctx context.Context, key, destPrefix string) error {
	base, ok := pathutil.SafeBaseName(key)
	if !ok {
		return xerrors.Newf("unusable key %q", key)
	}
	dest := destPrefix + base
	src := (&url.URL{Path: s.bucket + "/" + key}).EscapedPath()
	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dest),
		CopySource: aws.String(src),
	}); err != nil {
		return xerrors.Wrapf(err, "copy s3://%s/%s to %s", s.bucket, key, dest)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return xerrors.Wrapf(err, "delete s3://%s/%s", s.bucket, key)
	}
	return nil
}
