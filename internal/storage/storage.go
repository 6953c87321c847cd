package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/go-resty/resty/v2"
	"github.com/kennethnrk/sqlml/internal/config"
	"github.com/rs/zerolog/log"
)

// DefaultHTTPTimeout bounds one http(s) request, body included.
const DefaultHTTPTimeout = 10 * time.Minute

// ErrNotExist is wrapped by Open and Fetch when the object is missing.
var ErrNotExist = os.ErrNotExist

// s3API is the subset of *s3.S3 used here.
type s3API interface {
	GetObjectWithContext(aws.Context, *s3.GetObjectInput, ...request.Option) (*s3.GetObjectOutput, error)
	HeadObjectWithContext(aws.Context, *s3.HeadObjectInput, ...request.Option) (*s3.HeadObjectOutput, error)
}

// Opener reads spec documents, label files and model artifacts from local
// paths, file://, http(s)://, s3:// and gs:// URIs.
type Opener struct {
	cacheDir string
	region   string
	httpc    *resty.Client

	mu  sync.Mutex
	s3  s3API
	gcs *gcs.Client
}

// NewOpener returns an Opener caching remote artifacts under cacheDir.
func NewOpener(cacheDir, s3Region string) *Opener {
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "sqlml-artifacts")
	}
	return &Opener{
		cacheDir: cacheDir,
		region:   s3Region,
		httpc:    resty.New().SetTimeout(DefaultHTTPTimeout),
	}
}

var (
	defaultMu     sync.RWMutex
	defaultOpener = NewOpener("", "")
)

// Init configures the package-level opener from cfg.
func Init(cfg *config.Configs) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultOpener = NewOpener(cfg.ArtifactCacheDir, cfg.S3Region)
	if cfg.ArtifactHTTPTimeoutSec > 0 {
		defaultOpener.httpc.SetTimeout(time.Duration(cfg.ArtifactHTTPTimeoutSec) * time.Second)
	}
}

// Default returns the package-level opener.
func Default() *Opener {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultOpener
}

// Open opens uri with the package-level opener.
func Open(ctx context.Context, uri string) (io.ReadCloser, error) { return Default().Open(ctx, uri) }

// ReadAll reads uri with the package-level opener.
func ReadAll(ctx context.Context, uri string) ([]byte, error) { return Default().ReadAll(ctx, uri) }

// Exists checks uri with the package-level opener.
func Exists(ctx context.Context, uri string) (bool, error) { return Default().Exists(ctx, uri) }

// Fetch materialises uri locally with the package-level opener.
func Fetch(ctx context.Context, uri string) (string, error) { return Default().Fetch(ctx, uri) }

// Scheme returns the lower-cased URI scheme, or "" for a plain path.
// Single-letter schemes are treated as Windows drive letters.
func Scheme(uri string) string {
	i := strings.Index(uri, "://")
	if i <= 1 {
		if strings.HasPrefix(uri, "file:") {
			return "file"
		}
		return ""
	}
	return strings.ToLower(uri[:i])
}

// IsLocal reports whether uri names a file on this host.
func IsLocal(uri string) bool {
	s := Scheme(uri)
	return s == "" || s == "file"
}

// LocalPath strips a file:// scheme. It returns false for remote URIs.
func LocalPath(uri string) (string, bool) {
	switch Scheme(uri) {
	case "":
		return uri, true
	case "file":
		u, err := url.Parse(uri)
		if err != nil || u.Path == "" {
			return strings.TrimPrefix(strings.TrimPrefix(uri, "file://"), "file:"), true
		}
		return filepath.FromSlash(u.Path), true
	default:
		return "", false
	}
}

// ResolveRelative resolves ref against the directory holding the document at
// docURI. Absolute paths and URIs with a scheme are returned unchanged. A
// plain-path document yields an absolute plain path; any other document
// yields a URI with the document's scheme.
func ResolveRelative(docURI, ref string) (string, error) {
	if ref == "" || Scheme(ref) != "" || filepath.IsAbs(ref) || strings.HasPrefix(ref, "/") {
		return ref, nil
	}
	if Scheme(docURI) == "" {
		dir, err := filepath.Abs(filepath.Dir(docURI))
		if err != nil {
			return "", fmt.Errorf("resolve %q against %q: %w", ref, docURI, err)
		}
		return filepath.Join(dir, filepath.FromSlash(ref)), nil
	}
	u, err := url.Parse(docURI)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", docURI, err)
	}
	u.Path = path.Join(path.Dir(u.Path), ref)
	u.RawPath = ""
	return u.String(), nil
}

// ReadAll reads the whole object at uri.
func (o *Opener) ReadAll(ctx context.Context, uri string) ([]byte, error) {
	r, err := o.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return b, nil
}

// Open opens the object at uri for reading. Missing objects wrap ErrNotExist.
func (o *Opener) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if p, ok := LocalPath(uri); ok {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", uri, err)
		}
		return f, nil
	}

	switch Scheme(uri) {
	case "http", "https":
		// The body is streamed to the caller, not buffered by resty.
		resp, err := o.httpc.R().SetContext(ctx).SetDoNotParseResponse(true).Get(uri)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", uri, err)
		}
		body := resp.RawBody()
		if resp.StatusCode() == http.StatusNotFound {
			body.Close()
			return nil, fmt.Errorf("get %s: %w", uri, ErrNotExist)
		}
		if !resp.IsSuccess() {
			body.Close()
			return nil, fmt.Errorf("get %s: unexpected status %s", uri, resp.Status())
		}
		return body, nil
	case "s3":
		bucket, key, err := splitBucket(uri)
		if err != nil {
			return nil, err
		}
		client, err := o.s3Client()
		if err != nil {
			return nil, err
		}
		out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isS3NotFound(err) {
				return nil, fmt.Errorf("get %s: %w", uri, ErrNotExist)
			}
			return nil, fmt.Errorf("get %s: %w", uri, err)
		}
		return out.Body, nil
	case "gs":
		bucket, key, err := splitBucket(uri)
		if err != nil {
			return nil, err
		}
		client, err := o.gcsClient(ctx)
		if err != nil {
			return nil, err
		}
		r, err := client.Bucket(bucket).Object(key).NewReader(ctx)
		if err != nil {
			if errors.Is(err, gcs.ErrObjectNotExist) {
				return nil, fmt.Errorf("get %s: %w", uri, ErrNotExist)
			}
			return nil, fmt.Errorf("get %s: %w", uri, err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported URI scheme %q in %s", Scheme(uri), uri)
	}
}

// Exists reports whether an object is present at uri.
func (o *Opener) Exists(ctx context.Context, uri string) (bool, error) {
	if p, ok := LocalPath(uri); ok {
		_, err := os.Stat(p)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	switch Scheme(uri) {
	case "http", "https":
		resp, err := o.httpc.R().SetContext(ctx).Head(uri)
		if err != nil {
			return false, fmt.Errorf("head %s: %w", uri, err)
		}
		switch {
		case resp.StatusCode() == http.StatusNotFound:
			return false, nil
		case resp.IsSuccess():
			return true, nil
		default:
			return false, fmt.Errorf("head %s: unexpected status %s", uri, resp.Status())
		}
	case "s3":
		bucket, key, err := splitBucket(uri)
		if err != nil {
			return false, err
		}
		client, err := o.s3Client()
		if err != nil {
			return false, err
		}
		_, err = client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isS3NotFound(err) {
				return false, nil
			}
			return false, fmt.Errorf("head %s: %w", uri, err)
		}
		return true, nil
	case "gs":
		bucket, key, err := splitBucket(uri)
		if err != nil {
			return false, err
		}
		client, err := o.gcsClient(ctx)
		if err != nil {
			return false, err
		}
		if _, err := client.Bucket(bucket).Object(key).Attrs(ctx); err != nil {
			if errors.Is(err, gcs.ErrObjectNotExist) {
				return false, nil
			}
			return false, fmt.Errorf("stat %s: %w", uri, err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("unsupported URI scheme %q in %s", Scheme(uri), uri)
	}
}

// Fetch returns a local path holding the object at uri. Local URIs are
// returned in place; remote objects are downloaded once into the cache dir.
func (o *Opener) Fetch(ctx context.Context, uri string) (string, error) {
	if p, ok := LocalPath(uri); ok {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("fetch %s: %w", uri, err)
		}
		return p, nil
	}

	sum := sha256.Sum256([]byte(uri))
	dir := filepath.Join(o.cacheDir, hex.EncodeToString(sum[:8]))
	base := path.Base(strings.TrimRight(uri, "/"))
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		base = path.Base(u.Path)
	}
	dst := filepath.Join(dir, base)
	if _, err := os.Stat(dst); err == nil {
		log.Debug().Str("uri", uri).Str("path", dst).Msg("artifact cache hit")
		return dst, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact cache dir: %w", err)
	}
	r, err := o.Open(ctx, uri)
	if err != nil {
		return "", err
	}
	defer r.Close()

	tmp, err := os.CreateTemp(dir, base+".*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("download %s: %w", uri, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("move %s into cache: %w", uri, err)
	}
	log.Info().Str("uri", uri).Str("path", dst).Int64("bytes", n).Msg("fetched artifact")
	return dst, nil
}

func (o *Opener) s3Client() (s3API, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.s3 != nil {
		return o.s3, nil
	}
	// Credentials come from the standard AWS chain.
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(o.region),
	})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	o.s3 = s3.New(sess)
	return o.s3, nil
}

func (o *Opener) gcsClient(ctx context.Context) (*gcs.Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gcs != nil {
		return o.gcs, nil
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	o.gcs = client
	return client, nil
}

// Close releases remote clients.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gcs != nil {
		err := o.gcs.Close()
		o.gcs = nil
		return err
	}
	return nil
}

func splitBucket(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse %s: %w", uri, err)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("invalid object URI %q: want %s://bucket/key", uri, u.Scheme)
	}
	return u.Host, key, nil
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return true
		}
	}
	return false
}
