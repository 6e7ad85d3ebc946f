package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/Lllllllleong/lpisingest/internal/gcp"
	"github.com/Lllllllleong/lpisingest/internal/metrics"
	"github.com/Lllllllleong/lpisingest/internal/retry"
)

// ErrDownloadFailed is wrapped by every DownloadError.
var ErrDownloadFailed = errors.New("download failed")

// DownloadError reports a locator that could not be fetched within the retry budget.
type DownloadError struct {
	Locator  string
	Attempts int
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s failed after %d attempt(s): %v", e.Locator, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() []error {
	return []error{ErrDownloadFailed, e.Err}
}

// ObjectOpener streams Cloud Storage objects.
type ObjectOpener interface {
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// Download is a fetched archive on local disk.
type Download struct {
	Path     string
	Attempts int
	dir      string
}

// Remove deletes the downloaded copy. Local file:// sources are left alone.
func (d *Download) Remove() error {
	if d.dir == "" {
		return nil
	}
	return os.RemoveAll(d.dir)
}

// Fetcher streams archives to temporary files.
type Fetcher struct {
	HTTPClient *http.Client
	Objects    ObjectOpener
	Policy     retry.Policy
	TempDir    string
}

// NewFetcher returns a fetcher using the default HTTP transport.
func NewFetcher(policy retry.Policy, tempDir string, objects ObjectOpener) *Fetcher {
	return &Fetcher{
		HTTPClient: &http.Client{Transport: http.DefaultTransport},
		Objects:    objects,
		Policy:     policy,
		TempDir:    tempDir,
	}
}

// Fetch downloads locator (http, https, gs or file) and returns its local path.
func (f *Fetcher) Fetch(ctx context.Context, locator string) (*Download, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, &DownloadError{Locator: locator, Attempts: 0, Err: err}
	}

	switch u.Scheme {
	case "file":
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		metrics.DownloadAttempts.Inc()
		if _, err := os.Stat(p); err != nil {
			return nil, &DownloadError{Locator: locator, Attempts: 1, Err: err}
		}
		return &Download{Path: p, Attempts: 1}, nil
	case "http", "https":
		return f.fetchHTTP(ctx, locator, archiveName(u.Path))
	case "gs":
		return f.fetchObject(ctx, locator, archiveName(u.Path))
	default:
		return nil, &DownloadError{Locator: locator, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
}

// archiveName keeps the remote file name for the local copy, dropping the .001 suffix of
// first-volume 7z archives.
func archiveName(p string) string {
	name := path.Base(p)
	if name == "." || name == "/" || name == "" {
		return "archive"
	}
	if strings.HasSuffix(strings.ToLower(name), ".7z.001") {
		name = name[:len(name)-len(".001")]
	}
	return name
}

func (f *Fetcher) tempTarget(name string) (string, string, error) {
	dir, err := os.MkdirTemp(f.TempDir, "lpis-archive-*")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	return dir, filepath.Join(dir, name), nil
}

func (f *Fetcher) maxAttempts() int {
	if f.Policy.MaxAttempts < 1 {
		return 1
	}
	return f.Policy.MaxAttempts
}

func (f *Fetcher) fetchHTTP(ctx context.Context, locator, name string) (*Download, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, &DownloadError{Locator: locator, Err: err}
	}
	dir, target, err := f.tempTarget(name)
	if err != nil {
		return nil, err
	}

	attempts := 0
	var lastErr error
	// A failure mid-body is retried here; request-level failures are retried by the client.
	for attempts < f.maxAttempts() {
		resp, err := f.newHTTPClient(&attempts).Do(req)
		if err != nil {
			lastErr = err
			break
		}
		err = writeFile(target, resp.Body)
		_ = resp.Body.Close()
		if err == nil {
			return &Download{Path: target, Attempts: attempts, dir: dir}, nil
		}
		lastErr = fmt.Errorf("read body: %w", err)
		if ctx.Err() != nil {
			break
		}
		slog.Warn("Archive body interrupted, retrying.", "locator", locator, "attempt", attempts, "error", err)
	}

	_ = os.RemoveAll(dir)
	return nil, &DownloadError{Locator: locator, Attempts: attempts, Err: lastErr}
}

// newHTTPClient builds a retrying client whose budget is what remains of the policy after
// the attempts already made, counting every attempt into attempts.
func (f *Fetcher) newHTTPClient(attempts *int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient = f.HTTPClient
	c.Logger = slog.Default()
	c.RetryMax = f.maxAttempts() - *attempts - 1
	c.RetryWaitMin = f.Policy.InitialInterval
	c.RetryWaitMax = f.Policy.MaxInterval
	if c.RetryWaitMin <= 0 {
		c.RetryWaitMin = 500 * time.Millisecond
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		c.RetryWaitMax = c.RetryWaitMin
	}
	c.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, _ int) {
		*attempts++
		metrics.DownloadAttempts.Inc()
	}
	c.CheckRetry = checkRetry
	c.ErrorHandler = func(resp *http.Response, err error, _ int) (*http.Response, error) {
		if resp != nil {
			_ = resp.Body.Close()
			if err == nil {
				err = fmt.Errorf("unexpected status %s", resp.Status)
			}
		}
		return nil, err
	}
	return c
}

// checkRetry retries every transport error and every 4xx/5xx status until the context ends.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return resp.StatusCode >= http.StatusBadRequest, nil
}

func (f *Fetcher) fetchObject(ctx context.Context, locator, name string) (*Download, error) {
	if f.Objects == nil {
		return nil, &DownloadError{Locator: locator, Err: errors.New("no object store configured")}
	}
	bucket, object, err := gcp.ParseObjectURL(locator)
	if err != nil {
		return nil, &DownloadError{Locator: locator, Err: err}
	}
	dir, target, err := f.tempTarget(name)
	if err != nil {
		return nil, err
	}

	attempts, err := f.Policy.Do(ctx, func(ctx context.Context) error {
		metrics.DownloadAttempts.Inc()
		rc, err := f.Objects.Open(ctx, bucket, object)
		if err != nil {
			if gcp.IsPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		defer rc.Close()
		return writeFile(target, rc)
	}, func(err error, attempt int, wait time.Duration) {
		slog.Warn("Object download failed, will retry.", "locator", locator, "attempt", attempt, "backoff", wait.String(), "error", err)
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, &DownloadError{Locator: locator, Attempts: attempts, Err: err}
	}
	return &Download{Path: target, Attempts: attempts, dir: dir}, nil
}

// writeFile streams r into target, truncating any partial content from a previous attempt.
func writeFile(target string, r io.Reader) error {
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
