package fetch

import (
	"context"
	"errors"
	"fmt"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"net/url"
	"os"
)

// One takes a request string for any supported source (local file, url or
// stdin) and hands a local file path for it to a supplied processing
// callback. Inputs that do not originate on the machine where stowage is
// running (urls, stdin) are buffered to a temporary file first so the
// content can be read multiple times (once for hashing, once for sending).
func One(ctx context.Context, request string, process func(string, string) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	path, deleteWhenDone, fetchErr := new(ctx).fetch(request)
	if fetchErr != nil {
		return fetchErr
	}
	// In cases where a temp file was created by fetching, `deleteWhenDone`
	// will be true. This ensures the underlying temp file is removed.
	if deleteWhenDone {
		defer os.Remove(path)
	}
	return process(request, path)
}

// Many does the same thing as One but with gated concurrency.
func Many(
	ctx context.Context,
	requests []string,
	concurrency int,
	process func(int, string, string) error,
) error {
	sem := semaphore.NewWeighted(int64(concurrency))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for index, item := range requests {
			index, item := index, item // https://golang.org/doc/faq#closures_and_goroutines
			if err := sem.Acquire(egCtx, 1); err != nil {
				return err
			}
			eg.Go(func() error {
				defer sem.Release(1)
				return One(egCtx, item, func(request string, path string) error {
					return process(index, request, path)
				})
			})
		}
		return nil
	})
	return eg.Wait()
}

// sys defines a set of methods for network and disk io. This is an attempt to
// make the thinnest possible abstraction to support testing without a runtime
// dependency on a mocking library.
type sys struct {
	Get      func(url string) (*http.Response, error)
	Stat     func(string) (os.FileInfo, error)
	Stdin    io.ReadCloser
	TempFile func(string, string) (*os.File, error)
	TempDir  string
}

var errBadRequest = errors.New("bad request")

func new(ctx context.Context) *sys {
	return &sys{
		Get: func(url string) (*http.Response, error) {
			client := retryablehttp.NewClient()
			client.Logger = log.New(ioutil.Discard, "", 0)
			request, err := retryablehttp.NewRequest("GET", url, nil)
			if err != nil {
				return nil, err
			}
			return client.Do(request.WithContext(ctx))
		},
		Stat:     os.Stat,
		Stdin:    os.Stdin,
		TempFile: ioutil.TempFile,
		TempDir:  os.TempDir(),
	}
}

// fetch resolves a request string to a path on the local filesystem. The
// second return signals the path is a temp file the caller must remove.
func (sys *sys) fetch(req string) (string, bool, error) {
	// Per common convention, ("-") represents stdin. Buffer it to a
	// temporary file.
	if req == "-" {
		return sys.bufferToTempFile(sys.Stdin)
	}
	// If the input string is determined to be a URL, attempt a http request
	// to get the contents and buffer it to a temporary file.
	if u, err := url.Parse(req); err == nil && u.Scheme != "" && u.Host != "" {
		resp, getErr := sys.Get(req)
		if getErr != nil {
			return "", false, fmt.Errorf("%w: %s", errBadRequest, getErr)
		}
		defer resp.Body.Close()
		if !(resp.StatusCode >= 200 && resp.StatusCode <= 299) {
			return "", false, fmt.Errorf("%w: %d", errBadRequest, resp.StatusCode)
		}
		return sys.bufferToTempFile(resp.Body)
	}
	if _, err := sys.Stat(req); err != nil {
		return "", false, err
	}
	return req, false, nil
}

// bufferToTempFile does just what it sounds like.
func (sys *sys) bufferToTempFile(reader io.Reader) (string, bool, error) {
	file, err := sys.TempFile(sys.TempDir, "*")
	if err != nil {
		return "", false, err
	}
	defer file.Close()
	if _, err := io.Copy(file, reader); err != nil {
		os.Remove(file.Name())
		return "", false, err
	}
	return file.Name(), true, nil
}
