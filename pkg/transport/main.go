// Package transport sends form-encoded requests to a stowage connector with
// bounded retries and translates the connector's reserved error messages into
// conditions callers can branch on without parsing text themselves.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/spf13/afero"
	"github.com/stowage-io/stowage/pkg/wire"
	"io"
	"io/ioutil"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Defaults applied when a Client field is left zero.
const (
	DefaultRetries = 5
	DefaultBackoff = 2 * time.Second
)

// Client issues requests against a single connector base URL. Every call is
// attempted up to Retries+1 times with a fixed Backoff sleep between
// attempts; only transient failures are retried.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Retries is the number of re-attempts after a failed first try. Zero
	// means DefaultRetries; a negative value disables retrying entirely.
	Retries int
	Backoff time.Duration
	// FS is the filesystem upload sources are read from and downloads are
	// written to. Defaults to the real one.
	FS afero.Fs
	// Logger receives a line per retried attempt. Nil means silent.
	Logger *log.Logger
}

// New returns a Client for the connector at baseURL.
func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/")}
}

// Request describes one call to a connector endpoint.
type Request struct {
	Endpoint string
	Fields   url.Values
	// UploadPath names a local file to attach as the connector's file
	// payload field.
	UploadPath string
	// DownloadTo names a local file an octet-stream response is written to.
	DownloadTo string
	// SuppressPrefix turns a connector error beginning with this prefix
	// into ErrSuppressed instead of a failure. Used to make expected
	// conditions ("File already exists", "No such file") non-exceptional.
	SuppressPrefix string
}

// ErrSuppressed reports that the connector answered with an error the caller
// declared expected. It is a signal, not a failure, and is never retried.
var ErrSuppressed = errors.New("expected connector error")

// AuthError reports an invalid token. It is fatal: this is a configuration
// problem and retrying cannot help.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// RepeatedFailure reports that every attempt against an endpoint failed. It
// carries the request data for diagnostics and wraps the last failure seen.
type RepeatedFailure struct {
	Endpoint string
	Fields   url.Values
	Last     error
}

func (e *RepeatedFailure) Error() string {
	return fmt.Sprintf("repeated failures trying %s with data %s: %s", e.Endpoint, e.Fields.Encode(), e.Last)
}

func (e *RepeatedFailure) Unwrap() error {
	return e.Last
}

// Do posts to an endpoint expecting a JSON response and returns the raw
// payload for the caller to decode.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	return c.run(ctx, req, false)
}

// Download posts to an endpoint expecting an octet-stream response, which is
// written to req.DownloadTo.
func (c *Client) Download(ctx context.Context, req Request) error {
	if req.DownloadTo == "" {
		return errors.New("transport: download destination not set")
	}
	_, err := c.run(ctx, req, true)
	return err
}

func (c *Client) run(ctx context.Context, req Request, download bool) (json.RawMessage, error) {
	var last error
	for attempt := 0; attempt <= c.retries(); attempt++ {
		if attempt > 0 {
			c.logf("attempt against %s with data %s failed (%s); sleeping %s and retrying", req.Endpoint, req.Fields.Encode(), last, c.backoff())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff()):
			}
		}
		payload, err := c.attempt(ctx, req, download)
		if err == nil {
			return payload, nil
		}
		// Suppressed and auth outcomes are deterministic answers from the
		// connector, not transient faults. They pass through untouched.
		if errors.Is(err, ErrSuppressed) {
			return nil, err
		}
		var auth *AuthError
		if errors.As(err, &auth) {
			return nil, err
		}
		last = err
	}
	return nil, &RepeatedFailure{Endpoint: req.Endpoint, Fields: req.Fields, Last: last}
}

// attempt performs a single request/response cycle. Any returned error other
// than the suppressed/auth sentinels marks the attempt as failed and
// retryable.
func (c *Client) attempt(ctx context.Context, req Request, download bool) (json.RawMessage, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("got status %d from %s", res.StatusCode, req.Endpoint)
	}
	contentType := res.Header.Get("Content-Type")
	if download && !strings.HasPrefix(contentType, "application/json") {
		if !strings.HasPrefix(contentType, "application/octet-stream") {
			return nil, fmt.Errorf("server returned %s, expected an octet stream", contentType)
		}
		return nil, c.save(res.Body, req.DownloadTo)
	}
	// Either a JSON endpoint, or a JSON error envelope on a download
	// endpoint. Both decode the same way.
	if !strings.HasPrefix(contentType, "application/json") {
		return nil, fmt.Errorf("server returned %s, expected json", contentType)
	}
	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	var envelope wire.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed response from %s: %w", req.Endpoint, err)
	}
	if envelope.Error != "" {
		return nil, c.classify(req, envelope)
	}
	if download {
		return nil, fmt.Errorf("got a json non-error response on a download from %s", req.Endpoint)
	}
	return body, nil
}

// classify converts a connector error envelope into the error the caller
// sees. Reserved prefix interpretation is delegated to wire.Classify so the
// string contract lives in exactly one place.
func (c *Client) classify(req Request, envelope wire.Envelope) error {
	if req.SuppressPrefix != "" && strings.HasPrefix(envelope.Error, req.SuppressPrefix) {
		return fmt.Errorf("%w: %s", ErrSuppressed, envelope.Error)
	}
	if wire.Classify(envelope.Error) == wire.KindInvalidToken {
		return &AuthError{Message: envelope.Error}
	}
	if envelope.Traceback != "" {
		return fmt.Errorf("got error response %q from %s\n%s", envelope.Error, req.Endpoint, envelope.Traceback)
	}
	return fmt.Errorf("got error response %q from %s", envelope.Error, req.Endpoint)
}

// newRequest builds the outgoing POST. Upload payloads are buffered in full
// so every retry re-reads the source file from the beginning.
func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/%s", strings.TrimRight(c.BaseURL, "/"), req.Endpoint)
	if req.UploadPath == "" {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(req.Fields.Encode()))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return httpReq, nil
	}
	source, err := c.fs().Open(req.UploadPath)
	if err != nil {
		return nil, err
	}
	defer source.Close()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key := range req.Fields {
		if err := writer.WriteField(key, req.Fields.Get(key)); err != nil {
			return nil, err
		}
	}
	part, err := writer.CreateFormFile(wire.FieldFile, filepath.Base(req.UploadPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, source); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	return httpReq, nil
}

// save writes a download body to its destination, creating parent
// directories as needed. A partial write never survives.
func (c *Client) save(body io.Reader, dest string) error {
	fs := c.fs()
	if err := fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := fs.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		fs.Remove(dest)
		return err
	}
	return out.Close()
}

func (c *Client) retries() int {
	if c.Retries < 0 {
		return 0
	}
	if c.Retries == 0 {
		return DefaultRetries
	}
	return c.Retries
}

func (c *Client) backoff() time.Duration {
	if c.Backoff > 0 {
		return c.Backoff
	}
	return DefaultBackoff
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) fs() afero.Fs {
	if c.FS != nil {
		return c.FS
	}
	return afero.NewOsFs()
}

func (c *Client) logf(format string, v ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, v...)
	}
}
