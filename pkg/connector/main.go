// Package connector implements the archive's server side: an HTTP service
// exposing upload, getfileinfo, download, delete and makelink over
// form-encoded POSTs, authenticated by a path-prefix token table.
//
// Failure semantics: every handler converts internal errors and panics into
// the JSON error envelope on an HTTP 200 response. Clients inspect the
// envelope, never the status code, so their JSON-decoding path always has a
// well-formed object to work with.
package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/spf13/afero"
	"github.com/stowage-io/stowage/pkg/digest"
	"github.com/stowage-io/stowage/pkg/wire"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
)

// maxFormMemory bounds how much of a multipart upload is held in memory
// before spilling to a temp file.
const maxFormMemory = 32 << 20

// Connector serves archive operations for paths under its storage roots.
// WriteRoot receives uploads and deletions; ReadRoot serves stats and
// downloads. They are the same directory in most deployments.
type Connector struct {
	WriteRoot string
	ReadRoot  string
	Tokens    TokenTable
	Logger    *log.Logger
	FS        afero.Fs
}

// New returns a Connector rooted at the supplied directories. An empty
// readRoot falls back to writeRoot.
func New(writeRoot, readRoot string, tokens TokenTable, logger *log.Logger) *Connector {
	if readRoot == "" {
		readRoot = writeRoot
	}
	if logger == nil {
		logger = log.New(ioutil.Discard, "", 0)
	}
	return &Connector{
		WriteRoot: writeRoot,
		ReadRoot:  readRoot,
		Tokens:    tokens,
		Logger:    logger,
		FS:        afero.NewOsFs(),
	}
}

// Routes returns the handler exposing every connector endpoint.
func (c *Connector) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/"+wire.EndpointUpload, c.handle(c.upload))
	mux.HandleFunc("/"+wire.EndpointGetFileInfo, c.handle(c.getFileInfo))
	mux.HandleFunc("/"+wire.EndpointDelete, c.handle(c.delete))
	mux.HandleFunc("/"+wire.EndpointMakeLink, c.handle(c.makeLink))
	mux.HandleFunc("/"+wire.EndpointDownload, c.download)
	mux.HandleFunc("/", c.index)
	return mux
}

// failure is an error whose text is part of the wire contract: clients see
// it verbatim in the error envelope and may match its reserved prefixes.
type failure struct {
	message string
}

func (f *failure) Error() string {
	return f.message
}

// internalError is any error the handlers did not anticipate. Its envelope
// carries a stack trace for server-side forensics.
type internalError struct {
	cause error
	stack string
}

func (e *internalError) Error() string {
	return e.cause.Error()
}

// request carries one authenticated, path-resolved connector call.
type request struct {
	raw         *http.Request
	relPath     string
	writePath   string
	readPath    string
	overwrite   bool
	okIfMissing bool
	dirMode     os.FileMode
	mode        os.FileMode
	// declaredSize is -1 when the caller did not declare one.
	declaredSize int64
	md5sum       string
	// linkTarget is resolved against WriteRoot; empty when absent.
	linkTarget string
}

type handlerFunc func(*request) (interface{}, error)

// handle wraps a JSON handler with request initialization, panic recovery
// and envelope encoding.
func (c *Connector) handle(fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		payload, err := c.serve(fn, r)
		if err != nil {
			c.writeEnvelope(w, err)
			return
		}
		json.NewEncoder(w).Encode(payload)
	}
}

// serve runs a handler, converting panics into ordinary errors so no request
// ever escapes without a well-formed JSON body.
func (c *Connector) serve(fn handlerFunc, r *http.Request) (payload interface{}, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &internalError{cause: fmt.Errorf("%v", recovered), stack: string(debug.Stack())}
		}
	}()
	req, initErr := c.init(r)
	if initErr != nil {
		return nil, initErr
	}
	return fn(req)
}

func (c *Connector) writeEnvelope(w io.Writer, err error) {
	envelope := wire.Envelope{Status: wire.StatusError, Error: err.Error()}
	var internal *internalError
	if errors.As(err, &internal) {
		envelope.Traceback = internal.stack
		c.Logger.Printf("internal error: %s", internal.cause)
	}
	json.NewEncoder(w).Encode(envelope)
}

// init authenticates and path-resolves an incoming request. Authorization is
// structural: the cleaned request path must begin with a registered prefix,
// and the cleaned path can never escape the storage roots.
func (c *Connector) init(r *http.Request) (*request, error) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil && err != http.ErrNotMultipart {
		return nil, &failure{fmt.Sprintf("Exception in init: %s", err)}
	}
	rel := r.FormValue(wire.FieldPath)
	if rel == "" {
		return nil, &failure{"No file path specified"}
	}
	clean, ok := cleanPath(rel)
	if !ok {
		return nil, &failure{fmt.Sprintf("File %s is not in a known path.", rel)}
	}
	if err := c.Tokens.Authorize(clean, r.FormValue(wire.FieldToken)); err != nil {
		c.Logger.Printf("denied %s: %s", clean, err)
		return nil, err
	}
	req := &request{
		raw:          r,
		relPath:      clean,
		writePath:    filepath.Join(c.WriteRoot, clean),
		readPath:     filepath.Join(c.ReadRoot, clean),
		overwrite:    parseBool(r.FormValue(wire.FieldOverwrite)),
		okIfMissing:  parseBool(r.FormValue(wire.FieldOKIfMissing)),
		dirMode:      parseMode(r.FormValue(wire.FieldDirMode), 0755),
		mode:         parseMode(r.FormValue(wire.FieldMode), 0),
		declaredSize: parseSize(r.FormValue(wire.FieldSize)),
		md5sum:       r.FormValue(wire.FieldMD5Sum),
	}
	if target := r.FormValue(wire.FieldLinkTarget); target != "" {
		cleanTarget, ok := cleanPath(target)
		if !ok {
			return nil, &failure{fmt.Sprintf("File %s is not in a known path.", target)}
		}
		req.linkTarget = filepath.Join(c.WriteRoot, cleanTarget)
	}
	return req, nil
}

// upload receives a file payload, writes it to a temporary file next to the
// target, verifies the declared size and md5sum against what was written,
// and only then renames it into place. Readers never observe a partially
// written or mismatched file; a rejected payload is moved aside to
// <path>.FAIL for forensic inspection.
func (c *Connector) upload(req *request) (interface{}, error) {
	if !req.overwrite {
		if _, err := c.FS.Stat(req.writePath); err == nil {
			return nil, &failure{fmt.Sprintf("%s: %s", wire.PrefixAlreadyExists, req.writePath)}
		}
	}
	payload, _, err := req.raw.FormFile(wire.FieldFile)
	if err != nil {
		return nil, &failure{"No file payload supplied"}
	}
	defer payload.Close()
	if err := c.mkdir(filepath.Dir(req.writePath), req.dirMode); err != nil {
		return nil, err
	}
	temp, err := afero.TempFile(c.FS, filepath.Dir(req.writePath), filepath.Base(req.writePath)+".partial-*")
	if err != nil {
		return nil, err
	}
	sum, size, copyErr := digest.Copy(temp, payload)
	temp.Close()
	if copyErr != nil {
		c.FS.Remove(temp.Name())
		return nil, copyErr
	}
	if req.mode != 0 {
		c.FS.Chmod(temp.Name(), req.mode)
	}
	if req.declaredSize >= 0 && size != req.declaredSize {
		return nil, c.quarantine(req, temp.Name(),
			fmt.Sprintf("size of file %d doesn't match passed size %d, file not written", size, req.declaredSize))
	}
	if req.md5sum != "" && !digest.Equal(sum, req.md5sum) {
		return nil, c.quarantine(req, temp.Name(),
			fmt.Sprintf("md5sum of file %s doesn't match passed md5sum %s, file not written", sum, req.md5sum))
	}
	if err := c.FS.Rename(temp.Name(), req.writePath); err != nil {
		c.FS.Remove(temp.Name())
		return nil, err
	}
	c.Logger.Printf("uploaded %s (%d bytes, md5 %s)", req.writePath, size, sum)
	return wire.UploadResult{
		Status:   "File uploaded",
		Filename: filepath.Base(req.writePath),
		Path:     req.writePath,
		Length:   size,
		MD5Sum:   sum,
	}, nil
}

// quarantine moves a rejected upload aside and removes whatever the rejected
// write was meant to replace, so no path is left holding content that failed
// verification.
func (c *Connector) quarantine(req *request, temp, reason string) error {
	failPath := req.writePath + ".FAIL"
	if err := c.FS.Rename(temp, failPath); err != nil {
		c.FS.Remove(temp)
	}
	if _, err := c.FS.Stat(req.writePath); err == nil {
		c.FS.Remove(req.writePath)
	}
	c.Logger.Printf("rejected upload of %s: %s", req.writePath, reason)
	return &failure{reason}
}

func (c *Connector) getFileInfo(req *request) (interface{}, error) {
	info, err := c.FS.Stat(req.readPath)
	if err != nil || !info.Mode().IsRegular() {
		return nil, &failure{fmt.Sprintf("%s %s", wire.PrefixNoSuchFile, req.readPath)}
	}
	sum, _, err := digest.File(c.FS, req.readPath)
	if err != nil {
		return nil, err
	}
	return wire.Info{ServerPath: req.readPath, Size: info.Size(), MD5Sum: sum}, nil
}

func (c *Connector) delete(req *request) (interface{}, error) {
	if !req.overwrite {
		return nil, &failure{"Not deleting file, overwrite is False"}
	}
	result := wire.DeleteResult{
		Status:   "File deleted",
		Filename: filepath.Base(req.writePath),
		Path:     req.writePath,
	}
	info, err := c.FS.Stat(req.writePath)
	if err != nil {
		if req.okIfMissing {
			return result, nil
		}
		return nil, &failure{fmt.Sprintf("File doesn't exist: %s", req.writePath)}
	}
	if info.IsDir() {
		return nil, &failure{fmt.Sprintf("%s is a directory", req.writePath)}
	}
	if err := c.FS.Remove(req.writePath); err != nil {
		return nil, err
	}
	c.Logger.Printf("deleted %s", req.writePath)
	return result, nil
}

func (c *Connector) makeLink(req *request) (interface{}, error) {
	if req.linkTarget == "" {
		return nil, &failure{"No targetoflink specified"}
	}
	linker, ok := c.FS.(afero.Linker)
	if !ok {
		return nil, &failure{"Filesystem does not support symlinks"}
	}
	if _, err := c.FS.Stat(req.writePath); err == nil {
		if !req.overwrite {
			return nil, &failure{fmt.Sprintf("%s: %s", wire.PrefixAlreadyExists, req.writePath)}
		}
		if err := c.FS.Remove(req.writePath); err != nil {
			return nil, err
		}
	}
	if _, err := c.FS.Stat(req.linkTarget); err != nil {
		return nil, &failure{fmt.Sprintf("Link target doesn't exist: %s", req.linkTarget)}
	}
	if err := c.mkdir(filepath.Dir(req.writePath), req.dirMode); err != nil {
		return nil, err
	}
	if err := linker.SymlinkIfPossible(req.linkTarget, req.writePath); err != nil {
		return nil, err
	}
	c.Logger.Printf("linked %s -> %s", req.writePath, req.linkTarget)
	return wire.LinkResult{Status: "Link created", Target: req.linkTarget, Link: req.writePath}, nil
}

// download streams file content rather than JSON, so it bypasses the handle
// wrapper; errors still arrive as JSON envelopes.
func (c *Connector) download(w http.ResponseWriter, r *http.Request) {
	req, err := c.init(r)
	if err != nil {
		c.fail(w, err)
		return
	}
	info, err := c.FS.Stat(req.readPath)
	if err != nil || !info.Mode().IsRegular() {
		c.fail(w, &failure{fmt.Sprintf("%s %s", wire.PrefixNoSuchFile, req.readPath)})
		return
	}
	file, err := c.FS.Open(req.readPath)
	if err != nil {
		c.fail(w, err)
		return
	}
	defer file.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(req.readPath)))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	io.Copy(w, file)
}

func (c *Connector) fail(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	c.writeEnvelope(w, err)
}

// index answers the bare root with a human-readable page so operators can
// confirm the service is up from a browser.
func (c *Connector) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", `text/html; charset="UTF-8"`)
	fmt.Fprint(w, "<!DOCTYPE html>\n<html><head><title>Stowage Connector</title></head>\n"+
		"<body><h3>Stowage upload connector.</h3></body></html>\n")
}

// mkdir ensures a directory exists with the requested mode, refusing to
// treat a non-directory as one.
func (c *Connector) mkdir(dir string, mode os.FileMode) error {
	info, err := c.FS.Stat(dir)
	if err == nil {
		if info.IsDir() {
			return nil
		}
		return &failure{fmt.Sprintf("%s exists and is not a directory.", dir)}
	}
	if err := c.FS.MkdirAll(dir, mode); err != nil {
		return err
	}
	return c.FS.Chmod(dir, mode)
}

// cleanPath normalizes a client-supplied relative path and rejects anything
// that would escape the storage roots.
func cleanPath(rel string) (string, bool) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) {
		return "", false
	}
	sep := string(filepath.Separator)
	if clean == ".." || strings.HasPrefix(clean, ".."+sep) {
		return "", false
	}
	return clean, true
}

func parseBool(value string) bool {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return parsed
}

// parseMode reads an octal file mode, falling back when absent or malformed.
func parseMode(value string, fallback os.FileMode) os.FileMode {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(value, 8, 32)
	if err != nil {
		return fallback
	}
	return os.FileMode(parsed)
}

func parseSize(value string) int64 {
	if value == "" {
		return -1
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return -1
	}
	return parsed
}
