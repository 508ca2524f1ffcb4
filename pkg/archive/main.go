// Package archive is the client facade over the two archive backends: a
// remote connector reached over HTTP and a locally mounted mirror of the
// archive's storage. It owns the cross-backend consistency rules: every
// digest returned by any backend must agree with the digest of the source
// content before an operation is declared successful.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/stowage-io/stowage/pkg/digest"
	"github.com/stowage-io/stowage/pkg/localmirror"
	"github.com/stowage-io/stowage/pkg/transport"
	"github.com/stowage-io/stowage/pkg/wire"
	"io/ioutil"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"
)

// Backend enumerates the ways an Archive can be wired. Keeping this a closed
// set means every operation's behavior under each configuration is spelled
// out instead of hiding behind nil checks.
type Backend int

const (
	// RemoteOnly talks to a connector over HTTP.
	RemoteOnly Backend = iota
	// MirrorOnly reads and writes a locally mounted archive tree.
	MirrorOnly
	// Both writes to the mirror and the connector, preferring the mirror
	// for reads.
	Both
)

// ErrExists reports that the archive already holds the target and overwrite
// was disallowed.
var ErrExists = errors.New("already exists, not overwritten")

// Logger defines output streams for archive operations.
type Logger struct {
	Stdout  *log.Logger
	Stderr  *log.Logger
	Verbose *log.Logger
}

func silentLogger() *Logger {
	silent := log.New(ioutil.Discard, "", 0)
	return &Logger{Stdout: silent, Stderr: silent, Verbose: silent}
}

// Config describes one archive. URL enables the remote backend; ReadDir
// enables the mirror backend; at least one must be present. PathBase is the
// collection every relative path is confined to.
type Config struct {
	URL      string
	Token    string
	PathBase string
	// ReadDir/WriteDir are local mirror roots, with the collection
	// directory appended to both. WriteDir defaults to ReadDir.
	ReadDir  string
	WriteDir string
	Retries  int
	Backoff  time.Duration
	Logger   *Logger
	// FS is the filesystem local files and the mirror live on. Defaults to
	// the real one.
	FS afero.Fs
}

// Archive is a long-lived, stateless client scoped to one collection.
type Archive struct {
	backend Backend
	base    string
	token   string
	remote  *transport.Client
	mirror  *localmirror.Mirror
	fs      afero.Fs
	log     *Logger
}

// New builds an Archive from config. A client with neither a connector URL
// nor a mirror directory has nothing to talk to and fails construction.
func New(config Config) (*Archive, error) {
	if config.URL == "" && config.ReadDir == "" {
		return nil, errors.New("archive: one of URL or ReadDir must be configured")
	}
	logger := config.Logger
	if logger == nil {
		logger = silentLogger()
	}
	fs := config.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	a := &Archive{base: config.PathBase, token: config.Token, fs: fs, log: logger}
	if config.ReadDir != "" {
		writeDir := config.WriteDir
		if writeDir == "" {
			writeDir = config.ReadDir
		}
		a.mirror = localmirror.New(
			filepath.Join(config.ReadDir, config.PathBase),
			filepath.Join(writeDir, config.PathBase),
		)
		a.mirror.FS = fs
	}
	if config.URL != "" {
		a.remote = transport.New(config.URL)
		a.remote.Retries = config.Retries
		a.remote.Backoff = config.Backoff
		a.remote.FS = fs
		a.remote.Logger = logger.Verbose
	}
	switch {
	case a.mirror != nil && a.remote != nil:
		a.backend = Both
	case a.mirror != nil:
		a.backend = MirrorOnly
	default:
		a.backend = RemoteOnly
	}
	return a, nil
}

// NewFromConfig instantiates an Archive using configuration values that were
// likely sourced from a configuration file target.
func NewFromConfig(config map[string]string, logger *Logger) (*Archive, error) {
	readDir, err := homedir.Expand(config["read_dir"])
	if err != nil {
		return nil, err
	}
	writeDir, err := homedir.Expand(config["write_dir"])
	if err != nil {
		return nil, err
	}
	retries, _ := strconv.Atoi(config["retries"])
	backoff, _ := time.ParseDuration(config["backoff"])
	return New(Config{
		URL:      config["url"],
		Token:    config["token"],
		PathBase: config["collection"],
		ReadDir:  readDir,
		WriteDir: writeDir,
		Retries:  retries,
		Backoff:  backoff,
		Logger:   logger,
	})
}

// Backend reports how this archive is wired.
func (a *Archive) Backend() Backend {
	return a.backend
}

// String returns a human friendly representation of the Archive.
func (a *Archive) String() string {
	switch a.backend {
	case MirrorOnly:
		return fmt.Sprintf("archive %s (%s)", a.base, a.mirror)
	case RemoteOnly:
		return fmt.Sprintf("archive %s (%s)", a.base, a.remote.BaseURL)
	}
	return fmt.Sprintf("archive %s (%s + %s)", a.base, a.mirror, a.remote.BaseURL)
}

// fields returns the form fields every connector call carries.
func (a *Archive) fields(rel string) url.Values {
	values := url.Values{}
	values.Set(wire.FieldPath, path.Join(a.base, rel))
	values.Set(wire.FieldToken, a.token)
	return values
}

// Upload pushes localPath into the archive at remoteDir/remoteName and
// returns the verified digest of the archived content. remoteName defaults
// to the file name of localPath. With overwrite disabled an existing target
// fails with ErrExists rather than a generic error, so callers can build
// upload-exactly-once flows on top.
func (a *Archive) Upload(ctx context.Context, localPath, remoteDir, remoteName string, overwrite bool) (string, error) {
	info, err := a.fs.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("can't find file %s to upload to archive: %w", localPath, err)
	}
	sum, _, err := digest.File(a.fs, localPath)
	if err != nil {
		return "", err
	}
	return a.UploadSummed(ctx, localPath, remoteDir, remoteName, sum, info.Size(), overwrite)
}

// UploadSummed is Upload for callers that already know the source digest and
// size, skipping a redundant hashing pass on large files. Every backend's
// reported digest must equal md5sum; disagreement is fatal and never retried.
func (a *Archive) UploadSummed(ctx context.Context, localPath, remoteDir, remoteName, md5sum string, size int64, overwrite bool) (string, error) {
	if remoteName == "" {
		remoteName = filepath.Base(localPath)
	}
	rel := path.Join(remoteDir, remoteName)
	if a.mirror != nil {
		a.log.Verbose.Printf("%s -> mirror %s", localPath, rel)
		if _, err := a.mirror.PutSummed(localPath, rel, md5sum, overwrite); err != nil {
			if errors.Is(err, localmirror.ErrExists) {
				return "", fmt.Errorf("failed to copy %s to archive: %w", localPath, ErrExists)
			}
			return "", fmt.Errorf("failed to copy %s to archive: %w", localPath, err)
		}
	}
	if a.remote != nil {
		a.log.Verbose.Printf("%s -> connector %s", localPath, rel)
		fields := a.fields(rel)
		fields.Set(wire.FieldOverwrite, wire.FormBool(overwrite))
		fields.Set(wire.FieldDirMode, "0755")
		fields.Set(wire.FieldMode, "0644")
		fields.Set(wire.FieldSize, strconv.FormatInt(size, 10))
		fields.Set(wire.FieldMD5Sum, md5sum)
		req := transport.Request{
			Endpoint:   wire.EndpointUpload,
			Fields:     fields,
			UploadPath: localPath,
		}
		if !overwrite {
			// An existing target is an expected answer here, not a fault
			// worth retrying.
			req.SuppressPrefix = wire.PrefixAlreadyExists
		}
		payload, err := a.remote.Do(ctx, req)
		if errors.Is(err, transport.ErrSuppressed) {
			return "", fmt.Errorf("failed to upload %s to archive: %w", localPath, ErrExists)
		}
		if err != nil {
			return "", err
		}
		var result wire.UploadResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return "", fmt.Errorf("malformed upload response: %w", err)
		}
		if !digest.Equal(result.MD5Sum, md5sum) {
			return "", fmt.Errorf("uploaded %s to %s, but connector reported md5sum %s, which doesn't match local %s", localPath, rel, result.MD5Sum, md5sum)
		}
	}
	return md5sum, nil
}

// Info describes the archive file at rel. Absence is nil, nil rather than an
// error, so callers can check existence freely. The mirror is authoritative when
// configured; the connector is only asked without one.
func (a *Archive) Info(ctx context.Context, rel string) (*wire.Info, error) {
	if a.mirror != nil {
		return a.mirror.Stat(rel)
	}
	payload, err := a.remote.Do(ctx, transport.Request{
		Endpoint:       wire.EndpointGetFileInfo,
		Fields:         a.fields(rel),
		SuppressPrefix: wire.PrefixNoSuchFile,
	})
	if errors.Is(err, transport.ErrSuppressed) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info wire.Info
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("malformed getfileinfo response: %w", err)
	}
	return &info, nil
}

// Delete removes rel from every active backend. A missing target is
// tolerated iff okIfMissing, which makes deletion idempotent.
func (a *Archive) Delete(ctx context.Context, rel string, okIfMissing bool) error {
	if a.mirror != nil {
		if err := a.mirror.Delete(rel, okIfMissing); err != nil {
			return err
		}
	}
	if a.remote != nil {
		fields := a.fields(rel)
		fields.Set(wire.FieldOverwrite, wire.FormBool(true))
		fields.Set(wire.FieldOKIfMissing, wire.FormBool(okIfMissing))
		if _, err := a.remote.Do(ctx, transport.Request{
			Endpoint: wire.EndpointDelete,
			Fields:   fields,
		}); err != nil {
			return err
		}
	}
	a.log.Verbose.Printf("deleted %s", rel)
	return nil
}

// Download copies the archive file at rel to dest. An existing dest is
// trusted as-is unless verify is set; with verify, a local copy whose digest
// disagrees with the archive's is either replaced (clobberOnMismatch) or
// left untouched while the call fails. A freshly transferred copy is
// re-hashed against the archive's recorded digest and removed on mismatch.
func (a *Archive) Download(ctx context.Context, rel, dest string, verify, clobberOnMismatch bool) error {
	localSum := ""
	if info, err := a.fs.Stat(dest); err == nil {
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s exists but isn't a regular file", dest)
		}
		if !verify {
			return nil
		}
		sum, _, err := digest.File(a.fs, dest)
		if err != nil {
			return err
		}
		localSum = sum
	}
	info, err := a.Info(ctx, rel)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("could not find archive file %s: %w", rel, os.ErrNotExist)
	}
	if localSum != "" {
		if digest.Equal(localSum, info.MD5Sum) {
			return nil
		}
		if !clobberOnMismatch {
			return fmt.Errorf("local file %s exists but md5sum %s doesn't match archive %s", dest, localSum, info.MD5Sum)
		}
		if err := a.fs.Remove(dest); err != nil {
			return err
		}
	}
	if a.mirror != nil {
		a.log.Verbose.Printf("mirror %s -> %s", rel, dest)
		written, err := a.mirror.Fetch(rel, dest)
		if err != nil {
			return err
		}
		if !digest.Equal(written, info.MD5Sum) {
			a.fs.Remove(dest)
			return fmt.Errorf("downloaded %s to %s, but md5sum %s doesn't match archive %s", rel, dest, written, info.MD5Sum)
		}
		return nil
	}
	a.log.Verbose.Printf("connector %s -> %s", rel, dest)
	if err := a.remote.Download(ctx, transport.Request{
		Endpoint:   wire.EndpointDownload,
		Fields:     a.fields(rel),
		DownloadTo: dest,
	}); err != nil {
		return err
	}
	written, _, err := digest.File(a.fs, dest)
	if err != nil {
		return err
	}
	if !digest.Equal(written, info.MD5Sum) {
		a.fs.Remove(dest)
		return fmt.Errorf("downloaded archive file %s to %s, but local md5sum %s did not match archive's %s", rel, dest, written, info.MD5Sum)
	}
	return nil
}

// Link creates a symlink inside the archive at rel pointing at target,
// another archive path in the same collection, on every active backend.
func (a *Archive) Link(ctx context.Context, rel, target string, overwrite bool) error {
	if a.mirror != nil {
		if err := a.mirror.Link(rel, target, overwrite); err != nil {
			if errors.Is(err, localmirror.ErrExists) {
				return fmt.Errorf("failed to link %s in archive: %w", rel, ErrExists)
			}
			return err
		}
	}
	if a.remote != nil {
		fields := a.fields(rel)
		fields.Set(wire.FieldLinkTarget, path.Join(a.base, target))
		fields.Set(wire.FieldOverwrite, wire.FormBool(overwrite))
		fields.Set(wire.FieldDirMode, "0755")
		req := transport.Request{Endpoint: wire.EndpointMakeLink, Fields: fields}
		if !overwrite {
			req.SuppressPrefix = wire.PrefixAlreadyExists
		}
		_, err := a.remote.Do(ctx, req)
		if errors.Is(err, transport.ErrSuppressed) {
			return fmt.Errorf("failed to link %s in archive: %w", rel, ErrExists)
		}
		if err != nil {
			return err
		}
	}
	a.log.Verbose.Printf("linked %s -> %s", rel, target)
	return nil
}
