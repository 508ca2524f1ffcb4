// Package localmirror implements the archive's filesystem backend, used when
// the storage the connector writes to is mounted directly on the machine
// running stowage. Every write and read is verified against a content digest
// before it is declared successful; a copy that fails verification is
// removed rather than left behind.
package localmirror

import (
	"errors"
	"fmt"
	"github.com/spf13/afero"
	"github.com/stowage-io/stowage/pkg/digest"
	"github.com/stowage-io/stowage/pkg/wire"
	"io"
	"os"
	"path/filepath"
)

// ErrExists reports a refusal to replace an existing archive file.
var ErrExists = errors.New("file already exists")

// ErrNotFile reports that an archive path exists but is not a regular file.
var ErrNotFile = errors.New("not a regular file")

// Mirror performs archive operations directly against a mounted filesystem.
// ReadDir and WriteDir are usually the same directory; they differ only on
// machines where the mount used for reading is not the mount used for
// writing.
type Mirror struct {
	ReadDir  string
	WriteDir string
	FS       afero.Fs
}

// New returns a Mirror rooted at the supplied directories. An empty writeDir
// falls back to readDir.
func New(readDir, writeDir string) *Mirror {
	if writeDir == "" {
		writeDir = readDir
	}
	return &Mirror{ReadDir: readDir, WriteDir: writeDir, FS: afero.NewOsFs()}
}

// String returns a human friendly representation of the Mirror.
func (m *Mirror) String() string {
	if m.ReadDir == m.WriteDir {
		return fmt.Sprintf("localMirror: %s", m.ReadDir)
	}
	return fmt.Sprintf("localMirror: read %s, write %s", m.ReadDir, m.WriteDir)
}

func (m *Mirror) readPath(rel string) string {
	return filepath.Join(m.ReadDir, rel)
}

func (m *Mirror) writePath(rel string) string {
	return filepath.Join(m.WriteDir, rel)
}

// Put copies localPath into the archive at rel and returns the verified
// digest of the written copy.
func (m *Mirror) Put(localPath, rel string, overwrite bool) (string, error) {
	sum, _, err := digest.File(m.FS, localPath)
	if err != nil {
		return "", err
	}
	return m.PutSummed(localPath, rel, sum, overwrite)
}

// PutSummed copies localPath into the archive, trusting sourceSum as the
// digest of its content. The written copy is re-read and re-hashed; a copy
// that does not match sourceSum is removed before the error returns, so the
// archive never holds a mismatched file.
func (m *Mirror) PutSummed(localPath, rel, sourceSum string, overwrite bool) (string, error) {
	dest := m.writePath(rel)
	if info, err := m.FS.Stat(dest); err == nil {
		if !info.Mode().IsRegular() {
			return "", fmt.Errorf("%s exists and is %w", dest, ErrNotFile)
		}
		if !overwrite {
			return "", fmt.Errorf("%s: %w", dest, ErrExists)
		}
		if err := m.FS.Remove(dest); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if err := m.FS.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", err
	}
	if err := m.copy(localPath, dest); err != nil {
		return "", err
	}
	written, _, err := digest.File(m.FS, dest)
	if err != nil {
		return "", err
	}
	if !digest.Equal(written, sourceSum) {
		m.FS.Remove(dest)
		return "", fmt.Errorf("copied %s to %s, but destination had md5sum %s, which doesn't match source %s", localPath, dest, written, sourceSum)
	}
	return written, nil
}

// Fetch copies the archive file at rel to dest and returns the verified
// digest of the local copy. A copy whose digest does not match the archive
// source is removed before the error returns.
func (m *Mirror) Fetch(rel, dest string) (string, error) {
	src := m.readPath(rel)
	info, err := m.FS.Stat(src)
	if err != nil {
		return "", fmt.Errorf("could not find archive file %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("archive file %s exists but is %w", src, ErrNotFile)
	}
	sourceSum, _, err := digest.File(m.FS, src)
	if err != nil {
		return "", err
	}
	if err := m.FS.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", err
	}
	if err := m.copy(src, dest); err != nil {
		return "", err
	}
	written, _, err := digest.File(m.FS, dest)
	if err != nil {
		return "", err
	}
	if !digest.Equal(written, sourceSum) {
		m.FS.Remove(dest)
		return "", fmt.Errorf("copied archive file %s to %s, but md5sum %s doesn't match archive %s", src, dest, written, sourceSum)
	}
	return written, nil
}

// Stat describes the archive file at rel. Absence is nil, nil rather than an
// error, so callers can check existence without exception-driven control flow.
func (m *Mirror) Stat(rel string) (*wire.Info, error) {
	src := m.readPath(rel)
	info, err := m.FS.Stat(src)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("archive file %s exists but is %w", src, ErrNotFile)
	}
	sum, _, err := digest.File(m.FS, src)
	if err != nil {
		return nil, err
	}
	return &wire.Info{ServerPath: src, Size: info.Size(), MD5Sum: sum}, nil
}

// Delete removes the archive file at rel. A missing target is tolerated iff
// okIfMissing.
func (m *Mirror) Delete(rel string, okIfMissing bool) error {
	target := m.writePath(rel)
	info, err := m.FS.Stat(target)
	if os.IsNotExist(err) {
		if okIfMissing {
			return nil
		}
		return fmt.Errorf("can't delete archive file %s: %w", target, err)
	}
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("archive file %s exists but is %w", target, ErrNotFile)
	}
	return m.FS.Remove(target)
}

// Link creates a symlink at rel pointing at target, itself resolved against
// the write root. Only filesystems that support symlinks can serve this
// (afero's OsFs does, MemMapFs does not).
func (m *Mirror) Link(rel, target string, overwrite bool) error {
	linker, ok := m.FS.(afero.Linker)
	if !ok {
		return errors.New("filesystem does not support symlinks")
	}
	link := m.writePath(rel)
	dest := m.writePath(target)
	if _, err := m.FS.Stat(link); err == nil {
		if !overwrite {
			return fmt.Errorf("%s: %w", link, ErrExists)
		}
		if err := m.FS.Remove(link); err != nil {
			return err
		}
	}
	if _, err := m.FS.Stat(dest); err != nil {
		return fmt.Errorf("link target doesn't exist: %s", dest)
	}
	if err := m.FS.MkdirAll(filepath.Dir(link), 0755); err != nil {
		return err
	}
	return linker.SymlinkIfPossible(dest, link)
}

// copy duplicates src to dest, removing dest if the write fails partway.
func (m *Mirror) copy(src, dest string) error {
	in, err := m.FS.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := m.FS.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		m.FS.Remove(dest)
		return err
	}
	return out.Close()
}
