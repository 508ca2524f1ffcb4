// Package digest computes and compares the MD5 content digests that serve as
// integrity proofs for every file the archive touches.
package digest

import (
	"encoding/hex"
	"fmt"
	md5simd "github.com/minio/md5-simd"
	"github.com/spf13/afero"
	"io"
	"strings"
)

// A single hashing server amortizes simd lane setup across every digest the
// process computes.
var server = md5simd.NewServer()

// Sum computes the hex-encoded MD5 digest and byte length of everything in
// source, streaming it through the hasher in a single pass.
func Sum(source io.Reader) (string, int64, error) {
	hash := server.NewHash()
	defer hash.Close()
	size, err := io.Copy(hash, source)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// Copy streams source into dest, returning the digest and byte length of what
// was written. This lets writers verify content without a second read pass.
func Copy(dest io.Writer, source io.Reader) (string, int64, error) {
	hash := server.NewHash()
	defer hash.Close()
	size, err := io.Copy(io.MultiWriter(dest, hash), source)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// File computes the digest and size of a file on the supplied filesystem.
// I/O failures propagate untouched so callers can distinguish absence from
// corruption.
func File(fs afero.Fs, path string) (string, int64, error) {
	file, err := fs.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()
	return Sum(file)
}

// Equal reports whether two hex digests refer to the same content. Digests
// are compared case-normalized because the two sides of the wire protocol do
// not promise a casing.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Verify confirms the content at path matches an expected digest.
func Verify(fs afero.Fs, path, expected string) error {
	actual, _, err := File(fs, path)
	if err != nil {
		return err
	}
	if !Equal(actual, expected) {
		return fmt.Errorf("%s has md5sum %s, expected %s", path, actual, expected)
	}
	return nil
}
