// Package fingerprint computes the change marker of the scoring configuration.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
)

// Missing is returned when the configuration cannot be read. It never equals a real digest.
const Missing = ""

// Fingerprinter hashes the configuration document on every call.
type Fingerprinter struct {
	path   string
	logger *slog.Logger
}

// New builds a fingerprinter for the configuration at path.
func New(path string, logger *slog.Logger) *Fingerprinter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fingerprinter{path: path, logger: logger}
}

// Path returns the fingerprinted file.
func (f *Fingerprinter) Path() string {
	return f.path
}

// Fingerprint returns the md5 hex digest of the configuration bytes, or Missing.
func (f *Fingerprinter) Fingerprint() string {
	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.logger.Warn("scoring config not found", "path", f.path)
		} else {
			f.logger.Error("open scoring config", "path", f.path, "error", err)
		}
		return Missing
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		f.logger.Error("hash scoring config", "path", f.path, "error", err)
		return Missing
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// IsChanged reports whether a stored fingerprint no longer matches the configuration.
// An empty stored value predates fingerprinting and is never stale on its own.
func (f *Fingerprinter) IsChanged(stored string) bool {
	if stored == Missing {
		return false
	}
	current := f.Fingerprint()
	if stored == current {
		return false
	}
	f.logger.Warn("scoring config changed", "stored", Prefix(stored), "current", Prefix(current))
	return true
}

// Prefix shortens a digest for log and diagnostic output.
func Prefix(digest string) string {
	if len(digest) > 8 {
		return digest[:8]
	}
	return digest
}
