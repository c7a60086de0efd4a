// Package updater downloads a release package and swaps it in for the
// installed one, keeping a backup to roll back to.
package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dar-k-dev/p-progress/internal/httputil"
	"github.com/dar-k-dev/p-progress/internal/logging"
)

var log = logging.L("updater")

const checksumPrefix = "sha256:"

var ErrChecksumMismatch = errors.New("checksum mismatch")

// Config holds updater configuration.
type Config struct {
	// PackagePath is the installed package that gets replaced.
	PackagePath string
	// BackupPath defaults to PackagePath + ".backup".
	BackupPath string
	// Timeout bounds a whole download. Defaults to 5 minutes.
	Timeout time.Duration
	// PostApply, when set, checks the freshly installed package. An error
	// rolls the install back.
	PostApply func(path string) error
}

// Artifact describes what to download.
type Artifact struct {
	Version string
	URL     string
	// Size is the advertised length. It feeds progress reporting only;
	// integrity comes from Checksum.
	Size     int64
	Checksum string
}

// ProgressFunc receives bytes downloaded so far and the expected total
// (0 when unknown).
type ProgressFunc func(done, total int64)

// Updater applies release packages.
type Updater struct {
	config Config
	client *http.Client
}

// New creates a new Updater.
func New(cfg Config) *Updater {
	if cfg.BackupPath == "" {
		cfg.BackupPath = cfg.PackagePath + ".backup"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Updater{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Apply downloads a, verifies it and installs it over the current package.
func (u *Updater) Apply(ctx context.Context, a Artifact, progress ProgressFunc) error {
	log.Info("starting update", logging.KeyVersion, a.Version, "url", a.URL)

	tempPath, err := u.download(ctx, a, progress)
	if err != nil {
		return fmt.Errorf("download package: %w", err)
	}
	defer os.Remove(tempPath)

	if a.Checksum != "" {
		if err := verifyChecksum(tempPath, a.Checksum); err != nil {
			return fmt.Errorf("verify package: %w", err)
		}
	}

	hadPackage, err := u.backupCurrent()
	if err != nil {
		return fmt.Errorf("backup current package: %w", err)
	}

	if err := replaceFile(tempPath, u.config.PackagePath); err != nil {
		return u.failAndRollback(hadPackage, "replace package", err)
	}

	if u.config.PostApply != nil {
		if err := u.config.PostApply(u.config.PackagePath); err != nil {
			return u.failAndRollback(hadPackage, "post-apply check", err)
		}
	}

	log.Info("update applied", logging.KeyVersion, a.Version)
	return nil
}

func (u *Updater) failAndRollback(hadPackage bool, step string, err error) error {
	if !hadPackage {
		os.Remove(u.config.PackagePath)
		return fmt.Errorf("%s: %w", step, err)
	}
	if rbErr := u.Rollback(); rbErr != nil {
		log.Error("rollback also failed", "step", step, logging.KeyError, err, "rollbackError", rbErr)
		return fmt.Errorf("%s: %w (rollback also failed: %v)", step, err, rbErr)
	}
	return fmt.Errorf("%s (rolled back): %w", step, err)
}

func (u *Updater) download(ctx context.Context, a Artifact, progress ProgressFunc) (string, error) {
	resp, err := httputil.Do(ctx, u.client, http.MethodGet, a.URL, nil, nil, httputil.NoRetry())
	if err != nil {
		return "", err
	}
	if err := httputil.CheckStatus(resp); err != nil {
		return "", err
	}
	defer resp.Body.Close()

	total := a.Size
	if total <= 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	dir := filepath.Dir(u.config.PackagePath)
	tempFile, err := os.CreateTemp(dir, ".progress-download-*")
	if err != nil {
		return "", err
	}
	defer tempFile.Close()

	n, err := io.Copy(tempFile, &progressReader{r: resp.Body, total: total, fn: progress})
	if err != nil {
		os.Remove(tempFile.Name())
		return "", err
	}
	if a.Size > 0 && n != a.Size {
		log.Warn("downloaded size differs from manifest", logging.KeyVersion, a.Version, "bytes", n, "advertised", a.Size)
	}
	if err := tempFile.Sync(); err != nil {
		os.Remove(tempFile.Name())
		return "", err
	}
	return tempFile.Name(), nil
}

type progressReader struct {
	r     io.Reader
	done  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		if p.fn != nil {
			p.fn(p.done, p.total)
		}
	}
	return n, err
}

// ParseChecksum returns the hex digest of a "sha256:<hex>" checksum.
func ParseChecksum(s string) (string, error) {
	if !strings.HasPrefix(s, checksumPrefix) {
		return "", fmt.Errorf("unsupported checksum %q", s)
	}
	digest := strings.ToLower(strings.TrimPrefix(s, checksumPrefix))
	if _, err := hex.DecodeString(digest); err != nil || len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("malformed sha256 digest %q", digest)
	}
	return digest, nil
}

// FileChecksum returns the "sha256:<hex>" checksum of a file.
func FileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return checksumPrefix + hex.EncodeToString(hasher.Sum(nil)), nil
}

func verifyChecksum(path, expected string) error {
	want, err := ParseChecksum(expected)
	if err != nil {
		return err
	}
	got, err := FileChecksum(path)
	if err != nil {
		return err
	}
	if got != checksumPrefix+want {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, checksumPrefix+want, got)
	}
	return nil
}

// backupCurrent copies the installed package to the backup path. It reports
// false when nothing is installed yet.
func (u *Updater) backupCurrent() (bool, error) {
	if _, err := os.Stat(u.config.PackagePath); os.IsNotExist(err) {
		return false, nil
	}
	os.Remove(u.config.BackupPath)
	if err := copyFile(u.config.PackagePath, u.config.BackupPath, fileMode(u.config.PackagePath)); err != nil {
		return false, err
	}
	return true, nil
}

// Rollback restores the backup package.
func (u *Updater) Rollback() error {
	log.Info("rolling back to previous package")

	if _, err := os.Stat(u.config.BackupPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup found at %s", u.config.BackupPath)
	}
	return replaceFile(u.config.BackupPath, u.config.PackagePath)
}

// replaceFile copies src next to dst and renames it into place, so readers
// of dst see either the old or the new content.
func replaceFile(src, dst string) error {
	mode := fileMode(src)
	if _, err := os.Stat(dst); err == nil {
		mode = fileMode(dst)
	}
	tmp := dst + ".new"
	if err := copyFile(src, tmp, mode); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func fileMode(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
