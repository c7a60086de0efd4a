package updater

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/dar-k-dev/p-progress/internal/logging"
)

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func checksumOf(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "c")
	writeFile(t, p, content, 0o644)
	sum, err := FileChecksum(p)
	if err != nil {
		t.Fatal(err)
	}
	return sum
}

func packageServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/releases/app-1.0.2.tar.gz" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write([]byte(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestApplyReplacesPackage(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "app.pkg")
	writeFile(t, pkg, "old package", 0o755)

	content := "new package bytes"
	srv := packageServer(t, content)
	u := New(Config{PackagePath: pkg})

	var last, total int64
	err := u.Apply(context.Background(), Artifact{
		Version:  "1.0.2",
		URL:      srv.URL + "/releases/app-1.0.2.tar.gz",
		Size:     int64(len(content)),
		Checksum: checksumOf(t, content),
	}, func(done, tot int64) { last, total = done, tot })
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := readFile(t, pkg); got != content {
		t.Fatalf("package = %q", got)
	}
	if got := readFile(t, pkg+".backup"); got != "old package" {
		t.Fatalf("backup = %q", got)
	}
	if last != int64(len(content)) || total != int64(len(content)) {
		t.Fatalf("progress = %d/%d", last, total)
	}
	info, _ := os.Stat(pkg)
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("mode = %v, want 0755", info.Mode().Perm())
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, ".progress-download-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestApplyChecksumMismatchLeavesPackage(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "app.pkg")
	writeFile(t, pkg, "old", 0o644)
	srv := packageServer(t, "tampered")

	err := New(Config{PackagePath: pkg}).Apply(context.Background(), Artifact{
		URL:      srv.URL + "/releases/app-1.0.2.tar.gz",
		Checksum: checksumOf(t, "expected"),
	}, nil)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Apply = %v, want ErrChecksumMismatch", err)
	}
	if got := readFile(t, pkg); got != "old" {
		t.Fatalf("package modified: %q", got)
	}
}

func TestApplyToleratesAdvertisedSizeMismatch(t *testing.T) {
	var logs bytes.Buffer
	logging.Init("text", "warn", &logs)
	t.Cleanup(func() { logging.Init("text", "info", os.Stderr) })

	dir := t.TempDir()
	pkg := filepath.Join(dir, "app.pkg")
	content := "twelve bytes"
	srv := packageServer(t, content)

	for _, size := range []int64{5, 50} {
		logs.Reset()
		err := New(Config{PackagePath: pkg}).Apply(context.Background(), Artifact{
			Version:  "1.0.2",
			URL:      srv.URL + "/releases/app-1.0.2.tar.gz",
			Size:     size,
			Checksum: checksumOf(t, content),
		}, nil)
		if err != nil {
			t.Fatalf("size %d: Apply = %v", size, err)
		}
		if got := readFile(t, pkg); got != content {
			t.Fatalf("size %d: package = %q", size, got)
		}
		if !strings.Contains(logs.String(), "downloaded size differs from manifest") {
			t.Fatalf("size %d: expected a size warning, got %q", size, logs.String())
		}
	}
}

func TestApplyDownloadError(t *testing.T) {
	pkg := filepath.Join(t.TempDir(), "app.pkg")
	srv := packageServer(t, "x")
	err := New(Config{PackagePath: pkg}).Apply(context.Background(), Artifact{URL: srv.URL + "/missing"}, nil)
	if err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestApplyRollsBackOnPostApplyFailure(t *testing.T) {
	dir := t.TempDir()
	pkg := filepath.Join(dir, "app.pkg")
	writeFile(t, pkg, "old", 0o644)
	srv := packageServer(t, "broken")

	u := New(Config{
		PackagePath: pkg,
		PostApply:   func(string) error { return errors.New("does not start") },
	})
	err := u.Apply(context.Background(), Artifact{URL: srv.URL + "/releases/app-1.0.2.tar.gz"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := readFile(t, pkg); got != "old" {
		t.Fatalf("package not rolled back: %q", got)
	}
}

func TestApplyFirstInstallFailureRemovesPackage(t *testing.T) {
	pkg := filepath.Join(t.TempDir(), "app.pkg")
	srv := packageServer(t, "broken")

	u := New(Config{
		PackagePath: pkg,
		PostApply:   func(string) error { return errors.New("bad") },
	})
	if err := u.Apply(context.Background(), Artifact{URL: srv.URL + "/releases/app-1.0.2.tar.gz"}, nil); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(pkg); !os.IsNotExist(err) {
		t.Fatal("failed first install should leave nothing behind")
	}
}

func TestRollbackNoBackup(t *testing.T) {
	u := New(Config{PackagePath: filepath.Join(t.TempDir(), "app.pkg")})
	if err := u.Rollback(); err == nil {
		t.Fatal("Rollback without backup should fail")
	}
}

func TestParseChecksum(t *testing.T) {
	good := "sha256:" + "AB" + "cdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"
	if _, err := ParseChecksum(good); err != nil {
		t.Fatalf("ParseChecksum(%q): %v", good, err)
	}
	for _, bad := range []string{"", "md5:abcd", "sha256:zz", "sha256:abcd"} {
		if _, err := ParseChecksum(bad); err == nil {
			t.Errorf("ParseChecksum(%q) should fail", bad)
		}
	}
}
