package providers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dar-k-dev/p-progress/internal/config"
)

func TestLocalPutGet(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := l.Get(ctx, "update-manifest.json"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("Get missing = %v, want ErrNotExist", err)
	}
	if err := l.Put(ctx, "update-manifest.json", []byte(`{"version":"1.0.0"}`), ContentTypeJSON); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := l.Put(ctx, "update-manifest.json", []byte(`{"version":"1.0.1"}`), ContentTypeJSON); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	got, err := l.Get(ctx, "update-manifest.json")
	if err != nil || string(got) != `{"version":"1.0.1"}` {
		t.Fatalf("Get = %s, %v", got, err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
	info, _ := os.Stat(filepath.Join(dir, "update-manifest.json"))
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}
}

func TestLocalNestedKey(t *testing.T) {
	dir := t.TempDir()
	l, _ := NewLocal(dir)
	if err := l.Put(context.Background(), "channel/beta/version.json", []byte("{}"), ContentTypeJSON); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "channel", "beta", "version.json")); err != nil {
		t.Fatal(err)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	l, _ := NewLocal(t.TempDir())
	if err := l.Put(context.Background(), "../escape.json", []byte("{}"), ContentTypeJSON); err == nil {
		t.Fatal("expected traversal error")
	}
	if _, err := l.Get(context.Background(), "../../etc/passwd"); err == nil {
		t.Fatal("expected traversal error")
	}
}

func TestObjectKey(t *testing.T) {
	tests := map[[2]string]string{
		{"", "version.json"}:          "version.json",
		{"/releases/", "version.json"}: "releases/version.json",
		{"a/b", "c.json"}:             "a/b/c.json",
	}
	for in, want := range tests {
		if got := objectKey(in[0], in[1]); got != want {
			t.Errorf("objectKey(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	ctx := context.Background()
	bad := []config.TargetConfig{
		{Type: "local"},
		{Type: "s3", Bucket: "b"},
		{Type: "gcs"},
		{Type: "azblob", Bucket: "c"},
		{Type: "b2", Bucket: "b"},
		{Type: "ftp"},
	}
	for _, cfg := range bad {
		if _, err := New(ctx, cfg); err == nil {
			t.Errorf("New(%+v) should fail", cfg)
		}
	}

	target, err := New(ctx, config.TargetConfig{Type: "local", Path: t.TempDir()})
	if err != nil {
		t.Fatalf("New local: %v", err)
	}
	if _, ok := target.(*Local); !ok {
		t.Fatalf("target = %T", target)
	}
}
