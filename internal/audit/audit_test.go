package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.Log(EventAgentStart, "", nil)
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close() = %v", err)
	}
	if got := l.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
}

func TestChainVerifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "releases.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Log(EventReleasePublished, "1.0.1", map[string]any{"buildHash": "aaaa"})
	l.Log(EventReleasePublished, "1.0.2", map[string]any{"targets": []string{"local:public"}})
	if l.DroppedCount() != 0 {
		t.Fatalf("dropped = %d", l.DroppedCount())
	}
	l.Close()

	n, err := Verify(path)
	if err != nil || n != 2 {
		t.Fatalf("Verify = %d, %v", n, err)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, _ := Open(path)
	l.Log(EventAgentStart, "1.0.0", nil)
	l.Close()

	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Log(EventUpdateApplied, "1.0.1", nil)
	l.Close()

	if n, err := Verify(path); err != nil || n != 2 {
		t.Fatalf("Verify after reopen = %d, %v", n, err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, _ := Open(path)
	l.Log(EventReleasePublished, "1.0.1", nil)
	l.Log(EventReleasePublished, "1.0.2", nil)
	l.Close()

	data, _ := os.ReadFile(path)
	tampered := strings.Replace(string(data), `"version":"1.0.1"`, `"version":"9.9.9"`, 1)
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(path); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("Verify = %v, want ErrChainBroken", err)
	}
}

func TestVerifyDetectsRemovedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, _ := Open(path)
	for _, v := range []string{"1.0.0", "1.0.1", "1.0.2"} {
		l.Log(EventReleasePublished, v, nil)
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	kept := lines[0] + "\n" + lines[2] + "\n"
	os.WriteFile(path, []byte(kept), 0o600)

	if _, err := Verify(path); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("Verify = %v, want ErrChainBroken", err)
	}
}
