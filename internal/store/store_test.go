package store

import (
	"errors"
	"fmt"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type record struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestPutGet(t *testing.T) {
	s := openTest(t)
	if err := s.Put("a", record{Name: "x", N: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var got record
	if err := s.Get("a", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "x" || got.N != 1 {
		t.Fatalf("Get = %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTest(t)
	var got record
	if err := s.Get("missing", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestPutIfAbsent(t *testing.T) {
	s := openTest(t)
	ok, err := s.PutIfAbsent("k", record{N: 1})
	if err != nil || !ok {
		t.Fatalf("first PutIfAbsent = %v, %v", ok, err)
	}
	ok, err = s.PutIfAbsent("k", record{N: 2})
	if err != nil || ok {
		t.Fatalf("second PutIfAbsent = %v, %v", ok, err)
	}
	var got record
	s.Get("k", &got)
	if got.N != 1 {
		t.Fatalf("value overwritten: %+v", got)
	}
}

func TestDeleteIfExists(t *testing.T) {
	s := openTest(t)
	s.Put("k", 1)
	existed, err := s.DeleteIfExists("k")
	if err != nil || !existed {
		t.Fatalf("DeleteIfExists = %v, %v", existed, err)
	}
	existed, err = s.DeleteIfExists("k")
	if err != nil || existed {
		t.Fatalf("second DeleteIfExists = %v, %v", existed, err)
	}
}

func TestScanAndCountByPrefix(t *testing.T) {
	s := openTest(t)
	for i := 0; i < 3; i++ {
		s.Put(fmt.Sprintf("p/%d", i), record{N: i})
	}
	s.Put("other", record{})

	n, err := s.Count("p/")
	if err != nil || n != 3 {
		t.Fatalf("Count = %d, %v", n, err)
	}

	var keys []string
	err = s.Scan("p/", func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 3 || keys[0] != "p/0" || keys[2] != "p/2" {
		t.Fatalf("Scan keys = %v", keys)
	}
}

func TestInstalledVersionFallback(t *testing.T) {
	s := openTest(t)
	v, err := s.InstalledVersion("1.0.0")
	if err != nil || v != "1.0.0" {
		t.Fatalf("InstalledVersion = %q, %v", v, err)
	}
	if err := s.SetInstalledVersion("1.0.2"); err != nil {
		t.Fatal(err)
	}
	v, _ = s.InstalledVersion("1.0.0")
	if v != "1.0.2" {
		t.Fatalf("InstalledVersion after set = %q", v)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestPersistentReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: dir, SyncWrites: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.SetInstalledVersion("2.0.0")
	s.Close()

	s, err = Open(Config{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	v, _ := s.InstalledVersion("0")
	if v != "2.0.0" {
		t.Fatalf("persisted version = %q", v)
	}
}

func TestReplaceIfExists(t *testing.T) {
	s := openTest(t)
	ok, err := s.ReplaceIfExists("k", record{N: 1})
	if err != nil || ok {
		t.Fatalf("ReplaceIfExists on missing key = %v, %v", ok, err)
	}
	if n, _ := s.Count("k"); n != 0 {
		t.Fatal("ReplaceIfExists must not create keys")
	}

	s.Put("k", record{N: 1})
	ok, err = s.ReplaceIfExists("k", record{N: 2})
	if err != nil || !ok {
		t.Fatalf("ReplaceIfExists = %v, %v", ok, err)
	}
	var got record
	s.Get("k", &got)
	if got.N != 2 {
		t.Fatalf("value = %+v", got)
	}
}
