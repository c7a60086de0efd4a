package manifest

import (
	"strings"
	"testing"
	"time"
)

func sample() *Manifest {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Manifest{
		Version:        "1.0.2",
		Timestamp:      ts,
		Changes:        []string{"Faster charts", "Reminder fixes"},
		DownloadURL:    "https://app.example.com/releases/1.0.2.tar.gz",
		Size:           1024,
		Rollout:        Rollout{Percentage: 100, Regions: []string{AllRegions}},
		BuildHash:      BuildHash("1.0.2", ts),
		DeploymentTime: ts,
	}
}

func TestBuildHashDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := BuildHash("1.0.2", ts)
	b := BuildHash("1.0.2", ts)
	if a != b {
		t.Fatalf("BuildHash not deterministic: %s != %s", a, b)
	}
	if len(a) != BuildHashLength {
		t.Fatalf("len(BuildHash) = %d, want %d", len(a), BuildHashLength)
	}
	if BuildHash("1.0.2", ts.Add(time.Millisecond)) == a {
		t.Fatal("different publish time should change the hash")
	}
	if BuildHash("1.0.3", ts) == a {
		t.Fatal("different version should change the hash")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	m := sample()
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `"downloadUrl"`) || !strings.Contains(string(data), `"buildHash"`) {
		t.Fatalf("unexpected field names: %s", data)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Version != m.Version || got.BuildHash != m.BuildHash || !got.Timestamp.Equal(m.Timestamp) {
		t.Fatalf("decoded manifest differs: %+v", got)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Decode([]byte(`{"version":"1.0.0"}`)); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	tests := map[string]func(m *Manifest){
		"version":    func(m *Manifest) { m.Version = "one" },
		"percentage": func(m *Manifest) { m.Rollout.Percentage = 101 },
		"regions":    func(m *Manifest) { m.Rollout.Regions = nil },
		"buildHash":  func(m *Manifest) { m.BuildHash = "zz" },
		"url":        func(m *Manifest) { m.DownloadURL = "not a url" },
		"checksum":   func(m *Manifest) { m.Checksum = "md5:abc" },
	}
	for name, mutate := range tests {
		m := sample()
		mutate(m)
		if err := m.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
	if err := sample().Validate(); err != nil {
		t.Fatalf("sample should be valid: %v", err)
	}
}

func TestInfoMatchesManifest(t *testing.T) {
	m := sample()
	info := m.Info()
	if info.Version != m.Version || info.BuildHash != m.BuildHash {
		t.Fatalf("Info() = %+v", info)
	}
	data, _ := Encode(info)
	if _, err := DecodeInfo(data); err != nil {
		t.Fatalf("DecodeInfo: %v", err)
	}
}

func TestCoversRegion(t *testing.T) {
	all := Rollout{Regions: []string{"all"}}
	if !all.CoversRegion("eu") || !all.CoversRegion("") {
		t.Fatal("wildcard should cover every region")
	}
	some := Rollout{Regions: []string{"EU", "us"}}
	if !some.CoversRegion("eu") || !some.CoversRegion("US") {
		t.Fatal("region match should be case-insensitive")
	}
	if some.CoversRegion("apac") || some.CoversRegion("") {
		t.Fatal("unlisted region should not be covered")
	}
}
