// Package publisher writes the release records clients poll for updates.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/dar-k-dev/p-progress/internal/config"
	"github.com/dar-k-dev/p-progress/internal/logging"
	"github.com/dar-k-dev/p-progress/internal/manifest"
	"github.com/dar-k-dev/p-progress/internal/publisher/providers"
	"github.com/dar-k-dev/p-progress/internal/updater"
	"github.com/dar-k-dev/p-progress/internal/version"
)

var log = logging.L("publisher")

var (
	// ErrVersionSource means the release version could not be read. Nothing
	// is written when it is returned.
	ErrVersionSource = errors.New("release version source unreadable")
	// ErrVersionRegression means a target already carries a newer release.
	ErrVersionRegression = errors.New("published version is newer than release")
)

// Release is everything needed to publish one release.
type Release struct {
	Version     string
	Changes     []string
	DownloadURL string
	Size        int64
	Checksum    string
	Critical    bool
	Rollout     manifest.Rollout
}

// Result describes a completed publish.
type Result struct {
	Manifest *manifest.Manifest
	Targets  []string
}

// Publisher writes manifests to every configured target.
type Publisher struct {
	targets []providers.Target
	now     func() time.Time
}

// New creates a Publisher over the given targets.
func New(targets ...providers.Target) *Publisher {
	return &Publisher{targets: targets, now: time.Now}
}

// FromConfig builds the targets listed in cfg.
func FromConfig(ctx context.Context, cfg config.ReleaseConfig) (*Publisher, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("no publish targets configured")
	}
	targets := make([]providers.Target, 0, len(cfg.Targets))
	for i, tc := range cfg.Targets {
		t, err := providers.New(ctx, tc)
		if err != nil {
			return nil, fmt.Errorf("release.targets[%d]: %w", i, err)
		}
		targets = append(targets, t)
	}
	return New(targets...), nil
}

// ReadVersion reads the release version from path. JSON documents yield
// their top-level "version" field; anything else is read as a bare version.
func ReadVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVersionSource, err)
	}

	var v string
	trimmed := strings.TrimSpace(string(data))
	if strings.EqualFold(filepath.Ext(path), ".json") || strings.HasPrefix(trimmed, "{") {
		if !gjson.ValidBytes(data) {
			return "", fmt.Errorf("%w: %s is not valid JSON", ErrVersionSource, path)
		}
		v = gjson.GetBytes(data, "version").String()
	} else {
		v = trimmed
	}

	if v == "" {
		return "", fmt.Errorf("%w: %s has no version", ErrVersionSource, path)
	}
	if !version.Valid(v) {
		return "", fmt.Errorf("%w: %q is not a version", ErrVersionSource, v)
	}
	return v, nil
}

type notesFile struct {
	Changes []string `yaml:"changes"`
}

// ReadNotes loads change notes from a YAML file. The file is either a list
// of strings or a mapping with a "changes" list.
func ReadNotes(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notes: %w", err)
	}
	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var nf notesFile
	if err := yaml.Unmarshal(data, &nf); err != nil {
		return nil, fmt.Errorf("parse notes %s: %w", path, err)
	}
	return nf.Changes, nil
}

// ReleaseFromConfig assembles a Release from the release settings. An
// artifact path, when set, supplies size and checksum.
func ReleaseFromConfig(cfg config.ReleaseConfig) (Release, error) {
	ver, err := ReadVersion(cfg.VersionFile)
	if err != nil {
		return Release{}, err
	}

	changes := cfg.Changes
	if cfg.NotesFile != "" {
		notes, err := ReadNotes(cfg.NotesFile)
		if err != nil {
			return Release{}, err
		}
		changes = append(append([]string{}, changes...), notes...)
	}

	rel := Release{
		Version:     ver,
		Changes:     changes,
		DownloadURL: cfg.DownloadURL,
		Size:        cfg.Size,
		Checksum:    cfg.Checksum,
		Critical:    cfg.Critical,
		Rollout: manifest.Rollout{
			Percentage: cfg.RolloutPercentage,
			Regions:    cfg.RolloutRegions,
		},
	}
	if len(rel.Rollout.Regions) == 0 {
		rel.Rollout.Regions = []string{manifest.AllRegions}
	}

	if cfg.ArtifactPath != "" {
		info, err := os.Stat(cfg.ArtifactPath)
		if err != nil {
			return Release{}, fmt.Errorf("stat artifact: %w", err)
		}
		sum, err := updater.FileChecksum(cfg.ArtifactPath)
		if err != nil {
			return Release{}, fmt.Errorf("checksum artifact: %w", err)
		}
		rel.Size = info.Size()
		rel.Checksum = sum
	}
	return rel, nil
}

// Build produces the manifest for rel stamped with the current time.
func (p *Publisher) Build(rel Release) (*manifest.Manifest, error) {
	now := p.now().UTC()
	m := &manifest.Manifest{
		Version:        rel.Version,
		Timestamp:      now,
		Changes:        rel.Changes,
		DownloadURL:    rel.DownloadURL,
		Size:           rel.Size,
		Critical:       rel.Critical,
		Rollout:        rel.Rollout,
		BuildHash:      manifest.BuildHash(rel.Version, now),
		DeploymentTime: now,
		Checksum:       rel.Checksum,
	}
	if m.Changes == nil {
		m.Changes = []string{}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Publish writes version.json and update-manifest.json to every target.
// All targets are checked for a newer existing release before anything is
// written. The manifest is written last so a client never sees a manifest
// whose companion record is missing.
func (p *Publisher) Publish(ctx context.Context, rel Release) (*Result, error) {
	m, err := p.Build(rel)
	if err != nil {
		return nil, err
	}

	for _, t := range p.targets {
		if err := checkRegression(ctx, t, m.Version); err != nil {
			return nil, err
		}
	}

	manifestData, err := manifest.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	infoData, err := manifest.Encode(m.Info())
	if err != nil {
		return nil, fmt.Errorf("encode version info: %w", err)
	}

	res := &Result{Manifest: m}
	for _, t := range p.targets {
		if err := t.Put(ctx, manifest.VersionPath, infoData, providers.ContentTypeJSON); err != nil {
			return res, fmt.Errorf("write %s to %s: %w", manifest.VersionPath, t.Name(), err)
		}
		if err := t.Put(ctx, manifest.ManifestPath, manifestData, providers.ContentTypeJSON); err != nil {
			return res, fmt.Errorf("write %s to %s: %w", manifest.ManifestPath, t.Name(), err)
		}
		res.Targets = append(res.Targets, t.Name())
		log.Info("release published",
			logging.KeyVersion, m.Version,
			"buildHash", m.BuildHash,
			"target", t.Name())
	}
	return res, nil
}

func checkRegression(ctx context.Context, t providers.Target, next string) error {
	data, err := t.Get(ctx, manifest.ManifestPath)
	if errors.Is(err, providers.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read existing manifest from %s: %w", t.Name(), err)
	}
	prev := gjson.GetBytes(data, "version").String()
	if prev == "" {
		log.Warn("existing manifest has no version, overwriting", "target", t.Name())
		return nil
	}
	if version.Compare(prev, next) == version.Greater {
		return fmt.Errorf("%w: %s has %s, releasing %s", ErrVersionRegression, t.Name(), prev, next)
	}
	return nil
}
