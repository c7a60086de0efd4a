// Package manifest defines the published release records and their wire
// format.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dar-k-dev/p-progress/internal/version"
)

// Well-known relative paths clients poll.
const (
	ManifestPath = "update-manifest.json"
	VersionPath  = "version.json"
)

// AllRegions is the rollout wildcard.
const AllRegions = "all"

// BuildHashLength is the number of hex characters kept from the digest.
const BuildHashLength = 16

// Rollout restricts which clients are offered a release.
type Rollout struct {
	Percentage int      `json:"percentage" validate:"gte=0,lte=100"`
	Regions    []string `json:"regions" validate:"required,min=1,dive,required"`
}

// Manifest is the authoritative record describing the latest release.
type Manifest struct {
	Version        string    `json:"version" validate:"required,version"`
	Timestamp      time.Time `json:"timestamp" validate:"required"`
	Changes        []string  `json:"changes"`
	DownloadURL    string    `json:"downloadUrl" validate:"omitempty,url"`
	Size           int64     `json:"size" validate:"gte=0"`
	Critical       bool      `json:"critical"`
	Rollout        Rollout   `json:"rollout"`
	BuildHash      string    `json:"buildHash" validate:"required,hexadecimal"`
	DeploymentTime time.Time `json:"deploymentTime"`
	// Checksum is "sha256:<hex>" of the downloadable artifact. Optional.
	Checksum string `json:"checksum,omitempty" validate:"omitempty,startswith=sha256:"`
}

// Info is the lightweight companion record published next to the manifest.
type Info struct {
	Version   string    `json:"version" validate:"required,version"`
	BuildHash string    `json:"buildHash" validate:"required,hexadecimal"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// Info derives the companion record.
func (m *Manifest) Info() Info {
	return Info{Version: m.Version, BuildHash: m.BuildHash, Timestamp: m.Timestamp}
}

// CoversRegion reports whether region is part of the rollout.
func (r Rollout) CoversRegion(region string) bool {
	for _, candidate := range r.Regions {
		if strings.EqualFold(candidate, AllRegions) || strings.EqualFold(candidate, region) {
			return true
		}
	}
	return false
}

// BuildHash fingerprints a build from its version and publish time. It names
// a deployment; it says nothing about the artifact's contents.
func BuildHash(ver string, publishedAt time.Time) string {
	sum := sha256.Sum256([]byte(ver + "-" + publishedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:BuildHashLength]
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("version", func(fl validator.FieldLevel) bool {
		return version.Valid(fl.Field().String())
	})
	return v
}

// Validate checks the manifest against its schema.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	return nil
}

// Validate checks the version record against its schema.
func (i *Info) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("invalid version info: %w", err)
	}
	return nil
}

// Decode parses and validates a manifest document.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeInfo parses and validates a version record.
func DecodeInfo(data []byte) (*Info, error) {
	var i Info
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, fmt.Errorf("parse version info: %w", err)
	}
	if err := i.Validate(); err != nil {
		return nil, err
	}
	return &i, nil
}

// Encode renders a document the way it is published: indented, trailing newline.
func Encode(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
