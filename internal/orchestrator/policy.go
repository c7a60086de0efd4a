package orchestrator

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/dar-k-dev/p-progress/internal/manifest"
)

// ClientContext is what rollout gating knows about this client.
type ClientContext struct {
	ClientID string
	Region   string
}

// Preferences are the user's update settings.
type Preferences struct {
	AutoUpdate bool
}

// OfferPolicy decides whether a release is offered to a client at all.
type OfferPolicy func(m *manifest.Manifest, c ClientContext) bool

// ApplyPolicy decides whether an offered release installs without asking.
type ApplyPolicy func(m *manifest.Manifest, p Preferences) bool

// DefaultOfferPolicies gate on region and rollout percentage.
func DefaultOfferPolicies() []OfferPolicy {
	return []OfferPolicy{RegionPolicy, PercentagePolicy}
}

// DefaultApplyPolicies auto-apply critical releases and, with the user's
// opt-in, everything else.
func DefaultApplyPolicies() []ApplyPolicy {
	return []ApplyPolicy{CriticalPolicy, OptInPolicy}
}

// IsOffered reports whether m is offered to c. Critical releases bypass
// every gate; otherwise all policies must agree.
func IsOffered(m *manifest.Manifest, c ClientContext, policies ...OfferPolicy) bool {
	if m.Critical {
		return true
	}
	for _, p := range policies {
		if !p(m, c) {
			return false
		}
	}
	return true
}

// MustAutoApply reports whether any policy asks for installation without
// user action.
func MustAutoApply(m *manifest.Manifest, prefs Preferences, policies ...ApplyPolicy) bool {
	for _, p := range policies {
		if p(m, prefs) {
			return true
		}
	}
	return false
}

func RegionPolicy(m *manifest.Manifest, c ClientContext) bool {
	return m.Rollout.CoversRegion(c.Region)
}

func PercentagePolicy(m *manifest.Manifest, c ClientContext) bool {
	return Bucket(c.ClientID, m.Version) < m.Rollout.Percentage
}

func CriticalPolicy(m *manifest.Manifest, _ Preferences) bool {
	return m.Critical
}

func OptInPolicy(_ *manifest.Manifest, p Preferences) bool {
	return p.AutoUpdate
}

// Bucket places a client in [0, 100) for a release. The same client lands
// in the same bucket for a version, and buckets reshuffle per version so the
// same clients are not always first.
func Bucket(clientID, ver string) int {
	sum := sha256.Sum256([]byte(clientID + ":" + ver))
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}

// DefaultClientID returns the host's stable id, falling back to its hostname.
func DefaultClientID() string {
	if id, err := host.HostID(); err == nil && id != "" {
		return id
	}
	if info, err := host.Info(); err == nil {
		return info.Hostname
	}
	return "unknown"
}
