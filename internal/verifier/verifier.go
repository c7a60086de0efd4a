// Package verifier checks that a deployment serves a consistent release.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dar-k-dev/p-progress/internal/health"
	"github.com/dar-k-dev/p-progress/internal/httputil"
	"github.com/dar-k-dev/p-progress/internal/logging"
	"github.com/dar-k-dev/p-progress/internal/manifest"
	"github.com/dar-k-dev/p-progress/internal/version"
)

var log = logging.L("verifier")

// maxBody caps how much of any endpoint is read.
const maxBody = 4 << 20

// CrossCheck is the name of the manifest/version.json consistency check.
const CrossCheck = "consistency"

// Config configures a Verifier.
type Config struct {
	// Scripts are agent script paths relative to the base URL.
	Scripts []string
	// Timeout bounds each request.
	Timeout time.Duration
	Client  *http.Client
}

// Verifier fetches the published endpoints of a deployment.
type Verifier struct {
	scripts []string
	timeout time.Duration
	client  *http.Client
	now     func() time.Time
}

func New(cfg Config) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &Verifier{
		scripts: cfg.Scripts,
		timeout: cfg.Timeout,
		client:  cfg.Client,
		now:     time.Now,
	}
}

// Report is the outcome of one verification run.
type Report struct {
	BaseURL   string
	CheckedAt time.Time
	Checks    []health.Check
	Overall   health.Status

	Manifest *manifest.Manifest
	Info     *manifest.Info

	// Reference is the expected version; empty when none was supplied.
	Reference  string
	Comparison version.Ordering
}

// VersionMatches reports whether the deployed manifest carries the
// reference version. It is true when no reference was given.
func (r *Report) VersionMatches() bool {
	if r.Reference == "" {
		return true
	}
	return r.Manifest != nil && r.Comparison == version.Equal
}

// OK reports whether every check passed and the version matched.
func (r *Report) OK() bool {
	return r.Overall == health.Healthy && r.VersionMatches()
}

// Verify checks every endpoint under baseURL. Endpoint failures are recorded
// in the report, never returned; only a malformed base URL is an error.
func (v *Verifier) Verify(ctx context.Context, baseURL, reference string) (*Report, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}

	mon := health.NewMonitor()
	report := &Report{BaseURL: base.String(), CheckedAt: v.now(), Reference: reference}

	if body, err := v.fetch(ctx, base, manifest.ManifestPath, true); err != nil {
		mon.Update(manifest.ManifestPath, health.Unhealthy, err.Error())
	} else if m, err := manifest.Decode(body); err != nil {
		mon.Update(manifest.ManifestPath, health.Unhealthy, err.Error())
	} else {
		report.Manifest = m
		mon.Update(manifest.ManifestPath, health.Healthy, "version "+m.Version)
	}

	if body, err := v.fetch(ctx, base, manifest.VersionPath, true); err != nil {
		mon.Update(manifest.VersionPath, health.Unhealthy, err.Error())
	} else if info, err := manifest.DecodeInfo(body); err != nil {
		mon.Update(manifest.VersionPath, health.Unhealthy, err.Error())
	} else {
		report.Info = info
		mon.Update(manifest.VersionPath, health.Healthy, "version "+info.Version)
	}

	for _, script := range v.scripts {
		body, err := v.fetch(ctx, base, script, false)
		switch {
		case err != nil:
			mon.Update(script, health.Unhealthy, err.Error())
		case len(strings.TrimSpace(string(body))) == 0:
			mon.Update(script, health.Unhealthy, "empty response")
		default:
			mon.Update(script, health.Healthy, fmt.Sprintf("%d bytes", len(body)))
		}
	}

	if report.Manifest != nil && report.Info != nil {
		switch {
		case version.Compare(report.Manifest.Version, report.Info.Version) != version.Equal:
			mon.Update(CrossCheck, health.Degraded, fmt.Sprintf("manifest version %s, version.json %s", report.Manifest.Version, report.Info.Version))
		case report.Manifest.BuildHash != report.Info.BuildHash:
			mon.Update(CrossCheck, health.Degraded, fmt.Sprintf("manifest buildHash %s, version.json %s", report.Manifest.BuildHash, report.Info.BuildHash))
		default:
			mon.Update(CrossCheck, health.Healthy, "buildHash "+report.Manifest.BuildHash)
		}
	}

	if reference != "" && report.Manifest != nil {
		report.Comparison = version.Compare(report.Manifest.Version, reference)
	}

	report.Checks = mon.All()
	report.Overall = mon.Overall()
	log.Info("deployment verified",
		"base", report.BaseURL,
		"status", string(report.Overall),
		"versionMatch", report.VersionMatches())
	return report, nil
}

func (v *Verifier) fetch(ctx context.Context, base *url.URL, rel string, bust bool) ([]byte, error) {
	target := base.JoinPath(rel).String()
	if bust {
		var err error
		if target, err = httputil.CacheBust(target, v.now()); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	resp, err := httputil.Do(ctx, v.client, http.MethodGet, target, nil, httputil.NoCacheHeaders(), httputil.NoRetry())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s", v.timeout)
		}
		return nil, err
	}
	if err := httputil.CheckStatus(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: need http(s)://host", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
