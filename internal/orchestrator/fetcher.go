package orchestrator

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dar-k-dev/p-progress/internal/httputil"
	"github.com/dar-k-dev/p-progress/internal/manifest"
	"github.com/dar-k-dev/p-progress/internal/metrics"
)

const maxManifestBytes = 1 << 20

// Fetcher retrieves the published manifest.
type Fetcher interface {
	Fetch(ctx context.Context) (*manifest.Manifest, error)
}

// HTTPFetcher fetches {BaseURL}/update-manifest.json bypassing caches.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPFetcher returns a fetcher that gives up after timeout.
func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (*manifest.Manifest, error) {
	metrics.RecordManifestFetch()
	target := strings.TrimRight(f.BaseURL, "/") + "/" + manifest.ManifestPath
	body, err := httputil.GetFresh(ctx, f.Client, target, maxManifestBytes, httputil.NoRetry())
	if err != nil {
		return nil, err
	}
	return manifest.Decode(body)
}
