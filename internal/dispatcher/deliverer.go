package dispatcher

import (
	"context"
	"net/http"
	"time"

	"github.com/dar-k-dev/p-progress/internal/httputil"
)

// Deliverer sends an outbound message to the app server.
type Deliverer interface {
	Deliver(ctx context.Context, target string, body []byte) error
}

// HTTPDeliverer POSTs JSON bodies.
type HTTPDeliverer struct {
	Client *http.Client
	Retry  httputil.RetryConfig
}

func NewHTTPDeliverer(timeout time.Duration) *HTTPDeliverer {
	return &HTTPDeliverer{
		Client: &http.Client{Timeout: timeout},
		Retry:  httputil.NoRetry(),
	}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, target string, body []byte) error {
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")
	resp, err := httputil.Do(ctx, d.Client, http.MethodPost, target, body, hdr, d.Retry)
	if err != nil {
		return err
	}
	if err := httputil.CheckStatus(resp); err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
