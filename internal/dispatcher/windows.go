package dispatcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/skratchdot/open-golang/open"
)

// Window is an application window the agent can see.
type Window struct {
	ID  string
	URL string
}

// Windows finds, focuses and opens application windows.
type Windows interface {
	// List returns open windows, most recently used first.
	List(ctx context.Context) ([]Window, error)
	Focus(ctx context.Context, id string) error
	Navigate(ctx context.Context, id, target string) error
	Open(ctx context.Context, target string) (Window, error)
}

// BrowserWindows opens URLs in the system browser and remembers the windows
// it opened. Focus re-opens the window's URL, which raises the existing tab
// in common browsers.
type BrowserWindows struct {
	mu      sync.Mutex
	seq     int
	windows []Window
	run     func(string) error
}

func NewBrowserWindows() *BrowserWindows {
	return &BrowserWindows{run: open.Run}
}

func (b *BrowserWindows) List(context.Context) ([]Window, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Window, 0, len(b.windows))
	for i := len(b.windows) - 1; i >= 0; i-- {
		out = append(out, b.windows[i])
	}
	return out, nil
}

func (b *BrowserWindows) Focus(_ context.Context, id string) error {
	w, ok := b.find(id)
	if !ok {
		return fmt.Errorf("window %s not found", id)
	}
	b.touch(id)
	return b.run(w.URL)
}

func (b *BrowserWindows) Navigate(_ context.Context, id, target string) error {
	b.mu.Lock()
	found := false
	for i := range b.windows {
		if b.windows[i].ID == id {
			b.windows[i].URL = target
			found = true
		}
	}
	b.mu.Unlock()
	if !found {
		return fmt.Errorf("window %s not found", id)
	}
	return b.run(target)
}

func (b *BrowserWindows) Open(_ context.Context, target string) (Window, error) {
	if err := b.run(target); err != nil {
		return Window{}, fmt.Errorf("open %s: %w", target, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	w := Window{ID: fmt.Sprintf("w-%d", b.seq), URL: target}
	b.windows = append(b.windows, w)
	return w, nil
}

func (b *BrowserWindows) find(id string) (Window, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range b.windows {
		if w.ID == id {
			return w, true
		}
	}
	return Window{}, false
}

func (b *BrowserWindows) touch(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.windows {
		if w.ID == id {
			b.windows = append(append(b.windows[:i:i], b.windows[i+1:]...), w)
			return
		}
	}
}

// sameOrigin reports whether raw is on origin.
func sameOrigin(origin *url.URL, raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, origin.Scheme) && strings.EqualFold(u.Host, origin.Host)
}

// resolve turns a path or absolute URL from a payload into an absolute URL
// on origin. Off-origin URLs are rejected.
func resolve(origin *url.URL, ref string) (string, error) {
	if ref == "" {
		ref = defaultURL
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	abs := origin.ResolveReference(r)
	if !sameOrigin(origin, abs.String()) {
		return "", fmt.Errorf("url %q is not on origin %s", ref, origin.Host)
	}
	return abs.String(), nil
}
