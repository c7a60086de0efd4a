// Package push manages notification permission and the push subscription
// the background agent receives messages on.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dar-k-dev/p-progress/internal/httputil"
	"github.com/dar-k-dev/p-progress/internal/logging"
	"github.com/dar-k-dev/p-progress/internal/store"
	"github.com/dar-k-dev/p-progress/internal/websocket"
)

var log = logging.L("push")

var (
	// ErrPermissionDenied means the user has not granted notifications.
	ErrPermissionDenied = errors.New("push: notification permission denied")
	// ErrSubscriptionRevoked means the provider no longer knows the stored
	// endpoint. The record has been deleted; Subscribe again.
	ErrSubscriptionRevoked = errors.New("push: subscription revoked by provider")
	// ErrNotSubscribed means no subscription record exists.
	ErrNotSubscribed = errors.New("push: not subscribed")
)

const subscriptionsPath = "/api/v1/push/subscriptions"

// Keys are the credentials the provider issued with the endpoint.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is the persisted push registration.
type Subscription struct {
	Endpoint  string    `json:"endpoint"`
	Keys      Keys      `json:"keys"`
	CreatedAt time.Time `json:"createdAt"`
}

// Config configures a Manager.
type Config struct {
	PushURL  string
	ClientID string
	UserID   string

	HTTPClient *http.Client
	Retry      httputil.RetryConfig
}

// Handler receives every push message delivered to this client.
type Handler func(websocket.Message)

// Manager owns the subscription lifecycle.
type Manager struct {
	cfg      Config
	store    *store.Store
	prompter Prompter

	mu sync.Mutex

	listenerMu sync.Mutex
	handler    Handler
}

// NewManager creates a manager persisting its state in s.
func NewManager(cfg Config, s *store.Store, prompter Prompter) *Manager {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Manager{cfg: cfg, store: s, prompter: prompter}
}

// Permission returns the persisted decision, or "" if none was made.
func (m *Manager) Permission() (Permission, error) {
	var p Permission
	err := m.store.Get(store.KeyPermission, &p)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return p, err
}

// RequestPermission returns the user's decision, prompting only when none
// has been recorded. A denial is a result, not an error, and is never
// re-prompted.
func (m *Manager) RequestPermission(ctx context.Context) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestPermissionLocked(ctx)
}

func (m *Manager) requestPermissionLocked(ctx context.Context) (Permission, error) {
	p, err := m.Permission()
	if err != nil {
		return "", fmt.Errorf("read permission: %w", err)
	}
	if p != "" {
		return p, nil
	}

	p, err = m.prompter.Prompt(ctx)
	if err != nil {
		return "", err
	}
	if err := m.store.Put(store.KeyPermission, p); err != nil {
		return "", fmt.Errorf("persist permission: %w", err)
	}
	log.Info("notification permission decided", "permission", p)
	return p, nil
}

// ResetPermission forgets the recorded decision so the next
// RequestPermission prompts again.
func (m *Manager) ResetPermission() error {
	_, err := m.store.DeleteIfExists(store.KeyPermission)
	return err
}

// Current returns the stored subscription.
func (m *Manager) Current() (Subscription, error) {
	var sub Subscription
	err := m.store.Get(store.KeySubscription, &sub)
	if errors.Is(err, store.ErrNotFound) {
		return Subscription{}, ErrNotSubscribed
	}
	return sub, err
}

// Subscribe returns the existing subscription unchanged, or registers a new
// one with the push provider when none is stored.
func (m *Manager) Subscribe(ctx context.Context) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, err := m.Current(); err == nil {
		return sub, nil
	} else if !errors.Is(err, ErrNotSubscribed) {
		return Subscription{}, fmt.Errorf("read subscription: %w", err)
	}

	p, err := m.requestPermissionLocked(ctx)
	if err != nil {
		return Subscription{}, err
	}
	if p != PermissionGranted {
		return Subscription{}, ErrPermissionDenied
	}

	sub, err := m.register(ctx)
	if err != nil {
		return Subscription{}, err
	}
	if err := m.store.Put(store.KeySubscription, sub); err != nil {
		return Subscription{}, fmt.Errorf("persist subscription: %w", err)
	}
	log.Info("push subscription created", "endpoint", sub.Endpoint)
	return sub, nil
}

func (m *Manager) register(ctx context.Context) (Subscription, error) {
	body, err := json.Marshal(map[string]string{
		"clientId": m.cfg.ClientID,
		"userId":   m.cfg.UserID,
	})
	if err != nil {
		return Subscription{}, err
	}
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/json")

	target := strings.TrimRight(m.cfg.PushURL, "/") + subscriptionsPath
	resp, err := httputil.Do(ctx, m.cfg.HTTPClient, http.MethodPost, target, body, hdr, m.cfg.Retry)
	if err != nil {
		return Subscription{}, fmt.Errorf("register subscription: %w", err)
	}
	if err := httputil.CheckStatus(resp); err != nil {
		return Subscription{}, fmt.Errorf("register subscription: %w", err)
	}
	defer resp.Body.Close()

	var sub Subscription
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&sub); err != nil {
		return Subscription{}, fmt.Errorf("decode subscription: %w", err)
	}
	if sub.Endpoint == "" {
		return Subscription{}, fmt.Errorf("register subscription: provider returned no endpoint")
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	return sub, nil
}

// Validate asks the provider whether the stored endpoint is still live.
// A 404 or 410 deletes the record and returns ErrSubscriptionRevoked.
func (m *Manager) Validate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.Current()
	if err != nil {
		return err
	}

	resp, err := httputil.Do(ctx, m.cfg.HTTPClient, http.MethodGet, sub.Endpoint, nil, m.authHeader(sub), m.cfg.Retry)
	if err != nil {
		return fmt.Errorf("validate subscription: %w", err)
	}
	err = httputil.CheckStatus(resp)
	if err == nil {
		resp.Body.Close()
		return nil
	}

	switch httputil.StatusCode(err) {
	case http.StatusNotFound, http.StatusGone:
		if _, derr := m.store.DeleteIfExists(store.KeySubscription); derr != nil {
			return fmt.Errorf("drop revoked subscription: %w", derr)
		}
		log.Warn("push subscription revoked", "endpoint", sub.Endpoint)
		return ErrSubscriptionRevoked
	}
	return fmt.Errorf("validate subscription: %w", err)
}

// Unsubscribe removes the provider registration and the local record.
func (m *Manager) Unsubscribe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.Current()
	if errors.Is(err, ErrNotSubscribed) {
		return nil
	}
	if err != nil {
		return err
	}

	resp, err := httputil.Do(ctx, m.cfg.HTTPClient, http.MethodDelete, sub.Endpoint, nil, m.authHeader(sub), m.cfg.Retry)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	if err := httputil.CheckStatus(resp); err != nil {
		code := httputil.StatusCode(err)
		if code != http.StatusNotFound && code != http.StatusGone {
			return fmt.Errorf("unsubscribe: %w", err)
		}
	} else {
		resp.Body.Close()
	}

	if _, err := m.store.DeleteIfExists(store.KeySubscription); err != nil {
		return err
	}
	log.Info("push subscription removed", "endpoint", sub.Endpoint)
	return nil
}

// SetupMessageListener registers the delivery callback. Only the first
// registration takes effect; later calls return false.
func (m *Manager) SetupMessageListener(h Handler) bool {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	if m.handler != nil || h == nil {
		return false
	}
	m.handler = h
	return true
}

func (m *Manager) listener() Handler {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	return m.handler
}

// Listen connects the push transport for the stored subscription and
// delivers messages to the registered listener until ctx is done. If the
// provider drops the endpoint the record is deleted and Listen returns
// ErrSubscriptionRevoked.
func (m *Manager) Listen(ctx context.Context) error {
	h := m.listener()
	if h == nil {
		return errors.New("push: no message listener registered")
	}
	sub, err := m.Current()
	if err != nil {
		return err
	}

	client := websocket.New(websocket.Config{
		Endpoint: sub.Endpoint,
		Header:   m.authHeader(sub),
	}, websocket.Listener(h))
	go func() {
		<-ctx.Done()
		client.Stop()
	}()
	err = client.Run(ctx)
	if !errors.Is(err, websocket.ErrEndpointGone) {
		return err
	}
	return m.dropRevoked(sub)
}

func (m *Manager) dropRevoked(sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.store.DeleteIfExists(store.KeySubscription); err != nil {
		return fmt.Errorf("drop revoked subscription: %w", err)
	}
	log.Warn("push subscription revoked", "endpoint", sub.Endpoint)
	return ErrSubscriptionRevoked
}

func (m *Manager) authHeader(sub Subscription) http.Header {
	h := http.Header{}
	if sub.Keys.Auth != "" {
		h.Set("Authorization", "Bearer "+sub.Keys.Auth)
	}
	if sub.Keys.P256dh != "" {
		h.Set("Crypto-Key", "p256dh="+sub.Keys.P256dh)
	}
	return h
}
