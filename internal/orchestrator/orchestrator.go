// Package orchestrator drives the client's update state machine:
//
//	IDLE → CHECKING → {NO_UPDATE → IDLE | AVAILABLE} → DOWNLOADING → {APPLIED | FAILED → AVAILABLE}
//
// Checks are coalesced so concurrent triggers share one manifest fetch.
// Observers receive a copy of the state after every transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dar-k-dev/p-progress/internal/logging"
	"github.com/dar-k-dev/p-progress/internal/manifest"
	"github.com/dar-k-dev/p-progress/internal/metrics"
	"github.com/dar-k-dev/p-progress/internal/updater"
	"github.com/dar-k-dev/p-progress/internal/version"
)

var log = logging.L("orchestrator")

// Phase is a state machine state.
type Phase string

const (
	PhaseIdle        Phase = "IDLE"
	PhaseChecking    Phase = "CHECKING"
	PhaseNoUpdate    Phase = "NO_UPDATE"
	PhaseAvailable   Phase = "AVAILABLE"
	PhaseDownloading Phase = "DOWNLOADING"
	PhaseApplied     Phase = "APPLIED"
	PhaseFailed      Phase = "FAILED"
)

var allPhases = []string{
	string(PhaseIdle), string(PhaseChecking), string(PhaseNoUpdate), string(PhaseAvailable),
	string(PhaseDownloading), string(PhaseApplied), string(PhaseFailed),
}

var (
	// ErrNoUpdate is returned by Apply when no update is available.
	ErrNoUpdate = errors.New("orchestrator: no update available")
	// ErrApplyInProgress is returned by Apply while a download is running.
	ErrApplyInProgress = errors.New("orchestrator: update already in progress")
)

// State is a snapshot of the orchestrator. Available points at an immutable
// manifest.
type State struct {
	Phase            Phase
	Available        *manifest.Manifest
	Progress         float64
	LastCheckedAt    time.Time
	LastError        error
	InstalledVersion string
}

// Installer downloads and installs a release package.
type Installer interface {
	Apply(ctx context.Context, a updater.Artifact, progress updater.ProgressFunc) error
}

// VersionStore records the installed version.
type VersionStore interface {
	InstalledVersion(fallback string) (string, error)
	SetInstalledVersion(v string) error
}

// Config configures an Orchestrator.
type Config struct {
	Client ClientContext
	Prefs  Preferences

	// CurrentVersion is used until the store records an installed version.
	CurrentVersion string

	CheckInterval  time.Duration
	AutoApplyDelay time.Duration

	OfferPolicies []OfferPolicy
	ApplyPolicies []ApplyPolicy
}

// Orchestrator owns the single update state of a client.
type Orchestrator struct {
	cfg       Config
	fetcher   Fetcher
	installer Installer
	versions  VersionStore

	mu        sync.Mutex
	state     State
	prefs     Preferences
	autoTimer *time.Timer
	// autoGen invalidates timers that fired but have not yet taken mu.
	autoGen uint64

	group singleflight.Group

	subMu  sync.Mutex
	subs   map[int]chan State
	nextID int

	bg     context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// New creates an orchestrator in IDLE.
func New(cfg Config, fetcher Fetcher, installer Installer, versions VersionStore) *Orchestrator {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Minute
	}
	if cfg.AutoApplyDelay < 0 {
		cfg.AutoApplyDelay = 0
	}
	if cfg.OfferPolicies == nil {
		cfg.OfferPolicies = DefaultOfferPolicies()
	}
	if cfg.ApplyPolicies == nil {
		cfg.ApplyPolicies = DefaultApplyPolicies()
	}

	bg, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		fetcher:   fetcher,
		installer: installer,
		versions:  versions,
		prefs:     cfg.Prefs,
		subs:      make(map[int]chan State),
		bg:        bg,
		cancel:    cancel,
		now:       time.Now,
	}
	o.state = State{Phase: PhaseIdle, InstalledVersion: o.installedVersion()}
	metrics.SetPhase(string(PhaseIdle), allPhases)
	return o
}

// State returns a snapshot.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetPreferences updates the user's preferences. Turning auto-update on
// while an update is available schedules it.
func (o *Orchestrator) SetPreferences(p Preferences) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prefs = p
	if o.state.Phase == PhaseAvailable && o.state.Available != nil {
		o.scheduleAutoApplyLocked(o.state.Available)
	}
}

// Subscribe returns a channel receiving the state after every transition,
// starting with the current one. Slow observers only see the latest state.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	o.mu.Lock()
	ch <- o.state
	o.subMu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	o.subMu.Unlock()
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subs, id)
			o.subMu.Unlock()
		})
	}
}

// setLocked records a transition and tells observers. Callers hold o.mu.
func (o *Orchestrator) setLocked(phase Phase) {
	prev := o.state.Phase
	o.state.Phase = phase
	metrics.SetPhase(string(phase), allPhases)
	if prev != phase {
		log.Debug("phase changed", "from", prev, logging.KeyPhase, phase)
	}
	o.publishLocked()
}

func (o *Orchestrator) publishLocked() {
	st := o.state
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

func (o *Orchestrator) installedVersion() string {
	if o.versions == nil {
		return o.cfg.CurrentVersion
	}
	v, err := o.versions.InstalledVersion(o.cfg.CurrentVersion)
	if err != nil {
		log.Warn("read installed version", logging.KeyError, err)
		return o.cfg.CurrentVersion
	}
	return v
}

// Check fetches the manifest and settles in AVAILABLE or IDLE. Concurrent
// calls join the in-flight check. A check never interrupts a download.
func (o *Orchestrator) Check(ctx context.Context) (State, error) {
	ch := o.group.DoChan("check", func() (any, error) {
		return o.check(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		st, _ := res.Val.(State)
		return st, res.Err
	case <-ctx.Done():
		return o.State(), ctx.Err()
	}
}

// TriggerCheck starts a check in the background.
func (o *Orchestrator) TriggerCheck() {
	go func() {
		if _, err := o.Check(o.bg); err != nil && !errors.Is(err, context.Canceled) {
			log.Debug("triggered check failed", logging.KeyError, err)
		}
	}()
}

func (o *Orchestrator) check(ctx context.Context) (State, error) {
	o.mu.Lock()
	if o.state.Phase == PhaseDownloading {
		st := o.state
		o.mu.Unlock()
		return st, nil
	}
	o.setLocked(PhaseChecking)
	o.mu.Unlock()

	m, err := o.fetcher.Fetch(ctx)
	current := o.installedVersion()

	o.mu.Lock()
	defer o.mu.Unlock()

	// An apply whose version could not be persisted is still installed.
	if version.IsNewer(o.state.InstalledVersion, current) {
		current = o.state.InstalledVersion
	}
	o.state.LastCheckedAt = o.now().UTC()
	o.state.InstalledVersion = current

	if err != nil {
		o.state.LastError = err
		o.state.Available = nil
		o.stopAutoApplyLocked()
		metrics.RecordCheck("error")
		log.Warn("update check failed", logging.KeyError, err)
		o.setLocked(PhaseIdle)
		return o.state, err
	}
	o.state.LastError = nil

	if !version.IsNewer(m.Version, current) {
		metrics.RecordCheck("up_to_date")
		return o.settleNoUpdateLocked(), nil
	}
	if !IsOffered(m, o.cfg.Client, o.cfg.OfferPolicies...) {
		metrics.RecordCheck("not_offered")
		log.Debug("update not offered to this client", logging.KeyVersion, m.Version)
		return o.settleNoUpdateLocked(), nil
	}

	metrics.RecordCheck("available")
	o.state.Available = m
	o.state.Progress = 0
	log.Info("update available", logging.KeyVersion, m.Version, "critical", m.Critical, "installed", current)
	o.setLocked(PhaseAvailable)
	o.scheduleAutoApplyLocked(m)
	return o.state, nil
}

func (o *Orchestrator) settleNoUpdateLocked() State {
	o.state.Available = nil
	o.stopAutoApplyLocked()
	o.setLocked(PhaseNoUpdate)
	o.setLocked(PhaseIdle)
	return o.state
}

func (o *Orchestrator) scheduleAutoApplyLocked(m *manifest.Manifest) {
	o.stopAutoApplyLocked()
	if !MustAutoApply(m, o.prefs, o.cfg.ApplyPolicies...) {
		return
	}
	log.Info("auto-apply scheduled", logging.KeyVersion, m.Version, "delay", o.cfg.AutoApplyDelay)
	gen := o.autoGen
	o.autoTimer = time.AfterFunc(o.cfg.AutoApplyDelay, func() { o.autoApply(gen) })
}

func (o *Orchestrator) stopAutoApplyLocked() {
	o.autoGen++
	if o.autoTimer != nil {
		o.autoTimer.Stop()
		o.autoTimer = nil
	}
}

func (o *Orchestrator) autoApply(gen uint64) {
	o.mu.Lock()
	if gen != o.autoGen {
		o.mu.Unlock()
		return
	}
	m, err := o.beginApplyLocked()
	o.mu.Unlock()
	if err != nil {
		return
	}
	if err := o.finishApply(o.bg, m); err != nil {
		log.Warn("auto-apply failed", logging.KeyError, err)
	}
}

// Apply downloads and installs the available update. On failure the state
// passes through FAILED and returns to AVAILABLE; nothing retries on its own.
func (o *Orchestrator) Apply(ctx context.Context) error {
	o.mu.Lock()
	m, err := o.beginApplyLocked()
	o.mu.Unlock()
	if err != nil {
		return err
	}
	return o.finishApply(ctx, m)
}

func (o *Orchestrator) beginApplyLocked() (*manifest.Manifest, error) {
	switch o.state.Phase {
	case PhaseDownloading:
		return nil, ErrApplyInProgress
	case PhaseAvailable:
	default:
		return nil, ErrNoUpdate
	}
	m := o.state.Available
	o.stopAutoApplyLocked()
	o.state.Progress = 0
	o.state.LastError = nil
	o.setLocked(PhaseDownloading)
	return m, nil
}

func (o *Orchestrator) finishApply(ctx context.Context, m *manifest.Manifest) error {
	err := o.install(ctx, m)

	o.mu.Lock()
	defer o.mu.Unlock()

	if err != nil {
		o.state.LastError = err
		log.Error("update failed", logging.KeyVersion, m.Version, logging.KeyError, err)
		o.setLocked(PhaseFailed)
		o.state.Progress = 0
		o.setLocked(PhaseAvailable)
		return err
	}

	o.state.Progress = 1
	o.state.InstalledVersion = m.Version
	o.setLocked(PhaseApplied)
	return nil
}

func (o *Orchestrator) install(ctx context.Context, m *manifest.Manifest) error {
	if o.installer == nil {
		return errors.New("no installer configured")
	}
	if m.DownloadURL == "" {
		return fmt.Errorf("manifest %s has no download url", m.Version)
	}

	artifact := updater.Artifact{
		Version:  m.Version,
		URL:      m.DownloadURL,
		Size:     m.Size,
		Checksum: m.Checksum,
	}
	err := o.installer.Apply(ctx, artifact, func(done, total int64) {
		if total <= 0 {
			return
		}
		frac := float64(done) / float64(total)
		if frac > 1 {
			frac = 1
		}
		o.mu.Lock()
		o.state.Progress = frac
		o.publishLocked()
		o.mu.Unlock()
	})
	if err != nil {
		return err
	}
	// The package is installed at this point; a store failure is only logged.
	if o.versions != nil {
		if err := o.versions.SetInstalledVersion(m.Version); err != nil {
			log.Error("record installed version", logging.KeyVersion, m.Version, logging.KeyError, err)
		}
	}
	return nil
}

// Run checks once immediately and then on every interval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()

	o.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Check(ctx)
		}
	}
}

// Close cancels background work and pending auto-apply.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.stopAutoApplyLocked()
	o.mu.Unlock()
	o.cancel()
}
