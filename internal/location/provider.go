package location

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vladgets/roadmate-tracker/internal/config"
	"github.com/vladgets/roadmate-tracker/internal/monitoring"
	"github.com/vladgets/roadmate-tracker/internal/track"
)

// ErrPermissionDenied is returned by sources when the platform refuses
// location access. It is fatal to Provider.Start.
var ErrPermissionDenied = errors.New("location permission denied")

// ErrAlreadyStarted is returned by Provider.Start when the provider is
// already running.
var ErrAlreadyStarted = errors.New("location provider already started")

// Source is the external positioning collaborator. Start begins delivering
// fixes tuned by params on the returned channel; Stop halts delivery and
// closes it.
type Source interface {
	Start(params Params) (<-chan track.Fix, error)
	Stop()
}

// Provider runs a Source under a named profile and republishes its fixes.
// Switching profile stops and restarts the source with new parameters;
// fixes emitted by the old incarnation during the switch are dropped, not
// queued.
type Provider struct {
	source Source
	cfg    *config.TuningConfig

	mu      sync.Mutex
	running bool
	profile Profile
	epoch   uint64

	out chan track.Fix
}

// NewProvider wraps source.
func NewProvider(source Source, cfg *config.TuningConfig) *Provider {
	return &Provider{source: source, cfg: cfg}
}

// Fixes returns the provider's fix stream. Valid after Start; closed by
// Stop.
func (p *Provider) Fixes() <-chan track.Fix {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out
}

// Profile returns the profile currently in effect.
func (p *Provider) Profile() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// Start begins acquisition under the given profile. Permission denial from
// the source is fatal and surfaces to the caller.
func (p *Provider) Start(profile Profile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyStarted
	}

	src, err := p.source.Start(ParamsFor(profile, p.cfg))
	if err != nil {
		return fmt.Errorf("start location source: %w", err)
	}

	p.running = true
	p.profile = profile
	p.epoch++
	p.out = make(chan track.Fix, 16)
	go p.forward(src, p.epoch)
	return nil
}

// SwitchProfile restarts the source under a new profile. A no-op when the
// profile is already in effect or the provider is stopped.
func (p *Provider) SwitchProfile(profile Profile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || profile == p.profile {
		return nil
	}

	// Invalidate the current epoch first so fixes in flight from the old
	// source incarnation are dropped rather than attributed to the new
	// profile.
	p.epoch++
	p.source.Stop()

	src, err := p.source.Start(ParamsFor(profile, p.cfg))
	if err != nil {
		// Best-effort continuation: keep the provider nominally running
		// so a later switch can recover.
		monitoring.Logf("profile switch to %s failed: %v", profile, err)
		return fmt.Errorf("restart location source: %w", err)
	}

	p.profile = profile
	go p.forward(src, p.epoch)
	monitoring.Logf("location profile switched to %s", profile)
	return nil
}

// Stop halts acquisition and closes the fix stream.
func (p *Provider) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.epoch++
	p.source.Stop()
	close(p.out)
	p.out = nil
}

// forward republishes fixes from one source incarnation while its epoch is
// current. It exits when the source channel closes.
func (p *Provider) forward(src <-chan track.Fix, epoch uint64) {
	for fix := range src {
		p.mu.Lock()
		if !p.running || epoch != p.epoch {
			// Mid-switch fix from a stale epoch.
			p.mu.Unlock()
			continue
		}
		// Non-blocking send while holding the lock keeps the close in
		// Stop ordered after any in-flight publish.
		select {
		case p.out <- fix:
		default:
			monitoring.Logf("fix dropped: consumer not keeping up")
		}
		p.mu.Unlock()
	}
}
