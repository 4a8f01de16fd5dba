// Package power monitors battery state and derives the power mode that
// drives location-profile selection.
package power

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vladgets/roadmate-tracker/internal/config"
	"github.com/vladgets/roadmate-tracker/internal/monitoring"
	"github.com/vladgets/roadmate-tracker/internal/timeutil"
)

// Mode is the derived power posture.
type Mode string

const (
	ModeNormal      Mode = "normal"
	ModePowerSaving Mode = "power_saving"
	ModeCritical    Mode = "critical"
)

// Status is one battery reading.
type Status struct {
	CapacityPct int
	Charging    bool
	SaverOn     bool
}

// Reader reads platform battery state. Implementations must be cheap; the
// manager polls on an interval.
type Reader interface {
	Read() (Status, error)
}

// Manager polls a Reader and publishes the derived Mode on change. A read
// failure is treated as Normal: tracking must not degrade because
// diagnostics failed.
type Manager struct {
	reader      Reader
	clock       timeutil.Clock
	period      time.Duration
	criticalPct int

	mode    Mode
	updates chan Mode
}

// NewManager builds a Manager. The initial mode is Normal until the first
// poll says otherwise.
func NewManager(reader Reader, clock timeutil.Clock, cfg *config.TuningConfig) *Manager {
	return &Manager{
		reader:      reader,
		clock:       clock,
		period:      cfg.GetBatteryPollPeriod(),
		criticalPct: cfg.GetCriticalBatteryPct(),
		mode:        ModeNormal,
		updates:     make(chan Mode, 4),
	}
}

// Updates delivers mode changes. Only transitions are sent.
func (m *Manager) Updates() <-chan Mode { return m.updates }

// Mode returns the last derived mode.
func (m *Manager) Mode() Mode { return m.mode }

// Run polls until ctx is cancelled. An immediate poll seeds the mode
// before the first tick.
func (m *Manager) Run(ctx context.Context) {
	m.Poll()
	ticker := m.clock.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			m.Poll()
		case <-ctx.Done():
			return
		}
	}
}

// Poll reads the battery once and publishes the mode if it changed.
func (m *Manager) Poll() {
	mode := ModeNormal
	status, err := m.reader.Read()
	if err != nil {
		// Fail open: a diagnostics failure must not throttle tracking.
		monitoring.Logf("battery read failed, assuming normal mode: %v", err)
	} else {
		mode = m.derive(status)
	}
	if mode == m.mode {
		return
	}
	m.mode = mode
	select {
	case m.updates <- mode:
	default:
		monitoring.Logf("battery mode update dropped: consumer not keeping up")
	}
}

func (m *Manager) derive(s Status) Mode {
	switch {
	case s.CapacityPct <= m.criticalPct && !s.Charging:
		return ModeCritical
	case s.SaverOn:
		return ModePowerSaving
	default:
		return ModeNormal
	}
}

// RecommendedAccuracy returns the location accuracy in meters appropriate
// for the given mode.
func RecommendedAccuracy(mode Mode) float64 {
	switch mode {
	case ModeCritical:
		return 500
	case ModePowerSaving:
		return 100
	default:
		return 10
	}
}

// RecommendedInterval returns the location sampling interval appropriate
// for the given mode.
func RecommendedInterval(mode Mode) time.Duration {
	switch mode {
	case ModeCritical:
		return 5 * time.Minute
	case ModePowerSaving:
		return 2 * time.Minute
	default:
		return 15 * time.Second
	}
}

// SysfsReader reads Linux battery state from /sys/class/power_supply.
type SysfsReader struct {
	// Root defaults to /sys/class/power_supply.
	Root string
	// Supply is the supply name, e.g. "BAT0". When empty the first BAT*
	// entry is used.
	Supply string
}

func (r *SysfsReader) root() string {
	if r.Root == "" {
		return "/sys/class/power_supply"
	}
	return r.Root
}

func (r *SysfsReader) supplyDir() (string, error) {
	if r.Supply != "" {
		return filepath.Join(r.root(), r.Supply), nil
	}
	matches, err := filepath.Glob(filepath.Join(r.root(), "BAT*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", os.ErrNotExist
	}
	return matches[0], nil
}

// Read implements Reader from sysfs capacity and status files.
func (r *SysfsReader) Read() (Status, error) {
	dir, err := r.supplyDir()
	if err != nil {
		return Status{}, err
	}

	capRaw, err := os.ReadFile(filepath.Join(dir, "capacity"))
	if err != nil {
		return Status{}, err
	}
	pct, err := strconv.Atoi(strings.TrimSpace(string(capRaw)))
	if err != nil {
		return Status{}, err
	}

	statusRaw, err := os.ReadFile(filepath.Join(dir, "status"))
	if err != nil {
		return Status{}, err
	}
	state := strings.TrimSpace(string(statusRaw))

	return Status{
		CapacityPct: pct,
		Charging:    state == "Charging" || state == "Full",
	}, nil
}
