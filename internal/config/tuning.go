// Package config loads the tracker tuning parameters from JSON. Fields are
// pointer-typed so partial files are safe: any field left out of the JSON
// keeps its built-in default, served by the Get* accessors.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Default tuning values. These are the single source of truth; the Get*
// accessors fall back to them when the JSON omits a field.
const (
	DefaultStillThresholdMPS   = 0.5
	DefaultWalkingThresholdMPS = 2.5
	DefaultVehicleThresholdMPS = 6.0

	DefaultStabilizationWindow   = 20 * time.Second
	DefaultHighConfidence        = 0.85
	DefaultConfirmationsRequired = 3

	DefaultAcquisitionWindow    = 20 * time.Second
	DefaultAcquisitionMaxFixes  = 8
	DefaultAcquisitionMinFixes  = 3
	DefaultMaxFixAccuracyMeters = 50.0
	DefaultFixAccuracyMeters    = 30.0
	DefaultStopRadiusMeters     = 40.0
	DefaultMinDwell             = 2 * time.Minute
	DefaultVehicleDwell         = 3 * time.Minute

	DefaultIdleFloorInterval  = 60 * time.Second
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultBatteryPollPeriod  = 60 * time.Second
	DefaultSyncInterval       = 30 * time.Second
	DefaultSyncBatchSize      = 50
	DefaultSyncSegmentsCap    = 20
	DefaultCriticalBatteryPct = 10
)

// TuningConfig is the root tuning schema. Duration fields are strings like
// "20s" so the same JSON can be edited by hand and posted at runtime.
type TuningConfig struct {
	// Activity classification speed bands (m/s)
	StillThreshold   *float64 `json:"still_threshold_mps,omitempty"`
	WalkingThreshold *float64 `json:"walking_threshold_mps,omitempty"`
	VehicleThreshold *float64 `json:"vehicle_threshold_mps,omitempty"`

	// State machine stabilization
	StabilizationWindow   *string  `json:"stabilization_window,omitempty"`
	HighConfidence        *float64 `json:"high_confidence,omitempty"`
	ConfirmationsRequired *int     `json:"confirmations_required,omitempty"`

	// Stop detection
	AcquisitionWindow   *string  `json:"acquisition_window,omitempty"`
	AcquisitionMaxFixes *int     `json:"acquisition_max_fixes,omitempty"`
	AcquisitionMinFixes *int     `json:"acquisition_min_fixes,omitempty"`
	MaxFixAccuracy      *float64 `json:"max_fix_accuracy_m,omitempty"`
	DefaultFixAccuracy  *float64 `json:"default_fix_accuracy_m,omitempty"`
	StopRadius          *float64 `json:"stop_radius_m,omitempty"`
	MinDwell            *string  `json:"min_dwell,omitempty"`
	VehicleDwell        *string  `json:"vehicle_dwell,omitempty"`

	// Scheduling
	IdleFloorInterval  *string `json:"idle_floor_interval,omitempty"`
	HeartbeatInterval  *string `json:"heartbeat_interval,omitempty"`
	BatteryPollPeriod  *string `json:"battery_poll_period,omitempty"`
	CriticalBatteryPct *int    `json:"critical_battery_pct,omitempty"`

	// Sync
	SyncInterval    *string `json:"sync_interval,omitempty"`
	SyncBatchSize   *int    `json:"sync_batch_size,omitempty"`
	SyncSegmentsCap *int    `json:"sync_segments_cap,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with every field nil, so every
// accessor serves its default.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Omitted fields
// retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency of the supplied values.
func (c *TuningConfig) Validate() error {
	still := c.GetStillThreshold()
	walking := c.GetWalkingThreshold()
	vehicle := c.GetVehicleThreshold()
	if still <= 0 || walking <= still || vehicle <= walking {
		return fmt.Errorf("speed bands must satisfy 0 < still (%v) < walking (%v) < vehicle (%v)",
			still, walking, vehicle)
	}
	if hc := c.GetHighConfidence(); hc <= 0 || hc > 1 {
		return fmt.Errorf("high_confidence must be in (0, 1], got %v", hc)
	}
	if n := c.GetConfirmationsRequired(); n < 1 {
		return fmt.Errorf("confirmations_required must be >= 1, got %d", n)
	}
	if c.GetAcquisitionMinFixes() > c.GetAcquisitionMaxFixes() {
		return fmt.Errorf("acquisition_min_fixes (%d) exceeds acquisition_max_fixes (%d)",
			c.GetAcquisitionMinFixes(), c.GetAcquisitionMaxFixes())
	}
	if r := c.GetStopRadius(); r <= 0 {
		return fmt.Errorf("stop_radius_m must be positive, got %v", r)
	}
	for name, field := range map[string]*string{
		"stabilization_window": c.StabilizationWindow,
		"acquisition_window":   c.AcquisitionWindow,
		"min_dwell":            c.MinDwell,
		"vehicle_dwell":        c.VehicleDwell,
		"idle_floor_interval":  c.IdleFloorInterval,
		"heartbeat_interval":   c.HeartbeatInterval,
		"battery_poll_period":  c.BatteryPollPeriod,
		"sync_interval":        c.SyncInterval,
	} {
		if field == nil {
			continue
		}
		if _, err := time.ParseDuration(*field); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c *TuningConfig) GetStillThreshold() float64 {
	return floatOr(c.StillThreshold, DefaultStillThresholdMPS)
}

func (c *TuningConfig) GetWalkingThreshold() float64 {
	return floatOr(c.WalkingThreshold, DefaultWalkingThresholdMPS)
}

func (c *TuningConfig) GetVehicleThreshold() float64 {
	return floatOr(c.VehicleThreshold, DefaultVehicleThresholdMPS)
}

func (c *TuningConfig) GetStabilizationWindow() time.Duration {
	return durationOr(c.StabilizationWindow, DefaultStabilizationWindow)
}

func (c *TuningConfig) GetHighConfidence() float64 {
	return floatOr(c.HighConfidence, DefaultHighConfidence)
}

func (c *TuningConfig) GetConfirmationsRequired() int {
	return intOr(c.ConfirmationsRequired, DefaultConfirmationsRequired)
}

func (c *TuningConfig) GetAcquisitionWindow() time.Duration {
	return durationOr(c.AcquisitionWindow, DefaultAcquisitionWindow)
}

func (c *TuningConfig) GetAcquisitionMaxFixes() int {
	return intOr(c.AcquisitionMaxFixes, DefaultAcquisitionMaxFixes)
}

func (c *TuningConfig) GetAcquisitionMinFixes() int {
	return intOr(c.AcquisitionMinFixes, DefaultAcquisitionMinFixes)
}

func (c *TuningConfig) GetMaxFixAccuracy() float64 {
	return floatOr(c.MaxFixAccuracy, DefaultMaxFixAccuracyMeters)
}

func (c *TuningConfig) GetDefaultFixAccuracy() float64 {
	return floatOr(c.DefaultFixAccuracy, DefaultFixAccuracyMeters)
}

func (c *TuningConfig) GetStopRadius() float64 {
	return floatOr(c.StopRadius, DefaultStopRadiusMeters)
}

func (c *TuningConfig) GetMinDwell() time.Duration {
	return durationOr(c.MinDwell, DefaultMinDwell)
}

func (c *TuningConfig) GetVehicleDwell() time.Duration {
	return durationOr(c.VehicleDwell, DefaultVehicleDwell)
}

func (c *TuningConfig) GetIdleFloorInterval() time.Duration {
	return durationOr(c.IdleFloorInterval, DefaultIdleFloorInterval)
}

func (c *TuningConfig) GetHeartbeatInterval() time.Duration {
	return durationOr(c.HeartbeatInterval, DefaultHeartbeatInterval)
}

func (c *TuningConfig) GetBatteryPollPeriod() time.Duration {
	return durationOr(c.BatteryPollPeriod, DefaultBatteryPollPeriod)
}

func (c *TuningConfig) GetCriticalBatteryPct() int {
	return intOr(c.CriticalBatteryPct, DefaultCriticalBatteryPct)
}

func (c *TuningConfig) GetSyncInterval() time.Duration {
	return durationOr(c.SyncInterval, DefaultSyncInterval)
}

func (c *TuningConfig) GetSyncBatchSize() int {
	return intOr(c.SyncBatchSize, DefaultSyncBatchSize)
}

func (c *TuningConfig) GetSyncSegmentsCap() int {
	return intOr(c.SyncSegmentsCap, DefaultSyncSegmentsCap)
}

func floatOr(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
