package transit

import (
	"math"
	"strings"
	"time"
)

// ModeTolerance holds the matching slack for one public transport mode.
type ModeTolerance struct {
	// Speed is the typical minimum speed, m/s.
	Speed float64 `yaml:"speed" validate:"gt=0"`
	// MaxInterval is the longest scheduled headway, minutes.
	MaxInterval int `yaml:"max_interval_min" validate:"gt=0"`
	// MaxSlowness is how much faster than observed a plan may be, minutes.
	MaxSlowness int `yaml:"max_slowness_min" validate:"gte=0"`
}

type Tolerances struct {
	// LagMeters is how far a vehicle may travel before the mode change is detected.
	LagMeters    float64                  `yaml:"lag_meters" validate:"gt=0"`
	WalkSpeed    float64                  `yaml:"walk_speed" validate:"gt=0"`
	FallbackMode string                   `yaml:"fallback_mode" validate:"required"`
	Modes        map[string]ModeTolerance `yaml:"modes" validate:"required,min=1,dive"`
}

func DefaultTolerances() Tolerances {
	return Tolerances{
		LagMeters:    500,
		WalkSpeed:    1.34112,
		FallbackMode: "BUS",
		Modes: map[string]ModeTolerance{
			"BUS":    {Speed: 3.0, MaxInterval: 60, MaxSlowness: 3},
			"TRAM":   {Speed: 2.5, MaxInterval: 30, MaxSlowness: 3},
			"TRAIN":  {Speed: 5.0, MaxInterval: 60, MaxSlowness: 3},
			"SUBWAY": {Speed: 5.0, MaxInterval: 60, MaxSlowness: 3},
			"FERRY":  {Speed: 5.0, MaxInterval: 60, MaxSlowness: 5},
		},
	}
}

// Has reports whether mode is a known transit mode.
func (t Tolerances) Has(mode string) bool {
	_, ok := t.Modes[strings.ToUpper(mode)]
	return ok
}

// For returns the tolerance of mode, or of the fallback mode when unknown.
func (t Tolerances) For(mode string) ModeTolerance {
	if mt, ok := t.Modes[strings.ToUpper(mode)]; ok {
		return mt
	}
	return t.Modes[strings.ToUpper(t.FallbackMode)]
}

func seconds(v float64) time.Duration { return time.Duration(math.Round(v)) * time.Second }

// DetectionLag is the time the vehicle needs to cover the detection margin.
func (t Tolerances) DetectionLag(mt ModeTolerance) time.Duration {
	return seconds(t.LagMeters / mt.Speed)
}

// WalkMargin is the time to walk the positional error at both trip ends.
func (t Tolerances) WalkMargin() time.Duration {
	return seconds(2 * t.LagMeters / t.WalkSpeed)
}

// StopMargin is the time the vehicle needs for one stop more or less.
func (t Tolerances) StopMargin(mt ModeTolerance) time.Duration {
	return seconds(2 * t.LagMeters / mt.Speed)
}

func (mt ModeTolerance) Slowness() time.Duration {
	return time.Duration(mt.MaxSlowness) * time.Minute
}

func (mt ModeTolerance) Interval() time.Duration {
	return time.Duration(mt.MaxInterval) * time.Minute
}
