package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"legsync/internal/transit"
)

// LoadTolerances reads a YAML matcher tolerance file. Keys missing from the
// file keep their defaults; listed modes replace or extend the default modes
// and must be complete.
//
//	lag_meters: 500
//	walk_speed: 1.34112
//	fallback_mode: BUS
//	modes:
//	  tram: {speed: 2.5, max_interval_min: 20, max_slowness_min: 3}
func LoadTolerances(path string) (transit.Tolerances, error) {
	tol := transit.DefaultTolerances()
	modes := tol.Modes
	tol.Modes = nil
	data, err := os.ReadFile(path)
	if err != nil {
		return tol, fmt.Errorf("read matcher config: %w", err)
	}
	if err := yaml.Unmarshal(data, &tol); err != nil {
		return tol, fmt.Errorf("parse matcher config %s: %w", path, err)
	}

	for name, mt := range tol.Modes {
		modes[strings.ToUpper(name)] = mt
	}
	tol.Modes = modes
	tol.FallbackMode = strings.ToUpper(tol.FallbackMode)

	if err := validator.New().Struct(tol); err != nil {
		return tol, fmt.Errorf("invalid matcher config %s: %w", path, err)
	}
	if !tol.Has(tol.FallbackMode) {
		return tol, fmt.Errorf("invalid matcher config %s: fallback mode %q has no tolerances", path, tol.FallbackMode)
	}
	return tol, nil
}
