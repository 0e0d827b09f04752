package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"legsync/internal/rating"
)

// LoadRating reads a YAML rating file. Listed CO2 factors replace the
// defaults of their category.
//
//	max_gap_sec: 300
//	co2_g_per_km:
//	  in_vehicle: 160
//	  mass_transit_c: 90
func LoadRating(path string) (rating.Settings, error) {
	st := rating.DefaultSettings()
	factors := st.Factors
	st.Factors = nil
	data, err := os.ReadFile(path)
	if err != nil {
		return st, fmt.Errorf("read rating config: %w", err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse rating config %s: %w", path, err)
	}

	for c, f := range st.Factors {
		c = rating.Category(strings.ToLower(string(c)))
		if !slices.Contains(rating.Categories, c) {
			return st, fmt.Errorf("invalid rating config %s: unknown category %q", path, c)
		}
		factors[c] = f
	}
	st.Factors = factors

	if err := validator.New().Struct(st); err != nil {
		return st, fmt.Errorf("invalid rating config %s: %w", path, err)
	}
	return st, nil
}
