// Package rating turns a user's attached legs into per-day travelled
// distances and CO2 figures, ranks users over a trailing week and keeps
// global daily statistics.
package rating

import (
	"context"
	"strings"
	"time"

	"legsync/internal/legs"
)

// Category is a bucket a day's distance is split into. The values double as
// column names of the rating table.
type Category string

const (
	Walking  Category = "walking"
	Running  Category = "running"
	Bicycle  Category = "on_bicycle"
	Car      Category = "in_vehicle"
	TransitA Category = "mass_transit_a" // TRAIN
	TransitB Category = "mass_transit_b" // TRAM, SUBWAY
	TransitC Category = "mass_transit_c" // BUS
)

// WindowDays is the length of the trailing window rankings and the weekly
// user count cover, the rated day included.
const WindowDays = 7

// Categories lists every category in storage order.
var Categories = []Category{Walking, Running, Bicycle, Car, TransitA, TransitB, TransitC}

// CategoryOf buckets a leg by its activity and, for vehicle legs, by the
// line type the journey planner matched. Stationary activities carry no
// distance.
func CategoryOf(activity string, modes legs.Modes) (Category, bool) {
	switch activity {
	case legs.ActivityInVehicle:
		switch strings.ToUpper(modes[legs.SourcePlanner].Mode) {
		case "TRAIN":
			return TransitA, true
		case "TRAM", "SUBWAY":
			return TransitB, true
		case "BUS":
			return TransitC, true
		}
		// FERRY and unlabeled vehicle legs count as car travel.
		return Car, true
	case legs.ActivityOnBicycle:
		return Bicycle, true
	case legs.ActivityRunning:
		return Running, true
	case legs.ActivityWalking, legs.ActivityOnFoot:
		return Walking, true
	}
	return "", false
}

// Factors maps a category to its emissions in grams of CO2 per km.
type Factors map[Category]float64

// Settings tunes the rater. It is loaded from YAML by package config.
type Settings struct {
	// MaxGapSec drops the distance between consecutive samples further apart.
	MaxGapSec int     `yaml:"max_gap_sec" validate:"gt=0"`
	Factors   Factors `yaml:"co2_g_per_km" validate:"required,dive,gte=0"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxGapSec: 300,
		Factors: Factors{
			Walking:  0,
			Running:  0,
			Bicycle:  0,
			Car:      171,
			TransitA: 41,
			TransitB: 35,
			TransitC: 104,
		},
	}
}

func (s Settings) MaxGap() time.Duration { return time.Duration(s.MaxGapSec) * time.Second }

// DailyRating is one user's travel on one civil day.
type DailyRating struct {
	UserID int64
	// Day is the civil date as midnight UTC.
	Day        time.Time
	Distances  map[Category]float64 // km
	TotalKm    float64
	AverageCO2 float64 // g/km over TotalKm
}

// Ranking places a user by distance-weighted average CO2 over the week
// ending on Day; rank 1 is the lowest.
type Ranking struct {
	Day        time.Time
	UserID     int64
	Rank       int
	AverageCO2 float64
}

// Statistics summarizes all users for one day.
type Statistics struct {
	Day           time.Time
	TotalKm       float64
	AverageCO2    float64
	PastWeekUsers int
}

// Store persists ratings next to the legs they are computed from. Days are
// civil dates represented as midnight UTC.
type Store interface {
	// RatedUsers lists users with at least one attached leg.
	RatedUsers(ctx context.Context) ([]int64, error)
	Samples(ctx context.Context, deviceID int64, from, to time.Time) ([]legs.Sample, error)
	EarliestAttached(ctx context.Context, userID int64) (time.Time, bool, error)
	// AttachedLegs lists non-terminator legs attached to the user with
	// time_end > from and time_start < to, with their modes.
	AttachedLegs(ctx context.Context, userID int64, from, to time.Time) ([]legs.LegWithModes, error)
	LastRatedDay(ctx context.Context, userID int64) (time.Time, bool, error)
	// SaveRatings inserts ratings, replacing rows of the same user and day.
	SaveRatings(ctx context.Context, rs []DailyRating) error
	// RatingsBetween returns ratings with from <= day < to.
	RatingsBetween(ctx context.Context, from, to time.Time) ([]DailyRating, error)
	// SaveRankings replaces the rankings of day.
	SaveRankings(ctx context.Context, day time.Time, rs []Ranking) error
	FirstRatedDay(ctx context.Context) (time.Time, bool, error)
	LastStatisticsDay(ctx context.Context) (time.Time, bool, error)
	SaveStatistics(ctx context.Context, st []Statistics) error
}

// DayOf returns the civil date of t in loc.
func DayOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StartOf returns the instant day begins in loc.
func StartOf(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
}

// weighted accumulates a distance-weighted CO2 average.
type weighted struct{ km, grams float64 }

func (w *weighted) add(km, avg float64) {
	w.km += km
	w.grams += km * avg
}

func (w weighted) average() float64 {
	if w.km == 0 {
		return 0
	}
	return w.grams / w.km
}
