package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"legsync/internal/rating"
	"legsync/internal/transit"
)

type Config struct {
	DatabaseURL       string
	DatabaseName      string
	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool
	MetricsAddr       string
	Location          *time.Location

	LegsInterval    time.Duration
	TransitInterval time.Duration
	TransitBatch    int
	TransitRetry    time.Duration
	ClusterBacklog  int
	RatingInterval  time.Duration

	PlannerURL         string
	PlannerTimeout     time.Duration
	PlannerItineraries int
	DefaultTransitMode string
	MatcherConfig      string
	Tolerances         transit.Tolerances

	RatingConfig string
	Rating       rating.Settings

	Classifier Classifier
}

// Classifier tunes the default run classifier.
type Classifier struct {
	MinConfidence  int
	ConfirmSamples int
	MaxGap         time.Duration
	MaxAccuracy    float64
	MaxSpeed       float64
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}
	// Overrides the database of the DSN, e.g. to point a shared DSN at a staging copy.
	cfg.DatabaseName = os.Getenv("DATABASE_NAME")

	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "legsync")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	var err error
	if cfg.LegsInterval, err = seconds("LEGS_INTERVAL_SEC", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.TransitInterval, err = seconds("TRANSIT_INTERVAL_SEC", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RatingInterval, err = seconds("RATING_INTERVAL_SEC", time.Hour); err != nil {
		return nil, err
	}
	if cfg.TransitRetry, err = seconds("TRANSIT_RETRY_SEC", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.PlannerTimeout, err = seconds("PLANNER_TIMEOUT_SEC", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.TransitBatch, err = positiveInt("TRANSIT_BATCH", 20); err != nil {
		return nil, err
	}
	if cfg.ClusterBacklog, err = positiveInt("CLUSTER_BACKLOG", 50); err != nil {
		return nil, err
	}
	if cfg.PlannerItineraries, err = positiveInt("PLANNER_ITINERARIES", 3); err != nil {
		return nil, err
	}
	cfg.PlannerURL = getenvDefault("PLANNER_URL", transit.DefaultPlannerURL)

	cfg.MatcherConfig = os.Getenv("MATCHER_CONFIG")
	if cfg.MatcherConfig != "" {
		if cfg.Tolerances, err = LoadTolerances(cfg.MatcherConfig); err != nil {
			return nil, err
		}
	} else {
		cfg.Tolerances = transit.DefaultTolerances()
	}
	cfg.DefaultTransitMode = strings.ToUpper(getenvDefault("DEFAULT_TRANSIT_MODE", cfg.Tolerances.FallbackMode))
	if !cfg.Tolerances.Has(cfg.DefaultTransitMode) {
		return nil, fmt.Errorf("invalid DEFAULT_TRANSIT_MODE: %q has no tolerances", cfg.DefaultTransitMode)
	}

	cfg.RatingConfig = os.Getenv("RATING_CONFIG")
	if cfg.RatingConfig != "" {
		if cfg.Rating, err = LoadRating(cfg.RatingConfig); err != nil {
			return nil, err
		}
	} else {
		cfg.Rating = rating.DefaultSettings()
	}

	if cfg.Classifier, err = loadClassifier(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadClassifier() (Classifier, error) {
	c := Classifier{}
	var err error
	if c.MinConfidence, err = positiveInt("CLASSIFIER_MIN_CONFIDENCE", 60); err != nil {
		return c, err
	}
	if c.MinConfidence > 100 {
		return c, fmt.Errorf("invalid CLASSIFIER_MIN_CONFIDENCE: %d", c.MinConfidence)
	}
	if c.ConfirmSamples, err = positiveInt("CLASSIFIER_CONFIRM_SAMPLES", 2); err != nil {
		return c, err
	}
	if c.MaxGap, err = seconds("CLASSIFIER_MAX_GAP_SEC", 10*time.Minute); err != nil {
		return c, err
	}
	if c.MaxAccuracy, err = positiveFloat("CLASSIFIER_MAX_ACCURACY_M", 1000); err != nil {
		return c, err
	}
	if c.MaxSpeed, err = positiveFloat("CLASSIFIER_MAX_SPEED_MPS", 70); err != nil {
		return c, err
	}
	return c, nil
}

func seconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func positiveFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
