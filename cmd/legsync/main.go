package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"legsync/internal/classify"
	"legsync/internal/config"
	"legsync/internal/db"
	"legsync/internal/metrics"
	"legsync/internal/ownership"
	"legsync/internal/pipeline"
	"legsync/internal/publisher"
	"legsync/internal/rating"
	"legsync/internal/scheduler"
	"legsync/internal/segment"
	"legsync/internal/transit"
)

type flags struct {
	once        bool
	repair      bool
	devices     []int64
	initSchema  bool
	skipTransit bool
	skipRating  bool
}

func main() {
	if err := run(); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		log.Fatalf("legsync: %v", err)
	}
}

func parseFlags(args []string) (flags, error) {
	var f flags
	flagSet := pflag.NewFlagSet("legsync", pflag.ContinueOnError)
	flagSet.BoolVar(&f.once, "once", false, "run every task once and exit")
	flagSet.BoolVar(&f.repair, "repair", false, "recompute legs and ownership from the earliest data")
	flagSet.Int64SliceVar(&f.devices, "device", nil, "restrict the legs pass to these device ids")
	flagSet.BoolVar(&f.initSchema, "init-schema", false, "create missing tables and indexes before starting")
	flagSet.BoolVar(&f.skipTransit, "skip-transit", false, "disable journey planner labeling")
	flagSet.BoolVar(&f.skipRating, "skip-rating", false, "disable daily distance and CO2 ratings")
	if err := flagSet.Parse(args); err != nil {
		return f, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return f, fmt.Errorf("unexpected argument: %s", extra[0])
	}
	return f, nil
}

func run() error {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if f.initSchema {
		if err := db.CreateSchema(ctx, sqlDB); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		log.Printf("schema ready")
	}

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.LegsInterval, cfg.TransitInterval)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Events are optional; without NATS the workers are simply not notified.
	var (
		legEvents   segment.Events
		matchEvents transit.Events
		notifier    ownership.Notifier
	)
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, publisherMetrics(mcol))
		if err != nil {
			return fmt.Errorf("nats error: %w", err)
		}
		defer pub.Close()
		legEvents, matchEvents, notifier = pub, pub, pub
	} else {
		log.Printf("NATS_URL not set; leg events and worker triggers disabled")
	}

	store := db.NewStore(sqlDB)
	cls := classify.NewRunClassifier()
	cls.MinConfidence = cfg.Classifier.MinConfidence
	cls.ConfirmSamples = cfg.Classifier.ConfirmSamples
	cls.MaxGap = cfg.Classifier.MaxGap
	cls.MaxAccuracy = cfg.Classifier.MaxAccuracy
	cls.MaxSpeed = cfg.Classifier.MaxSpeed

	rec := segment.NewReconciler(store, cls, legEvents, segmentMetrics(mcol))
	att := ownership.NewAttacher(store, notifier, ownershipMetrics(mcol), cfg.ClusterBacklog)
	var lab *transit.Labeler
	if !f.skipTransit {
		tm := transitMetrics(mcol)
		planner := transit.NewHTTPPlanner(cfg.PlannerURL, cfg.PlannerTimeout)
		matcher := transit.NewMatcher(planner, cfg.Tolerances, cfg.PlannerItineraries, cfg.Location, tm)
		lab = transit.NewLabeler(store, matcher, cfg.Tolerances, matchEvents, tm, cfg.TransitBatch, cfg.DefaultTransitMode, cfg.TransitRetry)
	}
	var rater *rating.Rater
	if !f.skipRating {
		rater = rating.NewRater(store, cfg.Rating, cfg.Location, ratingMetrics(mcol))
	}
	p := pipeline.New(rec, att, lab, rater, pipeline.Options{Repair: f.repair, Devices: f.devices})

	s := scheduler.New(schedulerMetrics(mcol))
	p.Register(s, pipeline.Intervals{Legs: cfg.LegsInterval, Transit: cfg.TransitInterval, Rating: cfg.RatingInterval})

	if f.once {
		return s.RunOnce(ctx)
	}
	s.Start(ctx)
	log.Printf("legsync running: legs every %s, transit every %s, rating every %s", cfg.LegsInterval, cfg.TransitInterval, cfg.RatingInterval)

	// Block until context cancelled
	<-ctx.Done()
	s.Stop()
	log.Println("shutdown complete")
	return nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	dsn := cfg.DatabaseURL
	if cfg.DatabaseName != "" {
		var err error
		if dsn, err = db.WithDBName(dsn, cfg.DatabaseName); err != nil {
			return nil, fmt.Errorf("compose DSN: %w", err)
		}
	}
	if name, err := db.DatabaseName(dsn); err == nil {
		log.Printf("Using database %q", name)
	}
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return sqlDB, nil
}

// The helpers below keep a nil collector from becoming a non-nil interface.

func publisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}

func segmentMetrics(c *metrics.Collector) segment.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func ownershipMetrics(c *metrics.Collector) ownership.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func transitMetrics(c *metrics.Collector) transit.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func ratingMetrics(c *metrics.Collector) rating.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func schedulerMetrics(c *metrics.Collector) scheduler.Metrics {
	if c == nil {
		return nil
	}
	return c
}
