package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/vitalstream/healthsync/internal/importer"
	"github.com/vitalstream/healthsync/internal/model"
	"github.com/vitalstream/healthsync/internal/resilience"
	"github.com/vitalstream/healthsync/internal/rules"
	"github.com/vitalstream/healthsync/internal/sink"
	"github.com/vitalstream/healthsync/internal/store"
	"github.com/vitalstream/healthsync/internal/validate"
	"github.com/vitalstream/healthsync/pkg/influx"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "sqlite":
		dsn := cfg.Store.Path
		if dsn == "" {
			dsn = "healthsync.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initRules() (rules.Set, error) {
	if cfg.Import.RulesFile != "" {
		return rules.LoadFile(cfg.Import.RulesFile)
	}
	return rules.Default(), nil
}

func initInflux() influx.Client {
	opts := []influx.Option{
		influx.WithTimeout(time.Duration(cfg.Influx.TimeoutSecs) * time.Second),
	}
	if cfg.Influx.Username != "" {
		opts = append(opts, influx.WithCredentials(cfg.Influx.Username, cfg.Influx.Password))
	}
	return influx.NewClient(cfg.Influx.URL, cfg.Influx.Database, opts...)
}

func initCoordinator(st store.Store, mode model.Mode) (*importer.Coordinator, error) {
	ruleSet, err := initRules()
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Timezone()
	if err != nil {
		return nil, err
	}

	writer := sink.NewWriter(sink.NewInflux(initInflux()), resilience.RetryConfig{
		MaxAttempts:    cfg.Import.MaxRetries + 1,
		InitialBackoff: cfg.Import.RetryBaseDelay(),
	})

	return importer.New(st, writer, validate.New(ruleSet), importer.Options{
		Mode:        mode,
		BatchSize:   cfg.Import.BatchSize,
		DedupWindow: cfg.Import.DedupWindow(),
		Timezone:    loc,
	}), nil
}
