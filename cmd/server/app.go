package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mmynk/payflow/internal/compliance"
	"github.com/mmynk/payflow/internal/config"
	"github.com/mmynk/payflow/internal/storage"
	"github.com/mmynk/payflow/internal/storage/postgres"
	"github.com/mmynk/payflow/internal/storage/sqlite"
	"github.com/mmynk/payflow/internal/telemetry"
)

// app holds the components shared by every command.
type app struct {
	store    storage.Store
	recorder *telemetry.Recorder
	gate     *compliance.Gate
}

func newApp(ctx context.Context, cfg config.Config, recorderOpts ...telemetry.Option) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var refs *compliance.ReferenceList
	if cfg.SanctionsList != "" {
		refs, err = compliance.LoadReferenceList(cfg.SanctionsList)
		if err != nil {
			store.Close()
			return nil, err
		}
		slog.Info("Sanctions list loaded", "path", cfg.SanctionsList, "entries", refs.Len())
	}

	recorder := telemetry.NewRecorder(append([]telemetry.Option{
		telemetry.WithSink(store),
		telemetry.WithLogger(slog.Default()),
	}, recorderOpts...)...)
	gate := compliance.NewGate(store, refs, recorder,
		compliance.WithThresholds(cfg.KYCThreshold, cfg.KYBThreshold),
	)
	return &app{store: store, recorder: recorder, gate: gate}, nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		slog.Info("Storage initialized", "driver", cfg.StoreDriver)
		return store, nil
	default:
		store, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		slog.Info("Storage initialized", "driver", cfg.StoreDriver, "database", cfg.DBPath)
		return store, nil
	}
}

// Close ends outstanding traces and closes the store.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(a.recorder.Shutdown(ctx), a.store.Close())
}
