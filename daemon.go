package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"clusterd/cluster"
	"clusterd/logging"
	"clusterd/metrics"
)

func newCoordinator(conf config, store *storage, reg *metrics.Registry) (*cluster.Coordinator, error) {
	hash := conf.hash()
	return cluster.New(cluster.Config{
		Provider: store.provider,
		Disabled: conf.Backend == BackendNone,
		Settings: conf.settings(),
		Identity: cluster.Identity{
			InstanceID:       conf.InstanceID,
			StartupTimestamp: time.Now(),
			GUID:             uuid.NewString(),
		},
		ConfigHash: func() string { return hash },
		Logger:     logging.Logger,
		Metrics:    reg,
	})
}

// runDaemon runs the coordinator and the HTTP server until ctx is done.
func runDaemon(ctx context.Context, conf config) error {
	log := logging.WithInstance("daemon", conf.InstanceID)

	store, err := openStorage(ctx, conf, logging.WithComponent("storage"))
	if err != nil {
		return fmt.Errorf("failed to open %s backend: %w", conf.Backend, err)
	}
	defer store.close(context.Background())

	reg := metrics.NewRegistry()
	coord, err := newCoordinator(conf, store, reg)
	if err != nil {
		return err
	}

	log.Info().
		Str("backend", conf.Backend).
		Str("config_hash", conf.hash()).
		Str("guid", coord.Identity().GUID).
		Msg("Starting cluster coordinator")
	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		coord.Stop()
		return nil
	})

	g.Go(func() error {
		return runHTTPServer(ctx, conf.Listen, newHandler(coord, reg))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("daemon failed: %w", err)
	}
	log.Info().Msg("Daemon stopped")
	return nil
}
