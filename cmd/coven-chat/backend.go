// ABOUTME: Opens the configured store backend for the client commands
// ABOUTME: Local SQLite with an in-process or Redis notifier, or the remote store service

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/remote"
	"github.com/2389/coven-chat/internal/store"
)

// openBackend returns the backend the chat views read and write through.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Backend, error) {
	if cfg.Store.Backend == config.StoreRemote {
		client, err := remote.NewClient(cfg.Store.URL, logger)
		if err != nil {
			return nil, err
		}
		if err := client.Health(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("store service at %s: %w", cfg.Store.URL, err)
		}
		logger.Info("using remote store", "url", cfg.Store.URL)
		return client, nil
	}

	s, err := openSQLite(cfg)
	if err != nil {
		return nil, err
	}
	n, err := openNotifier(ctx, cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	return store.NewSynced(s, n, logger), nil
}

func openSQLite(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.OpenSQLiteStore(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

// openNotifier returns the change notifier named by notifier.backend. Redis
// lets views in separate processes that share one SQLite file see each
// other's writes.
func openNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Notifier, error) {
	if cfg.Notifier.Backend == config.NotifierRedis {
		n, err := store.NewRedisNotifier(ctx, store.RedisOptions{
			Addr:          cfg.Notifier.RedisAddr,
			Password:      cfg.Notifier.RedisPassword,
			DB:            cfg.Notifier.RedisDB,
			ChannelPrefix: cfg.Notifier.ChannelPrefix,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting notifier: %w", err)
		}
		return n, nil
	}
	return store.NewBroadcaster(logger), nil
}
