package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/subpage-forge/internal/config"
	"github.com/yourusername/subpage-forge/internal/dispatch"
	"github.com/yourusername/subpage-forge/internal/jobs"
	"github.com/yourusername/subpage-forge/internal/notify"
	"github.com/yourusername/subpage-forge/internal/storage"
)

// jobDeps はジョブ処理に必要な部品をまとめます。Close で外部接続を閉じます。
type jobDeps struct {
	manager *jobs.Manager
	hub     *notify.Hub
	closers []io.Closer
}

func (d *jobDeps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			log.Printf("failed to close resource: %v", err)
		}
	}
}

// logDispatcher はエンジン未設定の開発環境用です。リクエストをログに出すだけで受理扱いにします。
type logDispatcher struct {
	logger *log.Logger
}

func (d logDispatcher) Dispatch(ctx context.Context, req jobs.DispatchRequest) error {
	d.logger.Printf("[dispatch] ENGINE_WEBHOOK_URL is not set; job=%s cities=%d not sent", req.JobID, len(req.Cities))
	return nil
}

func setupJobs(cfg *config.Config, logger *log.Logger) (*jobDeps, error) {
	deps := &jobDeps{hub: notify.NewHub(logger)}

	store, err := setupStore(cfg, deps)
	if err != nil {
		deps.Close()
		return nil, err
	}

	dispatcher, err := setupDispatcher(cfg, deps, logger)
	if err != nil {
		deps.Close()
		return nil, err
	}

	if err := setupRelay(cfg, deps, logger); err != nil {
		deps.Close()
		return nil, err
	}

	manager, err := jobs.NewManager(store, dispatcher, deps.hub, logger)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.manager = manager
	return deps, nil
}

func setupStore(cfg *config.Config, deps *jobDeps) (jobs.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		opt, err := redis.ParseURL(cfg.StoreRedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse STORE_REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		deps.closers = append(deps.closers, client)
		return jobs.NewRedisStore(client, cfg.Retention()), nil
	case config.StoreSQLite:
		store, err := storage.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, store)
		return store, nil
	case config.StoreMemory:
		return jobs.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func setupDispatcher(cfg *config.Config, deps *jobDeps, logger *log.Logger) (jobs.Dispatcher, error) {
	switch cfg.DispatchMode {
	case config.DispatchQueue:
		d, err := dispatch.NewQueueDispatcher(cfg.QueueRedisURL, cfg.QueueName, cfg.DispatchTimeout())
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, d)
		return d, nil
	case config.DispatchWebhook:
		if cfg.EngineWebhookURL == "" {
			return logDispatcher{logger: logger}, nil
		}
		return dispatch.NewWebhookDispatcher(cfg.EngineWebhookURL, cfg.DispatchTimeout())
	default:
		return nil, errors.New("unknown dispatch mode " + cfg.DispatchMode)
	}
}

// setupRelay はキューに積んだタスクを同じプロセス内で Webhook へ中継します。
func setupRelay(cfg *config.Config, deps *jobDeps, logger *log.Logger) error {
	if cfg.DispatchMode != config.DispatchQueue || cfg.RelayConcurrency <= 0 {
		return nil
	}
	webhook, err := dispatch.NewWebhookDispatcher(cfg.EngineWebhookURL, cfg.DispatchTimeout())
	if err != nil {
		return err
	}
	relay, err := dispatch.NewRelay(cfg.QueueRedisURL, cfg.QueueName, cfg.RelayConcurrency, webhook, logger)
	if err != nil {
		return err
	}
	relay.Start()
	deps.closers = append(deps.closers, relay)
	logger.Printf("queue relay started queue=%s concurrency=%d", cfg.QueueName, cfg.RelayConcurrency)
	return nil
}
