package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/yourusername/subpage-forge/internal/jobs"
)

// Relay はキューに積まれた生成タスクを取り出し、下流の Dispatcher（通常は Webhook）へ渡します。
type Relay struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	next   jobs.Dispatcher
	logger *log.Logger
}

// NewRelay は Relay を作成します。concurrency が 0 以下なら 4 です。
func NewRelay(redisURL, queue string, concurrency int, next jobs.Dispatcher, logger *log.Logger) (*Relay, error) {
	if next == nil {
		return nil, errors.New("next dispatcher is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if queue == "" {
		queue = DefaultQueue
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queue: 1,
			},
		},
	)
	r := &Relay{
		server: server,
		mux:    asynq.NewServeMux(),
		next:   next,
		logger: logger,
	}
	r.mux.HandleFunc(TaskTypeGenerate, r.handleGenerateTask)
	return r, nil
}

// Start は asynq サーバーをバックグラウンドで起動します。
func (r *Relay) Start() {
	go func() {
		if err := r.server.Run(r.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			r.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Close はサーバーを停止します。
func (r *Relay) Close() error {
	r.server.Shutdown()
	return nil
}

func (r *Relay) handleGenerateTask(ctx context.Context, task *asynq.Task) error {
	req, err := ParseGenerateTask(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := r.next.Dispatch(ctx, req); err != nil {
		r.logger.Printf("[relay] forward failed job=%s: %v", req.JobID, err)
		return err
	}
	r.logger.Printf("[relay] forwarded job=%s cities=%d", req.JobID, len(req.Cities))
	return nil
}
