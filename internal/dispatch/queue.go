package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/subpage-forge/internal/jobs"
)

const (
	TaskTypeGenerate = "subpage:generate"
	DefaultQueue     = "subpage"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// QueueDispatcher は asynq のタスクとしてジョブを投入します。再試行はしません。
type QueueDispatcher struct {
	client  enqueuer
	queue   string
	timeout time.Duration
}

// NewQueueDispatcher は Redis URL から QueueDispatcher を作成します。
func NewQueueDispatcher(redisURL, queue string, timeout time.Duration) (*QueueDispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return newQueueDispatcher(asynq.NewClient(opt), queue, timeout), nil
}

func newQueueDispatcher(client enqueuer, queue string, timeout time.Duration) *QueueDispatcher {
	if queue == "" {
		queue = DefaultQueue
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &QueueDispatcher{client: client, queue: queue, timeout: timeout}
}

// NewGenerateTask はディスパッチ内容を asynq タスクに変換します。
func NewGenerateTask(req jobs.DispatchRequest) (*asynq.Task, error) {
	if req.JobID == "" {
		return nil, errors.New("job_id is required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeGenerate, body), nil
}

// ParseGenerateTask はエンジン側のワーカーがタスクを読むためのヘルパーです。
func ParseGenerateTask(task *asynq.Task) (jobs.DispatchRequest, error) {
	var req jobs.DispatchRequest
	if task.Type() != TaskTypeGenerate {
		return req, fmt.Errorf("unexpected task type %q", task.Type())
	}
	if err := json.Unmarshal(task.Payload(), &req); err != nil {
		return req, err
	}
	if req.JobID == "" {
		return req, errors.New("missing job_id in payload")
	}
	return req, nil
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, req jobs.DispatchRequest) error {
	task, err := NewGenerateTask(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if _, err := d.client.EnqueueContext(ctx, task, asynq.Queue(d.queue), asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("%w: %v", jobs.ErrTransientDispatch, err)
	}
	return nil
}

// Close は asynq クライアントを閉じます。
func (d *QueueDispatcher) Close() error {
	return d.client.Close()
}
