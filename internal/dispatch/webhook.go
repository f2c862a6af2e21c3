// Package dispatch は生成エンジンへのジョブ受け渡しを提供します。
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yourusername/subpage-forge/internal/jobs"
)

const (
	DefaultTimeout = 60 * time.Second
	maxErrorBody   = 512
)

// WebhookDispatcher はエンジンの Webhook に JSON を POST します。2xx を受理とみなします。
type WebhookDispatcher struct {
	url    string
	client *http.Client
}

// NewWebhookDispatcher は WebhookDispatcher を作成します。timeout が 0 以下なら 60 秒です。
func NewWebhookDispatcher(url string, timeout time.Duration) (*WebhookDispatcher, error) {
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &WebhookDispatcher{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, req jobs.DispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", jobs.ErrTransientDispatch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: engine responded %d: %s", jobs.ErrTransientDispatch, resp.StatusCode, string(respBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
