package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/subpage-forge/internal/jobs"
)

// APIClient は subpage-forge API の HTTP クライアントです。Source として使えます。
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient は APIClient を作成します。timeout が 0 以下なら 15 秒です。
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// SubmitResponse は POST /api/jobs の応答です。
type SubmitResponse struct {
	JobID      string          `json:"jobId"`
	Status     jobs.Status     `json:"status"`
	Dispatched bool            `json:"dispatched"`
	Cities     []jobs.CityView `json:"cities"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Submit は生成リクエストを送信します。ディスパッチ失敗（502）でも jobId が返れば結果を返します。
func (c *APIClient) Submit(ctx context.Context, req jobs.Request) (*SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode submit response (status %d): %w", resp.StatusCode, err)
	}
	switch {
	case resp.StatusCode == http.StatusAccepted:
		return &out, nil
	case resp.StatusCode == http.StatusBadGateway && out.JobID != "":
		return &out, fmt.Errorf("%w: %s", jobs.ErrTransientDispatch, out.Message)
	default:
		return nil, fmt.Errorf("submit failed: status %d: %s %s", resp.StatusCode, out.Code, out.Message)
	}
}

// Fetch は GET /api/job-data を読み、Observation に変換します。
func (c *APIClient) Fetch(ctx context.Context, jobID string) (*Observation, error) {
	endpoint := c.baseURL + "/api/job-data?job_id=" + url.QueryEscape(jobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("job-data returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var payload jobs.JobDataResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode job-data: %w", err)
	}
	return observe(&payload), nil
}

func observe(payload *jobs.JobDataResponse) *Observation {
	obs := &Observation{
		Found:  payload.Success && payload.Data != nil,
		Status: string(payload.Status),
		Data:   payload.Data,
	}
	if payload.Data == nil {
		return obs
	}
	if payload.Data.Status != "" {
		obs.Status = string(payload.Data.Status)
	}
	for _, c := range payload.Data.Cities {
		obs.Cities = append(obs.Cities, CityState{Name: c.Name, Status: string(c.Status)})
	}
	return obs
}
