package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// DispatchCity は生成エンジンへ渡す都市1件分です。
type DispatchCity struct {
	Name     string `json:"name"`
	Postcode string `json:"postcode"`
	Country  string `json:"country"`
}

// DispatchRequest は生成エンジンへ送る1回分のリクエストです。
type DispatchRequest struct {
	JobID       string         `json:"job_id"`
	Domain      string         `json:"domain"`
	Branche     string         `json:"branche,omitempty"`
	Description string         `json:"description,omitempty"`
	Cities      []DispatchCity `json:"cities"`
}

// NewDispatchRequest は pending の都市だけを含む DispatchRequest を作成します。
func NewDispatchRequest(job Job, cities []CityRecord) DispatchRequest {
	req := DispatchRequest{
		JobID:       job.JobID,
		Domain:      job.Domain,
		Branche:     job.Branche,
		Description: job.Description,
	}
	for _, c := range PendingCities(cities) {
		req.Cities = append(req.Cities, DispatchCity{Name: c.Name, Postcode: c.Postcode, Country: c.Country})
	}
	return req
}

// Dispatcher は生成エンジンへ作業を渡します。成功は「受理された」ことだけを意味します。
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// Notifier は都市レコードの更新を購読者に届けます。
type Notifier interface {
	PublishCity(jobID string, rec CityRecord, status Status)
}

// SubmitResult は Submit の結果です。
type SubmitResult struct {
	Job        Job
	Cities     []CityRecord
	Dispatched bool
	// BuildErr は不正なペイロードを error_processing として記録した場合の原因です。
	BuildErr error
}

// Manager はジョブの投入・ディスパッチ・コールバック取り込み・状態参照をまとめます。
type Manager struct {
	builder    *Builder
	store      Store
	dispatcher Dispatcher
	ingester   *Ingester
	notifier   Notifier
	logger     *log.Logger
}

// NewManager は Manager を初期化します。notifier は nil でも構いません。
func NewManager(store Store, dispatcher Dispatcher, notifier Notifier, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		builder:    NewBuilder(),
		store:      store,
		dispatcher: dispatcher,
		ingester:   NewIngester(store),
		notifier:   notifier,
		logger:     logger,
	}, nil
}

// Submit はリクエストを正規化して保存し、pending の都市があればディスパッチします。
// ディスパッチに失敗してもジョブは保存されたままで、結果と ErrTransientDispatch を返します。
func (m *Manager) Submit(ctx context.Context, raw []byte) (*SubmitResult, error) {
	built := m.builder.Build(raw)
	if built.Err != nil {
		m.logger.Printf("malformed request recorded as error job=%s: %v", built.Job.JobID, built.Err)
	}

	if err := m.store.CreateJob(ctx, built.Job, built.Cities); err != nil {
		return nil, err
	}

	result := &SubmitResult{Job: built.Job, Cities: built.Cities, BuildErr: built.Err}
	if len(PendingCities(built.Cities)) == 0 {
		m.logger.Printf("job stored without dispatch job=%s status=%s", built.Job.JobID, built.Job.Status)
		return result, nil
	}

	if err := m.dispatch(ctx, built.Job, built.Cities); err != nil {
		return result, err
	}
	result.Dispatched = true
	return result, nil
}

// Redispatch は保存済みジョブの pending 都市を再度ディスパッチします。再試行の判断は呼び出し側が行います。
func (m *Manager) Redispatch(ctx context.Context, jobID string) error {
	snap, err := m.store.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if len(PendingCities(snap.Cities)) == 0 {
		return validationError("job %s has no pending cities", jobID)
	}
	return m.dispatch(ctx, snap.Job, snap.Cities)
}

func (m *Manager) dispatch(ctx context.Context, job Job, cities []CityRecord) error {
	req := NewDispatchRequest(job, cities)
	if err := m.dispatcher.Dispatch(ctx, req); err != nil {
		m.logger.Printf("dispatch failed job=%s: %v", job.JobID, err)
		if errors.Is(err, ErrTransientDispatch) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransientDispatch, err)
	}
	m.logger.Printf("dispatched job=%s cities=%d", job.JobID, len(req.Cities))
	return nil
}

// Ingest はコールバック本文を取り込みます。
func (m *Manager) Ingest(ctx context.Context, raw []byte) (*IngestResult, error) {
	ev, err := ParseCallback(raw)
	if err != nil {
		m.logger.Printf("callback rejected: %v", err)
		return nil, err
	}
	return m.IngestEvent(ctx, ev)
}

// IngestEvent は解析済みのイベントを取り込み、更新結果を Notifier に流します。
func (m *Manager) IngestEvent(ctx context.Context, ev *CallbackEvent) (*IngestResult, error) {
	result, err := m.ingester.Apply(ctx, ev)
	if result != nil && len(result.Updated) > 0 {
		m.publish(ctx, result)
	}
	if err != nil {
		m.logger.Printf("callback failed job=%s: %v", ev.JobID, err)
		return result, err
	}
	m.logger.Printf("callback applied job=%s cities=%d", ev.JobID, len(result.Updated))
	return result, nil
}

func (m *Manager) publish(ctx context.Context, result *IngestResult) {
	if m.notifier == nil {
		return
	}
	status := StatusPending
	if snap, err := m.store.GetStatus(ctx, result.JobID); err == nil {
		status = DeriveStatus(snap.Cities)
	}
	for _, rec := range result.Updated {
		m.notifier.PublishCity(result.JobID, rec, status)
	}
}

// Status はジョブの導出済み状態と全都市レコードを返します。
func (m *Manager) Status(ctx context.Context, jobID string) (*Snapshot, error) {
	return m.store.GetStatus(ctx, jobID)
}
