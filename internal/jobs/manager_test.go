package jobs

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
)

type stubDispatcher struct {
	mu       sync.Mutex
	requests []DispatchRequest
	err      error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, req DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return d.err
}

func (d *stubDispatcher) calls() []DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DispatchRequest(nil), d.requests...)
}

type published struct {
	jobID  string
	record CityRecord
	status Status
}

type stubNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *stubNotifier) PublishCity(jobID string, rec CityRecord, status Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{jobID: jobID, record: rec, status: status})
}

func newTestManager(t *testing.T, dispatcher Dispatcher, notifier Notifier) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	m, err := NewManager(store, dispatcher, notifier, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return m, store
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	if _, err := NewManager(nil, &stubDispatcher{}, nil, nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := NewManager(NewMemoryStore(), nil, nil, nil); err == nil {
		t.Fatalf("expected error for nil dispatcher")
	}
}

func TestSubmitDispatchesPendingCities(t *testing.T) {
	d := &stubDispatcher{}
	m, store := newTestManager(t, d, nil)

	res, err := m.Submit(context.Background(), []byte(`{"job_id":"s1","domain":"https://example.de","branche":"IT","cities":[{"name":"Köln","postcode":"50667"},{"name":"Ulm"}]}`))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if !res.Dispatched {
		t.Fatalf("expected job to be dispatched")
	}

	calls := d.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(calls))
	}
	req := calls[0]
	if req.JobID != "s1" || req.Domain != "example.de" || req.Branche != "IT" || len(req.Cities) != 2 {
		t.Fatalf("unexpected dispatch request: %+v", req)
	}
	if req.Cities[1].Country != "Germany" || req.Cities[1].Postcode != "" {
		t.Fatalf("unexpected city payload: %+v", req.Cities[1])
	}

	if _, err := store.GetJob(context.Background(), "s1"); err != nil {
		t.Fatalf("job not stored: %v", err)
	}
}

func TestSubmitWithoutCitiesIsNotDispatched(t *testing.T) {
	d := &stubDispatcher{}
	m, _ := newTestManager(t, d, nil)

	res, err := m.Submit(context.Background(), []byte(`{"domain":"example.de","cities":[]}`))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if res.Dispatched || len(d.calls()) != 0 {
		t.Fatalf("placeholder job must not be dispatched")
	}
	if res.Cities[0].Status != CityErrorNoCities {
		t.Fatalf("unexpected city status %s", res.Cities[0].Status)
	}
}

func TestSubmitMalformedIsStored(t *testing.T) {
	d := &stubDispatcher{}
	m, store := newTestManager(t, d, nil)

	res, err := m.Submit(context.Background(), []byte(`{"job_id":"bad","cities":"x"}`))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if res.BuildErr == nil {
		t.Fatalf("expected build error to be reported")
	}
	snap, err := store.GetStatus(context.Background(), "bad")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if snap.Job.Status != StatusFailed || snap.Cities[0].Status != CityErrorProcessing {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestSubmitDispatchFailureKeepsJob(t *testing.T) {
	d := &stubDispatcher{err: errors.New("connection refused")}
	m, store := newTestManager(t, d, nil)

	res, err := m.Submit(context.Background(), []byte(`{"job_id":"s2","domain":"example.de","cities":[{"name":"Ulm"}]}`))
	if !errors.Is(err, ErrTransientDispatch) {
		t.Fatalf("expected ErrTransientDispatch, got %v", err)
	}
	if res == nil || res.Job.JobID != "s2" || res.Dispatched {
		t.Fatalf("unexpected result: %+v", res)
	}
	snap, err := store.GetStatus(context.Background(), "s2")
	if err != nil {
		t.Fatalf("job not kept after dispatch failure: %v", err)
	}
	if snap.Job.Status != StatusPending {
		t.Fatalf("job status = %s, want pending", snap.Job.Status)
	}
}

func TestSubmitDuplicate(t *testing.T) {
	m, _ := newTestManager(t, &stubDispatcher{}, nil)
	body := []byte(`{"job_id":"dup","domain":"example.de","cities":[{"name":"Ulm"}]}`)
	if _, err := m.Submit(context.Background(), body); err != nil {
		t.Fatalf("first Submit returned error: %v", err)
	}
	if _, err := m.Submit(context.Background(), body); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
}

func TestRedispatch(t *testing.T) {
	d := &stubDispatcher{err: errors.New("timeout")}
	m, _ := newTestManager(t, d, nil)
	ctx := context.Background()

	_, _ = m.Submit(ctx, []byte(`{"job_id":"r1","domain":"example.de","cities":[{"name":"Ulm"},{"name":"Köln"}]}`))
	d.err = nil
	if _, err := m.Ingest(ctx, []byte(`{"job_id":"r1","city":"Ulm","content":"<p>u</p>"}`)); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if err := m.Redispatch(ctx, "r1"); err != nil {
		t.Fatalf("Redispatch returned error: %v", err)
	}
	calls := d.calls()
	last := calls[len(calls)-1]
	if len(last.Cities) != 1 || last.Cities[0].Name != "Köln" {
		t.Fatalf("redispatch should carry only pending cities: %+v", last.Cities)
	}

	if err := m.Redispatch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, _ = m.Submit(ctx, []byte(`{"job_id":"r2","domain":"example.de"}`))
	if err := m.Redispatch(ctx, "r2"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for job without pending cities, got %v", err)
	}
}

func TestIngestPublishesUpdates(t *testing.T) {
	n := &stubNotifier{}
	m, _ := newTestManager(t, &stubDispatcher{}, n)
	ctx := context.Background()

	_, _ = m.Submit(ctx, []byte(`{"job_id":"n1","domain":"example.de","cities":[{"name":"Ulm"},{"name":"Köln"}]}`))
	if _, err := m.Ingest(ctx, []byte(`{"job_id":"n1","city":"Ulm","content":"<p>u</p>"}`)); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if _, err := m.Ingest(ctx, []byte(`{"job_id":"n1","city":"Köln","content":"<p>k</p>"}`)); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}

	if len(n.events) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(n.events))
	}
	if n.events[0].status != StatusPending || n.events[1].status != StatusCompleted {
		t.Fatalf("unexpected derived statuses: %s, %s", n.events[0].status, n.events[1].status)
	}
	if n.events[1].record.Name != "Köln" || n.events[1].jobID != "n1" {
		t.Fatalf("unexpected event: %+v", n.events[1])
	}

	if _, err := m.Ingest(ctx, []byte(`{"job_id":"n1"}`)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(n.events) != 2 {
		t.Fatalf("rejected event must not publish")
	}
}
