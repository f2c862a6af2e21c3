package dispatch

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/yourusername/subpage-forge/internal/jobs"
)

type recordingDispatcher struct {
	got []jobs.DispatchRequest
	err error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req jobs.DispatchRequest) error {
	d.got = append(d.got, req)
	return d.err
}

func TestRelayForwardsGenerateTask(t *testing.T) {
	next := &recordingDispatcher{}
	r := &Relay{next: next, logger: log.New(io.Discard, "", 0)}

	task, err := NewGenerateTask(sampleRequest())
	if err != nil {
		t.Fatalf("NewGenerateTask: %v", err)
	}
	if err := r.handleGenerateTask(context.Background(), task); err != nil {
		t.Fatalf("handleGenerateTask returned error: %v", err)
	}
	if len(next.got) != 1 || next.got[0].JobID != "job-1" || next.got[0].Cities[0].Name != "Köln" {
		t.Fatalf("unexpected forwarded requests: %+v", next.got)
	}
}

func TestRelayErrors(t *testing.T) {
	next := &recordingDispatcher{err: jobs.ErrTransientDispatch}
	r := &Relay{next: next, logger: log.New(io.Discard, "", 0)}

	task, _ := NewGenerateTask(sampleRequest())
	if err := r.handleGenerateTask(context.Background(), task); !errors.Is(err, jobs.ErrTransientDispatch) {
		t.Fatalf("expected downstream error, got %v", err)
	}

	bad := asynq.NewTask(TaskTypeGenerate, []byte("{"))
	err := r.handleGenerateTask(context.Background(), bad)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("malformed payload should skip retry, got %v", err)
	}
	if len(next.got) != 1 {
		t.Fatalf("malformed payload must not be forwarded")
	}
}

func TestNewRelayValidation(t *testing.T) {
	if _, err := NewRelay("redis://127.0.0.1:6379/0", "", 0, nil, nil); err == nil {
		t.Fatalf("expected error for nil dispatcher")
	}
	if _, err := NewRelay("://bad", "", 0, &recordingDispatcher{}, nil); err == nil {
		t.Fatalf("expected error for bad redis url")
	}
}
