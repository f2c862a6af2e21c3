package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func seededStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	built := NewBuilder().BuildRequest(Request{
		JobID:  "job-cb",
		Domain: "example.de",
		Cities: []CityInput{
			{Name: "Bad Homburg", Postcode: "61348"},
			{Name: "Köln", Postcode: "50667"},
		},
	})
	if err := store.CreateJob(context.Background(), built.Job, built.Cities); err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	return store
}

func TestParseCallbackShapes(t *testing.T) {
	ev, err := ParseCallback([]byte(`{"job_id":123,"city":"Köln","content":"<p>k</p>"}`))
	if err != nil {
		t.Fatalf("ParseCallback returned error: %v", err)
	}
	if ev.JobID != "123" || ev.City == nil || ev.City.Name != "Köln" || ev.City.Postcode != "" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	ev, err = ParseCallback([]byte(`{"job_id":"a","city":{"name":"Köln","postcode":"50667"},"content":"x","status":"done"}`))
	if err != nil {
		t.Fatalf("ParseCallback returned error: %v", err)
	}
	if ev.City == nil || ev.City.Postcode != "50667" || ev.Status != "done" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	ev, err = ParseCallback([]byte(`{"job_id":"a","cities":[{"name":"Köln","generated_html":"<p>k</p>"},{"name":"Ulm","content":"<p>u</p>","status":"error"}]}`))
	if err != nil {
		t.Fatalf("ParseCallback returned error: %v", err)
	}
	if len(ev.Cities) != 2 || ev.Cities[0].Content != "<p>k</p>" || ev.Cities[1].Status != "error" {
		t.Fatalf("unexpected cities: %+v", ev.Cities)
	}
}

func TestParseCallbackRejects(t *testing.T) {
	cases := map[string]string{
		"not json":     `nope`,
		"no job id":    `{"content":"x"}`,
		"blank job id": `{"job_id":"  ","content":"x"}`,
		"bad city":     `{"job_id":"a","city":42,"content":"x"}`,
		"empty cities": `{"job_id":"a","cities":[]}`,
	}
	for name, raw := range cases {
		if _, err := ParseCallback([]byte(raw)); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
	}
}

func TestMapCallbackStatus(t *testing.T) {
	cases := map[string]CityStatus{
		"":                 CityCompleted,
		"completed":        CityCompleted,
		"completeted":      CityCompleted,
		"Success":          CityCompleted,
		"done":             CityCompleted,
		"error":            CityErrorProcessing,
		"failed":           CityErrorProcessing,
		"error_processing": CityErrorProcessing,
	}
	for in, want := range cases {
		got, err := MapCallbackStatus(in)
		if err != nil || got != want {
			t.Fatalf("MapCallbackStatus(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := MapCallbackStatus("pending"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for pending, got %v", err)
	}
}

func TestIngesterSingleCity(t *testing.T) {
	store := seededStore(t)
	ev, _ := ParseCallback([]byte(`{"job_id":"job-cb","city":"Köln","content":"<html><body><p>Köln</p></body></html>"}`))

	res, err := NewIngester(store).Apply(context.Background(), ev)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if len(res.Updated) != 1 || res.Updated[0].Name != "Köln" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.HasPrefix(res.Updated[0].ContentType, "text/html") {
		t.Fatalf("content type = %q, want text/html", res.Updated[0].ContentType)
	}

	snap, _ := store.GetStatus(context.Background(), "job-cb")
	if snap.Cities[0].Status != CityPending || snap.Cities[1].Status != CityCompleted {
		t.Fatalf("unexpected statuses: %s %s", snap.Cities[0].Status, snap.Cities[1].Status)
	}
}

func TestIngesterWholeJobEvent(t *testing.T) {
	store := seededStore(t)
	ev, _ := ParseCallback([]byte(`{"job_id":"job-cb","content":"<p>all</p>","status":"completeted"}`))

	res, err := NewIngester(store).Apply(context.Background(), ev)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if len(res.Updated) != 2 {
		t.Fatalf("expected both cities updated, got %d", len(res.Updated))
	}
	snap, _ := store.GetStatus(context.Background(), "job-cb")
	if snap.Job.Status != StatusCompleted {
		t.Fatalf("job status = %s, want completed", snap.Job.Status)
	}

	// 既に pending の都市がないので再送は拒否される
	if _, err := NewIngester(store).Apply(context.Background(), ev); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on replay, got %v", err)
	}
}

func TestIngesterMultiCityValidatesBeforeApplying(t *testing.T) {
	store := seededStore(t)
	ev, _ := ParseCallback([]byte(`{"job_id":"job-cb","cities":[{"name":"Köln","content":"<p>k</p>"},{"name":"Bad Homburg"}]}`))

	if _, err := NewIngester(store).Apply(context.Background(), ev); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	snap, _ := store.GetStatus(context.Background(), "job-cb")
	for _, c := range snap.Cities {
		if c.Status != CityPending {
			t.Fatalf("city %s updated despite invalid event", c.Name)
		}
	}
}

func TestIngesterResolvesAllCitiesBeforeApplying(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want error
	}{
		"unknown second city": {`{"job_id":"job-cb","cities":[{"name":"Köln","content":"<p>k</p>"},{"name":"Berlin","content":"<p>b</p>"}]}`, ErrNotFound},
		"same city twice":     {`{"job_id":"job-cb","cities":[{"name":"Köln","content":"<p>k</p>"},{"name":"Köln","content":"<p>k2</p>"}]}`, ErrInvalidTransition},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			store := seededStore(t)
			ev, err := ParseCallback([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseCallback returned error: %v", err)
			}
			if _, err := NewIngester(store).Apply(context.Background(), ev); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			snap, _ := store.GetStatus(context.Background(), "job-cb")
			for _, c := range snap.Cities {
				if c.Status != CityPending {
					t.Fatalf("city %s written although the event was rejected", c.Name)
				}
			}

			// 正しいイベントの再送はそのまま受理される
			retry, _ := ParseCallback([]byte(`{"job_id":"job-cb","cities":[{"name":"Köln","content":"<p>k</p>"}]}`))
			if _, err := NewIngester(store).Apply(context.Background(), retry); err != nil {
				t.Fatalf("retry after rejection returned error: %v", err)
			}
		})
	}
}

func TestIngesterErrors(t *testing.T) {
	store := seededStore(t)
	ing := NewIngester(store)
	ctx := context.Background()

	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"missing content", `{"job_id":"job-cb","city":"Köln"}`, ErrValidation},
		{"unknown status", `{"job_id":"job-cb","city":"Köln","content":"x","status":"queued"}`, ErrValidation},
		{"unknown job", `{"job_id":"nope","city":"Köln","content":"x"}`, ErrNotFound},
		{"unknown city", `{"job_id":"job-cb","city":"Berlin","content":"x"}`, ErrNotFound},
		{"unknown job multi", `{"job_id":"nope","cities":[{"name":"Köln","content":"x"}]}`, ErrNotFound},
	}
	for _, tc := range cases {
		ev, err := ParseCallback([]byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: ParseCallback returned error: %v", tc.name, err)
		}
		if _, err := ing.Apply(ctx, ev); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}
