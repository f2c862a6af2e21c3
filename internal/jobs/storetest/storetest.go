// Package storetest は jobs.Store 実装が共通で満たすべき振る舞いのテストを提供します。
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/yourusername/subpage-forge/internal/jobs"
)

// Factory はテストごとに空のストアを返します。
type Factory func(t *testing.T) jobs.Store

// Fixture は2都市を持つジョブを組み立てます。
func Fixture(jobID string, cities ...jobs.CityInput) jobs.BuildResult {
	if len(cities) == 0 {
		cities = []jobs.CityInput{
			{Name: "Bad Homburg", Postcode: "61348"},
			{Name: "Köln", Postcode: "50667"},
		}
	}
	return jobs.NewBuilder().BuildRequest(jobs.Request{
		JobID:   jobID,
		Domain:  "https://www.example.de/",
		Branche: "IT",
		Cities:  cities,
	})
}

// Run は全ての共通テストを実行します。
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("DuplicateJob", func(t *testing.T) { testDuplicate(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("RejectsEmptyCities", func(t *testing.T) { testEmptyCities(t, newStore(t)) })
	t.Run("UpdateDerivesStatus", func(t *testing.T) { testUpdateDerivesStatus(t, newStore(t)) })
	t.Run("InvalidTransition", func(t *testing.T) { testInvalidTransition(t, newStore(t)) })
	t.Run("NameOnlyKey", func(t *testing.T) { testNameOnlyKey(t, newStore(t)) })
	t.Run("FailedDerivation", func(t *testing.T) { testFailedDerivation(t, newStore(t)) })
	t.Run("NoCitiesPlaceholder", func(t *testing.T) { testNoCities(t, newStore(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
}

func mustCreate(t *testing.T, store jobs.Store, built jobs.BuildResult) {
	t.Helper()
	if err := store.CreateJob(context.Background(), built.Job, built.Cities); err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
}

func testCreateAndGet(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	built := Fixture("job-1")
	mustCreate(t, store, built)

	job, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if job.JobID != "job-1" || job.Domain != "example.de" || job.Branche != "IT" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Status != jobs.StatusPending {
		t.Fatalf("job status = %s, want pending", job.Status)
	}

	snap, err := store.GetStatus(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if len(snap.Cities) != 2 {
		t.Fatalf("expected 2 cities, got %d", len(snap.Cities))
	}
	if snap.Cities[0].Name != "Bad Homburg" || snap.Cities[1].Name != "Köln" {
		t.Fatalf("city order not preserved: %+v", snap.Cities)
	}
	if snap.Cities[0].SubpageID != "example_de_bad_homburg_61348" {
		t.Fatalf("unexpected subpage id %q", snap.Cities[0].SubpageID)
	}
	if snap.Cities[1].Country != "Germany" || snap.Cities[1].Status != jobs.CityPending {
		t.Fatalf("unexpected second city: %+v", snap.Cities[1])
	}
}

func testDuplicate(t *testing.T, store jobs.Store) {
	built := Fixture("dup")
	mustCreate(t, store, built)
	err := store.CreateJob(context.Background(), built.Job, built.Cities)
	if !errors.Is(err, jobs.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
}

func testEmptyCities(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	built := Fixture("empty")
	if err := store.CreateJob(ctx, built.Job, nil); !errors.Is(err, jobs.ErrValidation) {
		t.Fatalf("expected ErrValidation for a job without cities, got %v", err)
	}
	if _, err := store.GetStatus(ctx, "empty"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("rejected job was stored: %v", err)
	}
}

func testNotFound(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	if _, err := store.GetJob(ctx, "missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("GetJob: expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetStatus(ctx, "missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("GetStatus: expected ErrNotFound, got %v", err)
	}
	update := jobs.CityUpdate{Content: "<p>x</p>", Status: jobs.CityCompleted}
	if _, err := store.UpdateCityContent(ctx, "missing", jobs.CityKey{Name: "Köln"}, update); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("UpdateCityContent: expected ErrNotFound, got %v", err)
	}

	mustCreate(t, store, Fixture("job-2"))
	if _, err := store.UpdateCityContent(ctx, "job-2", jobs.CityKey{Name: "Berlin"}, update); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("unknown city: expected ErrNotFound, got %v", err)
	}
}

func testUpdateDerivesStatus(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	mustCreate(t, store, Fixture("job-3"))

	rec, err := store.UpdateCityContent(ctx, "job-3", jobs.CityKey{Name: "Bad Homburg", Postcode: "61348"}, jobs.CityUpdate{
		Content:     "<html><body>Bad Homburg</body></html>",
		ContentType: "text/html; charset=utf-8",
		Status:      jobs.CityCompleted,
	})
	if err != nil {
		t.Fatalf("UpdateCityContent returned error: %v", err)
	}
	if rec.Status != jobs.CityCompleted || rec.GeneratedContent == "" || rec.ContentType != "text/html; charset=utf-8" {
		t.Fatalf("unexpected updated record: %+v", rec)
	}

	snap, err := store.GetStatus(ctx, "job-3")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if snap.Job.Status != jobs.StatusPending {
		t.Fatalf("status after one of two = %s, want pending", snap.Job.Status)
	}
	if snap.Cities[1].Status != jobs.CityPending || snap.Cities[1].GeneratedContent != "" {
		t.Fatalf("other city was modified: %+v", snap.Cities[1])
	}

	if _, err := store.UpdateCityContent(ctx, "job-3", jobs.CityKey{Name: "Köln", Postcode: "50667"}, jobs.CityUpdate{
		Content: "<p>Köln</p>",
		Status:  jobs.CityCompleted,
	}); err != nil {
		t.Fatalf("second update returned error: %v", err)
	}
	snap, err = store.GetStatus(ctx, "job-3")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if snap.Job.Status != jobs.StatusCompleted {
		t.Fatalf("status after all completed = %s, want completed", snap.Job.Status)
	}
	if snap.Cities[0].GeneratedContent != "<html><body>Bad Homburg</body></html>" {
		t.Fatalf("content not persisted: %q", snap.Cities[0].GeneratedContent)
	}
}

func testInvalidTransition(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	mustCreate(t, store, Fixture("job-4"))
	key := jobs.CityKey{Name: "Köln", Postcode: "50667"}

	if _, err := store.UpdateCityContent(ctx, "job-4", key, jobs.CityUpdate{Content: "x", Status: jobs.CityPending}); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("pending -> pending: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := store.UpdateCityContent(ctx, "job-4", key, jobs.CityUpdate{Content: "x", Status: jobs.CityCompleted}); err != nil {
		t.Fatalf("first update returned error: %v", err)
	}
	_, err := store.UpdateCityContent(ctx, "job-4", key, jobs.CityUpdate{Content: "y", Status: jobs.CityErrorProcessing})
	if !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("completed -> error_processing: expected ErrInvalidTransition, got %v", err)
	}

	snap, err := store.GetStatus(ctx, "job-4")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if snap.Cities[1].GeneratedContent != "x" || snap.Cities[1].Status != jobs.CityCompleted {
		t.Fatalf("rejected update leaked into record: %+v", snap.Cities[1])
	}
}

func testNameOnlyKey(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	mustCreate(t, store, Fixture("job-5"))

	rec, err := store.UpdateCityContent(ctx, "job-5", jobs.CityKey{Name: "Köln"}, jobs.CityUpdate{Content: "<p>k</p>", Status: jobs.CityCompleted})
	if err != nil {
		t.Fatalf("UpdateCityContent returned error: %v", err)
	}
	if rec.Postcode != "50667" {
		t.Fatalf("name-only key matched wrong record: %+v", rec)
	}
}

func testFailedDerivation(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	mustCreate(t, store, Fixture("job-6"))

	fail := jobs.CityUpdate{Content: "engine error", Status: jobs.CityErrorProcessing}
	if _, err := store.UpdateCityContent(ctx, "job-6", jobs.CityKey{Name: "Bad Homburg"}, fail); err != nil {
		t.Fatalf("UpdateCityContent returned error: %v", err)
	}
	snap, _ := store.GetStatus(ctx, "job-6")
	if snap.Job.Status != jobs.StatusFailed {
		t.Fatalf("one error + one pending = %s, want failed", snap.Job.Status)
	}
	if _, err := store.UpdateCityContent(ctx, "job-6", jobs.CityKey{Name: "Köln"}, fail); err != nil {
		t.Fatalf("UpdateCityContent returned error: %v", err)
	}
	snap, _ = store.GetStatus(ctx, "job-6")
	if snap.Job.Status != jobs.StatusFailed {
		t.Fatalf("all errors = %s, want failed", snap.Job.Status)
	}
}

func testNoCities(t *testing.T, store jobs.Store) {
	built := jobs.NewBuilder().BuildRequest(jobs.Request{JobID: "job-7", Domain: "example.de"})
	mustCreate(t, store, built)

	snap, err := store.GetStatus(context.Background(), "job-7")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if len(snap.Cities) != 1 || snap.Cities[0].Status != jobs.CityErrorNoCities {
		t.Fatalf("expected one error_no_cities record, got %+v", snap.Cities)
	}
	if snap.Cities[0].SubpageID != "example_de_no_city" {
		t.Fatalf("unexpected placeholder id %q", snap.Cities[0].SubpageID)
	}
	if snap.Job.Status != jobs.StatusFailed {
		t.Fatalf("job status = %s, want failed", snap.Job.Status)
	}
}

func testConcurrentUpdates(t *testing.T, store jobs.Store) {
	ctx := context.Background()
	const n = 8
	inputs := make([]jobs.CityInput, n)
	for i := range inputs {
		inputs[i] = jobs.CityInput{Name: fmt.Sprintf("Stadt %d", i), Postcode: fmt.Sprintf("1000%d", i)}
	}
	mustCreate(t, store, Fixture("job-8", inputs...))

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, in := range inputs {
		wg.Add(1)
		go func(in jobs.CityInput) {
			defer wg.Done()
			_, err := store.UpdateCityContent(ctx, "job-8", jobs.CityKey{Name: in.Name, Postcode: in.Postcode}, jobs.CityUpdate{
				Content: "<p>" + in.Name + "</p>",
				Status:  jobs.CityCompleted,
			})
			errs <- err
		}(in)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent update returned error: %v", err)
		}
	}

	snap, err := store.GetStatus(ctx, "job-8")
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if snap.Job.Status != jobs.StatusCompleted {
		t.Fatalf("status after concurrent updates = %s, want completed", snap.Job.Status)
	}
	for _, c := range snap.Cities {
		if c.GeneratedContent != "<p>"+c.Name+"</p>" {
			t.Fatalf("lost update for %s: %q", c.Name, c.GeneratedContent)
		}
	}
}
