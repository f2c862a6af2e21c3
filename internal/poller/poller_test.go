package poller

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/subpage-forge/internal/jobs"
)

type fakeTimer struct {
	at      time.Duration
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// fakeClock は Advance で進めたときだけタイマーを発火させます。発火は呼び出し元の goroutine で行います。
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{at: c.now + d, seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && t.at <= target {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at == due[j].at {
				return due[i].seq < due[j].seq
			}
			return due[i].at < due[j].at
		})
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

type scriptedSource struct {
	mu      sync.Mutex
	calls   int
	results []func() (*Observation, error)
}

func (s *scriptedSource) Fetch(ctx context.Context, jobID string) (*Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	idx := s.calls - 1
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	return s.results[idx]()
}

func (s *scriptedSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func pending() (*Observation, error) {
	return &Observation{Found: true, Status: "pending", Cities: []CityState{{Name: "Ulm", Status: "pending"}}}, nil
}

func status(s string) func() (*Observation, error) {
	return func() (*Observation, error) {
		return &Observation{Found: true, Status: s}, nil
	}
}

type recorder struct {
	mu       sync.Mutex
	ready    []Outcome
	settled  []Outcome
	failures []Outcome
	timeouts []Outcome
	pendings int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnPending: func(int, *Observation) { r.mu.Lock(); r.pendings++; r.mu.Unlock() },
		OnReady:   func(o Outcome) { r.mu.Lock(); r.ready = append(r.ready, o); r.mu.Unlock() },
		OnSettled: func(o Outcome) { r.mu.Lock(); r.settled = append(r.settled, o); r.mu.Unlock() },
		OnFailure: func(o Outcome) { r.mu.Lock(); r.failures = append(r.failures, o); r.mu.Unlock() },
		OnTimeout: func(o Outcome) { r.mu.Lock(); r.timeouts = append(r.timeouts, o); r.mu.Unlock() },
	}
}

func newTestPoller(src Source) (*Poller, *fakeClock) {
	clock := &fakeClock{}
	p := New(src, DefaultConfig(), log.New(io.Discard, "", 0)).WithClock(clock)
	return p, clock
}

func TestPollerTimesOutAfterMaxAttempts(t *testing.T) {
	src := &scriptedSource{results: []func() (*Observation, error){pending}}
	p, clock := newTestPoller(src)
	rec := &recorder{}
	run := p.Start(context.Background(), "job-1", rec.handlers())

	clock.Advance(2 * time.Second)
	if src.count() != 0 {
		t.Fatalf("polled before initial delay")
	}
	clock.Advance(time.Second)
	if src.count() != 1 {
		t.Fatalf("expected first poll at 3s, got %d polls", src.count())
	}

	// 60 回目は 3s + 59*5s = 298s
	clock.Advance(294 * time.Second)
	if src.count() != 59 || len(rec.timeouts) != 0 {
		t.Fatalf("expected 59 polls and no timeout yet, got %d polls", src.count())
	}
	clock.Advance(time.Second)
	if src.count() != 60 || len(rec.timeouts) != 1 {
		t.Fatalf("expected timeout after 60 polls, got %d polls and %d timeouts", src.count(), len(rec.timeouts))
	}

	out := rec.timeouts[0]
	if out.Kind != OutcomeTimeout || out.Message != MessageTimeout || out.Attempts != 60 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(rec.failures) != 0 {
		t.Fatalf("timeout must be distinct from failure")
	}
	select {
	case <-run.Done():
	default:
		t.Fatalf("run not done after timeout")
	}

	clock.Advance(time.Hour)
	if src.count() != 60 {
		t.Fatalf("polled after timeout: %d", src.count())
	}
}

func TestPollerSuccessSettlesBeforeHandOff(t *testing.T) {
	src := &scriptedSource{results: []func() (*Observation, error){pending, pending, status("completed")}}
	p, clock := newTestPoller(src)
	rec := &recorder{}
	run := p.Start(context.Background(), "job-2", rec.handlers())

	clock.Advance(13 * time.Second)
	if len(rec.ready) != 1 || len(rec.settled) != 0 {
		t.Fatalf("expected ready without settle, got ready=%d settled=%d", len(rec.ready), len(rec.settled))
	}
	if rec.pendings != 2 {
		t.Fatalf("expected 2 pending callbacks, got %d", rec.pendings)
	}

	clock.Advance(6 * time.Second)
	if len(rec.settled) != 0 {
		t.Fatalf("settled before settle delay")
	}
	clock.Advance(time.Second)
	if len(rec.settled) != 1 {
		t.Fatalf("expected settled after 7s")
	}
	if out := run.Outcome(); out.Kind != OutcomeSuccess || out.Attempts != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if src.count() != 3 {
		t.Fatalf("polled after success: %d", src.count())
	}
}

func TestPollerToleratesMisspelledCompleted(t *testing.T) {
	src := &scriptedSource{results: []func() (*Observation, error){status("completeted")}}
	p, clock := newTestPoller(src)
	rec := &recorder{}
	p.Start(context.Background(), "job-3", rec.handlers())

	clock.Advance(10 * time.Second)
	if len(rec.ready) != 1 || len(rec.settled) != 1 {
		t.Fatalf("expected success for completeted, got ready=%d settled=%d", len(rec.ready), len(rec.settled))
	}
}

func TestPollerFailure(t *testing.T) {
	for _, s := range []string{"failed", "error"} {
		src := &scriptedSource{results: []func() (*Observation, error){pending, status(s)}}
		p, clock := newTestPoller(src)
		rec := &recorder{}
		run := p.Start(context.Background(), "job-4", rec.handlers())

		clock.Advance(8 * time.Second)
		if len(rec.failures) != 1 || rec.failures[0].Message != MessageFailed {
			t.Fatalf("%s: expected immediate failure, got %+v", s, rec.failures)
		}
		if run.Outcome().Kind != OutcomeFailure {
			t.Fatalf("%s: unexpected outcome %+v", s, run.Outcome())
		}
		clock.Advance(time.Hour)
		if src.count() != 2 {
			t.Fatalf("%s: polled after failure: %d", s, src.count())
		}
	}
}

func TestPollerPartialFailure(t *testing.T) {
	mixed := func() (*Observation, error) {
		return &Observation{Found: true, Status: "pending", Cities: []CityState{
			{Name: "Ulm", Status: "completed"},
			{Name: "Köln", Status: "error_processing"},
		}}, nil
	}
	src := &scriptedSource{results: []func() (*Observation, error){mixed}}
	p, clock := newTestPoller(src)
	rec := &recorder{}
	p.Start(context.Background(), "job-5", rec.handlers())

	clock.Advance(3 * time.Second)
	if len(rec.failures) != 1 || rec.failures[0].Message != MessagePartial {
		t.Fatalf("expected partial failure, got %+v", rec.failures)
	}
}

func TestPollerErrorsConsumeAttempts(t *testing.T) {
	boom := func() (*Observation, error) { return nil, errors.New("connection refused") }
	src := &scriptedSource{results: []func() (*Observation, error){boom}}
	clock := &fakeClock{}
	p := New(src, Config{InitialDelay: time.Second, Interval: time.Second, MaxAttempts: 3}, log.New(io.Discard, "", 0)).WithClock(clock)
	rec := &recorder{}
	h := rec.handlers()
	h.OnTimeout = nil
	p.Start(context.Background(), "job-6", h)

	clock.Advance(3 * time.Second)
	if src.count() != 3 {
		t.Fatalf("expected 3 attempts, got %d", src.count())
	}
	if len(rec.failures) != 1 {
		t.Fatalf("expected timeout routed to OnFailure, got %d", len(rec.failures))
	}
	out := rec.failures[0]
	if out.Kind != OutcomeTimeout || out.Message != MessageCheckError || out.Err == nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestPollerNotFoundKeepsPolling(t *testing.T) {
	unknown := func() (*Observation, error) { return &Observation{Found: false, Status: "pending"}, nil }
	src := &scriptedSource{results: []func() (*Observation, error){unknown, unknown, status("completed")}}
	p, clock := newTestPoller(src)
	rec := &recorder{}
	p.Start(context.Background(), "job-7", rec.handlers())

	clock.Advance(13 * time.Second)
	if len(rec.ready) != 1 {
		t.Fatalf("expected success after not-found observations")
	}
}

func TestPollerCancel(t *testing.T) {
	src := &scriptedSource{results: []func() (*Observation, error){pending}}
	p, clock := newTestPoller(src)
	rec := &recorder{}
	run := p.Start(context.Background(), "job-8", rec.handlers())

	clock.Advance(8 * time.Second)
	run.Cancel()
	clock.Advance(time.Hour)

	if src.count() != 2 {
		t.Fatalf("polled after cancel: %d", src.count())
	}
	if len(rec.failures)+len(rec.timeouts)+len(rec.ready) != 0 {
		t.Fatalf("handler fired after cancel")
	}
	if run.Outcome().Kind != OutcomeCanceled {
		t.Fatalf("unexpected outcome %+v", run.Outcome())
	}
	run.Cancel()
}

func TestPollerCancelDuringSettle(t *testing.T) {
	src := &scriptedSource{results: []func() (*Observation, error){status("completed")}}
	p, clock := newTestPoller(src)
	rec := &recorder{}
	run := p.Start(context.Background(), "job-9", rec.handlers())

	clock.Advance(3 * time.Second)
	if len(rec.ready) != 1 {
		t.Fatalf("expected ready")
	}
	run.Cancel()
	clock.Advance(time.Minute)
	if len(rec.settled) != 0 {
		t.Fatalf("settled fired after cancel")
	}
}

func TestPollerContextCancel(t *testing.T) {
	src := &scriptedSource{results: []func() (*Observation, error){pending}}
	p, clock := newTestPoller(src)
	ctx, cancel := context.WithCancel(context.Background())
	run := p.Start(ctx, "job-10", Handlers{})

	cancel()
	select {
	case <-run.Done():
	case <-time.After(time.Second):
		t.Fatalf("run not stopped by context cancel")
	}
	clock.Advance(time.Hour)
	if src.count() != 0 {
		t.Fatalf("polled after context cancel: %d", src.count())
	}
}

func TestAPIClientFetchAgainstHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := jobs.NewMemoryStore()
	m, err := jobs.NewManager(store, noopDispatcher{}, nil, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	r := gin.New()
	r.POST("/api/jobs", jobs.SubmitHandler(m, jobs.HandlerOptions{}))
	r.GET("/api/job-data", jobs.JobDataHandler(m, jobs.HandlerOptions{}))
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := NewAPIClient(srv.URL+"/", time.Second)
	ctx := context.Background()

	obs, err := client.Fetch(ctx, "unknown")
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if obs.Found || obs.Status != "pending" {
		t.Fatalf("unexpected observation for unknown job: %+v", obs)
	}

	sub, err := client.Submit(ctx, jobs.Request{JobID: "c1", Domain: "example.de", Cities: []jobs.CityInput{{Name: "Ulm"}}})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if sub.JobID != "c1" || !sub.Dispatched {
		t.Fatalf("unexpected submit response: %+v", sub)
	}

	if _, err := m.Ingest(ctx, []byte(`{"job_id":"c1","city":"Ulm","content":"<p>u</p>"}`)); err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	obs, err = client.Fetch(ctx, "c1")
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if !obs.Found || obs.Status != "completed" || len(obs.Cities) != 1 || obs.Data.Cities[0].GeneratedHTML != "<p>u</p>" {
		t.Fatalf("unexpected observation: %+v", obs)
	}
}

func TestAPIClientFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewAPIClient(srv.URL, time.Second).Fetch(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, jobs.DispatchRequest) error { return nil }
