// Package poller はジョブの完了をタイマーループで待ち受けます。
package poller

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/subpage-forge/internal/jobs"
)

const (
	MessageFailed     = "Failed to generate subpage. Please try again."
	MessagePartial    = "Some subpages failed to generate. Please try again."
	MessageTimeout    = "Timeout: Subpage generation took too long. Please try again."
	MessageCheckError = "Error checking job status. Please try again."
)

// Config はポーリング間隔と試行回数です。
type Config struct {
	InitialDelay time.Duration
	Interval     time.Duration
	MaxAttempts  int
	SettleDelay  time.Duration
}

// DefaultConfig は 3 秒後に開始し、5 秒間隔で最大 60 回確認します。成功後は 7 秒待って引き渡します。
func DefaultConfig() Config {
	return Config{
		InitialDelay: 3 * time.Second,
		Interval:     5 * time.Second,
		MaxAttempts:  60,
		SettleDelay:  7 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	return c
}

// CityState は観測時点の都市1件の状態です。
type CityState struct {
	Name   string
	Status string
}

// Observation は1回の確認で得られたジョブの状態です。
type Observation struct {
	Found  bool
	Status string
	Cities []CityState
	Data   *jobs.JobData
}

// Source はジョブの状態を取得します。
type Source interface {
	Fetch(ctx context.Context, jobID string) (*Observation, error)
}

// OutcomeKind はポーリングの終わり方です。
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFailure
	OutcomeTimeout
	OutcomeCanceled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Outcome はポーリングの結果です。
type Outcome struct {
	Kind        OutcomeKind
	JobID       string
	Message     string
	Attempts    int
	Observation *Observation
	Err         error
}

// Handlers はポーリング中に呼ばれるコールバックです。いずれも nil で構いません。
// ハンドラーの中から Run.Cancel を呼んではいけません。
type Handlers struct {
	OnPending func(attempt int, obs *Observation)
	OnReady   func(Outcome)
	OnSettled func(Outcome)
	OnFailure func(Outcome)
	// OnTimeout が nil の場合、タイムアウトは OnFailure に渡されます。
	OnTimeout func(Outcome)
}

// Timer は Clock が返す停止可能なタイマーです。
type Timer interface {
	Stop() bool
}

// Clock はタイマーの生成元です。テストでは手動で進める実装に差し替えます。
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Poller は Source を一定間隔で確認します。
type Poller struct {
	source Source
	cfg    Config
	logger *log.Logger
	clock  Clock
}

// New は Poller を作成します。
func New(source Source, cfg Config, logger *log.Logger) *Poller {
	if logger == nil {
		logger = log.Default()
	}
	return &Poller{
		source: source,
		cfg:    cfg.withDefaults(),
		logger: logger,
		clock:  realClock{},
	}
}

// WithClock はタイマーの生成元を差し替えます。
func (p *Poller) WithClock(c Clock) *Poller {
	p.clock = c
	return p
}

// Run は1つのジョブに対する進行中のポーリングです。
type Run struct {
	poller   *Poller
	jobID    string
	handlers Handlers

	ctx         context.Context
	cancelFetch context.CancelFunc
	stopWatch   func() bool

	mu       sync.Mutex
	timer    Timer
	finished bool

	fireMu   sync.Mutex
	canceled atomic.Bool

	done    chan struct{}
	outcome Outcome
}

// Start は initialDelay 後に最初の確認を行うポーリングを開始します。
// ctx がキャンセルされると Cancel と同じく停止します。
func (p *Poller) Start(ctx context.Context, jobID string, h Handlers) *Run {
	fetchCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		poller:      p,
		jobID:       jobID,
		handlers:    h,
		ctx:         fetchCtx,
		cancelFetch: cancel,
		done:        make(chan struct{}),
	}
	stop := context.AfterFunc(ctx, r.Cancel)
	r.mu.Lock()
	r.stopWatch = stop
	r.mu.Unlock()
	r.schedule(p.cfg.InitialDelay, func() { r.attempt(1) })
	return r
}

// Cancel はポーリングを止めます。Cancel が戻った後、ハンドラーは呼ばれません。
func (r *Run) Cancel() {
	r.canceled.Store(true)
	r.cancelFetch()

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()

	// 実行中のハンドラーがあれば終わるまで待つ
	r.fireMu.Lock()
	r.fireMu.Unlock()

	r.finish(Outcome{Kind: OutcomeCanceled, JobID: r.jobID})
}

// Done はポーリングが終わると閉じられるチャネルを返します。
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Outcome は終了後の結果を返します。Done が閉じる前は空の Outcome です。
func (r *Run) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Wait はポーリングの終了か ctx のキャンセルを待ちます。
func (r *Run) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (r *Run) schedule(d time.Duration, f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.canceled.Load() {
		return
	}
	r.timer = r.poller.clock.AfterFunc(d, f)
}

func (r *Run) finish(o Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.finished = true
	r.outcome = o
	if r.stopWatch != nil {
		r.stopWatch()
	}
	r.cancelFetch()
	close(r.done)
	return true
}

// fire はキャンセルされていなければハンドラーを呼びます。
func (r *Run) fire(f func()) bool {
	r.fireMu.Lock()
	defer r.fireMu.Unlock()
	if r.canceled.Load() {
		return false
	}
	f()
	return true
}

func (r *Run) attempt(n int) {
	if r.canceled.Load() {
		return
	}
	p := r.poller
	obs, err := p.source.Fetch(r.ctx, r.jobID)
	if r.canceled.Load() {
		return
	}

	if err != nil {
		p.logger.Printf("poll failed job=%s attempt=%d/%d: %v", r.jobID, n, p.cfg.MaxAttempts, err)
		if n >= p.cfg.MaxAttempts {
			r.timeout(Outcome{Kind: OutcomeTimeout, JobID: r.jobID, Message: MessageCheckError, Attempts: n, Err: err})
			return
		}
		r.schedule(p.cfg.Interval, func() { r.attempt(n + 1) })
		return
	}

	switch kind, msg := classify(obs); kind {
	case OutcomeSuccess:
		p.logger.Printf("job ready job=%s attempt=%d", r.jobID, n)
		ready := Outcome{Kind: OutcomeSuccess, JobID: r.jobID, Attempts: n, Observation: obs}
		if !r.fire(func() { call(r.handlers.OnReady, ready) }) {
			return
		}
		r.schedule(p.cfg.SettleDelay, func() {
			if r.fire(func() { call(r.handlers.OnSettled, ready) }) {
				r.finish(ready)
			}
		})
	case OutcomeFailure:
		p.logger.Printf("job failed job=%s attempt=%d status=%s", r.jobID, n, obs.Status)
		failed := Outcome{Kind: OutcomeFailure, JobID: r.jobID, Message: msg, Attempts: n, Observation: obs}
		if r.fire(func() { call(r.handlers.OnFailure, failed) }) {
			r.finish(failed)
		}
	default:
		if r.handlers.OnPending != nil && !r.fire(func() { r.handlers.OnPending(n, obs) }) {
			return
		}
		if n >= p.cfg.MaxAttempts {
			p.logger.Printf("polling timed out job=%s attempts=%d", r.jobID, n)
			r.timeout(Outcome{Kind: OutcomeTimeout, JobID: r.jobID, Message: MessageTimeout, Attempts: n, Observation: obs})
			return
		}
		r.schedule(p.cfg.Interval, func() { r.attempt(n + 1) })
	}
}

func (r *Run) timeout(o Outcome) {
	h := r.handlers.OnTimeout
	if h == nil {
		h = r.handlers.OnFailure
	}
	if r.fire(func() { call(h, o) }) {
		r.finish(o)
	}
}

func call(h func(Outcome), o Outcome) {
	if h != nil {
		h(o)
	}
}

// classify は観測結果を成功・失敗・継続に分類します。
// "completeted" は既存エンジンの綴り誤りで、completed として扱います。
func classify(obs *Observation) (OutcomeKind, string) {
	if obs == nil || !obs.Found {
		return 0, ""
	}
	switch obs.Status {
	case "completed", "completeted":
		return OutcomeSuccess, ""
	case "failed", "error":
		return OutcomeFailure, MessageFailed
	}
	if len(obs.Cities) == 0 {
		return 0, ""
	}
	var completed, terminal int
	for _, c := range obs.Cities {
		switch c.Status {
		case string(jobs.CityCompleted), "completeted":
			completed++
			terminal++
		case string(jobs.CityErrorProcessing), string(jobs.CityErrorNoCities), "error", "failed":
			terminal++
		}
	}
	switch {
	case completed == len(obs.Cities):
		return OutcomeSuccess, ""
	case terminal == len(obs.Cities):
		return OutcomeFailure, MessagePartial
	default:
		return 0, ""
	}
}
