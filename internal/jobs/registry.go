package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRegistryClosed はシャットダウン開始後の Start に対するエラーです。
	ErrRegistryClosed = errors.New("job registry is closed")

	// ErrJobNotFound は未知のジョブIDに対するエラーです。
	ErrJobNotFound = errors.New("job not found")
)

// Body はジョブ本体です。渡された Publisher で各フェーズと
// 終了イベント（done または error）を発行する責務を持ちます。
type Body func(ctx context.Context, pub *Publisher) error

// Scheduler はジョブ本体の実行を引き受けるインターフェースです。
// 本番では Asynq ワーカー、テストでは goroutine 実行を差し込みます。
type Scheduler interface {
	Schedule(ctx context.Context, jobID string) error
}

// Registry は「kind K, scope S のジョブは実行中か」の唯一の管理者です。
// 同一キーに対する Start を1つのジョブへ集約し、外部副作用の重複を防ぎます。
// プロセス全体で共有するサービスとして main で生成・注入します（グローバル変数にはしません）。
type Registry struct {
	mu       sync.Mutex
	active   map[Key]*Job    // 終了していないジョブ
	finished map[Key]*Job    // キーごとの直近の終了ジョブ
	byID     map[string]*Job // 遅延リプレイ用の全ジョブ索引
	closed   bool

	scheduler Scheduler
	store     *Store // nil可（メモリのみで動作）
	logger    *log.Logger
	wg        sync.WaitGroup
}

// NewRegistry は Registry を作成します。store は nil を許容します。
// Scheduler を差し替えない場合、ジョブ本体は goroutine で即時実行されます。
func NewRegistry(store *Store, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	r := &Registry{
		active:   make(map[Key]*Job),
		finished: make(map[Key]*Job),
		byID:     make(map[string]*Job),
		store:    store,
		logger:   logger,
	}
	r.scheduler = goScheduler{r: r}
	return r
}

// UseScheduler は実行方式を差し替えます。Start より前に呼びます。
func (r *Registry) UseScheduler(s Scheduler) {
	r.scheduler = s
}

// Start は (kind, scopeKey) のジョブを開始します。
// 同一キーのジョブが実行中の場合は body を起動せず既存ジョブを返します
// （created=false）。重複チェックと登録は単一ロック内で行い、
// 近接した同時 Start が二重に副作用を起こすことを防ぎます。
func (r *Registry) Start(ctx context.Context, kind, scopeKey string, body Body) (*Job, bool, error) {
	key := Key{Kind: kind, ScopeKey: scopeKey}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, ErrRegistryClosed
	}
	if existing, ok := r.active[key]; ok {
		r.mu.Unlock()
		return existing, false, nil
	}

	id := uuid.NewString()
	job := &Job{
		ID:        id,
		Kind:      kind,
		ScopeKey:  scopeKey,
		StartedAt: time.Now().UTC(),
		bus:       NewBus(id),
		body:      body,
		state:     StateQueued,
	}
	r.active[key] = job
	r.byID[id] = job
	r.wg.Add(1)
	r.mu.Unlock()

	r.mirror(job, nil)

	if err := r.scheduler.Schedule(ctx, id); err != nil {
		r.mu.Lock()
		delete(r.active, key)
		delete(r.byID, id)
		r.mu.Unlock()
		r.wg.Done()
		return nil, false, fmt.Errorf("failed to schedule job %s: %w", key, err)
	}

	r.logger.Printf("job started id=%s key=%s", id, key)
	return job, true, nil
}

// Execute はジョブ本体を実行します。Scheduler から呼ばれます。
// 本体が終了イベントを発行せずに終わった場合（エラー・パニックを含む）、
// 汎用の error 終了イベントを合成します。これにより同一キーの Start が
// 永久にブロックされることを防ぎます。
func (r *Registry) Execute(ctx context.Context, jobID string) error {
	r.mu.Lock()
	job, ok := r.byID[jobID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.State().Terminal() {
		return nil
	}

	job.setState(StateRunning)
	r.mirror(job, nil)

	pub := &Publisher{registry: r, job: job}
	err := runBody(ctx, job.body, pub)
	if err != nil {
		r.logger.Printf("job body failed id=%s key=%s: %v", job.ID, job.Key(), err)
	}

	if !job.bus.Closed() {
		// 安全網: 終了イベントなしで本体が終わった
		if perr := pub.Publish(PhaseError, "ジョブが予期せず終了しました", 1, nil); perr != nil {
			r.logger.Printf("failed to synthesize terminal event id=%s: %v", job.ID, perr)
		}
	}
	return err
}

func runBody(ctx context.Context, body Body, pub *Publisher) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job body panicked: %v", rec)
		}
	}()
	return body(ctx, pub)
}

// Status は状態プローブです。ジョブを新規に作ることはありません。
// メモリ上に見つからない場合のみ Redis 記録へフォールバックし、
// プロセス再起動をまたいだプローブに応答します。
func (r *Registry) Status(ctx context.Context, kind, scopeKey string) Status {
	key := Key{Kind: kind, ScopeKey: scopeKey}

	r.mu.Lock()
	if job, ok := r.active[key]; ok {
		r.mu.Unlock()
		return Status{Running: true, Progress: job.LastEvent()}
	}
	if job, ok := r.finished[key]; ok {
		r.mu.Unlock()
		return Status{Running: false, Progress: job.LastEvent()}
	}
	r.mu.Unlock()

	if r.store != nil {
		if record, err := r.store.Get(ctx, key); err != nil {
			r.logger.Printf("status probe: store lookup failed key=%s: %v", key, err)
		} else if record != nil {
			return Status{Running: !record.State.Terminal(), Progress: record.Progress}
		}
	}
	return Status{}
}

// Get はジョブIDからジョブを引きます。終了済みジョブも参照できます。
func (r *Registry) Get(jobID string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	return job, ok
}

// DrainAndClose は新規 Start の受付を止め、実行中ジョブの完了を待ちます。
// ctx の期限までに完了しない場合はエラーを返します。
func (r *Registry) DrainAndClose(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain timed out: %w", ctx.Err())
	}
}

// finalize は終了イベント観測時に1度だけ呼ばれ、ジョブを
// 実行中索引から外して終了状態を記録します。Bus 側には手を入れません。
func (r *Registry) finalize(job *Job, ev ProgressEvent) {
	r.mu.Lock()
	job.mu.Lock()
	if job.finalized {
		job.mu.Unlock()
		r.mu.Unlock()
		return
	}
	job.finalized = true
	if ev.Phase == PhaseDone {
		job.state = StateDone
	} else {
		job.state = StateError
	}
	job.lastEvent = &ev
	job.mu.Unlock()

	delete(r.active, job.Key())
	r.finished[job.Key()] = job
	// TODO: byID と finished は終了後も遅延プローブ用に残している。
	// JobExpireMinutes 経過後に掃除する定期処理を入れる。
	r.mu.Unlock()

	r.mirror(job, &ev)
	r.wg.Done()
	r.logger.Printf("job finished id=%s key=%s phase=%s", job.ID, job.Key(), ev.Phase)
}

// mirror はジョブ記録を Redis へ書き出します。失敗しても配信は止めません。
func (r *Registry) mirror(job *Job, ev *ProgressEvent) {
	if r.store == nil {
		return
	}
	if ev == nil {
		ev = job.LastEvent()
	}
	record := &Record{
		JobID:    job.ID,
		Kind:     job.Kind,
		ScopeKey: job.ScopeKey,
		State:    job.State(),
		Progress: ev,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.Upsert(ctx, record); err != nil {
		r.logger.Printf("failed to mirror job record id=%s: %v", job.ID, err)
	}
}

// Publisher はジョブ本体に渡す発行ハンドルです。
// 発行のたびに Redis 記録を更新し、終了イベントでレジストリの
// 状態遷移を駆動します。
type Publisher struct {
	registry *Registry
	job      *Job
}

// Publish は進捗イベントを発行します。終了イベント発行後は ErrBusClosed を返します。
func (p *Publisher) Publish(phase, detail string, progress float64, payload map[string]any) error {
	ev, err := p.job.bus.Publish(phase, detail, progress, payload)
	if err != nil {
		return err
	}
	if ev.Terminal() {
		p.registry.finalize(p.job, ev)
	} else {
		p.registry.mirror(p.job, &ev)
	}
	return nil
}

// JobID は発行先ジョブのIDを返します。
func (p *Publisher) JobID() string {
	return p.job.ID
}

// goScheduler はジョブ本体を goroutine で即時実行する既定の Scheduler です。
type goScheduler struct {
	r *Registry
}

func (s goScheduler) Schedule(_ context.Context, jobID string) error {
	// ジョブは起動元リクエストより長生きするため Background を使う
	go func() {
		_ = s.r.Execute(context.Background(), jobID)
	}()
	return nil
}
