// Package jobs は長時間実行ジョブの登録・重複排除・進捗配信機能を提供します。
package jobs

import (
	"context"
	"sync"
	"time"
)

// State はジョブの実行状態を表します。
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateError   State = "error"
)

// Terminal は終了状態かどうかを返します。
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// 終了フェーズ。これ以降のイベントは発行できません。
const (
	PhaseDone  = "done"
	PhaseError = "error"
)

// Key はジョブの同一性 (kind, scopeKey) を表します。
// 同一キーで running のジョブは同時に最大1つです。
type Key struct {
	Kind     string
	ScopeKey string
}

func (k Key) String() string {
	return k.Kind + "/" + k.ScopeKey
}

// ProgressEvent はジョブ進捗の1レコードです。
// Sequence はジョブごとに0から単調増加し、欠番はありません。
type ProgressEvent struct {
	JobID    string         `json:"jobId"`
	Sequence int64          `json:"sequence"`
	Phase    string         `json:"phase"`
	Detail   string         `json:"detail,omitempty"`
	Progress float64        `json:"progress"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Terminal は終了イベントかどうかを返します。
func (e ProgressEvent) Terminal() bool {
	return e.Phase == PhaseDone || e.Phase == PhaseError
}

// Status は状態プローブの応答です。Progress は未発行の場合 nil です。
type Status struct {
	Running  bool           `json:"running"`
	Progress *ProgressEvent `json:"progress"`
}

// Job は1つの長時間実行ジョブを表します。
// 進捗は内部の ProgressBus を通じてのみ配信されます。
type Job struct {
	ID        string
	Kind      string
	ScopeKey  string
	StartedAt time.Time

	bus  *Bus
	body Body

	mu        sync.Mutex
	state     State
	lastEvent *ProgressEvent
	finalized bool
}

// Key はジョブの同一性キーを返します。
func (j *Job) Key() Key {
	return Key{Kind: j.Kind, ScopeKey: j.ScopeKey}
}

// State は現在の実行状態を返します。
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// LastEvent は直近に発行された進捗イベントを返します。
func (j *Job) LastEvent() *ProgressEvent {
	if ev, ok := j.bus.Last(); ok {
		return &ev
	}
	return nil
}

// Subscribe は sequence >= from のイベントを配信するチャネルを返します。
// 配信仕様は Bus.Subscribe と同じです。
func (j *Job) Subscribe(ctx context.Context, from int64) <-chan ProgressEvent {
	return j.bus.Subscribe(ctx, from)
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// Record はRedisへ書き出すジョブ記録です。
// プロセス再起動後の状態プローブと運用時の調査に使用します。
type Record struct {
	JobID     string         `json:"jobId"`
	Kind      string         `json:"kind"`
	ScopeKey  string         `json:"scopeKey"`
	State     State          `json:"state"`
	Progress  *ProgressEvent `json:"progress,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
}
