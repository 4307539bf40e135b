package jobs

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed は終了イベント発行後に Publish が呼ばれた場合のエラーです。
var ErrBusClosed = errors.New("progress bus is closed")

// Bus は1ジョブ分の追記専用イベントログです。
// 発行者はジョブ本体のただ1つ、購読者は任意の数を許容します。
// 購読者は参加時期にかかわらず、欠番なく全イベントを受信し、
// 終了イベントを必ず1回だけ受信します。
type Bus struct {
	jobID string

	mu      sync.Mutex
	events  []ProgressEvent
	closed  bool
	changed chan struct{} // Publishごとにcloseして作り直すブロードキャスト
}

// NewBus はジョブIDに紐づく Bus を作成します。
func NewBus(jobID string) *Bus {
	return &Bus{
		jobID:   jobID,
		changed: make(chan struct{}),
	}
}

// Publish は次のシーケンス番号でイベントを追記します。
// progress は 0..1 に丸められます。終了フェーズの発行後は ErrBusClosed を返します。
func (b *Bus) Publish(phase, detail string, progress float64, payload map[string]any) (ProgressEvent, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ProgressEvent{}, ErrBusClosed
	}

	ev := ProgressEvent{
		JobID:    b.jobID,
		Sequence: int64(len(b.events)),
		Phase:    phase,
		Detail:   detail,
		Progress: progress,
		Payload:  payload,
	}
	b.events = append(b.events, ev)
	if ev.Terminal() {
		b.closed = true
	}

	// 待機中の購読者全員を起こす
	close(b.changed)
	b.changed = make(chan struct{})

	return ev, nil
}

// Last は直近のイベントを返します。未発行の場合は false を返します。
func (b *Bus) Last() (ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return ProgressEvent{}, false
	}
	return b.events[len(b.events)-1], true
}

// Closed は終了イベントが発行済みかどうかを返します。
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Subscribe は sequence >= from のイベントを順に配信するチャネルを返します。
// 発行済みのバックログを配信した後、ライブイベントを継続して配信し、
// 終了イベントの配信後にチャネルを閉じます。
// ctx のキャンセルは購読の切り離しのみを意味し、発行側には影響しません。
func (b *Bus) Subscribe(ctx context.Context, from int64) <-chan ProgressEvent {
	if from < 0 {
		from = 0
	}
	out := make(chan ProgressEvent)

	go func() {
		defer close(out)
		next := from
		for {
			b.mu.Lock()
			var pending []ProgressEvent
			if next < int64(len(b.events)) {
				pending = b.events[next:len(b.events):len(b.events)]
			}
			closed := b.closed
			changed := b.changed
			b.mu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			next += int64(len(pending))

			if closed {
				// 終了イベントまで配信済み
				return
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
