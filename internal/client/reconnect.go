// Package client はジョブストリームとチャットの再接続ポリシーを提供します。
// サーバー側の状態には一切触れず、状態プローブと購読の張り直しだけで
// 終了イベントの取りこぼしを防ぎます。
package client

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"time"

	"github.com/yourusername/ops-console/internal/jobs"
	"github.com/yourusername/ops-console/internal/stream"
)

// DefaultRetryDelay は再接続までの固定待機時間です。
const DefaultRetryDelay = 3 * time.Second

// StatusProbe はジョブの現況を取得します。ジョブを開始してはいけません。
type StatusProbe interface {
	Status(ctx context.Context, kind, scope string) (jobs.Status, error)
}

// Transport は進捗ストリームの購読を開きます。
// from は購読開始シーケンスです（0 = 全リプレイ）。
type Transport interface {
	Subscribe(ctx context.Context, kind, scope string, from int64) (io.ReadCloser, error)
}

// Coordinator はジョブ進捗の追跡を切断をまたいで継続します。
// apply は同一イベントの再適用があり得るため冪等である必要がありますが、
// Coordinator 自身もシーケンス番号で既知イベントを読み捨てるため、
// 通常は同じイベントが apply へ2度渡ることはありません。
type Coordinator struct {
	probe     StatusProbe
	transport Transport
	apply     func(jobs.ProgressEvent)
	delay     time.Duration
	logger    *log.Logger

	lastSeen int64
}

// NewCoordinator は Coordinator を作成します。delay が0以下の場合は
// DefaultRetryDelay を使用します。
func NewCoordinator(probe StatusProbe, transport Transport, apply func(jobs.ProgressEvent), delay time.Duration, logger *log.Logger) *Coordinator {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		probe:     probe,
		transport: transport,
		apply:     apply,
		delay:     delay,
		logger:    logger,
		lastSeen:  -1,
	}
}

// Follow は (kind, scope) のジョブを終了イベントまで追跡します。
// 切断のたびに状態プローブ → lastSeen+1 からの再購読を固定間隔で繰り返し、
// ctx のキャンセル（ログアウト）で恒久的に停止します。
func (c *Coordinator) Follow(ctx context.Context, kind, scope string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		st, err := c.probe.Status(ctx, kind, scope)
		if err != nil {
			c.logger.Printf("reconnect: status probe failed kind=%s scope=%s: %v", kind, scope, err)
			if werr := c.wait(ctx); werr != nil {
				return werr
			}
			continue
		}

		if !st.Running {
			// 実行中でなければ残るのは終了イベントのみ
			if st.Progress != nil {
				c.applyEvent(*st.Progress)
			}
			return nil
		}

		terminal, err := c.consume(ctx, kind, scope)
		if err != nil {
			c.logger.Printf("reconnect: stream dropped kind=%s scope=%s: %v", kind, scope, err)
		}
		if terminal {
			return nil
		}
		if werr := c.wait(ctx); werr != nil {
			return werr
		}
	}
}

// consume は1回分の購読を終了イベントか切断まで読み続けます。
func (c *Coordinator) consume(ctx context.Context, kind, scope string) (terminal bool, err error) {
	rc, err := c.transport.Subscribe(ctx, kind, scope, c.lastSeen+1)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	err = stream.Decode(ctx, rc, func(payload json.RawMessage) error {
		var ev jobs.ProgressEvent
		if uerr := json.Unmarshal(payload, &ev); uerr != nil {
			// 不正な行は読み捨てる（前方互換）
			return nil
		}
		c.applyEvent(ev)
		if ev.Terminal() {
			terminal = true
			return io.EOF
		}
		return nil
	})
	if err == io.EOF {
		err = nil
	}
	return terminal, err
}

// applyEvent は未知のイベントのみ apply へ渡します。
// seq 0 からのリプレイで既知フェーズが再配信されても二重適用になりません。
func (c *Coordinator) applyEvent(ev jobs.ProgressEvent) {
	if ev.Sequence <= c.lastSeen {
		return
	}
	c.lastSeen = ev.Sequence
	if c.apply != nil {
		c.apply(ev)
	}
}

func (c *Coordinator) wait(ctx context.Context) error {
	select {
	case <-time.After(c.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChatRetrier は切断のたびに新しいチャットセッションを確立します。
// 進行中だった生成の再開は試みません（接続断で放棄される仕様）。
type ChatRetrier struct {
	// Dial は1セッション分の接続・認証・対話を実行し、切断で復帰します。
	Dial func(ctx context.Context) error

	Delay  time.Duration
	Logger *log.Logger
}

// Run は ctx がキャンセルされる（ログアウトで資格情報が破棄される）まで
// 固定間隔でセッションを張り直し続けます。
func (r *ChatRetrier) Run(ctx context.Context) error {
	delay := r.Delay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Dial(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("chat reconnect: session ended: %v", err)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
