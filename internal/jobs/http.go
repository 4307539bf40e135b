package jobs

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/ops-console/internal/stream"
)

const (
	// DefaultScope は scope クエリ省略時のスコープキーです。
	DefaultScope = "default"

	keepAliveInterval = 15 * time.Second
)

// Service はハンドラーが必要とするレジストリ操作です。
type Service interface {
	Start(ctx context.Context, kind, scopeKey string, body Body) (*Job, bool, error)
	Status(ctx context.Context, kind, scopeKey string) Status
}

// BodyFactory はスコープキーからジョブ本体を組み立てます。
type BodyFactory func(scopeKey string) Body

// KindSet は公開するジョブ種別と本体ファクトリの対応表です。
type KindSet map[string]BodyFactory

// StreamHandler は POST /api/jobs/:kind/stream のハンドラーを返します。
// ジョブの開始（または実行中ジョブへの合流）と進捗ストリームの購読を
// 1回の呼び出しで行います。from クエリで購読開始シーケンスを指定できます
// （省略時は0 = 全イベントのリプレイ）。
// 購読側の切断はジョブ本体にも他の購読者にも影響しません。
func StreamHandler(svc Service, kinds KindSet) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := c.Param("kind")
		factory, ok := kinds[kind]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "UNKNOWN_JOB_KIND",
				"message": "指定されたジョブ種別は存在しません。",
			})
			return
		}

		scope := strings.TrimSpace(c.DefaultQuery("scope", DefaultScope))
		if scope == "" {
			scope = DefaultScope
		}

		from := int64(0)
		if raw := c.Query("from"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "from には0以上の整数を指定してください。",
				})
				return
			}
			from = parsed
		}

		job, _, err := svc.Start(c.Request.Context(), kind, scope, factory(scope))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "JOB_START_FAILED",
				"message": "ジョブの開始に失敗しました。",
			})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-store")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Header("X-Job-Id", job.ID)
		c.Status(http.StatusOK)

		w := stream.NewWriter(c.Writer)
		sub := job.Subscribe(c.Request.Context(), from)
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case ev, open := <-sub:
				if !open {
					// 終了イベントまで配信済み
					return
				}
				if werr := w.WriteEvent(ev); werr != nil {
					return
				}
			case <-ticker.C:
				if werr := w.WriteComment("ping"); werr != nil {
					return
				}
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}

// StatusHandler は GET /api/jobs/:kind/status のハンドラーを返します。
// ジョブを新規に開始することはありません。再接続時のプローブに使用します。
func StatusHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := c.Param("kind")
		scope := strings.TrimSpace(c.DefaultQuery("scope", DefaultScope))
		if scope == "" {
			scope = DefaultScope
		}

		st := svc.Status(c.Request.Context(), kind, scope)
		c.JSON(http.StatusOK, st)
	}
}
