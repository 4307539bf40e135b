package chat

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Handler は GET /ws/chat のWebSocketハンドラーを返します。
// 接続ごとに Session を1つ作り、切断までブロックします。
// 認証はHTTP層ではなく最初の auth フレームで行うため、このルートは
// ログインミドルウェアの外に置きます。
func Handler(validator TokenValidator, responder Responder, logger *log.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = log.Default()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// オリジン制限はCORS設定側で担う。トークン検証が必須のため許可する
			return true
		},
	}

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade 失敗時は upgrader が応答を書き込み済み
			logger.Printf("websocket upgrade failed: %v", err)
			return
		}

		session := NewSession(conn, validator, responder, logger)
		logger.Printf("chat session %s: connected", session.ID)
		session.Run(c.Request.Context())
		logger.Printf("chat session %s: closed", session.ID)
	}
}
