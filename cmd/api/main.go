// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/ops-console/internal/assistant"
	"github.com/yourusername/ops-console/internal/auth"
	"github.com/yourusername/ops-console/internal/chat"
	"github.com/yourusername/ops-console/internal/config"
	"github.com/yourusername/ops-console/internal/jobs"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.Default()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	// ジョブ基盤の組み立て
	registry, manager, redisClient, err := setupJobs(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to set up jobs: %v", err)
	}
	manager.StartWorkers()

	// チャット応答生成の組み立て
	responder, err := buildResponder(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to set up chat responder: %v", err)
	}

	// ルーティングの設定
	authManager := auth.NewManager(cfg)
	kinds := buildJobKinds(cfg, redisClient)
	setupRoutes(router, authManager, registry, kinds, responder, logger)

	// サーバーの起動とグレースフルシャットダウン
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 新規ジョブの受付を止め、実行中ジョブの完了を待つ
	if err := registry.DrainAndClose(shutdownCtx); err != nil {
		log.Printf("Job drain did not finish cleanly: %v", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("Worker shutdown failed: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "ops-console-api",
		"version": "0.1.0",
	})
}

// buildResponder はチャット応答生成の実装を選びます。
// APIキー未設定の開発環境ではエコー応答にフォールバックします
// （release モードでは config.Validate がキーを必須にしています）。
func buildResponder(cfg *config.Config, logger *log.Logger) (chat.Responder, error) {
	if cfg.OpenAIAPIKey == "" {
		logger.Printf("OPENAI_API_KEY is not set; chat falls back to echo responder")
		return echoResponder{}, nil
	}
	return assistant.NewOpenAIResponder(cfg.OpenAIAPIKey, cfg.ChatModel)
}

// echoResponder は開発用の応答生成実装です。受信本文をそのまま返します。
type echoResponder struct{}

func (echoResponder) Respond(ctx context.Context, content string, em chat.Emitter) (string, error) {
	em.Delta(content)
	return content, nil
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(
	router *gin.Engine,
	authManager *auth.Manager,
	registry *jobs.Registry,
	kinds jobs.KindSet,
	responder chat.Responder,
	logger *log.Logger,
) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			// 開始と購読を1回の呼び出しで行う（既存ジョブには合流する）
			protected.POST("/jobs/:kind/stream", jobs.StreamHandler(registry, kinds))
			// 再接続時のプローブ。ジョブを開始しない
			protected.GET("/jobs/:kind/status", jobs.StatusHandler(registry))
		}
	}

	// チャットは最初の auth フレームでトークン検証するため、ログイン
	// ミドルウェアの外に置く
	router.GET("/ws/chat", chat.Handler(authManager, responder, logger))
}
