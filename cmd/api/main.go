// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"log"
	"net/http"
	"slices"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/subpage-forge/internal/config"
	"github.com/yourusername/subpage-forge/internal/jobs"
	"github.com/yourusername/subpage-forge/internal/notify"
	"github.com/yourusername/subpage-forge/internal/session"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// ジョブストア・ディスパッチャーの準備
	deps, err := setupJobs(cfg, log.Default())
	if err != nil {
		log.Fatalf("Failed to set up jobs: %v", err)
	}
	defer deps.Close()

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（投入したジョブの記録に使用）
	secret := cfg.SessionSecret
	if secret == "" {
		log.Printf("SESSION_SECRET is not set; using an insecure development secret")
		secret = "subpage-forge-development-secret"
	}
	router.Use(sessions.Sessions(session.CookieName, session.NewCookieStore(secret, cfg.GinMode == gin.ReleaseMode)))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	origins := cfg.AllowedOrigins()
	if slices.Contains(origins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
	}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, deps, origins)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s, store: %s, dispatch: %s)", addr, cfg.GinMode, cfg.StoreBackend, cfg.DispatchMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "subpage-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと WebSocket の配線を行います。
func setupRoutes(router *gin.Engine, deps *jobDeps, origins []string) {
	router.GET("/health", handleHealth)

	tracker := session.NewTracker(log.Default())
	opts := jobs.HandlerOptions{Tracker: tracker}

	api := router.Group("/api")
	{
		api.POST("/jobs", jobs.SubmitHandler(deps.manager, opts))
		api.POST("/jobs/:id/dispatch", jobs.RedispatchHandler(deps.manager))
		api.GET("/jobs/:id/subpages/:subpageId/tsx", jobs.TSXHandler(deps.manager))

		// 生成エンジンからのコールバック
		api.POST("/subpage-callback", jobs.CallbackHandler(deps.manager))

		api.GET("/job-data", jobs.JobDataHandler(deps.manager, opts))
		api.GET("/job-status", jobs.JobStatusHandler(deps.manager))
		api.GET("/session/jobs", tracker.JobsHandler)
	}

	router.GET("/ws/jobs/:id", notify.WSHandler(deps.hub, deps.manager, notify.NewUpgrader(origins)))
}
