// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアの種類
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// ディスパッチ方式
const (
	DispatchWebhook = "webhook"
	DispatchQueue   = "queue"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// セッション設定
	SessionSecret string // セッションクッキー署名用の秘密鍵

	// ジョブストア設定
	StoreBackend      string // memory / redis / sqlite
	StoreRedisURL     string // redis ストア用の接続URL
	SQLitePath        string // sqlite ストアのファイルパス
	JobRetentionHours int    // ジョブの保持時間（0 は無期限）

	// ディスパッチ設定
	DispatchMode           string // webhook / queue
	EngineWebhookURL       string // 生成エンジンの Webhook URL
	DispatchTimeoutSeconds int    // ディスパッチのタイムアウト（秒）
	QueueRedisURL          string // Asynq用Redis接続URL
	QueueName              string // Asynq のキュー名
	RelayConcurrency       int    // キューから Webhook へ中継するワーカー数（0 は中継しない）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// セッション設定
		SessionSecret: getEnv("SESSION_SECRET", ""),

		// ジョブストア設定
		StoreBackend:      strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		StoreRedisURL:     getEnv("STORE_REDIS_URL", "redis://127.0.0.1:6379/1"),
		SQLitePath:        getEnv("SQLITE_PATH", "subpage-forge.db"),
		JobRetentionHours: getEnvAsInt("JOB_RETENTION_HOURS", 0),

		// ディスパッチ設定
		DispatchMode:           strings.ToLower(getEnv("DISPATCH_MODE", DispatchWebhook)),
		EngineWebhookURL:       getEnv("ENGINE_WEBHOOK_URL", ""),
		DispatchTimeoutSeconds: getEnvAsInt("DISPATCH_TIMEOUT_SECONDS", 60),
		QueueRedisURL:          getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueName:              getEnv("QUEUE_NAME", "subpage"),
		RelayConcurrency:       getEnvAsInt("RELAY_CONCURRENCY", 0),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, redis, sqlite: %q", c.StoreBackend)
	}
	switch c.DispatchMode {
	case DispatchWebhook, DispatchQueue:
	default:
		return fmt.Errorf("DISPATCH_MODE must be webhook or queue: %q", c.DispatchMode)
	}
	if c.JobRetentionHours < 0 {
		return fmt.Errorf("JOB_RETENTION_HOURS must not be negative")
	}
	if c.DispatchTimeoutSeconds <= 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT_SECONDS must be positive")
	}
	if c.RelayConcurrency > 0 && (c.DispatchMode != DispatchQueue || c.EngineWebhookURL == "") {
		return fmt.Errorf("RELAY_CONCURRENCY requires DISPATCH_MODE=queue and ENGINE_WEBHOOK_URL")
	}
	if c.StoreBackend == StoreRedis && c.StoreRedisURL == "" {
		return fmt.Errorf("STORE_REDIS_URL is required for the redis store")
	}
	if c.StoreBackend == StoreSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
	}
	if c.DispatchMode == DispatchQueue && c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required for queue dispatch")
	}

	// ローカル開発では Webhook とセッション秘密鍵は任意
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.DispatchMode == DispatchWebhook && c.EngineWebhookURL == "" {
			return fmt.Errorf("ENGINE_WEBHOOK_URL is required in release mode")
		}
	}

	return nil
}

// AllowedOrigins は CORS_ALLOWED_ORIGINS を分割して返します。
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Retention はジョブの保持期間です。0 は無期限を表します。
func (c *Config) Retention() time.Duration {
	return time.Duration(c.JobRetentionHours) * time.Hour
}

// DispatchTimeout はディスパッチ1回あたりのタイムアウトです。
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
