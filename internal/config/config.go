// Package config は環境変数から設定を読み込み、クライアント全体で使用する設定を提供します。
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// ジョブサービス設定
	JobServiceURL  string        // リモートのジョブサービスのベースURL
	RequestTimeout time.Duration // 1リクエストあたりのタイムアウト

	// ポーリング設定
	PollInterval             time.Duration // ステータス確認の間隔
	PollMaxAttempts          int           // ステータス確認の最大回数（0 は無制限）
	PollTimeout              time.Duration // ポーリング全体の上限時間（0 は無制限）
	PollMaxConsecutiveErrors int           // 連続失敗で打ち切る回数（0 は打ち切らない）
	TerminalFailureStatuses  []string      // DONE 以外で終了扱いにするステータス

	// リトライ設定
	RetryMaxAttempts     int           // 失敗時の再試行回数（0 は再試行しない）
	RetryInitialInterval time.Duration // 最初の待機時間
	RetryMaxInterval     time.Duration // 待機時間の上限

	// Webフロント設定
	Port               string        // Webサーバーのポート番号
	GinMode            string        // Ginの実行モード (debug, release, test)
	CORSAllowedOrigins string        // CORS許可オリジン（カンマ区切り）
	SessionSecret      string        // セッション署名用の秘密鍵
	SessionRetention   time.Duration // 完了した送信セッションをメモリに残す時間

	// ログイン設定（任意）
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード

	// ログ設定
	LogLevel string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		JobServiceURL:  getEnv("JOB_SERVICE_URL", "http://127.0.0.1:8000"),
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),

		PollInterval:             getEnvAsDuration("POLL_INTERVAL", 2*time.Second),
		PollMaxAttempts:          getEnvAsInt("POLL_MAX_ATTEMPTS", 0),
		PollTimeout:              getEnvAsDuration("POLL_TIMEOUT", 0),
		PollMaxConsecutiveErrors: getEnvAsInt("POLL_MAX_CONSECUTIVE_ERRORS", 0),
		TerminalFailureStatuses:  getEnvAsList("TERMINAL_FAILURE_STATUSES", []string{"FAILED", "ERROR"}),

		RetryMaxAttempts:     getEnvAsInt("RETRY_MAX_ATTEMPTS", 0),
		RetryInitialInterval: getEnvAsDuration("RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
		RetryMaxInterval:     getEnvAsDuration("RETRY_MAX_INTERVAL", 10*time.Second),

		Port:               getEnv("PORT", "8080"),
		GinMode:            getEnv("GIN_MODE", "debug"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:8080"),
		SessionSecret:      getEnv("SESSION_SECRET", ""),
		SessionRetention:   getEnvAsDuration("SESSION_RETENTION", 10*time.Minute),

		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

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
	u, err := url.Parse(c.JobServiceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("JOB_SERVICE_URL must be an absolute URL (got %q)", c.JobServiceURL)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.PollMaxAttempts < 0 || c.PollMaxConsecutiveErrors < 0 || c.RetryMaxAttempts < 0 {
		return fmt.Errorf("attempt limits must not be negative")
	}
	for _, s := range c.TerminalFailureStatuses {
		if s == "DONE" {
			return fmt.Errorf("TERMINAL_FAILURE_STATUSES must not contain DONE")
		}
	}

	// 本番モードではログイン設定を揃えることを求める
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if (c.AppUsername == "") != (c.AppPasswordHash == "") {
			return fmt.Errorf("APP_USERNAME and APP_PASSWORD_HASH must be set together")
		}
	}

	return nil
}

// LoginEnabled はログイン保護が有効かどうかを返します。
func (c *Config) LoginEnabled() bool {
	return c.AppUsername != "" && c.AppPasswordHash != ""
}

// SlogLevel は LOG_LEVEL を slog.Level に変換します。
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
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

// getEnvAsDuration は環境変数を time.Duration として取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数を文字列スライスとして取得します。
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
