package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port        string
	DatabaseDSN string
	JWTSecret   string
	Env         string

	// 消息列表缓存 TTL（秒），会话列表缓存固定为它的 5 倍。
	MessageCacheTTLSeconds int

	// 流水线 worker 数量与队列容量。
	PipelineWorkers   int
	PipelineQueueSize int

	// 后台任务重试上限与 webhook 退避基数（秒）。
	MaxJobAttempts          int
	WebhookBaseDelaySeconds int
	WebhookTimeoutSeconds   int

	// 业务级限流：每用户每分钟允许的动作次数。
	MessagesPerMinute  int
	ReactionsPerMinute int

	LogDir string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func Load() Config {
	return Config{
		Port:        getenv("APP_PORT", "8080"),
		DatabaseDSN: getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=messenger port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:   getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:         getenv("APP_ENV", "dev"),

		MessageCacheTTLSeconds: getint("MESSAGE_CACHE_TTL_SECONDS", 60),

		PipelineWorkers:   getint("PIPELINE_WORKERS", 4),
		PipelineQueueSize: getint("PIPELINE_QUEUE_SIZE", 1024),

		MaxJobAttempts:          getint("MAX_JOB_ATTEMPTS", 3),
		WebhookBaseDelaySeconds: getint("WEBHOOK_BASE_DELAY_SECONDS", 60),
		WebhookTimeoutSeconds:   getint("WEBHOOK_TIMEOUT_SECONDS", 30),

		MessagesPerMinute:  getint("MESSAGES_PER_MINUTE", 10),
		ReactionsPerMinute: getint("REACTIONS_PER_MINUTE", 20),

		LogDir: getenv("LOG_DIR", "logs"),
	}
}
