package main

import (
	"time"

	"messenger/internal/cache"
	"messenger/internal/config"
	"messenger/internal/crypto"
	"messenger/internal/db"
	clog "messenger/internal/log"
	"messenger/internal/pipeline"
	"messenger/internal/ratelimit"
	"messenger/internal/server"
	"messenger/internal/service"
	"messenger/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库、装配各层并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogDir)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	queue := pipeline.NewQueue(cfg.PipelineWorkers, cfg.PipelineQueueSize, cfg.MaxJobAttempts)
	defer queue.Stop()

	events := pipeline.NewDispatcher(gdb, queue,
		time.Duration(cfg.WebhookBaseDelaySeconds)*time.Second,
		time.Duration(cfg.WebhookTimeoutSeconds)*time.Second,
		cfg.MaxJobAttempts)

	store := cache.New()
	keys := crypto.NewKeyStore(gdb)
	limiter := ratelimit.New(gdb, map[string]int{
		"message":  cfg.MessagesPerMinute,
		"reaction": cfg.ReactionsPerMinute,
	})

	pageTTL := time.Duration(cfg.MessageCacheTTLSeconds) * time.Second
	hub := ws.NewHub()
	convSvc := service.NewConversationService(gdb, store, events, 5*pageTTL)
	msgSvc := service.NewMessageService(gdb, store, convSvc, limiter, queue, events, keys, hub, pageTTL)
	presSvc := service.NewPresenceService(gdb)

	r := server.SetupRouter(cfg, gdb, hub, convSvc, msgSvc, presSvc)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
