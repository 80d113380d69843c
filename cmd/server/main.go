package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"downpour/internal/config"
	"downpour/internal/db"
	clog "downpour/internal/log"
	"downpour/internal/presence"
	"downpour/internal/rooms"
	"downpour/internal/server"
	"downpour/internal/store"
	"downpour/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务，收到信号后优雅停服。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DatabaseDriver).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reg rooms.Registry
	closeRegistry := func() {}
	switch cfg.RoomBackend {
	case "redis":
		client, err := rooms.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect")
		}
		reg = rooms.NewRedisRegistry(client, "downpour:room:", cfg.RoomTTL)
		closeRegistry = func() { _ = client.Close() }
	default:
		gormReg := rooms.NewGormRegistry(gdb, cfg.RoomTTL)
		go gormReg.RunSweeper(ctx, cfg.RoomSweepInterval)
		reg = gormReg
	}

	hub := ws.NewHub(presence.NewTracker())
	limiter := server.NewLimiter(cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.SetupRouter(cfg, reg, store.NewGormStore(gdb), hub, limiter),
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Str("rooms", cfg.RoomBackend).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Warn().Msg("shutdown signal received")

	// 先断开所有 websocket（被劫持的连接不受 Shutdown 管理），再等待进行中的 HTTP 请求。
	hub.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	limiter.Stop()
	closeRegistry()
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("shutdown complete")
}
