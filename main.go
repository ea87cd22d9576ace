package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"minispace/journal"
	"minispace/server"
	"minispace/storage"
)

// minispace 入口：启动 HTTP + WebSocket 服务，并初始化房间管理器
func main() {
	var addr, configPath string
	flag.StringVar(&addr, "addr", "", "server listen address, e.g. :8080 (overrides config)")
	flag.StringVar(&configPath, "config", "", "path to YAML config")
	flag.Parse()

	cfg := server.Defaults()
	if configPath != "" {
		var err error
		if cfg, err = server.LoadConfig(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}
	if addr != "" {
		cfg.Addr = addr
	}

	// zap 日志写入滚动文件
	log, err := server.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer server.SyncLogger(log)

	// 区域来源：数据库优先，其次配置文件中的内联地图
	sources := server.LayoutChain{}
	var zones server.LayoutWriter
	if cfg.ZonesDB != "" {
		db, err := storage.OpenZoneDB(cfg.ZonesDB)
		if err != nil {
			log.Fatalw("open zone database", "path", cfg.ZonesDB, "err", err)
		}
		defer db.Close()
		zones = db
		sources = append(sources, db)
	}
	sources = append(sources, cfg.Layouts())

	var listeners []server.ZoneListener
	if cfg.JournalDir != "" {
		zl := journal.NewZoneLog(cfg.JournalDir, 0, log)
		defer zl.Close()
		listeners = append(listeners, zl)
	}

	rm := server.NewRoomManager(cfg.Room(), sources, log, listeners...)
	defer rm.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	rm.StartSweeper(ctx, cfg.SweepInterval)
	// 先预创建一个默认房间，便于快速试跑
	if _, err := rm.GetOrCreateRoom(ctx, cfg.DefaultRoom); err != nil {
		log.Fatalw("create default room", "room", cfg.DefaultRoom, "err", err)
	}

	mux := http.NewServeMux()
	server.NewHandlers(cfg, rm, zones, log).Routes(mux)

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		log.Infof("minispace listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown", "err", err)
	}
}
