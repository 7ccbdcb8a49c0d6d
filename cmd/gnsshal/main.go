package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gnsshal/internal/config"
	"gnsshal/internal/logging"
	"gnsshal/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./gnsshal.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logs := web.NewLogBuffer(2000)
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Dir = cfg.Log.Dir
	logCfg.MaxSizeMB = cfg.Log.MaxSizeMB
	logCfg.MaxBackups = cfg.Log.MaxBackups
	logCfg.MaxAgeDays = cfg.Log.MaxAgeDays
	logCfg.Compress = *cfg.Log.Compress
	logCfg.Extra = logs
	logger, closeLog, err := logging.Setup(logCfg)
	if err != nil {
		log.Fatalf("logging setup failed: %v", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(cfg, logs, logger)
	if err != nil {
		logger.Error("runtime init failed", "error", err)
		os.Exit(1)
	}

	logger.Info("gnsshal starting", "config", configPath, "source", cfg.GNSS.Source)

	if cfg.Web.Enable {
		go func() {
			err := web.Serve(ctx, cfg.Web.Listen, rt.webHandler())
			if err != nil && ctx.Err() == nil {
				logger.Error("web server stopped", "error", err)
				cancel()
			}
		}()
		logger.Info("web listening", "addr", cfg.Web.Listen)
	}
	go rt.updateLoop(ctx)

	if err := rt.start(); err != nil {
		// Stay up: the web and MQTT surfaces can retry the start.
		logger.Error("gnss start failed", "error", err)
	}

	<-ctx.Done()
	logger.Info("gnsshal stopping")
	if err := rt.shutdown(); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}
