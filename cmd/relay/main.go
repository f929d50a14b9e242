package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
	"chanrelay/internal/core/services"
	"chanrelay/internal/core/session"
	httphandlers "chanrelay/internal/handlers/http"
	backupjobs "chanrelay/internal/infrastructure/backup"
	"chanrelay/internal/infrastructure/media"
	"chanrelay/internal/infrastructure/monitoring"
	"chanrelay/internal/infrastructure/reliability"
	"chanrelay/internal/infrastructure/repositories"
	"chanrelay/internal/infrastructure/repositories/sqlite"
	wsserver "chanrelay/internal/infrastructure/signal"
	"chanrelay/pkg/backup"
	"chanrelay/pkg/circuitbreaker"
	"chanrelay/pkg/config"
	"chanrelay/pkg/distributed"
	"chanrelay/pkg/logger"
	"chanrelay/pkg/retry"
	"chanrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

func main() {
	restoreBackup := flag.String("restore-backup", "", "restore the chat database from a backup (name or \"latest\") before starting")
	flag.Parse()

	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/root/configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	loadedFrom := ""
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			loadedFrom = path
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	log := logger.New(cfg.Logging.Level)
	defer log.Sync()

	if loadedFrom != "" {
		log.Infow("loaded config", "path", loadedFrom)
	} else {
		log.Warnw("could not load config from any path, using defaults", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	var metrics ports.Metrics = monitoring.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
		log.Info("Prometheus metrics enabled")
	}

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, metrics, log)

	backend := "memory"
	if repoFactory.UsesRedis() {
		backend = "redis"
	}
	guard := reliability.NewGuard(reliability.GuardConfig{
		Backend: backend,
		Timeout: cfg.Redis.OperationTimeout,
		Retry: retry.Config{
			MaxAttempts:  cfg.Reliability.RetryAttempts,
			InitialDelay: cfg.Reliability.RetryDelay,
			MaxDelay:     10 * cfg.Reliability.RetryDelay,
			Multiplier:   2,
			Jitter:       true,
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold:    cfg.Reliability.FailureThreshold,
			SuccessThreshold:    1,
			Timeout:             cfg.Reliability.OpenTimeout,
			MaxRequestsHalfOpen: 1,
		},
	}, log)

	presenceStore := reliability.NewPresenceStore(repoFactory.CreatePresenceStore(), guard)
	signalingStore := reliability.NewSignalingStore(repoFactory.CreateSignalingStore(), guard)
	bus := reliability.NewBus(repoFactory.CreateBus(), guard)

	if err := os.MkdirAll(filepath.Dir(cfg.Chat.DatabasePath), 0o755); err != nil {
		log.Fatalw("failed to create chat database directory", "path", cfg.Chat.DatabasePath, "error", err)
	}
	var backups *backup.BackupService
	if cfg.Backup.Enabled || *restoreBackup != "" {
		storage, err := backup.NewFileStorage(cfg.Backup.Directory)
		if err != nil {
			log.Fatalw("failed to open backup storage", "directory", cfg.Backup.Directory, "error", err)
		}
		backups = backup.NewBackupService(storage, "chanrelay")
	}
	if *restoreBackup != "" {
		restorer := backupjobs.NewRestoreService(backups, log)
		name, err := restorer.RestoreChatDatabase(ctx, *restoreBackup, cfg.Chat.DatabasePath, backupjobs.RestoreOptions{Overwrite: true})
		if err != nil {
			log.Fatalw("failed to restore chat database", "backup", *restoreBackup, "error", err)
		}
		log.Infow("restored chat database", "backup_name", name)
	}

	defaultRoom := domain.ChannelID(cfg.Relay.DefaultRoom)
	chatStore, err := sqlite.NewChatStore(ctx, cfg.Chat.DatabasePath, defaultRoom)
	if err != nil {
		log.Fatalw("failed to open chat store", "path", cfg.Chat.DatabasePath, "error", err)
	}

	var scheduler *backupjobs.Scheduler
	schedulerDone := make(chan struct{})
	if cfg.Backup.Enabled {
		var lock backupjobs.Locker
		if repoFactory.UsesRedis() {
			locks := distributed.NewLockManager(repoFactory.RedisClient(), cfg.Redis.KeyPrefix+":lock:")
			lock = locks.NewLock("backup", cfg.Backup.LockTTL)
		}
		scheduler = backupjobs.NewScheduler(backups, chatStore, lock, backupjobs.Config{
			Interval: cfg.Backup.Interval,
			Keep:     cfg.Backup.Keep,
		}, log)
		go func() {
			defer close(schedulerDone)
			scheduler.Start(ctx)
		}()
		log.Infow("scheduled backups enabled", "directory", cfg.Backup.Directory, "interval", cfg.Backup.Interval)
	}

	var mediaLookup ports.MediaLookup
	if cfg.Media.GiphyAPIKey != "" {
		mediaLookup = media.NewGiphyLookup(media.GiphyConfig{
			APIKey:  cfg.Media.GiphyAPIKey,
			URL:     cfg.Media.GiphyURL,
			Timeout: cfg.Media.Timeout,
		}, log)
	} else {
		log.Info("giphy api key not set, /giphy messages are sent as text")
	}

	publisher := services.NewEventPublisher(bus, metrics, log)
	presenceService := services.NewPresenceService(presenceStore, publisher, metrics, log)
	signalingService := services.NewSignalingService(signalingStore, publisher, metrics, cfg.Relay.SignalingIDLength, log)
	chatService := services.NewChatService(chatStore, publisher, mediaLookup, services.ChatConfig{
		DefaultRoom:      defaultRoom,
		MaxMessageLength: cfg.Relay.MaxMessageLength,
		HistoryPageSize:  cfg.Relay.HistoryPageSize,
		MediaTimeout:     cfg.Media.Timeout,
	}, log)
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)

	registry := session.NewRegistry()
	if err := registry.RegisterRoutes(signalingService.Routes()...); err != nil {
		log.Fatalw("failed to register signaling handlers", "error", err)
	}
	if err := registry.RegisterRoutes(chatService.Routes()...); err != nil {
		log.Fatalw("failed to register chat handlers", "error", err)
	}
	if err := registry.Require(domain.InboundActions...); err != nil {
		log.Fatalw("handler registry is incomplete", "error", err)
	}

	ws := wsserver.NewWebSocketServer(wsserver.Config{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		ReadLimitBytes: cfg.Signal.ReadLimitBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}, sessionConfig(cfg, log), session.Deps{
		Registry: registry,
		Bus:      bus,
		Presence: presenceService,
		Rooms:    chatService,
		Metrics:  metrics,
		Logger:   log,
	})

	health := monitoring.NewHealthChecker()
	health.AddCheck("chat_store", chatStore.Ping, healthCheckTimeout)
	if repoFactory.UsesRedis() {
		health.AddRedisCheck(repoFactory.RedisClient(), healthCheckTimeout)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandlers.NewRouter(httphandlers.RouterDeps{
		Config:    cfg,
		Auth:      authService,
		WebSocket: ws,
		Rooms:     chatStore,
		Presence:  presenceService,
		Health:    health,
		Gatherer:  prometheus.DefaultGatherer,
		Logger:    log,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting chanrelay server", "address", cfg.Server.Address, "backend", backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	log.Info("shutting down chanrelay server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	// hijacked websocket connections are not tracked by the http server
	if err := ws.Shutdown(shutdownCtx); err != nil {
		log.Errorw("client sessions did not close in time", "error", err, "remaining", ws.ConnectionCount())
	}
	chatService.Wait()
	if scheduler != nil {
		scheduler.Stop()
		<-schedulerDone
	}

	if err := chatStore.Close(); err != nil {
		log.Errorw("error closing chat store", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}

	log.Info("chanrelay server stopped")
}

func sessionConfig(cfg *config.Config, log *zap.SugaredLogger) session.Config {
	sc := session.Config{
		DefaultRoom:    domain.ChannelID(cfg.Relay.DefaultRoom),
		SendBuffer:     cfg.Signal.SendBuffer,
		CleanupTimeout: cfg.Signal.CleanupTimeout,
		ICEServers:     iceServers(cfg, log),
	}
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		sc.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return sc
}

// iceServers encodes the STUN/TURN servers clients use for their peer connections.
func iceServers(cfg *config.Config, log *zap.SugaredLogger) json.RawMessage {
	var servers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	data, err := json.Marshal(servers)
	if err != nil {
		log.Errorw("failed to encode ice servers", "error", err)
		return nil
	}
	return data
}
