package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tableflow/syncd/internal/admission"
	"tableflow/syncd/internal/auth"
	"tableflow/syncd/internal/config"
	"tableflow/syncd/internal/conflict"
	"tableflow/syncd/internal/dispatch"
	"tableflow/syncd/internal/heartbeat"
	"tableflow/syncd/internal/journal"
	"tableflow/syncd/internal/logging"
	"tableflow/syncd/internal/queue"
	"tableflow/syncd/internal/session"
	"tableflow/syncd/internal/version"
)

const (
	directoryCacheSize = 1024
	directoryCacheTTL  = 5 * time.Minute

	// admissionWindow bounds reconnect storms per user identity.
	admissionWindow = time.Minute
	admissionLimit  = 30

	shutdownGrace   = 250 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)

// purgeUserState releases everything still held for a discarded session:
// queued messages and the admission attempt history.
func purgeUserState(offline *queue.OfflineQueue, limiter *admission.Limiter, userID string) {
	offline.Purge(userID)
	limiter.Forget(userID)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("initialise logging: %w", err)
	}
	defer logger.Sync()

	verifier, err := auth.NewJWTVerifier(cfg.TokenSecret, cfg.TokenLeeway)
	if err != nil {
		return fmt.Errorf("token verifier: %w (set SYNCD_TOKEN_SECRET)", err)
	}
	if cfg.UsersFile == "" {
		return errors.New("SYNCD_USERS_FILE must point at the user roster")
	}
	roster, err := loadFileDirectory(cfg.UsersFile)
	if err != nil {
		return err
	}
	authenticator := auth.NewAuthenticator(verifier,
		auth.NewCachingDirectory(roster, directoryCacheSize, directoryCacheTTL))

	//1.- Stores are owned here and injected everywhere, never ambient.
	var offlineQueue *queue.OfflineQueue
	limiter := admission.NewLimiter(admissionWindow, admissionLimit, time.Now)
	sessions := session.NewRegistry(cfg.ReconnectionWindow, cfg.SessionIdleTTL, logger,
		session.WithPurgeHook(func(userID string) {
			purgeUserState(offlineQueue, limiter, userID)
		}))
	versions := version.NewStore()
	offlineQueue = queue.NewOfflineQueue(cfg.QueueCapacity, sessions, logger,
		queue.WithBatching(cfg.DrainBatchSize, cfg.DrainBatchPause))
	resources := newMemoryResources()

	gateway := NewGateway(cfg, authenticator, sessions, versions, offlineQueue, resources, limiter, logger)

	broadcastJournal, err := journal.New(cfg.JournalPath, versions, time.Now)
	if err != nil {
		return fmt.Errorf("open broadcast journal: %w", err)
	}

	dispatchOpts := []dispatch.Option{}
	if broadcastJournal != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithJournal(broadcastJournal))
	}
	dispatcher := dispatch.NewDispatcher(gateway, sessions, offlineQueue, versions, cfg.AckTimeout, logger, dispatchOpts...)
	resolver := conflict.NewResolver(versions, resources, dispatcher, logger)
	gateway.AttachDispatcher(dispatcher)
	gateway.AttachResolver(resolver)

	monitor := heartbeat.NewMonitor(cfg.HeartbeatInterval, gateway, logger,
		heartbeat.WithWaiterDropHook(func(userID, connectionID string) {
			dispatcher.NotifyWaiterDropped(userID, connectionID, "heartbeat timeout")
		}))
	monitor.Start()
	sessions.StartSweeper(cfg.SessionSweepInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.Address, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	logger.Info("sync gateway listening", logging.String("address", cfg.Address))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", logging.String("signal", sig.String()))
	}

	//2.- Announce the shutdown so clients can reconnect elsewhere, then
	// give the write pumps a moment to flush before closing the listener.
	dispatcher.Notify(dispatch.EventServerShutdown, map[string]any{
		"message":   "server shutting down",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	time.Sleep(shutdownGrace)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}

	monitor.Stop()
	sessions.Close()
	if err := broadcastJournal.Close(); err != nil {
		logger.Warn("journal close failed", logging.Error(err))
	}
	logger.Info("sync gateway stopped")
	return nil
}
