// Package main is the entry point for the chat proxy server: a single
// binary exposing gateway registration over REST and chat streaming over
// WebSocket, backed by a shared event bus and store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/chatproxy/internal/common/config"
	"github.com/kandev/chatproxy/internal/common/logger"
	"github.com/kandev/chatproxy/internal/events/bus"
	"github.com/kandev/chatproxy/internal/federatedrouter"
	"github.com/kandev/chatproxy/internal/gatewaymgr"
	"github.com/kandev/chatproxy/internal/restapi"
	"github.com/kandev/chatproxy/internal/store"
	"github.com/kandev/chatproxy/internal/tracing"

	"github.com/kandev/chatproxy/internal/chatrouter"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting chatproxy")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, or NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("connected to NATS event bus")
	} else {
		log.Info("using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Open the store
	st, err := openStore(&cfg.Database)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err), zap.String("driver", cfg.Database.Driver))
	}
	defer st.Close()
	log.Info("store opened", zap.String("driver", cfg.Database.Driver))

	// 6. Gateway manager: reconnect every persisted gateway, seed a default
	// one from config if the registry is empty.
	mgr := gatewaymgr.New(st, eventBus, log)
	if err := seedDefaultGateway(ctx, st, &cfg.Gateway, log); err != nil {
		log.Warn("failed to seed default gateway", zap.Error(err))
	}
	if err := mgr.LoadAll(ctx); err != nil {
		log.Fatal("failed to load gateways", zap.Error(err))
	}
	defer mgr.Close()

	// 7. REST surface + chat routers, mounted on one gin engine.
	restSrv := restapi.NewServer(mgr, st, &cfg.Server, log)
	router := restSrv.Router()

	chatRouter := chatrouter.New(mgr, st, log)
	router.GET("/chat/:gateway_id", chatRouter.HandleWS)

	fedRouter := federatedrouter.New(federatedrouter.ManagerAdapter{Manager: mgr}, st, log)
	router.GET("/chat/federated", fedRouter.HandleWS)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("chatproxy listening", zap.Int("port", port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down chatproxy")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("chatproxy stopped")
}

// openStore opens the configured backing store.
func openStore(cfg *config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
	default:
		return store.OpenSQLite(cfg.Path)
	}
}

// seedDefaultGateway registers the configured default gateway when the
// registry is empty, so a freshly provisioned deployment has something to
// connect chat sessions to without a separate registration step.
func seedDefaultGateway(ctx context.Context, st store.Store, cfg *config.GatewayConfig, log *logger.Logger) error {
	if cfg.DefaultURL == "" {
		return nil
	}
	existing, err := st.ListGateways(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	_, err = st.AddGateway(ctx, "default", "default", cfg.DefaultURL, "", "")
	if err != nil {
		return err
	}
	log.Info("seeded default gateway", zap.String("url", cfg.DefaultURL))
	return nil
}
