package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/doublegate/FlowForge-sub002/internal/monitor"
	"github.com/doublegate/FlowForge-sub002/internal/router"
	"github.com/doublegate/FlowForge-sub002/internal/server/middleware"
	"github.com/doublegate/FlowForge-sub002/pkg/config"
	"github.com/doublegate/FlowForge-sub002/pkg/docstore"
	"github.com/doublegate/FlowForge-sub002/pkg/identity"
	"github.com/doublegate/FlowForge-sub002/pkg/session"
	"github.com/doublegate/FlowForge-sub002/pkg/session/registry"
	"github.com/doublegate/FlowForge-sub002/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	registry    session.Registry
	eventRouter *router.EventRouter
	monitor     *monitor.Monitor
	store       docstore.Store
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	reg := registry.NewInMemoryRegistry(logger)
	eventRouter := router.NewEventRouter(logger, reg, store)

	app := &App{
		logger:      logger,
		registry:    reg,
		eventRouter: eventRouter,
		store:       store,
		config:      cfg,
		ctx:         rootCtx,
	}

	// The monitor evicts by closing the transport; the transport's close
	// handler then runs the same disconnect path as a clean close.
	app.monitor = monitor.New(
		logger,
		reg,
		cfg.Heartbeat.Interval,
		cfg.Heartbeat.Timeout(),
		cfg.Session.LockIdleTimeout,
		func(conn *session.Connection) {
			conn.Transport.CloseWithStatus(websocket.StatusPolicyViolation, "heartbeat timeout")
		},
		eventRouter.BroadcastExpiredLocks,
	)

	verifier := identity.NewJWTVerifier(cfg.Server.Auth.JWTSecret)
	connCycler := func(userID string) {
		if oldest, found := reg.OldestUserConnection(userID); found {
			logger.Info("Cycling connection: closing oldest",
				slog.String("userID", userID),
				slog.String("connID", oldest.ID.String()),
			)
			oldest.Transport.CloseWithStatus(websocket.StatusGoingAway, "connection cycled by a newer connection")
		}
	}

	r := mux.NewRouter()
	r.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, verifier),
			middleware.NewConnectionLimiter(
				logger,
				reg.UserConnectionCount,
				connCycler,
				cfg.Server.ConnectionLimit,
			),
		),
	)
	r.HandleFunc("/healthz", app.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{roomID}/presence", app.presenceHandler).Methods(http.MethodGet)

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: r,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}

	return app, nil
}

func openStore(cfg config.StoreConfig) (docstore.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return docstore.OpenSQLite(cfg.DSN)
	case "memory", "":
		return docstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (a *App) Run() error {
	go a.monitor.Run(a.ctx)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)

	if _, err := a.registry.Register(conn, reqMeta.IP, reqMeta.UserID, reqMeta.DisplayName); err != nil {
		connLogger.Error("Failed to register connection", slog.Any("error", err))
		conn.Close(err)
		return
	}

	conn.SetOnMessageHandler(a.eventRouter.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Cleaning up closed connection", slog.String("connID", id.String()))
		a.eventRouter.HandleDisconnect(id)
	})

	connLogger.Info("User connection fully established")
	conn.Run()
	<-conn.Done()
}

func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// presenceHandler serves the read-only "who's online" view. It goes through
// the registry's snapshot accessor, never the live maps.
func (a *App) presenceHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	snap, ok := a.registry.Snapshot(roomID)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		a.logger.Error("Failed to encode presence snapshot", slog.Any("error", err))
	}
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.registry.AllConnections() {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close document store", slog.Any("error", err))
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
