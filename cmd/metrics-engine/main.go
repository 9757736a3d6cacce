package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zohaibmir/qr-saas-backend-sub002/internal/config"
	"github.com/zohaibmir/qr-saas-backend-sub002/internal/engine"
	"github.com/zohaibmir/qr-saas-backend-sub002/internal/fanout"
	"github.com/zohaibmir/qr-saas-backend-sub002/internal/model"
	"github.com/zohaibmir/qr-saas-backend-sub002/internal/snapshot"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// Broadcast medium. Without a NATS URL the engine runs single-instance
	// on the in-process bus.
	var bus fanout.Bus
	if cfg.Fanout.NATSURL != "" {
		bus, err = fanout.NewNATSBus(cfg.Fanout.NATSURL, cfg.Fanout.Subject, logger)
		if err != nil {
			logger.Fatal("failed to connect fanout bus", zap.Error(err))
		}
	} else {
		logger.Warn("no NATS URL configured, cross-instance fanout disabled")
		bus = fanout.NewMemoryBus()
	}
	defer bus.Close()

	// Snapshot cache store, falling back to in-memory when redis is not
	// configured.
	var cache snapshot.Cache
	if cfg.Cache.RedisAddr != "" {
		cache, err = snapshot.NewRedisCache(cfg.Cache, logger)
		if err != nil {
			logger.Fatal("failed to connect snapshot cache", zap.Error(err))
		}
	} else {
		logger.Warn("no redis address configured, using in-memory snapshot cache")
		cache = snapshot.NewMemoryCache()
	}
	defer cache.Close()

	// Entity metric source; optional, snapshots then come from flushed
	// aggregates only.
	var source snapshot.Source
	if cfg.Source.Host != "" {
		source, err = snapshot.NewClickHouseSource(cfg.Source)
		if err != nil {
			logger.Fatal("failed to connect snapshot source", zap.Error(err))
		}
	}

	eng, err := engine.New(cfg, bus, cache, source, logger)
	if err != nil {
		logger.Fatal("failed to create engine", zap.Error(err))
	}
	if err := eng.Start(); err != nil {
		logger.Fatal("failed to start engine", zap.Error(err))
	}

	h := &apiHandler{engine: eng, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/ws", h.serveWS)
	r.HandleFunc("/api/v1/metrics", h.ingestHandler).Methods("POST")
	r.HandleFunc("/api/v1/entities/{entityId}/snapshot", h.snapshotHandler).Methods("GET")

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: r,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("server forced to shut down", zap.Error(err))
	}
	if err := eng.Stop(); err != nil {
		logger.Warn("engine stop failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// apiHandler holds the dependencies for the HTTP handlers.
type apiHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy belongs to the gateway in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// serveWS upgrades the request and hands the connection to the registry. The
// read loop keeps per-connection message handling in arrival order.
func (h *apiHandler) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id, err := h.engine.Registry().Register(conn)
	if err != nil {
		conn.WriteJSON(model.ErrorMessage{Type: model.MsgError, Message: "server at connection capacity"})
		conn.Close()
		return
	}

	go h.readLoop(id, conn)
}

func (h *apiHandler) readLoop(id string, conn *websocket.Conn) {
	defer h.engine.Registry().Remove(id)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := h.engine.Registry().HandleMessage(id, data); err != nil {
			// The connection raced with a close; nothing left to serve.
			return
		}
	}
}

// ingestHandler accepts one metric update from a producing subsystem.
func (h *apiHandler) ingestHandler(w http.ResponseWriter, r *http.Request) {
	var u model.MetricUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "invalid metric payload", http.StatusBadRequest)
		return
	}
	if u.EntityID == "" || u.MetricType == "" {
		http.Error(w, "entityId and metricType are required", http.StatusBadRequest)
		return
	}

	h.engine.Ingest(u.EntityID, u.MetricType, u.Value, u.Timestamp, u.Metadata)
	w.WriteHeader(http.StatusAccepted)
}

// snapshotHandler answers a point-in-time query for one entity.
func (h *apiHandler) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entityId"]

	snap, err := h.engine.GetCurrentSnapshot(r.Context(), entityID)
	if err != nil {
		http.Error(w, "snapshot unavailable", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		h.logger.Warn("failed to encode snapshot response", zap.Error(err))
	}
}
