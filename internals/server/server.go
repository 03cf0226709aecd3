package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabitabe/multiparty-meeting/internals/config"
	"github.com/tabitabe/multiparty-meeting/internals/media"
	"github.com/tabitabe/multiparty-meeting/internals/metrics"
	"github.com/tabitabe/multiparty-meeting/internals/room"
	"github.com/tabitabe/multiparty-meeting/internals/signaling"
)

var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

// Server is the HTTP front door: websocket upgrades, the auth callback, the
// rooms REST surface, health and metrics.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *room.Registry

	relay       *signaling.Relay
	redisClient *redis.Client

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewServer(cfg *config.Config, bridge media.Bridge, logger *zap.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.registry = room.NewRegistry(cfg.Room, bridge, logger)

	if cfg.Redis.Enabled {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.relay = signaling.NewRelay(s.redisClient, s.deliverRelay, logger)
		if err := s.relay.Ping(); err != nil {
			cancel()
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.registry.OnCreate = s.attachRelay
		s.registry.OnRemove = s.relay.UnsubscribeRoom
		logger.Info("Redis relay enabled",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("instanceID", s.relay.InstanceID()),
		)
	}

	return s, nil
}

// attachRelay mirrors a new room's broadcasts across instances and starts
// consuming the room's channel.
func (s *Server) attachRelay(r *room.Room) {
	r.Publish = func(roomID, method string, data interface{}, excludePeer string) {
		raw, err := json.Marshal(data)
		if err != nil {
			s.logger.Error("Failed to marshal relay payload",
				zap.String("method", method),
				zap.Error(err),
			)
			return
		}
		s.relay.Publish(roomID, method, raw, excludePeer)
	}
	s.relay.SubscribeRoom(r.ID)
}

// deliverRelay hands a relayed notification to the local room, if we host it.
func (s *Server) deliverRelay(roomID, method string, data json.RawMessage, excludePeer string) {
	r, ok := s.registry.Get(roomID)
	if !ok {
		return
	}
	r.DeliverRelay(method, data, excludePeer)
}

func (s *Server) Start() error {
	s.logger.Info("Starting meeting server",
		zap.String("host", s.cfg.Server.Host),
		zap.Int("port", s.cfg.Server.Port),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/auth/callback", s.corsMiddleware(s.handleAuthCallback))
	mux.HandleFunc("/api/rooms", s.corsMiddleware(s.handleRoomsAPI))
	mux.HandleFunc("/api/rooms/", s.corsMiddleware(s.handleRoomAPI))
	mux.HandleFunc("/health", s.handleHealth)

	if s.cfg.Metrics.Enabled {
		mux.Handle(s.cfg.Metrics.Path, promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	go func() {
		<-s.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Meeting server started")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop() {
	s.logger.Info("Stopping meeting server")
	s.registry.Close()
	if s.relay != nil {
		s.relay.Close()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	s.cancel()
}

// Registry exposes the room registry for the auth collaborator wiring.
func (s *Server) Registry() *room.Registry {
	return s.registry
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) validateID(id string, maxLen int, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if maxLen > 0 && len(id) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d", fieldName, maxLen)
	}
	if !safeIDPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// handleWebSocket upgrades the connection and hands it to the room named in
// the query. Room and peer identifiers are fixed for the connection's
// lifetime.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(s.cfg.Server.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range s.cfg.Server.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}

	roomID := r.URL.Query().Get("roomId")
	peerName := r.URL.Query().Get("peerName")

	if err := s.validateID(roomID, s.cfg.Signaling.MaxRoomIDLength, "roomId"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validateID(peerName, s.cfg.Signaling.MaxPeerIDLength, "peerName"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.cfg.Server.MaxRooms > 0 {
		if _, exists := s.registry.Get(roomID); !exists && len(s.registry.Rooms()) >= s.cfg.Server.MaxRooms {
			http.Error(w, "room limit reached", http.StatusServiceUnavailable)
			return
		}
	}

	rm, err := s.registry.GetOrCreate(roomID)
	if err != nil {
		http.Error(w, "failed to create room", http.StatusInternalServerError)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	metrics.ConnectionsTotal.Inc()

	conn := signaling.NewConn(roomID, peerName, ws, s.cfg.Signaling, s.logger)
	conn.Transport().SetRateLimiter(rate.NewLimiter(
		rate.Limit(s.cfg.Signaling.RateLimitPerSec),
		s.cfg.Signaling.RateLimitBurst,
	))
	rm.HandleConnection(conn)

	go conn.WritePump()
	go conn.ReadPump()
}

// handleAuthCallback receives a completed out-of-band login from the auth
// collaborator and applies it to the named peer.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RoomID   string `json:"roomId"`
		PeerName string `json:"peerName"`
		Name     string `json:"name"`
		Picture  string `json:"picture"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.RoomID == "" || req.PeerName == "" {
		http.Error(w, "roomId and peerName are required", http.StatusBadRequest)
		return
	}

	rm, ok := s.registry.Get(req.RoomID)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	rm.AuthCallback(req.PeerName, req.Name, req.Picture)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type roomSummary struct {
	ID        string    `json:"id"`
	Peers     int       `json:"peers"`
	Locked    bool      `json:"locked"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleRoomsAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rooms := s.registry.Rooms()
	out := make([]roomSummary, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, roomSummary{
			ID:        rm.ID,
			Peers:     rm.PeerCount(),
			Locked:    rm.Locked(),
			CreatedAt: rm.CreatedAt(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rooms": out,
		"count": len(out),
	})
}

func (s *Server) handleRoomAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	if err := s.validateID(id, s.cfg.Signaling.MaxRoomIDLength, "roomId"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rm, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":         rm.ID,
		"locked":     rm.Locked(),
		"peers":      rm.Peers(),
		"spotlights": rm.Spotlights(),
		"createdAt":  rm.CreatedAt(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rooms := s.registry.Rooms()
	peerCount := 0
	for _, rm := range rooms {
		peerCount += rm.PeerCount()
	}

	redisStatus := "disabled"
	instanceID := ""
	if s.relay != nil {
		instanceID = s.relay.InstanceID()
		redisStatus = "connected"
		if err := s.relay.Ping(); err != nil {
			redisStatus = "error: " + err.Error()
		}
	}

	status := "healthy"
	if redisStatus != "connected" && redisStatus != "disabled" {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now(),
		"instanceId": instanceID,
		"redis":      redisStatus,
		"rooms":      len(rooms),
		"peers":      peerCount,
	})
}
