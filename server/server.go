// Package server exposes conversation sessions over WebSocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"restaurant-recommender/agent"
	"restaurant-recommender/config"
	"restaurant-recommender/models"
	"restaurant-recommender/services"
	"restaurant-recommender/storage"
	"restaurant-recommender/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sweepInterval  = time.Minute

	resetCommand = "/reset"
	resetReply   = "好的，已重新開始！請告訴我想在哪裡吃什麼類型的餐廳～"
	busyReply    = "還在處理前面的訊息，請稍候再傳～"
)

// Server serves the chat WebSocket, health and metrics endpoints
type Server struct {
	cfg      config.ServerConfig
	sessions *agent.Manager
	history  storage.RecommendationStorage
	upgrader websocket.Upgrader
	logger   *utils.Logger
}

// New creates a new Server. history may be nil, which disables the history endpoint.
func New(cfg config.ServerConfig, sessions *agent.Manager, history storage.RecommendationStorage, logger *utils.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		history:  history,
		logger:   logger.With("component", "server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      s.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.chat)
	r.Get("/api/recommendations", s.latestRecommendation)
	return r
}

// Run serves until ctx is cancelled, then shuts down and closes every session
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweep(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down")
	s.sessions.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sessions.Sweep()
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.logger.Warn("WebSocket connection rejected from origin %q", origin)
	return false
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("%s %s (%s) %v", r.Method, r.URL.Path, chimiddleware.GetReqID(r.Context()), time.Since(start))
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

// latestRecommendation returns the last recorded result for a location, category and preferences
func (s *Server) latestRecommendation(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history disabled"})
		return
	}
	q := r.URL.Query()
	query := models.Query{
		Location:    q.Get("location"),
		Category:    q.Get("category"),
		Preferences: services.ClassifyPreferences(q["preference"]),
	}
	if query.Location == "" || query.Category == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "location and category are required"})
		return
	}

	rec, err := s.history.GetRecommendation(r.Context(), query.Key())
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no recommendation for this query"})
		return
	}
	if err != nil {
		s.logger.Error("History lookup failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ===== WebSocket chat =====

// chat owns one session for the life of the connection. Text frames are
// user turns; turns run one after another on a separate goroutine so the
// reader keeps answering pings during a long search.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}

	id := uuid.NewString()
	s.sessions.Open(id)
	log := s.logger.With("session", id)
	log.Info("Client connected")

	ctx, cancel := context.WithCancel(context.Background())
	send := make(chan agent.Event, 64)
	inbox := make(chan string, 8)
	done := make(chan struct{})

	go s.writePump(ctx, conn, send, log)
	go func() {
		defer close(done)
		for text := range inbox {
			if ctx.Err() != nil {
				// drop whatever is still queued
				continue
			}
			s.runTurn(ctx, id, text, send, log)
		}
	}()

	s.readPump(conn, inbox, send, log)

	cancel()
	close(inbox)
	s.sessions.Close(id)
	<-done
	log.Info("Client disconnected")
}

func (s *Server) runTurn(ctx context.Context, id, text string, send chan<- agent.Event, log *utils.Logger) {
	emit := func(e agent.Event) {
		select {
		case send <- e:
		case <-ctx.Done():
		}
	}
	if strings.TrimSpace(text) == resetCommand {
		s.sessions.Reset(id)
		emit(agent.Event{Type: agent.EventMessage, Text: resetReply})
		return
	}
	if err := s.sessions.HandleExisting(ctx, id, text, emit); err != nil {
		log.Warn("Turn ended with error: %v", err)
	}
}

// readPump never blocks on a full inbox; it answers busy so pongs keep flowing
func (s *Server) readPump(conn *websocket.Conn, inbox chan<- string, send chan<- agent.Event, log *utils.Logger) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Error("Failed to set read deadline: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("Unexpected close: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case inbox <- string(data):
		default:
			log.Warn("Inbox full, dropping message")
			select {
			case send <- agent.Event{Type: agent.EventMessage, Text: busyReply}:
			default:
			}
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, send <-chan agent.Event, log *utils.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case e := <-send:
			payload, err := json.Marshal(e)
			if err != nil {
				log.Error("Failed to encode event: %v", err)
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Warn("Failed to send event: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
