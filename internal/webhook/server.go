// Package webhook receives enhanced-transaction batches from the index
// provider over HTTP and hands them to the dispatcher.
//
// The transport acknowledges receipt before processing: a well-formed batch
// gets 200 immediately and is processed asynchronously. Only a malformed
// body is an error to the caller. The server also exposes liveness endpoints
// and a read-only websocket stream of detected trades.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blok-hamster/copy-trader-service/internal/config"
	"github.com/blok-hamster/copy-trader-service/pkg/types"
)

// Ingestor receives decoded webhook batches. Must not block.
type Ingestor interface {
	EnqueueBatch(batch []types.WebhookTransaction)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the inbound HTTP listener.
type Server struct {
	ingestor Ingestor
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(cfg config.WebhookConfig, ingestor Ingestor, logger *slog.Logger) *Server {
	s := &Server{
		ingestor: ingestor,
		hub:      NewHub(logger),
		logger:   logger.With("component", "webhook-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /helius-webhook", s.handleWebhook)
	mux.HandleFunc("GET /", s.handleLiveness)
	mux.HandleFunc("GET /health", s.handleLiveness)
	mux.HandleFunc("GET /ws", s.handleStream)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Hub exposes the websocket hub so the dispatcher's event sink can feed it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the hub and the listener; blocks until the listener stops.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("webhook server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type ackResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// handleWebhook acknowledges the batch before any pipeline work happens, so
// the provider never blocks on downstream processing.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var batch []types.WebhookTransaction
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.logger.Warn("malformed webhook payload", "error", err)
		writeJSON(w, http.StatusInternalServerError, ackResponse{
			Success:   false,
			Message:   "invalid payload",
			Timestamp: time.Now().UTC(),
		})
		return
	}

	writeJSON(w, http.StatusOK, ackResponse{
		Success:   true,
		Message:   "received",
		Timestamp: time.Now().UTC(),
	})

	if len(batch) == 0 {
		return
	}
	s.logger.Debug("webhook batch received", "size", len(batch))
	s.ingestor.EnqueueBatch(batch)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	newClient(s.hub, conn)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
