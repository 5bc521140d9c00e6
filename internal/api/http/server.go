package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"torrentdesk/internal/domain"
	"torrentdesk/internal/session"
)

// Orchestrator is the command and snapshot surface the handlers drive.
type Orchestrator interface {
	Add(ctx context.Context, req session.AddRequest) (domain.Torrent, error)
	Pause(ctx context.Context, ih domain.InfoHash) error
	Resume(ctx context.Context, ih domain.InfoHash) error
	Remove(ctx context.Context, ih domain.InfoHash, purge bool) error
	SetFilePriority(ctx context.Context, ih domain.InfoHash, index int, p domain.FilePriority) error
	SetTorrentLimits(ctx context.Context, ih domain.InfoHash, limits domain.Limits) error
	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error
	UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.Settings, error)

	Snapshot() []domain.Torrent
	Torrent(ih domain.InfoHash) (domain.Torrent, error)
	Settings() domain.Settings
	Subscribe(buffer int) (<-chan session.Update, func())
	Notices() []domain.Notice
	PersistenceDegraded() bool
}

type Server struct {
	orch           Orchestrator
	allowedOrigins []string
	rateRPS        float64
	rateBurst      int
	uploadDir      string
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

// WithUploadDir sets where uploaded .torrent files are kept. Defaults to the
// system temp directory.
func WithUploadDir(dir string) ServerOption {
	return func(s *Server) {
		s.uploadDir = strings.TrimSpace(dir)
	}
}

func NewServer(orch Orchestrator, opts ...ServerOption) *Server {
	s := &Server{
		orch:      orch,
		rateRPS:   100,
		rateBurst: 200,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()
	updates, cancel := orch.Subscribe(256)
	go s.wsHub.pump(updates, cancel)

	mux := http.NewServeMux()
	mux.HandleFunc("/torrents", s.handleTorrents)
	mux.HandleFunc("/torrents/", s.handleTorrentByID)
	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/notices", s.handleNotices)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "torrentdesk",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	if msg, err := encodeWSMessage(string(session.UpdateSnapshot), toViews(s.orch.Snapshot())); err == nil {
		client.send <- msg
	}
	if !s.wsHub.add(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// Close disconnects all websocket clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
