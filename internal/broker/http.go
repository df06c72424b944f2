package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/conn"
)

// httpServer is the optional listening HTTP/WS port (spec §6): the WS
// upgrade endpoint gated by the workspace token, /healthz, and /metrics.
type httpServer struct {
	b   *Broker
	srv *http.Server
}

func newHTTPServer(b *Broker) *httpServer {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	h := &httpServer{b: b}
	r.Get("/healthz", h.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(b.metrics.registry, promhttp.HandlerOpts{}))
	r.Get("/ws", h.handleWS)

	h.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

func (h *httpServer) ListenAndServe(addr string) error {
	h.srv.Addr = addr
	if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *httpServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.srv.Shutdown(ctx)
}

func (h *httpServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"uptime_ms": h.b.nowMS() - h.b.startedMS,
		"agents":    len(h.b.agents.All()),
	})
}

// handleWS upgrades to a WebSocket transport after checking the workspace
// token (spec §6: "?token= query parameter or Authorization: Bearer header").
func (h *httpServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if token := h.b.cfg.WorkspaceToken; token != "" {
		if !tokenMatches(r, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	t, err := conn.UpgradeWS(w, r, h.b.cfg.MaxFrameBytes)
	if err != nil {
		h.b.logger.Warn("broker: ws upgrade failed", zap.Error(err))
		return
	}

	h.b.wg.Add(1)
	go func() {
		defer h.b.wg.Done()
		h.b.serveConnection(h.b.rootCtx, t, conn.KindAgent)
	}()
}

// tokenMatches checks the workspace token against either the ?token= query
// parameter or an Authorization: Bearer header, per spec §6.
func tokenMatches(r *http.Request, token string) bool {
	if q := r.URL.Query().Get("token"); q != "" {
		return q == token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == token
	}
	return false
}
