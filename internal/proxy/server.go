package proxy

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/vnmchuo/llm-billing-proxy/internal/auth"
)

const corsAllowHeaders = "Authorization, Content-Type"

// Routes assembles the HTTP surface. Everything under /v1 requires a valid
// API key.
func (h *Handler) Routes(authn *auth.Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(h.accessLog)
	r.Use(h.refuseWhileClosing)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	r.MethodNotAllowed(h.methodNotAllowed)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.exposeMetrics {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(h.cors)
		r.Use(auth.NewMiddleware(authn, h.fail))
		r.Post("/v1/chat/completions", h.HandleChat)
		r.Post("/v1/completions", h.HandleChat)
		r.Post("/v1/embeddings", h.HandleEmbeddings)
		r.Post("/v1/audio/transcriptions", h.HandleTranscriptions)
		r.Get("/v1/models", h.HandleModels)
	})

	return r
}

func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", h.origin)
		w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
		next.ServeHTTP(w, r)
	})
}

// methodNotAllowed answers CORS preflight requests; any other method gets 405.
func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", h.origin)
		w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
}

func (h *Handler) refuseWhileClosing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.closing.Load() {
			w.Header().Set("Connection", "close")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Service unavailable"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog writes one line per request and feeds the request metrics.
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		h.metrics.ObserveRequest(route, status, elapsed)
		h.log.WithFields(logrus.Fields{
			"remote":     r.RemoteAddr,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     status,
			"bytes":      ww.BytesWritten(),
			"duration":   elapsed.Seconds(),
			"request_id": ww.Header().Get("X-Request-ID"),
		}).Info("request served")
	})
}
