package api

import (
	"net/http"

	"github.com/adverant/nexus/videodetect-worker/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Handler *Handler
	Metrics *observability.Metrics
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := cfg.Handler
	mux := http.NewServeMux()

	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	mux.HandleFunc("POST /v1/videos", handler.SubmitVideo)
	mux.HandleFunc("POST /v1/videos/process", handler.ProcessVideo)
	mux.HandleFunc("GET /v1/videos/tasks/{taskId}", handler.GetStatus)
	mux.HandleFunc("GET /v1/videos/tasks/{taskId}/result", handler.GetResult)
	mux.HandleFunc("GET /v1/videos/tasks/{taskId}/events", handler.StreamEvents)
	mux.HandleFunc("GET /v1/videos/outputs/{file}", handler.GetOutput)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
