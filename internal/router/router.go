package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weekijie/sturgeon/internal/handler"
	"github.com/weekijie/sturgeon/internal/middleware"
	"github.com/weekijie/sturgeon/internal/service"
)

// Dependencies holds every service the router wires into the six HTTP
// operations. There is no CORS/auth/rate-limit middleware here; those
// are external collaborators of the deployment this core sits behind, not
// part of this service's scope.
type Dependencies struct {
	DB         handler.DBPinger
	Chunks     handler.ChunkCounter
	RAGCache   handler.CacheLenGetter
	Version    string
	Metrics    *middleware.Metrics
	MetricsReg *prometheus.Registry

	Sessions   *service.SessionStore
	Gate       *service.ConcurrencyGate
	Validator  *service.HallucinationValidator
	Normalizer *service.CitationNormalizer
	Invoker    *service.SpecialistInvoker
	Parser     *service.LabParserService
	Executor   service.DebateExecutor
	ImageTriage handler.ImageTriageClient
}

// New builds the chi router wiring every Dependencies collaborator into its
// route. debate-turn gets the longest per-route timeout given
// the debate turn's multi-hop FORMULATE→RETRIEVE→QUERY_SPECIALIST→VALIDATE→SYNTHESIZE
// path; extract-labs takes a concurrency-gate slot only when it falls back
// to the specialist, so its deterministic fast path stays ungated.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logging)
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	// Public: health and metrics must stay responsive even when every
	// generative-endpoint slot is in flight.
	r.Get("/health", handler.Health(deps.DB, deps.Chunks, deps.RAGCache, deps.Gate, deps.Sessions, deps.Metrics, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	timeout30s := middleware.Timeout(30 * time.Second)
	timeout60s := middleware.Timeout(60 * time.Second)

	r.With(timeout30s).Post("/extract-labs", handler.ExtractLabs(deps.Parser, deps.Invoker, deps.Gate, deps.Metrics))
	r.With(timeout30s).Post("/extract-labs-file", handler.ExtractLabsFile(deps.Parser, deps.Invoker, deps.Gate, deps.Metrics))
	r.With(timeout30s).Post("/differential", handler.Differential(deps.Sessions, deps.Invoker, deps.Validator, deps.Gate, deps.Metrics))
	r.With(timeout30s).Post("/analyze-image", handler.AnalyzeImage(deps.Invoker, deps.ImageTriage, deps.Gate, deps.Metrics))
	r.With(timeout30s).Post("/summary", handler.Summary(deps.Sessions, deps.Invoker, deps.Gate, deps.Metrics))
	r.With(timeout60s).Post("/debate-turn", handler.DebateTurn(deps.Sessions, deps.Executor, deps.Normalizer, deps.Gate, deps.Metrics))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":  "NOT_FOUND",
			"detail": "route not found",
		})
	})

	return r
}
