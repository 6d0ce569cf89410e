package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/weekijie/sturgeon/internal/middleware"
	"github.com/weekijie/sturgeon/internal/service"
)

// healthTimeout is the fail-fast budget for the health and metrics endpoints
//: they must never queue behind the generative endpoints' concurrency
// gate, so database/index checks are bounded tightly.
const healthTimeout = 5 * time.Second

// DBPinger is the interface for checking database connectivity.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// ChunkCounter reports how many guideline chunks are currently indexed.
type ChunkCounter interface {
	CountChunks(ctx context.Context) (int, error)
}

// CacheLenGetter reports the number of entries in a bounded cache.
type CacheLenGetter interface {
	Len() int
}

// HealthResponse is the response shape for GET /health: status,
// domain-operation counters, RAG index state, concurrency-gate occupancy,
// and session-store occupancy.
type HealthResponse struct {
	Status   string             `json:"status"`
	Version  string             `json:"version"`
	Counters map[string]float64 `json:"counters"`
	RAG      ragHealth          `json:"rag"`

	Concurrency concurrencyHealth `json:"concurrency"`
	Sessions    sessionsHealth    `json:"sessions"`
}

type ragHealth struct {
	IndexLoaded  bool `json:"index_loaded"`
	ChunkCount   int  `json:"chunk_count"`
	CacheEntries int  `json:"cache_entries"`
}

type concurrencyHealth struct {
	InFlight int `json:"in_flight"`
	Limit    int `json:"limit"`
}

type sessionsHealth struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

// Health returns the GET /health handler. db, chunks,
// and ragCache may each be nil; a nil collaborator degrades its slice of
// the payload gracefully rather than failing the whole check. version
// defaults to "0.0.0" when omitted.
func Health(db DBPinger, chunks ChunkCounter, ragCache CacheLenGetter, gate *service.ConcurrencyGate, sessions *service.SessionStore, metrics *middleware.Metrics, version ...string) http.HandlerFunc {
	ver := "0.0.0"
	if len(version) > 0 && version[0] != "" {
		ver = version[0]
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		status := "ok"
		httpStatus := http.StatusOK

		rag := ragHealth{}
		if chunks != nil {
			count, err := chunks.CountChunks(ctx)
			if err != nil {
				status = "degraded"
				httpStatus = http.StatusServiceUnavailable
			} else {
				rag.ChunkCount = count
				rag.IndexLoaded = count > 0
			}
		}
		if ragCache != nil {
			rag.CacheEntries = ragCache.Len()
		}

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				status = "degraded"
				httpStatus = http.StatusServiceUnavailable
			}
		}

		var counters map[string]float64
		if metrics != nil {
			counters = metrics.Snapshot()
		}

		concurrency := concurrencyHealth{}
		if gate != nil {
			concurrency = concurrencyHealth{InFlight: gate.InFlight(), Limit: gate.Limit()}
		}

		sess := sessionsHealth{}
		if sessions != nil {
			sess = sessionsHealth{Active: sessions.Len(), Max: sessions.MaxSessions()}
		}

		respondJSON(w, httpStatus, HealthResponse{
			Status:      status,
			Version:     ver,
			Counters:    counters,
			RAG:         rag,
			Concurrency: concurrency,
			Sessions:    sess,
		})
	}
}
