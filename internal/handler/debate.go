package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/weekijie/sturgeon/internal/middleware"
	"github.com/weekijie/sturgeon/internal/model"
	"github.com/weekijie/sturgeon/internal/service"
)

const maxDebateBodyBytes = 64 * 1024
const maxUserChallengeChars = 500

// DebateTurnRequest is the request body for POST /debate-turn. SessionID is
// optional: an empty value opens a fresh session with no prior differential,
// supporting a debate-first flow in addition to the normal
// differential-then-debate sequence.
type DebateTurnRequest struct {
	SessionID     string `json:"session_id,omitempty"`
	UserChallenge string `json:"user_challenge"`
}

// DebateTurnResponse is the response shape for POST /debate-turn.
type DebateTurnResponse struct {
	AIResponse         string             `json:"ai_response"`
	UpdatedDifferential []model.Diagnosis `json:"updated_differential"`
	Citations          []model.Citation   `json:"citations"`
	HasGuidelines      bool               `json:"has_guidelines"`
	RAGUsed            bool               `json:"rag_used"`
	Orchestrated       bool               `json:"orchestrated"`
	SessionID          string             `json:"session_id"`
}

// DebateTurn handles POST /debate-turn: the full debate protocol: session
// lookup, turn serialization, debate execution (with automatic
// orchestrator-unavailable degradation), citation normalization, and state
// update.
func DebateTurn(sessions *service.SessionStore, executor service.DebateExecutor, normalizer *service.CitationNormalizer, gate *service.ConcurrencyGate, metrics *middleware.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDebateBodyBytes)

		var req DebateTurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondInputInvalid(w, "invalid request body")
			return
		}
		if strings.TrimSpace(req.UserChallenge) == "" {
			respondInputInvalid(w, "user_challenge is required")
			return
		}
		if len(req.UserChallenge) > maxUserChallengeChars {
			respondInputInvalid(w, "user_challenge exceeds 500 characters")
			return
		}

		release, err := gate.Acquire(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		defer release()

		state, err := sessions.GetOrCreate(req.SessionID)
		if err != nil {
			respondError(w, err)
			return
		}

		endTurn, err := sessions.BeginTurn(state.SessionID)
		if err != nil {
			respondError(w, err)
			return
		}
		defer endTurn()

		result, err := executor.Execute(r.Context(), state, req.UserChallenge)
		if err != nil {
			respondError(w, err)
			return
		}

		citations := normalizer.Normalize(result.Synthesis.RawCitations, nil)
		hasGuidelines := service.HasGuidelines(citations)

		updatedDifferential := result.Synthesis.UpdatedDifferential
		if len(updatedDifferential) == 0 {
			updatedDifferential = state.Differential
		}

		combinedRuledOut := make([]model.RuledOut, 0, len(state.RuledOut)+len(result.Synthesis.RuledOutUpdate))
		combinedRuledOut = append(combinedRuledOut, state.RuledOut...)
		combinedRuledOut = append(combinedRuledOut, result.Synthesis.RuledOutUpdate...)
		finalDifferential := model.CapDifferential(removeRuledOut(updatedDifferential, combinedRuledOut))

		if uErr := sessions.Update(state.SessionID, func(s *model.ClinicalState) error {
			s.DebateRound++
			s.RuledOut = combinedRuledOut
			s.Differential = finalDifferential
			s.KeyFindings = append(s.KeyFindings, result.Synthesis.KeyFindingsUpdate...)
			s.Rounds = append(s.Rounds, model.Round{
				UserChallenge: req.UserChallenge,
				AIResponse:    result.Synthesis.AIResponse,
				Citations:     citations,
			})
			return nil
		}); uErr != nil {
			respondError(w, uErr)
			return
		}

		respondJSON(w, http.StatusOK, DebateTurnResponse{
			AIResponse:          result.Synthesis.AIResponse,
			UpdatedDifferential: finalDifferential,
			Citations:           citations,
			HasGuidelines:       hasGuidelines,
			RAGUsed:             result.RAGUsed,
			Orchestrated:        result.Orchestrated,
			SessionID:           state.SessionID,
		})
	}
}

// removeRuledOut drops any differential entry whose name was just ruled out,
// keeping the differential and ruled_out lists disjoint.
func removeRuledOut(differential []model.Diagnosis, ruledOut []model.RuledOut) []model.Diagnosis {
	if len(ruledOut) == 0 {
		return differential
	}
	excluded := make(map[string]bool, len(ruledOut))
	for _, r := range ruledOut {
		excluded[r.Diagnosis] = true
	}
	out := make([]model.Diagnosis, 0, len(differential))
	for _, d := range differential {
		if !excluded[d.Name] {
			out = append(out, d)
		}
	}
	return out
}
