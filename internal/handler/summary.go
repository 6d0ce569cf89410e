package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/weekijie/sturgeon/internal/apperr"
	"github.com/weekijie/sturgeon/internal/middleware"
	"github.com/weekijie/sturgeon/internal/model"
	"github.com/weekijie/sturgeon/internal/service"
)

const summarySystemPrompt = "You synthesize a final diagnostic summary from a completed debate. Respond with a single JSON object with exactly these keys: final_diagnosis (string), confidence (integer 0-100), reasoning_chain (array of strings), next_steps (array of strings), ruled_out (array of {diagnosis, reason}). Confidence is an ordinal expression of the model's own certainty, not a calibrated clinical probability. Respond with JSON only, no prose outside the object."

const summaryMaxOutputTokens = 2048

// SummaryRequest is the request body for POST /summary.
type SummaryRequest struct {
	SessionID string `json:"session_id"`
}

// summaryModelOutput is the tolerant-parsed structured synthesis the
// specialist produces for a case summary.
type summaryModelOutput struct {
	FinalDiagnosis string           `json:"final_diagnosis"`
	Confidence     int              `json:"confidence"`
	ReasoningChain []string         `json:"reasoning_chain"`
	NextSteps      []string         `json:"next_steps"`
	RuledOut       []model.RuledOut `json:"ruled_out"`
}

// SummaryResponse is the response shape for POST /summary.
type SummaryResponse struct {
	FinalDiagnosis string           `json:"final_diagnosis"`
	Confidence     int              `json:"confidence"`
	ReasoningChain []string         `json:"reasoning_chain"`
	NextSteps      []string         `json:"next_steps"`
	RuledOut       []model.RuledOut `json:"ruled_out"`
}

// Summary handles POST /summary: composes a final synthesis prompt from the
// full session state and asks the specialist for a larger-budget structured
// close-out of the debate.
func Summary(sessions *service.SessionStore, invoker *service.SpecialistInvoker, gate *service.ConcurrencyGate, metrics *middleware.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 16*1024)

		var req SummaryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondInputInvalid(w, "invalid request body")
			return
		}
		if strings.TrimSpace(req.SessionID) == "" {
			respondInputInvalid(w, "session_id is required")
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

		material := service.PromptMaterial{
			SystemPrompt:   summarySystemPrompt,
			Instruction:    "Produce the final diagnostic summary for this case.",
			PatientHistory: state.Patient,
			Rounds:         state.Rounds,
			Differential:   state.Differential,
			ImageContext:   state.ImageContext,
		}

		raw, err := invoker.Invoke(r.Context(), material, service.InvokeOpts{
			MaxOutputTokens: summaryMaxOutputTokens,
			Temperature:     service.TempStructuredJSON,
			SchemaHint:      "summary",
			OnOverflowRetry: func() { metrics.IncrementSummaryConciseRetry() },
		})
		if err != nil {
			respondError(w, err)
			return
		}

		out, err := parseSummaryOutput(raw)
		if err != nil {
			respondError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, SummaryResponse{
			FinalDiagnosis: out.FinalDiagnosis,
			Confidence:     clampConfidence(out.Confidence),
			ReasoningChain: out.ReasoningChain,
			NextSteps:      out.NextSteps,
			RuledOut:       out.RuledOut,
		})
	}
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

func parseSummaryOutput(raw string) (summaryModelOutput, error) {
	candidate := extractJSONObject(raw)

	var out summaryModelOutput
	if err := json.Unmarshal([]byte(candidate), &out); err == nil {
		return out, nil
	}

	repaired := repairLiteralNewlines(candidate)
	if err := json.Unmarshal([]byte(repaired), &out); err == nil {
		return out, nil
	}

	return summaryModelOutput{}, apperr.ParseFailureErr("could not parse summary JSON", errors.New("unparseable model output"))
}

// repairLiteralNewlines escapes raw newline/tab bytes found inside JSON
// string literals using a state machine that tracks quote boundaries and
// backslash escaping, leaving structural whitespace untouched. It mirrors the
// repair pass the orchestrator's synthesis parser applies to its own output.
func repairLiteralNewlines(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inString && escaped:
			b.WriteByte(c)
			escaped = false
		case inString && c == '\\':
			b.WriteByte(c)
			escaped = true
		case inString && c == '"':
			b.WriteByte(c)
			inString = false
		case inString && c == '\n':
			b.WriteString("\\n")
		case inString && c == '\r':
			b.WriteString("\\r")
		case inString && c == '\t':
			b.WriteString("\\t")
		case !inString && c == '"':
			b.WriteByte(c)
			inString = true
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
