package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/weekijie/sturgeon/internal/apperr"
	"github.com/weekijie/sturgeon/internal/model"
)

// OrchestratorClient abstracts the general-purpose conversational model used
// to formulate specialist questions and synthesize debate turns. Matches the
// minimal GenAIClient shape the gcpclient adapters already implement.
type OrchestratorClient interface {
	GenerateContent(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// SynthesisResult is the tolerant-parsed JSON object the orchestrator (or the
// specialist-only fallback) produces at the end of a debate turn.
type SynthesisResult struct {
	AIResponse          string             `json:"ai_response"`
	UpdatedDifferential []model.Diagnosis  `json:"updated_differential"`
	KeyFindingsUpdate   []string           `json:"key_findings_update"`
	RuledOutUpdate      []model.RuledOut   `json:"ruled_out_update"`
	SuggestedTest       string             `json:"suggested_test,omitempty"`
	RawCitations        []model.RawCitation `json:"raw_citations"`
}

// DebateTurnResult is what a DebateExecutor returns for one turn, before
// citation normalization and state update.
type DebateTurnResult struct {
	Synthesis     SynthesisResult
	RAGUsed       bool
	Orchestrated  bool
}

// DebateExecutor implements one of the two debate-turn strategies: the full
// orchestrator-mediated protocol, or the specialist-only
// fallback. Selection is a runtime capability check, not scattered
// conditionals.
type DebateExecutor interface {
	Execute(ctx context.Context, state *model.ClinicalState, userChallenge string) (DebateTurnResult, error)
}

// OrchestratedExecutor implements the full three-step debate protocol:
// formulate a focused specialist question, retrieve guidelines, query the
// specialist, validate, synthesize.
type OrchestratedExecutor struct {
	Orchestrator OrchestratorClient
	Retriever    *RetrieverService
	Specialist   *SpecialistInvoker
	Validator    *HallucinationValidator
}

// NewOrchestratedExecutor creates an OrchestratedExecutor.
func NewOrchestratedExecutor(orchestrator OrchestratorClient, retriever *RetrieverService, specialist *SpecialistInvoker, validator *HallucinationValidator) *OrchestratedExecutor {
	return &OrchestratedExecutor{Orchestrator: orchestrator, Retriever: retriever, Specialist: specialist, Validator: validator}
}

// Execute runs FORMULATE -> RETRIEVE? -> QUERY_SPECIALIST -> VALIDATE -> SYNTHESIZE.
func (e *OrchestratedExecutor) Execute(ctx context.Context, state *model.ClinicalState, userChallenge string) (DebateTurnResult, error) {
	question, needsRetrieval := e.formulate(ctx, state, userChallenge)

	var ragChunks []RankedChunk
	ragUsed := false
	if needsRetrieval {
		result, err := e.Retriever.Retrieve(ctx, question, 5, nil)
		if err != nil {
			slog.Error("orchestrator: retrieval fault", "error", err.Error())
		} else if !result.Blocked && len(result.Chunks) > 0 {
			ragChunks = result.Chunks
			ragUsed = true
		}
	}

	allowed, allowedNames := e.Validator.ExtractAllowedValues(state.Patient, state.LabValues, state.ImageContext)

	material := PromptMaterial{
		SystemPrompt:   specialistSystemPrompt,
		Instruction:    question,
		PatientHistory: state.Patient,
		Rounds:         recentRounds(state, 2),
		Differential:   state.Differential,
		ImageContext:   state.ImageContext,
		RAGChunks:      ragChunks,
	}

	generate := func(ctx context.Context, correctionNote string) (string, error) {
		m := material
		if correctionNote != "" {
			m.Instruction = m.Instruction + "\n\n" + correctionNote
		}
		return e.Specialist.Invoke(ctx, m, InvokeOpts{MaxOutputTokens: 1024, Temperature: TempDebateSynthesisLow})
	}

	specialistAnswer, warnings, err := e.Validator.ValidateWithRetry(ctx, allowed, allowedNames, generate)
	if err != nil {
		return DebateTurnResult{}, fmt.Errorf("orchestrator: specialist call failed: %w", err)
	}

	synthesis, err := e.synthesize(ctx, state, userChallenge, specialistAnswer, ragChunks)
	if err != nil {
		return DebateTurnResult{}, err
	}
	if len(warnings) > 0 {
		slog.Warn("orchestrator: validation warnings on debate turn", "session_id", state.SessionID, "warnings", warnings)
	}

	return DebateTurnResult{Synthesis: synthesis, RAGUsed: ragUsed, Orchestrated: true}, nil
}

// formulate produces a focused specialist question from the compact session
// summary, the last 2 rounds, and the user's challenge. needsRetrieval
// is a simple heuristic: retrieval is skipped only when the challenge is a
// pure clarification with no new clinical content (empty challenge).
//
// The composed question is clamped to the retrieval soft max here, before
// it reaches Retrieve, so an over-long formulation is trimmed rather than
// tripping the hard security guardrail and losing the turn's guidelines.
func (e *OrchestratedExecutor) formulate(ctx context.Context, state *model.ClinicalState, userChallenge string) (string, bool) {
	systemPrompt := "You are formulating a focused clinical question for a specialist model, given the current case summary and the user's latest challenge. Respond with only the question."
	userPrompt := state.ToSummary() + "\n\nUser challenge: " + userChallenge

	question, err := e.Orchestrator.GenerateContent(ctx, systemPrompt, userPrompt)
	if err != nil || strings.TrimSpace(question) == "" {
		slog.Warn("orchestrator: formulation fault, falling back to raw challenge", "error", err)
		return clampQuery(userChallenge, querySoftMax), userChallenge != ""
	}
	return clampQuery(strings.TrimSpace(question), querySoftMax), true
}

// synthesize asks the orchestrator to produce the final structured turn
// output, tolerantly parsing its JSON.
func (e *OrchestratedExecutor) synthesize(ctx context.Context, state *model.ClinicalState, userChallenge, specialistAnswer string, ragChunks []RankedChunk) (SynthesisResult, error) {
	systemPrompt := synthesisSystemPrompt

	var b strings.Builder
	b.WriteString("Case summary:\n")
	b.WriteString(state.ToSummary())
	b.WriteString("\n\nUser challenge: ")
	b.WriteString(userChallenge)
	b.WriteString("\n\nSpecialist answer:\n")
	b.WriteString(specialistAnswer)
	if len(ragChunks) > 0 {
		b.WriteString("\n\nGuideline context:\n")
		for _, c := range ragChunks {
			b.WriteString(c.Chunk.ChunkText)
			b.WriteString("\n")
		}
	}

	raw, err := e.Orchestrator.GenerateContent(ctx, systemPrompt, b.String())
	if err != nil {
		return SynthesisResult{}, apperr.Wrap(apperr.OrchestratorUnavailable, "orchestrator model unavailable", err)
	}

	return parseSynthesis(raw)
}

// SpecialistOnlyExecutor is the degraded path used when the orchestrator
// model is unreachable. It builds the synthesis directly from
// the specialist, skipping the formulate/synthesize round trips.
type SpecialistOnlyExecutor struct {
	Specialist *SpecialistInvoker
	Validator  *HallucinationValidator
}

// NewSpecialistOnlyExecutor creates a SpecialistOnlyExecutor.
func NewSpecialistOnlyExecutor(specialist *SpecialistInvoker, validator *HallucinationValidator) *SpecialistOnlyExecutor {
	return &SpecialistOnlyExecutor{Specialist: specialist, Validator: validator}
}

// Execute asks the specialist directly for a structured JSON synthesis,
// including image context in the prompt when present.
func (e *SpecialistOnlyExecutor) Execute(ctx context.Context, state *model.ClinicalState, userChallenge string) (DebateTurnResult, error) {
	allowed, allowedNames := e.Validator.ExtractAllowedValues(state.Patient, state.LabValues, state.ImageContext)

	material := PromptMaterial{
		SystemPrompt:   synthesisSystemPrompt,
		Instruction:    "Respond with the JSON synthesis object described above for this user challenge: " + userChallenge,
		PatientHistory: state.Patient,
		Rounds:         recentRounds(state, 2),
		Differential:   state.Differential,
		ImageContext:   state.ImageContext,
	}

	generate := func(ctx context.Context, correctionNote string) (string, error) {
		m := material
		if correctionNote != "" {
			m.Instruction = m.Instruction + "\n\n" + correctionNote
		}
		return e.Specialist.Invoke(ctx, m, InvokeOpts{MaxOutputTokens: 1024, Temperature: TempDebateSynthesisHigh, SchemaHint: "synthesis"})
	}

	raw, warnings, err := e.Validator.ValidateWithRetry(ctx, allowed, allowedNames, generate)
	if err != nil {
		return DebateTurnResult{}, fmt.Errorf("specialist-only executor: %w", err)
	}
	if len(warnings) > 0 {
		slog.Warn("specialist-only executor: validation warnings on debate turn", "session_id", state.SessionID, "warnings", warnings)
	}

	synthesis, err := parseSynthesis(raw)
	if err != nil {
		return DebateTurnResult{}, err
	}
	return DebateTurnResult{Synthesis: synthesis, RAGUsed: false, Orchestrated: false}, nil
}

// FallbackExecutor wraps an OrchestratedExecutor and transparently degrades
// to a SpecialistOnlyExecutor when the orchestrator model is unavailable;
// the degraded response carries orchestrated: false.
type FallbackExecutor struct {
	Primary  *OrchestratedExecutor
	Fallback *SpecialistOnlyExecutor
}

// NewFallbackExecutor creates a FallbackExecutor.
func NewFallbackExecutor(primary *OrchestratedExecutor, fallback *SpecialistOnlyExecutor) *FallbackExecutor {
	return &FallbackExecutor{Primary: primary, Fallback: fallback}
}

// Execute tries the full orchestrator protocol first and falls back only on
// ORCHESTRATOR_UNAVAILABLE; every other error still propagates as a hard
// failure.
func (e *FallbackExecutor) Execute(ctx context.Context, state *model.ClinicalState, userChallenge string) (DebateTurnResult, error) {
	result, err := e.Primary.Execute(ctx, state, userChallenge)
	if err == nil {
		return result, nil
	}
	if ae, ok := apperr.As(err); ok && ae.Kind == apperr.OrchestratorUnavailable {
		slog.Warn("orchestrator unavailable, degrading to specialist-only path", "session_id", state.SessionID)
		return e.Fallback.Execute(ctx, state, userChallenge)
	}
	return DebateTurnResult{}, err
}

func recentRounds(state *model.ClinicalState, n int) []model.Round {
	if len(state.Rounds) <= n {
		return state.Rounds
	}
	return state.Rounds[len(state.Rounds)-n:]
}

const specialistSystemPrompt = "You are a domain specialist assisting a clinician with a differential diagnosis debate. Answer the focused question directly, citing only findings traceable to the supplied patient data."

const synthesisSystemPrompt = "You synthesize a diagnostic debate turn. Respond with a single JSON object with exactly these keys: ai_response (string), updated_differential (array of {name, probability, supporting_evidence, against_evidence, suggested_tests}), key_findings_update (array of strings), ruled_out_update (array of {diagnosis, reason}), suggested_test (string, optional), raw_citations (array of {organization, text, url}). Respond with JSON only, no prose outside the object."

var (
	jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")
)

// parseSynthesis is the tolerant JSON pipeline for model output: strip code
// fences, unwrap a double-encoded JSON string, repair missing commas between
// adjacent values, repair literal newlines inside string values via a
// quote-boundary scanner, then decode. Any output that survives none of
// these repairs is a PARSE_FAILURE.
func parseSynthesis(raw string) (SynthesisResult, error) {
	// A response that is entirely a JSON string is unwrapped first; object
	// extraction below would otherwise cut away its outer quotes.
	var outer string
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &outer); err == nil {
		raw = outer
	}
	candidate := extractJSONObject(raw)

	var result SynthesisResult
	if err := json.Unmarshal([]byte(candidate), &result); err == nil {
		return result, nil
	}

	// Double-wrapped: the object was itself JSON-encoded as a string.
	var wrapped string
	if err := json.Unmarshal([]byte(candidate), &wrapped); err == nil {
		if err := json.Unmarshal([]byte(wrapped), &result); err == nil {
			return result, nil
		}
		candidate = wrapped
	}

	commaRepaired := repairMissingCommas(candidate)
	if err := json.Unmarshal([]byte(commaRepaired), &result); err == nil {
		return result, nil
	}

	repaired := repairLiteralNewlines(commaRepaired)
	if err := json.Unmarshal([]byte(repaired), &result); err == nil {
		return result, nil
	}

	return SynthesisResult{}, apperr.ParseFailureErr("could not repair synthesis JSON", fmt.Errorf("unparseable model output"))
}

// extractJSONObject strips a ```json fenced block if present, otherwise
// returns the substring between the first '{' and the last '}'.
func extractJSONObject(raw string) string {
	if m := jsonFenceRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < 0 || end < start {
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(raw[start : end+1])
}

// repairMissingCommas inserts a comma between adjacent JSON values that the
// model omitted. It scans outside string literals and tracks the last
// significant byte emitted: whenever a value-ending token ('"', '}', ']', a
// digit, or a true/false/null terminator) is followed, across only
// whitespace, by a value-starting token ('"', '{', or '[') with no comma in
// between, a comma is inserted before it.
func repairMissingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	inString := false
	escaped := false
	var lastSignificant byte

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				lastSignificant = '"'
			}
			continue
		}

		switch c {
		case ' ', '\t', '\n', '\r':
			b.WriteByte(c)
			continue
		case '"', '{', '[':
			if isJSONValueEnd(lastSignificant) {
				b.WriteByte(',')
			}
			b.WriteByte(c)
			if c == '"' {
				inString = true
				lastSignificant = 0
			} else {
				lastSignificant = c
			}
			continue
		}
		b.WriteByte(c)
		lastSignificant = c
	}
	return b.String()
}

// isJSONValueEnd reports whether c is the last byte of a complete JSON
// value: a closing quote/brace/bracket, a digit, or the terminal letter of
// true/false/null.
func isJSONValueEnd(c byte) bool {
	switch {
	case c == '"' || c == '}' || c == ']':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == 'e' || c == 'l':
		return true
	}
	return false
}

// repairLiteralNewlines escapes raw newline/tab bytes found inside JSON
// string literals using a state machine that tracks quote boundaries and
// backslash escaping, leaving structural whitespace (between tokens)
// untouched.
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
