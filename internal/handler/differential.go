package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/weekijie/sturgeon/internal/apperr"
	"github.com/weekijie/sturgeon/internal/middleware"
	"github.com/weekijie/sturgeon/internal/model"
	"github.com/weekijie/sturgeon/internal/service"
)

const maxDifferentialBodyBytes = 512 * 1024

const differentialSystemPrompt = "You generate an initial clinical differential diagnosis from a patient history and lab values. Respond with a single JSON array of objects, each with exactly these keys: name (string), probability (\"high\"|\"medium\"|\"low\"), supporting_evidence (array of strings), against_evidence (array of strings), suggested_tests (array of strings). Respond with JSON only, no prose outside the array. Cite only findings traceable to the supplied patient data."

// DifferentialRequest is the request body for POST /differential.
type DifferentialRequest struct {
	PatientHistory string                    `json:"patient_history"`
	LabValues      map[string]model.LabValue `json:"lab_values"`
	ImageContext   string                    `json:"image_context,omitempty"`
}

// DifferentialResponse is the response shape for POST /differential.
type DifferentialResponse struct {
	Differential       []model.Diagnosis `json:"differential"`
	SessionID          string            `json:"session_id"`
	ValidationWarnings []string          `json:"validation_warnings,omitempty"`
}

// Differential handles POST /differential: composes the initial differential
// from patient history, lab values, and optional image context, validates it
// against the hallucination guard, and opens a new session to carry the
// result into subsequent debate turns.
func Differential(sessions *service.SessionStore, invoker *service.SpecialistInvoker, validator *service.HallucinationValidator, gate *service.ConcurrencyGate, metrics *middleware.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDifferentialBodyBytes)

		var req DifferentialRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondInputInvalid(w, "invalid request body")
			return
		}
		if strings.TrimSpace(req.PatientHistory) == "" {
			respondInputInvalid(w, "patient_history is required")
			return
		}
		if req.LabValues == nil {
			req.LabValues = make(map[string]model.LabValue)
		}

		release, err := gate.Acquire(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		defer release()

		state, err := sessions.GetOrCreate("")
		if err != nil {
			respondError(w, err)
			return
		}
		state.Patient = req.PatientHistory
		state.LabValues = req.LabValues
		state.ImageContext = req.ImageContext

		allowed, allowedNames := validator.ExtractAllowedValues(state.Patient, state.LabValues, state.ImageContext)

		material := service.PromptMaterial{
			SystemPrompt:   differentialSystemPrompt,
			Instruction:    "Generate the initial differential diagnosis for this patient.",
			PatientHistory: state.Patient,
			ImageContext:   state.ImageContext,
		}

		generate := func(ctx context.Context, correctionNote string) (string, error) {
			m := material
			if correctionNote != "" {
				m.Instruction = m.Instruction + "\n\n" + correctionNote
			}
			opts := service.InvokeOpts{
				MaxOutputTokens: 1024,
				Temperature:     service.TempStructuredJSON,
				SchemaHint:      "differential",
				OnOverflowRetry: func() { metrics.IncrementDifferentialConciseRetry() },
			}
			return invoker.Invoke(ctx, m, opts)
		}

		raw, warnings, err := validator.ValidateWithRetry(r.Context(), allowed, allowedNames, generate)
		if err != nil {
			respondError(w, err)
			return
		}
		if len(warnings) > 0 {
			metrics.IncrementValidationWarning()
		}

		diffs, err := parseDifferentialArray(raw)
		if err != nil {
			respondError(w, err)
			return
		}
		diffs = model.CapDifferential(diffs)

		if uErr := sessions.Update(state.SessionID, func(s *model.ClinicalState) error {
			s.Differential = diffs
			return nil
		}); uErr != nil {
			respondError(w, uErr)
			return
		}

		respondJSON(w, http.StatusOK, DifferentialResponse{
			Differential:       diffs,
			SessionID:          state.SessionID,
			ValidationWarnings: warnings,
		})
	}
}

// parseDifferentialArray tolerantly extracts a JSON array of diagnoses from
// model output that may be wrapped in a code fence or surrounded by prose.
func parseDifferentialArray(raw string) ([]model.Diagnosis, error) {
	candidate := extractJSONArray(raw)

	var diffs []model.Diagnosis
	if err := json.Unmarshal([]byte(candidate), &diffs); err != nil {
		return nil, apperr.ParseFailureErr("could not parse differential JSON", err)
	}
	return diffs, nil
}
