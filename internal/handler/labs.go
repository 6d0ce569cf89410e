package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/weekijie/sturgeon/internal/apperr"
	"github.com/weekijie/sturgeon/internal/middleware"
	"github.com/weekijie/sturgeon/internal/model"
	"github.com/weekijie/sturgeon/internal/service"
)

const maxLabTextBytes = 256 * 1024   // extract-labs: raw text body cap
const maxLabFileBytes = 20 * 1024 * 1024 // extract-labs-file: upload cap

const labExtractionSystemPrompt = "You extract laboratory results from a medical report. Respond with a single JSON object mapping each test name to an object with exactly these keys: value (number), unit (string), reference_range (string, may be empty), status (\"normal\"|\"high\"|\"low\"). Respond with JSON only, no prose outside the object. Extract only results present in the report; never invent values."

// ExtractLabsRequest is the request body for POST /extract-labs.
type ExtractLabsRequest struct {
	Text string `json:"text"`
}

// ExtractLabsResponse is the shared response shape for extract-labs and
// extract-labs-file.
type ExtractLabsResponse struct {
	LabValues     map[string]model.LabValue `json:"lab_values"`
	AbnormalCount int                        `json:"abnormal_count"`
	Path          string                     `json:"path"`
}

// ExtractLabs handles POST /extract-labs: the deterministic fast path
// against already-extracted report text, falling through to a schema-hinted
// specialist extraction when no candidate parser accepts the report.
func ExtractLabs(parser *service.LabParserService, invoker *service.SpecialistInvoker, gate *service.ConcurrencyGate, metrics *middleware.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxLabTextBytes)

		var req ExtractLabsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondInputInvalid(w, "invalid request body")
			return
		}
		if req.Text == "" {
			respondInputInvalid(w, "text is required")
			return
		}

		result := parser.Parse(r.Context(), req.Text)
		result, err := resolveUnrecognized(r.Context(), invoker, gate, result)
		if err != nil {
			respondError(w, err)
			return
		}
		recordLabPathMetric(metrics, result.Path)

		respondJSON(w, http.StatusOK, ExtractLabsResponse{
			LabValues:     result.Labs,
			AbnormalCount: result.AbnormalCount,
			Path:          string(result.Path),
		})
	}
}

// ExtractLabsFile handles POST /extract-labs-file: a multipart PDF/TXT
// upload run through the deterministic fast path, falling through to the
// schema-hinted specialist extraction when no deterministic candidate
// parser accepts the report.
func ExtractLabsFile(parser *service.LabParserService, invoker *service.SpecialistInvoker, gate *service.ConcurrencyGate, metrics *middleware.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxLabFileBytes)
		if err := r.ParseMultipartForm(maxLabFileBytes); err != nil {
			respondInputInvalid(w, "could not parse multipart upload")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			respondInputInvalid(w, "file field is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			respondInputInvalid(w, "could not read uploaded file")
			return
		}
		if len(data) == 0 {
			respondInputInvalid(w, "uploaded file is empty")
			return
		}

		result, err := parser.ParseBytes(r.Context(), header.Filename, data)
		if err != nil {
			respondError(w, apperr.ParseFailureErr("lab extraction failed", err))
			return
		}
		result, err = resolveUnrecognized(r.Context(), invoker, gate, result)
		if err != nil {
			respondError(w, err)
			return
		}
		recordLabPathMetric(metrics, result.Path)

		respondJSON(w, http.StatusOK, ExtractLabsResponse{
			LabValues:     result.Labs,
			AbnormalCount: result.AbnormalCount,
			Path:          string(result.Path),
		})
	}
}

// resolveUnrecognized routes a report no deterministic candidate parser
// accepted to the specialist, taking a concurrency-gate slot for the
// generative call. A report with no extractable text stays unrecognized;
// there is nothing for the model to read either.
func resolveUnrecognized(ctx context.Context, invoker *service.SpecialistInvoker, gate *service.ConcurrencyGate, result service.LabParseResult) (service.LabParseResult, error) {
	if result.Path != service.PathUnrecognized || invoker == nil || strings.TrimSpace(result.Text) == "" {
		return result, nil
	}

	if gate != nil {
		release, err := gate.Acquire(ctx)
		if err != nil {
			return result, err
		}
		defer release()
	}

	labs, err := llmExtractLabs(ctx, invoker, result.Text)
	if err != nil {
		return result, err
	}
	if labs == nil {
		labs = make(map[string]model.LabValue)
	}
	return service.LabParseResult{
		Labs:          labs,
		AbnormalCount: countAbnormalLabs(labs),
		Path:          service.PathLLMFallback,
		Text:          result.Text,
	}, nil
}

// llmExtractLabs asks the specialist for a schema-hinted JSON extraction,
// with one JSON-repair retry before giving up.
func llmExtractLabs(ctx context.Context, invoker *service.SpecialistInvoker, reportText string) (map[string]model.LabValue, error) {
	material := service.PromptMaterial{
		SystemPrompt:   labExtractionSystemPrompt,
		Instruction:    "Extract every laboratory result from this report.",
		PatientHistory: reportText,
	}
	opts := service.InvokeOpts{
		MaxOutputTokens: 1024,
		Temperature:     service.TempStructuredJSON,
		SchemaHint:      "lab_values",
	}

	raw, err := invoker.Invoke(ctx, material, opts)
	if err != nil {
		return nil, err
	}
	labs, parseErr := parseLabValuesObject(raw)
	if parseErr == nil {
		return labs, nil
	}

	repair := material
	repair.Instruction = "Your previous response was not valid JSON:\n\n" + raw + "\n\nRespond again with only the corrected JSON object of lab values."
	raw, err = invoker.Invoke(ctx, repair, opts)
	if err != nil {
		return nil, err
	}
	return parseLabValuesObject(raw)
}

// parseLabValuesObject tolerantly extracts the lab-values JSON object from
// model output that may be wrapped in a code fence or surrounded by prose.
func parseLabValuesObject(raw string) (map[string]model.LabValue, error) {
	candidate := extractJSONObject(raw)

	var labs map[string]model.LabValue
	if err := json.Unmarshal([]byte(candidate), &labs); err != nil {
		return nil, apperr.ParseFailureErr("could not parse lab extraction JSON", err)
	}
	return labs, nil
}

func countAbnormalLabs(labs map[string]model.LabValue) int {
	n := 0
	for _, v := range labs {
		if v.Status != "" && v.Status != "normal" {
			n++
		}
	}
	return n
}

// recordLabPathMetric increments the counter matching how the report was
// resolved: the deterministic fast path, or the specialist fallback. A
// report that stayed unrecognized (no text to hand the model, or no
// specialist wired) increments neither.
func recordLabPathMetric(metrics *middleware.Metrics, path service.ParsePath) {
	if metrics == nil {
		return
	}
	switch path {
	case service.PathLLMFallback:
		metrics.IncrementExtractLabsLLMFallback()
	case service.PathUnrecognized:
	default:
		metrics.IncrementExtractLabsFastPath()
	}
}
