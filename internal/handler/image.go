package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/weekijie/sturgeon/internal/middleware"
	"github.com/weekijie/sturgeon/internal/service"
)

const maxImageUploadBytes = 15 * 1024 * 1024

const imageAnalysisSystemPrompt = "You are a clinical imaging interpretation assistant. Describe the objective visual findings in the supplied image and, only if the findings support it, a brief differential impression. State uncertainty plainly rather than guessing a diagnosis from an ambiguous or low-quality image. Respond with plain text, no JSON, no markdown headers."

// TriageResult is the optional zero-shot modality classification that seeds
// the specialist's prompt for an image analysis call (the
// optional image triage model).
type TriageResult struct {
	Modality   string   `json:"modality"`
	Confidence float64  `json:"confidence"`
	Labels     []string `json:"labels,omitempty"`
}

// ImageTriageClient abstracts the optional external modality classifier.
// A nil ImageTriageClient is valid: AnalyzeImage simply skips triage and
// leaves the specialist to work from the image alone.
type ImageTriageClient interface {
	Classify(ctx context.Context, imageBytes []byte, mime string) (TriageResult, error)
}

// AnalyzeImageResponse is the response shape for POST /analyze-image.
type AnalyzeImageResponse struct {
	Modality       string        `json:"modality"`
	Triage         *TriageResult `json:"triage,omitempty"`
	Interpretation string        `json:"interpretation"`
}

// AnalyzeImage handles POST /analyze-image: an optional external triage pass
// seeds a compact modality summary into the specialist prompt, which then
// produces a free-text interpretation with refusal-recovery retry handled by
// the invoker.
func AnalyzeImage(invoker *service.SpecialistInvoker, triage ImageTriageClient, gate *service.ConcurrencyGate, metrics *middleware.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImageUploadBytes)
		if err := r.ParseMultipartForm(maxImageUploadBytes); err != nil {
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

		mime := header.Header.Get("Content-Type")
		if mime == "" {
			mime = "image/jpeg"
		}

		release, err := gate.Acquire(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		defer release()

		var result *TriageResult
		instruction := "Interpret the attached image."
		if triage != nil {
			t, tErr := triage.Classify(r.Context(), data, mime)
			if tErr != nil {
				slog.Warn("image triage failed, proceeding without it", "error", tErr)
			} else {
				result = &t
				instruction = "Interpret the attached image. An automated triage pass classified it as " +
					t.Modality + " (confidence " + formatConfidence(t.Confidence) + "). Treat this as a hint, not ground truth."
			}
		}

		material := service.PromptMaterial{
			SystemPrompt: imageAnalysisSystemPrompt,
			Instruction:  instruction,
			ImageBytes:   data,
			ImageMIME:    mime,
		}

		interpretation, err := invoker.Invoke(r.Context(), material, service.InvokeOpts{
			MaxOutputTokens: 768,
			Temperature:     service.TempImageAnalysis,
			SchemaHint:      "image-analysis",
			IsImageTask:     true,
		})
		if err != nil {
			respondError(w, err)
			return
		}

		modality := "uncertain"
		if result != nil && result.Modality != "" {
			modality = result.Modality
		}

		respondJSON(w, http.StatusOK, AnalyzeImageResponse{
			Modality:       modality,
			Triage:         result,
			Interpretation: interpretation,
		})
	}
}

func formatConfidence(c float64) string {
	pct := int(c * 100)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return strconv.Itoa(pct) + "%"
}
