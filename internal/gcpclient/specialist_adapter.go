package gcpclient

import (
	"context"

	"github.com/weekijie/sturgeon/internal/service"
)

// SpecialistAdapter implements service.SpecialistClient over the Vertex AI
// Gemini adapter, translating the invoker's overflow-detection contract onto
// GenAIAdapter's finish-reason and error-shape signals.
type SpecialistAdapter struct {
	genai *GenAIAdapter
}

// NewSpecialistAdapter creates a SpecialistAdapter.
func NewSpecialistAdapter(genai *GenAIAdapter) *SpecialistAdapter {
	return &SpecialistAdapter{genai: genai}
}

// Generate dispatches one specialist call, surfacing a *service.OverflowError
// when the serving layer reports either output truncation at the requested
// budget or an input-token overflow.
func (a *SpecialistAdapter) Generate(ctx context.Context, req service.SpecialistRequest) (string, error) {
	text, maxTokensHit, err := a.genai.GenerateMultimodal(ctx, GenerationParams{
		SystemPrompt:    req.SystemPrompt,
		Prompt:          req.Prompt,
		ImageBytes:      req.ImageBytes,
		ImageMIME:       req.ImageMIME,
		MaxOutputTokens: req.MaxOutputTokens,
		Temperature:     req.Temperature,
	})
	if err != nil {
		if _, ok := err.(*inputOverflowErr); ok {
			return "", &service.OverflowError{Parameter: "input_tokens", Cause: err}
		}
		return "", err
	}
	if maxTokensHit {
		return text, &service.OverflowError{Parameter: "max_tokens", Cause: nil}
	}
	return text, nil
}
