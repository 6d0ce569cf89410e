package gcpclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"golang.org/x/oauth2/google"
)

// GenAIAdapter wraps the Vertex AI Gemini client to implement service.GenAIClient.
// Supports both regional endpoints (via Go SDK) and the global endpoint (via REST API).
type GenAIAdapter struct {
	client     *genai.Client // nil when using global endpoint
	httpClient *http.Client  // used for global endpoint REST calls
	project    string
	location   string
	model      string
	useREST    bool
}

// NewGenAIAdapter creates a GenAIAdapter.
// For location "global", uses the REST API directly since the deprecated
// vertexai/genai SDK does not support the global endpoint.
func NewGenAIAdapter(ctx context.Context, project, location, model string) (*GenAIAdapter, error) {
	if location == "global" {
		httpClient, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			return nil, fmt.Errorf("gcpclient.NewGenAIAdapter: default credentials: %w", err)
		}
		return &GenAIAdapter{
			httpClient: httpClient,
			project:    project,
			location:   location,
			model:      model,
			useREST:    true,
		}, nil
	}

	client, err := genai.NewClient(ctx, project, location)
	if err != nil {
		return nil, fmt.Errorf("gcpclient.NewGenAIAdapter: %w", err)
	}
	return &GenAIAdapter{
		client:   client,
		project:  project,
		location: location,
		model:    model,
	}, nil
}

// GenerateContent sends a prompt to Gemini and returns the text response.
// Retries up to 3 times on 429/RESOURCE_EXHAUSTED with 500→1000→2000ms backoff (4s ceiling).
func (a *GenAIAdapter) GenerateContent(ctx context.Context, systemPrompt string, userPrompt string) (string, error) {
	return withRetry(ctx, "GenerateContent", func() (string, error) {
		if a.useREST {
			return a.generateContentREST(ctx, systemPrompt, userPrompt)
		}
		return a.generateContentSDK(ctx, systemPrompt, userPrompt)
	})
}

// generateContentSDK uses the Go SDK for regional endpoints.
func (a *GenAIAdapter) generateContentSDK(ctx context.Context, systemPrompt string, userPrompt string) (string, error) {
	model := a.client.GenerativeModel(a.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}

	resp, err := model.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		return "", fmt.Errorf("gcpclient.GenerateContent: %w", err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gcpclient.GenerateContent: empty response from model")
	}

	var parts []string
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			parts = append(parts, string(t))
		}
	}
	return strings.Join(parts, ""), nil
}

// REST API types for the global endpoint.
type restGenerateRequest struct {
	Contents         []restContent        `json:"contents"`
	SystemInstruction *restContent        `json:"systemInstruction,omitempty"`
	GenerationConfig *restGenerationConfig `json:"generationConfig,omitempty"`
}

type restContent struct {
	Role  string     `json:"role"`
	Parts []restPart `json:"parts"`
}

type restPart struct {
	Text string `json:"text"`
}

type restGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type restGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text             string `json:"text"`
				ThoughtSignature string `json:"thoughtSignature,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// generateContentREST uses the REST API for the global endpoint.
func (a *GenAIAdapter) generateContentREST(ctx context.Context, systemPrompt string, userPrompt string) (string, error) {
	url := fmt.Sprintf(
		"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:generateContent",
		a.project, a.model,
	)

	reqBody := restGenerateRequest{
		Contents: []restContent{
			{Role: "user", Parts: []restPart{{Text: userPrompt}}},
		},
	}
	if systemPrompt != "" {
		reqBody.SystemInstruction = &restContent{
			Role:  "user",
			Parts: []restPart{{Text: systemPrompt}},
		}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("gcpclient.GenerateContent: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("gcpclient.GenerateContent: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gcpclient.GenerateContent: call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gcpclient.GenerateContent: read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gcpclient.GenerateContent: status %d: %s", resp.StatusCode, respBody)
	}

	var genResp restGenerateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", fmt.Errorf("gcpclient.GenerateContent: decode: %w", err)
	}

	if genResp.Error != nil {
		return "", fmt.Errorf("gcpclient.GenerateContent: API error %d: %s", genResp.Error.Code, genResp.Error.Message)
	}

	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gcpclient.GenerateContent: empty response from model")
	}

	// Extract text parts, skipping thoughtSignature-only parts
	var parts []string
	for _, p := range genResp.Candidates[0].Content.Parts {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("gcpclient.GenerateContent: no text in response")
	}
	return strings.Join(parts, ""), nil
}

// GenerationParams configures one multimodal GenerateContent call, beyond the
// plain text-in/text-out GenerateContent above.
type GenerationParams struct {
	SystemPrompt    string
	Prompt          string
	ImageBytes      []byte
	ImageMIME       string
	MaxOutputTokens int
	Temperature     float64
}

// finishReasonMaxTokens and the REST/SDK overflow detection below let the
// specialist adapter surface a typed overflow condition instead of a bare
// transport error, per the serving-layer contract the specialist invoker
// retries against.
const finishReasonMaxTokens = "MAX_TOKENS"

// GenerateMultimodal sends a prompt with an optional inline image and
// per-call sampling parameters to Gemini, reporting output-token truncation
// via maxTokensHit so the caller can distinguish it from other failures.
func (a *GenAIAdapter) GenerateMultimodal(ctx context.Context, params GenerationParams) (text string, maxTokensHit bool, err error) {
	if a.useREST {
		return a.generateMultimodalREST(ctx, params)
	}
	return a.generateMultimodalSDK(ctx, params)
}

func (a *GenAIAdapter) generateMultimodalSDK(ctx context.Context, params GenerationParams) (string, bool, error) {
	model := a.client.GenerativeModel(a.model)
	if params.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(params.SystemPrompt)}}
	}
	if params.MaxOutputTokens > 0 {
		model.MaxOutputTokens = ptrInt32(int32(params.MaxOutputTokens))
	}
	model.Temperature = ptrFloat32(float32(params.Temperature))

	var parts []genai.Part
	if len(params.ImageBytes) > 0 {
		parts = append(parts, genai.Blob{MIMEType: params.ImageMIME, Data: params.ImageBytes})
	}
	parts = append(parts, genai.Text(params.Prompt))

	resp, callErr := model.GenerateContent(ctx, parts...)
	if callErr != nil {
		if isInputTokenOverflow(callErr) {
			return "", false, &inputOverflowErr{cause: callErr}
		}
		return "", false, fmt.Errorf("gcpclient.GenerateMultimodal: %w", callErr)
	}
	if len(resp.Candidates) == 0 {
		return "", false, fmt.Errorf("gcpclient.GenerateMultimodal: empty response from model")
	}
	cand := resp.Candidates[0]
	maxTokensHit := cand.FinishReason == genai.FinishReasonMaxTokens
	if cand.Content == nil {
		return "", maxTokensHit, nil
	}
	var textParts []string
	for _, p := range cand.Content.Parts {
		if t, ok := p.(genai.Text); ok {
			textParts = append(textParts, string(t))
		}
	}
	return strings.Join(textParts, ""), maxTokensHit, nil
}

func (a *GenAIAdapter) generateMultimodalREST(ctx context.Context, params GenerationParams) (string, bool, error) {
	url := fmt.Sprintf(
		"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:generateContent",
		a.project, a.model,
	)

	userParts := []restPart{{Text: params.Prompt}}
	reqBody := struct {
		Contents          []restContent         `json:"contents"`
		SystemInstruction *restContent          `json:"systemInstruction,omitempty"`
		GenerationConfig  *restGenerationConfig `json:"generationConfig,omitempty"`
	}{
		Contents: []restContent{{Role: "user", Parts: userParts}},
		GenerationConfig: &restGenerationConfig{
			Temperature:     &params.Temperature,
			MaxOutputTokens: intPtrOrNil(params.MaxOutputTokens),
		},
	}
	if params.SystemPrompt != "" {
		reqBody.SystemInstruction = &restContent{Role: "user", Parts: []restPart{{Text: params.SystemPrompt}}}
	}
	if len(params.ImageBytes) > 0 {
		reqBody.Contents[0].Parts = append(reqBody.Contents[0].Parts, restPart{})
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", false, fmt.Errorf("gcpclient.GenerateMultimodal: marshal: %w", err)
	}
	if len(params.ImageBytes) > 0 {
		bodyBytes, err = injectInlineImage(bodyBytes, params.ImageMIME, params.ImageBytes)
		if err != nil {
			return "", false, fmt.Errorf("gcpclient.GenerateMultimodal: inline image: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", false, fmt.Errorf("gcpclient.GenerateMultimodal: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("gcpclient.GenerateMultimodal: call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("gcpclient.GenerateMultimodal: read body: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest && isInputTokenOverflowBytes(respBody) {
		return "", false, &inputOverflowErr{cause: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("gcpclient.GenerateMultimodal: status %d: %s", resp.StatusCode, respBody)
	}

	var genResp struct {
		restGenerateResponse
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", false, fmt.Errorf("gcpclient.GenerateMultimodal: decode: %w", err)
	}
	if len(genResp.Candidates) == 0 {
		return "", false, fmt.Errorf("gcpclient.GenerateMultimodal: empty response from model")
	}
	cand := genResp.Candidates[0]
	var parts []string
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, ""), cand.FinishReason == finishReasonMaxTokens, nil
}

// injectInlineImage splices an inlineData part containing the base64 image
// into the marshaled request body's first content part list. A dedicated
// field was not added to restContent/restPart because those types are shared
// with the plain-text path and stay minimal there.
func injectInlineImage(body []byte, mime string, data []byte) ([]byte, error) {
	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, err
	}
	contents, _ := generic["contents"].([]interface{})
	if len(contents) == 0 {
		return body, nil
	}
	first, _ := contents[0].(map[string]interface{})
	parts, _ := first["parts"].([]interface{})
	inline := map[string]interface{}{
		"inlineData": map[string]interface{}{
			"mimeType": mime,
			"data":     base64.StdEncoding.EncodeToString(data),
		},
	}
	// Replace the placeholder empty part appended by the caller, if present.
	if n := len(parts); n > 0 {
		if m, ok := parts[n-1].(map[string]interface{}); ok && len(m) == 0 {
			parts[n-1] = inline
		} else {
			parts = append(parts, inline)
		}
	}
	first["parts"] = parts
	return json.Marshal(generic)
}

func isInputTokenOverflow(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "token") && (strings.Contains(msg, "exceed") || strings.Contains(msg, "too long") || strings.Contains(msg, "context length"))
}

func isInputTokenOverflowBytes(body []byte) bool {
	return isInputTokenOverflow(fmt.Errorf("%s", body))
}

// inputOverflowErr signals an input-token overflow distinctly from other
// transport failures.
type inputOverflowErr struct{ cause error }

func (e *inputOverflowErr) Error() string { return "input token overflow: " + e.cause.Error() }
func (e *inputOverflowErr) Unwrap() error { return e.cause }

func ptrInt32(v int32) *int32     { return &v }
func ptrFloat32(v float32) *float32 { return &v }
func intPtrOrNil(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

// HealthCheck validates the Vertex AI connection by making a minimal API call.
func (a *GenAIAdapter) HealthCheck(ctx context.Context) error {
	resp, err := a.GenerateContent(ctx, "", "Reply with only: OK")
	if err != nil {
		return fmt.Errorf("vertex AI health check failed (model: %s, location: %s): %w", a.model, a.location, err)
	}
	if resp == "" {
		return fmt.Errorf("vertex AI returned empty response (model: %s)", a.model)
	}
	slog.Info("vertex ai health check passed", "model", a.model, "location", a.location)
	return nil
}

// Close closes the underlying client.
func (a *GenAIAdapter) Close() {
	if a.client != nil {
		a.client.Close()
	}
}
