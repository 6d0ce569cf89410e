package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/weekijie/sturgeon/internal/apperr"
	"github.com/weekijie/sturgeon/internal/model"
)

// Temperature presets by role.
const (
	TempImageAnalysis       = 0.1
	TempStructuredJSON      = 0.3
	TempDebateSynthesisLow  = 0.4
	TempDebateSynthesisHigh = 0.7
)

const (
	modelContextLimit     = 32000 // conservative token ceiling for the specialist context window
	minOutputTokensMargin = 128
	charsPerTokenEstimate = 4.0
	imageTokenCeiling     = 1100 // flat per-image token cost ceiling when an image is attached
	maxImageLongSide      = 1024

	defaultAttemptTimeout = 90 * time.Second
	defaultTotalBudget    = 180 * time.Second
)

// SpecialistRequest is one dispatch to the vision-language specialist
// serving layer.
type SpecialistRequest struct {
	SystemPrompt    string
	Prompt          string
	ImageBytes      []byte
	ImageMIME       string
	MaxOutputTokens int
	Temperature     float64
	SchemaHint      string
}

// SpecialistClient abstracts the specialist serving layer for testability.
type SpecialistClient interface {
	Generate(ctx context.Context, req SpecialistRequest) (string, error)
}

// OverflowError is returned by a SpecialistClient when the serving layer
// reports a token-overflow condition, naming which budget overflowed via
// Parameter ("max_tokens" or "input_tokens").
type OverflowError struct {
	Parameter string
	Cause     error
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("specialist overflow on %s: %v", e.Parameter, e.Cause)
}
func (e *OverflowError) Unwrap() error { return e.Cause }

// PromptMaterial is the structured context for a specialist call, kept
// unflattened so the invoker can apply the deterministic compaction steps
// in place before a retry, rather than operating on an opaque
// string.
type PromptMaterial struct {
	SystemPrompt   string
	Instruction    string // the actual ask; never compacted
	PatientHistory string
	Rounds         []model.Round // most recent last
	Differential   []model.Diagnosis
	ImageContext   string
	RAGChunks      []RankedChunk
	ImageBytes     []byte
	ImageMIME      string
}

// InvokeOpts configures one specialist call.
type InvokeOpts struct {
	MaxOutputTokens int
	Temperature     float64
	SchemaHint      string
	IsImageTask     bool

	// OnOverflowRetry, if set, is called once when a max_tokens overflow
	// forces a reduced-budget retry; callers use it to drive a concise-retry
	// counter without Invoke needing to know about metrics.
	OnOverflowRetry func()
}

// SpecialistInvoker calls the specialist model with token-budget pre-clamp, overflow-aware
// retries, prompt compaction, and refusal recovery around a SpecialistClient.
type SpecialistInvoker struct {
	client         SpecialistClient
	limiter        *rate.Limiter
	attemptTimeout time.Duration
	totalBudget    time.Duration
}

// NewSpecialistInvoker creates a SpecialistInvoker.
func NewSpecialistInvoker(client SpecialistClient) *SpecialistInvoker {
	return &SpecialistInvoker{
		client:         client,
		limiter:        rate.NewLimiter(rate.Every(150*time.Millisecond), 4),
		attemptTimeout: defaultAttemptTimeout,
		totalBudget:    defaultTotalBudget,
	}
}

// Invoke runs one specialist call end to end: pre-clamp, dispatch,
// overflow-aware retries, and refusal recovery.
func (s *SpecialistInvoker) Invoke(ctx context.Context, material PromptMaterial, opts InvokeOpts) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.totalBudget)
	defer cancel()

	maxOut := opts.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = 1024
	}

	prompt := material.render()
	maxOut = clampOutputBudget(estimateInputTokens(prompt, len(material.ImageBytes) > 0), maxOut)

	text, err := s.attempt(ctx, material, opts, prompt, maxOut)
	if err == nil {
		return s.recoverRefusal(ctx, material, opts, maxOut, text), nil
	}

	var overflow *OverflowError
	if errors.As(err, &overflow) {
		switch overflow.Parameter {
		case "max_tokens":
			if opts.OnOverflowRetry != nil {
				opts.OnOverflowRetry()
			}
			maxOut = reduceBy(maxOut, 0.25)
			text, err = s.attempt(ctx, material, opts, prompt, maxOut)
			if err != nil {
				return "", apperr.SpecialistOverflowErr(err)
			}
			return s.recoverRefusal(ctx, material, opts, maxOut, text), nil
		case "input_tokens":
			compacted := compactPromptMaterial(material)
			prompt = compacted.render()
			text, err = s.attempt(ctx, compacted, opts, prompt, maxOut)
			if err != nil {
				return "", apperr.SpecialistOverflowErr(err)
			}
			return s.recoverRefusal(ctx, compacted, opts, maxOut, text), nil
		}
	}

	// All other transport errors: one retry with a small backoff.
	select {
	case <-time.After(300 * time.Millisecond):
	case <-ctx.Done():
		return "", apperr.SpecialistTimeoutErr(ctx.Err())
	}
	text, err2 := s.attempt(ctx, material, opts, prompt, maxOut)
	if err2 != nil {
		if ctx.Err() != nil {
			return "", apperr.SpecialistTimeoutErr(err2)
		}
		return "", apperr.SpecialistTransportErr(err2)
	}
	return s.recoverRefusal(ctx, material, opts, maxOut, text), nil
}

func (s *SpecialistInvoker) attempt(ctx context.Context, material PromptMaterial, opts InvokeOpts, prompt string, maxOut int) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()

	req := SpecialistRequest{
		SystemPrompt:    material.SystemPrompt,
		Prompt:          prompt,
		ImageBytes:      downscaleIfNeeded(material.ImageBytes),
		ImageMIME:       material.ImageMIME,
		MaxOutputTokens: maxOut,
		Temperature:     opts.Temperature,
		SchemaHint:      opts.SchemaHint,
	}
	return s.client.Generate(attemptCtx, req)
}

// recoverRefusal detects a pure refusal on an image task and retries once
// with a reframed, purely descriptive prompt at a lower temperature.
// Recovery is best-effort: if the retry itself fails, the original text is
// kept rather than failing the turn.
func (s *SpecialistInvoker) recoverRefusal(ctx context.Context, material PromptMaterial, opts InvokeOpts, maxOut int, text string) string {
	if !opts.IsImageTask || !isPureRefusal(text) {
		return text
	}

	reframed := material
	reframed.Instruction = "Describe only the objective visual findings present in the image. " +
		"Do not provide a diagnosis, impression, or clinical recommendation."
	retryOpts := InvokeOpts{MaxOutputTokens: maxOut, Temperature: TempImageAnalysis, IsImageTask: true}

	retryText, err := s.attempt(ctx, reframed, retryOpts, reframed.render(), maxOut)
	if err != nil {
		return text
	}
	return retryText
}

// render flattens PromptMaterial into the final prompt string sent to the
// specialist. Retrieved guideline chunks are already sanitized and
// delimiter-wrapped by the retriever. This function treats them as inert
// text and never re-parses them.
func (m PromptMaterial) render() string {
	var b strings.Builder
	b.WriteString(m.Instruction)

	b.WriteString("\n\n=== PATIENT HISTORY ===\n")
	b.WriteString(m.PatientHistory)

	if len(m.Rounds) > 0 {
		b.WriteString("\n\n=== PRIOR DEBATE ROUNDS ===\n")
		for _, r := range m.Rounds {
			fmt.Fprintf(&b, "Challenge: %s\nResponse: %s\n", r.UserChallenge, r.AIResponse)
		}
	}

	if len(m.Differential) > 0 {
		b.WriteString("\n\n=== CURRENT DIFFERENTIAL ===\n")
		for _, d := range m.Differential {
			fmt.Fprintf(&b, "- %s (%s): supporting=%v against=%v\n", d.Name, d.Probability, d.SupportingEvidence, d.AgainstEvidence)
		}
	}

	if m.ImageContext != "" {
		b.WriteString("\n\n=== IMAGE FINDINGS ===\n")
		b.WriteString(m.ImageContext)
	}

	if len(m.RAGChunks) > 0 {
		b.WriteString("\n\n=== GUIDELINE CONTEXT ===\n")
		for _, c := range m.RAGChunks {
			b.WriteString(c.Chunk.ChunkText)
			b.WriteString("\n")
		}
	}

	return b.String()
}

// compactPromptMaterial applies five deterministic reductions,
// in the specified order, on an input-token overflow.
func compactPromptMaterial(m PromptMaterial) PromptMaterial {
	out := m

	// (a) drop all but the most recent 2 debate rounds.
	if len(out.Rounds) > maxFullRounds {
		out.Rounds = out.Rounds[len(out.Rounds)-maxFullRounds:]
	}

	// (b) replace patient_history with its first and last sentences plus a
	// length marker.
	out.PatientHistory = compactPatientHistory(out.PatientHistory, 3)

	// (c) trim each differential entry's evidence arrays to <=2 items.
	if len(out.Differential) > 0 {
		trimmed := make([]model.Diagnosis, len(out.Differential))
		for i, d := range out.Differential {
			d.SupportingEvidence = capStrings(d.SupportingEvidence, 2)
			d.AgainstEvidence = capStrings(d.AgainstEvidence, 2)
			trimmed[i] = d
		}
		out.Differential = trimmed
	}

	// (d) cap image_context at 1 KB.
	if len(out.ImageContext) > 1024 {
		out.ImageContext = out.ImageContext[:1024]
	}

	// (e) cap injected RAG chunks to <=4, each trimmed to <=1.2 KB.
	if len(out.RAGChunks) > 4 {
		out.RAGChunks = out.RAGChunks[:4]
	}
	for i := range out.RAGChunks {
		if len(out.RAGChunks[i].Chunk.ChunkText) > 1200 {
			c := out.RAGChunks[i].Chunk
			c.ChunkText = c.ChunkText[:1200]
			out.RAGChunks[i].Chunk = c
		}
	}

	return out
}

func compactPatientHistory(text string, nSentences int) string {
	sentences := splitSentencesRegex(text)
	if len(sentences) <= nSentences*2 {
		return text
	}
	head := strings.Join(sentences[:nSentences], ". ")
	tail := strings.Join(sentences[len(sentences)-nSentences:], ". ")
	return fmt.Sprintf("%s. [...truncated, original length %d chars...] %s", head, len(text), tail)
}

var sentenceSplitRe = regexp.MustCompile(`(?:[.!?]+\s+)`)

func splitSentencesRegex(text string) []string {
	parts := sentenceSplitRe.Split(strings.TrimSpace(text), -1)
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// estimateInputTokens approximates token count from character length plus a
// flat ceiling for an attached image.
func estimateInputTokens(prompt string, hasImage bool) int {
	est := int(math.Ceil(float64(len(prompt)) / charsPerTokenEstimate))
	if hasImage {
		est += imageTokenCeiling
	}
	return est
}

// clampOutputBudget reduces maxOutputTokens so that
// input_estimate + max_output_tokens fits within modelContextLimit. The
// result is never below minOutputTokensMargin: when fewer tokens than that
// remain, the returned budget is minOutputTokensMargin and the sum exceeds
// modelContextLimit.
func clampOutputBudget(inputEstimate, maxOutputTokens int) int {
	if inputEstimate+maxOutputTokens <= modelContextLimit {
		return maxOutputTokens
	}
	fit := modelContextLimit - inputEstimate
	if fit < minOutputTokensMargin {
		fit = minOutputTokensMargin
	}
	if fit < maxOutputTokens {
		return fit
	}
	return maxOutputTokens
}

func reduceBy(tokens int, fraction float64) int {
	reduced := int(float64(tokens) * (1 - fraction))
	if reduced < minOutputTokensMargin {
		reduced = minOutputTokensMargin
	}
	return reduced
}

// refusalPhraseRe matches common pure-refusal openers. The cutoff below
// is tuned, not derived.
var refusalPhraseRe = regexp.MustCompile(`(?i)\bI am unable to\b|\bI cannot\b|\bI'm not able to\b|\bI am not able to\b|\bas an AI\b`)

const refusalSubstantiveMin = 50

// isPureRefusal reports whether text is dominated by refusal phrasing with
// fewer than refusalSubstantiveMin characters of substantive content
// remaining after the refusal phrases themselves are removed.
func isPureRefusal(text string) bool {
	if !refusalPhraseRe.MatchString(text) {
		return false
	}
	return len(strings.TrimSpace(refusalPhraseRe.ReplaceAllString(text, ""))) < refusalSubstantiveMin
}

// stripPreamble removes leading sentences matching refusal phrasing,
// preserving any real analysis that follows; disclaimers elsewhere in a
// non-refusal response are left untouched.
func stripPreamble(text string) string {
	sentences := splitSentencesRegex(text)
	i := 0
	for i < len(sentences) && refusalPhraseRe.MatchString(sentences[i]) {
		i++
	}
	return strings.Join(sentences[i:], ". ")
}

// downscaleIfNeeded resizes data so its longest side is at most
// maxImageLongSide pixels, preserving aspect ratio.
// Decode/encode failures return the original bytes unchanged; a
// specialist rejecting an un-downscaled image degrades to a transport
// error, which is still recoverable via the normal retry path.
func downscaleIfNeeded(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxImageLongSide {
		return data
	}

	scale := float64(maxImageLongSide) / float64(longest)
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	for y := 0; y < newH; y++ {
		sy := b.Min.Y + int(float64(y)/scale)
		for x := 0; x < newW; x++ {
			sx := b.Min.X + int(float64(x)/scale)
			dst.Set(x, y, img.At(sx, sy))
		}
	}

	encoded, err := encodeImage(dst, format)
	if err != nil {
		return data
	}
	return encoded
}

func encodeImage(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85})
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
