package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/weekijie/sturgeon/internal/model"
)

// valueUnitRe matches a numeric token optionally followed by a unit, e.g.
// "8.2 g/dL", "847 ng/mL", "18.2 x10^9/L".
var valueUnitRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*((?:[xX]\s?10\^?[0-9]+\/[a-zA-ZµΜ]+)|(?:10[\^⁰¹²³⁴⁵⁶⁷⁸⁹]+\/[a-zA-ZµΜ]+)|(?:[a-zA-ZµΜ%][a-zA-Z%/.]*))?`)

// unitEquivalents maps a normalized unit spelling to its canonical form.
// Partial by design: only the common clinical-lab
// equivalences are covered.
var unitEquivalents = map[string]string{
	"10^9/l": "10^9/l", "10⁹/l": "10^9/l", "x10^9/l": "10^9/l", "x10⁹/l": "10^9/l",
	"10^3/ul": "10^3/ul", "10³/ul": "10^3/ul",
	"mg/dl": "mg/dl", "mg/dL": "mg/dl",
	"iu/l": "u/l", "u/l": "u/l",
	"ng/ml": "ng/ml", "pg/ml": "pg/ml", "mmol/l": "mmol/l",
	"g/dl": "g/dl", "%": "%",
}

func normalizeUnit(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	u = strings.ReplaceAll(u, " ", "")
	u = strings.ReplaceAll(u, "⁰", "^0")
	u = strings.ReplaceAll(u, "¹", "^1")
	u = strings.ReplaceAll(u, "²", "^2")
	u = strings.ReplaceAll(u, "³", "^3")
	u = strings.ReplaceAll(u, "⁴", "^4")
	u = strings.ReplaceAll(u, "⁵", "^5")
	u = strings.ReplaceAll(u, "⁶", "^6")
	u = strings.ReplaceAll(u, "⁷", "^7")
	u = strings.ReplaceAll(u, "⁸", "^8")
	u = strings.ReplaceAll(u, "⁹", "^9")
	u = strings.ReplaceAll(u, "x10", "10")
	if canon, ok := unitEquivalents[u]; ok {
		return canon
	}
	return u
}

const valueTolerance = 1e-6

// ValidationResult is the outcome of a hallucination check.
type ValidationResult struct {
	OK                        bool
	Offending                 []model.NumericWithUnit
	SuggestedCorrectionPrompt string
}

// HallucinationValidator detects numeric values in
// generated text that are not traceable to user-supplied labs, patient
// history, or image context, and drives the one-shot correction retry.
type HallucinationValidator struct{}

// NewHallucinationValidator creates a HallucinationValidator.
func NewHallucinationValidator() *HallucinationValidator { return &HallucinationValidator{} }

// ExtractAllowedValues builds the allowed-value and allowed-lab-name sets
// from the data the user actually supplied, by running the same
// numeric-with-unit extraction over patient history, lab values, and image
// context.
func (v *HallucinationValidator) ExtractAllowedValues(patientHistory string, labValues map[string]model.LabValue, imageContext string) (map[model.NumericWithUnit]bool, map[string]bool) {
	allowed := make(map[model.NumericWithUnit]bool)
	names := make(map[string]bool)

	for name, lv := range labValues {
		names[strings.ToLower(name)] = true
		allowed[model.NumericWithUnit{Value: round6(lv.Value), Unit: normalizeUnit(lv.Unit)}] = true
	}

	for _, tok := range extractNumericTokens(patientHistory) {
		allowed[tok.NumericWithUnit] = true
	}
	for _, tok := range extractNumericTokens(imageContext) {
		allowed[tok.NumericWithUnit] = true
	}
	for name := range analyteNameSet(patientHistory) {
		names[name] = true
	}
	return allowed, names
}

type extractedToken struct {
	model.NumericWithUnit
	context string
}

// extractNumericTokens finds numeric-with-unit tokens and their surrounding
// ±30-char context window, for lab-name proximity matching.
func extractNumericTokens(text string) []extractedToken {
	if text == "" {
		return nil
	}
	var out []extractedToken
	for _, loc := range valueUnitRe.FindAllStringSubmatchIndex(text, -1) {
		if loc[2] < 0 {
			continue
		}
		valStr := text[loc[2]:loc[3]]
		val, err := strconv.ParseFloat(valStr, 64)
		if err != nil {
			continue
		}
		unit := ""
		if loc[4] >= 0 {
			unit = text[loc[4]:loc[5]]
		}
		start := loc[0] - 30
		if start < 0 {
			start = 0
		}
		end := loc[1] + 30
		if end > len(text) {
			end = len(text)
		}
		out = append(out, extractedToken{
			NumericWithUnit: model.NumericWithUnit{Value: round6(val), Unit: normalizeUnit(unit)},
			context:         strings.ToLower(text[start:end]),
		})
	}
	return out
}

// analyteNameSet scans text for curated lab analyte names (reusing the lab parser's
// lexicon) so mentions in free-text patient history count as allowed names.
func analyteNameSet(text string) map[string]bool {
	lower := strings.ToLower(text)
	set := make(map[string]bool)
	for _, name := range analyteLexicon {
		if strings.Contains(lower, name) {
			set[name] = true
		}
	}
	return set
}

func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}

// trimFloat formats a float without a trailing ".0" for whole numbers, for
// human-readable correction prompts.
func trimFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	return s
}

// Validate checks generated_text for numeric values not present in the
// allowed set.
func (v *HallucinationValidator) Validate(generatedText string, allowed map[model.NumericWithUnit]bool, allowedLabNames map[string]bool) ValidationResult {
	tokens := extractNumericTokens(generatedText)
	var offending []model.NumericWithUnit

	for _, tok := range tokens {
		if isAllowed(tok, allowed, allowedLabNames) {
			continue
		}
		offending = append(offending, tok.NumericWithUnit)
	}

	if len(offending) == 0 {
		return ValidationResult{OK: true}
	}
	return ValidationResult{
		OK:                        false,
		Offending:                 offending,
		SuggestedCorrectionPrompt: buildCorrectionPrompt(offending),
	}
}

// isAllowed reports whether tok numerically matches an allowed value
// (within valueTolerance), or whether its context window names an allowed
// lab (positional-proximity match) even if the exact unit spelling differs.
func isAllowed(tok extractedToken, allowed map[model.NumericWithUnit]bool, allowedLabNames map[string]bool) bool {
	for a := range allowed {
		if a.Unit == tok.Unit && math.Abs(a.Value-tok.Value) <= valueTolerance {
			return true
		}
	}
	for name := range allowedLabNames {
		if strings.Contains(tok.context, name) {
			for a := range allowed {
				if math.Abs(a.Value-tok.Value) <= valueTolerance {
					return true
				}
			}
		}
	}
	return false
}

func buildCorrectionPrompt(offending []model.NumericWithUnit) string {
	var sb strings.Builder
	sb.WriteString("The following values in your previous response were not present in the " +
		"data provided and must be removed or corrected: ")
	for i, o := range offending {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s %s", trimFloat(o.Value), o.Unit)
	}
	sb.WriteString(". Use only the lab values explicitly provided; do not fabricate any numeric value.")
	return sb.String()
}

// GenerateFunc produces generated text, optionally honoring a non-empty
// correctionNote from a prior failed validation.
type GenerateFunc func(ctx context.Context, correctionNote string) (string, error)

// ValidateWithRetry wraps a generative step with the hallucination correction retry
// loop: generate, validate, and on failure issue one corrective
// re-call naming the offending values before returning best-effort.
func (v *HallucinationValidator) ValidateWithRetry(ctx context.Context, allowed map[model.NumericWithUnit]bool, allowedLabNames map[string]bool, generate GenerateFunc) (text string, warnings []string, err error) {
	text, err = generate(ctx, "")
	if err != nil {
		return "", nil, err
	}

	result := v.Validate(text, allowed, allowedLabNames)
	if result.OK {
		return text, nil, nil
	}

	corrected, err := generate(ctx, result.SuggestedCorrectionPrompt)
	if err != nil {
		// Correction call failed; the first-pass response is still the
		// best available answer, flagged as unvalidated.
		return text, []string{"hallucination correction retry failed: " + err.Error()}, nil
	}

	final := v.Validate(corrected, allowed, allowedLabNames)
	if final.OK {
		return corrected, nil, nil
	}

	slog.Warn("hallucination validator: offending values survived correction retry",
		"offending_count", len(final.Offending))
	return corrected, []string{"response may contain values not traceable to supplied data after correction retry"}, nil
}
