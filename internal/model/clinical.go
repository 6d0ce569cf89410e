package model

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Diagnosis is one entry in a clinical differential.
type Diagnosis struct {
	Name               string   `json:"name"`
	Probability        string   `json:"probability"` // "high"|"medium"|"low", or a numeric string 0-100
	SupportingEvidence []string `json:"supporting_evidence,omitempty"`
	AgainstEvidence    []string `json:"against_evidence,omitempty"`
	SuggestedTests     []string `json:"suggested_tests,omitempty"`
}

// MaxDifferentialEntries caps a differential: it never
// carries more than this many diagnoses.
const MaxDifferentialEntries = 4

// CapDifferential bounds a differential to at most 4 diagnoses by
// re-ranking diagnoses by probability (highest first, stable on ties) and
// truncating to the top MaxDifferentialEntries. Every caller that persists
// or returns a model-generated differential must pass it through this
// first, whether the differential came from /differential's initial
// generation or a debate turn's synthesis update.
func CapDifferential(diffs []Diagnosis) []Diagnosis {
	if len(diffs) <= MaxDifferentialEntries {
		return diffs
	}
	ranked := make([]Diagnosis, len(diffs))
	copy(ranked, diffs)
	sort.SliceStable(ranked, func(i, j int) bool {
		return probabilityScore(ranked[i].Probability) > probabilityScore(ranked[j].Probability)
	})
	return ranked[:MaxDifferentialEntries]
}

// probabilityScore maps a Diagnosis.Probability value to a comparable score
// for ranking: the categorical labels map to fixed bands, and a bare numeric
// string (0-100) is used directly so it still orders sensibly against them.
func probabilityScore(p string) float64 {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "high":
		return 100
	case "medium":
		return 60
	case "low":
		return 20
	}
	if n, err := strconv.ParseFloat(strings.TrimSpace(p), 64); err == nil {
		return n
	}
	return 0
}

// LabValue is one structured lab measurement, either user-supplied or parsed from a report.
type LabValue struct {
	Value          float64 `json:"value"`
	Unit           string  `json:"unit"`
	ReferenceRange string  `json:"reference_range,omitempty"`
	Status         string  `json:"status"` // normal|high|low
}

// RuledOut records a diagnosis explicitly excluded during debate, with the reason.
type RuledOut struct {
	Diagnosis string `json:"diagnosis"`
	Reason    string `json:"reason"`
}

// Round is one completed debate exchange, kept in full for the 2 most recent rounds.
type Round struct {
	UserChallenge     string     `json:"user_challenge"`
	AIResponse        string     `json:"ai_response"`
	Citations         []Citation `json:"citations,omitempty"`
	DifferentialDelta string     `json:"differential_delta,omitempty"`
}

// ClinicalState is the bounded per-session record the orchestrator reasons over.
// It is never serialized to disk; it lives only in the session store.
type ClinicalState struct {
	SessionID  string `json:"session_id"`
	Patient    string `json:"patient_history"`
	LabValues  map[string]LabValue `json:"lab_values"`
	Differential []Diagnosis        `json:"differential"`
	KeyFindings  []string           `json:"key_findings"`
	RuledOut     []RuledOut         `json:"ruled_out"`
	DebateRound  int                `json:"debate_round"`
	ImageContext string             `json:"image_context,omitempty"`

	// Rounds holds only the last 2 full rounds; older rounds are folded into
	// EpisodeSummaries to keep the serialized size bounded.
	Rounds           []Round  `json:"rounds"`
	EpisodeSummaries []string `json:"episode_summaries,omitempty"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// NumericWithUnit is a normalized (value, unit) pair extracted from either
// user-supplied data or AI-generated text, for hallucination provenance
// checks.
type NumericWithUnit struct {
	Value float64
	Unit  string
}

// NewClinicalState creates an empty session record for a freshly-created session.
func NewClinicalState(sessionID string) *ClinicalState {
	now := time.Now()
	return &ClinicalState{
		SessionID: sessionID,
		LabValues: make(map[string]LabValue),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DiagnosisNames returns the differential's diagnosis names, for ruled-out
// disjointness checks.
func (s *ClinicalState) DiagnosisNames() map[string]bool {
	names := make(map[string]bool, len(s.Differential))
	for _, d := range s.Differential {
		names[d.Name] = true
	}
	return names
}

// ToSummary renders a compact structured-text summary (≤2KB) the orchestrator
// uses to formulate specialist questions without re-reading full history.
func (s *ClinicalState) ToSummary() string {
	var b []byte
	b = append(b, "Patient: "...)
	b = append(b, truncateRunes(s.Patient, 400)...)
	b = append(b, '\n')
	if len(s.LabValues) > 0 {
		b = append(b, "Labs: "...)
		first := true
		for name, lv := range s.LabValues {
			if !first {
				b = append(b, "; "...)
			}
			first = false
			b = append(b, name...)
			b = append(b, '=')
			b = append(b, formatLabValue(lv)...)
		}
		b = append(b, '\n')
	}
	if len(s.Differential) > 0 {
		b = append(b, "Differential: "...)
		for i, d := range s.Differential {
			if i > 0 {
				b = append(b, ", "...)
			}
			b = append(b, d.Name...)
			b = append(b, '(')
			b = append(b, d.Probability...)
			b = append(b, ')')
		}
		b = append(b, '\n')
	}
	if len(s.RuledOut) > 0 {
		b = append(b, "Ruled out: "...)
		for i, r := range s.RuledOut {
			if i > 0 {
				b = append(b, ", "...)
			}
			b = append(b, r.Diagnosis...)
		}
		b = append(b, '\n')
	}
	if len(s.KeyFindings) > 0 {
		b = append(b, "Key findings: "...)
		for i, k := range s.KeyFindings {
			if i > 0 {
				b = append(b, "; "...)
			}
			b = append(b, k...)
		}
		b = append(b, '\n')
	}
	if s.ImageContext != "" {
		b = append(b, "Image findings: "...)
		b = append(b, truncateRunes(s.ImageContext, 300)...)
		b = append(b, '\n')
	}
	out := string(b)
	return truncateRunes(out, 2048)
}

func formatLabValue(lv LabValue) string {
	s := trimFloat(lv.Value) + " " + lv.Unit
	if lv.Status != "" && lv.Status != "normal" {
		s += " (" + lv.Status + ")"
	}
	return s
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
