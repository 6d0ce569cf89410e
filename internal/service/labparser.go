package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/weekijie/sturgeon/internal/model"
)

// ParsePath identifies which candidate parser accepted a lab report.
type ParsePath string

const (
	PathTableFast   ParsePath = "table-fast"
	PathTableFull   ParsePath = "table-full"
	PathFlatFull    ParsePath = "flat-full"
	PathUnrecognized ParsePath = "unrecognized"

	// PathLLMFallback marks a result produced by the specialist after every
	// deterministic candidate declined the report. The parser itself never
	// returns it; the extract-labs handlers do, once the specialist call has
	// actually run.
	PathLLMFallback ParsePath = "llm_fallback"
)

// LabParseResult is the outcome of a deterministic parse attempt.
type LabParseResult struct {
	Labs          map[string]model.LabValue
	AbnormalCount int
	Path          ParsePath

	// Text is the extracted report text the parse ran against, carried so
	// an unrecognized report can be handed to the generative fallback
	// without re-extracting.
	Text string
}

const minRowScore = 0.6

var (
	statusTokenRe = regexp.MustCompile(`(?i)\b(H|L|High|Low|Abnormal|Critical)\b`)
	numericUnitRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*([a-zA-Z%/^0-9µ]+)?`)
	refRangeRe    = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*[-–to]+\s*(\d+(?:\.\d+)?)`)

	// metadataRowRe matches report-header lines that look like rows but aren't labs.
	metadataRowRe = regexp.MustCompile(`(?i)^(patient|name|age|sex|gender|dob|date|mrn|accession|physician|ordering|page \d)`)
)

// analyteLexicon is a curated set of common lab analyte names used to score
// candidate rows. Matching is case-insensitive substring.
var analyteLexicon = []string{
	"hemoglobin", "hematocrit", "wbc", "white blood cell", "rbc", "red blood cell",
	"platelet", "glucose", "sodium", "potassium", "chloride", "bicarbonate", "co2",
	"bun", "creatinine", "egfr", "calcium", "magnesium", "phosphorus", "albumin",
	"total protein", "bilirubin", "alt", "ast", "alkaline phosphatase", "ggt",
	"troponin", "bnp", "nt-probnp", "d-dimer", "crp", "esr", "procalcitonin",
	"lactate", "ferritin", "tsh", "t4", "t3", "a1c", "hba1c", "ldl", "hdl",
	"triglyceride", "cholesterol", "inr", "pt", "ptt", "fibrinogen", "lipase",
	"amylase", "ammonia", "lactate dehydrogenase", "ldh", "uric acid",
}

// LabParserService extracts structured lab values without an LLM call when
// report structure is recognizable. It never fails the caller: an
// unrecognized report simply signals the caller to fall back to the specialist.
type LabParserService struct {
	docai      DocumentAIClient
	processor  string
	downloader ObjectDownloader
}

// DocumentAIClient abstracts Document AI for the PDF fallback extraction path.
type DocumentAIClient interface {
	ProcessDocument(ctx context.Context, processor, gcsURI, mimeType string) (*DocumentAIResponse, error)
	ProcessDocumentBytes(ctx context.Context, processor string, content []byte, mimeType string) (*DocumentAIResponse, error)
}

// DocumentAIResponse is the parsed result from Document AI.
type DocumentAIResponse struct {
	Text     string
	Pages    int
	Entities []Entity
}

// Entity represents a detected entity in a document (date, person, amount, ...).
type Entity struct {
	Type       string
	Content    string
	Confidence float64
}

// ObjectDownloader abstracts downloading a source object (e.g. from Cloud Storage).
type ObjectDownloader interface {
	Download(ctx context.Context, bucket, object string) ([]byte, error)
}

// NewLabParserService creates a LabParserService. docai/downloader may be nil
// if only in-memory text/PDF bytes are ever parsed directly via Parse.
func NewLabParserService(docai DocumentAIClient, processor string, downloader ObjectDownloader) *LabParserService {
	return &LabParserService{docai: docai, processor: processor, downloader: downloader}
}

// Parse runs the three candidate parsers in order against already-extracted
// report text, returning the first that is accepted.
func (s *LabParserService) Parse(ctx context.Context, text string) LabParseResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return LabParseResult{Path: PathUnrecognized}
	}

	lines := splitNonEmptyLines(text)

	if result, ok := parseTableFast(lines); ok {
		result.Text = text
		return result
	}
	if result, ok := parseTableFull(lines); ok {
		result.Text = text
		return result
	}
	if result, ok := parseFlatFull(lines); ok {
		result.Text = text
		return result
	}

	return LabParseResult{Path: PathUnrecognized, Text: text}
}

// ExtractFromGCS extracts lean (table) and full (page) text from a stored
// document and runs Parse against the merged, deduplicated result. PDFs are
// handled locally; Document AI is only consulted when local extraction
// yields nothing usable.
func (s *LabParserService) ExtractFromGCS(ctx context.Context, gcsURI string) (LabParseResult, error) {
	if _, _, err := parseGCSURIForLabs(gcsURI); err != nil {
		return LabParseResult{}, fmt.Errorf("service.ExtractFromGCS: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(gcsURI))

	if ext == ".txt" || ext == ".md" {
		text, err := s.downloadText(ctx, gcsURI)
		if err != nil {
			return LabParseResult{}, err
		}
		return s.Parse(ctx, text), nil
	}

	leanText, fullText, err := s.extractPDFLocal(ctx, gcsURI)
	if err != nil || (leanText == "" && fullText == "") {
		if s.docai == nil {
			return LabParseResult{Path: PathUnrecognized}, nil
		}
		resp, docErr := s.docai.ProcessDocument(ctx, s.processor, gcsURI, "application/pdf")
		if docErr != nil {
			return LabParseResult{}, fmt.Errorf("service.ExtractFromGCS: document ai: %w", docErr)
		}
		return s.Parse(ctx, resp.Text), nil
	}

	merged := dedupeLines(leanText, fullText)
	return s.Parse(ctx, merged), nil
}

// ParseBytes extracts lab values directly from an uploaded file's bytes,
// without a round trip through Cloud Storage.
// Text/markdown uploads are parsed as-is; anything else is treated as a PDF
// and routed through local extraction, falling back to Document AI.
func (s *LabParserService) ParseBytes(ctx context.Context, filename string, data []byte) (LabParseResult, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	if ext == ".txt" || ext == ".md" || (ext == "" && looksLikePlainText(data)) {
		return s.Parse(ctx, string(data)), nil
	}

	if looksLikePlainText(data) {
		return s.Parse(ctx, string(data)), nil
	}

	if s.docai == nil {
		return LabParseResult{Path: PathUnrecognized}, nil
	}
	resp, err := s.docai.ProcessDocumentBytes(ctx, s.processor, data, "application/pdf")
	if err != nil {
		return LabParseResult{}, fmt.Errorf("service.ParseBytes: document ai: %w", err)
	}
	return s.Parse(ctx, resp.Text), nil
}

func (s *LabParserService) downloadText(ctx context.Context, gcsURI string) (string, error) {
	if s.downloader == nil {
		return "", fmt.Errorf("service.ExtractFromGCS: text extraction requires a downloader")
	}
	bucket, object, err := parseGCSURIForLabs(gcsURI)
	if err != nil {
		return "", err
	}
	data, err := s.downloader.Download(ctx, bucket, object)
	if err != nil {
		return "", fmt.Errorf("service.ExtractFromGCS: download: %w", err)
	}
	return string(data), nil
}

// extractPDFLocal is the "lean" + "full" local extraction pass. This
// is a minimal stand-in for a local PDF text layer extractor: it treats the
// downloaded bytes as already-decoded text when no binary PDF structure is
// present, and defers to the caller's Document AI fallback otherwise.
func (s *LabParserService) extractPDFLocal(ctx context.Context, gcsURI string) (lean, full string, err error) {
	if s.downloader == nil {
		return "", "", nil
	}
	bucket, object, err := parseGCSURIForLabs(gcsURI)
	if err != nil {
		return "", "", err
	}
	data, err := s.downloader.Download(ctx, bucket, object)
	if err != nil {
		return "", "", fmt.Errorf("service.extractPDFLocal: download: %w", err)
	}
	if !looksLikePlainText(data) {
		return "", "", nil
	}
	text := string(data)
	return text, text, nil
}

func parseGCSURIForLabs(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI %q: must start with gs://", uri)
	}
	trimmed := strings.TrimPrefix(uri, "gs://")
	idx := strings.Index(trimmed, "/")
	if idx <= 0 {
		return "", "", fmt.Errorf("invalid GCS URI %q: missing object path", uri)
	}
	return trimmed[:idx], trimmed[idx+1:], nil
}

func looksLikePlainText(data []byte) bool {
	if len(data) >= 4 && string(data[:4]) == "%PDF" {
		return false
	}
	return true
}

func dedupeLines(a, b string) string {
	seen := make(map[string]bool)
	var out []string
	for _, src := range []string{a, b} {
		for _, line := range splitNonEmptyLines(src) {
			if !seen[line] {
				seen[line] = true
				out = append(out, line)
			}
		}
	}
	return strings.Join(out, "\n")
}

func splitNonEmptyLines(text string) []string {
	raw := strings.Split(text, "\n")
	var lines []string
	for _, l := range raw {
		if trimmed := strings.TrimSpace(l); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

// parseTableFast handles pipe/tab-delimited rows: "test | result | reference | interpretation".
func parseTableFast(lines []string) (LabParseResult, bool) {
	labs := make(map[string]model.LabValue)
	var scores []float64

	for _, line := range lines {
		var fields []string
		switch {
		case strings.Contains(line, "|"):
			fields = splitAndTrim(line, "|")
		case strings.Contains(line, "\t"):
			fields = splitAndTrim(line, "\t")
		default:
			continue
		}
		if len(fields) < 2 || metadataRowRe.MatchString(fields[0]) {
			continue
		}

		name := fields[0]
		valueField := fields[1]
		refField := ""
		statusField := ""
		if len(fields) > 2 {
			refField = fields[2]
		}
		if len(fields) > 3 {
			statusField = fields[3]
		}

		lv, score, ok := scoreRow(name, valueField, refField, statusField)
		if !ok {
			continue
		}
		labs[normalizeLabName(name)] = lv
		scores = append(scores, score)
	}

	return acceptIfScored(labs, scores, PathTableFast)
}

// parseTableFull handles column-inferred tables: multiple consecutive spaces
// separate columns rather than a single delimiter character.
func parseTableFull(lines []string) (LabParseResult, bool) {
	colSplit := regexp.MustCompile(`\s{2,}`)
	labs := make(map[string]model.LabValue)
	var scores []float64

	for _, line := range lines {
		fields := colSplit.Split(line, -1)
		if len(fields) < 2 || metadataRowRe.MatchString(fields[0]) {
			continue
		}

		name := strings.TrimSpace(fields[0])
		valueField := strings.TrimSpace(fields[1])
		refField := ""
		statusField := ""
		if len(fields) > 2 {
			refField = fields[2]
		}
		if len(fields) > 3 {
			statusField = fields[3]
		}

		lv, score, ok := scoreRow(name, valueField, refField, statusField)
		if !ok {
			continue
		}
		labs[normalizeLabName(name)] = lv
		scores = append(scores, score)
	}

	return acceptIfScored(labs, scores, PathTableFull)
}

// parseFlatFull handles space/colon-delimited single-line entries:
// "Hemoglobin: 8.2 g/dL (12.0-16.0) L".
var flatLineRe = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9/ \-]{1,40}?)[:\s]+(-?\d+(?:\.\d+)?)\s*([a-zA-Z%/^0-9µ]*)\s*(.*)$`)

func parseFlatFull(lines []string) (LabParseResult, bool) {
	labs := make(map[string]model.LabValue)
	var scores []float64

	for _, line := range lines {
		if metadataRowRe.MatchString(line) {
			continue
		}
		m := flatLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name, valueStr, unit, rest := m[1], m[2], m[3], m[4]

		lv, score, ok := scoreRow(name, valueStr+" "+unit, rest, rest)
		if !ok {
			continue
		}
		labs[normalizeLabName(name)] = lv
		scores = append(scores, score)
	}

	return acceptIfScored(labs, scores, PathFlatFull)
}

func acceptIfScored(labs map[string]model.LabValue, scores []float64, path ParsePath) (LabParseResult, bool) {
	if len(scores) < 2 {
		return LabParseResult{}, false
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	avg := sum / float64(len(scores))
	if avg < minRowScore {
		return LabParseResult{}, false
	}

	abnormal := 0
	for _, lv := range labs {
		if lv.Status != "normal" && lv.Status != "" {
			abnormal++
		}
	}

	slog.Info("lab report parsed", "path", path, "rows", len(labs), "avg_score", avg)
	return LabParseResult{Labs: labs, AbnormalCount: abnormal, Path: path}, true
}

// scoreRow scores a candidate row on the four row signals and, if it
// passes, returns the parsed LabValue alongside its score.
func scoreRow(name, valueField, refField, statusField string) (model.LabValue, float64, bool) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 60 {
		return model.LabValue{}, 0, false
	}

	var score float64
	if matchesAnalyteLexicon(name) {
		score += 0.35
	} else if looksLikeAnalyteName(name) {
		score += 0.15
	}

	m := numericUnitRe.FindStringSubmatch(valueField)
	if m == nil {
		return model.LabValue{}, 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return model.LabValue{}, 0, false
	}
	unit := strings.TrimSpace(m[2])
	score += 0.3

	refRange := ""
	if rm := refRangeRe.FindString(refField); rm != "" {
		refRange = rm
		score += 0.2
	}

	status := ""
	combined := statusField + " " + refField
	if sm := statusTokenRe.FindString(combined); sm != "" {
		status = normalizeStatusToken(sm)
		score += 0.15
	} else {
		status = deriveStatusFromRange(value, refRange)
	}

	if score < 0.3 {
		return model.LabValue{}, 0, false
	}

	return model.LabValue{
		Value:          value,
		Unit:           unit,
		ReferenceRange: refRange,
		Status:         status,
	}, score, true
}

func matchesAnalyteLexicon(name string) bool {
	lower := strings.ToLower(name)
	for _, a := range analyteLexicon {
		if strings.Contains(lower, a) {
			return true
		}
	}
	return false
}

func looksLikeAnalyteName(name string) bool {
	for _, r := range name {
		if r >= '0' && r <= '9' {
			return false
		}
	}
	words := strings.Fields(name)
	return len(words) >= 1 && len(words) <= 5
}

func normalizeStatusToken(tok string) string {
	switch strings.ToLower(tok) {
	case "h", "high", "critical", "abnormal":
		return "high"
	case "l", "low":
		return "low"
	default:
		return "normal"
	}
}

// deriveStatusFromRange compares value against a "low-high" reference range
// when no explicit status token is present.
func deriveStatusFromRange(value float64, refRange string) string {
	m := refRangeRe.FindStringSubmatch(refRange)
	if m == nil {
		return "normal"
	}
	low, err1 := strconv.ParseFloat(m[1], 64)
	high, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil {
		return "normal"
	}
	switch {
	case value < low:
		return "low"
	case value > high:
		return "high"
	default:
		return "normal"
	}
}

func normalizeLabName(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
