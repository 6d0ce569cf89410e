package service

import (
	"net/url"
	"strings"

	"github.com/weekijie/sturgeon/internal/model"
)

// orgAliases maps lower-cased free-text organization mentions to a canonical
// organization name. Matching is substring-based so "American
// Thoracic Society" and "ATS/IDSA" both resolve to the same canonical form.
var orgAliases = map[string]string{
	"ats/idsa": "ATS/IDSA", "american thoracic society": "ATS/IDSA", "idsa": "ATS/IDSA",
	"aad": "AAD", "american academy of dermatology": "AAD",
	"cdc": "CDC", "centers for disease control": "CDC",
	"who": "WHO", "world health organization": "WHO",
	"nice": "NICE", "national institute for health and care excellence": "NICE",
	"uspstf": "USPSTF", "u.s. preventive services task force": "USPSTF",
	"pmc": "PMC", "pubmed central": "PMC",
	"nccn": "NCCN", "national comprehensive cancer network": "NCCN",
	"aha": "AHA", "american heart association": "AHA",
	"acc": "ACC", "american college of cardiology": "ACC",
}

// canonicalLandingPages is a fallback organization -> URL table used when a
// raw citation names a known organization but carries no URL and no
// retrieved chunk supplies a source_url.
var canonicalLandingPages = map[string]string{
	"ATS/IDSA": "https://www.thoracic.org/statements/",
	"AAD":      "https://www.aad.org/member/clinical-quality/guidelines",
	"CDC":      "https://www.cdc.gov/",
	"WHO":      "https://www.who.int/publications/guidelines",
	"NICE":     "https://www.nice.org.uk/guidance",
	"USPSTF":   "https://www.uspreventiveservicestaskforce.org/uspstf/recommendation-topics",
	"PMC":      "https://www.ncbi.nlm.nih.gov/pmc/",
	"NCCN":     "https://www.nccn.org/guidelines/category_1",
	"AHA":      "https://professional.heart.org/en/guidelines-and-statements",
	"ACC":      "https://www.acc.org/guidelines",
}

// CitationNormalizer turns free-text guideline mentions
// into verifiable, de-duplicated links and drops anything that cannot be
// resolved to a valid absolute http(s) URL.
type CitationNormalizer struct{}

// NewCitationNormalizer creates a CitationNormalizer.
func NewCitationNormalizer() *CitationNormalizer { return &CitationNormalizer{} }

// Normalize resolves raw citations to verifiable guideline links, dropping
// any that cannot be resolved and deduplicating by URL.
func (n *CitationNormalizer) Normalize(raw []model.RawCitation, retrieved []RankedChunk) []model.Citation {
	seen := make(map[string]bool)
	out := make([]model.Citation, 0, len(raw))

	for _, rc := range raw {
		org := resolveOrganization(rc.Organization, rc.Text)

		resolvedURL := ""
		if isValidAbsoluteURL(rc.URL) {
			resolvedURL = rc.URL
		} else if u := sourceURLFromChunks(org, retrieved); u != "" {
			resolvedURL = u
		} else if u, ok := canonicalLandingPages[org]; ok {
			resolvedURL = u
		}

		if !isValidAbsoluteURL(resolvedURL) {
			continue // drop: cannot be resolved to a verifiable URL
		}
		if seen[resolvedURL] {
			continue // deduplicate by URL, preserving first occurrence order
		}
		seen[resolvedURL] = true

		out = append(out, model.Citation{
			Organization: org,
			Text:         rc.Text,
			URL:          resolvedURL,
			DocID:        rc.Text, // set below if a chunk match is found
		})
	}

	for i := range out {
		out[i].DocID = docIDForURL(out[i].URL, retrieved)
	}

	return out
}

// HasGuidelines reports whether the normalized citation set is non-empty.
func HasGuidelines(citations []model.Citation) bool { return len(citations) > 0 }

// resolveOrganization identifies the canonical organization name via the
// alias table, falling back to the raw organization text as given or
// "Unknown" if nothing is named.
func resolveOrganization(org, text string) string {
	lower := strings.ToLower(org + " " + text)
	for alias, canonical := range orgAliases {
		if strings.Contains(lower, alias) {
			return canonical
		}
	}
	if org != "" {
		return org
	}
	return "Unknown"
}

func sourceURLFromChunks(org string, chunks []RankedChunk) string {
	for _, c := range chunks {
		if strings.EqualFold(c.Chunk.Organization, org) && c.Chunk.SourceURL != "" {
			return c.Chunk.SourceURL
		}
	}
	return ""
}

func docIDForURL(u string, chunks []RankedChunk) string {
	for _, c := range chunks {
		if c.Chunk.SourceURL == u {
			return c.Chunk.DocID
		}
	}
	return ""
}

// isValidAbsoluteURL reports whether s parses as an absolute http(s) URL.
func isValidAbsoluteURL(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
