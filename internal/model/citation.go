package model

// Citation is a verifiable guideline reference surfaced to the client.
// Citations without a valid absolute http(s) URL never reach this type;
// the normalizer drops them first.
type Citation struct {
	Organization string `json:"organization"`
	Text         string `json:"text"`
	URL          string `json:"url"`
	DocID        string `json:"doc_id,omitempty"`
}

// RawCitation is a guideline mention as it appears in model output, before
// organization resolution and URL validation.
type RawCitation struct {
	Text         string
	Organization string
	URL          string
}
