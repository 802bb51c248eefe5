package domain

import "time"

// ExtractionStrategy records which pass of the extraction pipeline produced
// a PageContent's text.
type ExtractionStrategy string

const (
	StrategyReadability ExtractionStrategy = "READABILITY"
	StrategyLandmark    ExtractionStrategy = "LANDMARK"
	StrategyVisibleText ExtractionStrategy = "VISIBLE_TEXT"
	StrategyNone        ExtractionStrategy = "NONE"
)

// PageContent is the bounded, cleaned text of a document plus its metadata.
type PageContent struct {
	URL             string             `json:"url"`
	Title           string             `json:"title"`
	Text            string             `json:"text"`
	MetaDescription string             `json:"meta_description,omitempty"`
	MetaKeywords    string             `json:"meta_keywords,omitempty"`
	Strategy        ExtractionStrategy `json:"extraction_strategy"`
	Truncated       bool               `json:"truncated"`
	OriginalLength  int                `json:"original_length"`
	ExtractedAt     time.Time          `json:"extracted_at"`
}

// MinimalContentChars is the text length below which the panel warns that
// the page had little usable content.
const MinimalContentChars = 500

// IsMinimal reports whether the extracted text is too short to be useful.
func (p PageContent) IsMinimal() bool {
	return p.Strategy == StrategyNone || len([]rune(p.Text)) < MinimalContentChars
}
