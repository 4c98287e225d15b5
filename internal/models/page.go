package models

import "time"

// WebpageDocument is the cleaned text of one fetched page.
type WebpageDocument struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	CleanedText string    `json:"cleanedText"`
	ExtractedAt time.Time `json:"extractedAt"`
}

// ArticleSection is one titled block produced by the segmenter.
type ArticleSection struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// PageRecord is the structure stored in Elasticsearch for every analyzed page.
type PageRecord struct {
	ID         string           `json:"id"`
	URL        string           `json:"url"`
	Title      string           `json:"title"`
	Text       string           `json:"text"`
	Sections   []ArticleSection `json:"sections,omitempty"`
	Keywords   []string         `json:"keywords"`
	SessionID  string           `json:"session_id,omitempty"`
	Origin     string           `json:"origin"`
	AnalyzedAt time.Time        `json:"analyzed_at"`
}
