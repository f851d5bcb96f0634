// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// Via records which fetch path produced a page.
type Via string

// Fetch paths stored in pages.via.
const (
	ViaStatic   Via = "static"
	ViaRendered Via = "rendered"
	ViaError    Via = "error"
)

// RenderMode is the per-scan fetch strategy.
type RenderMode string

// Render modes chosen by the decider.
const (
	RenderStatic   RenderMode = "static"
	RenderRendered RenderMode = "rendered"
	RenderHybrid   RenderMode = "hybrid"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
// Non-2xx statuses are responses, not errors.
type FetchResponse struct {
	URL          string
	FinalURL     string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	ContentType  string
	Duration     time.Duration
	UsedHeadless bool
}

// FetchResult is the per-URL outcome produced by the fetch manager.
// Failed URLs become placeholders with Status 0, Via "error", and Err set.
type FetchResult struct {
	URL         string
	FinalURL    string
	Status      int
	Headers     http.Header
	HTML        string
	ContentType string
	Via         Via
	FetchedAt   time.Time
	Duration    time.Duration
	Err         error
}

// Failed reports whether the result is an error placeholder.
func (r FetchResult) Failed() bool {
	return r.Via == ViaError || r.Err != nil
}

// Competitor is a tracked website, unique by canonical base URL.
type Competitor struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	BaseURL   string    `json:"base_url"`
	CreatedAt time.Time `json:"created_at"`
}

// PageSet is the ranked, hashed list of URLs selected for one scan.
type PageSet struct {
	Version   string    `json:"page_set_version"`
	Rules     string    `json:"rules"`
	URLs      []string  `json:"urls"`
	CreatedAt time.Time `json:"created_at"`
	BaseURL   string    `json:"base_url"`
	Hash      string    `json:"page_set_hash"`
}

// Snapshot is one scan of a competitor at a point in time.
type Snapshot struct {
	ID                string         `json:"id"`
	CompetitorID      string         `json:"competitor_id"`
	CreatedAt         time.Time      `json:"created_at"`
	Status            SnapshotStatus `json:"status"`
	ProgressDone      int            `json:"progress_pages_done"`
	ProgressTotal     int            `json:"progress_pages_total"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	ErrorCode         string         `json:"error_code,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	ExtractionVersion string         `json:"extraction_version"`
	PageSetVersion    string         `json:"page_set_version,omitempty"`
	PageSetHash       string         `json:"page_set_hash,omitempty"`
	PageSetChanged    bool           `json:"page_set_changed"`
	PageSetJSON       string         `json:"page_set_json,omitempty"`
	PageCount         int            `json:"page_count"`
}

// SnapshotUpdate carries the optional fields written alongside a status change.
// Nil pointers leave the stored value untouched.
type SnapshotUpdate struct {
	Status        SnapshotStatus
	ProgressDone  *int
	ProgressTotal *int
	ErrorCode     string
	ErrorMessage  string
	PageCount     *int
}

// PageRecord is persisted once per fetched page and never mutated.
type PageRecord struct {
	ID                string    `json:"id"`
	SnapshotID        string    `json:"snapshot_id"`
	URL               string    `json:"url"`
	FinalURL          string    `json:"final_url"`
	CanonicalURL      string    `json:"canonical_url"`
	Status            int       `json:"status"`
	FetchedAt         time.Time `json:"fetched_at"`
	Via               Via       `json:"via"`
	ContentType       string    `json:"content_type"`
	RawPath           string    `json:"raw_path"`
	TextPath          string    `json:"text_path"`
	SHA256Text        string    `json:"sha256_text"`
	Title             string    `json:"title,omitempty"`
	MetaDescription   string    `json:"meta_description,omitempty"`
	Changed           bool      `json:"changed"`
	PrevPageID        string    `json:"prev_page_id,omitempty"`
	NormalizedLen     int       `json:"normalized_len"`
	ExtractionVersion string    `json:"extraction_version"`
}

// PrevPage is the baseline entry used by the hash gate, keyed by canonical URL.
type PrevPage struct {
	ID         string
	SHA256Text string
	TextPath   string
}

// Social is a discovered social-media profile of a competitor.
type Social struct {
	CompetitorID string    `json:"competitor_id"`
	Platform     string    `json:"platform"`
	Handle       string    `json:"handle"`
	URL          string    `json:"url"`
	SourceURL    string    `json:"source_url,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Profile is the LLM-generated summary tied to one snapshot.
type Profile struct {
	CompetitorID string    `json:"competitor_id"`
	SnapshotID   string    `json:"snapshot_id"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"created_at"`
}

// SummaryInput is one page handed to the summarizer.
type SummaryInput struct {
	URL             string
	Title           string
	MetaDescription string
	Text            string
	Changed         bool
}
