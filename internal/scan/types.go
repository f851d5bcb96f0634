// Package scan orchestrates one competitor scan: validation, discovery,
// render-mode choice, the synchronous priority phase and the background
// completion phase.
package scan

import (
	"errors"
	"time"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

// MaxNameLength bounds competitor names.
const MaxNameLength = 255

// Request is the scan input accepted by the API and the CLI.
type Request struct {
	Name          string `json:"name,omitempty"`
	URL           string `json:"url"`
	LLM           bool   `json:"llm"`
	ForceRendered bool   `json:"force_rendered,omitempty"`
}

// ErrorBody is the structured error of a Response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Progress mirrors the snapshot counters.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Response is always returned by Scan, including on failure.
type Response struct {
	OK             bool                   `json:"ok"`
	Error          *ErrorBody             `json:"error,omitempty"`
	CompetitorID   string                 `json:"competitor_id,omitempty"`
	SnapshotID     string                 `json:"snapshot_id,omitempty"`
	Pages          []crawler.PageRecord   `json:"pages"`
	Profile        string                 `json:"profile,omitempty"`
	RenderMode     crawler.RenderMode     `json:"render_mode,omitempty"`
	SnapshotStatus crawler.SnapshotStatus `json:"snapshot_status,omitempty"`
	Progress       Progress               `json:"progress"`
}

func errorResponse(err error) Response {
	return Response{
		Error: errorBody(err),
		Pages: []crawler.PageRecord{},
	}
}

func errorBody(err error) *ErrorBody {
	body := &ErrorBody{Code: crawler.CodeOf(err), Message: err.Error()}
	var coded *crawler.Error
	if errors.As(err, &coded) && coded.Message != "" {
		body.Message = coded.Message
	}
	return body
}

// CompletedEvent is published once a snapshot reaches a terminal state.
type CompletedEvent struct {
	SnapshotID     string                 `json:"snapshot_id"`
	CompetitorID   string                 `json:"competitor_id"`
	BaseURL        string                 `json:"base_url"`
	Status         crawler.SnapshotStatus `json:"status"`
	RenderMode     crawler.RenderMode     `json:"render_mode"`
	PageCount      int                    `json:"page_count"`
	ChangedPages   int                    `json:"changed_pages"`
	PageSetChanged bool                   `json:"page_set_changed"`
	ErrorCode      string                 `json:"error_code,omitempty"`
	FinishedAt     time.Time              `json:"finished_at"`
}

// Attributes exposes routing fields as message attributes.
func (e CompletedEvent) Attributes() map[string]string {
	return map[string]string{
		"snapshot_id":   e.SnapshotID,
		"competitor_id": e.CompetitorID,
		"status":        string(e.Status),
	}
}
