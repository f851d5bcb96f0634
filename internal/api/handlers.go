package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/scan"
)

const (
	defaultPreviewChars = 300
	maxPreviewChars     = 5000
)

func (s *Server) runScan(w http.ResponseWriter, r *http.Request) {
	var req scan.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, scan.Response{
			Error: &scan.ErrorBody{Code: crawler.CodeInvalidURL, Message: "request body must be a JSON scan request"},
			Pages: []crawler.PageRecord{},
		})
		return
	}
	resp := s.scanner.Scan(r.Context(), req)
	writeJSON(w, scanStatus(resp), resp)
}

func scanStatus(resp scan.Response) int {
	if resp.Error != nil && crawler.IsInputError(crawler.NewError(resp.Error.Code, "")) {
		return http.StatusBadRequest
	}
	return http.StatusOK
}

type snapshotView struct {
	crawler.Snapshot
	Progress scan.Progress `json:"progress"`
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reader.GetSnapshot(r.Context(), chi.URLParam(r, "snapshot_id"))
	if err != nil {
		s.readError(w, "snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot": snapshotView{
		Snapshot: snap,
		Progress: scan.Progress{Done: snap.ProgressDone, Total: snap.ProgressTotal},
	}})
}

func (s *Server) listSnapshotPages(w http.ResponseWriter, r *http.Request) {
	snapshotID := chi.URLParam(r, "snapshot_id")
	if _, err := s.reader.GetSnapshot(r.Context(), snapshotID); err != nil {
		s.readError(w, "snapshot", err)
		return
	}
	pages, err := s.reader.ListPages(r.Context(), snapshotID)
	if err != nil {
		s.readError(w, "pages", err)
		return
	}
	if pages == nil {
		pages = []crawler.PageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot_id": snapshotID, "pages": pages})
}

type competitorView struct {
	crawler.Competitor
	Socials []crawler.Social `json:"socials"`
	Profile *crawler.Profile `json:"profile,omitempty"`
}

func (s *Server) getCompetitor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	comp, err := s.reader.GetCompetitor(ctx, chi.URLParam(r, "competitor_id"))
	if err != nil {
		s.readError(w, "competitor", err)
		return
	}
	socials, err := s.reader.ListSocials(ctx, comp.ID)
	if err != nil {
		s.readError(w, "socials", err)
		return
	}
	if socials == nil {
		socials = []crawler.Social{}
	}
	view := competitorView{Competitor: comp, Socials: socials}
	profile, err := s.reader.LatestProfile(ctx, comp.ID)
	switch {
	case err == nil:
		view.Profile = &profile
	case !errors.Is(err, crawler.ErrNotFound):
		s.readError(w, "profile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"competitor": view})
}

func (s *Server) getPageRaw(w http.ResponseWriter, r *http.Request) {
	body, err := s.reader.DownloadPageRaw(r.Context(), chi.URLParam(r, "page_id"))
	if err != nil {
		s.readError(w, "page", err)
		return
	}
	h := w.Header()
	h.Set("Content-Security-Policy", "sandbox")
	h.Set("Content-Disposition", "attachment")
	writeContent(w, "text/html; charset=utf-8", body)
}

func (s *Server) getPageText(w http.ResponseWriter, r *http.Request) {
	body, err := s.reader.DownloadPageText(r.Context(), chi.URLParam(r, "page_id"))
	if err != nil {
		s.readError(w, "page", err)
		return
	}
	writeContent(w, "text/plain; charset=utf-8", body)
}

func (s *Server) getPagePreview(w http.ResponseWriter, r *http.Request) {
	limit := defaultPreviewChars
	if raw := r.URL.Query().Get("max_length"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			writeError(w, http.StatusBadRequest, "invalid max_length")
			return
		}
		limit = min(val, maxPreviewChars)
	}
	pageID := chi.URLParam(r, "page_id")
	body, err := s.reader.DownloadPageText(r.Context(), pageID)
	if err != nil {
		s.readError(w, "page", err)
		return
	}
	preview, more := truncate(string(body), limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"page_id":      pageID,
		"text_preview": preview,
		"has_more":     more,
	})
}

func (s *Server) readError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("read failed", zap.String("resource", what), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func writeContent(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		zap.L().Warn("write content failed", zap.Error(err))
	}
}

func truncate(s string, limit int) (string, bool) {
	if utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	return string([]rune(s)[:limit]), true
}
