// Package pipeline turns fetched pages into persisted, change-tracked page
// records.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/extract"
	"github.com/smrk-ai/simplecomptool/internal/hash/sha256"
	"github.com/smrk-ai/simplecomptool/internal/metrics"
	"github.com/smrk-ai/simplecomptool/internal/urlcanon"
)

// Persister writes page blobs then page rows.
type Persister struct {
	store  crawler.Store
	blobs  crawler.BlobStore
	ids    crawler.IDGenerator
	logger *zap.Logger
}

// New builds a Persister. blobs must be the blob store backing store.
func New(store crawler.Store, blobs crawler.BlobStore, ids crawler.IDGenerator, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{store: store, blobs: blobs, ids: ids, logger: logger}
}

// Decision is the outcome of the hash gate.
type Decision struct {
	Changed    bool
	PrevPageID string
	// ReuseTextPath is set when the previous text blob can be referenced
	// instead of writing identical bytes again.
	ReuseTextPath string
}

// Gate compares a page hash with the previous snapshot's entry for the same
// canonical URL.
func Gate(canonicalURL, sha string, prev map[string]crawler.PrevPage) Decision {
	old, ok := prev[canonicalURL]
	if !ok {
		return Decision{Changed: true}
	}
	if old.SHA256Text != "" && old.SHA256Text == sha {
		return Decision{Changed: false, PrevPageID: old.ID, ReuseTextPath: old.TextPath}
	}
	return Decision{Changed: true, PrevPageID: old.ID}
}

// RawPath returns the blob key of a page's raw HTML.
func RawPath(snapshotID, pageID string) string {
	return fmt.Sprintf("snapshots/%s/pages/%s.html", snapshotID, pageID)
}

// TextPath returns the blob key of a page's normalized text.
func TextPath(snapshotID, pageID string) string {
	return fmt.Sprintf("snapshots/%s/pages/%s.txt", snapshotID, pageID)
}

// PersistPage guards, extracts, hashes, gates and writes one page. Guard
// failures wrap crawler.ErrGuardViolation and write nothing.
func (p *Persister) PersistPage(
	ctx context.Context,
	snapshotID string,
	result crawler.FetchResult,
	prev map[string]crawler.PrevPage,
) (crawler.PageRecord, error) {
	if strings.TrimSpace(result.HTML) == "" {
		return crawler.PageRecord{}, guardError("empty html for %s", result.URL)
	}
	content := extract.Extract(result.HTML)
	if content.Text == "" {
		return crawler.PageRecord{}, guardError("no extractable text for %s", result.URL)
	}
	sha := sha256.SumText(content.Text)
	if sha == "" {
		return crawler.PageRecord{}, guardError("hash unavailable for %s", result.URL)
	}

	finalURL := result.FinalURL
	if finalURL == "" {
		finalURL = result.URL
	}
	canonical := urlcanon.CanonicalOrRaw(finalURL)
	decision := Gate(canonical, sha, prev)

	pageID, err := p.ids.NewID()
	if err != nil {
		return crawler.PageRecord{}, fmt.Errorf("generate page id: %w", err)
	}
	rawPath := RawPath(snapshotID, pageID)
	contentType := result.ContentType
	if contentType == "" {
		contentType = "text/html"
	}
	if _, err := p.blobs.PutObject(ctx, rawPath, contentType, strings.NewReader(result.HTML)); err != nil {
		return crawler.PageRecord{}, fmt.Errorf("store raw html: %w", err)
	}

	textPath := decision.ReuseTextPath
	if textPath == "" {
		textPath = TextPath(snapshotID, pageID)
		if _, err := p.blobs.PutObject(ctx, textPath, "text/plain; charset=utf-8", strings.NewReader(content.Text)); err != nil {
			return crawler.PageRecord{}, fmt.Errorf("store text: %w", err)
		}
	}

	record := crawler.PageRecord{
		ID:                pageID,
		SnapshotID:        snapshotID,
		URL:               result.URL,
		FinalURL:          finalURL,
		CanonicalURL:      canonical,
		Status:            result.Status,
		FetchedAt:         result.FetchedAt,
		Via:               result.Via,
		ContentType:       contentType,
		RawPath:           rawPath,
		TextPath:          textPath,
		SHA256Text:        sha,
		Title:             content.Title,
		MetaDescription:   content.MetaDescription,
		Changed:           decision.Changed,
		PrevPageID:        decision.PrevPageID,
		NormalizedLen:     len([]rune(content.Text)),
		ExtractionVersion: extract.Version,
	}
	if err := p.store.InsertPage(ctx, record); err != nil {
		return crawler.PageRecord{}, fmt.Errorf("insert page: %w", err)
	}

	metrics.ObservePage(record.Changed)
	p.logger.Debug("page persisted",
		zap.String("snapshot_id", snapshotID),
		zap.String("page_id", pageID),
		zap.String("canonical_url", canonical),
		zap.Bool("changed", record.Changed),
	)
	return record, nil
}

func guardError(format string, args ...any) error {
	return &crawler.Error{
		Code:    crawler.CodeGuardViolation,
		Message: fmt.Sprintf(format, args...),
		Err:     crawler.ErrGuardViolation,
	}
}
