// Package sqlite provides the embedded SQLite crawler.Store.
//
// SQLite allows one writer at a time, so every write goes through a single
// mutex and is retried when the database reports it is busy.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

// Config controls the database file and write retries.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	RetryDelays []time.Duration
}

// DefaultRetryDelays is the backoff used when a write hits a locked database.
func DefaultRetryDelays() []time.Duration {
	return []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
}

// Store writes scan metadata to SQLite and page content to a BlobStore.
type Store struct {
	db     *sql.DB
	blobs  crawler.BlobStore
	clock  crawler.Clock
	ids    crawler.IDGenerator
	delays []time.Duration

	writeMu sync.Mutex
}

// Open opens (creating when missing) the database at cfg.Path and applies
// the schema.
func Open(ctx context.Context, cfg Config, blobs crawler.BlobStore, clock crawler.Clock, ids crawler.IDGenerator) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("store.sqlite.path is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 10 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
		"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_time_format=sqlite",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	delays := cfg.RetryDelays
	if delays == nil {
		delays = DefaultRetryDelays()
	}
	return &Store{db: db, blobs: blobs, clock: clock, ids: ids, delays: delays}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// write runs fn in a transaction under the write lock, retrying busy errors.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= len(s.delays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.delays[attempt-1]):
			}
		}
		lastErr = s.runTx(ctx, fn)
		if lastErr == nil || !isBusy(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// UpsertCompetitor inserts the competitor or returns the existing row for
// baseURL. A non-empty name replaces the stored one.
func (s *Store) UpsertCompetitor(ctx context.Context, name, baseURL string) (crawler.Competitor, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Competitor{}, err
	}
	const query = `
INSERT INTO competitors (id, name, base_url, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (base_url) DO UPDATE
SET name = COALESCE(NULLIF(excluded.name, ''), competitors.name)
RETURNING id, name, base_url, created_at`
	var comp crawler.Competitor
	err = s.write(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, query, id, name, baseURL, s.clock.Now()).
			Scan(&comp.ID, &comp.Name, &comp.BaseURL, &comp.CreatedAt)
	})
	if err != nil {
		return crawler.Competitor{}, fmt.Errorf("upsert competitor: %w", err)
	}
	return comp, nil
}

// CreateSnapshot inserts a snapshot row.
func (s *Store) CreateSnapshot(ctx context.Context, snap crawler.Snapshot) error {
	if snap.Status == "" {
		snap.Status = crawler.SnapshotQueued
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.clock.Now()
	}
	query := `INSERT INTO snapshots (` + snapshotColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			snap.ID, snap.CompetitorID, snap.CreatedAt, string(snap.Status), snap.ProgressDone,
			snap.ProgressTotal, snap.StartedAt, snap.FinishedAt, snap.ErrorCode, snap.ErrorMessage,
			snap.ExtractionVersion, snap.PageSetVersion, snap.PageSetHash, snap.PageSetChanged,
			snap.PageSetJSON, snap.PageCount)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// UpdateSnapshotStatus validates the transition and writes the new state.
func (s *Store) UpdateSnapshotStatus(ctx context.Context, snapshotID string, update crawler.SnapshotUpdate) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, snapshotID)
		snap, err := scanSnapshot(row)
		if err != nil {
			return err
		}
		if err := crawler.ApplyUpdate(&snap, update, s.clock.Now()); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
UPDATE snapshots
SET status = ?, progress_pages_done = ?, progress_pages_total = ?, started_at = ?,
	finished_at = ?, error_code = ?, error_message = ?, page_count = ?
WHERE id = ?`,
			string(snap.Status), snap.ProgressDone, snap.ProgressTotal, snap.StartedAt,
			snap.FinishedAt, snap.ErrorCode, snap.ErrorMessage, snap.PageCount, snap.ID)
		if err != nil {
			return fmt.Errorf("update snapshot: %w", err)
		}
		return nil
	})
}

// InsertPage writes a page row; re-inserting the same ID is a no-op.
func (s *Store) InsertPage(ctx context.Context, page crawler.PageRecord) error {
	query := `INSERT INTO pages (` + pageColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (id) DO NOTHING`
	err := s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			page.ID, page.SnapshotID, page.URL, page.FinalURL, page.CanonicalURL, page.Status,
			page.FetchedAt, string(page.Via), page.ContentType, page.RawPath, page.TextPath,
			page.SHA256Text, page.Title, page.MetaDescription, page.Changed, page.PrevPageID,
			page.NormalizedLen, page.ExtractionVersion)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// UpsertSocials merges socials in one transaction.
func (s *Store) UpsertSocials(ctx context.Context, competitorID string, socials []crawler.Social) error {
	if len(socials) == 0 {
		return nil
	}
	const query = `
INSERT INTO socials (id, competitor_id, platform, handle, url, source_url, discovered_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (competitor_id, platform, handle) DO UPDATE
SET url = excluded.url, source_url = excluded.source_url`
	return s.write(ctx, func(tx *sql.Tx) error {
		for _, social := range socials {
			id, err := s.ids.NewID()
			if err != nil {
				return err
			}
			discovered := social.DiscoveredAt
			if discovered.IsZero() {
				discovered = s.clock.Now()
			}
			if _, err := tx.ExecContext(ctx, query, id, competitorID, social.Platform, social.Handle,
				social.URL, social.SourceURL, discovered); err != nil {
				return fmt.Errorf("upsert social %s/%s: %w", social.Platform, social.Handle, err)
			}
		}
		return nil
	})
}

// SaveProfile upserts the profile of a snapshot.
func (s *Store) SaveProfile(ctx context.Context, profile crawler.Profile) error {
	id, err := s.ids.NewID()
	if err != nil {
		return err
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = s.clock.Now()
	}
	const query = `
INSERT INTO profiles (id, competitor_id, snapshot_id, text, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (competitor_id, snapshot_id) DO UPDATE
SET text = excluded.text, created_at = excluded.created_at`
	err = s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, id, profile.CompetitorID, profile.SnapshotID,
			profile.Text, profile.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// LatestDoneSnapshotID returns the newest done snapshot, or "" when none.
func (s *Store) LatestDoneSnapshotID(ctx context.Context, competitorID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
SELECT id FROM snapshots
WHERE competitor_id = ? AND status = 'done'
ORDER BY created_at DESC, id DESC
LIMIT 1`, competitorID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest done snapshot: %w", err)
	}
	return id, nil
}

// PagesMap returns the pages of a snapshot keyed by canonical URL.
func (s *Store) PagesMap(ctx context.Context, snapshotID string) (map[string]crawler.PrevPage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, canonical_url, sha256_text, text_path FROM pages WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("query pages map: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]crawler.PrevPage)
	for rows.Next() {
		var canonical string
		var prev crawler.PrevPage
		if err := rows.Scan(&prev.ID, &canonical, &prev.SHA256Text, &prev.TextPath); err != nil {
			return nil, fmt.Errorf("scan pages map: %w", err)
		}
		out[canonical] = prev
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages map: %w", err)
	}
	return out, nil
}

// DownloadPageRaw returns the stored HTML of a page.
func (s *Store) DownloadPageRaw(ctx context.Context, pageID string) ([]byte, error) {
	return s.download(ctx, pageID, "raw_path")
}

// DownloadPageText returns the stored normalized text of a page.
func (s *Store) DownloadPageText(ctx context.Context, pageID string) ([]byte, error) {
	return s.download(ctx, pageID, "text_path")
}

func (s *Store) download(ctx context.Context, pageID, column string) ([]byte, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT `+column+` FROM pages WHERE id = ?`, pageID).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("page %s: %w", pageID, crawler.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup page %s: %w", pageID, err)
	}
	return s.blobs.GetObject(ctx, path)
}

// GetSnapshot fetches a snapshot by ID.
func (s *Store) GetSnapshot(ctx context.Context, snapshotID string) (crawler.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, snapshotID)
	return scanSnapshot(row)
}

// ListPages returns the pages of a snapshot ordered by fetch time.
func (s *Store) ListPages(ctx context.Context, snapshotID string) ([]crawler.PageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE snapshot_id = ? ORDER BY fetched_at, id`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var pages []crawler.PageRecord
	for rows.Next() {
		var page crawler.PageRecord
		var via string
		if err := rows.Scan(&page.ID, &page.SnapshotID, &page.URL, &page.FinalURL, &page.CanonicalURL,
			&page.Status, &page.FetchedAt, &via, &page.ContentType, &page.RawPath, &page.TextPath,
			&page.SHA256Text, &page.Title, &page.MetaDescription, &page.Changed, &page.PrevPageID,
			&page.NormalizedLen, &page.ExtractionVersion); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		page.Via = crawler.Via(via)
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}

// GetCompetitor fetches a competitor by ID.
func (s *Store) GetCompetitor(ctx context.Context, competitorID string) (crawler.Competitor, error) {
	var comp crawler.Competitor
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, base_url, created_at FROM competitors WHERE id = ?`, competitorID).
		Scan(&comp.ID, &comp.Name, &comp.BaseURL, &comp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Competitor{}, fmt.Errorf("competitor %s: %w", competitorID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Competitor{}, fmt.Errorf("get competitor: %w", err)
	}
	return comp, nil
}

// ListSocials returns the socials of a competitor.
func (s *Store) ListSocials(ctx context.Context, competitorID string) ([]crawler.Social, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT competitor_id, platform, handle, url, source_url, discovered_at
FROM socials WHERE competitor_id = ? ORDER BY platform, handle`, competitorID)
	if err != nil {
		return nil, fmt.Errorf("query socials: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var socials []crawler.Social
	for rows.Next() {
		var social crawler.Social
		if err := rows.Scan(&social.CompetitorID, &social.Platform, &social.Handle, &social.URL,
			&social.SourceURL, &social.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("scan social: %w", err)
		}
		socials = append(socials, social)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate socials: %w", err)
	}
	return socials, nil
}

// LatestProfile returns the newest profile of a competitor.
func (s *Store) LatestProfile(ctx context.Context, competitorID string) (crawler.Profile, error) {
	var profile crawler.Profile
	err := s.db.QueryRowContext(ctx, `
SELECT competitor_id, snapshot_id, text, created_at
FROM profiles WHERE competitor_id = ?
ORDER BY created_at DESC LIMIT 1`, competitorID).
		Scan(&profile.CompetitorID, &profile.SnapshotID, &profile.Text, &profile.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Profile{}, fmt.Errorf("profile for %s: %w", competitorID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Profile{}, fmt.Errorf("latest profile: %w", err)
	}
	return profile, nil
}

func scanSnapshot(row *sql.Row) (crawler.Snapshot, error) {
	var snap crawler.Snapshot
	var status string
	err := row.Scan(&snap.ID, &snap.CompetitorID, &snap.CreatedAt, &status, &snap.ProgressDone,
		&snap.ProgressTotal, &snap.StartedAt, &snap.FinishedAt, &snap.ErrorCode, &snap.ErrorMessage,
		&snap.ExtractionVersion, &snap.PageSetVersion, &snap.PageSetHash, &snap.PageSetChanged,
		&snap.PageSetJSON, &snap.PageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Snapshot{}, fmt.Errorf("snapshot: %w", crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.Status = crawler.SnapshotStatus(status)
	return snap, nil
}
