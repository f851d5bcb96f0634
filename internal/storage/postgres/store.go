// Package postgres provides the Postgres-backed crawler.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Migrate         bool
}

type pgPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store writes scan metadata into Postgres and page content into a BlobStore.
type Store struct {
	pool  pgPool
	blobs crawler.BlobStore
	clock crawler.Clock
	ids   crawler.IDGenerator
}

// New connects a pool using cfg and optionally applies the schema.
func New(ctx context.Context, cfg Config, blobs crawler.BlobStore, clock crawler.Clock, ids crawler.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, blobs, clock, ids)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgPool, blobs crawler.BlobStore, clock crawler.Clock, ids crawler.IDGenerator) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	return &Store{pool: pool, blobs: blobs, clock: clock, ids: ids}, nil
}

// Migrate creates tables and indexes when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
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
VALUES ($1, $2, $3, $4)
ON CONFLICT (base_url) DO UPDATE
SET name = COALESCE(NULLIF(EXCLUDED.name, ''), competitors.name)
RETURNING id, name, base_url, created_at`
	var comp crawler.Competitor
	err = s.pool.QueryRow(ctx, query, id, name, baseURL, s.clock.Now()).
		Scan(&comp.ID, &comp.Name, &comp.BaseURL, &comp.CreatedAt)
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
	query := `INSERT INTO snapshots (` + snapshotColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	if _, err := s.pool.Exec(ctx, query, snapshotArgs(snap)...); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// UpdateSnapshotStatus locks the row, validates the transition and writes
// the new state.
func (s *Store) UpdateSnapshotStatus(ctx context.Context, snapshotID string, update crawler.SnapshotUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1 FOR UPDATE`, snapshotID)
	snap, err := scanSnapshot(row)
	if err != nil {
		return err
	}
	if err := crawler.ApplyUpdate(&snap, update, s.clock.Now()); err != nil {
		return err
	}
	const query = `
UPDATE snapshots
SET status = $2, progress_pages_done = $3, progress_pages_total = $4, started_at = $5,
	finished_at = $6, error_code = $7, error_message = $8, page_count = $9
WHERE id = $1`
	_, err = tx.Exec(ctx, query, snap.ID, string(snap.Status), snap.ProgressDone, snap.ProgressTotal,
		snap.StartedAt, snap.FinishedAt, snap.ErrorCode, snap.ErrorMessage, snap.PageCount)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot update: %w", err)
	}
	return nil
}

// InsertPage writes a page row; re-inserting the same ID is a no-op.
func (s *Store) InsertPage(ctx context.Context, page crawler.PageRecord) error {
	query := `INSERT INTO pages (` + pageColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, pageArgs(page)...); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// UpsertSocials merges socials in one transaction.
func (s *Store) UpsertSocials(ctx context.Context, competitorID string, socials []crawler.Social) error {
	if len(socials) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin socials upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	const query = `
INSERT INTO socials (id, competitor_id, platform, handle, url, source_url, discovered_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (competitor_id, platform, handle) DO UPDATE
SET url = EXCLUDED.url, source_url = EXCLUDED.source_url`
	for _, social := range socials {
		id, err := s.ids.NewID()
		if err != nil {
			return err
		}
		discovered := social.DiscoveredAt
		if discovered.IsZero() {
			discovered = s.clock.Now()
		}
		if _, err := tx.Exec(ctx, query, id, competitorID, social.Platform, social.Handle,
			social.URL, social.SourceURL, discovered); err != nil {
			return fmt.Errorf("upsert social %s/%s: %w", social.Platform, social.Handle, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit socials: %w", err)
	}
	return nil
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
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (competitor_id, snapshot_id) DO UPDATE
SET text = EXCLUDED.text, created_at = EXCLUDED.created_at`
	if _, err := s.pool.Exec(ctx, query, id, profile.CompetitorID, profile.SnapshotID,
		profile.Text, profile.CreatedAt); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// LatestDoneSnapshotID returns the newest done snapshot, or "" when none.
func (s *Store) LatestDoneSnapshotID(ctx context.Context, competitorID string) (string, error) {
	const query = `
SELECT id FROM snapshots
WHERE competitor_id = $1 AND status = 'done'
ORDER BY created_at DESC, id DESC
LIMIT 1`
	var id string
	err := s.pool.QueryRow(ctx, query, competitorID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest done snapshot: %w", err)
	}
	return id, nil
}

// PagesMap returns the pages of a snapshot keyed by canonical URL.
func (s *Store) PagesMap(ctx context.Context, snapshotID string) (map[string]crawler.PrevPage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, canonical_url, sha256_text, text_path FROM pages WHERE snapshot_id = $1`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("query pages map: %w", err)
	}
	defer rows.Close()
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
	err := s.pool.QueryRow(ctx, `SELECT `+column+` FROM pages WHERE id = $1`, pageID).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("page %s: %w", pageID, crawler.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup page %s: %w", pageID, err)
	}
	return s.blobs.GetObject(ctx, path)
}

// GetSnapshot fetches a snapshot by ID.
func (s *Store) GetSnapshot(ctx context.Context, snapshotID string) (crawler.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, snapshotID)
	return scanSnapshot(row)
}

// ListPages returns the pages of a snapshot ordered by fetch time.
func (s *Store) ListPages(ctx context.Context, snapshotID string) ([]crawler.PageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE snapshot_id = $1 ORDER BY fetched_at, id`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()
	var pages []crawler.PageRecord
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
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
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, base_url, created_at FROM competitors WHERE id = $1`, competitorID).
		Scan(&comp.ID, &comp.Name, &comp.BaseURL, &comp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Competitor{}, fmt.Errorf("competitor %s: %w", competitorID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Competitor{}, fmt.Errorf("get competitor: %w", err)
	}
	return comp, nil
}

// ListSocials returns the socials of a competitor.
func (s *Store) ListSocials(ctx context.Context, competitorID string) ([]crawler.Social, error) {
	rows, err := s.pool.Query(ctx, `
SELECT competitor_id, platform, handle, url, source_url, discovered_at
FROM socials WHERE competitor_id = $1 ORDER BY platform, handle`, competitorID)
	if err != nil {
		return nil, fmt.Errorf("query socials: %w", err)
	}
	defer rows.Close()
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
	err := s.pool.QueryRow(ctx, `
SELECT competitor_id, snapshot_id, text, created_at
FROM profiles WHERE competitor_id = $1
ORDER BY created_at DESC LIMIT 1`, competitorID).
		Scan(&profile.CompetitorID, &profile.SnapshotID, &profile.Text, &profile.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Profile{}, fmt.Errorf("profile for %s: %w", competitorID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Profile{}, fmt.Errorf("latest profile: %w", err)
	}
	return profile, nil
}

func snapshotArgs(snap crawler.Snapshot) []any {
	return []any{
		snap.ID, snap.CompetitorID, snap.CreatedAt, string(snap.Status), snap.ProgressDone,
		snap.ProgressTotal, snap.StartedAt, snap.FinishedAt, snap.ErrorCode, snap.ErrorMessage,
		snap.ExtractionVersion, snap.PageSetVersion, snap.PageSetHash, snap.PageSetChanged,
		snap.PageSetJSON, snap.PageCount,
	}
}

func scanSnapshot(row rowScanner) (crawler.Snapshot, error) {
	var snap crawler.Snapshot
	var status string
	err := row.Scan(&snap.ID, &snap.CompetitorID, &snap.CreatedAt, &status, &snap.ProgressDone,
		&snap.ProgressTotal, &snap.StartedAt, &snap.FinishedAt, &snap.ErrorCode, &snap.ErrorMessage,
		&snap.ExtractionVersion, &snap.PageSetVersion, &snap.PageSetHash, &snap.PageSetChanged,
		&snap.PageSetJSON, &snap.PageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Snapshot{}, fmt.Errorf("snapshot: %w", crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.Status = crawler.SnapshotStatus(status)
	return snap, nil
}

func pageArgs(page crawler.PageRecord) []any {
	return []any{
		page.ID, page.SnapshotID, page.URL, page.FinalURL, page.CanonicalURL, page.Status,
		page.FetchedAt, string(page.Via), page.ContentType, page.RawPath, page.TextPath,
		page.SHA256Text, page.Title, page.MetaDescription, page.Changed, page.PrevPageID,
		page.NormalizedLen, page.ExtractionVersion,
	}
}

func scanPage(row rowScanner) (crawler.PageRecord, error) {
	var page crawler.PageRecord
	var via string
	err := row.Scan(&page.ID, &page.SnapshotID, &page.URL, &page.FinalURL, &page.CanonicalURL,
		&page.Status, &page.FetchedAt, &via, &page.ContentType, &page.RawPath, &page.TextPath,
		&page.SHA256Text, &page.Title, &page.MetaDescription, &page.Changed, &page.PrevPageID,
		&page.NormalizedLen, &page.ExtractionVersion)
	if err != nil {
		return crawler.PageRecord{}, fmt.Errorf("scan page: %w", err)
	}
	page.Via = crawler.Via(via)
	return page, nil
}
