package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/smrk-ai/simplecomptool/internal/crawler"
)

// Store is an in-memory crawler.Store for development and tests. Content is
// delegated to the configured BlobStore.
type Store struct {
	blobs crawler.BlobStore
	clock crawler.Clock
	ids   crawler.IDGenerator

	mu          sync.RWMutex
	competitors map[string]crawler.Competitor
	byBaseURL   map[string]string
	snapshots   map[string]crawler.Snapshot
	pages       map[string]crawler.PageRecord
	pageOrder   map[string][]string
	socials     map[string][]crawler.Social
	profiles    map[string]crawler.Profile
}

// NewStore constructs a Store.
func NewStore(blobs crawler.BlobStore, clock crawler.Clock, ids crawler.IDGenerator) *Store {
	return &Store{
		blobs:       blobs,
		clock:       clock,
		ids:         ids,
		competitors: make(map[string]crawler.Competitor),
		byBaseURL:   make(map[string]string),
		snapshots:   make(map[string]crawler.Snapshot),
		pages:       make(map[string]crawler.PageRecord),
		pageOrder:   make(map[string][]string),
		socials:     make(map[string][]crawler.Social),
		profiles:    make(map[string]crawler.Profile),
	}
}

// UpsertCompetitor returns the competitor for baseURL, creating it if needed.
// A non-empty name replaces the stored one.
func (s *Store) UpsertCompetitor(_ context.Context, name, baseURL string) (crawler.Competitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byBaseURL[baseURL]; ok {
		comp := s.competitors[id]
		if name != "" && comp.Name != name {
			comp.Name = name
			s.competitors[id] = comp
		}
		return comp, nil
	}
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.Competitor{}, err
	}
	comp := crawler.Competitor{ID: id, Name: name, BaseURL: baseURL, CreatedAt: s.clock.Now()}
	s.competitors[id] = comp
	s.byBaseURL[baseURL] = id
	return comp, nil
}

// CreateSnapshot stores a new snapshot.
func (s *Store) CreateSnapshot(_ context.Context, snap crawler.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snapshots[snap.ID]; exists {
		return fmt.Errorf("snapshot %s already exists", snap.ID)
	}
	if _, ok := s.competitors[snap.CompetitorID]; !ok {
		return fmt.Errorf("competitor %s: %w", snap.CompetitorID, crawler.ErrNotFound)
	}
	if snap.Status == "" {
		snap.Status = crawler.SnapshotQueued
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.clock.Now()
	}
	s.snapshots[snap.ID] = snap
	return nil
}

// UpdateSnapshotStatus applies a validated status transition.
func (s *Store) UpdateSnapshotStatus(_ context.Context, snapshotID string, update crawler.SnapshotUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[snapshotID]
	if !ok {
		return fmt.Errorf("snapshot %s: %w", snapshotID, crawler.ErrNotFound)
	}
	if err := crawler.ApplyUpdate(&snap, update, s.clock.Now()); err != nil {
		return err
	}
	s.snapshots[snapshotID] = snap
	return nil
}

// InsertPage records a page. Re-inserting the same ID is a no-op; a second
// page with the same canonical URL in one snapshot is rejected.
func (s *Store) InsertPage(_ context.Context, page crawler.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pages[page.ID]; exists {
		return nil
	}
	if _, ok := s.snapshots[page.SnapshotID]; !ok {
		return fmt.Errorf("snapshot %s: %w", page.SnapshotID, crawler.ErrNotFound)
	}
	for _, id := range s.pageOrder[page.SnapshotID] {
		if s.pages[id].CanonicalURL == page.CanonicalURL {
			return fmt.Errorf("page %s already recorded in snapshot %s", page.CanonicalURL, page.SnapshotID)
		}
	}
	s.pages[page.ID] = page
	s.pageOrder[page.SnapshotID] = append(s.pageOrder[page.SnapshotID], page.ID)
	return nil
}

// UpsertSocials merges socials, unique per platform and handle.
func (s *Store) UpsertSocials(_ context.Context, competitorID string, socials []crawler.Social) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.socials[competitorID]
	index := make(map[string]int, len(existing))
	for i, social := range existing {
		index[social.Platform+"|"+social.Handle] = i
	}
	for _, social := range socials {
		social.CompetitorID = competitorID
		if social.DiscoveredAt.IsZero() {
			social.DiscoveredAt = s.clock.Now()
		}
		key := social.Platform + "|" + social.Handle
		if i, ok := index[key]; ok {
			existing[i].URL = social.URL
			existing[i].SourceURL = social.SourceURL
			continue
		}
		index[key] = len(existing)
		existing = append(existing, social)
	}
	s.socials[competitorID] = existing
	return nil
}

// SaveProfile upserts the profile of a snapshot.
func (s *Store) SaveProfile(_ context.Context, profile crawler.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = s.clock.Now()
	}
	s.profiles[profile.CompetitorID+"|"+profile.SnapshotID] = profile
	return nil
}

// LatestDoneSnapshotID returns the newest done snapshot of a competitor, or
// an empty string when there is none.
func (s *Store) LatestDoneSnapshotID(_ context.Context, competitorID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest crawler.Snapshot
	for _, snap := range s.snapshots {
		if snap.CompetitorID != competitorID || snap.Status != crawler.SnapshotDone {
			continue
		}
		if latest.ID == "" || snap.CreatedAt.After(latest.CreatedAt) ||
			(snap.CreatedAt.Equal(latest.CreatedAt) && snap.ID > latest.ID) {
			latest = snap
		}
	}
	return latest.ID, nil
}

// PagesMap returns the pages of a snapshot keyed by canonical URL.
func (s *Store) PagesMap(_ context.Context, snapshotID string) (map[string]crawler.PrevPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]crawler.PrevPage)
	for _, id := range s.pageOrder[snapshotID] {
		page := s.pages[id]
		if page.CanonicalURL == "" {
			continue
		}
		out[page.CanonicalURL] = crawler.PrevPage{ID: page.ID, SHA256Text: page.SHA256Text, TextPath: page.TextPath}
	}
	return out, nil
}

// DownloadPageRaw returns the stored HTML of a page.
func (s *Store) DownloadPageRaw(ctx context.Context, pageID string) ([]byte, error) {
	page, err := s.page(pageID)
	if err != nil {
		return nil, err
	}
	return s.blobs.GetObject(ctx, page.RawPath)
}

// DownloadPageText returns the stored normalized text of a page.
func (s *Store) DownloadPageText(ctx context.Context, pageID string) ([]byte, error) {
	page, err := s.page(pageID)
	if err != nil {
		return nil, err
	}
	return s.blobs.GetObject(ctx, page.TextPath)
}

// GetSnapshot fetches a snapshot by ID.
func (s *Store) GetSnapshot(_ context.Context, snapshotID string) (crawler.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[snapshotID]
	if !ok {
		return crawler.Snapshot{}, fmt.Errorf("snapshot %s: %w", snapshotID, crawler.ErrNotFound)
	}
	return snap, nil
}

// ListPages returns the pages of a snapshot in insertion order.
func (s *Store) ListPages(_ context.Context, snapshotID string) ([]crawler.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.pageOrder[snapshotID]
	out := make([]crawler.PageRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.pages[id])
	}
	return out, nil
}

// GetCompetitor fetches a competitor by ID.
func (s *Store) GetCompetitor(_ context.Context, competitorID string) (crawler.Competitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	comp, ok := s.competitors[competitorID]
	if !ok {
		return crawler.Competitor{}, fmt.Errorf("competitor %s: %w", competitorID, crawler.ErrNotFound)
	}
	return comp, nil
}

// ListSocials returns the socials of a competitor ordered by platform.
func (s *Store) ListSocials(_ context.Context, competitorID string) ([]crawler.Social, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]crawler.Social(nil), s.socials[competitorID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].Handle < out[j].Handle
	})
	return out, nil
}

// LatestProfile returns the newest profile of a competitor.
func (s *Store) LatestProfile(_ context.Context, competitorID string) (crawler.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest crawler.Profile
	found := false
	for _, profile := range s.profiles {
		if profile.CompetitorID != competitorID {
			continue
		}
		if !found || profile.CreatedAt.After(latest.CreatedAt) {
			latest, found = profile, true
		}
	}
	if !found {
		return crawler.Profile{}, fmt.Errorf("profile for %s: %w", competitorID, crawler.ErrNotFound)
	}
	return latest, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) page(pageID string) (crawler.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[pageID]
	if !ok {
		return crawler.PageRecord{}, fmt.Errorf("page %s: %w", pageID, crawler.ErrNotFound)
	}
	return page, nil
}
