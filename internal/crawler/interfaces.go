package crawler

import (
	"context"
	"io"
	"time"
)

// Store persists competitors, snapshots, pages, socials and profiles.
// Implementations must be interchangeable.
type Store interface {
	UpsertCompetitor(ctx context.Context, name, baseURL string) (Competitor, error)
	CreateSnapshot(ctx context.Context, snapshot Snapshot) error
	UpdateSnapshotStatus(ctx context.Context, snapshotID string, update SnapshotUpdate) error
	InsertPage(ctx context.Context, page PageRecord) error
	UpsertSocials(ctx context.Context, competitorID string, socials []Social) error
	SaveProfile(ctx context.Context, profile Profile) error
	LatestDoneSnapshotID(ctx context.Context, competitorID string) (string, error)
	PagesMap(ctx context.Context, snapshotID string) (map[string]PrevPage, error)
	DownloadPageRaw(ctx context.Context, pageID string) ([]byte, error)
	DownloadPageText(ctx context.Context, pageID string) ([]byte, error)

	GetSnapshot(ctx context.Context, snapshotID string) (Snapshot, error)
	ListPages(ctx context.Context, snapshotID string) ([]PageRecord, error)
	GetCompetitor(ctx context.Context, competitorID string) (Competitor, error)
	ListSocials(ctx context.Context, competitorID string) ([]Social, error)
	LatestProfile(ctx context.Context, competitorID string) (Profile, error)
	Close() error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Renderer is a Fetcher that holds a browser and must be closed.
type Renderer interface {
	Fetcher
	Close() error
}

// Summarizer produces a short competitor profile from page text.
type Summarizer interface {
	Summarize(ctx context.Context, competitor string, pages []SummaryInput) (string, error)
}

// Task is a unit of background work executed by the worker pool.
type Task interface {
	ID() string
	Run(ctx context.Context) error
	// Abort is called instead of Run when the task is discarded.
	Abort(reason error)
}

// Queue provides enqueue/dequeue semantics for background tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Hasher computes digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
