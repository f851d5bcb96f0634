package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smrk-ai/simplecomptool/internal/clock/system"
	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/extract"
	"github.com/smrk-ai/simplecomptool/internal/id/uuid"
	"github.com/smrk-ai/simplecomptool/internal/storage/memory"
)

const pricingHTML = `<html><head><title>Pricing</title><meta name="description" content="Plans"></head>
<body><h1>Pricing</h1><p>Starter $10</p><script>track()</script></body></html>`

type fixture struct {
	store     *memory.Store
	blobs     *memory.BlobStore
	persister *Persister
	snapshot  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	blobs := memory.NewBlobStore()
	clock := system.NewManual(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	store := memory.NewStore(blobs, clock, uuid.New())
	ctx := context.Background()

	comp, err := store.UpsertCompetitor(ctx, "Acme", "https://acme.com/")
	require.NoError(t, err)
	f := fixture{store: store, blobs: blobs, persister: New(store, blobs, uuid.New(), nil)}
	f.snapshot = f.newSnapshot(t, comp.ID)
	return f
}

func (f fixture) newSnapshot(t *testing.T, competitorID string) string {
	t.Helper()
	id, err := uuid.New().NewID()
	require.NoError(t, err)
	require.NoError(t, f.store.CreateSnapshot(context.Background(), crawler.Snapshot{
		ID:           id,
		CompetitorID: competitorID,
		Status:       crawler.SnapshotRunning,
	}))
	return id
}

func fetched(url, html string) crawler.FetchResult {
	return crawler.FetchResult{
		URL:       url,
		FinalURL:  url,
		Status:    200,
		HTML:      html,
		Via:       crawler.ViaStatic,
		FetchedAt: time.Date(2024, 6, 1, 10, 0, 1, 0, time.UTC),
	}
}

func TestPersistPageNewPage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	record, err := f.persister.PersistPage(ctx, f.snapshot, fetched("http://www.acme.com/pricing/?utm_source=x", pricingHTML), nil)
	require.NoError(t, err)
	require.True(t, record.Changed)
	require.Empty(t, record.PrevPageID)
	require.Equal(t, "https://acme.com/pricing", record.CanonicalURL)
	require.Equal(t, "Pricing", record.Title)
	require.Equal(t, "Plans", record.MetaDescription)
	require.Equal(t, extract.Version, record.ExtractionVersion)
	require.Equal(t, "text/html", record.ContentType)
	require.Len(t, record.SHA256Text, 64)

	text, err := f.store.DownloadPageText(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, "Pricing Starter $10", string(text))
	require.Equal(t, len([]rune(string(text))), record.NormalizedLen)

	raw, err := f.store.DownloadPageRaw(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, pricingHTML, string(raw))
}

func TestPersistPageHashGate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.persister.PersistPage(ctx, f.snapshot, fetched("https://acme.com/pricing", pricingHTML), nil)
	require.NoError(t, err)
	prev, err := f.store.PagesMap(ctx, f.snapshot)
	require.NoError(t, err)

	snap, err := f.store.GetSnapshot(ctx, f.snapshot)
	require.NoError(t, err)
	second := f.newSnapshot(t, snap.CompetitorID)

	// Markup differs, normalized text is identical.
	same := `<html><head><title>Pricing</title><meta name="description" content="Plans"></head>
<body><div><h1>Pricing</h1>   <p>Starter   $10</p></div></body></html>`
	unchanged, err := f.persister.PersistPage(ctx, second, fetched("https://acme.com/pricing", same), prev)
	require.NoError(t, err)
	require.False(t, unchanged.Changed)
	require.Equal(t, first.ID, unchanged.PrevPageID)
	require.Equal(t, first.TextPath, unchanged.TextPath)
	require.Equal(t, first.SHA256Text, unchanged.SHA256Text)

	third := f.newSnapshot(t, snap.CompetitorID)
	changed, err := f.persister.PersistPage(ctx, third, fetched("https://acme.com/pricing", "<html><body>Starter $12</body></html>"), prev)
	require.NoError(t, err)
	require.True(t, changed.Changed)
	require.Equal(t, first.ID, changed.PrevPageID)
	require.NotEqual(t, first.TextPath, changed.TextPath)
}

func TestPersistPageGuards(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for name, html := range map[string]string{
		"empty html":   "",
		"blank html":   "   \n",
		"no text":      "<html><head><script>x()</script></head><body><style>p{}</style></body></html>",
		"only comment": "<html><body><!-- nothing --></body></html>",
	} {
		_, err := f.persister.PersistPage(ctx, f.snapshot, fetched("https://acme.com/"+name, html), nil)
		require.ErrorIs(t, err, crawler.ErrGuardViolation, name)
		require.Equal(t, crawler.CodeGuardViolation, crawler.CodeOf(err), name)
	}

	pages, err := f.store.ListPages(ctx, f.snapshot)
	require.NoError(t, err)
	require.Empty(t, pages)
	require.Zero(t, f.blobs.Len())
}

func TestPersistPageDuplicateCanonicalURL(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.persister.PersistPage(ctx, f.snapshot, fetched("https://acme.com/about", pricingHTML), nil)
	require.NoError(t, err)
	_, err = f.persister.PersistPage(ctx, f.snapshot, fetched("https://www.acme.com/about/", pricingHTML), nil)
	require.Error(t, err)
}

type failingBlobs struct {
	crawler.BlobStore
	err error
}

func (b failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", b.err
}

func TestPersistPageBlobFailureSkipsRow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	quota := errors.New("storage quota exceeded")
	persister := New(f.store, failingBlobs{BlobStore: f.blobs, err: quota}, uuid.New(), nil)
	_, err := persister.PersistPage(ctx, f.snapshot, fetched("https://acme.com/", pricingHTML), nil)
	require.ErrorIs(t, err, quota)
	require.Equal(t, crawler.StorageQuota, crawler.ClassifyStorageError(err))

	pages, err := f.store.ListPages(ctx, f.snapshot)
	require.NoError(t, err)
	require.Empty(t, pages)
}

func TestGate(t *testing.T) {
	t.Parallel()

	prev := map[string]crawler.PrevPage{
		"https://acme.com/": {ID: "p1", SHA256Text: "abc", TextPath: "snapshots/s1/pages/p1.txt"},
	}
	require.Equal(t, Decision{Changed: true}, Gate("https://acme.com/blog", "abc", prev))
	require.Equal(t, Decision{Changed: false, PrevPageID: "p1", ReuseTextPath: "snapshots/s1/pages/p1.txt"}, Gate("https://acme.com/", "abc", prev))
	require.Equal(t, Decision{Changed: true, PrevPageID: "p1"}, Gate("https://acme.com/", "def", prev))
	require.Equal(t, Decision{Changed: true}, Gate("https://acme.com/", "abc", nil))
}

func TestBlobPaths(t *testing.T) {
	t.Parallel()

	require.Equal(t, "snapshots/s/pages/p.html", RawPath("s", "p"))
	require.Equal(t, "snapshots/s/pages/p.txt", TextPath("s", "p"))
}
