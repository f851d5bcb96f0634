package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/smrk-ai/simplecomptool/internal/clock/system"
	"github.com/smrk-ai/simplecomptool/internal/crawler"
	"github.com/smrk-ai/simplecomptool/internal/storage/memory"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

var testNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, *memory.BlobStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	blobs := memory.NewBlobStore()
	store, err := NewWithPool(mock, blobs, system.NewManual(testNow), &seqIDs{})
	require.NoError(t, err)
	return store, mock, blobs
}

func snapshotRow(status crawler.SnapshotStatus, startedAt *time.Time) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "competitor_id", "created_at", "status", "progress_pages_done", "progress_pages_total",
		"started_at", "finished_at", "error_code", "error_message", "extraction_version",
		"page_set_version", "page_set_hash", "page_set_changed", "page_set_json", "page_count",
	}).AddRow("s1", "c1", testNow, string(status), 0, 5, startedAt, (*time.Time)(nil), "", "",
		"v1", "ps-v1", "hash", false, "{}", 0)
}

func TestNewWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, memory.NewBlobStore(), system.New(), &seqIDs{})
	require.Error(t, err)
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, nil, system.New(), &seqIDs{})
	require.Error(t, err)
}

func TestUpsertCompetitor(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectQuery("INSERT INTO competitors").
		WithArgs("id-1", "Acme", "https://acme.com/", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "base_url", "created_at"}).
			AddRow("c-existing", "Acme", "https://acme.com/", testNow.Add(-time.Hour)))

	comp, err := store.UpsertCompetitor(context.Background(), "Acme", "https://acme.com/")
	require.NoError(t, err)
	require.Equal(t, "c-existing", comp.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSnapshotDefaultsQueued(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	snap := crawler.Snapshot{ID: "s1", CompetitorID: "c1", ExtractionVersion: "v1"}
	expected := snap
	expected.Status = crawler.SnapshotQueued
	expected.CreatedAt = testNow
	mock.ExpectExec("INSERT INTO snapshots").
		WithArgs(snapshotArgs(expected)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateSnapshot(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSnapshotStatusRunning(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM snapshots WHERE id = \$1 FOR UPDATE`).
		WithArgs("s1").
		WillReturnRows(snapshotRow(crawler.SnapshotQueued, nil))
	mock.ExpectExec("UPDATE snapshots").
		WithArgs("s1", "running", 0, 5, pgxmock.AnyArg(), pgxmock.AnyArg(), "", "", 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.UpdateSnapshotStatus(context.Background(), "s1", crawler.SnapshotUpdate{Status: crawler.SnapshotRunning})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSnapshotStatusRejectsTerminal(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	started := testNow
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("s1").
		WillReturnRows(snapshotRow(crawler.SnapshotDone, &started))
	mock.ExpectRollback()

	err := store.UpdateSnapshotStatus(context.Background(), "s1", crawler.SnapshotUpdate{Status: crawler.SnapshotFailed})
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSnapshotStatusMissing(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("nope").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := store.UpdateSnapshotStatus(context.Background(), "nope", crawler.SnapshotUpdate{Status: crawler.SnapshotRunning})
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPage(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	page := crawler.PageRecord{
		ID: "p1", SnapshotID: "s1", URL: "https://acme.com/", FinalURL: "https://acme.com/",
		CanonicalURL: "https://acme.com/", Status: 200, FetchedAt: testNow, Via: crawler.ViaStatic,
		RawPath: "snapshots/s1/pages/p1.html", TextPath: "snapshots/s1/pages/p1.txt",
		SHA256Text: "abc", Changed: true, NormalizedLen: 3, ExtractionVersion: "v1",
	}
	mock.ExpectExec("INSERT INTO pages").
		WithArgs(pageArgs(page)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertPage(context.Background(), page))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestDoneSnapshotIDNone(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectQuery("SELECT id FROM snapshots").WithArgs("c1").WillReturnError(pgx.ErrNoRows)

	id, err := store.LatestDoneSnapshotID(context.Background(), "c1")
	require.NoError(t, err)
	require.Empty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPagesMap(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectQuery("SELECT id, canonical_url, sha256_text, text_path FROM pages").
		WithArgs("s0").
		WillReturnRows(pgxmock.NewRows([]string{"id", "canonical_url", "sha256_text", "text_path"}).
			AddRow("p1", "https://acme.com/", "h1", "t1").
			AddRow("p2", "https://acme.com/pricing", "h2", "t2"))

	got, err := store.PagesMap(context.Background(), "s0")
	require.NoError(t, err)
	require.Equal(t, map[string]crawler.PrevPage{
		"https://acme.com/":        {ID: "p1", SHA256Text: "h1", TextPath: "t1"},
		"https://acme.com/pricing": {ID: "p2", SHA256Text: "h2", TextPath: "t2"},
	}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSocials(t *testing.T) {
	t.Parallel()

	store, mock, _ := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO socials").
		WithArgs("id-1", "c1", "twitter", "acme", "https://twitter.com/acme", "https://acme.com/", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.UpsertSocials(context.Background(), "c1", []crawler.Social{
		{Platform: "twitter", Handle: "acme", URL: "https://twitter.com/acme", SourceURL: "https://acme.com/"},
	})
	require.NoError(t, err)
	require.NoError(t, store.UpsertSocials(context.Background(), "c1", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownloadPage(t *testing.T) {
	t.Parallel()

	store, mock, blobs := newMockStore(t)
	_, err := blobs.PutObject(context.Background(), "snapshots/s1/pages/p1.txt", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)

	mock.ExpectQuery("SELECT text_path FROM pages").
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"text_path"}).AddRow("snapshots/s1/pages/p1.txt"))
	mock.ExpectQuery("SELECT raw_path FROM pages").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	text, err := store.DownloadPageText(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "hello", string(text))

	_, err = store.DownloadPageRaw(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
