package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS competitors (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	base_url   TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id                   TEXT PRIMARY KEY,
	competitor_id        TEXT NOT NULL REFERENCES competitors(id),
	created_at           DATETIME NOT NULL,
	status               TEXT NOT NULL DEFAULT 'queued',
	progress_pages_done  INTEGER NOT NULL DEFAULT 0,
	progress_pages_total INTEGER NOT NULL DEFAULT 0,
	started_at           DATETIME,
	finished_at          DATETIME,
	error_code           TEXT NOT NULL DEFAULT '',
	error_message        TEXT NOT NULL DEFAULT '',
	extraction_version   TEXT NOT NULL DEFAULT '',
	page_set_version     TEXT NOT NULL DEFAULT '',
	page_set_hash        TEXT NOT NULL DEFAULT '',
	page_set_changed     BOOLEAN NOT NULL DEFAULT 0,
	page_set_json        TEXT NOT NULL DEFAULT '',
	page_count           INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_snapshots_competitor ON snapshots (competitor_id, status, created_at);

CREATE TABLE IF NOT EXISTS pages (
	id                 TEXT PRIMARY KEY,
	snapshot_id        TEXT NOT NULL REFERENCES snapshots(id),
	url                TEXT NOT NULL,
	final_url          TEXT NOT NULL,
	canonical_url      TEXT NOT NULL,
	status             INTEGER NOT NULL,
	fetched_at         DATETIME NOT NULL,
	via                TEXT NOT NULL,
	content_type       TEXT NOT NULL DEFAULT '',
	raw_path           TEXT NOT NULL,
	text_path          TEXT NOT NULL,
	sha256_text        TEXT NOT NULL,
	title              TEXT NOT NULL DEFAULT '',
	meta_description   TEXT NOT NULL DEFAULT '',
	changed            BOOLEAN NOT NULL,
	prev_page_id       TEXT NOT NULL DEFAULT '',
	normalized_len     INTEGER NOT NULL DEFAULT 0,
	extraction_version TEXT NOT NULL DEFAULT '',
	UNIQUE (snapshot_id, canonical_url)
);
CREATE INDEX IF NOT EXISTS idx_pages_snapshot ON pages (snapshot_id);
CREATE INDEX IF NOT EXISTS idx_pages_canonical ON pages (canonical_url);

CREATE TABLE IF NOT EXISTS socials (
	id            TEXT PRIMARY KEY,
	competitor_id TEXT NOT NULL REFERENCES competitors(id),
	platform      TEXT NOT NULL,
	handle        TEXT NOT NULL,
	url           TEXT NOT NULL,
	source_url    TEXT NOT NULL DEFAULT '',
	discovered_at DATETIME NOT NULL,
	UNIQUE (competitor_id, platform, handle)
);

CREATE TABLE IF NOT EXISTS profiles (
	id            TEXT PRIMARY KEY,
	competitor_id TEXT NOT NULL REFERENCES competitors(id),
	snapshot_id   TEXT NOT NULL REFERENCES snapshots(id),
	text          TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	UNIQUE (competitor_id, snapshot_id)
);
`

const snapshotColumns = `id, competitor_id, created_at, status, progress_pages_done, progress_pages_total,
	started_at, finished_at, error_code, error_message, extraction_version, page_set_version,
	page_set_hash, page_set_changed, page_set_json, page_count`

const pageColumns = `id, snapshot_id, url, final_url, canonical_url, status, fetched_at, via, content_type,
	raw_path, text_path, sha256_text, title, meta_description, changed, prev_page_id, normalized_len,
	extraction_version`
