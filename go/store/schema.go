package store

// schemaDDL creates the two logical tables named in spec §6 ("Store
// layout"), their indexes, and the export view. Inlined here the same way
// the teacher inlines its SQLite DDL in go/materialize/driver/sqlite/sqlite.go
// rather than reaching for a migration framework — there is exactly one
// schema version and no multi-environment migration story for an embedded
// single-file store.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	portal_name     TEXT NOT NULL,
	base_url        TEXT NOT NULL,
	scope_mode      TEXT NOT NULL,
	started_at      TEXT NOT NULL,
	completed_at    TEXT,
	status          TEXT NOT NULL,
	expected_total  INTEGER NOT NULL DEFAULT 0,
	extracted_total INTEGER NOT NULL DEFAULT 0,
	skipped_total   INTEGER NOT NULL DEFAULT 0,
	partial_saved   INTEGER NOT NULL DEFAULT 0,
	output_path     TEXT NOT NULL DEFAULT '',
	output_type     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tenders (
	portal_key          TEXT NOT NULL,
	tender_id_extracted TEXT NOT NULL,
	tender_id_raw       TEXT NOT NULL DEFAULT '',
	department_name     TEXT NOT NULL DEFAULT '',
	published_date      TEXT NOT NULL DEFAULT '',
	closing_date        TEXT NOT NULL DEFAULT '',
	opening_date        TEXT NOT NULL DEFAULT '',
	organisation_chain  TEXT NOT NULL DEFAULT '',
	title_ref           TEXT NOT NULL DEFAULT '',
	direct_url          TEXT NOT NULL DEFAULT '',
	status_url          TEXT NOT NULL DEFAULT '',
	emd_raw             TEXT NOT NULL DEFAULT '',
	emd_numeric         REAL,
	lifecycle           TEXT NOT NULL DEFAULT 'active',
	first_seen_at       TEXT NOT NULL,
	last_seen_at        TEXT NOT NULL,
	run_id              INTEGER NOT NULL,
	PRIMARY KEY (portal_key, tender_id_extracted)
);

CREATE INDEX IF NOT EXISTS idx_tenders_run_id ON tenders(run_id);
CREATE INDEX IF NOT EXISTS idx_tenders_tender_id ON tenders(tender_id_extracted);

CREATE VIEW IF NOT EXISTS v_tender_export AS
SELECT t.*, r.portal_name AS run_portal_name
FROM tenders t
JOIN runs r ON r.id = t.run_id;
`
