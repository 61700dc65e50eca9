package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3" // register driver for side effects
	log "github.com/sirupsen/logrus"

	"github.com/tenderwatch/batchscrape/go/ops"
)

// sqliteOpenMu serializes sql.Open+Ping calls. go-sqlite3 is known to race
// on concurrent first-opens of a newly created database file, surfacing as
// spurious "database is locked" errors; the teacher's own SQLite driver
// (go/materialize/driver/sqlite/sqlite.go) guards against exactly this with
// a package-level mutex, which we keep.
var sqliteOpenMu sync.Mutex

// Store is the TenderStore (C1): authoritative persistence, dedup lookups,
// atomic run finalization, and the export-ready current-state view.
type Store struct {
	db     *sql.DB
	path   string
	log    ops.Logger
	backup Backups

	mu        sync.Mutex
	perPortal map[string]*sync.Mutex
}

// Options configures Open.
type Options struct {
	BackupRoot    string
	RetentionDays int // daily retention; weekly/monthly/yearly keep fixed counts, see backup.go
}

// Open opens (creating if absent) the SQLite-backed store at path, applies
// the schema, and performs the once-daily backup check (spec §4.1 "Backups").
func Open(path string, opts Options) (*Store, error) {
	sqliteOpenMu.Lock()
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err == nil {
		err = db.Ping()
	}
	sqliteOpenMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("store: opening %q: %w", path, err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}

	s := &Store{
		db:        db,
		path:      path,
		log:       ops.Component("store"),
		perPortal: make(map[string]*sync.Mutex),
	}
	if opts.BackupRoot != "" {
		s.backup = Backups{Root: opts.BackupRoot, RetentionDays: opts.RetentionDays, Source: path}
		if err := s.backup.EnsureTodayBackup(db); err != nil {
			s.log.Log(log.WarnLevel, nil, "backup check failed: "+err.Error())
		}
		if err := s.backup.Prune(); err != nil {
			s.log.Log(log.WarnLevel, nil, "backup prune failed: "+err.Error())
		}
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// lockFor returns the mutex serializing mutations for one portal (spec §5:
// "C1 is internally serialized per (portal_name) using a short-held mutex
// plus the underlying store's own transactions").
func (s *Store) lockFor(portalKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.perPortal[portalKey]
	if !ok {
		m = &sync.Mutex{}
		s.perPortal[portalKey] = m
	}
	return m
}
