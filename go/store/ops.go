package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tenderwatch/batchscrape/go/portal"
)

// StartRun implements C1's start_run: creates a run record with
// started_at = now and status "running".
func (s *Store) StartRun(ctx context.Context, portalName, baseURL, scopeMode string) (int64, error) {
	lock := s.lockFor(normalizeName(portalName))
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (portal_name, base_url, scope_mode, started_at, status) VALUES (?, ?, ?, ?, ?)`,
		portalName, baseURL, scopeMode, time.Now().UTC().Format(time.RFC3339Nano), RunStatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("store: start_run: %w", err)
	}
	return res.LastInsertId()
}

// ReplaceRunTenders implements C1's replace_run_tenders: removes rows
// previously attached to runID and inserts the supplied rows, all in one
// transaction. Returns the count inserted.
func (s *Store) ReplaceRunTenders(ctx context.Context, runID int64, portalKey string, rows []Row) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tenders WHERE run_id = ?`, runID); err != nil {
		return 0, fmt.Errorf("store: replace_run_tenders delete: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	inserted := 0
	for _, row := range rows {
		if !portal.IsCanonicalShape(row.TenderIDCanonical) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tenders (
				portal_key, tender_id_extracted, tender_id_raw, department_name,
				published_date, closing_date, opening_date, organisation_chain,
				title_ref, direct_url, status_url, emd_raw, emd_numeric,
				lifecycle, first_seen_at, last_seen_at, run_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(portal_key, tender_id_extracted) DO UPDATE SET
				tender_id_raw = excluded.tender_id_raw,
				department_name = excluded.department_name,
				published_date = excluded.published_date,
				closing_date = excluded.closing_date,
				opening_date = excluded.opening_date,
				organisation_chain = excluded.organisation_chain,
				title_ref = excluded.title_ref,
				direct_url = excluded.direct_url,
				status_url = excluded.status_url,
				emd_raw = excluded.emd_raw,
				emd_numeric = excluded.emd_numeric,
				last_seen_at = excluded.last_seen_at,
				run_id = excluded.run_id`,
			portalKey, row.TenderIDCanonical, row.TenderIDRaw, row.DepartmentName,
			row.PublishedDate, row.ClosingDate, row.OpeningDate, row.OrganisationChain,
			row.TitleRef, row.DirectURL, row.StatusURL, row.EMDRaw, row.EMDNumeric,
			LifecycleActive, now, now, runID,
		); err != nil {
			return inserted, fmt.Errorf("store: replace_run_tenders insert %s: %w", row.TenderIDCanonical, err)
		}
		inserted++
	}
	return inserted, tx.Commit()
}

// FinalizeRun implements C1's finalize_run: sets completed_at = now and
// writes the final counters. Idempotent under identical inputs.
func (s *Store) FinalizeRun(ctx context.Context, runID int64, status string, expected, extracted, skipped int, partialSaved bool, filePath, fileType string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?, status = ?, expected_total = ?, extracted_total = ?,
			skipped_total = ?, partial_saved = ?, output_path = ?, output_type = ?
		WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), status, expected, extracted, skipped,
		boolToInt(partialSaved), filePath, fileType, runID,
	)
	if err != nil {
		return fmt.Errorf("store: finalize_run: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ExistingTenderIDsForPortal implements C1's existing_tender_ids_for_portal:
// the fast-path duplicate filter C3 uses at the start of a portal run.
func (s *Store) ExistingTenderIDsForPortal(ctx context.Context, portalName string) (*IDSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tender_id_extracted FROM tenders WHERE portal_key = ?`, normalizeName(portalName))
	if err != nil {
		return nil, fmt.Errorf("store: existing_tender_ids_for_portal: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return NewIDSet(ids), rows.Err()
}

// ExistingTenderSnapshotForPortal implements C1's
// existing_tender_snapshot_for_portal.
func (s *Store) ExistingTenderSnapshotForPortal(ctx context.Context, portalName string) (map[string]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tender_id_extracted, closing_date FROM tenders WHERE portal_key = ?`, normalizeName(portalName))
	if err != nil {
		return nil, fmt.Errorf("store: existing_tender_snapshot_for_portal: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Snapshot)
	for rows.Next() {
		var id, closing string
		if err := rows.Scan(&id, &closing); err != nil {
			return nil, err
		}
		out[id] = Snapshot{ClosingDate: closing}
	}
	return out, rows.Err()
}

// MarkCancelled implements C1's mark_cancelled: transitions lifecycle to
// "cancelled" for each id currently present under portalName.
func (s *Store) MarkCancelled(ctx context.Context, portalName string, ids []string, sourceTag string) (int, error) {
	lock := s.lockFor(normalizeName(portalName))
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	updated := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE tenders SET lifecycle = ?, last_seen_at = ? WHERE portal_key = ? AND tender_id_extracted = ?`,
			LifecycleCancelled, now, normalizeName(portalName), id,
		)
		if err != nil {
			return updated, fmt.Errorf("store: mark_cancelled %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}
	if err := tx.Commit(); err != nil {
		return updated, err
	}
	if s.log != nil && updated > 0 {
		s.log.Log(log.InfoLevel, log.Fields{"portal": portalName, "source": sourceTag, "count": updated},
			"store: marked tenders cancelled")
	}
	return updated, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID int64) (Run, error) {
	var (
		r            Run
		startedAt    string
		completedAt  sql.NullString
		partialSaved int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, portal_name, base_url, scope_mode, started_at, completed_at, status,
			expected_total, extracted_total, skipped_total, partial_saved, output_path, output_type
		FROM runs WHERE id = ?`, runID,
	).Scan(&r.ID, &r.PortalName, &r.BaseURL, &r.ScopeMode, &startedAt, &completedAt, &r.Status,
		&r.ExpectedTotal, &r.ExtractedTotal, &r.SkippedTotal, &partialSaved, &r.OutputFilePath, &r.OutputFileType)
	if err == sql.ErrNoRows {
		return Run{}, &NotFoundError{What: fmt.Sprintf("run %d", runID)}
	}
	if err != nil {
		return Run{}, err
	}
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	r.PartialSaved = partialSaved != 0
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		r.CompletedAt = &t
	}
	return r, nil
}

func normalizeName(name string) string {
	return portal.Portal{Name: name}.NormalizedName()
}
