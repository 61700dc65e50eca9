package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tenderwatch/batchscrape/go/portal"
)

// UpsertCurrentTenders applies the reconciliation rule of spec §4.1.a to
// each row in batch for one portal, in a single transaction. It implements
// C1's upsert_current_tenders.
func (s *Store) UpsertCurrentTenders(ctx context.Context, p portal.Portal, batch []Row) (ReconcileCounters, error) {
	lock := s.lockFor(p.NormalizedName())
	lock.Lock()
	defer lock.Unlock()

	counters, err := s.txRetry(ctx, func(tx *sql.Tx) (ReconcileCounters, error) {
		return reconcileTx(ctx, tx, p.NormalizedName(), batch)
	})
	return counters, err
}

func reconcileTx(ctx context.Context, tx *sql.Tx, portalKey string, batch []Row) (ReconcileCounters, error) {
	var out ReconcileCounters
	now := time.Now().UTC().Format(time.RFC3339Nano)

	for _, row := range batch {
		if !portal.IsCanonicalShape(row.TenderIDCanonical) {
			continue // never persist an id that fails the §3 invariant
		}
		var existingClosing, existingLifecycle string
		err := tx.QueryRowContext(ctx,
			`SELECT closing_date, lifecycle FROM tenders WHERE portal_key = ? AND tender_id_extracted = ?`,
			portalKey, row.TenderIDCanonical,
		).Scan(&existingClosing, &existingLifecycle)

		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tenders (
					portal_key, tender_id_extracted, tender_id_raw, department_name,
					published_date, closing_date, opening_date, organisation_chain,
					title_ref, direct_url, status_url, emd_raw, emd_numeric,
					lifecycle, first_seen_at, last_seen_at, run_id
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
				portalKey, row.TenderIDCanonical, row.TenderIDRaw, row.DepartmentName,
				row.PublishedDate, row.ClosingDate, row.OpeningDate, row.OrganisationChain,
				row.TitleRef, row.DirectURL, row.StatusURL, row.EMDRaw, row.EMDNumeric,
				LifecycleActive, now, now,
			); err != nil {
				return out, fmt.Errorf("insert %s: %w", row.TenderIDCanonical, err)
			}
			out.InsertedNew++

		case err != nil:
			return out, fmt.Errorf("lookup %s: %w", row.TenderIDCanonical, err)

		case portal.NormalizeClosingDate(existingClosing) == portal.NormalizeClosingDate(row.ClosingDate):
			if _, err := tx.ExecContext(ctx,
				`UPDATE tenders SET last_seen_at = ? WHERE portal_key = ? AND tender_id_extracted = ?`,
				now, portalKey, row.TenderIDCanonical,
			); err != nil {
				return out, fmt.Errorf("touch %s: %w", row.TenderIDCanonical, err)
			}
			out.Unchanged++

		default:
			lifecycle := existingLifecycle
			if lifecycle == "" {
				lifecycle = LifecycleActive
			}
			// Lifecycle `cancelled` is sticky (spec §3): the row is still
			// updated, but lifecycle never reverts away from cancelled here.
			if _, err := tx.ExecContext(ctx, `
				UPDATE tenders SET
					tender_id_raw = ?, department_name = ?, published_date = ?,
					closing_date = ?, opening_date = ?, organisation_chain = ?,
					title_ref = ?, direct_url = ?, status_url = ?, emd_raw = ?,
					emd_numeric = ?, last_seen_at = ?, lifecycle = ?
				WHERE portal_key = ? AND tender_id_extracted = ?`,
				row.TenderIDRaw, row.DepartmentName, row.PublishedDate,
				row.ClosingDate, row.OpeningDate, row.OrganisationChain,
				row.TitleRef, row.DirectURL, row.StatusURL, row.EMDRaw,
				row.EMDNumeric, now, lifecycle,
				portalKey, row.TenderIDCanonical,
			); err != nil {
				return out, fmt.Errorf("update %s: %w", row.TenderIDCanonical, err)
			}
			out.UpdatedClosingDate++
		}
	}
	return out, nil
}

// txRetry runs fn inside one transaction, retrying exactly once after a
// short backoff on SQLITE_BUSY/SQLITE_LOCKED, per spec §4.1.a failure
// semantics. A second failure surfaces as ConflictError.
func (s *Store) txRetry(ctx context.Context, fn func(tx *sql.Tx) (ReconcileCounters, error)) (ReconcileCounters, error) {
	var zero ReconcileCounters
	attempt := func() (ReconcileCounters, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return zero, err
		}
		out, err := fn(tx)
		if err != nil {
			tx.Rollback()
			return zero, err
		}
		if err := tx.Commit(); err != nil {
			return zero, err
		}
		return out, nil
	}

	out, err := attempt()
	if err == nil {
		return out, nil
	}
	if !isBusyErr(err) {
		return zero, err
	}
	time.Sleep(25 * time.Millisecond)
	out, err = attempt()
	if err != nil {
		return zero, &ConflictError{Op: "upsert_current_tenders", Err: err}
	}
	return out, nil
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
