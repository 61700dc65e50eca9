package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tenderwatch/batchscrape/go/export"
	"github.com/tenderwatch/batchscrape/go/portal"
)

// ExportRun implements C1's export_run: renders the run's portal's
// current-state view to a workbook (falling back to CSV), per spec §4.1.
// Row order is deterministic (department, then canonical id) so S.No
// assignment and byte-for-byte output are a pure function of store state
// (spec §8 property 7).
func (s *Store) ExportRun(ctx context.Context, runID int64, outDir, keyword string) (string, string, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return "", "", err
	}

	rows, err := s.exportRowsForPortal(ctx, run.PortalName)
	if err != nil {
		return "", "", err
	}

	path, kind, err := export.Write(rows, outDir, keyword, run.PartialSaved, time.Now())
	if err != nil {
		return "", "", fmt.Errorf("store: export_run: %w", err)
	}
	return path, kind, nil
}

func (s *Store) exportRowsForPortal(ctx context.Context, portalName string) ([]export.Row, error) {
	sqlRows, err := s.db.QueryContext(ctx, `
		SELECT department_name, published_date, closing_date, opening_date,
			organisation_chain, title_ref, tender_id_extracted, direct_url, status_url
		FROM tenders
		WHERE portal_key = ?
		ORDER BY department_name, tender_id_extracted`,
		normalizeName(portalName),
	)
	if err != nil {
		return nil, fmt.Errorf("store: export query: %w", err)
	}
	defer sqlRows.Close()

	var out []export.Row
	for sqlRows.Next() {
		var r export.Row
		if err := sqlRows.Scan(&r.DepartmentName, &r.PublishedDate, &r.ClosingDate, &r.OpeningDate,
			&r.OrganisationChain, &r.TitleRef, &r.TenderIDExtracted, &r.DirectURL, &r.StatusURL); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, sqlRows.Err()
}

// ImportWorkbook re-ingests a previously exported workbook/CSV into the
// store, routing every row back through the reconciliation rule (spec
// §4.1.a). Grounded on original_source/tools/import_recent_scrapes.py: a
// disaster-recovery path for rebuilding the store from its own exports.
func (s *Store) ImportWorkbook(ctx context.Context, path, portalName string) (ReconcileCounters, error) {
	exportRows, err := export.Read(path)
	if err != nil {
		return ReconcileCounters{}, fmt.Errorf("store: import_workbook: %w", err)
	}

	runID, err := s.StartRun(ctx, portalName, "", ScopeImport)
	if err != nil {
		return ReconcileCounters{}, fmt.Errorf("store: import_workbook: %w", err)
	}

	var batch []Row
	for _, er := range exportRows {
		batch = append(batch, Row{
			TenderIDCanonical: er.TenderIDExtracted,
			DepartmentName:    er.DepartmentName,
			PublishedDate:     er.PublishedDate,
			ClosingDate:       er.ClosingDate,
			OpeningDate:       er.OpeningDate,
			OrganisationChain: er.OrganisationChain,
			TitleRef:          er.TitleRef,
			DirectURL:         er.DirectURL,
			StatusURL:         er.StatusURL,
		})
	}

	counters, upsertErr := s.UpsertCurrentTenders(ctx, portal.Portal{Name: portalName}, batch)
	status := RunStatusCompleted
	if upsertErr != nil {
		status = "Error during scraping"
	}
	_ = s.FinalizeRun(ctx, runID, status, len(batch),
		counters.InsertedNew+counters.Unchanged+counters.UpdatedClosingDate, 0, false, path, "import")
	return counters, upsertErr
}
