package store

import "context"

// ReconcileCancelledFromFeed is the supplemented
// `reconcile_cancelled_ids` maintenance operation (SPEC_FULL.md): a thin
// wrapper over MarkCancelled that can be invoked standalone from the CLI,
// without a full scrape, grounded on
// original_source/tools/reconcile_cancelled_ids.py.
func (s *Store) ReconcileCancelledFromFeed(ctx context.Context, portalName string, ids []string, sourceTag string) (int, error) {
	return s.MarkCancelled(ctx, portalName, ids, sourceTag)
}
