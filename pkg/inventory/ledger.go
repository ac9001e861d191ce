package inventory

import (
	"context"
	"iter"
	"time"
)

// QueryLedger returns the ledger lines matching filter, newest event date first and
// in insertion order among equal dates. The sequence is lazy: it pages through
// storage as it is ranged over, and each range starts again from the top.
//
// Regular users always get their own entries; only admins may filter by another actor.
// 台帳を照会
func (m *Manager) QueryLedger(ctx context.Context, actor Actor, filter LedgerFilter) (iter.Seq2[LedgerLine, error], error) {
	if err := ValidateLedgerFilter(filter); err != nil {
		return nil, err
	}
	filter = scopeLedgerFilter(actor, filter)
	pageSize := m.config.LedgerPageSize

	return func(yield func(LedgerLine, error) bool) {
		var cursor *LedgerCursor
		for {
			page, err := m.storage.ListLedgerPage(ctx, filter, cursor, pageSize)
			if err != nil {
				yield(LedgerLine{}, wrapStorage("list_ledger", err))
				return
			}
			for _, line := range page {
				if !yield(line, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &LedgerCursor{EventDate: last.EventDate, ID: last.ID}
		}
	}, nil
}

// CollectLedger drains a ledger sequence into a slice
func CollectLedger(seq iter.Seq2[LedgerLine, error]) ([]LedgerLine, error) {
	var lines []LedgerLine
	for line, err := range seq {
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Summarize counts units and ledger events visible to the actor. from and to bound the
// event counts; the recent counts cover the configured window ending now, within from and to.
// 入出庫の集計
func (m *Manager) Summarize(ctx context.Context, actor Actor, from, to *time.Time) (*LedgerSummary, error) {
	filter := LedgerFilter{From: from, To: to}
	if err := ValidateLedgerFilter(filter); err != nil {
		return nil, err
	}
	filter = scopeLedgerFilter(actor, filter)
	owner := actor.Owner()

	summary := &LedgerSummary{}
	var err error

	if summary.TotalInStock, err = m.storage.CountUnits(ctx, UnitFilter{Status: ptr(UnitStatusInStock), OwnerID: owner}); err != nil {
		return nil, wrapStorage("count_units", err)
	}
	if summary.TotalSold, err = m.storage.CountUnits(ctx, UnitFilter{Status: ptr(UnitStatusSold), OwnerID: owner}); err != nil {
		return nil, wrapStorage("count_units", err)
	}

	counts := []struct {
		dst    *int64
		kind   EventKind
		recent bool
	}{
		{&summary.TotalStockIns, EventKindStockIn, false},
		{&summary.TotalStockOuts, EventKindStockOut, false},
		{&summary.RecentStockInsLast7Days, EventKindStockIn, true},
		{&summary.RecentStockOutsLast7Days, EventKindStockOut, true},
	}
	since := m.now().Add(-m.config.RecentWindow)
	for _, c := range counts {
		f := filter
		f.Kind = ptr(c.kind)
		if c.recent && (from == nil || from.Before(since)) {
			f.From = ptr(since)
		}
		n, err := m.storage.CountLedger(ctx, f)
		if err != nil {
			return nil, wrapStorage("count_ledger", err)
		}
		*c.dst = n
	}
	return summary, nil
}

// scopeLedgerFilter pins regular users to their own entries
func scopeLedgerFilter(actor Actor, filter LedgerFilter) LedgerFilter {
	if owner := actor.Owner(); owner != nil {
		filter.ActorID = owner
	}
	return filter
}
