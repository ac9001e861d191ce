package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TrackingManager answers per-unit audit and expiry questions
// 個体の監査証跡と有効期限の追跡を処理
type TrackingManager struct {
	storage Storage
	logger  *zap.Logger
	clock   Clock
}

// NewTrackingManager creates a new tracking manager
// 新しい追跡マネージャーを作成
func NewTrackingManager(storage Storage, logger *zap.Logger, clock Clock) *TrackingManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock
	}
	return &TrackingManager{
		storage: storage,
		logger:  logger,
		clock:   clock,
	}
}

// AuditTrail is the full stock history of one unit
// 個体の監査証跡を表現
type AuditTrail struct {
	Unit        Unit           `json:"unit"`
	StockIn     *StockInEvent  `json:"stock_in,omitempty"`
	StockOut    *StockOutEvent `json:"stock_out,omitempty"`
	Entries     []LedgerEntry  `json:"entries"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// UnitHistory retrieves the events and ledger entries of a unit
// 個体の入出庫履歴を取得
func (tm *TrackingManager) UnitHistory(ctx context.Context, actor Actor, unitID int64) (*AuditTrail, error) {
	unit, err := tm.storage.GetUnit(ctx, unitID)
	if err != nil {
		if isNotFound(err, ErrUnitNotFound) {
			return nil, NewNotFoundError("unit", unitID, ErrUnitNotFound)
		}
		return nil, wrapStorage("get_unit", err)
	}
	if !actor.CanSee(unit.OwnerID) {
		return nil, NewNotFoundError("unit", unitID, ErrUnitNotFound)
	}

	stockIn, err := tm.storage.GetStockIn(ctx, unitID)
	if err != nil {
		return nil, wrapStorage("get_stock_in", err)
	}
	stockOut, err := tm.storage.GetStockOut(ctx, unitID)
	if err != nil {
		return nil, wrapStorage("get_stock_out", err)
	}
	entries, err := tm.storage.ListLedgerByUnit(ctx, unitID)
	if err != nil {
		return nil, wrapStorage("list_ledger_by_unit", err)
	}
	if entries == nil {
		entries = []LedgerEntry{}
	}

	return &AuditTrail{
		Unit:        *unit,
		StockIn:     stockIn,
		StockOut:    stockOut,
		Entries:     entries,
		GeneratedAt: tm.clock.Now(),
	}, nil
}

// ExpiringUnits lists in-stock units whose expiry date falls within the given
// duration from now. Units already past expiry are excluded; see ExpiredUnits.
// 指定期間内に期限切れになる在庫中の個体を取得
func (tm *TrackingManager) ExpiringUnits(ctx context.Context, actor Actor, within time.Duration) ([]Unit, error) {
	if within <= 0 {
		return nil, NewValidationError("within", ErrInvalidFilter, within.String())
	}

	now := tm.clock.Now()
	threshold := now.Add(within)
	units, err := tm.storage.ListUnits(ctx, UnitFilter{
		Status:        ptr(UnitStatusInStock),
		OwnerID:       actor.Owner(),
		ExpiresBefore: &threshold,
	})
	if err != nil {
		return nil, wrapStorage("list_units", err)
	}

	expiring := make([]Unit, 0, len(units))
	for _, u := range units {
		if u.ExpiryDate.After(now) {
			expiring = append(expiring, u)
		}
	}

	tm.logger.Debug("期限間近個体検索完了",
		zap.Duration("within", within),
		zap.Time("threshold", threshold),
		zap.Int("count", len(expiring)),
	)
	return expiring, nil
}

// ExpiredUnits lists in-stock units that can no longer be sold
// 既に期限切れの在庫中個体を取得
func (tm *TrackingManager) ExpiredUnits(ctx context.Context, actor Actor) ([]Unit, error) {
	now := tm.clock.Now()
	units, err := tm.storage.ListUnits(ctx, UnitFilter{
		Status:        ptr(UnitStatusInStock),
		OwnerID:       actor.Owner(),
		ExpiresBefore: &now,
	})
	if err != nil {
		return nil, wrapStorage("list_units", err)
	}

	expired := make([]Unit, 0, len(units))
	for _, u := range units {
		// 有効期限当日はまだ販売可能
		if u.ExpiryDate.Before(now) {
			expired = append(expired, u)
		}
	}
	return expired, nil
}
