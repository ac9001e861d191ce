package inventory

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	transitionStockIn  = "stock_in"
	transitionStockOut = "stock_out"
	transitionOverride = "override"
)

// StockIn receives a pending unit into stock. The event, its ledger entry, the status
// change and the availability recompute commit together or not at all.
//
// Checks run in a fixed order so that a retried request that already succeeded
// reports ErrAlreadyStocked rather than a state error.
// 個体を入庫
func (m *Manager) StockIn(ctx context.Context, actor Actor, unitID int64, receivedDate time.Time) (event *StockInEvent, err error) {
	start := time.Now()
	ctx, span := m.startSpan(ctx, "StockIn", attribute.Int64("unit_id", unitID))
	defer func() {
		m.metrics.observeTransition(transitionStockIn, start, err)
		endSpan(span, err)
	}()

	box := &outbox{}
	err = m.storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		unit, err := loadVisibleUnit(ctx, tx, actor, unitID)
		if err != nil {
			return err
		}

		existing, err := tx.GetStockIn(ctx, unitID)
		if err != nil {
			return wrapStorage("get_stock_in", err)
		}
		if existing != nil {
			return NewConflictError("unit", ErrAlreadyStocked)
		}
		if unit.Status == UnitStatusInStock {
			return NewConflictError("unit", ErrAlreadyInStock)
		}
		if unit.Status != UnitStatusPendingStockIn {
			return NewStateError("unit", unit.Status, ErrInvalidTransition)
		}

		now := m.now()
		if err := ValidateReceivedDate(unit, receivedDate, now); err != nil {
			return err
		}

		event = &StockInEvent{
			UnitID:       unitID,
			ActorID:      actor.ID,
			ReceivedDate: receivedDate,
			CreatedAt:    now,
		}
		if _, err := tx.RecordStockIn(ctx, event, unit.ProductID); err != nil {
			return wrapStorage("record_stock_in", err)
		}
		if err := tx.UpdateUnitStatus(ctx, unitID, UnitStatusPendingStockIn, UnitStatusInStock, now); err != nil {
			return wrapStorage("update_unit_status", err)
		}
		if _, err := m.recomputeInTx(ctx, tx, unit.ProductID, box); err != nil {
			return err
		}

		box.transitions = append(box.transitions, UnitTransitionedEvent{
			UnitID:    unitID,
			ProductID: unit.ProductID,
			From:      UnitStatusPendingStockIn,
			To:        UnitStatusInStock,
			Kind:      transitionStockIn,
			ActorID:   actor.ID,
			Timestamp: now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.flush(ctx, box)

	m.logger.Info("入庫完了",
		zap.Int64("unit_id", unitID),
		zap.Int64("stock_in_id", event.ID),
		zap.Time("received_date", receivedDate),
		zap.String("actor_id", actor.ID.String()),
	)
	return event, nil
}

// StockOut sells an in-stock unit. Same atomicity as StockIn.
// 個体を出庫（販売）
func (m *Manager) StockOut(ctx context.Context, actor Actor, unitID int64, soldDate time.Time) (event *StockOutEvent, err error) {
	start := time.Now()
	ctx, span := m.startSpan(ctx, "StockOut", attribute.Int64("unit_id", unitID))
	defer func() {
		m.metrics.observeTransition(transitionStockOut, start, err)
		endSpan(span, err)
	}()

	box := &outbox{}
	err = m.storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		unit, err := loadVisibleUnit(ctx, tx, actor, unitID)
		if err != nil {
			return err
		}

		existing, err := tx.GetStockOut(ctx, unitID)
		if err != nil {
			return wrapStorage("get_stock_out", err)
		}
		if existing != nil {
			return NewConflictError("unit", ErrAlreadySold)
		}
		stockIn, err := tx.GetStockIn(ctx, unitID)
		if err != nil {
			return wrapStorage("get_stock_in", err)
		}
		if stockIn == nil {
			return NewStateError("unit", unit.Status, ErrNotYetStockedIn)
		}
		if unit.Status != UnitStatusInStock {
			return NewStateError("unit", unit.Status, ErrNotInStock)
		}

		now := m.now()
		if err := ValidateSoldDate(unit, stockIn, soldDate, now); err != nil {
			return err
		}

		event = &StockOutEvent{
			UnitID:    unitID,
			ActorID:   actor.ID,
			SoldDate:  soldDate,
			CreatedAt: now,
		}
		if _, err := tx.RecordStockOut(ctx, event, unit.ProductID); err != nil {
			return wrapStorage("record_stock_out", err)
		}
		if err := tx.UpdateUnitStatus(ctx, unitID, UnitStatusInStock, UnitStatusSold, now); err != nil {
			return wrapStorage("update_unit_status", err)
		}
		if _, err := m.recomputeInTx(ctx, tx, unit.ProductID, box); err != nil {
			return err
		}

		box.transitions = append(box.transitions, UnitTransitionedEvent{
			UnitID:    unitID,
			ProductID: unit.ProductID,
			From:      UnitStatusInStock,
			To:        UnitStatusSold,
			Kind:      transitionStockOut,
			ActorID:   actor.ID,
			Timestamp: now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.flush(ctx, box)

	m.logger.Info("出庫完了",
		zap.Int64("unit_id", unitID),
		zap.Int64("stock_out_id", event.ID),
		zap.Time("sold_date", soldDate),
		zap.String("actor_id", actor.ID.String()),
	)
	return event, nil
}

// OverrideStatus moves a unit into or out of a side state (Damaged, Reserved, Lost,
// Repaired). Only admins may do it. A unit leaving a side state can only return to
// the status its stock events imply. No ledger entry is written.
// 管理者による個体ステータスの上書き
func (m *Manager) OverrideStatus(ctx context.Context, actor Actor, unitID int64, target UnitStatus, reason string) (unit *Unit, err error) {
	start := time.Now()
	ctx, span := m.startSpan(ctx, "OverrideStatus",
		attribute.Int64("unit_id", unitID),
		attribute.String("target", string(target)),
	)
	defer func() {
		m.metrics.observeTransition(transitionOverride, start, err)
		endSpan(span, err)
	}()

	if !actor.IsAdmin() {
		return nil, NewPermissionError("override_status")
	}
	if !target.Valid() {
		return nil, NewValidationError("status", ErrInvalidStatus, string(target))
	}

	var from UnitStatus
	box := &outbox{}
	err = m.storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := loadVisibleUnit(ctx, tx, actor, unitID)
		if err != nil {
			return err
		}
		from = current.Status
		unit = current

		if current.Status == UnitStatusSold {
			return NewStateError("unit", current.Status, ErrInvalidTransition)
		}
		if current.Status == target {
			return nil
		}

		derived, err := derivedStatus(ctx, tx, unitID)
		if err != nil {
			return err
		}
		if !target.IsSideState() && target != derived {
			return NewStateError("unit", current.Status, ErrInvalidTransition)
		}

		now := m.now()
		if err := tx.UpdateUnitStatus(ctx, unitID, current.Status, target, now); err != nil {
			return wrapStorage("update_unit_status", err)
		}
		if _, err := m.recomputeInTx(ctx, tx, current.ProductID, box); err != nil {
			return err
		}
		unit.Status = target
		unit.UpdatedAt = now

		box.transitions = append(box.transitions, UnitTransitionedEvent{
			UnitID:    unitID,
			ProductID: current.ProductID,
			From:      from,
			To:        target,
			Kind:      transitionOverride,
			ActorID:   actor.ID,
			Timestamp: now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.flush(ctx, box)

	if from != target {
		m.logger.Info("個体ステータスを上書きしました",
			zap.Int64("unit_id", unitID),
			zap.String("from", string(from)),
			zap.String("to", string(target)),
			zap.String("reason", reason),
			zap.String("actor_id", actor.ID.String()),
		)
	}
	return unit, nil
}

// derivedStatus is the lifecycle status implied by the unit's stock events alone
func derivedStatus(ctx context.Context, tx Tx, unitID int64) (UnitStatus, error) {
	stockOut, err := tx.GetStockOut(ctx, unitID)
	if err != nil {
		return "", wrapStorage("get_stock_out", err)
	}
	if stockOut != nil {
		return UnitStatusSold, nil
	}
	stockIn, err := tx.GetStockIn(ctx, unitID)
	if err != nil {
		return "", wrapStorage("get_stock_in", err)
	}
	if stockIn != nil {
		return UnitStatusInStock, nil
	}
	return UnitStatusPendingStockIn, nil
}
