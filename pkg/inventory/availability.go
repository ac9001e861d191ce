package inventory

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RecomputeAvailability derives a product's availability from its in-stock units and
// stores it. Discontinued products are left untouched. Calling it twice in a row
// changes nothing the second time.
// 製品の在庫可用性を再計算
func (m *Manager) RecomputeAvailability(ctx context.Context, actor Actor, productID int64) (result Availability, err error) {
	ctx, span := m.startSpan(ctx, "RecomputeAvailability", attribute.Int64("product_id", productID))
	defer func() { endSpan(span, err) }()

	box := &outbox{}
	err = m.storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		product, err := loadVisibleProduct(ctx, tx, actor, productID)
		if err != nil {
			return err
		}
		result, err = m.recomputeLocked(ctx, tx, product, box)
		return err
	})
	if err != nil {
		return "", err
	}

	m.flush(ctx, box)
	return result, nil
}

// recomputeInTx locks the product and recomputes it inside an open transaction.
// Every status change calls it before committing.
func (m *Manager) recomputeInTx(ctx context.Context, tx Tx, productID int64, box *outbox) (Availability, error) {
	product, err := tx.LockProduct(ctx, productID)
	if err != nil {
		return "", wrapStorage("lock_product", err)
	}
	return m.recomputeLocked(ctx, tx, product, box)
}

func (m *Manager) recomputeLocked(ctx context.Context, tx Tx, product *Product, box *outbox) (Availability, error) {
	// 取扱終了は終端状態
	if product.Availability == AvailabilityDiscontinued {
		m.metrics.observeRecompute("discontinued")
		return AvailabilityDiscontinued, nil
	}

	inStock, err := tx.CountUnits(ctx, UnitFilter{
		ProductID: ptr(product.ID),
		Status:    ptr(UnitStatusInStock),
	})
	if err != nil {
		return "", wrapStorage("count_units", err)
	}

	next := AvailabilityOutOfStock
	if inStock > 0 {
		next = AvailabilityAvailable
	}
	if next == product.Availability {
		m.metrics.observeRecompute("unchanged")
		return next, nil
	}

	now := m.now()
	if err := tx.SetProductAvailability(ctx, product.ID, next, now); err != nil {
		return "", wrapStorage("set_product_availability", err)
	}
	m.metrics.observeRecompute("changed")

	box.availability = append(box.availability, AvailabilityChangedEvent{
		ProductID:       product.ID,
		OldAvailability: product.Availability,
		NewAvailability: next,
		InStock:         inStock,
		Timestamp:       now,
	})

	m.logger.Debug("在庫可用性を更新しました",
		zap.Int64("product_id", product.ID),
		zap.String("old", string(product.Availability)),
		zap.String("new", string(next)),
		zap.Int64("in_stock", inStock),
	)
	return next, nil
}
