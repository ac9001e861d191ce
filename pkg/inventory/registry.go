package inventory

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CreateProduct registers a product owned by the actor. New products start OutOfStock.
// 製品を登録
func (m *Manager) CreateProduct(ctx context.Context, actor Actor, input NewProduct) (*Product, error) {
	if err := ValidateNewProduct(input); err != nil {
		return nil, err
	}

	now := m.now()
	product := &Product{
		Name:         strings.TrimSpace(input.Name),
		Description:  input.Description,
		UnitCost:     input.UnitCost,
		SellingPrice: input.SellingPrice,
		CategoryID:   input.CategoryID,
		OwnerID:      actor.ID,
		Availability: AvailabilityOutOfStock,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := m.storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return wrapStorage("create_product", tx.CreateProduct(ctx, product))
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("製品登録完了",
		zap.Int64("product_id", product.ID),
		zap.String("name", product.Name),
	)
	return product, nil
}

// GetProduct retrieves a product visible to the actor
// 製品を取得
func (m *Manager) GetProduct(ctx context.Context, actor Actor, productID int64) (*Product, error) {
	product, err := m.storage.GetProduct(ctx, productID)
	if err != nil {
		if isNotFound(err, ErrProductNotFound) {
			return nil, NewNotFoundError("product", productID, ErrProductNotFound)
		}
		return nil, wrapStorage("get_product", err)
	}
	if !actor.CanSee(product.OwnerID) {
		return nil, NewNotFoundError("product", productID, ErrProductNotFound)
	}
	return product, nil
}

// ListProducts lists the actor's products with their in-stock counts
// 製品一覧（在庫数付き）
func (m *Manager) ListProducts(ctx context.Context, actor Actor) ([]ProductStock, error) {
	products, err := m.storage.ListProducts(ctx, ProductFilter{OwnerID: actor.Owner()})
	if err != nil {
		return nil, wrapStorage("list_products", err)
	}
	return products, nil
}

// DeleteProduct removes a product that owns no units
// 製品を削除（個体が存在する場合は不可）
func (m *Manager) DeleteProduct(ctx context.Context, actor Actor, productID int64) error {
	err := m.storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := loadVisibleProduct(ctx, tx, actor, productID); err != nil {
			return err
		}
		units, err := tx.CountUnits(ctx, UnitFilter{ProductID: ptr(productID)})
		if err != nil {
			return wrapStorage("count_units", err)
		}
		if units > 0 {
			return NewStateError("product", "", ErrHasUnits)
		}
		return wrapStorage("delete_product", tx.DeleteProduct(ctx, productID))
	})
	if err != nil {
		return err
	}

	m.logger.Info("製品削除完了", zap.Int64("product_id", productID))
	return nil
}

// DiscontinueProduct marks a product Discontinued. Recomputation never leaves that state.
// 製品を取扱終了にする
func (m *Manager) DiscontinueProduct(ctx context.Context, actor Actor, productID int64) (*Product, error) {
	var product *Product
	box := &outbox{}
	err := m.storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := loadVisibleProduct(ctx, tx, actor, productID)
		if err != nil {
			return err
		}
		product = current
		if current.Availability == AvailabilityDiscontinued {
			return nil
		}

		now := m.now()
		if err := tx.SetProductAvailability(ctx, productID, AvailabilityDiscontinued, now); err != nil {
			return wrapStorage("set_product_availability", err)
		}
		inStock, err := tx.CountUnits(ctx, UnitFilter{ProductID: ptr(productID), Status: ptr(UnitStatusInStock)})
		if err != nil {
			return wrapStorage("count_units", err)
		}
		box.availability = append(box.availability, AvailabilityChangedEvent{
			ProductID:       productID,
			OldAvailability: current.Availability,
			NewAvailability: AvailabilityDiscontinued,
			InStock:         inStock,
			Timestamp:       now,
		})
		product.Availability = AvailabilityDiscontinued
		product.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.flush(ctx, box)
	m.logger.Info("製品を取扱終了にしました", zap.Int64("product_id", productID))
	return product, nil
}

// CreateUnit registers a new unit in PendingStockIn and assigns its identity token in
// the same transaction
// 個体を登録
func (m *Manager) CreateUnit(ctx context.Context, actor Actor, serial string, mfgDate, expDate time.Time, productID int64) (unit *Unit, err error) {
	ctx, span := m.startSpan(ctx, "CreateUnit", attribute.Int64("product_id", productID))
	defer func() { endSpan(span, err) }()

	if err := ValidateSerialNumber(serial); err != nil {
		return nil, err
	}

	box := &outbox{}
	err = m.storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		product, err := loadVisibleProduct(ctx, tx, actor, productID)
		if err != nil {
			return err
		}

		now := m.now()
		if err := ValidateUnitDates(mfgDate, expDate, now); err != nil {
			return err
		}

		unit = &Unit{
			SerialNumber:      serial,
			ManufacturingDate: mfgDate,
			ExpiryDate:        expDate,
			Status:            UnitStatusPendingStockIn,
			ProductID:         productID,
			OwnerID:           actor.ID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.CreateUnit(ctx, unit); err != nil {
			return wrapStorage("create_unit", err)
		}

		token, err := EncodeToken(unit.ID, serial, productID)
		if err != nil {
			return err
		}
		if err := tx.SetUnitToken(ctx, unit.ID, token); err != nil {
			return wrapStorage("set_unit_token", err)
		}
		unit.IdentityToken = token

		_, err = m.recomputeLocked(ctx, tx, product, box)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.flush(ctx, box)

	m.logger.Info("個体登録完了",
		zap.Int64("unit_id", unit.ID),
		zap.String("serial_number", serial),
		zap.Int64("product_id", productID),
	)
	return unit, nil
}

// GetUnit retrieves a unit visible to the actor
// 個体を取得
func (m *Manager) GetUnit(ctx context.Context, actor Actor, unitID int64) (*Unit, error) {
	unit, err := m.storage.GetUnit(ctx, unitID)
	if err != nil {
		if isNotFound(err, ErrUnitNotFound) {
			return nil, NewNotFoundError("unit", unitID, ErrUnitNotFound)
		}
		return nil, wrapStorage("get_unit", err)
	}
	if !actor.CanSee(unit.OwnerID) {
		return nil, NewNotFoundError("unit", unitID, ErrUnitNotFound)
	}
	return unit, nil
}

// ListUnits lists units matching filter. Regular users only ever see their own units.
// 個体一覧
func (m *Manager) ListUnits(ctx context.Context, actor Actor, filter UnitFilter) ([]Unit, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, NewValidationError("status", ErrInvalidStatus, string(*filter.Status))
	}
	if owner := actor.Owner(); owner != nil {
		filter.OwnerID = owner
	}
	units, err := m.storage.ListUnits(ctx, filter)
	if err != nil {
		return nil, wrapStorage("list_units", err)
	}
	return units, nil
}

// FindUnitByToken resolves a scanned identity token. The decoded serial and product
// must still match the stored unit.
// 識別トークンから個体を検索（スキャン）
func (m *Manager) FindUnitByToken(ctx context.Context, actor Actor, token string) (*Unit, error) {
	parts, err := DecodeToken(token)
	if err != nil {
		return nil, err
	}
	unit, err := m.GetUnit(ctx, actor, parts.UnitID)
	if err != nil {
		return nil, err
	}
	if unit.SerialNumber != parts.SerialNumber || unit.ProductID != parts.ProductID {
		return nil, NewNotFoundError("unit", parts.UnitID, ErrUnitNotFound)
	}
	return unit, nil
}

// DeleteUnit removes a unit that has never been stocked in
// 個体を削除（入出庫記録がある場合は不可）
func (m *Manager) DeleteUnit(ctx context.Context, actor Actor, unitID int64) error {
	box := &outbox{}
	err := m.storage.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		unit, err := loadVisibleUnit(ctx, tx, actor, unitID)
		if err != nil {
			return err
		}

		stockIn, err := tx.GetStockIn(ctx, unitID)
		if err != nil {
			return wrapStorage("get_stock_in", err)
		}
		stockOut, err := tx.GetStockOut(ctx, unitID)
		if err != nil {
			return wrapStorage("get_stock_out", err)
		}
		if stockIn != nil || stockOut != nil {
			return NewStateError("unit", unit.Status, ErrHasEvents)
		}
		if unit.Status != UnitStatusPendingStockIn {
			return NewStateError("unit", unit.Status, ErrInvalidTransition)
		}

		if err := tx.DeleteUnit(ctx, unitID); err != nil {
			return wrapStorage("delete_unit", err)
		}
		_, err = m.recomputeInTx(ctx, tx, unit.ProductID, box)
		return err
	})
	if err != nil {
		return err
	}

	m.flush(ctx, box)
	m.logger.Info("個体削除完了", zap.Int64("unit_id", unitID))
	return nil
}
