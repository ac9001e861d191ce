package inventory_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
)

func TestValuation_Calculate(t *testing.T) {
	f := newFixture(t, nil)
	engine := inventory.NewValuationEngine(f.store, nil, 5)

	p1 := f.product(t, f.user, "P1")
	a := f.stocked(t, f.user, p1.ID, "A", date(2024, 2, 1))
	f.stocked(t, f.user, p1.ID, "B", date(2024, 2, 1))
	f.stocked(t, f.user, p1.ID, "C", date(2024, 2, 1))
	_, err := f.manager.StockOut(f.ctx, f.user, a.ID, date(2024, 2, 2))
	require.NoError(t, err)

	p2 := f.product(t, f.user, "P2")
	d := f.stocked(t, f.user, p2.ID, "D", date(2024, 2, 1))
	e := f.stocked(t, f.user, p2.ID, "E", date(2024, 2, 1))
	for _, u := range []*inventory.Unit{d, e} {
		_, err := f.manager.StockOut(f.ctx, f.user, u.ID, date(2024, 2, 3))
		require.NoError(t, err)
	}

	p3 := f.product(t, f.user, "P3")
	_, err = f.manager.DiscontinueProduct(f.ctx, f.user, p3.ID)
	require.NoError(t, err)

	v, err := engine.Calculate(f.ctx, f.user)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v.TotalInStock)
	assert.True(t, decimal.NewFromInt(2000).Equal(v.InventoryValue), v.InventoryValue.String())
	assert.True(t, decimal.NewFromInt(4500).Equal(v.TotalSalesValue), v.TotalSalesValue.String())
	// 取扱終了の製品は低在庫に数えない
	assert.Equal(t, 2, v.LowStockCount)
	require.NotNil(t, v.HotProduct)
	assert.Equal(t, p2.ID, v.HotProduct.ProductID)
	assert.EqualValues(t, 2, v.HotProduct.UnitsSold)
}

func TestValuation_HotProductTieGoesToLowestID(t *testing.T) {
	f := newFixture(t, nil)
	engine := inventory.NewValuationEngine(f.store, nil, 1)

	p1 := f.product(t, f.user, "P1")
	p2 := f.product(t, f.user, "P2")
	for _, p := range []*inventory.Product{p2, p1} {
		u := f.stocked(t, f.user, p.ID, "X", date(2024, 2, 1))
		_, err := f.manager.StockOut(f.ctx, f.user, u.ID, date(2024, 2, 2))
		require.NoError(t, err)
	}

	v, err := engine.Calculate(f.ctx, f.user)
	require.NoError(t, err)
	require.NotNil(t, v.HotProduct)
	assert.Equal(t, p1.ID, v.HotProduct.ProductID)
}

func TestValuation_Empty(t *testing.T) {
	f := newFixture(t, nil)
	engine := inventory.NewValuationEngine(f.store, nil, 5)
	f.product(t, f.user, "P1")

	v, err := engine.Calculate(f.ctx, f.other)
	require.NoError(t, err)
	assert.Zero(t, v.TotalInStock)
	assert.True(t, v.InventoryValue.IsZero())
	assert.Nil(t, v.HotProduct)
	assert.Zero(t, v.LowStockCount)
}
