package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
	"github.com/nemonet1337/zaiSerialStock/pkg/inventory/storage"
)

func TestCalculateChecksum(t *testing.T) {
	// SHA-256 of the empty input
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", calculateChecksum(nil))

	a := calculateChecksum([]byte("CREATE TABLE a ();"))
	b := calculateChecksum([]byte("CREATE TABLE b ();"))
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestRecomputeAvailability(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStorage()
	manager := inventory.NewManager(store, nil, zap.NewNop(), nil,
		inventory.WithClock(inventory.ClockFunc(func() time.Time { return now })))

	// 製品がなくても成功する
	require.NoError(t, recomputeAvailability(ctx, manager, zap.NewNop()))

	// 別々のユーザーの製品もすべて対象になる
	var products []*inventory.Product
	for i := 0; i < 2; i++ {
		actor := inventory.Actor{ID: uuid.New(), Role: inventory.RoleUser}
		p, err := manager.CreateProduct(ctx, actor, inventory.NewProduct{
			Name:         "製品",
			UnitCost:     decimal.NewFromInt(100),
			SellingPrice: decimal.NewFromInt(150),
		})
		require.NoError(t, err)
		u, err := manager.CreateUnit(ctx, actor, "SN001",
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), p.ID)
		require.NoError(t, err)
		_, err = manager.StockIn(ctx, actor, u.ID, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		products = append(products, p)
	}

	// 保存済みの可用性を実態とずらす
	err := store.RunInTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		for _, p := range products {
			if err := tx.SetProductAvailability(ctx, p.ID, inventory.AvailabilityOutOfStock, now); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, recomputeAvailability(ctx, manager, zap.NewNop()))

	for _, p := range products {
		got, err := store.GetProduct(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, inventory.AvailabilityAvailable, got.Availability)
	}
}
