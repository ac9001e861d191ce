package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
)

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"シリアル重複", &pq.Error{Code: pqUniqueViolation, Constraint: "units_product_serial_key"}, inventory.ErrDuplicateSerial},
		{"製品名重複", &pq.Error{Code: pqUniqueViolation, Constraint: "products_owner_name_key"}, inventory.ErrDuplicateProduct},
		{"二重入庫", &pq.Error{Code: pqUniqueViolation, Constraint: "stock_ins_unit_id_key"}, inventory.ErrAlreadyStocked},
		{"二重出庫", &pq.Error{Code: pqUniqueViolation, Constraint: "stock_outs_unit_id_key"}, inventory.ErrAlreadySold},
		{"製品なし", &pq.Error{Code: pqForeignKeyViolation, Constraint: "units_product_id_fkey"}, inventory.ErrProductNotFound},
		{"個体なし", &pq.Error{Code: pqForeignKeyViolation, Constraint: "stock_ins_unit_id_fkey"}, inventory.ErrUnitNotFound},
		{"ラップされたエラー", fmt.Errorf("insert: %w", &pq.Error{Code: pqUniqueViolation, Constraint: "stock_outs_unit_id_key"}), inventory.ErrAlreadySold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, translateError(tt.err), tt.want)
		})
	}

	// 未知の制約はそのまま
	other := &pq.Error{Code: pqUniqueViolation, Constraint: "something_else"}
	assert.Same(t, other, translateError(other))
	assert.NoError(t, translateError(nil))
}

func TestWhereClauseAndNamed(t *testing.T) {
	assert.Equal(t, "", whereClause(nil))

	productID := int64(3)
	status := inventory.UnitStatusInStock
	where, params := unitConditions(inventory.UnitFilter{ProductID: &productID, Status: &status})
	assert.Equal(t, " WHERE product_id = :product_id AND status = :status", where)

	query, args, err := named("SELECT COUNT(*) FROM units"+where, params)
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM units WHERE product_id = $1 AND status = $2", query)
	assert.Equal(t, []interface{}{productID, status}, args)
}

// newTestPostgres は SERIALSTOCK_TEST_DSN が設定されている場合のみ接続する
func newTestPostgres(t *testing.T) *PostgreSQLStorage {
	t.Helper()
	dsn := os.Getenv("SERIALSTOCK_TEST_DSN")
	if dsn == "" {
		t.Skip("SERIALSTOCK_TEST_DSN が未設定のためPostgreSQLテストをスキップします")
	}

	ctx := context.Background()
	s, err := NewPostgreSQLStorage(ctx, dsn, PoolConfig{MaxOpenConns: 10}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	schema, err := os.ReadFile("../../../migrations/0001_init.sql")
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, string(schema))
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `TRUNCATE ledger_entries, stock_outs, stock_ins, units, products RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return s
}

func TestPostgreSQLStorage_Lifecycle(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	manager := inventory.NewManager(s, nil, zap.NewNop(), &inventory.Config{LedgerPageSize: 1},
		inventory.WithClock(inventory.ClockFunc(func() time.Time { return now })))
	actor := inventory.Actor{ID: uuid.New(), Role: inventory.RoleUser}

	p, err := manager.CreateProduct(ctx, actor, inventory.NewProduct{
		Name:         "製品",
		UnitCost:     decimal.RequireFromString("100.50"),
		SellingPrice: decimal.RequireFromString("150"),
	})
	require.NoError(t, err)

	_, err = manager.CreateProduct(ctx, actor, inventory.NewProduct{
		Name:         "製品",
		UnitCost:     decimal.NewFromInt(1),
		SellingPrice: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, inventory.ErrDuplicateProduct)

	mfg := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	u, err := manager.CreateUnit(ctx, actor, "SN001", mfg, exp, p.ID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("PIID-%d-SN-SN001-PID-%d", u.ID, p.ID), u.IdentityToken)

	_, err = manager.CreateUnit(ctx, actor, "SN001", mfg, exp, p.ID)
	assert.ErrorIs(t, err, inventory.ErrDuplicateSerial)

	received := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err = manager.StockIn(ctx, actor, u.ID, received)
	require.NoError(t, err)
	_, err = manager.StockIn(ctx, actor, u.ID, received)
	assert.ErrorIs(t, err, inventory.ErrAlreadyStocked)

	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.AvailabilityAvailable, got.Availability)
	assert.True(t, decimal.RequireFromString("100.50").Equal(got.UnitCost))

	_, err = manager.StockOut(ctx, actor, u.ID, received.AddDate(0, 0, 3))
	require.NoError(t, err)

	seq, err := manager.QueryLedger(ctx, actor, inventory.LedgerFilter{})
	require.NoError(t, err)
	lines, err := inventory.CollectLedger(seq)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, inventory.EventKindStockOut, lines[0].Kind)
	assert.Equal(t, "SN001", lines[0].SerialNumber)
	assert.Equal(t, inventory.UnitStatusSold, lines[1].UnitStatus)

	err = manager.DeleteProduct(ctx, actor, p.ID)
	assert.ErrorIs(t, err, inventory.ErrHasUnits)
	err = manager.DeleteUnit(ctx, actor, u.ID)
	assert.ErrorIs(t, err, inventory.ErrHasEvents)

	got, err = s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.AvailabilityOutOfStock, got.Availability)
}

func TestPostgreSQLStorage_ConcurrentStockIn(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	manager := inventory.NewManager(s, nil, zap.NewNop(), nil,
		inventory.WithClock(inventory.ClockFunc(func() time.Time { return now })))
	actor := inventory.Actor{ID: uuid.New(), Role: inventory.RoleAdmin}

	p, err := manager.CreateProduct(ctx, actor, inventory.NewProduct{
		Name:         "製品",
		UnitCost:     decimal.NewFromInt(1),
		SellingPrice: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	u, err := manager.CreateUnit(ctx, actor, "SN001",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), p.ID)
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.StockIn(ctx, actor, u.ID, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			// 敗者は入庫済みか比較更新の競合のいずれか
			var ce *inventory.ConflictError
			assert.True(t, errors.As(err, &ce), err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	n, err := s.CountLedger(ctx, inventory.LedgerFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPostgreSQLStorage_DeleteUnitStatusGuard(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	p := &inventory.Product{Name: "製品", OwnerID: owner, UnitCost: decimal.NewFromInt(1), SellingPrice: decimal.NewFromInt(1),
		Availability: inventory.AvailabilityOutOfStock, CreatedAt: at, UpdatedAt: at}
	u := &inventory.Unit{SerialNumber: "SN001", Status: inventory.UnitStatusPendingStockIn, OwnerID: owner,
		ManufacturingDate: at.AddDate(0, -2, 0), ExpiryDate: at.AddDate(0, 3, 0), CreatedAt: at, UpdatedAt: at}
	err := s.RunInTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		if err := tx.CreateProduct(ctx, p); err != nil {
			return err
		}
		u.ProductID = p.ID
		return tx.CreateUnit(ctx, u)
	})
	require.NoError(t, err)

	err = s.RunInTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		if err := tx.UpdateUnitStatus(ctx, u.ID, inventory.UnitStatusPendingStockIn, inventory.UnitStatusDamaged, at); err != nil {
			return err
		}
		return tx.DeleteUnit(ctx, u.ID)
	})
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)

	err = s.RunInTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		return tx.DeleteUnit(ctx, u.ID+1000)
	})
	assert.ErrorIs(t, err, inventory.ErrUnitNotFound)

	err = s.RunInTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		return tx.DeleteUnit(ctx, u.ID)
	})
	assert.NoError(t, err)
}
