package inventory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
	"github.com/nemonet1337/zaiSerialStock/pkg/inventory/storage"
)

// テスト共通の現在時刻
var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// fixture はメモリストレージ上のマネージャー一式
type fixture struct {
	ctx      context.Context
	store    *storage.MemoryStorage
	manager  *inventory.Manager
	tracking *inventory.TrackingManager
	admin    inventory.Actor
	user     inventory.Actor
	other    inventory.Actor
}

func newFixture(t *testing.T, config *inventory.Config) *fixture {
	t.Helper()

	store := storage.NewMemoryStorage()
	clock := inventory.ClockFunc(func() time.Time { return testNow })
	return &fixture{
		ctx:      context.Background(),
		store:    store,
		manager:  inventory.NewManager(store, nil, zap.NewNop(), config, inventory.WithClock(clock)),
		tracking: inventory.NewTrackingManager(store, zap.NewNop(), clock),
		admin:    inventory.Actor{ID: uuid.New(), Role: inventory.RoleAdmin},
		user:     inventory.Actor{ID: uuid.New(), Role: inventory.RoleUser},
		other:    inventory.Actor{ID: uuid.New(), Role: inventory.RoleUser},
	}
}

func (f *fixture) product(t *testing.T, actor inventory.Actor, name string) *inventory.Product {
	t.Helper()
	p, err := f.manager.CreateProduct(f.ctx, actor, inventory.NewProduct{
		Name:         name,
		UnitCost:     decimal.NewFromInt(1000),
		SellingPrice: decimal.NewFromInt(1500),
	})
	require.NoError(t, err)
	return p
}

// unit は 2024-01-01 製造、2024-06-01 期限の個体を登録
func (f *fixture) unit(t *testing.T, actor inventory.Actor, productID int64, serial string) *inventory.Unit {
	t.Helper()
	u, err := f.manager.CreateUnit(f.ctx, actor, serial, date(2024, 1, 1), date(2024, 6, 1), productID)
	require.NoError(t, err)
	return u
}

// stocked は個体を登録して入庫済みにする
func (f *fixture) stocked(t *testing.T, actor inventory.Actor, productID int64, serial string, received time.Time) *inventory.Unit {
	t.Helper()
	u := f.unit(t, actor, productID, serial)
	_, err := f.manager.StockIn(f.ctx, actor, u.ID, received)
	require.NoError(t, err)
	return u
}

func (f *fixture) status(t *testing.T, unitID int64) inventory.UnitStatus {
	t.Helper()
	u, err := f.store.GetUnit(f.ctx, unitID)
	require.NoError(t, err)
	return u.Status
}

func (f *fixture) availability(t *testing.T, productID int64) inventory.Availability {
	t.Helper()
	p, err := f.store.GetProduct(f.ctx, productID)
	require.NoError(t, err)
	return p.Availability
}

func (f *fixture) ledger(t *testing.T, actor inventory.Actor, filter inventory.LedgerFilter) []inventory.LedgerLine {
	t.Helper()
	seq, err := f.manager.QueryLedger(f.ctx, actor, filter)
	require.NoError(t, err)
	lines, err := inventory.CollectLedger(seq)
	require.NoError(t, err)
	return lines
}
