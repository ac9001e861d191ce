package inventory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
	"github.com/nemonet1337/zaiSerialStock/pkg/inventory/storage"
)

func TestStockIn_ThenRepeatIsAlreadyStocked(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "ノートPC")
	u := f.unit(t, f.user, p.ID, "SN001")

	event, err := f.manager.StockIn(f.ctx, f.user, u.ID, date(2024, 2, 1))
	require.NoError(t, err)
	assert.NotZero(t, event.ID)
	assert.Equal(t, f.user.ID, event.ActorID)
	assert.Equal(t, inventory.UnitStatusInStock, f.status(t, u.ID))
	assert.Equal(t, inventory.AvailabilityAvailable, f.availability(t, p.ID))

	_, err = f.manager.StockIn(f.ctx, f.user, u.ID, date(2024, 2, 1))
	var ce *inventory.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, inventory.ErrAlreadyStocked)
	assert.True(t, inventory.IsAlreadyApplied(err))

	// 失敗した入庫は台帳に何も残さない
	assert.Len(t, f.ledger(t, f.user, inventory.LedgerFilter{}), 1)
}

func TestStockIn_DateValidation(t *testing.T) {
	tests := []struct {
		name     string
		received time.Time
		want     error
	}{
		{"製造日より前", date(2023, 12, 31), inventory.ErrReceivedOutOfRange},
		{"有効期限より後", date(2024, 6, 2), inventory.ErrReceivedOutOfRange},
		{"未来日", date(2024, 3, 5), inventory.ErrFutureDate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			p := f.product(t, f.user, "製品")
			u := f.unit(t, f.user, p.ID, "SN001")

			_, err := f.manager.StockIn(f.ctx, f.user, u.ID, tt.received)
			var ve *inventory.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, inventory.UnitStatusPendingStockIn, f.status(t, u.ID))
			assert.Empty(t, f.ledger(t, f.user, inventory.LedgerFilter{}))
		})
	}
}

func TestStockIn_BoundaryDatesAccepted(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")

	onMfg := f.unit(t, f.user, p.ID, "SN001")
	_, err := f.manager.StockIn(f.ctx, f.user, onMfg.ID, date(2024, 1, 1))
	assert.NoError(t, err)

	// 現在時刻ちょうどは未来日ではない
	now := f.unit(t, f.user, p.ID, "SN002")
	_, err = f.manager.StockIn(f.ctx, f.user, now.ID, testNow)
	assert.NoError(t, err)
}

func TestStockOut_AfterExpiry(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.stocked(t, f.user, p.ID, "SN001", date(2024, 2, 1))

	_, err := f.manager.StockOut(f.ctx, f.user, u.ID, date(2024, 7, 1))
	var ve *inventory.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.ErrorIs(t, err, inventory.ErrSoldAfterExpiry)
	assert.Equal(t, inventory.UnitStatusInStock, f.status(t, u.ID))
}

func TestStockOut_DateValidation(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.stocked(t, f.user, p.ID, "SN001", date(2024, 2, 1))

	_, err := f.manager.StockOut(f.ctx, f.user, u.ID, date(2024, 1, 31))
	assert.ErrorIs(t, err, inventory.ErrSoldBeforeReceived)

	_, err = f.manager.StockOut(f.ctx, f.user, u.ID, date(2024, 3, 2))
	assert.ErrorIs(t, err, inventory.ErrFutureDate)

	// 入庫日当日の販売は可
	_, err = f.manager.StockOut(f.ctx, f.user, u.ID, date(2024, 2, 1))
	assert.NoError(t, err)
}

func TestStockOut_NotYetStockedIn(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.unit(t, f.user, p.ID, "SN001")

	_, err := f.manager.StockOut(f.ctx, f.user, u.ID, date(2024, 2, 1))
	var se *inventory.StateError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, inventory.ErrNotYetStockedIn)
	assert.Equal(t, inventory.UnitStatusPendingStockIn, se.Status)
}

func TestStockOut_ThenRepeatIsAlreadySold(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.stocked(t, f.user, p.ID, "SN001", date(2024, 2, 1))

	event, err := f.manager.StockOut(f.ctx, f.user, u.ID, date(2024, 2, 15))
	require.NoError(t, err)
	assert.Equal(t, date(2024, 2, 15), event.SoldDate)
	assert.Equal(t, inventory.UnitStatusSold, f.status(t, u.ID))

	_, err = f.manager.StockOut(f.ctx, f.user, u.ID, date(2024, 2, 15))
	assert.ErrorIs(t, err, inventory.ErrAlreadySold)
	assert.True(t, inventory.IsAlreadyApplied(err))

	// 販売済み個体の再入庫は入庫済みとして扱う
	_, err = f.manager.StockIn(f.ctx, f.user, u.ID, date(2024, 2, 1))
	assert.ErrorIs(t, err, inventory.ErrAlreadyStocked)

	assert.Len(t, f.ledger(t, f.user, inventory.LedgerFilter{}), 2)
}

func TestStockOut_AvailabilityFollowsInStockCount(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	a := f.stocked(t, f.user, p.ID, "A", date(2024, 2, 1))
	b := f.stocked(t, f.user, p.ID, "B", date(2024, 2, 1))
	c := f.stocked(t, f.user, p.ID, "C", date(2024, 2, 1))
	_, err := f.manager.StockOut(f.ctx, f.user, c.ID, date(2024, 2, 10))
	require.NoError(t, err)

	_, err = f.manager.StockOut(f.ctx, f.user, a.ID, date(2024, 2, 11))
	require.NoError(t, err)
	assert.Equal(t, inventory.AvailabilityAvailable, f.availability(t, p.ID))

	_, err = f.manager.StockOut(f.ctx, f.user, b.ID, date(2024, 2, 12))
	require.NoError(t, err)
	assert.Equal(t, inventory.AvailabilityOutOfStock, f.availability(t, p.ID))
}

func TestTransitions_DiscontinuedProductStaysDiscontinued(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.unit(t, f.user, p.ID, "SN001")

	_, err := f.manager.DiscontinueProduct(f.ctx, f.user, p.ID)
	require.NoError(t, err)

	_, err = f.manager.StockIn(f.ctx, f.user, u.ID, date(2024, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, inventory.UnitStatusInStock, f.status(t, u.ID))
	assert.Equal(t, inventory.AvailabilityDiscontinued, f.availability(t, p.ID))

	_, err = f.manager.StockOut(f.ctx, f.user, u.ID, date(2024, 2, 2))
	require.NoError(t, err)
	assert.Len(t, f.ledger(t, f.user, inventory.LedgerFilter{}), 2)

	availability, err := f.manager.RecomputeAvailability(f.ctx, f.user, p.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.AvailabilityDiscontinued, availability)
}

func TestTransitions_HiddenFromOtherUsers(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.unit(t, f.user, p.ID, "SN001")

	_, err := f.manager.StockIn(f.ctx, f.other, u.ID, date(2024, 2, 1))
	var ne *inventory.NotFoundError
	require.ErrorAs(t, err, &ne)
	assert.ErrorIs(t, err, inventory.ErrUnitNotFound)

	// 管理者は全個体を操作できる
	_, err = f.manager.StockIn(f.ctx, f.admin, u.ID, date(2024, 2, 1))
	assert.NoError(t, err)
}

func TestStockIn_UnknownUnit(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.manager.StockIn(f.ctx, f.admin, 999, date(2024, 2, 1))
	assert.ErrorIs(t, err, inventory.ErrUnitNotFound)
}

func TestStockIn_ConcurrentRequestsStockOnce(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.unit(t, f.user, p.ID, "SN001")

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.StockIn(f.ctx, f.user, u.ID, date(2024, 2, 1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, inventory.ErrAlreadyStocked):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, conflicts)
	assert.Len(t, f.ledger(t, f.user, inventory.LedgerFilter{}), 1)
}

func TestStockIn_ConcurrentSiblingsAllCounted(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")

	units := make([]*inventory.Unit, 5)
	for i := range units {
		units[i] = f.unit(t, f.user, p.ID, "SN"+string(rune('A'+i)))
	}

	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := f.manager.StockIn(f.ctx, f.user, id, date(2024, 2, 1))
			assert.NoError(t, err)
		}(u.ID)
	}
	wg.Wait()

	products, err := f.manager.ListProducts(f.ctx, f.user)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.EqualValues(t, 5, products[0].QuantityInStock)
	assert.Equal(t, inventory.AvailabilityAvailable, f.availability(t, p.ID))
}

// failingStorage は可用性の書き込みで失敗するストレージ
type failingStorage struct {
	*storage.MemoryStorage
}

func (s failingStorage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) error {
	return s.MemoryStorage.RunInTx(ctx, func(ctx context.Context, tx inventory.Tx) error {
		return fn(ctx, failingTx{Tx: tx})
	})
}

type failingTx struct {
	inventory.Tx
}

func (failingTx) SetProductAvailability(ctx context.Context, productID int64, availability inventory.Availability, at time.Time) error {
	return errors.New("connection reset by peer")
}

func TestStockIn_StorageFailureLeavesNoPartialState(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.unit(t, f.user, p.ID, "SN001")

	manager := inventory.NewManager(failingStorage{f.store}, nil, nil, nil,
		inventory.WithClock(inventory.ClockFunc(func() time.Time { return testNow })))

	_, err := manager.StockIn(f.ctx, f.user, u.ID, date(2024, 2, 1))
	var ste *inventory.StorageError
	require.ErrorAs(t, err, &ste)

	assert.Equal(t, inventory.UnitStatusPendingStockIn, f.status(t, u.ID))
	stockIn, err := f.store.GetStockIn(f.ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, stockIn)
	assert.Empty(t, f.ledger(t, f.user, inventory.LedgerFilter{}))
	assert.Equal(t, inventory.AvailabilityOutOfStock, f.availability(t, p.ID))

	// 正常なストレージでは再試行が成功する
	_, err = f.manager.StockIn(f.ctx, f.user, u.ID, date(2024, 2, 1))
	assert.NoError(t, err)
}

func TestOverrideStatus_RequiresAdmin(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.unit(t, f.user, p.ID, "SN001")

	_, err := f.manager.OverrideStatus(f.ctx, f.user, u.ID, inventory.UnitStatusDamaged, "落下")
	var pe *inventory.PermissionError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, inventory.ErrForbidden)

	_, err = f.manager.OverrideStatus(f.ctx, f.admin, u.ID, inventory.UnitStatus("Bogus"), "")
	assert.ErrorIs(t, err, inventory.ErrInvalidStatus)
}

func TestOverrideStatus_SideStatesReturnToDerivedStatus(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.stocked(t, f.user, p.ID, "SN001", date(2024, 2, 1))
	require.Equal(t, inventory.AvailabilityAvailable, f.availability(t, p.ID))

	unit, err := f.manager.OverrideStatus(f.ctx, f.admin, u.ID, inventory.UnitStatusReserved, "取置")
	require.NoError(t, err)
	assert.Equal(t, inventory.UnitStatusReserved, unit.Status)
	assert.Equal(t, inventory.AvailabilityOutOfStock, f.availability(t, p.ID))

	// 入庫済み個体は入庫待ちに戻せない
	_, err = f.manager.OverrideStatus(f.ctx, f.admin, u.ID, inventory.UnitStatusPendingStockIn, "")
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)

	// 予約中は出庫できない
	_, err = f.manager.StockOut(f.ctx, f.user, u.ID, date(2024, 2, 2))
	assert.ErrorIs(t, err, inventory.ErrNotInStock)

	_, err = f.manager.OverrideStatus(f.ctx, f.admin, u.ID, inventory.UnitStatusInStock, "取置解除")
	require.NoError(t, err)
	assert.Equal(t, inventory.AvailabilityAvailable, f.availability(t, p.ID))

	// 上書きは台帳に記録しない
	assert.Len(t, f.ledger(t, f.admin, inventory.LedgerFilter{}), 1)
}

func TestOverrideStatus_PendingUnit(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.unit(t, f.user, p.ID, "SN001")

	_, err := f.manager.OverrideStatus(f.ctx, f.admin, u.ID, inventory.UnitStatusDamaged, "破損")
	require.NoError(t, err)

	// 破損中は入庫できない
	_, err = f.manager.StockIn(f.ctx, f.user, u.ID, date(2024, 2, 1))
	var se *inventory.StateError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)

	_, err = f.manager.OverrideStatus(f.ctx, f.admin, u.ID, inventory.UnitStatusInStock, "")
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)

	_, err = f.manager.OverrideStatus(f.ctx, f.admin, u.ID, inventory.UnitStatusPendingStockIn, "修理完了")
	require.NoError(t, err)

	_, err = f.manager.StockIn(f.ctx, f.user, u.ID, date(2024, 2, 1))
	assert.NoError(t, err)
}

func TestOverrideStatus_StockedUnitInSideStateReportsAlreadyStocked(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.stocked(t, f.user, p.ID, "SN001", date(2024, 2, 1))

	_, err := f.manager.OverrideStatus(f.ctx, f.admin, u.ID, inventory.UnitStatusLost, "棚卸差異")
	require.NoError(t, err)

	_, err = f.manager.StockIn(f.ctx, f.user, u.ID, date(2024, 2, 1))
	assert.ErrorIs(t, err, inventory.ErrAlreadyStocked)
}

func TestOverrideStatus_SoldIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.stocked(t, f.user, p.ID, "SN001", date(2024, 2, 1))
	_, err := f.manager.StockOut(f.ctx, f.user, u.ID, date(2024, 2, 2))
	require.NoError(t, err)

	_, err = f.manager.OverrideStatus(f.ctx, f.admin, u.ID, inventory.UnitStatusDamaged, "")
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)
}

func TestOverrideStatus_CannotForceSold(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.stocked(t, f.user, p.ID, "SN001", date(2024, 2, 1))

	_, err := f.manager.OverrideStatus(f.ctx, f.admin, u.ID, inventory.UnitStatusSold, "")
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)
	assert.Equal(t, inventory.UnitStatusInStock, f.status(t, u.ID))
}

func TestOverrideStatus_SameStatusIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	p := f.product(t, f.user, "製品")
	u := f.unit(t, f.user, p.ID, "SN001")

	unit, err := f.manager.OverrideStatus(f.ctx, f.admin, u.ID, inventory.UnitStatusPendingStockIn, "")
	require.NoError(t, err)
	assert.Equal(t, inventory.UnitStatusPendingStockIn, unit.Status)
}
