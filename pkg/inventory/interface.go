package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Storage defines the persistence layer behind the manager
// データ永続化層のインターフェースを定義
type Storage interface {
	// RunInTx runs fn inside one storage transaction. The transaction commits when fn
	// returns nil and rolls back otherwise, leaving no partial state behind.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Read path
	GetUnit(ctx context.Context, unitID int64) (*Unit, error)
	ListUnits(ctx context.Context, filter UnitFilter) ([]Unit, error)
	CountUnits(ctx context.Context, filter UnitFilter) (int64, error)
	GetProduct(ctx context.Context, productID int64) (*Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]ProductStock, error)
	GetStockIn(ctx context.Context, unitID int64) (*StockInEvent, error)
	GetStockOut(ctx context.Context, unitID int64) (*StockOutEvent, error)

	// Ledger
	ListLedgerPage(ctx context.Context, filter LedgerFilter, after *LedgerCursor, limit int) ([]LedgerLine, error)
	CountLedger(ctx context.Context, filter LedgerFilter) (int64, error)
	ListLedgerByUnit(ctx context.Context, unitID int64) ([]LedgerEntry, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the write surface available inside a storage transaction. Ledger rows are only
// ever written by RecordStockIn and RecordStockOut together with their event.
// トランザクション内で利用可能な書き込み操作
type Tx interface {
	GetUnit(ctx context.Context, unitID int64) (*Unit, error)
	CreateUnit(ctx context.Context, unit *Unit) error
	SetUnitToken(ctx context.Context, unitID int64, token string) error
	// UpdateUnitStatus is a compare-and-set; it fails with ErrStatusChanged when the
	// stored status is not from.
	UpdateUnitStatus(ctx context.Context, unitID int64, from, to UnitStatus, at time.Time) error
	DeleteUnit(ctx context.Context, unitID int64) error
	CountUnits(ctx context.Context, filter UnitFilter) (int64, error)

	GetStockIn(ctx context.Context, unitID int64) (*StockInEvent, error)
	GetStockOut(ctx context.Context, unitID int64) (*StockOutEvent, error)
	// RecordStockIn inserts the event and its ledger entry. A second event for the same
	// unit fails with ErrAlreadyStocked at insert time.
	RecordStockIn(ctx context.Context, event *StockInEvent, productID int64) (*LedgerEntry, error)
	// RecordStockOut inserts the event and its ledger entry. A second event for the same
	// unit fails with ErrAlreadySold at insert time.
	RecordStockOut(ctx context.Context, event *StockOutEvent, productID int64) (*LedgerEntry, error)

	CreateProduct(ctx context.Context, product *Product) error
	// LockProduct reads the product and holds it against concurrent recomputation
	// until the transaction ends.
	LockProduct(ctx context.Context, productID int64) (*Product, error)
	SetProductAvailability(ctx context.Context, productID int64, availability Availability, at time.Time) error
	DeleteProduct(ctx context.Context, productID int64) error
}

// Clock supplies the current instant for future-date checks
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock
type ClockFunc func() time.Time

// Now returns f()
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock in UTC
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// EventPublisher defines interface for publishing inventory events
// 在庫イベント発行のインターフェースを定義
type EventPublisher interface {
	PublishUnitTransitioned(ctx context.Context, event UnitTransitionedEvent) error
	PublishAvailabilityChanged(ctx context.Context, event AvailabilityChangedEvent) error
}

// UnitTransitionedEvent represents a committed unit status change
// 個体ステータス変更イベントを表現
type UnitTransitionedEvent struct {
	UnitID    int64      `json:"unit_id"`
	ProductID int64      `json:"product_id"`
	From      UnitStatus `json:"from"`
	To        UnitStatus `json:"to"`
	Kind      string     `json:"kind"` // stock_in, stock_out, override
	ActorID   uuid.UUID  `json:"actor_id"`
	Timestamp time.Time  `json:"timestamp"`
}

// AvailabilityChangedEvent represents a committed product availability change
// 製品可用性変更イベントを表現
type AvailabilityChangedEvent struct {
	ProductID       int64        `json:"product_id"`
	OldAvailability Availability `json:"old_availability"`
	NewAvailability Availability `json:"new_availability"`
	InStock         int64        `json:"in_stock"`
	Timestamp       time.Time    `json:"timestamp"`
}
