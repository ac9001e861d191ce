// Package inventory provides the serialized stock lifecycle and ledger engine
package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Unit represents one serially-identified instance of a product
// 製品の個体（シリアル番号単位）を表現
type Unit struct {
	ID                int64      `json:"id" db:"id"`                                 // 個体ID
	SerialNumber      string     `json:"serial_number" db:"serial_number"`           // シリアル番号
	ManufacturingDate time.Time  `json:"manufacturing_date" db:"manufacturing_date"` // 製造日
	ExpiryDate        time.Time  `json:"expiry_date" db:"expiry_date"`               // 有効期限
	Status            UnitStatus `json:"status" db:"status"`                         // ステータス
	ProductID         int64      `json:"product_id" db:"product_id"`                 // 製品ID
	OwnerID           uuid.UUID  `json:"owner_id" db:"owner_id"`                     // 登録者
	IdentityToken     string     `json:"identity_token" db:"identity_token"`         // QRペイロード
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`                 // 作成日時
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`                 // 更新日時
}

// UnitStatus is the lifecycle status of a unit
// 個体のライフサイクルステータス
type UnitStatus string

const (
	UnitStatusPendingStockIn UnitStatus = "PendingStockIn" // 入庫待ち
	UnitStatusInStock        UnitStatus = "InStock"        // 在庫中
	UnitStatusSold           UnitStatus = "Sold"           // 販売済み
	UnitStatusDamaged        UnitStatus = "Damaged"        // 破損
	UnitStatusReserved       UnitStatus = "Reserved"       // 予約済み
	UnitStatusLost           UnitStatus = "Lost"           // 紛失
	UnitStatusRepaired       UnitStatus = "Repaired"       // 修理済み
)

// Valid reports whether s is a declared unit status
func (s UnitStatus) Valid() bool {
	switch s {
	case UnitStatusPendingStockIn, UnitStatusInStock, UnitStatusSold,
		UnitStatusDamaged, UnitStatusReserved, UnitStatusLost, UnitStatusRepaired:
		return true
	}
	return false
}

// IsSideState reports whether s is only reachable through an administrative override
// 管理者による上書きでのみ到達できるステータスか
func (s UnitStatus) IsSideState() bool {
	switch s {
	case UnitStatusDamaged, UnitStatusReserved, UnitStatusLost, UnitStatusRepaired:
		return true
	}
	return false
}

// Product represents a sellable product owning a collection of units
// 個体を保持する製品を表現
type Product struct {
	ID           int64           `json:"id" db:"id"`                       // 製品ID
	Name         string          `json:"name" db:"name"`                   // 製品名
	Description  string          `json:"description" db:"description"`     // 説明
	UnitCost     decimal.Decimal `json:"unit_cost" db:"unit_cost"`         // 仕入単価
	SellingPrice decimal.Decimal `json:"selling_price" db:"selling_price"` // 販売価格
	CategoryID   int64           `json:"category_id" db:"category_id"`     // カテゴリID
	OwnerID      uuid.UUID       `json:"owner_id" db:"owner_id"`           // 登録者
	Availability Availability    `json:"availability" db:"availability"`   // 在庫可用性
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`       // 作成日時
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`       // 更新日時
}

// Availability is the product-level status derived from its units
// 個体ステータスから導出される製品の可用性
type Availability string

const (
	AvailabilityAvailable    Availability = "Available"    // 販売可能
	AvailabilityOutOfStock   Availability = "OutOfStock"   // 在庫切れ
	AvailabilityDiscontinued Availability = "Discontinued" // 取扱終了（終端）
)

// NewProduct carries the caller-supplied fields of a product
type NewProduct struct {
	Name         string
	Description  string
	UnitCost     decimal.Decimal
	SellingPrice decimal.Decimal
	CategoryID   int64
}

// ProductStock is a product together with its in-stock unit count
// 製品と在庫数の組
type ProductStock struct {
	Product
	QuantityInStock int64 `json:"quantity_in_stock" db:"quantity_in_stock"`
}

// StockInEvent records the receipt of a unit
// 入庫イベント
type StockInEvent struct {
	ID           int64     `json:"id" db:"id"`
	UnitID       int64     `json:"unit_id" db:"unit_id"`
	ActorID      uuid.UUID `json:"actor_id" db:"actor_id"`
	ReceivedDate time.Time `json:"received_date" db:"received_date"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// StockOutEvent records the sale of a unit
// 出庫（販売）イベント
type StockOutEvent struct {
	ID        int64     `json:"id" db:"id"`
	UnitID    int64     `json:"unit_id" db:"unit_id"`
	ActorID   uuid.UUID `json:"actor_id" db:"actor_id"`
	SoldDate  time.Time `json:"sold_date" db:"sold_date"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// EventKind distinguishes the two ledger event kinds
// 台帳イベントの種別
type EventKind string

const (
	EventKindStockIn  EventKind = "StockIn"  // 入庫
	EventKindStockOut EventKind = "StockOut" // 出庫
)

// Valid reports whether k is a known ledger event kind
func (k EventKind) Valid() bool {
	return k == EventKindStockIn || k == EventKindStockOut
}

// LedgerEntry is the transaction-log projection of one stock event
// 入出庫イベントの台帳記録
type LedgerEntry struct {
	ID         int64     `json:"id" db:"id"`                   // 挿入順序
	UnitID     int64     `json:"unit_id" db:"unit_id"`         // 個体ID
	ProductID  int64     `json:"product_id" db:"product_id"`   // 製品ID
	ActorID    uuid.UUID `json:"actor_id" db:"actor_id"`       // 実行者
	Kind       EventKind `json:"kind" db:"kind"`               // 種別
	EventDate  time.Time `json:"event_date" db:"event_date"`   // 入庫日または販売日
	StockInID  *int64    `json:"stock_in_id" db:"stock_in_id"` // 元イベント（入庫）
	StockOutID *int64    `json:"stock_out_id" db:"stock_out_id"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// LedgerLine is a ledger entry joined with the current state of its unit
// 個体の現在状態を結合した台帳行（レポート用）
type LedgerLine struct {
	LedgerEntry
	SerialNumber  string     `json:"serial_number" db:"serial_number"`
	IdentityToken string     `json:"identity_token" db:"identity_token"`
	UnitStatus    UnitStatus `json:"unit_status" db:"unit_status"`
}

// LedgerFilter narrows a ledger query
// 台帳照会の絞り込み条件
type LedgerFilter struct {
	From    *time.Time `json:"from,omitempty"`
	To      *time.Time `json:"to,omitempty"`
	ActorID *uuid.UUID `json:"actor_id,omitempty"`
	Kind    *EventKind `json:"kind,omitempty"`
}

// LedgerCursor is the keyset position after the last returned ledger line
type LedgerCursor struct {
	EventDate time.Time
	ID        int64
}

// After reports whether line sorts strictly after the cursor in ledger order
// (event date descending, insertion sequence ascending on ties)
func (c LedgerCursor) After(line LedgerEntry) bool {
	if line.EventDate.Before(c.EventDate) {
		return true
	}
	return line.EventDate.Equal(c.EventDate) && line.ID > c.ID
}

// UnitFilter narrows a unit listing
// 個体一覧の絞り込み条件
type UnitFilter struct {
	ProductID *int64
	Status    *UnitStatus
	OwnerID   *uuid.UUID
	// ExpiresBefore selects units whose expiry date is on or before the instant
	ExpiresBefore *time.Time
}

// ProductFilter narrows a product listing
type ProductFilter struct {
	OwnerID *uuid.UUID
}

// LedgerSummary aggregates unit and ledger counts for a dashboard
// ダッシュボード用の集計
type LedgerSummary struct {
	TotalInStock             int64 `json:"total_in_stock"`
	TotalSold                int64 `json:"total_sold"`
	TotalStockIns            int64 `json:"total_stock_ins"`
	TotalStockOuts           int64 `json:"total_stock_outs"`
	RecentStockInsLast7Days  int64 `json:"recent_stock_ins_last_7_days"`
	RecentStockOutsLast7Days int64 `json:"recent_stock_outs_last_7_days"`
}

// ptr returns a pointer to v
func ptr[T any](v T) *T {
	return &v
}
