package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
)

// MemoryStorage implements the Storage interface in process memory. Transactions are
// serialised by a single mutex; a failed transaction replays its undo journal so no
// partial state survives.
// メモリ上のStorageインターフェース実装（テスト・開発用）
type MemoryStorage struct {
	mu sync.Mutex

	units     map[int64]*inventory.Unit
	products  map[int64]*inventory.Product
	stockIns  map[int64]*inventory.StockInEvent  // unit_id -> event
	stockOuts map[int64]*inventory.StockOutEvent // unit_id -> event
	ledger    []inventory.LedgerEntry

	nextUnitID    int64
	nextProductID int64
	nextEventID   int64
	nextLedgerID  int64
}

var _ inventory.Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory storage
// 新しいメモリストレージを作成
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		units:     make(map[int64]*inventory.Unit),
		products:  make(map[int64]*inventory.Product),
		stockIns:  make(map[int64]*inventory.StockInEvent),
		stockOuts: make(map[int64]*inventory.StockOutEvent),
	}
}

// RunInTx runs fn while holding the store lock
func (s *MemoryStorage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// memoryTx records an undo step for each mutation it applies
type memoryTx struct {
	s    *MemoryStorage
	undo []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) GetUnit(ctx context.Context, unitID int64) (*inventory.Unit, error) {
	return tx.s.getUnit(unitID)
}

func (tx *memoryTx) CreateUnit(ctx context.Context, unit *inventory.Unit) error {
	s := tx.s
	if _, ok := s.products[unit.ProductID]; !ok {
		return inventory.ErrProductNotFound
	}
	for _, u := range s.units {
		if u.ProductID == unit.ProductID && u.SerialNumber == unit.SerialNumber {
			return inventory.ErrDuplicateSerial
		}
	}

	s.nextUnitID++
	unit.ID = s.nextUnitID
	stored := *unit
	s.units[unit.ID] = &stored

	id := unit.ID
	tx.undo = append(tx.undo, func() { delete(s.units, id) })
	return nil
}

func (tx *memoryTx) SetUnitToken(ctx context.Context, unitID int64, token string) error {
	u, ok := tx.s.units[unitID]
	if !ok {
		return inventory.ErrUnitNotFound
	}
	old := u.IdentityToken
	u.IdentityToken = token
	tx.undo = append(tx.undo, func() { u.IdentityToken = old })
	return nil
}

func (tx *memoryTx) UpdateUnitStatus(ctx context.Context, unitID int64, from, to inventory.UnitStatus, at time.Time) error {
	u, ok := tx.s.units[unitID]
	if !ok {
		return inventory.ErrUnitNotFound
	}
	if u.Status != from {
		return inventory.ErrStatusChanged
	}
	oldStatus, oldUpdated := u.Status, u.UpdatedAt
	u.Status = to
	u.UpdatedAt = at
	tx.undo = append(tx.undo, func() {
		u.Status = oldStatus
		u.UpdatedAt = oldUpdated
	})
	return nil
}

func (tx *memoryTx) DeleteUnit(ctx context.Context, unitID int64) error {
	s := tx.s
	u, ok := s.units[unitID]
	if !ok {
		return inventory.ErrUnitNotFound
	}
	if _, ok := s.stockIns[unitID]; ok {
		return inventory.ErrHasEvents
	}
	if _, ok := s.stockOuts[unitID]; ok {
		return inventory.ErrHasEvents
	}
	if u.Status != inventory.UnitStatusPendingStockIn {
		return inventory.ErrInvalidTransition
	}
	delete(s.units, unitID)
	tx.undo = append(tx.undo, func() { s.units[unitID] = u })
	return nil
}

func (tx *memoryTx) CountUnits(ctx context.Context, filter inventory.UnitFilter) (int64, error) {
	return tx.s.countUnits(filter), nil
}

func (tx *memoryTx) GetStockIn(ctx context.Context, unitID int64) (*inventory.StockInEvent, error) {
	return tx.s.getStockIn(unitID), nil
}

func (tx *memoryTx) GetStockOut(ctx context.Context, unitID int64) (*inventory.StockOutEvent, error) {
	return tx.s.getStockOut(unitID), nil
}

func (tx *memoryTx) RecordStockIn(ctx context.Context, event *inventory.StockInEvent, productID int64) (*inventory.LedgerEntry, error) {
	s := tx.s
	if _, ok := s.units[event.UnitID]; !ok {
		return nil, inventory.ErrUnitNotFound
	}
	if _, ok := s.stockIns[event.UnitID]; ok {
		return nil, inventory.ErrAlreadyStocked
	}

	s.nextEventID++
	event.ID = s.nextEventID
	stored := *event
	s.stockIns[event.UnitID] = &stored

	entry := tx.appendLedger(inventory.LedgerEntry{
		UnitID:     event.UnitID,
		ProductID:  productID,
		ActorID:    event.ActorID,
		Kind:       inventory.EventKindStockIn,
		EventDate:  event.ReceivedDate,
		StockInID:  &stored.ID,
		RecordedAt: event.CreatedAt,
	})

	unitID := event.UnitID
	tx.undo = append(tx.undo, func() { delete(s.stockIns, unitID) })
	return &entry, nil
}

func (tx *memoryTx) RecordStockOut(ctx context.Context, event *inventory.StockOutEvent, productID int64) (*inventory.LedgerEntry, error) {
	s := tx.s
	if _, ok := s.units[event.UnitID]; !ok {
		return nil, inventory.ErrUnitNotFound
	}
	if _, ok := s.stockOuts[event.UnitID]; ok {
		return nil, inventory.ErrAlreadySold
	}

	s.nextEventID++
	event.ID = s.nextEventID
	stored := *event
	s.stockOuts[event.UnitID] = &stored

	entry := tx.appendLedger(inventory.LedgerEntry{
		UnitID:     event.UnitID,
		ProductID:  productID,
		ActorID:    event.ActorID,
		Kind:       inventory.EventKindStockOut,
		EventDate:  event.SoldDate,
		StockOutID: &stored.ID,
		RecordedAt: event.CreatedAt,
	})

	unitID := event.UnitID
	tx.undo = append(tx.undo, func() { delete(s.stockOuts, unitID) })
	return &entry, nil
}

func (tx *memoryTx) appendLedger(entry inventory.LedgerEntry) inventory.LedgerEntry {
	s := tx.s
	s.nextLedgerID++
	entry.ID = s.nextLedgerID
	s.ledger = append(s.ledger, entry)

	n := len(s.ledger) - 1
	tx.undo = append(tx.undo, func() { s.ledger = s.ledger[:n] })
	return entry
}

func (tx *memoryTx) CreateProduct(ctx context.Context, product *inventory.Product) error {
	s := tx.s
	for _, p := range s.products {
		if p.OwnerID == product.OwnerID && p.Name == product.Name {
			return inventory.ErrDuplicateProduct
		}
	}

	s.nextProductID++
	product.ID = s.nextProductID
	stored := *product
	s.products[product.ID] = &stored

	id := product.ID
	tx.undo = append(tx.undo, func() { delete(s.products, id) })
	return nil
}

func (tx *memoryTx) LockProduct(ctx context.Context, productID int64) (*inventory.Product, error) {
	return tx.s.getProduct(productID)
}

func (tx *memoryTx) SetProductAvailability(ctx context.Context, productID int64, availability inventory.Availability, at time.Time) error {
	p, ok := tx.s.products[productID]
	if !ok {
		return inventory.ErrProductNotFound
	}
	old, oldUpdated := p.Availability, p.UpdatedAt
	p.Availability = availability
	p.UpdatedAt = at
	tx.undo = append(tx.undo, func() {
		p.Availability = old
		p.UpdatedAt = oldUpdated
	})
	return nil
}

func (tx *memoryTx) DeleteProduct(ctx context.Context, productID int64) error {
	s := tx.s
	p, ok := s.products[productID]
	if !ok {
		return inventory.ErrProductNotFound
	}
	if s.countUnits(inventory.UnitFilter{ProductID: &productID}) > 0 {
		return inventory.ErrHasUnits
	}
	delete(s.products, productID)
	tx.undo = append(tx.undo, func() { s.products[productID] = p })
	return nil
}

// GetUnit retrieves a unit by ID
// IDで個体を取得
func (s *MemoryStorage) GetUnit(ctx context.Context, unitID int64) (*inventory.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getUnit(unitID)
}

// ListUnits lists units matching filter ordered by ID
func (s *MemoryStorage) ListUnits(ctx context.Context, filter inventory.UnitFilter) ([]inventory.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	units := []inventory.Unit{}
	for _, u := range s.units {
		if matchUnit(u, filter) {
			units = append(units, *u)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

// CountUnits counts units matching filter
func (s *MemoryStorage) CountUnits(ctx context.Context, filter inventory.UnitFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countUnits(filter), nil
}

// GetProduct retrieves a product by ID
// IDで製品を取得
func (s *MemoryStorage) GetProduct(ctx context.Context, productID int64) (*inventory.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getProduct(productID)
}

// ListProducts lists products with in-stock counts ordered by ID
func (s *MemoryStorage) ListProducts(ctx context.Context, filter inventory.ProductFilter) ([]inventory.ProductStock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := []inventory.ProductStock{}
	for _, p := range s.products {
		if filter.OwnerID != nil && p.OwnerID != *filter.OwnerID {
			continue
		}
		id := p.ID
		inStock := inventory.UnitStatusInStock
		products = append(products, inventory.ProductStock{
			Product:         *p,
			QuantityInStock: s.countUnits(inventory.UnitFilter{ProductID: &id, Status: &inStock}),
		})
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// GetStockIn returns the unit's stock-in event, or nil when it has none
func (s *MemoryStorage) GetStockIn(ctx context.Context, unitID int64) (*inventory.StockInEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getStockIn(unitID), nil
}

// GetStockOut returns the unit's stock-out event, or nil when it has none
func (s *MemoryStorage) GetStockOut(ctx context.Context, unitID int64) (*inventory.StockOutEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getStockOut(unitID), nil
}

// ListLedgerPage returns up to limit ledger lines after the cursor in ledger order
// 台帳をページ単位で取得
func (s *MemoryStorage) ListLedgerPage(ctx context.Context, filter inventory.LedgerFilter, after *inventory.LedgerCursor, limit int) ([]inventory.LedgerLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]inventory.LedgerEntry, 0, len(s.ledger))
	for _, e := range s.ledger {
		if matchLedger(e, filter) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].EventDate.Equal(matched[j].EventDate) {
			return matched[i].EventDate.After(matched[j].EventDate)
		}
		return matched[i].ID < matched[j].ID
	})

	lines := []inventory.LedgerLine{}
	for _, e := range matched {
		if after != nil && !after.After(e) {
			continue
		}
		if limit > 0 && len(lines) >= limit {
			break
		}
		line := inventory.LedgerLine{LedgerEntry: e}
		if u, ok := s.units[e.UnitID]; ok {
			line.SerialNumber = u.SerialNumber
			line.IdentityToken = u.IdentityToken
			line.UnitStatus = u.Status
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// CountLedger counts ledger entries matching filter
func (s *MemoryStorage) CountLedger(ctx context.Context, filter inventory.LedgerFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.ledger {
		if matchLedger(e, filter) {
			n++
		}
	}
	return n, nil
}

// ListLedgerByUnit returns a unit's ledger entries in insertion order
func (s *MemoryStorage) ListLedgerByUnit(ctx context.Context, unitID int64) ([]inventory.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := []inventory.LedgerEntry{}
	for _, e := range s.ledger {
		if e.UnitID == unitID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Ping always succeeds
func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close releases nothing
func (s *MemoryStorage) Close() error {
	return nil
}

func (s *MemoryStorage) getUnit(unitID int64) (*inventory.Unit, error) {
	u, ok := s.units[unitID]
	if !ok {
		return nil, inventory.ErrUnitNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *MemoryStorage) getProduct(productID int64) (*inventory.Product, error) {
	p, ok := s.products[productID]
	if !ok {
		return nil, inventory.ErrProductNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *MemoryStorage) getStockIn(unitID int64) *inventory.StockInEvent {
	e, ok := s.stockIns[unitID]
	if !ok {
		return nil
	}
	copied := *e
	return &copied
}

func (s *MemoryStorage) getStockOut(unitID int64) *inventory.StockOutEvent {
	e, ok := s.stockOuts[unitID]
	if !ok {
		return nil
	}
	copied := *e
	return &copied
}

func (s *MemoryStorage) countUnits(filter inventory.UnitFilter) int64 {
	var n int64
	for _, u := range s.units {
		if matchUnit(u, filter) {
			n++
		}
	}
	return n
}

func matchUnit(u *inventory.Unit, f inventory.UnitFilter) bool {
	if f.ProductID != nil && u.ProductID != *f.ProductID {
		return false
	}
	if f.Status != nil && u.Status != *f.Status {
		return false
	}
	if f.OwnerID != nil && u.OwnerID != *f.OwnerID {
		return false
	}
	if f.ExpiresBefore != nil && u.ExpiryDate.After(*f.ExpiresBefore) {
		return false
	}
	return true
}

func matchLedger(e inventory.LedgerEntry, f inventory.LedgerFilter) bool {
	if f.From != nil && e.EventDate.Before(*f.From) {
		return false
	}
	if f.To != nil && e.EventDate.After(*f.To) {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if f.Kind != nil && e.Kind != *f.Kind {
		return false
	}
	return true
}
