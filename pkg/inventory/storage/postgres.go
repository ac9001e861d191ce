package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
)

// PostgreSQL error codes
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// 一意制約名とドメインエラーの対応
var uniqueConstraintErrors = map[string]error{
	"units_product_serial_key": inventory.ErrDuplicateSerial,
	"products_owner_name_key":  inventory.ErrDuplicateProduct,
	"stock_ins_unit_id_key":    inventory.ErrAlreadyStocked,
	"stock_outs_unit_id_key":   inventory.ErrAlreadySold,
}

const (
	unitColumns = `id, serial_number, manufacturing_date, expiry_date, status, product_id,
		owner_id, identity_token, created_at, updated_at`
	productColumns = `id, name, description, unit_cost, selling_price, category_id,
		owner_id, availability, created_at, updated_at`
	ledgerColumns = `l.id, l.unit_id, l.product_id, l.actor_id, l.kind, l.event_date,
		l.stock_in_id, l.stock_out_id, l.recorded_at`
)

// PoolConfig holds connection pool settings
// 接続プール設定
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgreSQLStorage implements the Storage interface using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	db     *sqlx.DB
	logger *zap.Logger
	tracer trace.Tracer
}

var _ inventory.Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(ctx context.Context, dsn string, pool PoolConfig, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	return NewPostgreSQLStorageFromDB(db, logger), nil
}

// NewPostgreSQLStorageFromDB wraps an already opened database handle
func NewPostgreSQLStorageFromDB(db *sqlx.DB, logger *zap.Logger) *PostgreSQLStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgreSQLStorage{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("github.com/nemonet1337/zaiSerialStock/storage"),
	}
}

// RunInTx runs fn inside a database transaction and commits when it returns nil
// トランザクション内で処理を実行
func (s *PostgreSQLStorage) RunInTx(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) (err error) {
	ctx, span := s.tracer.Start(ctx, "storage.RunInTx")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗しました: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("ロールバックに失敗しました", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗しました: %w", translateError(err))
	}
	return nil
}

// pgTx implements inventory.Tx on an open transaction
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) GetUnit(ctx context.Context, unitID int64) (*inventory.Unit, error) {
	return getUnit(ctx, t.tx, unitID)
}

func (t *pgTx) CreateUnit(ctx context.Context, unit *inventory.Unit) error {
	query := `
		INSERT INTO units (serial_number, manufacturing_date, expiry_date, status, product_id,
			owner_id, identity_token, created_at, updated_at)
		VALUES (:serial_number, :manufacturing_date, :expiry_date, :status, :product_id,
			:owner_id, :identity_token, :created_at, :updated_at)
		RETURNING id`

	rows, err := sqlx.NamedQueryContext(ctx, t.tx, query, unit)
	if err != nil {
		return translateError(err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&unit.ID); err != nil {
			return fmt.Errorf("個体IDの取得に失敗しました: %w", err)
		}
	}
	return translateError(rows.Err())
}

func (t *pgTx) SetUnitToken(ctx context.Context, unitID int64, token string) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE units SET identity_token = $2 WHERE id = $1`, unitID, token)
	if err != nil {
		return fmt.Errorf("識別トークン更新に失敗しました: %w", err)
	}
	return expectOneRow(result, inventory.ErrUnitNotFound)
}

func (t *pgTx) UpdateUnitStatus(ctx context.Context, unitID int64, from, to inventory.UnitStatus, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE units SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		unitID, from, to, at,
	)
	if err != nil {
		return fmt.Errorf("個体ステータス更新に失敗しました: %w", err)
	}
	// 比較対象のステータスが変わっていれば0件
	return expectOneRow(result, inventory.ErrStatusChanged)
}

// DeleteUnit only removes a unit still pending stock-in
func (t *pgTx) DeleteUnit(ctx context.Context, unitID int64) error {
	result, err := t.tx.ExecContext(ctx,
		`DELETE FROM units WHERE id = $1 AND status = $2`,
		unitID, inventory.UnitStatusPendingStockIn,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return inventory.ErrHasEvents
		}
		return fmt.Errorf("個体削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if n > 0 {
		return nil
	}

	// 0件: 個体が存在しないか、ステータスが変わった
	var exists bool
	if err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM units WHERE id = $1)`, unitID); err != nil {
		return fmt.Errorf("個体確認に失敗しました: %w", err)
	}
	if exists {
		return inventory.ErrInvalidTransition
	}
	return inventory.ErrUnitNotFound
}

func (t *pgTx) CountUnits(ctx context.Context, filter inventory.UnitFilter) (int64, error) {
	return countUnits(ctx, t.tx, filter)
}

func (t *pgTx) GetStockIn(ctx context.Context, unitID int64) (*inventory.StockInEvent, error) {
	return getStockIn(ctx, t.tx, unitID)
}

func (t *pgTx) GetStockOut(ctx context.Context, unitID int64) (*inventory.StockOutEvent, error) {
	return getStockOut(ctx, t.tx, unitID)
}

func (t *pgTx) RecordStockIn(ctx context.Context, event *inventory.StockInEvent, productID int64) (*inventory.LedgerEntry, error) {
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO stock_ins (unit_id, actor_id, received_date, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		event.UnitID, event.ActorID, event.ReceivedDate, event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return nil, translateError(err)
	}

	entry := &inventory.LedgerEntry{
		UnitID:     event.UnitID,
		ProductID:  productID,
		ActorID:    event.ActorID,
		Kind:       inventory.EventKindStockIn,
		EventDate:  event.ReceivedDate,
		StockInID:  &event.ID,
		RecordedAt: event.CreatedAt,
	}
	if err := t.insertLedger(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (t *pgTx) RecordStockOut(ctx context.Context, event *inventory.StockOutEvent, productID int64) (*inventory.LedgerEntry, error) {
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO stock_outs (unit_id, actor_id, sold_date, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		event.UnitID, event.ActorID, event.SoldDate, event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return nil, translateError(err)
	}

	entry := &inventory.LedgerEntry{
		UnitID:     event.UnitID,
		ProductID:  productID,
		ActorID:    event.ActorID,
		Kind:       inventory.EventKindStockOut,
		EventDate:  event.SoldDate,
		StockOutID: &event.ID,
		RecordedAt: event.CreatedAt,
	}
	if err := t.insertLedger(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (t *pgTx) insertLedger(ctx context.Context, entry *inventory.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (unit_id, product_id, actor_id, kind, event_date,
			stock_in_id, stock_out_id, recorded_at)
		VALUES (:unit_id, :product_id, :actor_id, :kind, :event_date,
			:stock_in_id, :stock_out_id, :recorded_at)
		RETURNING id`

	rows, err := sqlx.NamedQueryContext(ctx, t.tx, query, entry)
	if err != nil {
		return fmt.Errorf("台帳記録に失敗しました: %w", translateError(err))
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&entry.ID); err != nil {
			return fmt.Errorf("台帳IDの取得に失敗しました: %w", err)
		}
	}
	return rows.Err()
}

func (t *pgTx) CreateProduct(ctx context.Context, product *inventory.Product) error {
	query := `
		INSERT INTO products (name, description, unit_cost, selling_price, category_id,
			owner_id, availability, created_at, updated_at)
		VALUES (:name, :description, :unit_cost, :selling_price, :category_id,
			:owner_id, :availability, :created_at, :updated_at)
		RETURNING id`

	rows, err := sqlx.NamedQueryContext(ctx, t.tx, query, product)
	if err != nil {
		return translateError(err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&product.ID); err != nil {
			return fmt.Errorf("製品IDの取得に失敗しました: %w", err)
		}
	}
	return translateError(rows.Err())
}

func (t *pgTx) LockProduct(ctx context.Context, productID int64) (*inventory.Product, error) {
	var product inventory.Product
	err := t.tx.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrProductNotFound
		}
		return nil, fmt.Errorf("製品ロックに失敗しました: %w", err)
	}
	return &product, nil
}

func (t *pgTx) SetProductAvailability(ctx context.Context, productID int64, availability inventory.Availability, at time.Time) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE products SET availability = $2, updated_at = $3 WHERE id = $1`,
		productID, availability, at,
	)
	if err != nil {
		return fmt.Errorf("製品可用性更新に失敗しました: %w", err)
	}
	return expectOneRow(result, inventory.ErrProductNotFound)
}

func (t *pgTx) DeleteProduct(ctx context.Context, productID int64) error {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return inventory.ErrHasUnits
		}
		return fmt.Errorf("製品削除に失敗しました: %w", err)
	}
	return expectOneRow(result, inventory.ErrProductNotFound)
}

// GetUnit retrieves a unit by ID
// IDで個体を取得
func (s *PostgreSQLStorage) GetUnit(ctx context.Context, unitID int64) (*inventory.Unit, error) {
	return getUnit(ctx, s.db, unitID)
}

// ListUnits lists units matching filter ordered by ID
// 条件に一致する個体一覧を取得
func (s *PostgreSQLStorage) ListUnits(ctx context.Context, filter inventory.UnitFilter) ([]inventory.Unit, error) {
	where, params := unitConditions(filter)
	query, args, err := named(`SELECT `+unitColumns+` FROM units`+where+` ORDER BY id`, params)
	if err != nil {
		return nil, err
	}

	units := []inventory.Unit{}
	if err := s.db.SelectContext(ctx, &units, query, args...); err != nil {
		return nil, fmt.Errorf("個体一覧取得に失敗しました: %w", err)
	}
	return units, nil
}

// CountUnits counts units matching filter
func (s *PostgreSQLStorage) CountUnits(ctx context.Context, filter inventory.UnitFilter) (int64, error) {
	return countUnits(ctx, s.db, filter)
}

// GetProduct retrieves a product by ID
// IDで製品を取得
func (s *PostgreSQLStorage) GetProduct(ctx context.Context, productID int64) (*inventory.Product, error) {
	var product inventory.Product
	err := s.db.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrProductNotFound
		}
		return nil, fmt.Errorf("製品取得に失敗しました: %w", err)
	}
	return &product, nil
}

// ListProducts lists products with their in-stock unit counts ordered by ID
// 製品一覧（在庫数付き）を取得
func (s *PostgreSQLStorage) ListProducts(ctx context.Context, filter inventory.ProductFilter) ([]inventory.ProductStock, error) {
	params := map[string]interface{}{"in_stock": inventory.UnitStatusInStock}
	where := ""
	if filter.OwnerID != nil {
		where = ` WHERE p.owner_id = :owner_id`
		params["owner_id"] = *filter.OwnerID
	}

	query, args, err := named(`
		SELECT p.id, p.name, p.description, p.unit_cost, p.selling_price, p.category_id,
			p.owner_id, p.availability, p.created_at, p.updated_at,
			(SELECT count(*) FROM units u WHERE u.product_id = p.id AND u.status = :in_stock) AS quantity_in_stock
		FROM products p`+where+`
		ORDER BY p.id`, params)
	if err != nil {
		return nil, err
	}

	products := []inventory.ProductStock{}
	if err := s.db.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, fmt.Errorf("製品一覧取得に失敗しました: %w", err)
	}
	return products, nil
}

// GetStockIn returns the unit's stock-in event, or nil when it has none
func (s *PostgreSQLStorage) GetStockIn(ctx context.Context, unitID int64) (*inventory.StockInEvent, error) {
	return getStockIn(ctx, s.db, unitID)
}

// GetStockOut returns the unit's stock-out event, or nil when it has none
func (s *PostgreSQLStorage) GetStockOut(ctx context.Context, unitID int64) (*inventory.StockOutEvent, error) {
	return getStockOut(ctx, s.db, unitID)
}

// ListLedgerPage returns up to limit ledger lines after the cursor, newest event
// date first and insertion order among equal dates
// 台帳をページ単位で取得
func (s *PostgreSQLStorage) ListLedgerPage(ctx context.Context, filter inventory.LedgerFilter, after *inventory.LedgerCursor, limit int) ([]inventory.LedgerLine, error) {
	ctx, span := s.tracer.Start(ctx, "storage.ListLedgerPage", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	conds, params := ledgerConditions(filter)
	if after != nil {
		conds = append(conds, `(l.event_date < :cursor_date OR (l.event_date = :cursor_date AND l.id > :cursor_id))`)
		params["cursor_date"] = after.EventDate
		params["cursor_id"] = after.ID
	}

	q := `SELECT ` + ledgerColumns + `,
			u.serial_number, u.identity_token, u.status AS unit_status
		FROM ledger_entries l
		JOIN units u ON u.id = l.unit_id` + whereClause(conds) + `
		ORDER BY l.event_date DESC, l.id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	query, args, err := named(q, params)
	if err != nil {
		return nil, err
	}

	lines := []inventory.LedgerLine{}
	if err := s.db.SelectContext(ctx, &lines, query, args...); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("台帳取得に失敗しました: %w", err)
	}
	return lines, nil
}

// CountLedger counts ledger entries matching filter
func (s *PostgreSQLStorage) CountLedger(ctx context.Context, filter inventory.LedgerFilter) (int64, error) {
	conds, params := ledgerConditions(filter)
	query, args, err := named(`SELECT count(*) FROM ledger_entries l`+whereClause(conds), params)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("台帳件数取得に失敗しました: %w", err)
	}
	return n, nil
}

// ListLedgerByUnit returns a unit's ledger entries in insertion order
func (s *PostgreSQLStorage) ListLedgerByUnit(ctx context.Context, unitID int64) ([]inventory.LedgerEntry, error) {
	entries := []inventory.LedgerEntry{}
	err := s.db.SelectContext(ctx, &entries,
		`SELECT `+ledgerColumns+` FROM ledger_entries l WHERE l.unit_id = $1 ORDER BY l.id`, unitID)
	if err != nil {
		return nil, fmt.Errorf("個体の台帳取得に失敗しました: %w", err)
	}
	return entries, nil
}

// Ping checks database connectivity
// データベース接続確認
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続を閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

func getUnit(ctx context.Context, q sqlx.QueryerContext, unitID int64) (*inventory.Unit, error) {
	var unit inventory.Unit
	err := sqlx.GetContext(ctx, q, &unit, `SELECT `+unitColumns+` FROM units WHERE id = $1`, unitID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, inventory.ErrUnitNotFound
		}
		return nil, fmt.Errorf("個体取得に失敗しました: %w", err)
	}
	return &unit, nil
}

func getStockIn(ctx context.Context, q sqlx.QueryerContext, unitID int64) (*inventory.StockInEvent, error) {
	var event inventory.StockInEvent
	err := sqlx.GetContext(ctx, q, &event,
		`SELECT id, unit_id, actor_id, received_date, created_at FROM stock_ins WHERE unit_id = $1`, unitID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("入庫記録取得に失敗しました: %w", err)
	}
	return &event, nil
}

func getStockOut(ctx context.Context, q sqlx.QueryerContext, unitID int64) (*inventory.StockOutEvent, error) {
	var event inventory.StockOutEvent
	err := sqlx.GetContext(ctx, q, &event,
		`SELECT id, unit_id, actor_id, sold_date, created_at FROM stock_outs WHERE unit_id = $1`, unitID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("出庫記録取得に失敗しました: %w", err)
	}
	return &event, nil
}

func countUnits(ctx context.Context, q sqlx.QueryerContext, filter inventory.UnitFilter) (int64, error) {
	where, params := unitConditions(filter)
	query, args, err := named(`SELECT count(*) FROM units`+where, params)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := sqlx.GetContext(ctx, q, &n, query, args...); err != nil {
		return 0, fmt.Errorf("個体数取得に失敗しました: %w", err)
	}
	return n, nil
}

func unitConditions(f inventory.UnitFilter) (string, map[string]interface{}) {
	conds := []string{}
	params := map[string]interface{}{}
	if f.ProductID != nil {
		conds = append(conds, "product_id = :product_id")
		params["product_id"] = *f.ProductID
	}
	if f.Status != nil {
		conds = append(conds, "status = :status")
		params["status"] = *f.Status
	}
	if f.OwnerID != nil {
		conds = append(conds, "owner_id = :owner_id")
		params["owner_id"] = *f.OwnerID
	}
	if f.ExpiresBefore != nil {
		conds = append(conds, "expiry_date <= :expires_before")
		params["expires_before"] = *f.ExpiresBefore
	}
	return whereClause(conds), params
}

func ledgerConditions(f inventory.LedgerFilter) ([]string, map[string]interface{}) {
	conds := []string{}
	params := map[string]interface{}{}
	if f.From != nil {
		conds = append(conds, "l.event_date >= :from_date")
		params["from_date"] = *f.From
	}
	if f.To != nil {
		conds = append(conds, "l.event_date <= :to_date")
		params["to_date"] = *f.To
	}
	if f.ActorID != nil {
		conds = append(conds, "l.actor_id = :actor_id")
		params["actor_id"] = *f.ActorID
	}
	if f.Kind != nil {
		conds = append(conds, "l.kind = :kind")
		params["kind"] = *f.Kind
	}
	return conds, params
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// named binds :name parameters and rewrites them to PostgreSQL placeholders
func named(query string, params map[string]interface{}) (string, []interface{}, error) {
	q, args, err := sqlx.Named(query, params)
	if err != nil {
		return "", nil, fmt.Errorf("クエリ生成に失敗しました: %w", err)
	}
	return sqlx.Rebind(sqlx.DOLLAR, q), args, nil
}

func expectOneRow(result sql.Result, missing error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}

// translateError maps unique violations onto domain sentinels by constraint name
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			if sentinel, ok := uniqueConstraintErrors[pqErr.Constraint]; ok {
				return sentinel
			}
		case pqForeignKeyViolation:
			if strings.HasPrefix(pqErr.Constraint, "units_product_id") {
				return inventory.ErrProductNotFound
			}
			if strings.HasPrefix(pqErr.Constraint, "stock_") {
				return inventory.ErrUnitNotFound
			}
		}
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation
}
