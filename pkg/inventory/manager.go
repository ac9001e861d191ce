package inventory

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Manager is the lifecycle and ledger engine. It owns no state of its own; every
// operation runs against Storage, and every mutation runs inside one transaction.
// 入出庫ライフサイクルと台帳のエンジン
type Manager struct {
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
	config    *Config        // 設定
	clock     Clock
	metrics   *Metrics
	tracer    trace.Tracer
}

// Config holds configuration for the inventory manager
// 在庫マネージャーの設定を保持
type Config struct {
	LedgerPageSize    int           `yaml:"ledger_page_size"`    // 台帳ページサイズ
	LowStockThreshold int64         `yaml:"low_stock_threshold"` // 低在庫閾値
	RecentWindow      time.Duration `yaml:"recent_window"`       // 直近集計期間
}

// DefaultConfig returns the settings used when NewManager receives nil
func DefaultConfig() *Config {
	return &Config{
		LedgerPageSize:    100,
		LowStockThreshold: 5,
		RecentWindow:      7 * 24 * time.Hour,
	}
}

// Option customises a Manager
type Option func(*Manager)

// WithClock replaces the wall clock, mainly for tests
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithMetrics attaches Prometheus collectors
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a new inventory manager
// 新しい在庫マネージャーを作成
func NewManager(storage Storage, publisher EventPublisher, logger *zap.Logger, config *Config, opts ...Option) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.LedgerPageSize <= 0 {
		config.LedgerPageSize = DefaultConfig().LedgerPageSize
	}
	if config.RecentWindow <= 0 {
		config.RecentWindow = DefaultConfig().RecentWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		config:    config,
		clock:     SystemClock,
		tracer:    otel.Tracer("github.com/nemonet1337/zaiSerialStock/inventory"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// now returns the current instant from the injected clock
func (m *Manager) now() time.Time {
	return m.clock.Now()
}

// startSpan opens a tracing span for an operation
func (m *Manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "inventory."+name, trace.WithAttributes(attrs...))
}

// endSpan records err on the span and closes it
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// outbox collects notifications produced inside a transaction; they are published
// only after the transaction commits
type outbox struct {
	transitions  []UnitTransitionedEvent
	availability []AvailabilityChangedEvent
}

// flush publishes the collected events. Failures are logged and never undo the
// committed transition.
func (m *Manager) flush(ctx context.Context, box *outbox) {
	if m.publisher == nil || box == nil {
		return
	}
	for _, event := range box.transitions {
		if err := m.publisher.PublishUnitTransitioned(ctx, event); err != nil {
			m.logger.Error("ステータス変更イベント発行に失敗しました",
				zap.Int64("unit_id", event.UnitID),
				zap.Error(err),
			)
		}
	}
	for _, event := range box.availability {
		if err := m.publisher.PublishAvailabilityChanged(ctx, event); err != nil {
			m.logger.Error("可用性変更イベント発行に失敗しました",
				zap.Int64("product_id", event.ProductID),
				zap.Error(err),
			)
		}
	}
}

// loadVisibleUnit reads a unit inside tx and hides it from actors who do not own it
func loadVisibleUnit(ctx context.Context, tx Tx, actor Actor, unitID int64) (*Unit, error) {
	unit, err := tx.GetUnit(ctx, unitID)
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

// loadVisibleProduct reads and locks a product inside tx, hiding foreign products
func loadVisibleProduct(ctx context.Context, tx Tx, actor Actor, productID int64) (*Product, error) {
	product, err := tx.LockProduct(ctx, productID)
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
