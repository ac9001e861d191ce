package inventory

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ValuationEngine computes dashboard figures from current unit states
// 在庫評価エンジン
type ValuationEngine struct {
	storage           Storage
	logger            *zap.Logger
	lowStockThreshold int64
}

// NewValuationEngine creates a new valuation engine
// 新しい在庫評価エンジンを作成
func NewValuationEngine(storage Storage, logger *zap.Logger, lowStockThreshold int64) *ValuationEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValuationEngine{
		storage:           storage,
		logger:            logger,
		lowStockThreshold: lowStockThreshold,
	}
}

// Valuation is the dashboard overview for the actor's products
// ダッシュボード概要
type Valuation struct {
	TotalInStock    int64           `json:"total_in_stock"`
	InventoryValue  decimal.Decimal `json:"inventory_value"`   // 在庫中個体の仕入単価合計
	TotalSalesValue decimal.Decimal `json:"total_sales_value"` // 販売済み個体の販売価格合計
	LowStockCount   int             `json:"low_stock_count"`
	HotProduct      *HotProduct     `json:"hot_product,omitempty"`
}

// HotProduct is the product with the most units sold
type HotProduct struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	UnitsSold   int64  `json:"units_sold"`
}

// Calculate builds the valuation over every product visible to the actor
// 在庫価値と販売実績を計算
func (v *ValuationEngine) Calculate(ctx context.Context, actor Actor) (*Valuation, error) {
	products, err := v.storage.ListProducts(ctx, ProductFilter{OwnerID: actor.Owner()})
	if err != nil {
		return nil, wrapStorage("list_products", err)
	}

	result := &Valuation{
		InventoryValue:  decimal.Zero,
		TotalSalesValue: decimal.Zero,
	}
	for _, p := range products {
		sold, err := v.storage.CountUnits(ctx, UnitFilter{
			ProductID: ptr(p.ID),
			Status:    ptr(UnitStatusSold),
		})
		if err != nil {
			return nil, wrapStorage("count_units", err)
		}

		result.TotalInStock += p.QuantityInStock
		result.InventoryValue = result.InventoryValue.Add(p.UnitCost.Mul(decimal.NewFromInt(p.QuantityInStock)))
		result.TotalSalesValue = result.TotalSalesValue.Add(p.SellingPrice.Mul(decimal.NewFromInt(sold)))

		if p.Availability != AvailabilityDiscontinued && p.QuantityInStock < v.lowStockThreshold {
			result.LowStockCount++
		}
		// 同数の場合はIDの小さい製品を優先
		if sold > 0 && (result.HotProduct == nil || sold > result.HotProduct.UnitsSold) {
			result.HotProduct = &HotProduct{
				ProductID:   p.ID,
				ProductName: p.Name,
				UnitsSold:   sold,
			}
		}
	}

	v.logger.Debug("在庫評価計算完了",
		zap.Int("products", len(products)),
		zap.String("inventory_value", result.InventoryValue.String()),
		zap.String("sales_value", result.TotalSalesValue.String()),
	)
	return result, nil
}
