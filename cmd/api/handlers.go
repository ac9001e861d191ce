package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
)

const dateLayout = "2006-01-02"

// Handlers holds HTTP handlers for the inventory API
// 在庫API用のHTTPハンドラーを保持
type Handlers struct {
	manager       *inventory.Manager
	tracking      *inventory.TrackingManager
	valuation     *inventory.ValuationEngine
	storage       inventory.Storage
	validate      *validator.Validate
	logger        *zap.Logger
	expiryWarning time.Duration
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(
	manager *inventory.Manager,
	tracking *inventory.TrackingManager,
	valuation *inventory.ValuationEngine,
	storage inventory.Storage,
	logger *zap.Logger,
	expiryWarning time.Duration,
) *Handlers {
	return &Handlers{
		manager:       manager,
		tracking:      tracking,
		valuation:     valuation,
		storage:       storage,
		validate:      newValidator(),
		logger:        logger,
		expiryWarning: expiryWarning,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"` // 機械可読なエラーコード
}

// CreateProductRequest represents request to create a product
// 製品登録リクエストを表現
type CreateProductRequest struct {
	Name         string          `json:"name" validate:"required,max=200"`
	Description  string          `json:"description" validate:"max=2000"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	CategoryID   int64           `json:"category_id" validate:"gte=0"`
}

// CreateUnitRequest represents request to register a unit
// 個体登録リクエストを表現
type CreateUnitRequest struct {
	SerialNumber      string `json:"serial_number" validate:"required,max=100"`
	ManufacturingDate string `json:"manufacturing_date" validate:"required,date"`
	ExpiryDate        string `json:"expiry_date" validate:"required,date"`
	ProductID         int64  `json:"product_id" validate:"required,gt=0"`
}

// StockInRequest represents request to receive a unit
// 入庫リクエストを表現
type StockInRequest struct {
	ReceivedDate string `json:"received_date" validate:"required,date"`
}

// StockOutRequest represents request to sell a unit
// 出庫リクエストを表現
type StockOutRequest struct {
	SoldDate string `json:"sold_date" validate:"required,date"`
}

// OverrideStatusRequest represents an administrative status override
// ステータス上書きリクエストを表現
type OverrideStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=PendingStockIn InStock Damaged Reserved Lost Repaired"`
	Reason string `json:"reason" validate:"max=500"`
}

// newValidator returns a validator with the "date" tag registered
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("date", func(fl validator.FieldLevel) bool {
		_, err := parseDate(fl.Field().String())
		return err == nil
	})
	return v
}

// parseDate accepts a calendar date or an RFC 3339 timestamp
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.storage.Ping(r.Context()); err != nil {
		h.logger.Warn("ストレージのヘルスチェックに失敗しました", zap.Error(err))
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	h.sendJSON(w, code, APIResponse{
		Success: code == http.StatusOK,
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
			"service":   "zaiSerialStock",
		},
	})
}

// CreateProduct handles product registration
// 製品登録リクエストを処理
func (h *Handlers) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !h.decode(w, r, &req) {
		return
	}

	product, err := h.manager.CreateProduct(r.Context(), actorFrom(r), inventory.NewProduct{
		Name:         req.Name,
		Description:  req.Description,
		UnitCost:     req.UnitCost,
		SellingPrice: req.SellingPrice,
		CategoryID:   req.CategoryID,
	})
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendCreated(w, product)
}

// ListProducts handles product listing with stock counts
// 製品一覧リクエストを処理
func (h *Handlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.manager.ListProducts(r.Context(), actorFrom(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, products)
}

// GetProduct handles product lookup
// 製品取得リクエストを処理
func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "productId")
	if !ok {
		return
	}
	product, err := h.manager.GetProduct(r.Context(), actorFrom(r), id)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, product)
}

// DeleteProduct handles product deletion
// 製品削除リクエストを処理
func (h *Handlers) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "productId")
	if !ok {
		return
	}
	if err := h.manager.DeleteProduct(r.Context(), actorFrom(r), id); err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, map[string]string{"message": "製品を削除しました"})
}

// DiscontinueProduct handles marking a product discontinued
// 製品の取扱終了リクエストを処理
func (h *Handlers) DiscontinueProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "productId")
	if !ok {
		return
	}
	product, err := h.manager.DiscontinueProduct(r.Context(), actorFrom(r), id)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, product)
}

// RecomputeAvailability handles an explicit availability recomputation
// 在庫可用性の再計算リクエストを処理
func (h *Handlers) RecomputeAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "productId")
	if !ok {
		return
	}
	availability, err := h.manager.RecomputeAvailability(r.Context(), actorFrom(r), id)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, map[string]interface{}{
		"product_id":   id,
		"availability": availability,
	})
}

// CreateUnit handles unit registration
// 個体登録リクエストを処理
func (h *Handlers) CreateUnit(w http.ResponseWriter, r *http.Request) {
	var req CreateUnitRequest
	if !h.decode(w, r, &req) {
		return
	}

	mfg, _ := parseDate(req.ManufacturingDate)
	exp, _ := parseDate(req.ExpiryDate)
	unit, err := h.manager.CreateUnit(r.Context(), actorFrom(r), req.SerialNumber, mfg, exp, req.ProductID)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendCreated(w, unit)
}

// ListUnits handles unit listing filtered by product_id and status
// 個体一覧リクエストを処理
func (h *Handlers) ListUnits(w http.ResponseWriter, r *http.Request) {
	var filter inventory.UnitFilter
	q := r.URL.Query()

	if v := q.Get("product_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			h.sendError(w, http.StatusBadRequest, "invalid_request", "製品IDが不正です")
			return
		}
		filter.ProductID = &id
	}
	if v := q.Get("status"); v != "" {
		status := inventory.UnitStatus(v)
		filter.Status = &status
	}

	units, err := h.manager.ListUnits(r.Context(), actorFrom(r), filter)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, units)
}

// GetUnit handles unit lookup
// 個体取得リクエストを処理
func (h *Handlers) GetUnit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "unitId")
	if !ok {
		return
	}
	unit, err := h.manager.GetUnit(r.Context(), actorFrom(r), id)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, unit)
}

// DeleteUnit handles unit deletion
// 個体削除リクエストを処理
func (h *Handlers) DeleteUnit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "unitId")
	if !ok {
		return
	}
	if err := h.manager.DeleteUnit(r.Context(), actorFrom(r), id); err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, map[string]string{"message": "個体を削除しました"})
}

// ScanUnit resolves a scanned identity token
// 識別トークンのスキャンを処理
func (h *Handlers) ScanUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.manager.FindUnitByToken(r.Context(), actorFrom(r), r.URL.Query().Get("code"))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, unit)
}

// UnitHistory handles the audit trail of a unit
// 個体の入出庫履歴リクエストを処理
func (h *Handlers) UnitHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "unitId")
	if !ok {
		return
	}
	trail, err := h.tracking.UnitHistory(r.Context(), actorFrom(r), id)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, trail)
}

// ExpiringUnits lists in-stock units expiring within ?within= (Go duration)
// 期限間近の個体一覧を処理
func (h *Handlers) ExpiringUnits(w http.ResponseWriter, r *http.Request) {
	within := h.expiryWarning
	if v := r.URL.Query().Get("within"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "invalid_request", "期間の形式が不正です")
			return
		}
		within = d
	}

	units, err := h.tracking.ExpiringUnits(r.Context(), actorFrom(r), within)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, units)
}

// ExpiredUnits lists in-stock units past expiry
// 期限切れの個体一覧を処理
func (h *Handlers) ExpiredUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.tracking.ExpiredUnits(r.Context(), actorFrom(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, units)
}

// StockIn handles unit receipt
// 入庫リクエストを処理
func (h *Handlers) StockIn(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "unitId")
	if !ok {
		return
	}
	var req StockInRequest
	if !h.decode(w, r, &req) {
		return
	}

	received, _ := parseDate(req.ReceivedDate)
	event, err := h.manager.StockIn(r.Context(), actorFrom(r), id, received)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendCreated(w, event)
}

// StockOut handles unit sale
// 出庫リクエストを処理
func (h *Handlers) StockOut(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "unitId")
	if !ok {
		return
	}
	var req StockOutRequest
	if !h.decode(w, r, &req) {
		return
	}

	sold, _ := parseDate(req.SoldDate)
	event, err := h.manager.StockOut(r.Context(), actorFrom(r), id, sold)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendCreated(w, event)
}

// OverrideStatus handles an administrative status override
// ステータス上書きリクエストを処理
func (h *Handlers) OverrideStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "unitId")
	if !ok {
		return
	}
	var req OverrideStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	unit, err := h.manager.OverrideStatus(r.Context(), actorFrom(r), id, inventory.UnitStatus(req.Status), req.Reason)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, unit)
}

// QueryLedger returns the ledger as JSON
// 台帳照会リクエストを処理
func (h *Handlers) QueryLedger(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLedgerFilter(r)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	seq, err := h.manager.QueryLedger(r.Context(), actorFrom(r), filter)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	lines, err := inventory.CollectLedger(seq)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	if lines == nil {
		lines = []inventory.LedgerLine{}
	}
	h.sendSuccess(w, lines)
}

// ExportLedger streams the ledger as CSV
// 台帳をCSVで出力
func (h *Handlers) ExportLedger(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLedgerFilter(r)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	seq, err := h.manager.QueryLedger(r.Context(), actorFrom(r), filter)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "kind", "event_date", "unit_id", "serial_number", "product_id", "actor_id", "unit_status", "identity_token"})
	for line, err := range seq {
		if err != nil {
			// ヘッダー送信後のためステータスは変更できない
			h.logger.Error("台帳CSV出力が途中で失敗しました", zap.Error(err))
			break
		}
		_ = cw.Write([]string{
			strconv.FormatInt(line.ID, 10),
			string(line.Kind),
			line.EventDate.Format(dateLayout),
			strconv.FormatInt(line.UnitID, 10),
			line.SerialNumber,
			strconv.FormatInt(line.ProductID, 10),
			line.ActorID.String(),
			string(line.UnitStatus),
			line.IdentityToken,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Error("CSV書き込みに失敗しました", zap.Error(err))
	}
}

// Summary returns ledger and stock counts
// 入出庫集計リクエストを処理
func (h *Handlers) Summary(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLedgerFilter(r)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	summary, err := h.manager.Summarize(r.Context(), actorFrom(r), filter.From, filter.To)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, summary)
}

// Valuation returns the dashboard overview
// ダッシュボード概要リクエストを処理
func (h *Handlers) Valuation(w http.ResponseWriter, r *http.Request) {
	result, err := h.valuation.Calculate(r.Context(), actorFrom(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}
	h.sendSuccess(w, result)
}

// parseLedgerFilter reads from, to, actor_id and kind from the query string
func parseLedgerFilter(r *http.Request) (inventory.LedgerFilter, error) {
	var filter inventory.LedgerFilter
	q := r.URL.Query()

	if v := q.Get("from"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return filter, inventory.NewValidationError("from", inventory.ErrInvalidFilter, v)
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return filter, inventory.NewValidationError("to", inventory.ErrInvalidFilter, v)
		}
		filter.To = &t
	}
	if v := q.Get("actor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, inventory.NewValidationError("actor_id", inventory.ErrInvalidFilter, v)
		}
		filter.ActorID = &id
	}
	if v := q.Get("kind"); v != "" {
		kind := inventory.EventKind(v)
		filter.Kind = &kind
	}
	return filter, nil
}

// ヘルパーメソッド

func actorFrom(r *http.Request) inventory.Actor {
	actor, _ := inventory.ActorFromContext(r.Context())
	return actor
}

// decode reads and validates a JSON body; it writes the error response itself
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "無効なリクエスト形式です")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]string, len(ve))
			for _, fe := range ve {
				fields[fe.Field()] = fe.Tag()
			}
			h.sendJSON(w, http.StatusBadRequest, APIResponse{
				Success: false,
				Error:   "入力値が不正です",
				Code:    "invalid_request",
				Data:    fields,
			})
			return false
		}
		h.sendError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "IDが不正です")
		return 0, false
	}
	return id, true
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.sendJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func (h *Handlers) sendCreated(w http.ResponseWriter, data interface{}) {
	h.sendJSON(w, http.StatusCreated, APIResponse{Success: true, Data: data})
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, code, message string) {
	h.sendJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
		Code:    code,
	})
}

// sendDomainError maps an inventory error to its HTTP status
// ドメインエラーをHTTPステータスに変換して送信
func (h *Handlers) sendDomainError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("リクエスト処理に失敗しました", zap.Error(err))
		message = "内部エラーが発生しました"
	}
	h.sendError(w, status, code, message)
}

func (h *Handlers) sendJSON(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}
