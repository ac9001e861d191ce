package inventory

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	maxSerialLength      = 100
	maxProductNameLength = 200
	maxDescriptionLength = 2000
	dateLayout           = "2006-01-02"
)

// 英数字、アンダースコア、ドット、スラッシュのみ許可（区切り文字は不可）
var serialPattern = regexp.MustCompile(`^[a-zA-Z0-9_./]+$`)

// ValidateSerialNumber シリアル番号の形式をバリデーション
func ValidateSerialNumber(serial string) error {
	if serial == "" || len(serial) > maxSerialLength {
		return NewValidationError("serial_number", ErrInvalidSerial, serial)
	}
	if strings.Contains(serial, TokenSeparator) || !serialPattern.MatchString(serial) {
		return NewValidationError("serial_number", ErrInvalidSerial, serial)
	}
	return nil
}

// ValidateUnitDates 製造日と有効期限をバリデーション
func ValidateUnitDates(mfg, exp, now time.Time) error {
	if mfg.After(exp) {
		return NewValidationError("manufacturing_date", ErrInvalidDateRange, mfg.Format(dateLayout)+" > "+exp.Format(dateLayout))
	}
	if mfg.After(now) {
		return NewValidationError("manufacturing_date", ErrFutureDate, mfg.Format(dateLayout))
	}
	if !exp.After(now) {
		return NewValidationError("expiry_date", ErrExpiryNotInFuture, exp.Format(dateLayout))
	}
	return nil
}

// ValidateReceivedDate 入庫日をバリデーション
func ValidateReceivedDate(unit *Unit, received, now time.Time) error {
	if received.Before(unit.ManufacturingDate) || received.After(unit.ExpiryDate) {
		return NewValidationError("received_date", ErrReceivedOutOfRange, received.Format(dateLayout))
	}
	if received.After(now) {
		return NewValidationError("received_date", ErrFutureDate, received.Format(dateLayout))
	}
	return nil
}

// ValidateSoldDate 販売日をバリデーション
func ValidateSoldDate(unit *Unit, stockIn *StockInEvent, sold, now time.Time) error {
	if stockIn != nil && sold.Before(stockIn.ReceivedDate) {
		return NewValidationError("sold_date", ErrSoldBeforeReceived, sold.Format(dateLayout))
	}
	if sold.After(unit.ExpiryDate) {
		return NewValidationError("sold_date", ErrSoldAfterExpiry, sold.Format(dateLayout))
	}
	if sold.After(now) {
		return NewValidationError("sold_date", ErrFutureDate, sold.Format(dateLayout))
	}
	return nil
}

// ValidateNewProduct 製品作成内容をバリデーション
func ValidateNewProduct(p NewProduct) error {
	name := strings.TrimSpace(p.Name)
	if name == "" || len(name) > maxProductNameLength {
		return NewValidationError("name", ErrInvalidName, p.Name)
	}
	if len(p.Description) > maxDescriptionLength {
		return NewValidationError("description", ErrInvalidName, "(too long)")
	}
	if !p.UnitCost.GreaterThan(decimal.Zero) {
		return NewValidationError("unit_cost", ErrInvalidPrice, p.UnitCost.String())
	}
	if p.SellingPrice.LessThan(p.UnitCost) {
		return NewValidationError("selling_price", ErrInvalidPrice, p.SellingPrice.String())
	}
	return nil
}

// ValidateLedgerFilter 台帳照会条件をバリデーション
func ValidateLedgerFilter(f LedgerFilter) error {
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return NewValidationError("date_range", ErrInvalidFilter, f.From.Format(dateLayout)+" > "+f.To.Format(dateLayout))
	}
	if f.Kind != nil && !f.Kind.Valid() {
		return NewValidationError("kind", ErrInvalidFilter, string(*f.Kind))
	}
	return nil
}
