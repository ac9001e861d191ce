package inventory

import (
	"fmt"
	"strconv"
	"strings"
)

// TokenSeparator delimits identity token segments. It matches the QR payloads
// already printed on labels, so it must not change.
const TokenSeparator = "-"

const (
	tokenUnitLiteral    = "PIID"
	tokenSerialLiteral  = "SN"
	tokenProductLiteral = "PID"
	tokenSegments       = 6
)

// TokenParts is the unit identity carried by a token
// 識別トークンが示す個体情報
type TokenParts struct {
	UnitID       int64
	SerialNumber string
	ProductID    int64
}

// EncodeToken builds PIID-{unitID}-SN-{serial}-PID-{productID}
// 識別トークン（QRペイロード）を生成
func EncodeToken(unitID int64, serial string, productID int64) (string, error) {
	if unitID <= 0 {
		return "", NewValidationError("unit_id", ErrMalformedID, strconv.FormatInt(unitID, 10))
	}
	if productID <= 0 {
		return "", NewValidationError("product_id", ErrMalformedID, strconv.FormatInt(productID, 10))
	}
	if serial == "" || strings.Contains(serial, TokenSeparator) {
		return "", NewValidationError("serial_number", ErrInvalidSerial, serial)
	}

	return strings.Join([]string{
		tokenUnitLiteral, strconv.FormatInt(unitID, 10),
		tokenSerialLiteral, serial,
		tokenProductLiteral, strconv.FormatInt(productID, 10),
	}, TokenSeparator), nil
}

// DecodeToken parses a token produced by EncodeToken. The result names a unit only;
// callers must re-check it against stored ownership and status.
// 識別トークンを解析
func DecodeToken(token string) (TokenParts, error) {
	parts := strings.Split(token, TokenSeparator)
	if len(parts) != tokenSegments ||
		parts[0] != tokenUnitLiteral ||
		parts[2] != tokenSerialLiteral ||
		parts[4] != tokenProductLiteral ||
		parts[3] == "" {
		return TokenParts{}, NewValidationError("token", ErrMalformedToken, token)
	}

	unitID, err := parseTokenID(parts[1])
	if err != nil {
		return TokenParts{}, NewValidationError("token", ErrMalformedID, token)
	}
	productID, err := parseTokenID(parts[5])
	if err != nil {
		return TokenParts{}, NewValidationError("token", ErrMalformedID, token)
	}

	return TokenParts{
		UnitID:       unitID,
		SerialNumber: parts[3],
		ProductID:    productID,
	}, nil
}

func parseTokenID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("id must be positive: %d", id)
	}
	return id, nil
}
