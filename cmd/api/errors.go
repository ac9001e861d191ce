package main

import (
	"errors"
	"net/http"

	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
)

// 機械可読なエラーコード（クライアントのリトライ判定に使用）
var errorCodes = []struct {
	err  error
	code string
}{
	{inventory.ErrAlreadyStocked, "already_stocked"},
	{inventory.ErrAlreadySold, "already_sold"},
	{inventory.ErrAlreadyInStock, "already_in_stock"},
	{inventory.ErrDuplicateSerial, "duplicate_serial"},
	{inventory.ErrDuplicateProduct, "duplicate_product"},
	{inventory.ErrStatusChanged, "status_changed"},
	{inventory.ErrUnitNotFound, "unit_not_found"},
	{inventory.ErrProductNotFound, "product_not_found"},
	{inventory.ErrNotInStock, "not_in_stock"},
	{inventory.ErrNotYetStockedIn, "not_yet_stocked_in"},
	{inventory.ErrHasEvents, "has_events"},
	{inventory.ErrHasUnits, "has_units"},
	{inventory.ErrInvalidTransition, "invalid_transition"},
	{inventory.ErrInvalidDateRange, "invalid_date_range"},
	{inventory.ErrFutureDate, "future_date"},
	{inventory.ErrExpiryNotInFuture, "expiry_not_in_future"},
	{inventory.ErrReceivedOutOfRange, "received_out_of_range"},
	{inventory.ErrSoldBeforeReceived, "sold_before_received"},
	{inventory.ErrSoldAfterExpiry, "sold_after_expiry"},
	{inventory.ErrMalformedToken, "malformed_token"},
	{inventory.ErrMalformedID, "malformed_id"},
	{inventory.ErrForbidden, "forbidden"},
}

// classify returns the HTTP status and error code for an inventory error
func classify(err error) (int, string) {
	code := "internal"
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			code = c.code
			break
		}
	}

	var (
		ve *inventory.ValidationError
		ce *inventory.ConflictError
		ne *inventory.NotFoundError
		se *inventory.StateError
		pe *inventory.PermissionError
	)
	switch {
	case errors.As(err, &ve):
		if code == "internal" {
			code = "invalid_request"
		}
		return http.StatusBadRequest, code
	case errors.As(err, &ce):
		return http.StatusConflict, code
	case errors.As(err, &ne):
		return http.StatusNotFound, code
	case errors.As(err, &se):
		return http.StatusUnprocessableEntity, code
	case errors.As(err, &pe):
		return http.StatusForbidden, code
	default:
		return http.StatusInternalServerError, "internal"
	}
}
