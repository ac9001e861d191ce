package inventory

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every error returned by the manager wraps exactly one of these
// inside a typed error that carries its kind (validation, conflict, not found, state).
// 共通エラー定義

var (
	// Validation
	ErrInvalidDateRange   = errors.New("製造日が有効期限より後になっています")
	ErrFutureDate         = errors.New("未来の日付は指定できません")
	ErrExpiryNotInFuture  = errors.New("有効期限は未来の日付である必要があります")
	ErrReceivedOutOfRange = errors.New("入庫日が製造日と有効期限の範囲外です")
	ErrSoldBeforeReceived = errors.New("販売日が入庫日より前です")
	ErrSoldAfterExpiry    = errors.New("販売日が有効期限を過ぎています")
	ErrMalformedToken     = errors.New("識別トークンの形式が不正です")
	ErrMalformedID        = errors.New("識別トークンのIDが不正です")
	ErrInvalidPrice       = errors.New("価格が不正です")
	ErrInvalidSerial      = errors.New("シリアル番号が不正です")
	ErrInvalidName        = errors.New("名前が不正です")
	ErrInvalidStatus      = errors.New("ステータスが不正です")
	ErrInvalidFilter      = errors.New("絞り込み条件が不正です")

	// Conflict
	ErrAlreadyStocked   = errors.New("この個体は既に入庫されています")
	ErrAlreadySold      = errors.New("この個体は既に販売されています")
	ErrAlreadyInStock   = errors.New("この個体は既に在庫中です")
	ErrDuplicateSerial  = errors.New("同じ製品内でシリアル番号が重複しています")
	ErrDuplicateProduct = errors.New("同名の製品が既に存在します")
	ErrStatusChanged    = errors.New("個体のステータスが他の操作によって変更されました")

	// Not found
	ErrUnitNotFound    = errors.New("個体が見つかりません")
	ErrProductNotFound = errors.New("製品が見つかりません")

	// State
	ErrNotInStock        = errors.New("この個体は在庫中ではありません")
	ErrNotYetStockedIn   = errors.New("この個体はまだ入庫されていません")
	ErrHasEvents         = errors.New("入出庫記録がある個体は削除できません")
	ErrHasUnits          = errors.New("個体を保持する製品は削除できません")
	ErrInvalidTransition = errors.New("現在のステータスからは遷移できません")

	// Permission
	ErrForbidden = errors.New("この操作を行う権限がありません")
)

// ValidationError represents caller input that violates a rule
// 入力値のバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
	Err     error  `json:"-"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ConflictError represents a precondition violated by a concurrent or repeated action
// 同時実行または重複操作による競合を表現
type ConflictError struct {
	Resource string `json:"resource"` // リソース
	Message  string `json:"message"`  // エラーメッセージ
	Err      error  `json:"-"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("競合エラー [%s]: %s", e.Resource, e.Message)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// NotFoundError represents an absent unit, product or event
type NotFoundError struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
	Err      error  `json:"-"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s (%s: %s)", e.Err.Error(), e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// StateError represents a transition that is illegal in the current lifecycle state
// 現在のライフサイクル状態では不正な遷移を表現
type StateError struct {
	Resource string     `json:"resource"`
	Status   UnitStatus `json:"status,omitempty"`
	Err      error      `json:"-"`
}

func (e *StateError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("状態エラー [%s]: %s (現在: %s)", e.Resource, e.Err.Error(), e.Status)
	}
	return fmt.Sprintf("状態エラー [%s]: %s", e.Resource, e.Err.Error())
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// PermissionError represents an actor acting outside its role
type PermissionError struct {
	Operation string `json:"operation"`
	Err       error  `json:"-"`
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("権限エラー [%s]: %s", e.Operation, e.Err.Error())
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field string, err error, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: err.Error(),
		Value:   value,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(resource string, err error) *ConflictError {
	return &ConflictError{
		Resource: resource,
		Message:  err.Error(),
		Err:      err,
	}
}

// NewNotFoundError creates a new not-found error
func NewNotFoundError(resource string, id int64, err error) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       fmt.Sprintf("%d", id),
		Err:      err,
	}
}

// NewStateError creates a new state error
func NewStateError(resource string, status UnitStatus, err error) *StateError {
	return &StateError{
		Resource: resource,
		Status:   status,
		Err:      err,
	}
}

// NewPermissionError creates a new permission error
func NewPermissionError(operation string) *PermissionError {
	return &PermissionError{
		Operation: operation,
		Err:       ErrForbidden,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// IsAlreadyApplied reports whether err says the requested transition has already
// happened. Retry wrappers treat it as success rather than as a fresh failure.
// 既に適用済みの遷移かどうか（リトライ時は成功として扱う）
func IsAlreadyApplied(err error) bool {
	return errors.Is(err, ErrAlreadyStocked) || errors.Is(err, ErrAlreadySold)
}

// wrapStorage lifts a raw storage error into the manager's taxonomy. Errors that already
// carry a kind pass through; bare sentinels from the storage layer gain their kind here.
func wrapStorage(operation string, err error) error {
	if err == nil {
		return nil
	}
	var (
		ve  *ValidationError
		ce  *ConflictError
		ne  *NotFoundError
		se  *StateError
		pe  *PermissionError
		ste *StorageError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ce), errors.As(err, &ne),
		errors.As(err, &se), errors.As(err, &pe), errors.As(err, &ste):
		return err
	}

	for _, sentinel := range []error{ErrAlreadyStocked, ErrAlreadySold, ErrAlreadyInStock,
		ErrDuplicateSerial, ErrDuplicateProduct, ErrStatusChanged} {
		if errors.Is(err, sentinel) {
			return NewConflictError(operation, sentinel)
		}
	}
	for _, sentinel := range []error{ErrHasEvents, ErrHasUnits, ErrInvalidTransition} {
		if errors.Is(err, sentinel) {
			return NewStateError(operation, "", sentinel)
		}
	}
	if errors.Is(err, ErrUnitNotFound) {
		return &NotFoundError{Resource: "unit", Err: ErrUnitNotFound}
	}
	if errors.Is(err, ErrProductNotFound) {
		return &NotFoundError{Resource: "product", Err: ErrProductNotFound}
	}
	return NewStorageError(operation, "ストレージ操作に失敗しました", err)
}

// isNotFound reports whether err is the given not-found sentinel
func isNotFound(err, sentinel error) bool {
	return errors.Is(err, sentinel)
}
