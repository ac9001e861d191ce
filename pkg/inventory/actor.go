package inventory

import (
	"context"

	"github.com/google/uuid"
)

// Role is the coarse permission level supplied by the authentication layer
type Role string

const (
	RoleAdmin Role = "Admin" // 管理者（全レコード参照可）
	RoleUser  Role = "User"  // 一般ユーザー（自分のレコードのみ）
)

// Actor is the authenticated identity performing an operation. The core trusts it.
// 操作を行う認証済みユーザー
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

// SystemActor is used by maintenance tooling
var SystemActor = Actor{ID: uuid.Nil, Role: RoleAdmin}

// IsAdmin reports whether the actor sees every record
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Owner returns the owner filter for queries: nil for admins, the actor otherwise
// 参照範囲の絞り込み（管理者はnil）
func (a Actor) Owner() *uuid.UUID {
	if a.IsAdmin() {
		return nil
	}
	id := a.ID
	return &id
}

// CanSee reports whether a record owned by ownerID is visible to the actor
func (a Actor) CanSee(ownerID uuid.UUID) bool {
	return a.IsAdmin() || a.ID == ownerID
}

type actorKey struct{}

// WithActor returns a context carrying the actor
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext extracts the actor placed by WithActor
// コンテキストからユーザーを取得
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}
