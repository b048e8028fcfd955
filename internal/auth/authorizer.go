package auth

import (
	"context"
	"database/sql"

	"warimas-backoffice/internal/apperr"
)

// Authorizer decides whether a caller may manage a shop's fulfillment.
type Authorizer interface {
	AssertCanManageShop(ctx context.Context, caller Caller, shopID int64) error
}

// ShopAuthorizer grants admins every shop and sellers the shops they are members of.
type ShopAuthorizer struct {
	db *sql.DB
}

func NewShopAuthorizer(db *sql.DB) *ShopAuthorizer {
	return &ShopAuthorizer{db: db}
}

func (a *ShopAuthorizer) AssertCanManageShop(ctx context.Context, caller Caller, shopID int64) error {
	if caller.IsSystem() || caller.IsAdmin() {
		return nil
	}
	if caller.UserID == 0 || caller.Role != RoleSeller {
		return apperr.Forbidden("caller cannot manage this shop")
	}

	var exists bool
	err := a.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM shop_members
			WHERE shop_id = $1 AND user_id = $2
		)
	`, shopID, caller.UserID).Scan(&exists)
	if err != nil {
		return apperr.Internal(err)
	}
	if !exists {
		return apperr.Forbidden("caller cannot manage this shop")
	}
	return nil
}

// StaticAuthorizer is used by the memory storage driver. Sellers are mapped to
// their shops in process.
type StaticAuthorizer struct {
	Members map[int64][]int64
}

func (a StaticAuthorizer) AssertCanManageShop(_ context.Context, caller Caller, shopID int64) error {
	if caller.IsSystem() || caller.IsAdmin() {
		return nil
	}
	if caller.Role == RoleSeller {
		for _, id := range a.Members[caller.UserID] {
			if id == shopID {
				return nil
			}
		}
	}
	return apperr.Forbidden("caller cannot manage this shop")
}
