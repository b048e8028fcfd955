package auth

type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleSeller Role = "SELLER"
	RoleAgent  Role = "DELIVERY_AGENT"
	RoleUser   Role = "USER"
	RoleSystem Role = "SYSTEM"
)

// Caller is the identity a request handler passes into every service operation.
type Caller struct {
	UserID int64
	Email  string
	Role   Role
}

// System is used for internal follow-up work (auto-finish, reconcile, intake)
// whose triggering request was already authorized.
var System = Caller{Role: RoleSystem}

func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

func (c Caller) IsSystem() bool {
	return c.Role == RoleSystem
}

func (c Caller) Authenticated() bool {
	return c.UserID != 0 || c.IsSystem()
}
