package user

import "warimas-backoffice/internal/auth"

type User struct {
	ID     int64     `json:"id"`
	Email  string    `json:"email"`
	Role   auth.Role `json:"role"`
	Active bool      `json:"active"`
}

func (u *User) IsAgent() bool {
	return u.Active && u.Role == auth.RoleAgent
}
