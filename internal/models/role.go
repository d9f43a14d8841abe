package models

// Role is a back-office operator role carried in admin tokens.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleFinance  Role = "finance"
	RoleReviewer Role = "reviewer"
)

// Valid reports whether r is one of the known operator roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleFinance, RoleReviewer:
		return true
	}
	return false
}
