package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// AllRoles lists every role a token may carry.
var AllRoles = []string{RoleAdmin, RoleOperator, RoleViewer}

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	for _, r := range AllRoles {
		if r == role {
			return true
		}
	}
	return false
}
