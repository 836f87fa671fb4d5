package auth

import "fmt"

// Role is the caller's role as issued by the identity provider. The set is
// closed; anything outside it is rejected by ParseRole.
type Role string

const (
	RoleSuperAdmin Role = "superAdmin"
	RoleAdmin      Role = "admin"
	RoleManager    Role = "gestor"
	RoleUser       Role = "usuario"
)

var Roles = []Role{RoleSuperAdmin, RoleAdmin, RoleManager, RoleUser}

func ParseRole(raw string) (Role, error) {
	for _, role := range Roles {
		if string(role) == raw {
			return role, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", raw)
}

func (r Role) String() string {
	return string(r)
}

// Caller is the authenticated identity a request acts as. Optional
// attributes are empty when the identity provider did not supply them.
type Caller struct {
	UserID       string `json:"userId"`
	Role         Role   `json:"role"`
	CompanyID    string `json:"companyId"`
	TeamID       string `json:"teamId,omitempty"`
	EmployeeID   string `json:"employeeId,omitempty"`
	DepartmentID string `json:"departmentId,omitempty"`
}

func (c Caller) IsAdmin() bool {
	return c.Role == RoleSuperAdmin || c.Role == RoleAdmin
}
