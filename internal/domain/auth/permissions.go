package auth

import (
	"context"
	"slices"
)

const (
	PermKPIRead    = "kpi.read"
	PermKPIWrite   = "kpi.write"
	PermKPIApprove = "kpi.approve"
	PermKPIAdmin   = "kpi.admin"
	PermOrgRead    = "org.read"
)

var DefaultPermissions = []string{
	PermKPIRead,
	PermKPIWrite,
	PermKPIApprove,
	PermKPIAdmin,
	PermOrgRead,
}

var RolePermissions = map[Role][]string{
	RoleUser: {
		PermKPIRead,
		PermKPIWrite,
		PermOrgRead,
	},
	RoleManager: {
		PermKPIRead,
		PermKPIWrite,
		PermKPIApprove,
		PermOrgRead,
	},
	RoleAdmin: {
		PermKPIRead,
		PermKPIWrite,
		PermKPIApprove,
		PermKPIAdmin,
		PermOrgRead,
	},
	RoleSuperAdmin: {
		PermKPIRead,
		PermKPIWrite,
		PermKPIApprove,
		PermKPIAdmin,
		PermOrgRead,
	},
}

// StaticPermissions answers permission checks from RolePermissions.
type StaticPermissions struct{}

func (StaticPermissions) HasPermission(_ context.Context, role Role, permission string) (bool, error) {
	return slices.Contains(RolePermissions[role], permission), nil
}

// Can reports whether the caller's role grants permission.
func (c Caller) Can(permission string) bool {
	return slices.Contains(RolePermissions[c.Role], permission)
}
