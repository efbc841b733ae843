package auth

import "errors"

// ErrInvalidRole is returned for a role name that is not recognised.
var ErrInvalidRole = errors.New("invalid role")

// Role is the access level carried by a credential.
type Role string

const (
	// RoleOperator may create and cancel jobs.
	RoleOperator Role = "operator"
	// RoleViewer may only read jobs, metrics and events.
	RoleViewer Role = "viewer"
)

// Permission represents an action that can be performed.
type Permission string

const (
	// PermissionViewJobs allows reading jobs, queue status and events.
	PermissionViewJobs Permission = "view_jobs"
	// PermissionRunJobs allows creating jobs and scanning checkouts.
	PermissionRunJobs Permission = "run_jobs"
	// PermissionCancelJobs allows cancelling jobs.
	PermissionCancelJobs Permission = "cancel_jobs"
)

var rolePermissions = map[Role][]Permission{
	RoleOperator: {PermissionViewJobs, PermissionRunJobs, PermissionCancelJobs},
	RoleViewer:   {PermissionViewJobs},
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role Role, permission Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}
