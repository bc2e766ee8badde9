// Package authz is the static RBAC lookup consumed by the sync engine as a
// pure authorization oracle. It keeps no state and performs no I/O.
package authz

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleMember  Role = "member"
	RoleViewer  Role = "viewer"
)

type Permission string

const (
	PermTaskCreate      Permission = "task:create"
	PermTaskEdit        Permission = "task:edit"
	PermTaskDelete      Permission = "task:delete"
	PermTaskView        Permission = "task:view"
	PermConflictResolve Permission = "conflict:resolve"
	PermSyncTrigger     Permission = "sync:trigger"
)

var matrix = map[Role]map[Permission]bool{
	RoleAdmin: {
		PermTaskCreate:      true,
		PermTaskEdit:        true,
		PermTaskDelete:      true,
		PermTaskView:        true,
		PermConflictResolve: true,
		PermSyncTrigger:     true,
	},
	RoleManager: {
		PermTaskCreate:      true,
		PermTaskEdit:        true,
		PermTaskDelete:      true,
		PermTaskView:        true,
		PermConflictResolve: true,
		PermSyncTrigger:     true,
	},
	RoleMember: {
		PermTaskCreate:  true,
		PermTaskEdit:    true,
		PermTaskDelete:  false,
		PermTaskView:    true,
		PermSyncTrigger: true,
	},
	RoleViewer: {
		PermTaskView: true,
	},
}

func HasPermission(role Role, perm Permission) bool {
	return matrix[role][perm]
}

// CanEdit reports whether a user with the given role may edit a record owned
// by ownerID. Admins and managers edit anything; members only their own
// records.
func CanEdit(role Role, ownerID, userID string) bool {
	if !HasPermission(role, PermTaskEdit) {
		return false
	}
	if role == RoleAdmin || role == RoleManager {
		return true
	}
	return ownerID == userID
}

// CanDelete mirrors CanEdit for deletions. Members cannot delete at all.
func CanDelete(role Role, ownerID, userID string) bool {
	if !HasPermission(role, PermTaskDelete) {
		return false
	}
	if role == RoleAdmin || role == RoleManager {
		return true
	}
	return ownerID == userID
}
