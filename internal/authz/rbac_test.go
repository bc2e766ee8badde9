package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleAdmin, PermTaskDelete, true},
		{RoleAdmin, PermConflictResolve, true},
		{RoleManager, PermTaskDelete, true},
		{RoleMember, PermTaskCreate, true},
		{RoleMember, PermTaskDelete, false},
		{RoleMember, PermConflictResolve, false},
		{RoleViewer, PermTaskView, true},
		{RoleViewer, PermTaskCreate, false},
		{Role("unknown"), PermTaskView, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HasPermission(tt.role, tt.perm),
			"%s / %s", tt.role, tt.perm)
	}
}

func TestCanEdit(t *testing.T) {
	assert.True(t, CanEdit(RoleAdmin, "owner", "someone-else"))
	assert.True(t, CanEdit(RoleManager, "owner", "someone-else"))
	assert.True(t, CanEdit(RoleMember, "u1", "u1"))
	assert.False(t, CanEdit(RoleMember, "owner", "someone-else"))
	assert.False(t, CanEdit(RoleViewer, "u1", "u1"))
}

func TestCanDelete(t *testing.T) {
	assert.True(t, CanDelete(RoleAdmin, "owner", "someone-else"))
	assert.True(t, CanDelete(RoleManager, "owner", "someone-else"))
	// Members cannot delete even their own records.
	assert.False(t, CanDelete(RoleMember, "u1", "u1"))
	assert.False(t, CanDelete(RoleViewer, "u1", "u1"))
}
