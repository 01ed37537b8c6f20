package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermissionGrant(t *testing.T) {
	grant := NewPermissionGrant(PermFSRead, PermFSList)

	assert.True(t, grant.Has(PermFSRead))
	assert.False(t, grant.Has(PermFSWrite))

	assert.True(t, grant.Covers(nil))
	assert.True(t, grant.Covers([]Permission{PermFSRead}))
	assert.True(t, grant.Covers([]Permission{PermFSRead, PermFSList}))
	assert.False(t, grant.Covers([]Permission{PermFSRead, PermFSWrite}))

	assert.Equal(t, []Permission{PermFSStat, PermFSWrite}, grant.Missing([]Permission{PermFSWrite, PermFSRead, PermFSStat, PermFSWrite}))
	assert.Equal(t, []Permission{PermFSList, PermFSRead}, grant.List())
}

func TestPermissionGrant_ZeroValue(t *testing.T) {
	var grant PermissionGrant
	assert.False(t, grant.Has(PermFSRead))
	assert.True(t, grant.Covers(nil))
	assert.False(t, grant.Covers([]Permission{PermFSRead}))
	assert.Nil(t, grant.List())
}

func TestIsKnownPermission(t *testing.T) {
	assert.True(t, IsKnownPermission(PermBackendRegister))
	assert.True(t, IsKnownPermission("window.setBounds"))
	assert.False(t, IsKnownPermission("window.explode"))
}
