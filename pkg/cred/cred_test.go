package cred

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorizerSuperuserByUID(t *testing.T) {
	a := NewAuthorizer(nil)
	assert.True(t, a.IsSuperuser(Peer{UID: 0, GID: 100}))
	assert.False(t, a.IsSuperuser(Peer{UID: 1000, GID: 100}))
}

func TestAuthorizerSuperuserByGID(t *testing.T) {
	a := NewAuthorizer([]uint32{42})
	assert.True(t, a.IsSuperuser(Peer{UID: 1000, GID: 42}))
	assert.False(t, a.IsSuperuser(Peer{UID: 1000, GID: 43}))
}

func TestCanAccessOwnerOrSameGroup(t *testing.T) {
	a := NewAuthorizer(nil)
	owner := Peer{UID: 500, GID: 500}
	assert.True(t, a.CanAccess(owner, 500, 500))

	sameGroup := Peer{UID: 501, GID: 500}
	assert.True(t, a.CanAccess(sameGroup, 500, 500))

	stranger := Peer{UID: 600, GID: 600}
	assert.False(t, a.CanAccess(stranger, 500, 500))
}

func TestCanAccessSuperuserBypassesOwnership(t *testing.T) {
	a := NewAuthorizer(nil)
	root := Peer{UID: 0, GID: 0}
	assert.True(t, a.CanAccess(root, 500, 500))
}
