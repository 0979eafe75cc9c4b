// Package cred extracts the calling uid/gid from a Unix domain socket
// connection via SO_PEERCRED, so the Holder and router can make permission
// decisions from kernel-verified identity instead of a client-declared
// owner field.
package cred

import (
	"net"

	"github.com/cuemby/portod/pkg/errors"
	"golang.org/x/sys/unix"
)

// Peer is the identity of a connected RPC client.
type Peer struct {
	PID int32
	UID uint32
	GID uint32
}

// FromConn extracts SO_PEERCRED from a *net.UnixConn. It fails closed: any
// error getting the credential is a Permission error, never a zero-value
// identity that could be mistaken for root.
func FromConn(conn *net.UnixConn) (Peer, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Peer{}, errors.Wrap(errors.Permission, err, "get raw conn for peer credentials")
	}

	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return Peer{}, errors.Wrap(errors.Permission, err, "control raw conn for peer credentials")
	}
	if sockErr != nil {
		return Peer{}, errors.Wrap(errors.Permission, sockErr, "SO_PEERCRED")
	}

	return Peer{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}

// Authorizer decides whether a Peer may act on behalf of a given owner
// uid/gid, honoring a fixed set of superuser gids (spec §9's "permission
// checks use the connection's real uid/gid").
type Authorizer struct {
	superuserGIDs map[uint32]struct{}
}

// NewAuthorizer builds an Authorizer from the configured superuser gids.
func NewAuthorizer(superuserGIDs []uint32) *Authorizer {
	set := make(map[uint32]struct{}, len(superuserGIDs))
	for _, g := range superuserGIDs {
		set[g] = struct{}{}
	}
	return &Authorizer{superuserGIDs: set}
}

// IsSuperuser reports whether p's uid is root or its gid is in the
// configured superuser set.
func (a *Authorizer) IsSuperuser(p Peer) bool {
	if p.UID == 0 {
		return true
	}
	_, ok := a.superuserGIDs[p.GID]
	return ok
}

// CanAccess reports whether p may operate on a container owned by
// (ownerUID, ownerGID): the owner, a superuser, or same-gid members may;
// everyone else is denied.
func (a *Authorizer) CanAccess(p Peer, ownerUID, ownerGID uint32) bool {
	if a.IsSuperuser(p) {
		return true
	}
	return p.UID == ownerUID || p.GID == ownerGID
}
