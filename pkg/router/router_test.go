package router

import (
	"testing"
	"time"

	"github.com/cuemby/portod/pkg/cred"
	"github.com/cuemby/portod/pkg/errors"
	"github.com/cuemby/portod/pkg/holder"
	"github.com/cuemby/portod/pkg/waiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() (*Router, *holder.Holder) {
	h := holder.New(10, 10)
	authz := cred.NewAuthorizer([]uint32{9999})
	r := New(h, nil, nil, waiter.New(), authz, time.Second)
	return r, h
}

func TestDispatchCreateAndList(t *testing.T) {
	r, _ := newTestRouter()
	owner := cred.Peer{UID: 1000, GID: 1000}

	resp := r.Dispatch(Request{Method: MethodCreate, Name: "box", Peer: owner})
	require.Equal(t, errors.Unknown, resp.Kind)

	resp = r.Dispatch(Request{Method: MethodList, Namespace: ""})
	assert.Contains(t, resp.Names, "box")
}

func TestDispatchCreateDuplicateFails(t *testing.T) {
	r, _ := newTestRouter()
	owner := cred.Peer{UID: 1000}
	require.Equal(t, errors.Unknown, r.Dispatch(Request{Method: MethodCreate, Name: "box", Peer: owner}).Kind)

	resp := r.Dispatch(Request{Method: MethodCreate, Name: "box", Peer: owner})
	assert.NotEqual(t, errors.Unknown, resp.Kind)
	assert.NotEmpty(t, resp.Message)
}

func TestDispatchStartDeniesNonOwner(t *testing.T) {
	r, _ := newTestRouter()
	owner := cred.Peer{UID: 1000, GID: 1000}
	require.Equal(t, errors.Unknown, r.Dispatch(Request{Method: MethodCreate, Name: "box", Peer: owner}).Kind)

	resp := r.Dispatch(Request{Method: MethodStart, Name: "box", Peer: cred.Peer{UID: 2000, GID: 2000}})
	assert.Equal(t, errors.Permission, resp.Kind)
}

func TestDispatchStartMissingContainer(t *testing.T) {
	r, _ := newTestRouter()
	resp := r.Dispatch(Request{Method: MethodStart, Name: "nope", Peer: cred.Peer{UID: 1}})
	assert.Equal(t, errors.ContainerDoesNotExist, resp.Kind)
}

func TestDispatchSetAndGetProperty(t *testing.T) {
	r, _ := newTestRouter()
	owner := cred.Peer{UID: 1000, GID: 1000}
	require.Equal(t, errors.Unknown, r.Dispatch(Request{Method: MethodCreate, Name: "box", Peer: owner}).Kind)

	resp := r.Dispatch(Request{Method: MethodSetProperty, Name: "box", Key: "command", Value: "/bin/true", Peer: owner})
	require.Equal(t, errors.Unknown, resp.Kind)

	resp = r.Dispatch(Request{Method: MethodGetProperty, Name: "box", Key: "command", Peer: owner})
	assert.Equal(t, "/bin/true", resp.Value)
}

func TestDispatchSetPropertyDeniesNonOwner(t *testing.T) {
	r, _ := newTestRouter()
	owner := cred.Peer{UID: 1000, GID: 1000}
	require.Equal(t, errors.Unknown, r.Dispatch(Request{Method: MethodCreate, Name: "box", Peer: owner}).Kind)

	resp := r.Dispatch(Request{Method: MethodSetProperty, Name: "box", Key: "command", Value: "/bin/true", Peer: cred.Peer{UID: 2000, GID: 2000}})
	assert.Equal(t, errors.Permission, resp.Kind)
}

func TestDispatchPropertyListAndDataList(t *testing.T) {
	r, _ := newTestRouter()
	resp := r.Dispatch(Request{Method: MethodPropertyList})
	assert.Contains(t, resp.Names, "command")

	resp = r.Dispatch(Request{Method: MethodDataList})
	assert.Contains(t, resp.Names, "state")
}

func TestDispatchVersion(t *testing.T) {
	r, _ := newTestRouter()
	resp := r.Dispatch(Request{Method: MethodVersion})
	assert.Equal(t, Version, resp.Value)
}

func TestDispatchUnknownMethod(t *testing.T) {
	r, _ := newTestRouter()
	resp := r.Dispatch(Request{Method: Method("bogus")})
	assert.Equal(t, errors.NotSupported, resp.Kind)
}

func TestDispatchDestroyNotifiesWaiters(t *testing.T) {
	r, h := newTestRouter()
	owner := cred.Peer{UID: 1000, GID: 1000}
	require.Equal(t, errors.Unknown, r.Dispatch(Request{Method: MethodCreate, Name: "box", Peer: owner}).Kind)

	resp := r.Dispatch(Request{Method: MethodDestroy, Name: "box", Peer: owner})
	require.Equal(t, errors.Unknown, resp.Kind)
	_, ok := h.Find("box")
	assert.False(t, ok)
}

func TestDispatchGetBatchesMultipleContainers(t *testing.T) {
	r, _ := newTestRouter()
	owner := cred.Peer{UID: 1000, GID: 1000}
	require.Equal(t, errors.Unknown, r.Dispatch(Request{Method: MethodCreate, Name: "a", Peer: owner}).Kind)
	require.Equal(t, errors.Unknown, r.Dispatch(Request{Method: MethodCreate, Name: "b", Peer: owner}).Kind)

	resp := r.Dispatch(Request{Method: MethodGet, Names: []string{"a", "b"}, Variables: []string{"state"}})
	assert.Len(t, resp.Batch, 2)
}

func TestDispatchWaitFiresOnDestroy(t *testing.T) {
	r, _ := newTestRouter()
	owner := cred.Peer{UID: 1000, GID: 1000}
	require.Equal(t, errors.Unknown, r.Dispatch(Request{Method: MethodCreate, Name: "box", Peer: owner}).Kind)

	done := make(chan Response, 1)
	go func() {
		done <- r.Dispatch(Request{Method: MethodWait, Names: []string{"box"}, Timeout: time.Second})
	}()

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, errors.Unknown, r.Dispatch(Request{Method: MethodDestroy, Name: "box", Peer: owner}).Kind)

	resp := <-done
	assert.Equal(t, "box", resp.Fired)
}
