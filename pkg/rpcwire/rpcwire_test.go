package rpcwire

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/portod/pkg/cred"
	"github.com/cuemby/portod/pkg/holder"
	"github.com/cuemby/portod/pkg/router"
	"github.com/cuemby/portod/pkg/waiter"
	"github.com/cuemby/portod/pkg/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, string) {
	h := holder.New(10, 10)
	authz := cred.NewAuthorizer(nil)
	r := router.New(h, nil, nil, waiter.New(), authz, time.Second)

	pool := workerpool.New(4, 16)
	pool.Start()
	t.Cleanup(pool.Stop)

	sockPath := filepath.Join(t.TempDir(), "portod.sock")
	s := New(r, pool, sockPath)
	go s.Serve()
	t.Cleanup(func() { s.Close() })

	// Give Serve a moment to bind before the first dial.
	for i := 0; i < 100; i++ {
		if conn, err := net.Dial("unix", sockPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(time.Millisecond)
	}
	return s, sockPath
}

func dial(t *testing.T, sockPath string) *net.UnixConn {
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	return conn.(*net.UnixConn)
}

func roundTrip(t *testing.T, conn *net.UnixConn, req message) message {
	require.NoError(t, writeMessage(conn, req))
	resp, err := readMessage(conn)
	require.NoError(t, err)
	return resp
}

func TestServeRoundTripsCreateAndVersion(t *testing.T) {
	_, sockPath := startTestServer(t)
	conn := dial(t, sockPath)
	defer conn.Close()

	resp := roundTrip(t, conn, message{Method: router.MethodCreate, Name: "box"})
	assert.Equal(t, 0, resp.ErrorCode)

	resp = roundTrip(t, conn, message{Method: router.MethodVersion})
	assert.Equal(t, router.Version, resp.Value)
}

func TestServeReturnsWireStableErrorCode(t *testing.T) {
	_, sockPath := startTestServer(t)
	conn := dial(t, sockPath)
	defer conn.Close()

	resp := roundTrip(t, conn, message{Method: router.MethodStart, Name: "missing"})
	assert.NotEqual(t, 0, resp.ErrorCode)
	assert.NotEmpty(t, resp.Error)
}

func TestServeHandlesMultipleConnectionsConcurrently(t *testing.T) {
	_, sockPath := startTestServer(t)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		name := "box"
		if i == 1 {
			name = "other"
		}
		go func(name string) {
			defer func() { done <- struct{}{} }()
			conn := dial(t, sockPath)
			defer conn.Close()
			resp := roundTrip(t, conn, message{Method: router.MethodCreate, Name: name})
			assert.Equal(t, 0, resp.ErrorCode)
		}(name)
	}
	<-done
	<-done
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		var hdr [4]byte
		hdr[0] = 0xFF
		hdr[1] = 0xFF
		hdr[2] = 0xFF
		hdr[3] = 0xFF
		client.Write(hdr[:])
	}()

	_, err := readMessage(server)
	assert.Error(t, err)
}
