// Package rpcwire implements the length-delimited RPC transport (spec
// §6.1/§6.2): a Unix stream socket carrying a 4-byte big-endian length
// prefix followed by one JSON request or response object, one goroutine per
// connection. The wire format mirrors pkg/kvstore's own record framing;
// the per-connection accept/handle split follows the same shape the
// original command-socket server in this corpus uses.
package rpcwire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cuemby/portod/pkg/cred"
	"github.com/cuemby/portod/pkg/errors"
	"github.com/cuemby/portod/pkg/log"
	"github.com/cuemby/portod/pkg/router"
	"github.com/cuemby/portod/pkg/workerpool"
	"github.com/rs/zerolog"
)

// maxMessageSize bounds a single frame, guarding against a hostile or
// corrupt length prefix forcing an enormous allocation.
const maxMessageSize = 16 * 1024 * 1024

// message is the wire envelope for both directions. Only the fields a given
// Method needs are populated; json omits the zero-valued rest.
type message struct {
	Method    router.Method `json:"method,omitempty"`
	Name      string        `json:"name,omitempty"`
	Names     []string      `json:"names,omitempty"`
	Key       string        `json:"key,omitempty"`
	Value     string        `json:"value,omitempty"`
	Signal    int           `json:"signal,omitempty"`
	Variables []string      `json:"variables,omitempty"`
	TimeoutMs int64         `json:"timeout_ms,omitempty"`

	ErrorCode int                          `json:"error_code"`
	Error     string                       `json:"error,omitempty"`
	Fired     string                       `json:"fired,omitempty"`
	Batch     map[string]map[string]wireVariable `json:"batch,omitempty"`
}

// wireVariable is holder.Variable flattened to a JSON-safe shape: a bare
// error interface does not round-trip through encoding/json.
type wireVariable struct {
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// Server accepts connections on a Unix socket and dispatches each framed
// request to a Router, running the dispatch itself on the shared RPC
// worker pool (spec §5) rather than on the per-connection goroutine.
type Server struct {
	router   *router.Router
	pool     *workerpool.Pool
	sockPath string
	logger   zerolog.Logger

	listener net.Listener
}

// New builds a Server. sockPath is removed and recreated by Serve; it must
// sit on a directory the daemon already owns (spec §6.2's "socket path for
// RPC"). pool is the fixed-size worker pool every dispatched request runs
// on; the caller starts and stops it.
func New(r *router.Router, pool *workerpool.Pool, sockPath string) *Server {
	return &Server{router: r, pool: pool, sockPath: sockPath, logger: log.WithComponent("rpcwire")}
}

// Serve binds the socket and accepts connections until the listener is
// closed by Close. Each connection is handled on its own goroutine and
// survives until the client disconnects or sends an unframeable message.
func (s *Server) Serve() error {
	_ = os.Remove(s.sockPath)

	l, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return errors.Wrap(errors.Unknown, err, "listen on %s", s.sockPath)
	}
	s.listener = l

	for {
		conn, err := l.Accept()
		if err != nil {
			if errIsClosed(err) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		go s.handle(conn.(*net.UnixConn))
	}
}

// Close stops accepting new connections; connections already in flight are
// left to finish on their own.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handle(conn *net.UnixConn) {
	defer conn.Close()

	peer, err := cred.FromConn(conn)
	if err != nil {
		s.logger.Warn().Err(err).Msg("rejecting connection: peer credentials unavailable")
		return
	}

	for {
		req, err := readMessage(conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug().Err(err).Msg("connection closed")
			}
			return
		}

		wireReq := router.Request{
			Method:    req.Method,
			Peer:      peer,
			Name:      req.Name,
			Names:     req.Names,
			Key:       req.Key,
			Value:     req.Value,
			Signal:    req.Signal,
			Variables: req.Variables,
			Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
		}

		done := make(chan error, 1)
		s.pool.Submit(func() {
			resp := s.router.Dispatch(wireReq)
			done <- writeMessage(conn, toWireResponse(resp))
		})

		if err := <-done; err != nil {
			s.logger.Debug().Err(err).Msg("write response failed, dropping connection")
			return
		}
	}
}

func toWireResponse(resp router.Response) message {
	var batch map[string]map[string]wireVariable
	if resp.Batch != nil {
		batch = make(map[string]map[string]wireVariable, len(resp.Batch))
		for name, vars := range resp.Batch {
			row := make(map[string]wireVariable, len(vars))
			for key, v := range vars {
				wv := wireVariable{Value: v.Value}
				if v.Err != nil {
					wv.Error = v.Err.Error()
				}
				row[key] = wv
			}
			batch[name] = row
		}
	}
	return message{
		ErrorCode: int(resp.Kind),
		Error:     resp.Message,
		Value:     resp.Value,
		Names:     resp.Names,
		Batch:     batch,
		Fired:     resp.Fired,
	}
}

// readMessage reads one length-prefixed JSON frame.
func readMessage(r io.Reader) (message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxMessageSize {
		return message{}, fmt.Errorf("rpcwire: frame of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return message{}, fmt.Errorf("rpcwire: truncated frame body: %w", err)
	}
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return message{}, fmt.Errorf("rpcwire: unmarshal frame: %w", err)
	}
	return m, nil
}

// writeMessage writes m as a single length-prefixed JSON frame.
func writeMessage(w io.Writer, m message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("rpcwire: marshal frame: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// errIsClosed reports whether Accept failed because Close was called on
// the listener, the normal way Serve's loop is asked to stop.
func errIsClosed(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}
