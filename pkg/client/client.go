package client

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cuemby/portod/pkg/errors"
	"github.com/cuemby/portod/pkg/router"
)

const maxMessageSize = 16 * 1024 * 1024

// wireVariable mirrors pkg/rpcwire's flattened batch entry shape.
type wireVariable struct {
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

type message struct {
	Method    router.Method `json:"method,omitempty"`
	Name      string        `json:"name,omitempty"`
	Names     []string      `json:"names,omitempty"`
	Key       string        `json:"key,omitempty"`
	Value     string        `json:"value,omitempty"`
	Signal    int           `json:"signal,omitempty"`
	Variables []string      `json:"variables,omitempty"`
	TimeoutMs int64         `json:"timeout_ms,omitempty"`

	ErrorCode int                            `json:"error_code"`
	Error     string                         `json:"error,omitempty"`
	Fired     string                         `json:"fired,omitempty"`
	Batch     map[string]map[string]wireVariable `json:"batch,omitempty"`
}

// Client is a connection to a portod RPC socket, wrapping the
// pkg/rpcwire framing with one typed method per spec §6.1 call.
type Client struct {
	conn net.Conn
}

// Dial connects to portod's RPC socket at sockPath.
func Dial(sockPath string) (*Client, error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("connect to portod at %s: %w", sockPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(req message) (message, error) {
	if err := writeMessage(c.conn, req); err != nil {
		return message{}, fmt.Errorf("send request: %w", err)
	}
	resp, err := readMessage(c.conn)
	if err != nil {
		return message{}, fmt.Errorf("read response: %w", err)
	}
	if resp.ErrorCode != 0 {
		return resp, errors.New(errors.Kind(resp.ErrorCode), "%s", resp.Error)
	}
	return resp, nil
}

// Create issues the create() RPC.
func (c *Client) Create(name string) error {
	_, err := c.call(message{Method: router.MethodCreate, Name: name})
	return err
}

// Destroy issues the destroy() RPC.
func (c *Client) Destroy(name string) error {
	_, err := c.call(message{Method: router.MethodDestroy, Name: name})
	return err
}

// Start issues the start() RPC.
func (c *Client) Start(name string) error {
	_, err := c.call(message{Method: router.MethodStart, Name: name})
	return err
}

// Stop issues the stop() RPC.
func (c *Client) Stop(name string) error {
	_, err := c.call(message{Method: router.MethodStop, Name: name})
	return err
}

// Pause issues the pause() RPC.
func (c *Client) Pause(name string) error {
	_, err := c.call(message{Method: router.MethodPause, Name: name})
	return err
}

// Resume issues the resume() RPC.
func (c *Client) Resume(name string) error {
	_, err := c.call(message{Method: router.MethodResume, Name: name})
	return err
}

// Kill issues the kill(name, signal) RPC.
func (c *Client) Kill(name string, signal int) error {
	_, err := c.call(message{Method: router.MethodKill, Name: name, Signal: signal})
	return err
}

// List issues the list() RPC, returning container names under prefix ("" for
// every top-level container).
func (c *Client) List(prefix string) ([]string, error) {
	resp, err := c.call(message{Method: router.MethodList, Name: prefix})
	if err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// PropertyList issues the propertylist() RPC.
func (c *Client) PropertyList() ([]string, error) {
	resp, err := c.call(message{Method: router.MethodPropertyList})
	if err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// DataList issues the datalist() RPC.
func (c *Client) DataList() ([]string, error) {
	resp, err := c.call(message{Method: router.MethodDataList})
	if err != nil {
		return nil, err
	}
	return resp.Names, nil
}

// GetProperty issues the getproperty(name, key) RPC.
func (c *Client) GetProperty(name, key string) (string, error) {
	resp, err := c.call(message{Method: router.MethodGetProperty, Name: name, Key: key})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// SetProperty issues the setproperty(name, key, value) RPC.
func (c *Client) SetProperty(name, key, value string) error {
	_, err := c.call(message{Method: router.MethodSetProperty, Name: name, Key: key, Value: value})
	return err
}

// GetData issues the getdata(name, key) RPC.
func (c *Client) GetData(name, key string) (string, error) {
	resp, err := c.call(message{Method: router.MethodGetData, Name: name, Key: key})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// BatchResult is one container's values in a Get response, mirroring
// holder.Variable but with the error already stringified for transport.
type BatchResult struct {
	Value string
	Err   string
}

// Get issues the get(names, variables) batch RPC.
func (c *Client) Get(names, variables []string) (map[string]map[string]BatchResult, error) {
	resp, err := c.call(message{Method: router.MethodGet, Names: names, Variables: variables})
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]BatchResult, len(resp.Batch))
	for name, vars := range resp.Batch {
		row := make(map[string]BatchResult, len(vars))
		for key, v := range vars {
			row[key] = BatchResult{Value: v.Value, Err: v.Error}
		}
		out[name] = row
	}
	return out, nil
}

// Wait issues the wait(names, timeout) RPC, blocking until one of names
// goes Dead/destroyed or timeout elapses. A negative timeout waits
// indefinitely; a zero timeout polls once.
func (c *Client) Wait(names []string, timeout time.Duration) (string, error) {
	timeoutMs := timeout.Milliseconds()
	if timeout < 0 {
		timeoutMs = -1
	}
	resp, err := c.call(message{Method: router.MethodWait, Names: names, TimeoutMs: timeoutMs})
	if err != nil {
		return "", err
	}
	return resp.Fired, nil
}

// Version issues the version() RPC.
func (c *Client) Version() (string, error) {
	resp, err := c.call(message{Method: router.MethodVersion})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

func readMessage(r io.Reader) (message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxMessageSize {
		return message{}, fmt.Errorf("client: frame of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return message{}, fmt.Errorf("client: truncated frame body: %w", err)
	}
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return message{}, fmt.Errorf("client: unmarshal frame: %w", err)
	}
	return m, nil
}

func writeMessage(w io.Writer, m message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("client: marshal frame: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
