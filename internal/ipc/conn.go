package ipc

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSendBufferSize = 64
	writeDeadline         = 5 * time.Second
	maxLineBytes          = 1 << 20
)

// Conn represents one connected IPC client. Each Conn runs two goroutines —
// readPump and writePump — the same split as the teacher's websocket.Client,
// adapted from framed WebSocket messages to plain newline-delimited JSON
// over a Unix domain socket.
type Conn struct {
	srv *Server
	nc  net.Conn

	// send is the outbound response buffer. Workers write here; writePump
	// reads from here and forwards to the wire. It is never closed;
	// unregistering the connection closes `closed`, which stops writePump.
	send chan Response

	watch bool

	logger    *zap.Logger
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(srv *Server, nc net.Conn, logger *zap.Logger) *Conn {
	return &Conn{
		srv:    srv,
		nc:     nc,
		send:   make(chan Response, defaultSendBufferSize),
		logger: logger.With(zap.String("remote", nc.RemoteAddr().String())),
		closed: make(chan struct{}),
	}
}

// run registers the connection with the server and drives both pumps. It
// blocks until the connection closes.
func (c *Conn) run() {
	c.srv.register(c)
	go c.writePump()
	c.readPump()
}

// readPump decodes one JSON request per line and hands it to the server's
// request queue; its only other job is detecting disconnection, matching
// readPump's role in the teacher.
func (c *Conn) readPump() {
	defer func() {
		c.srv.unregister(c)
		c.nc.Close()
	}()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := decodeRequest(line)
		if err != nil {
			c.trySend(errResponse("", "", ErrInvalidJSON))
			continue
		}
		c.srv.enqueue(&inboundRequest{conn: c, req: req})
	}
}

// writePump forwards responses from the send channel to the wire — the
// only goroutine that writes to nc, mirroring the teacher's "writePump is
// the only goroutine that writes to conn" invariant.
func (c *Conn) writePump() {
	defer c.nc.Close()
	enc := json.NewEncoder(c.nc)

	for {
		select {
		case resp, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.nc.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := enc.Encode(resp); err != nil {
				c.logger.Warn("ipc: write failed", zap.Error(err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

// trySend enqueues resp without blocking. The backpressure cap is the send
// channel's capacity of defaultSendBufferSize (64) responses, counted in
// responses rather than bytes; there is no ipc_write_buffer_bytes setting.
// A full send buffer closes the connection rather than let one slow reader
// stall the server, matching Hub.Publish's "disconnect rather than block"
// policy.
func (c *Conn) trySend(resp Response) {
	select {
	case c.send <- resp:
	default:
		c.logger.Warn("ipc: write buffer overloaded, closing connection")
		c.closeConn()
	}
}

func (c *Conn) closeConn() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func decodeRequest(line []byte) (Request, error) {
	var head struct {
		Cmd       string `json:"cmd"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return Request{}, err
	}
	return Request{Cmd: head.Cmd, RequestID: head.RequestID, Raw: append(json.RawMessage{}, line...)}, nil
}
