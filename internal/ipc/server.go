package ipc

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/orchestrator"
)

const (
	defaultQueueCapacity  = 256
	defaultWorkerCount    = 8
	defaultRequestTimeout = 1500 * time.Millisecond
	defaultShutdownDrain  = 1 * time.Second
)

type inboundRequest struct {
	conn *Conn
	req  Request
}

// Server is the Control IPC Server: one shared socket accepting many
// clients, each a full-duplex newline-delimited-JSON channel. Accept and
// per-connection read loops run concurrently; every request lands in one
// bounded queue drained by a worker pool. Workers call the orchestrator
// concurrently; its registry lock serializes the resulting mutations while
// Control sees concurrent request handling, per §5's IPC concurrency model.
type Server struct {
	orch   *orchestrator.Orchestrator
	deps   Deps
	logger *zap.Logger

	requestTimeout time.Duration
	shutdownDrain  time.Duration

	listener net.Listener
	requests chan *inboundRequest

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	watchers map[*Conn]string // conn -> request_id the watch subscription was opened under

	shutdown func()
}

// New constructs a Server bound to a listener obtained via listen(path)
// (platform-specific: a Unix domain socket on POSIX, unimplemented on
// Windows — see server_windows.go). shutdown is invoked for
// control_orchestrator{action: "shutdown"}; it may be nil, in which case
// that action answers operations_not_managed.
func New(path string, orch *orchestrator.Orchestrator, deps Deps, shutdown func(), logger *zap.Logger) (*Server, error) {
	l, err := listen(path)
	if err != nil {
		return nil, err
	}
	return &Server{
		orch:           orch,
		deps:           deps,
		logger:         logger.Named("ipc"),
		requestTimeout: defaultRequestTimeout,
		shutdownDrain:  defaultShutdownDrain,
		listener:       l,
		requests:       make(chan *inboundRequest, defaultQueueCapacity),
		conns:          make(map[*Conn]struct{}),
		watchers:       make(map[*Conn]string),
		shutdown:       shutdown,
	}, nil
}

// Serve accepts connections and dispatches requests until ctx is
// cancelled. It then signals every connection to close, which makes each
// writePump return and close its socket at once, so responses still queued
// in send are dropped; there is no half-close. It then waits shutdownDrain
// and closes every socket again.
func (s *Server) Serve(ctx context.Context) error {
	for i := 0; i < defaultWorkerCount; i++ {
		go s.worker(ctx)
	}
	go s.watchBroadcaster(ctx)

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.shutdownConns()
				return nil
			default:
				s.logger.Warn("accept failed", zap.Error(err))
				return err
			}
		}
		c := newConn(s, nc, s.logger)
		go c.run()
	}
}

func (s *Server) register(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	delete(s.watchers, c)
	s.mu.Unlock()
	c.closeConn()
}

func (s *Server) shutdownConns() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeConn()
	}
	time.Sleep(s.shutdownDrain)
	for _, c := range conns {
		c.nc.Close()
	}
}

// enqueue hands a decoded request to the worker pool. On queue overflow it
// answers ipc_queue_overloaded immediately rather than blocking the
// connection's reader.
func (s *Server) enqueue(r *inboundRequest) {
	select {
	case s.requests <- r:
	default:
		r.conn.trySend(errResponse(r.req.Cmd, r.req.RequestID, ErrQueueOverloaded))
	}
}

func (s *Server) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.requests:
			reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
			resp := s.dispatch(reqCtx, r.conn, r.req)
			cancel()
			r.conn.trySend(resp)
		}
	}
}

// watchBroadcaster pushes a fresh get_agent_states snapshot to every
// watch-subscribed connection whenever the orchestrator reports a change.
func (s *Server) watchBroadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.orch.StateChanges():
			s.mu.Lock()
			targets := make(map[*Conn]string, len(s.watchers))
			for c, reqID := range s.watchers {
				targets[c] = reqID
			}
			s.mu.Unlock()

			snapshot := agentStatesPayload(s.orch.ListInstances())
			for c, reqID := range targets {
				c.trySend(ok("get_agent_states", reqID, snapshot))
			}
		}
	}
}
