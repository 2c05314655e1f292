package transport

import (
	"context"
	"sync"
	"time"

	"gridstore/pkg/errcode"
	"gridstore/pkg/metrics"
	"gridstore/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Pool keeps one client connection per server and forwards requests over
// it. It implements redirect.Forwarder.
type Pool struct {
	mu          sync.Mutex
	connections map[string]*pooledConn
	dialOpts    []grpc.DialOption
	idleTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

type pooledConn struct {
	conn     *grpc.ClientConn
	lastUsed time.Time
	useCount int64
}

// PoolConfig tunes a Pool. A zero IdleTimeout means five minutes.
type PoolConfig struct {
	IdleTimeout time.Duration
	// DialOptions replace the default insecure transport credentials.
	DialOptions []grpc.DialOption
}

// NewPool returns an empty pool; connections are dialed on first use.
func NewPool(cfg PoolConfig, m *metrics.Metrics, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	opts := cfg.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithChainUnaryInterceptor(RequestIDClientInterceptor()))

	p := &Pool{
		connections: make(map[string]*pooledConn),
		dialOpts:    opts,
		idleTimeout: cfg.IdleTimeout,
		metrics:     m,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}
	go p.maintainConnections()
	return p
}

func (p *Pool) getConnection(host string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.connections[host]; ok && usable(pc.conn) {
		pc.lastUsed = time.Now()
		pc.useCount++
		return pc.conn, nil
	} else if ok {
		pc.conn.Close()
		delete(p.connections, host)
	}

	conn, err := grpc.NewClient("passthrough:///"+host, p.dialOpts...)
	if err != nil {
		return nil, err
	}
	p.connections[host] = &pooledConn{conn: conn, lastUsed: time.Now(), useCount: 1}
	p.metrics.SetPooledConns(len(p.connections))
	p.logger.Debug("Opened server connection", zap.String("host", host))
	return conn, nil
}

func usable(conn *grpc.ClientConn) bool {
	state := conn.GetState()
	return state != connectivity.Shutdown && state != connectivity.TransientFailure
}

// markUnhealthy drops a connection so the next call dials afresh.
func (p *Pool) markUnhealthy(host string, conn *grpc.ClientConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.connections[host]; ok && pc.conn == conn {
		pc.conn.Close()
		delete(p.connections, host)
		p.metrics.SetPooledConns(len(p.connections))
	}
}

// Forward sends req to host and waits for the reply. Transport failures
// map to UserSockConnectErr; a failure reported by the remote server is
// returned with its original code alongside the reply.
func (p *Pool) Forward(ctx context.Context, host string, req *types.Request) (*types.Response, error) {
	conn, err := p.getConnection(host)
	if err != nil {
		return nil, errcode.Wrap(errcode.UserSockConnectErr, err, "connect to %s", host)
	}

	in, err := EncodeRequest(req)
	if err != nil {
		return nil, errcode.Wrap(errcode.SysInternalErr, err, "")
	}

	out := new(structpb.Struct)
	if err := conn.Invoke(WithRequestID(ctx, req.ID), forwardMethod, in, out); err != nil {
		p.markUnhealthy(host, conn)
		return nil, errcode.Wrap(errcode.UserSockConnectErr, err, "forward to %s", host)
	}

	resp, err := DecodeResponse(out)
	if err != nil {
		return nil, errcode.Wrap(errcode.SysInternalErr, err, "")
	}
	if resp.Status < 0 {
		return resp, errcode.FromStatus(resp.Status, resp.Message)
	}
	return resp, nil
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}

func (p *Pool) maintainConnections() {
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.removeIdle(time.Now())
		case <-p.stopCleanup:
			return
		}
	}
}

func (p *Pool) removeIdle(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for host, pc := range p.connections {
		if now.Sub(pc.lastUsed) > p.idleTimeout {
			pc.conn.Close()
			delete(p.connections, host)
			p.logger.Debug("Removed idle connection", zap.String("host", host))
		}
	}
	p.metrics.SetPooledConns(len(p.connections))
}

// Close closes every connection and stops maintenance.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.stopCleanup) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.connections {
		pc.conn.Close()
	}
	p.connections = make(map[string]*pooledConn)
	p.metrics.SetPooledConns(0)
	return nil
}
