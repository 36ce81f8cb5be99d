package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// connState tracks an endpoint's position in the balancer's state machine.
type connState int32

const (
	stateConnecting connState = iota
	stateReady
	stateFailed
)

// Connection drives one HTTP/2 connection to one endpoint. The connection is
// lazy: the dial happens on the first call (or an explicit connect). A failed
// connection stays failed; reconnection is the discovery layer's job.
type Connection struct {
	endpoint *Endpoint
	tr       *http2.Transport
	logger   *zap.Logger

	mu sync.Mutex
	cc *http2.ClientConn
	nc net.Conn

	state   atomic.Int32
	pending atomic.Int64
}

func newConnection(ep *Endpoint) *Connection {
	cfg := ep.cfg
	tr := &http2.Transport{
		AllowHTTP:         cfg.Scheme == "http",
		ReadIdleTimeout:   cfg.KeepaliveInterval,
		PingTimeout:       cfg.KeepaliveTimeout,
		MaxReadFrameSize:  cfg.MaxFrameSize,
		MaxHeaderListSize: cfg.MaxHeaderListSize,
	}
	return &Connection{
		endpoint: ep,
		tr:       tr,
		logger:   cfg.logger,
	}
}

// connect dials the endpoint and sets up the HTTP/2 client connection.
func (c *Connection) connect(ctx context.Context) error {
	_, err := c.conn(ctx)
	return err
}

// conn returns the established client connection, dialing on first use.
func (c *Connection) conn(ctx context.Context) (*http2.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cc != nil {
		if c.cc.CanTakeNewRequest() {
			return c.cc, nil
		}
		c.markFailed()
		return nil, newError("connection to "+c.endpoint.uri.Host+" is no longer usable", nil)
	}
	if connState(c.state.Load()) == stateFailed {
		return nil, newError("connection to "+c.endpoint.uri.Host+" has failed", nil)
	}

	nc, err := c.dial(ctx)
	if err != nil {
		c.markFailed()
		return nil, newError("failed to connect to "+c.endpoint.uri.Host, err)
	}

	cc, err := c.tr.NewClientConn(nc)
	if err != nil {
		_ = nc.Close()
		c.markFailed()
		return nil, newError("failed to start HTTP/2 on connection to "+c.endpoint.uri.Host, err)
	}

	c.nc = nc
	c.cc = cc
	c.state.Store(int32(stateReady))
	c.logger.Debug("connection established", zap.String("target", c.endpoint.uri.String()))
	return cc, nil
}

func (c *Connection) dial(ctx context.Context) (net.Conn, error) {
	cfg := c.endpoint.cfg
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	addr := authority(c.endpoint)

	if cfg.Scheme != "https" {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	tlsCfg := cfg.tlsConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = c.endpoint.uri.Hostname()
	}
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{http2.NextProtoTLS}
	}

	td := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
	return td.DialContext(ctx, "tcp", addr)
}

// ready reports whether the connection can accept a call. A lazy connection
// that has not dialed yet is considered ready; a terminally failed one
// reports its error so the worker can shut down.
func (c *Connection) ready(ctx context.Context) error {
	if connState(c.state.Load()) == stateFailed {
		return newError("connection to "+c.endpoint.uri.Host+" has failed", nil)
	}
	return ctx.Err()
}

// call issues one HTTP request over the connection. The request URL is
// rewritten to this endpoint's target, and the endpoint's user agent is
// applied.
func (c *Connection) call(ctx context.Context, req *http.Request) (*http.Response, error) {
	cc, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}

	req = req.Clone(ctx)
	req.URL.Scheme = c.endpoint.uri.Scheme
	req.URL.Host = c.endpoint.uri.Host
	req.Host = c.endpoint.uri.Host
	if ua := c.endpoint.cfg.UserAgent; ua != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", ua)
	}
	if req.Header.Get("Te") == "" {
		req.Header.Set("Te", "trailers")
	}

	c.pending.Add(1)
	resp, err := cc.RoundTrip(req)
	c.pending.Add(-1)
	if err != nil {
		if ctx.Err() == nil {
			c.markFailed()
		}
		return nil, newError("request to "+c.endpoint.uri.Host+" failed", err)
	}
	return resp, nil
}

// load returns the number of requests currently awaiting response headers,
// the signal P2C compares.
func (c *Connection) load() int64 {
	return c.pending.Load()
}

func (c *Connection) isReady() bool {
	return connState(c.state.Load()) == stateReady
}

func (c *Connection) markFailed() {
	if c.state.Swap(int32(stateFailed)) != int32(stateFailed) {
		c.logger.Warn("connection failed", zap.String("target", c.endpoint.uri.String()))
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc != nil {
		_ = c.cc.Close()
	}
	if c.nc != nil {
		_ = c.nc.Close()
	}
}

// authority resolves the host:port dial target, defaulting the port from
// the scheme.
func authority(ep *Endpoint) string {
	host := ep.uri.Host
	if strings.Contains(ep.uri.Hostname(), ":") && ep.uri.Port() == "" {
		// Bare IPv6 literal.
		host = "[" + ep.uri.Hostname() + "]"
	}
	if ep.uri.Port() != "" {
		return host
	}
	if ep.uri.Scheme == "https" {
		return host + ":443"
	}
	return host + ":80"
}
