package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// DefaultBufferSize is the channel buffer capacity used when an endpoint
// does not override it.
const DefaultBufferSize = 1024

// Endpoint is an immutable configuration value describing one target. The
// With methods return modified copies, so an endpoint can be shared and
// branched freely.
type Endpoint struct {
	uri *url.URL
	cfg endpointConfig
}

// endpointConfig is validated before a channel is built from the endpoint.
type endpointConfig struct {
	Scheme            string        `validate:"required,oneof=http https"`
	Host              string        `validate:"required,hostname_port|hostname|ip"`
	ConnectTimeout    time.Duration `validate:"min=0"`
	KeepaliveInterval time.Duration `validate:"min=0"`
	KeepaliveTimeout  time.Duration `validate:"min=0"`
	MaxFrameSize      uint32        `validate:"omitempty,gte=16384,lte=16777215"`
	MaxHeaderListSize uint32
	UserAgent         string
	BufferSize        int `validate:"gte=1"`

	tlsConfig *tls.Config
	executor  Executor
	logger    *zap.Logger
}

var validate = validator.New()

// NewEndpoint creates an endpoint for uri with default settings.
func NewEndpoint(uri *url.URL) *Endpoint {
	return &Endpoint{
		uri: uri,
		cfg: endpointConfig{
			Scheme:     uri.Scheme,
			Host:       uri.Host,
			BufferSize: DefaultBufferSize,
			executor:   DefaultExecutor,
			logger:     zap.NewNop(),
		},
	}
}

// FromStatic creates an endpoint from a URI string known at compile time. It
// panics on an invalid URI.
func FromStatic(s string) *Endpoint {
	ep, err := FromShared(s)
	if err != nil {
		panic(fmt.Sprintf("transport: invalid static URI %q: %v", s, err))
	}
	return ep
}

// FromShared parses a URI and returns an endpoint, or an error when the URI
// is invalid.
func FromShared(s string) (*Endpoint, error) {
	uri, err := url.Parse(s)
	if err != nil {
		return nil, newError("invalid URI", err)
	}
	if uri.Scheme == "" || uri.Host == "" {
		return nil, newError(fmt.Sprintf("invalid URI %q: scheme and host are required", s), nil)
	}
	return NewEndpoint(uri), nil
}

// URI returns the endpoint's target URI.
func (e *Endpoint) URI() *url.URL {
	return e.uri
}

func (e *Endpoint) clone() *Endpoint {
	out := *e
	return &out
}

// WithConnectTimeout bounds the TCP/TLS handshake duration.
func (e *Endpoint) WithConnectTimeout(d time.Duration) *Endpoint {
	out := e.clone()
	out.cfg.ConnectTimeout = d
	return out
}

// WithKeepalive enables HTTP/2 keepalive pings: a ping is sent after
// interval of read inactivity, and the connection is closed if no
// acknowledgement arrives within timeout.
func (e *Endpoint) WithKeepalive(interval, timeout time.Duration) *Endpoint {
	out := e.clone()
	out.cfg.KeepaliveInterval = interval
	out.cfg.KeepaliveTimeout = timeout
	return out
}

// WithMaxFrameSize sets the largest HTTP/2 frame the connection is willing
// to read.
func (e *Endpoint) WithMaxFrameSize(size uint32) *Endpoint {
	out := e.clone()
	out.cfg.MaxFrameSize = size
	return out
}

// WithMaxHeaderListSize caps the advertised header list size.
func (e *Endpoint) WithMaxHeaderListSize(size uint32) *Endpoint {
	out := e.clone()
	out.cfg.MaxHeaderListSize = size
	return out
}

// WithUserAgent sets the user-agent header on every request.
func (e *Endpoint) WithUserAgent(ua string) *Endpoint {
	out := e.clone()
	out.cfg.UserAgent = ua
	return out
}

// WithBufferSize sets the bounded queue capacity of channels built from this
// endpoint.
func (e *Endpoint) WithBufferSize(n int) *Endpoint {
	out := e.clone()
	out.cfg.BufferSize = n
	return out
}

// WithTLSConfig sets the TLS configuration for https endpoints.
func (e *Endpoint) WithTLSConfig(cfg *tls.Config) *Endpoint {
	out := e.clone()
	out.cfg.tlsConfig = cfg
	return out
}

// WithExecutor sets the executor that runs the channel's background tasks.
func (e *Endpoint) WithExecutor(ex Executor) *Endpoint {
	out := e.clone()
	out.cfg.executor = ex
	return out
}

// WithLogger sets the logger used by the connection and worker.
func (e *Endpoint) WithLogger(logger *zap.Logger) *Endpoint {
	out := e.clone()
	out.cfg.logger = logger
	return out
}

func (e *Endpoint) validate() error {
	if err := validate.Struct(e.cfg); err != nil {
		return newError("invalid endpoint configuration", err)
	}
	return nil
}

// Connect establishes the connection eagerly and returns a channel, failing
// fast if the target cannot be reached.
func (e *Endpoint) Connect(ctx context.Context) (*Channel, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	conn := newConnection(e)
	if err := conn.connect(ctx); err != nil {
		return nil, err
	}
	return newChannel(conn, e.cfg.BufferSize, e.cfg.executor, e.cfg.logger), nil
}

// ConnectLazy returns a channel whose connection is deferred until the first
// call.
func (e *Endpoint) ConnectLazy() (*Channel, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return newChannel(newConnection(e), e.cfg.BufferSize, e.cfg.executor, e.cfg.logger), nil
}
