package grpc

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// HTTP/2 server configuration constants.
const (
	defaultMaxConcurrentStreams = 100
	defaultMaxReadFrameSize     = 16 * 1024
	defaultIdleTimeout          = 120 * time.Second
	defaultReadHeaderTimeout    = 10 * time.Second
)

// NewServer wraps handler in an HTTP/2-capable server that accepts gRPC
// traffic over both TLS and plaintext (h2c). The dispatcher only needs an
// HTTP/2 layer underneath it; this helper provides one so a service can be
// mounted without further wiring.
func NewServer(addr string, handler http.Handler) *http.Server {
	h2 := &http2.Server{
		MaxConcurrentStreams: defaultMaxConcurrentStreams,
		MaxReadFrameSize:     defaultMaxReadFrameSize,
		IdleTimeout:          defaultIdleTimeout,
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(handler, h2),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	if err := http2.ConfigureServer(server, h2); err != nil {
		// Only reachable with a conflicting TLS config, which we don't set.
		panic(fmt.Sprintf("failed to configure HTTP/2: %v", err))
	}

	return server
}

// ListenAndServe starts an HTTP/2 server for handler on addr.
func ListenAndServe(addr string, handler http.Handler) error {
	server := NewServer(addr, handler)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return server.Serve(lis)
}
