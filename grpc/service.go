// Package grpc implements the server-side core of the gRPC protocol: framed
// message streams, compression negotiation, and the dispatcher that adapts
// typed services onto HTTP/2 request/response bodies.
package grpc

import (
	"context"

	"github.com/relay-rpc/relay/metadata"
)

// The four call patterns are four distinct service contracts. A service
// receives a typed request (a single message or a lazy stream) and produces a
// typed response (a single message or a sequence of Send calls).

// UnaryService handles a single request message and returns a single
// response message.
type UnaryService[Req, Resp any] interface {
	Call(ctx context.Context, req *Request[Req]) (*Response[Resp], error)
}

// ServerStreamingService handles a single request message and sends zero or
// more response messages on the stream.
type ServerStreamingService[Req, Resp any] interface {
	Call(ctx context.Context, req *Request[Req], stream ServerStream[Resp]) error
}

// ClientStreamingService consumes a stream of request messages and returns a
// single response message.
type ClientStreamingService[Req, Resp any] interface {
	Call(ctx context.Context, req *Request[*Stream[Req]]) (*Response[Resp], error)
}

// StreamingService consumes a stream of request messages while sending
// response messages; the two directions are independent.
type StreamingService[Req, Resp any] interface {
	Call(ctx context.Context, req *Request[*Stream[Req]], stream ServerStream[Resp]) error
}

// ServerStream is the outbound half handed to server-streaming and
// bidirectional services.
type ServerStream[T any] interface {
	// Send writes one message to the client.
	Send(msg T) error
	// SetHeader adds response header metadata. It fails once the first
	// message has been sent.
	SetHeader(md metadata.MD) error
	// SetTrailer adds metadata to the final trailers.
	SetTrailer(md metadata.MD)
	// Context returns the context for this stream.
	Context() context.Context
}

// UnaryFunc adapts a function to UnaryService.
type UnaryFunc[Req, Resp any] func(ctx context.Context, req *Request[Req]) (*Response[Resp], error)

// Call implements UnaryService.
func (f UnaryFunc[Req, Resp]) Call(ctx context.Context, req *Request[Req]) (*Response[Resp], error) {
	return f(ctx, req)
}

// ServerStreamingFunc adapts a function to ServerStreamingService.
type ServerStreamingFunc[Req, Resp any] func(ctx context.Context, req *Request[Req], stream ServerStream[Resp]) error

// Call implements ServerStreamingService.
func (f ServerStreamingFunc[Req, Resp]) Call(ctx context.Context, req *Request[Req], stream ServerStream[Resp]) error {
	return f(ctx, req, stream)
}

// ClientStreamingFunc adapts a function to ClientStreamingService.
type ClientStreamingFunc[Req, Resp any] func(ctx context.Context, req *Request[*Stream[Req]]) (*Response[Resp], error)

// Call implements ClientStreamingService.
func (f ClientStreamingFunc[Req, Resp]) Call(ctx context.Context, req *Request[*Stream[Req]]) (*Response[Resp], error) {
	return f(ctx, req)
}

// StreamingFunc adapts a function to StreamingService.
type StreamingFunc[Req, Resp any] func(ctx context.Context, req *Request[*Stream[Req]], stream ServerStream[Resp]) error

// Call implements StreamingService.
func (f StreamingFunc[Req, Resp]) Call(ctx context.Context, req *Request[*Stream[Req]], stream ServerStream[Resp]) error {
	return f(ctx, req, stream)
}
