package grpc

import "github.com/relay-rpc/relay/metadata"

// Response is a typed outbound message plus the metadata emitted as response
// headers and trailers.
type Response[T any] struct {
	msg     T
	header  metadata.MD
	trailer metadata.MD
	ext     Extensions
}

// NewResponse creates a Response around msg with empty metadata.
func NewResponse[T any](msg T) *Response[T] {
	return &Response[T]{
		msg:     msg,
		header:  metadata.MD{},
		trailer: metadata.MD{},
	}
}

// Message returns the response message.
func (r *Response[T]) Message() T {
	return r.msg
}

// Header returns the metadata sent as initial response headers.
func (r *Response[T]) Header() metadata.MD {
	return r.header
}

// Trailer returns the metadata sent with the final trailers.
func (r *Response[T]) Trailer() metadata.MD {
	return r.trailer
}

// Extensions returns the per-call extension map. The dispatcher reads the
// SingleMessageCompressionOverride from here on single-message responses.
func (r *Response[T]) Extensions() *Extensions {
	return &r.ext
}
