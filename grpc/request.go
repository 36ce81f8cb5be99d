package grpc

import (
	"reflect"

	"github.com/relay-rpc/relay/metadata"
)

// Extensions is a type-keyed map carrying orthogonal per-call values, such as
// the single-message compression override.
type Extensions struct {
	m map[reflect.Type]any
}

// Set stores v under its dynamic type, replacing any previous value of that
// type.
func (e *Extensions) Set(v any) {
	if e.m == nil {
		e.m = make(map[reflect.Type]any, 1)
	}
	e.m[reflect.TypeOf(v)] = v
}

// GetExtension retrieves the value of type T from e.
func GetExtension[T any](e *Extensions) (T, bool) {
	var zero T
	if e == nil || e.m == nil {
		return zero, false
	}
	v, ok := e.m[reflect.TypeOf(zero)]
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// SingleMessageCompressionOverride controls compression of the one frame of a
// single-message response. It is read from the response extensions by the
// unary and client-streaming paths only; multi-message responses ignore it.
type SingleMessageCompressionOverride int

const (
	// CompressionInherit keeps the negotiated compression decision.
	CompressionInherit SingleMessageCompressionOverride = iota
	// CompressionDisable suppresses compression of the single response
	// frame, for messages small enough that compressing them costs more
	// than it saves.
	CompressionDisable
)

// Request is a typed inbound message plus its metadata. For client-streaming
// and bidirectional calls T is *Stream[M] and the service consumes messages
// lazily.
type Request[T any] struct {
	msg T
	md  metadata.MD
	ext Extensions
}

// NewRequest creates a Request around msg with empty metadata.
func NewRequest[T any](msg T) *Request[T] {
	return &Request[T]{msg: msg, md: metadata.MD{}}
}

// Message returns the request message or message stream.
func (r *Request[T]) Message() T {
	return r.msg
}

// Metadata returns the request metadata. For unary requests it is the union
// of the initial headers and any trailers, with trailer values following
// header values per key.
func (r *Request[T]) Metadata() metadata.MD {
	return r.md
}

// Extensions returns the per-call extension map.
func (r *Request[T]) Extensions() *Extensions {
	return &r.ext
}
