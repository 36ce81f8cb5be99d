// Package codec defines the pluggable message codec consumed by the gRPC
// runtime, together with the default Protobuf implementation.
//
// A codec is a pair of factories. Each decoder and encoder handles exactly
// one message and carries no state across calls, so the runtime is free to
// create them per call or per frame.
package codec

import "bytes"

// Codec produces encoders for the Enc message type and decoders for the Dec
// message type. Implementations must be cheap to construct.
type Codec[Enc, Dec any] interface {
	// Name identifies the codec in content-type suffixes, e.g. "proto".
	Name() string
	// MakeEncoder returns a fresh single-message encoder.
	MakeEncoder() Encoder[Enc]
	// MakeDecoder returns a fresh single-message decoder.
	MakeDecoder() Decoder[Dec]
}

// Encoder serializes one message into buf.
type Encoder[T any] interface {
	Encode(msg T, buf *bytes.Buffer) error
}

// Decoder deserializes one message from data. The returned message must not
// retain data.
type Decoder[T any] interface {
	Decode(data []byte) (T, error)
}

// EncoderFunc adapts a function to the Encoder interface.
type EncoderFunc[T any] func(msg T, buf *bytes.Buffer) error

// Encode implements Encoder.
func (f EncoderFunc[T]) Encode(msg T, buf *bytes.Buffer) error {
	return f(msg, buf)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc[T any] func(data []byte) (T, error)

// Decode implements Decoder.
func (f DecoderFunc[T]) Decode(data []byte) (T, error) {
	return f(data)
}
