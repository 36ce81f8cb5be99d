package codec

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Proto is the default codec for Protobuf messages. Enc and Dec are the
// concrete generated message types for one direction pair of an RPC.
type Proto[Enc, Dec proto.Message] struct {
	newDec func() Dec
	opts   ProtoOptions
}

// ProtoOptions configures the Protobuf codec.
type ProtoOptions struct {
	// DiscardUnknown drops unknown fields when decoding instead of
	// preserving them.
	DiscardUnknown bool
	// Deterministic requests deterministic map ordering when encoding.
	Deterministic bool
}

// NewProto creates a Protobuf codec. newDec allocates a fresh decode target,
// typically func() *pb.Foo { return &pb.Foo{} }.
func NewProto[Enc, Dec proto.Message](newDec func() Dec, opts ProtoOptions) *Proto[Enc, Dec] {
	return &Proto[Enc, Dec]{newDec: newDec, opts: opts}
}

// Name implements Codec.
func (*Proto[Enc, Dec]) Name() string {
	return "proto"
}

// MakeEncoder implements Codec.
func (p *Proto[Enc, Dec]) MakeEncoder() Encoder[Enc] {
	mo := proto.MarshalOptions{Deterministic: p.opts.Deterministic}
	return EncoderFunc[Enc](func(msg Enc, buf *bytes.Buffer) error {
		raw, err := mo.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal protobuf: %w", err)
		}
		_, _ = buf.Write(raw)
		return nil
	})
}

// MakeDecoder implements Codec.
func (p *Proto[Enc, Dec]) MakeDecoder() Decoder[Dec] {
	uo := proto.UnmarshalOptions{DiscardUnknown: p.opts.DiscardUnknown}
	return DecoderFunc[Dec](func(data []byte) (Dec, error) {
		msg := p.newDec()
		if err := uo.Unmarshal(data, msg); err != nil {
			var zero Dec
			return zero, fmt.Errorf("failed to unmarshal protobuf: %w", err)
		}
		return msg, nil
	})
}
