package codec

import "bytes"

// Raw is a passthrough codec treating messages as opaque byte slices. It is
// useful for generic tooling that frames and forwards messages without
// understanding them.
type Raw struct{}

// Name implements Codec.
func (Raw) Name() string {
	return "raw"
}

// MakeEncoder implements Codec.
func (Raw) MakeEncoder() Encoder[[]byte] {
	return EncoderFunc[[]byte](func(msg []byte, buf *bytes.Buffer) error {
		_, _ = buf.Write(msg)
		return nil
	})
}

// MakeDecoder implements Codec.
func (Raw) MakeDecoder() Decoder[[]byte] {
	return DecoderFunc[[]byte](func(data []byte) ([]byte, error) {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	})
}
