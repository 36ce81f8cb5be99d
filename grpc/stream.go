package grpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/relay-rpc/relay/codec"
	"github.com/relay-rpc/relay/metadata"
	"github.com/relay-rpc/relay/status"
)

// Frame layout: one compressed-flag byte, four length bytes (big-endian),
// then the payload.
const (
	frameHeaderSize     = 5
	frameFlagCompressed = 1
)

// Buffer pools shared across the package.
var (
	frameHeaderPool = sync.Pool{
		New: func() any {
			b := make([]byte, frameHeaderSize)
			return &b
		},
	}

	bufferPool = sync.Pool{
		New: func() any {
			return &bytes.Buffer{}
		},
	}
)

// Stream is a lazy sequence of decoded messages read from a framed gRPC
// body, terminated by optional trailers.
type Stream[T any] struct {
	body     io.Reader
	trailers func() metadata.MD
	dec      codec.Decoder[T]
	encoding Encoding
	maxSize  int

	trailer metadata.MD
	err     error
	done    bool
}

// NewStream wraps a framed body. encoding is the negotiated request
// compression, maxSize the decoded message size limit (0 means unlimited).
// trailers, if non-nil, is consulted once the body reaches EOF; for net/http
// bodies pass a closure over http.Request.Trailer.
func NewStream[T any](body io.Reader, dec codec.Decoder[T], encoding Encoding, maxSize int, trailers func() metadata.MD) *Stream[T] {
	return &Stream[T]{
		body:     body,
		trailers: trailers,
		dec:      dec,
		encoding: encoding,
		maxSize:  maxSize,
	}
}

// newRequestStream builds a Stream over an http.Request body. The request's
// trailer map is only populated after the body has been consumed, so it is
// captured lazily.
func newRequestStream[T any](r *http.Request, dec codec.Decoder[T], encoding Encoding, maxSize int) *Stream[T] {
	return NewStream(r.Body, dec, encoding, maxSize, func() metadata.MD {
		return metadata.FromHeader(r.Trailer)
	})
}

// Recv returns the next message. It returns io.EOF at the end of the stream
// and a *status.Status for protocol, size-limit and codec failures. After a
// failure every subsequent call returns the same error.
func (s *Stream[T]) Recv() (T, error) {
	var zero T
	if s.err != nil {
		return zero, s.err
	}
	if s.done {
		return zero, io.EOF
	}

	msg, err := s.next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
			if s.trailers != nil {
				s.trailer = s.trailers()
			}
			return zero, io.EOF
		}
		s.err = err
		return zero, err
	}
	return msg, nil
}

func (s *Stream[T]) next() (T, error) {
	var zero T

	headerPtr := frameHeaderPool.Get().(*[]byte)
	header := *headerPtr
	defer frameHeaderPool.Put(headerPtr)

	if _, err := io.ReadFull(s.body, header); err != nil {
		if errors.Is(err, io.EOF) {
			return zero, io.EOF
		}
		return zero, status.Newf(status.Internal, "failed to read frame header: %v", err)
	}

	flag := header[0]
	if flag > frameFlagCompressed {
		return zero, status.Newf(status.Internal, "invalid compressed flag %d in frame header", flag)
	}
	compressed := flag == frameFlagCompressed
	if compressed && s.encoding == EncodingIdentity {
		return zero, status.New(status.Internal,
			"protocol error: received compressed frame but no grpc-encoding was negotiated")
	}

	length := int(binary.BigEndian.Uint32(header[1:]))
	if s.maxSize > 0 && length > s.maxSize {
		return zero, status.Newf(status.ResourceExhausted,
			"message of %d bytes exceeds maximum decoding message size of %d bytes", length, s.maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(s.body, payload); err != nil {
		return zero, status.Newf(status.Internal, "failed to read frame payload: %v", err)
	}

	if compressed {
		c, ok := GetCompressor(s.encoding.String())
		if !ok {
			return zero, status.Newf(status.Internal, "no compressor registered for %q", s.encoding)
		}
		inflated, err := c.Decompress(payload, s.maxSize)
		if err != nil {
			return zero, status.Newf(status.ResourceExhausted, "failed to decompress frame: %v", err)
		}
		payload = inflated
	}

	msg, err := s.dec.Decode(payload)
	if err != nil {
		return zero, status.Newf(status.Internal, "%v", err)
	}
	return msg, nil
}

// Trailer returns the trailers read at the end of the stream. It is only
// populated after Recv has returned io.EOF.
func (s *Stream[T]) Trailer() metadata.MD {
	return s.trailer
}

// frameWriter encodes messages as framed gRPC frames onto an HTTP response.
type frameWriter[T any] struct {
	w        io.Writer
	flusher  http.Flusher
	enc      codec.Encoder[T]
	encoding Encoding
	override SingleMessageCompressionOverride
	maxSize  int
}

func newFrameWriter[T any](w http.ResponseWriter, enc codec.Encoder[T], encoding Encoding, override SingleMessageCompressionOverride, maxSize int) *frameWriter[T] {
	flusher, _ := w.(http.Flusher)
	return &frameWriter[T]{
		w:        w,
		flusher:  flusher,
		enc:      enc,
		encoding: encoding,
		override: override,
		maxSize:  maxSize,
	}
}

// send encodes one message and writes it as a single frame. The compressed
// flag reflects the per-frame decision: compression applies when a
// non-identity encoding was negotiated and the single-message override does
// not disable it.
func (fw *frameWriter[T]) send(msg T) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := fw.enc.Encode(msg, buf); err != nil {
		return status.Newf(status.Internal, "%v", err)
	}
	if fw.maxSize > 0 && buf.Len() > fw.maxSize {
		return status.Newf(status.ResourceExhausted,
			"message of %d bytes exceeds maximum encoding message size of %d bytes", buf.Len(), fw.maxSize)
	}

	payload := buf.Bytes()
	compressed := fw.encoding != EncodingIdentity && fw.override != CompressionDisable
	if compressed {
		c, ok := GetCompressor(fw.encoding.String())
		if !ok {
			return status.Newf(status.Internal, "no compressor registered for %q", fw.encoding)
		}
		deflated, err := c.Compress(payload)
		if err != nil {
			return status.Newf(status.Internal, "failed to compress frame: %v", err)
		}
		payload = deflated
	}

	headerPtr := frameHeaderPool.Get().(*[]byte)
	header := *headerPtr
	defer frameHeaderPool.Put(headerPtr)

	if compressed {
		header[0] = frameFlagCompressed
	} else {
		header[0] = 0
	}
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload))) //nolint:gosec // bounded by maxSize

	if _, err := fw.w.Write(header); err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
	return nil
}
