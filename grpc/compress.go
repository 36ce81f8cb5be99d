package grpc

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/relay-rpc/relay/status"
)

// Encoding identifies a message compression algorithm.
type Encoding uint8

// Supported encodings. EncodingIdentity means no compression.
const (
	EncodingIdentity Encoding = iota
	EncodingGzip
	EncodingZstd
)

// Compression header names.
const (
	encodingHeader       = "Grpc-Encoding"
	acceptEncodingHeader = "Grpc-Accept-Encoding"
)

// String returns the wire name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingGzip:
		return "gzip"
	case EncodingZstd:
		return "zstd"
	default:
		return "identity"
	}
}

// ParseEncoding maps a wire name to an Encoding.
func ParseEncoding(name string) (Encoding, bool) {
	switch name {
	case "identity", "":
		return EncodingIdentity, true
	case "gzip":
		return EncodingGzip, true
	case "zstd":
		return EncodingZstd, true
	}
	return EncodingIdentity, false
}

// EnabledSet is an immutable bitset of non-identity encodings. The zero value
// accepts and offers identity only.
type EnabledSet uint8

// Enable returns a set with encoding added. Enabling identity is a no-op.
func (s EnabledSet) Enable(e Encoding) EnabledSet {
	if e == EncodingIdentity {
		return s
	}
	return s | 1<<e
}

// IsEnabled reports whether encoding is in the set. Identity is always
// enabled.
func (s EnabledSet) IsEnabled(e Encoding) bool {
	if e == EncodingIdentity {
		return true
	}
	return s&(1<<e) != 0
}

// Names returns the wire names of the enabled encodings, identity last. The
// result is used both for the grpc-accept-encoding response header and for
// negotiation error messages.
func (s EnabledSet) Names() []string {
	names := make([]string, 0, 3)
	for _, e := range []Encoding{EncodingGzip, EncodingZstd} {
		if s.IsEnabled(e) {
			names = append(names, e.String())
		}
	}
	return append(names, "identity")
}

// negotiateAcceptEncoding picks the response encoding: the first entry of the
// client's grpc-accept-encoding list that the server offers, or identity.
func negotiateAcceptEncoding(h http.Header, send EnabledSet) Encoding {
	accept := h.Get(acceptEncodingHeader)
	if accept == "" || send == 0 {
		return EncodingIdentity
	}
	for _, name := range strings.Split(accept, ",") {
		e, ok := ParseEncoding(strings.TrimSpace(name))
		if !ok || e == EncodingIdentity {
			continue
		}
		if send.IsEnabled(e) {
			return e
		}
	}
	return EncodingIdentity
}

// requestEncoding reads the client's grpc-encoding header and checks it
// against the server's accepted set. An unsupported encoding fails with
// Unimplemented and a message enumerating what the server accepts.
func requestEncoding(h http.Header, accept EnabledSet) (Encoding, *status.Status) {
	name := h.Get(encodingHeader)
	if name == "" || name == "identity" {
		return EncodingIdentity, nil
	}
	if e, ok := ParseEncoding(name); ok && accept.IsEnabled(e) {
		return e, nil
	}
	return EncodingIdentity, status.Newf(status.Unimplemented,
		"Content is compressed with unsupported encoding %q, accept-encoding: %s",
		name, strings.Join(accept.Names(), ","))
}

// Compressor implements one compression algorithm.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	// Decompress inflates data, failing once the output exceeds maxLen
	// bytes. maxLen <= 0 means unlimited.
	Decompress(data []byte, maxLen int) ([]byte, error)
}

// compressorRegistry holds registered compressors by encoding name.
var compressorRegistry = struct {
	sync.RWMutex
	compressors map[string]Compressor
}{
	compressors: make(map[string]Compressor),
}

// RegisterCompressor registers a compressor, replacing any previous one with
// the same name.
func RegisterCompressor(c Compressor) {
	compressorRegistry.Lock()
	defer compressorRegistry.Unlock()
	compressorRegistry.compressors[c.Name()] = c
}

// GetCompressor returns a compressor by name.
func GetCompressor(name string) (Compressor, bool) {
	compressorRegistry.RLock()
	defer compressorRegistry.RUnlock()
	c, ok := compressorRegistry.compressors[name]
	return c, ok
}

// GzipCompressor implements gzip compression with pooled writers and readers.
type GzipCompressor struct{}

var gzipWriterPool = sync.Pool{
	New: func() any {
		return gzip.NewWriter(nil)
	},
}

var gzipReaderPool = sync.Pool{
	New: func() any {
		return new(gzip.Reader)
	},
}

func (g *GzipCompressor) Name() string {
	return EncodingGzip.String()
}

func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	gz := gzipWriterPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer gzipWriterPool.Put(gz)

	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress write: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip compress close: %w", err)
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

func (g *GzipCompressor) Decompress(data []byte, maxLen int) ([]byte, error) {
	gz := gzipReaderPool.Get().(*gzip.Reader)
	defer gzipReaderPool.Put(gz)

	if err := gz.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("gzip decompress reset: %w", err)
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	src := io.Reader(gz)
	if maxLen > 0 {
		src = io.LimitReader(gz, int64(maxLen)+1)
	}
	n, err := io.Copy(buf, src)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress read: %w", err)
	}
	if maxLen > 0 && n > int64(maxLen) {
		return nil, fmt.Errorf("decompressed message exceeds %d bytes", maxLen)
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// ZstdCompressor implements zstd compression. A single encoder/decoder pair
// is shared; both are safe for concurrent EncodeAll/DecodeAll use.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor creates a zstd compressor with default options.
func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

func (z *ZstdCompressor) Name() string {
	return EncodingZstd.String()
}

func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, nil), nil
}

func (z *ZstdCompressor) Decompress(data []byte, maxLen int) ([]byte, error) {
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if maxLen > 0 && len(out) > maxLen {
		return nil, fmt.Errorf("decompressed message exceeds %d bytes", maxLen)
	}
	return out, nil
}

func init() {
	RegisterCompressor(&GzipCompressor{})
	if z, err := NewZstdCompressor(); err == nil {
		RegisterCompressor(z)
	}
}
