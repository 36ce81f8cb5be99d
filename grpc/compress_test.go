package grpc

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/relay-rpc/relay/status"
)

func TestCompressorRoundTrip(t *testing.T) {
	zstd, err := NewZstdCompressor()
	if err != nil {
		t.Fatalf("zstd compressor: %v", err)
	}

	compressors := []Compressor{&GzipCompressor{}, zstd}
	testCases := []struct {
		name  string
		input []byte
	}{
		{"empty", []byte{}},
		{"small", []byte("hello world")},
		{"large", []byte(strings.Repeat("test data for compression ", 100))},
	}

	for _, c := range compressors {
		for _, tc := range testCases {
			t.Run(c.Name()+"/"+tc.name, func(t *testing.T) {
				compressed, err := c.Compress(tc.input)
				if err != nil {
					t.Fatalf("compress failed: %v", err)
				}

				decompressed, err := c.Decompress(compressed, 0)
				if err != nil {
					t.Fatalf("decompress failed: %v", err)
				}

				if !bytes.Equal(tc.input, decompressed) {
					t.Errorf("round trip failed: input len=%d, decompressed len=%d",
						len(tc.input), len(decompressed))
				}
			})
		}
	}
}

func TestDecompressLimit(t *testing.T) {
	gz := &GzipCompressor{}
	data := []byte(strings.Repeat("a", 4096))

	compressed, err := gz.Compress(data)
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}

	if _, err := gz.Decompress(compressed, 1024); err == nil {
		t.Error("expected error when decompressed size exceeds limit")
	}
	if _, err := gz.Decompress(compressed, 4096); err != nil {
		t.Errorf("unexpected error at exact limit: %v", err)
	}
}

func TestCompressorRegistry(t *testing.T) {
	for _, name := range []string{"gzip", "zstd"} {
		c, ok := GetCompressor(name)
		if !ok {
			t.Fatalf("%s compressor not registered", name)
		}
		if c.Name() != name {
			t.Errorf("compressor name = %s, want %s", c.Name(), name)
		}
	}

	if _, ok := GetCompressor("unknown"); ok {
		t.Error("expected false for unknown compressor")
	}
}

func TestEnabledSet(t *testing.T) {
	var s EnabledSet
	if !s.IsEnabled(EncodingIdentity) {
		t.Error("identity must always be enabled")
	}
	if s.IsEnabled(EncodingGzip) {
		t.Error("empty set should not enable gzip")
	}

	s = s.Enable(EncodingGzip)
	if !s.IsEnabled(EncodingGzip) {
		t.Error("gzip not enabled after Enable")
	}
	if s.IsEnabled(EncodingZstd) {
		t.Error("zstd enabled without Enable")
	}

	names := s.Enable(EncodingZstd).Names()
	want := []string{"gzip", "zstd", "identity"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range names {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
}

func TestNegotiateAcceptEncoding(t *testing.T) {
	both := EnabledSet(0).Enable(EncodingGzip).Enable(EncodingZstd)
	gzipOnly := EnabledSet(0).Enable(EncodingGzip)

	testCases := []struct {
		name   string
		accept string
		send   EnabledSet
		want   Encoding
	}{
		{"no header", "", both, EncodingIdentity},
		{"nothing offered", "gzip", 0, EncodingIdentity},
		{"first supported wins", "zstd, gzip", both, EncodingZstd},
		{"skips unsupported", "zstd, gzip", gzipOnly, EncodingGzip},
		{"skips unknown names", "snappy, gzip", both, EncodingGzip},
		{"identity ignored", "identity, gzip", both, EncodingGzip},
		{"no overlap", "zstd", gzipOnly, EncodingIdentity},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.accept != "" {
				h.Set("Grpc-Accept-Encoding", tc.accept)
			}
			if got := negotiateAcceptEncoding(h, tc.send); got != tc.want {
				t.Errorf("negotiated %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRequestEncoding(t *testing.T) {
	h := http.Header{}
	h.Set("Grpc-Encoding", "gzip")

	// Accepted encoding passes through.
	e, st := requestEncoding(h, EnabledSet(0).Enable(EncodingGzip))
	if st != nil {
		t.Fatalf("unexpected error: %v", st)
	}
	if e != EncodingGzip {
		t.Errorf("encoding = %v, want gzip", e)
	}

	// Unaccepted encoding fails with Unimplemented naming the accepted set.
	_, st = requestEncoding(h, 0)
	if st == nil {
		t.Fatal("expected error for unaccepted encoding")
	}
	if st.Code() != status.Unimplemented {
		t.Errorf("code = %v, want Unimplemented", st.Code())
	}
	if !strings.Contains(st.Message(), "accept-encoding: identity") {
		t.Errorf("message %q does not name the accepted set", st.Message())
	}

	// Absent and identity headers mean no decompression.
	for _, v := range []string{"", "identity"} {
		h := http.Header{}
		if v != "" {
			h.Set("Grpc-Encoding", v)
		}
		e, st := requestEncoding(h, 0)
		if st != nil || e != EncodingIdentity {
			t.Errorf("header %q: encoding=%v err=%v, want identity, nil", v, e, st)
		}
	}
}
