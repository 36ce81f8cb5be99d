package grpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/relay-rpc/relay/codec"
	"github.com/relay-rpc/relay/status"
)

func frame(t *testing.T, compressed bool, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, frameHeaderSize+len(payload))
	if compressed {
		buf[0] = frameFlagCompressed
	}
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

func recvAll(t *testing.T, s *Stream[[]byte]) ([][]byte, error) {
	t.Helper()
	var msgs [][]byte
	for {
		msg, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return msgs, nil
			}
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}

func TestFramingRoundTrip(t *testing.T) {
	messages := [][]byte{
		[]byte("first"),
		{},
		[]byte("third message, somewhat longer"),
	}

	rec := httptest.NewRecorder()
	fw := newFrameWriter(rec, codec.Raw{}.MakeEncoder(), EncodingIdentity, CompressionInherit, 0)
	for _, msg := range messages {
		if err := fw.send(msg); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	s := NewStream(rec.Body, codec.Raw{}.MakeDecoder(), EncodingIdentity, 0, nil)
	got, err := recvAll(t, s)
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if len(got) != len(messages) {
		t.Fatalf("got %d messages, want %d", len(got), len(messages))
	}
	for i := range messages {
		if !bytes.Equal(got[i], messages[i]) {
			t.Errorf("message %d = %q, want %q", i, got[i], messages[i])
		}
	}
}

func TestFramingRoundTripCompressed(t *testing.T) {
	messages := [][]byte{
		[]byte("alpha"),
		bytes.Repeat([]byte("beta "), 500),
	}

	for _, encoding := range []Encoding{EncodingGzip, EncodingZstd} {
		t.Run(encoding.String(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			fw := newFrameWriter(rec, codec.Raw{}.MakeEncoder(), encoding, CompressionInherit, 0)
			for _, msg := range messages {
				if err := fw.send(msg); err != nil {
					t.Fatalf("send failed: %v", err)
				}
			}

			// The first frame must carry the compressed flag.
			raw := rec.Body.Bytes()
			if raw[0] != frameFlagCompressed {
				t.Error("first frame missing compressed flag")
			}

			s := NewStream(rec.Body, codec.Raw{}.MakeDecoder(), encoding, 0, nil)
			got, err := recvAll(t, s)
			if err != nil {
				t.Fatalf("recv failed: %v", err)
			}
			if len(got) != len(messages) {
				t.Fatalf("got %d messages, want %d", len(got), len(messages))
			}
			for i := range messages {
				if !bytes.Equal(got[i], messages[i]) {
					t.Errorf("message %d mismatch", i)
				}
			}
		})
	}
}

func TestSingleMessageCompressionOverride(t *testing.T) {
	rec := httptest.NewRecorder()
	fw := newFrameWriter(rec, codec.Raw{}.MakeEncoder(), EncodingGzip, CompressionDisable, 0)
	if err := fw.send(bytes.Repeat([]byte("x"), 2048)); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	raw := rec.Body.Bytes()
	if raw[0] != 0 {
		t.Error("override did not suppress the compressed flag")
	}
	length := binary.BigEndian.Uint32(raw[1:])
	if int(length) != 2048 {
		t.Errorf("payload length = %d, want 2048 (uncompressed)", length)
	}
}

func TestEncodeSizeLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	fw := newFrameWriter(rec, codec.Raw{}.MakeEncoder(), EncodingIdentity, CompressionInherit, 16)

	err := fw.send(bytes.Repeat([]byte("x"), 17))
	if err == nil {
		t.Fatal("expected size-limit error")
	}
	if st := status.FromError(err); st.Code() != status.ResourceExhausted {
		t.Errorf("code = %v, want ResourceExhausted", st.Code())
	}
	// No partial frame may be emitted.
	if rec.Body.Len() != 0 {
		t.Errorf("body has %d bytes after failed send, want 0", rec.Body.Len())
	}
}

func TestDecodeSizeLimit(t *testing.T) {
	body := frame(t, false, bytes.Repeat([]byte("x"), 2048))

	s := NewStream(bytes.NewReader(body), codec.Raw{}.MakeDecoder(), EncodingIdentity, 1024, nil)
	_, err := s.Recv()
	if err == nil {
		t.Fatal("expected size-limit error")
	}
	if st := status.FromError(err); st.Code() != status.ResourceExhausted {
		t.Errorf("code = %v, want ResourceExhausted", st.Code())
	}
}

func TestCompressedFlagWithoutNegotiation(t *testing.T) {
	gz, _ := GetCompressor("gzip")
	payload, err := gz.Compress([]byte("data"))
	if err != nil {
		t.Fatalf("compress failed: %v", err)
	}

	s := NewStream(bytes.NewReader(frame(t, true, payload)), codec.Raw{}.MakeDecoder(), EncodingIdentity, 0, nil)
	_, err = s.Recv()
	if err == nil {
		t.Fatal("expected protocol error")
	}
	if st := status.FromError(err); st.Code() != status.Internal {
		t.Errorf("code = %v, want Internal", st.Code())
	}
}

func TestInvalidCompressedFlag(t *testing.T) {
	body := frame(t, false, []byte("data"))
	body[0] = 7

	s := NewStream(bytes.NewReader(body), codec.Raw{}.MakeDecoder(), EncodingIdentity, 0, nil)
	if _, err := s.Recv(); err == nil {
		t.Fatal("expected error for invalid flag byte")
	}
}

func TestTruncatedFrame(t *testing.T) {
	body := frame(t, false, []byte("full message"))

	testCases := []struct {
		name string
		cut  int
	}{
		{"partial header", 3},
		{"partial payload", frameHeaderSize + 4},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStream(bytes.NewReader(body[:tc.cut]), codec.Raw{}.MakeDecoder(), EncodingIdentity, 0, nil)
			_, err := s.Recv()
			if err == nil {
				t.Fatal("expected error for truncated frame")
			}
			if st := status.FromError(err); st.Code() != status.Internal {
				t.Errorf("code = %v, want Internal", st.Code())
			}
		})
	}
}

func TestStreamErrorSticky(t *testing.T) {
	body := frame(t, false, bytes.Repeat([]byte("x"), 100))
	s := NewStream(bytes.NewReader(body), codec.Raw{}.MakeDecoder(), EncodingIdentity, 10, nil)

	_, err1 := s.Recv()
	_, err2 := s.Recv()
	if err1 == nil || err2 == nil {
		t.Fatal("expected errors")
	}
	if !errors.Is(err2, err1) && err1.Error() != err2.Error() {
		t.Errorf("second Recv error %v differs from first %v", err2, err1)
	}
}
