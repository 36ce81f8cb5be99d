package grpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relay-rpc/relay/codec"
	"github.com/relay-rpc/relay/metadata"
	"github.com/relay-rpc/relay/status"
)

// Content type and header constants.
const (
	contentTypeGRPC = "application/grpc"

	statusHeader        = "Grpc-Status"
	messageHeader       = "Grpc-Message"
	statusDetailsHeader = "Grpc-Status-Details-Bin"
	timeoutHeader       = "Grpc-Timeout"
)

// DefaultMaxMessageSize is the default limit for decoded and encoded
// messages, 4 MiB.
const DefaultMaxMessageSize = 4 * 1024 * 1024

// Grpc is the server-side request dispatcher. It wires a message codec and
// optional per-direction compression into the four gRPC call shapes and
// produces well-formed HTTP responses: failures become trailer-only
// responses, never HTTP-level errors.
type Grpc[Req, Resp any] struct {
	codec           codec.Codec[Resp, Req]
	acceptEncodings EnabledSet
	sendEncodings   EnabledSet
	maxDecodeSize   int
	maxEncodeSize   int
}

// New creates a dispatcher around the provided codec. Both compression sets
// start empty (identity only) and both size limits default to 4 MiB.
func New[Req, Resp any](c codec.Codec[Resp, Req]) *Grpc[Req, Resp] {
	return &Grpc[Req, Resp]{
		codec:         c,
		maxDecodeSize: DefaultMaxMessageSize,
		maxEncodeSize: DefaultMaxMessageSize,
	}
}

// AcceptCompressed enables decompressing requests sent with encoding.
// Requests arriving with an encoding outside the accepted set fail with
// Unimplemented.
func (g *Grpc[Req, Resp]) AcceptCompressed(e Encoding) *Grpc[Req, Resp] {
	g.acceptEncodings = g.acceptEncodings.Enable(e)
	return g
}

// SendCompressed enables offering encoding for responses. The encoding is
// only used when the client advertises it in grpc-accept-encoding.
func (g *Grpc[Req, Resp]) SendCompressed(e Encoding) *Grpc[Req, Resp] {
	g.sendEncodings = g.sendEncodings.Enable(e)
	return g
}

// MaxDecodingMessageSize limits the size of decoded request messages.
func (g *Grpc[Req, Resp]) MaxDecodingMessageSize(limit int) *Grpc[Req, Resp] {
	g.maxDecodeSize = limit
	return g
}

// MaxEncodingMessageSize limits the size of encoded response messages.
func (g *Grpc[Req, Resp]) MaxEncodingMessageSize(limit int) *Grpc[Req, Resp] {
	g.maxEncodeSize = limit
	return g
}

// Unary handles a single-request, single-response call.
func (g *Grpc[Req, Resp]) Unary(svc UnaryService[Req, Resp], w http.ResponseWriter, r *http.Request) {
	accept := negotiateAcceptEncoding(r.Header, g.sendEncodings)

	req, st := g.mapRequestUnary(r)
	if st != nil {
		g.writeTrailersOnly(w, accept, st, nil)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	resp, err := svc.Call(ctx, req)
	if err != nil {
		g.writeTrailersOnly(w, accept, status.FromError(err), nil)
		return
	}

	override, _ := GetExtension[SingleMessageCompressionOverride](resp.Extensions())
	g.sendSingleMessage(w, resp, accept, override)
}

// ServerStreaming handles a single-request, streaming-response call.
func (g *Grpc[Req, Resp]) ServerStreaming(svc ServerStreamingService[Req, Resp], w http.ResponseWriter, r *http.Request) {
	accept := negotiateAcceptEncoding(r.Header, g.sendEncodings)

	req, st := g.mapRequestUnary(r)
	if st != nil {
		g.writeTrailersOnly(w, accept, st, nil)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	// Compression overrides apply to single-message responses only; per-frame
	// decisions on a stream follow the accept-encoding negotiation.
	stream := g.newServerStream(ctx, w, accept)
	err := svc.Call(ctx, req, stream)
	g.finishStream(w, stream, accept, err)
}

// ClientStreaming handles a streaming-request, single-response call. The
// framed decoder is handed to the service untouched; the service consumes it
// as a lazy sequence.
func (g *Grpc[Req, Resp]) ClientStreaming(svc ClientStreamingService[Req, Resp], w http.ResponseWriter, r *http.Request) {
	accept := negotiateAcceptEncoding(r.Header, g.sendEncodings)

	req, st := g.mapRequestStreaming(r)
	if st != nil {
		g.writeTrailersOnly(w, accept, st, nil)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	resp, err := svc.Call(ctx, req)
	if err != nil {
		g.writeTrailersOnly(w, accept, status.FromError(err), nil)
		return
	}

	override, _ := GetExtension[SingleMessageCompressionOverride](resp.Extensions())
	g.sendSingleMessage(w, resp, accept, override)
}

// Streaming handles a bidirectional call.
func (g *Grpc[Req, Resp]) Streaming(svc StreamingService[Req, Resp], w http.ResponseWriter, r *http.Request) {
	accept := negotiateAcceptEncoding(r.Header, g.sendEncodings)

	req, st := g.mapRequestStreaming(r)
	if st != nil {
		g.writeTrailersOnly(w, accept, st, nil)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	stream := g.newServerStream(ctx, w, accept)
	err := svc.Call(ctx, req, stream)
	g.finishStream(w, stream, accept, err)
}

// mapRequestUnary decodes exactly one message from the request body and
// merges any trailers into the request metadata.
func (g *Grpc[Req, Resp]) mapRequestUnary(r *http.Request) (*Request[Req], *status.Status) {
	encoding, st := g.checkRequest(r)
	if st != nil {
		return nil, st
	}

	stream := newRequestStream(r, g.codec.MakeDecoder(), encoding, g.maxDecodeSize)

	msg, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, status.New(status.Internal, "Missing request message.")
		}
		return nil, status.FromError(err)
	}

	// The request stream of a unary call carries exactly one message; a
	// second frame before the trailers is a protocol violation.
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, status.FromError(err)
		}
		return nil, status.New(status.Internal, "Expected request stream to end after a single message.")
	}

	req := &Request[Req]{msg: msg, md: requestMetadata(r.Header)}
	req.md.Merge(stream.Trailer())
	return req, nil
}

// mapRequestStreaming hands the framed decoder to the service without
// reading from it.
func (g *Grpc[Req, Resp]) mapRequestStreaming(r *http.Request) (*Request[*Stream[Req]], *status.Status) {
	encoding, st := g.checkRequest(r)
	if st != nil {
		return nil, st
	}

	stream := newRequestStream(r, g.codec.MakeDecoder(), encoding, g.maxDecodeSize)
	return &Request[*Stream[Req]]{msg: stream, md: requestMetadata(r.Header)}, nil
}

// checkRequest validates the content type and negotiates the request
// compression encoding.
func (g *Grpc[Req, Resp]) checkRequest(r *http.Request) (Encoding, *status.Status) {
	ct := r.Header.Get("Content-Type")
	if ct != contentTypeGRPC && !strings.HasPrefix(ct, contentTypeGRPC+"+") {
		return EncodingIdentity, status.Newf(status.Internal, "invalid content-type %q", ct)
	}
	return requestEncoding(r.Header, g.acceptEncodings)
}

// sendSingleMessage writes a one-message response body followed by trailers.
func (g *Grpc[Req, Resp]) sendSingleMessage(w http.ResponseWriter, resp *Response[Resp], accept Encoding, override SingleMessageCompressionOverride) {
	g.writeResponseHeaders(w, accept, resp.Header())
	w.WriteHeader(http.StatusOK)

	fw := newFrameWriter(w, g.codec.MakeEncoder(), accept, override, g.maxEncodeSize)
	if err := fw.send(resp.Message()); err != nil {
		writeTrailers(w, status.FromError(err), resp.Trailer())
		return
	}
	writeTrailers(w, nil, resp.Trailer())
}

// newServerStream builds the outbound half handed to streaming services.
func (g *Grpc[Req, Resp]) newServerStream(ctx context.Context, w http.ResponseWriter, accept Encoding) *serverStream[Resp] {
	return &serverStream[Resp]{
		ctx:          ctx,
		writeHeaders: func(header metadata.MD) { g.writeResponseHeaders(w, accept, header) },
		w:            w,
		fw:           newFrameWriter(w, g.codec.MakeEncoder(), accept, CompressionInherit, g.maxEncodeSize),
		header:       metadata.MD{},
		trailer:      metadata.MD{},
	}
}

// finishStream emits the terminal trailers for a streaming response. A
// service failure before the first frame produces a trailers-only response.
func (g *Grpc[Req, Resp]) finishStream(w http.ResponseWriter, stream *serverStream[Resp], accept Encoding, err error) {
	stream.mu.Lock()
	defer stream.mu.Unlock()

	var st *status.Status
	if err != nil {
		st = status.FromError(err)
	} else if stream.err != nil {
		st = status.FromError(stream.err)
	}

	if !stream.headersSent {
		g.writeTrailersOnly(w, accept, st, stream.trailer)
		return
	}
	writeTrailers(w, st, stream.trailer)
}

// writeResponseHeaders sets the initial response headers: the gRPC content
// type, the negotiated response encoding, the declared trailer keys, and any
// service-provided header metadata.
func (g *Grpc[Req, Resp]) writeResponseHeaders(w http.ResponseWriter, accept Encoding, header metadata.MD) {
	h := w.Header()
	h.Set("Content-Type", contentTypeGRPC)
	if accept != EncodingIdentity {
		h.Set(encodingHeader, accept.String())
	}
	if g.sendEncodings != 0 {
		h.Set(acceptEncodingHeader, strings.Join(g.sendEncodings.Names(), ","))
	}
	h.Set("Trailer", statusHeader+", "+messageHeader+", "+statusDetailsHeader)
	header.CopyTo(h)
}

// writeTrailersOnly reports an outcome with no body frames: HTTP 200 whose
// headers carry the status trailers.
func (g *Grpc[Req, Resp]) writeTrailersOnly(w http.ResponseWriter, accept Encoding, st *status.Status, trailer metadata.MD) {
	h := w.Header()
	h.Set("Content-Type", contentTypeGRPC)
	if accept != EncodingIdentity {
		h.Set(encodingHeader, accept.String())
	}
	setStatusHeaders(h, st)
	trailer.CopyTo(h)
	w.WriteHeader(http.StatusOK)
}

// writeTrailers emits the final trailers after a body has been written. The
// fixed gRPC keys were declared up front; metadata keys go through the
// runtime trailer prefix since they cannot be declared ahead of time.
func writeTrailers(w http.ResponseWriter, st *status.Status, trailer metadata.MD) {
	h := w.Header()
	setStatusHeaders(h, st)
	for k, vals := range trailer {
		for _, v := range vals {
			if metadata.IsBinaryKey(k) {
				v = metadata.EncodeBinValue([]byte(v))
			}
			h.Add(http.TrailerPrefix+k, v)
		}
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// setStatusHeaders writes grpc-status and, for non-OK statuses, grpc-message
// and grpc-status-details-bin.
func setStatusHeaders(h http.Header, st *status.Status) {
	h.Set(statusHeader, strconv.Itoa(int(st.Code())))
	if st.Code() == status.OK {
		return
	}
	if msg := st.Message(); msg != "" {
		h.Set(messageHeader, status.EncodeMessage(msg))
	}
	if bin, err := st.DetailsBin(); err == nil && bin != "" {
		h.Set(statusDetailsHeader, bin)
	}
}

// serverStream implements ServerStream over an HTTP response. Headers are
// sent lazily with the first message so that pre-frame failures can still
// produce a trailers-only response.
type serverStream[T any] struct {
	ctx          context.Context
	writeHeaders func(header metadata.MD)
	w            http.ResponseWriter
	fw           *frameWriter[T]

	mu          sync.Mutex
	headersSent bool
	header      metadata.MD
	trailer     metadata.MD
	err         error
}

// Send implements ServerStream.
func (s *serverStream[T]) Send(msg T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	if err := s.ctx.Err(); err != nil {
		s.err = status.New(status.Canceled, "stream canceled")
		return s.err
	}
	if !s.headersSent {
		s.writeHeaders(s.header)
		s.w.WriteHeader(http.StatusOK)
		s.headersSent = true
	}
	if err := s.fw.send(msg); err != nil {
		s.err = err
		return err
	}
	return nil
}

// SetHeader implements ServerStream.
func (s *serverStream[T]) SetHeader(md metadata.MD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headersSent {
		return status.New(status.Internal, "headers already sent")
	}
	s.header.Merge(md)
	return nil
}

// SetTrailer implements ServerStream.
func (s *serverStream[T]) SetTrailer(md metadata.MD) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trailer.Merge(md)
}

// Context implements ServerStream.
func (s *serverStream[T]) Context() context.Context {
	return s.ctx
}

// reservedHeaders are transport-level keys excluded from request metadata.
var reservedHeaders = map[string]bool{
	"content-type":         true,
	"te":                   true,
	"grpc-encoding":        true,
	"grpc-accept-encoding": true,
	"grpc-timeout":         true,
	"connection":           true,
}

// requestMetadata converts request headers into metadata, dropping
// transport-level keys.
func requestMetadata(h http.Header) metadata.MD {
	md := metadata.FromHeader(h)
	for k := range reservedHeaders {
		md.Delete(k)
	}
	return md
}

// requestContext derives the handler context, applying any grpc-timeout.
func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx := r.Context()
	if v := r.Header.Get(timeoutHeader); v != "" {
		if d, err := parseTimeout(v); err == nil && d > 0 {
			return context.WithTimeout(ctx, d)
		}
	}
	return context.WithCancel(ctx)
}

// parseTimeout parses the grpc-timeout header: digits followed by one of
// H, M, S, m, u, n.
func parseTimeout(timeout string) (time.Duration, error) {
	if len(timeout) < 2 {
		return 0, errors.New("invalid timeout format")
	}

	value, err := strconv.ParseInt(timeout[:len(timeout)-1], 10, 64)
	if err != nil {
		return 0, err
	}

	switch unit := timeout[len(timeout)-1]; unit {
	case 'H':
		return time.Duration(value) * time.Hour, nil
	case 'M':
		return time.Duration(value) * time.Minute, nil
	case 'S':
		return time.Duration(value) * time.Second, nil
	case 'm':
		return time.Duration(value) * time.Millisecond, nil
	case 'u':
		return time.Duration(value) * time.Microsecond, nil
	case 'n':
		return time.Duration(value), nil
	default:
		return 0, errors.New("unknown time unit " + string(unit))
	}
}
