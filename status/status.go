// Package status provides the gRPC status model: the canonical code set, an
// error type carrying code, message and structured details, and the wire
// encodings used by the grpc-status, grpc-message and grpc-status-details-bin
// trailers.
package status

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Status describes the outcome of an RPC. A nil *Status or a Status with
// code OK both mean success.
type Status struct {
	code    Code
	message string
	details []*anypb.Any
}

// New creates a Status with the given code and message.
func New(code Code, message string) *Status {
	return &Status{code: code, message: message}
}

// Newf creates a Status with a formatted message.
func Newf(code Code, format string, args ...any) *Status {
	return New(code, fmt.Sprintf(format, args...))
}

// Code returns the status code. A nil Status reports OK.
func (s *Status) Code() Code {
	if s == nil {
		return OK
	}
	return s.code
}

// Message returns the status message.
func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

// Details returns the structured detail messages attached to the status.
func (s *Status) Details() []*anypb.Any {
	if s == nil {
		return nil
	}
	return s.details
}

// Error implements the error interface.
func (s *Status) Error() string {
	return fmt.Sprintf("%s: %s", s.Code(), s.Message())
}

// WithDetails returns a copy of the status carrying the given messages as
// anypb-packed details.
func (s *Status) WithDetails(msgs ...proto.Message) (*Status, error) {
	out := &Status{code: s.Code(), message: s.Message()}
	out.details = append(out.details, s.Details()...)
	for _, m := range msgs {
		a, err := anypb.New(m)
		if err != nil {
			return nil, fmt.Errorf("failed to pack status detail: %w", err)
		}
		out.details = append(out.details, a)
	}
	return out, nil
}

// Proto returns the status as a google.rpc.Status message.
func (s *Status) Proto() *spb.Status {
	return &spb.Status{
		Code:    int32(s.Code()),
		Message: s.Message(),
		Details: s.Details(),
	}
}

// FromProto builds a Status from a google.rpc.Status message.
func FromProto(p *spb.Status) *Status {
	return &Status{
		code:    Code(p.GetCode()),
		message: p.GetMessage(),
		details: p.GetDetails(),
	}
}

// FromError extracts a Status from err. A *Status anywhere in the chain is
// returned as-is; context errors map to their canonical codes; anything else
// becomes Unknown with the error's message.
func FromError(err error) *Status {
	if err == nil {
		return nil
	}
	var st *Status
	if errors.As(err, &st) {
		return st
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(DeadlineExceeded, "context deadline exceeded")
	case errors.Is(err, context.Canceled):
		return New(Canceled, "context canceled")
	}
	return New(Unknown, err.Error())
}

// DetailsBin returns the base64 wire form of the grpc-status-details-bin
// trailer, or "" when the status carries no details.
func (s *Status) DetailsBin() (string, error) {
	if len(s.Details()) == 0 {
		return "", nil
	}
	raw, err := proto.Marshal(s.Proto())
	if err != nil {
		return "", fmt.Errorf("failed to marshal status details: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// FromDetailsBin decodes a grpc-status-details-bin trailer value. Unpadded
// base64 is accepted, as some implementations omit padding on -bin metadata.
func FromDetailsBin(v string) (*Status, error) {
	if m := len(v) % 4; m != 0 {
		v += "===="[:4-m]
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 in status details: %w", err)
	}
	p := new(spb.Status)
	if err := proto.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("invalid status details message: %w", err)
	}
	return FromProto(p), nil
}
