package commands

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/relay-rpc/relay/codec"
	"github.com/relay-rpc/relay/grpc"
	"github.com/relay-rpc/relay/metadata"
	"github.com/relay-rpc/relay/status"
	"github.com/relay-rpc/relay/transport"
)

// callOptions holds options for the call command.
type callOptions struct {
	targets []string
	method  string
	message string
	timeout time.Duration
	eager   bool
}

// NewCallCommand creates the call command.
func NewCallCommand() *cobra.Command {
	opts := &callOptions{}

	cmd := &cobra.Command{
		Use:   "call [flags]",
		Short: "Issue a unary call against a server",
		Long: `Send one framed message to a gRPC method and print the response frames and
final status. The message is sent as opaque bytes with the raw codec.

Examples:
  # Call the echo server started with "relay serve"
  relay call --target http://localhost:8080 --method /relay.echo.Echo/Echo --message hello

  # Load balance a call over several targets
  relay call --target http://host-a:8080 --target http://host-b:8080 \
    --method /relay.echo.Echo/Echo --message hello`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.targets, "target", "t", []string{"http://localhost:8080"}, "Target URI; repeat for load balancing")
	cmd.Flags().StringVarP(&opts.method, "method", "m", "/relay.echo.Echo/Echo", "Full method path")
	cmd.Flags().StringVar(&opts.message, "message", "", "Message payload")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Call timeout")
	cmd.Flags().BoolVar(&opts.eager, "eager", false, "Connect before sending (fail fast on unreachable targets)")

	return cmd
}

func runCall(opts *callOptions) error {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	channel, err := buildChannel(ctx, opts)
	if err != nil {
		return err
	}
	defer channel.Close()

	body := &bytes.Buffer{}
	header := [5]byte{}
	binary.BigEndian.PutUint32(header[1:], uint32(len(opts.message))) //nolint:gosec // CLI input
	_, _ = body.Write(header[:])
	body.WriteString(opts.message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.targets[0]+opts.method, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/grpc")
	req.Header.Set("Te", "trailers")

	resp, err := channel.RoundTrip(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	encoding := grpc.EncodingIdentity
	if name := resp.Header.Get("Grpc-Encoding"); name != "" {
		if e, ok := grpc.ParseEncoding(name); ok {
			encoding = e
		}
	}

	stream := grpc.NewStream(resp.Body, codec.Raw{}.MakeDecoder(), encoding, 0, func() metadata.MD {
		return metadata.FromHeader(resp.Trailer)
	})
	for i := 0; ; i++ {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		fmt.Printf("frame %d: %q\n", i, msg)
	}

	trailer := stream.Trailer()
	if trailer.First("grpc-status") == "" {
		// A trailers-only response carries its status in the headers.
		trailer = metadata.FromHeader(resp.Header)
	}
	code := status.ParseCode(trailer.First("grpc-status"))
	fmt.Printf("status: %d (%s)\n", code, code)
	if msg := trailer.First("grpc-message"); msg != "" {
		fmt.Printf("message: %s\n", status.DecodeMessage(msg))
	}
	return nil
}

func buildChannel(ctx context.Context, opts *callOptions) (*transport.Channel, error) {
	if len(opts.targets) > 1 {
		endpoints := make([]*transport.Endpoint, 0, len(opts.targets))
		for _, target := range opts.targets {
			ep, err := transport.FromShared(target)
			if err != nil {
				return nil, err
			}
			endpoints = append(endpoints, ep)
		}
		return transport.BalanceList(endpoints...), nil
	}

	ep, err := transport.FromShared(opts.targets[0])
	if err != nil {
		return nil, err
	}
	if opts.eager {
		return ep.Connect(ctx)
	}
	return ep.ConnectLazy()
}
