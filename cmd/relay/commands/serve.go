// Package commands implements CLI commands for relay.
package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relay-rpc/relay/codec"
	"github.com/relay-rpc/relay/grpc"
)

// serveOptions holds options for the serve command.
type serveOptions struct {
	port            int
	host            string
	acceptGzip      bool
	sendGzip        bool
	maxMessageSize  int
	gracefulTimeout time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Start a framed echo server",
		Long: `Start an HTTP/2 server exposing a byte-echo service on the four gRPC call
patterns. The server treats message payloads as opaque bytes, which makes it
usable as a smoke-test target for any client.

Endpoints:
  /relay.echo.Echo/Echo     unary, echoes the request message
  /relay.echo.Echo/Split    server streaming, one frame per request byte
  /relay.echo.Echo/Collect  client streaming, concatenates the request frames
  /relay.echo.Echo/Relay    bidirectional, echoes each frame as it arrives

Examples:
  # Start server on default port
  relay serve

  # Accept and offer gzip-compressed messages
  relay serve --accept-gzip --send-gzip`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().IntVarP(&opts.port, "port", "p", 8080, "Server port")
	cmd.Flags().StringVar(&opts.host, "host", "0.0.0.0", "Server host")
	cmd.Flags().BoolVar(&opts.acceptGzip, "accept-gzip", false, "Accept gzip-compressed requests")
	cmd.Flags().BoolVar(&opts.sendGzip, "send-gzip", false, "Offer gzip compression for responses")
	cmd.Flags().IntVar(&opts.maxMessageSize, "max-message-size", grpc.DefaultMaxMessageSize, "Message size limit in bytes, both directions")
	cmd.Flags().DurationVar(&opts.gracefulTimeout, "graceful-timeout", 30*time.Second, "Graceful shutdown timeout")

	return cmd
}

func runServe(opts *serveOptions) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	dispatcher := grpc.New[[]byte, []byte](codec.Raw{}).
		MaxDecodingMessageSize(opts.maxMessageSize).
		MaxEncodingMessageSize(opts.maxMessageSize)
	if opts.acceptGzip {
		dispatcher = dispatcher.AcceptCompressed(grpc.EncodingGzip)
	}
	if opts.sendGzip {
		dispatcher = dispatcher.SendCompressed(grpc.EncodingGzip)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/relay.echo.Echo/Echo", func(w http.ResponseWriter, r *http.Request) {
		dispatcher.Unary(echoUnary(), w, r)
	})
	mux.HandleFunc("/relay.echo.Echo/Split", func(w http.ResponseWriter, r *http.Request) {
		dispatcher.ServerStreaming(echoSplit(), w, r)
	})
	mux.HandleFunc("/relay.echo.Echo/Collect", func(w http.ResponseWriter, r *http.Request) {
		dispatcher.ClientStreaming(echoCollect(), w, r)
	})
	mux.HandleFunc("/relay.echo.Echo/Relay", func(w http.ResponseWriter, r *http.Request) {
		dispatcher.Streaming(echoRelay(), w, r)
	})

	addr := fmt.Sprintf("%s:%d", opts.host, opts.port)
	server := grpc.NewServer(addr, mux)

	go func() {
		logger.Info("server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), opts.gracefulTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}

func echoUnary() grpc.UnaryService[[]byte, []byte] {
	return grpc.UnaryFunc[[]byte, []byte](func(_ context.Context, req *grpc.Request[[]byte]) (*grpc.Response[[]byte], error) {
		return grpc.NewResponse(req.Message()), nil
	})
}

func echoSplit() grpc.ServerStreamingService[[]byte, []byte] {
	return grpc.ServerStreamingFunc[[]byte, []byte](func(_ context.Context, req *grpc.Request[[]byte], stream grpc.ServerStream[[]byte]) error {
		for _, b := range req.Message() {
			if err := stream.Send([]byte{b}); err != nil {
				return err
			}
		}
		return nil
	})
}

func echoCollect() grpc.ClientStreamingService[[]byte, []byte] {
	return grpc.ClientStreamingFunc[[]byte, []byte](func(_ context.Context, req *grpc.Request[*grpc.Stream[[]byte]]) (*grpc.Response[[]byte], error) {
		var out []byte
		for {
			msg, err := req.Message().Recv()
			if err != nil {
				if err == io.EOF {
					break
				}
				return nil, err
			}
			out = append(out, msg...)
		}
		return grpc.NewResponse(out), nil
	})
}

func echoRelay() grpc.StreamingService[[]byte, []byte] {
	return grpc.StreamingFunc[[]byte, []byte](func(_ context.Context, req *grpc.Request[*grpc.Stream[[]byte]], stream grpc.ServerStream[[]byte]) error {
		for {
			msg, err := req.Message().Recv()
			if err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	})
}
