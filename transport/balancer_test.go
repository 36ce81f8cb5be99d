package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// startH2CServer runs a plaintext HTTP/2 server that answers every request
// with its name, and returns its endpoint. Shutting the returned server down
// also closes the HTTP/2 connections it serves.
func startH2CServer(t *testing.T, name string) (*Endpoint, *http.Server) {
	t.Helper()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(name))
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	// h2c hijacks every prior-knowledge connection, and http.Server never
	// closes hijacked connections itself; track them so Shutdown cuts the
	// endpoint off for real.
	var (
		mu       sync.Mutex
		hijacked []net.Conn
	)
	server := &http.Server{
		Handler: h2c.NewHandler(handler, &http2.Server{}),
		ConnState: func(c net.Conn, s http.ConnState) {
			if s == http.StateHijacked {
				mu.Lock()
				hijacked = append(hijacked, c)
				mu.Unlock()
			}
		},
	}
	server.RegisterOnShutdown(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range hijacked {
			_ = c.Close()
		}
	})
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(func() { _ = server.Close() })

	ep, err := FromShared(fmt.Sprintf("http://%s", lis.Addr()))
	require.NoError(t, err)
	return ep, server
}

func callOnce(t *testing.T, channel *Channel) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequest(http.MethodPost, "http://placeholder/svc/method", nil)
	require.NoError(t, err)

	resp, err := channel.RoundTrip(ctx, req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func TestSingleEndpointLazy(t *testing.T) {
	ep, _ := startH2CServer(t, "solo")

	channel, err := ep.ConnectLazy()
	require.NoError(t, err)
	defer channel.Close()

	got, err := callOnce(t, channel)
	require.NoError(t, err)
	require.Equal(t, "solo", got)
}

func TestSingleEndpointEager(t *testing.T) {
	ep, _ := startH2CServer(t, "eager")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	channel, err := ep.Connect(ctx)
	require.NoError(t, err)
	defer channel.Close()

	got, err := callOnce(t, channel)
	require.NoError(t, err)
	require.Equal(t, "eager", got)
}

func TestEagerConnectFailsFast(t *testing.T) {
	// A port nothing listens on.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	ep, err := FromShared("http://" + addr)
	require.NoError(t, err)
	ep = ep.WithConnectTimeout(500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = ep.Connect(ctx)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
}

func TestBalancerFairness(t *testing.T) {
	const (
		n = 400
		k = 2
	)

	epA, _ := startH2CServer(t, "A")
	epB, _ := startH2CServer(t, "B")

	channel := BalanceList(epA, epB)
	defer channel.Close()

	counts := map[string]int{}
	for i := 0; i < n; i++ {
		got, err := callOnce(t, channel)
		require.NoError(t, err)
		counts[got]++
	}

	// Over N requests against K equally-loaded endpoints, each endpoint's
	// share must be within ±20% of N/K.
	expected := n / k
	tolerance := expected / 5
	for _, name := range []string{"A", "B"} {
		require.InDelta(t, expected, counts[name], float64(tolerance),
			"endpoint %s served %d of %d", name, counts[name], n)
	}
}

func TestBalancerFailover(t *testing.T) {
	epA, serverA := startH2CServer(t, "A")
	epB, _ := startH2CServer(t, "B")

	channel := BalanceList(epA, epB)
	defer channel.Close()

	// Warm both endpoints up.
	require.Eventually(t, func() bool {
		_, err := callOnce(t, channel)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	// Kill A mid-run. The call that observes the dead connection may fail
	// once; after that every request must land on B.
	require.NoError(t, serverA.Shutdown(context.Background()))

	require.Eventually(t, func() bool {
		got, err := callOnce(t, channel)
		return err == nil && got == "B"
	}, 5*time.Second, 50*time.Millisecond)

	for i := 0; i < 20; i++ {
		got, err := callOnce(t, channel)
		require.NoError(t, err, "request %d after failover", i)
		require.Equal(t, "B", got)
	}
}

func TestBalanceChannelRemove(t *testing.T) {
	epA, _ := startH2CServer(t, "A")
	epB, _ := startH2CServer(t, "B")

	channel, changes := BalanceChannel[string](16)
	defer channel.Close()
	changes <- Insert("a", epA)
	changes <- Insert("b", epB)

	require.Eventually(t, func() bool {
		_, err := callOnce(t, channel)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	changes <- Remove("a")

	// Give the balancer a chance to apply the removal, then everything
	// must route to B.
	require.Eventually(t, func() bool {
		got, err := callOnce(t, channel)
		return err == nil && got == "B"
	}, 5*time.Second, 50*time.Millisecond)

	for i := 0; i < 10; i++ {
		got, err := callOnce(t, channel)
		require.NoError(t, err)
		require.Equal(t, "B", got)
	}
}
