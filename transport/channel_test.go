package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeService is a scriptable inner service for worker tests.
type fakeService struct {
	mu       sync.Mutex
	readyErr error
	readyGap chan struct{} // when non-nil, ready blocks until closed
	calls    atomic.Int32
}

func (f *fakeService) ready(ctx context.Context) error {
	f.mu.Lock()
	gap := f.readyGap
	err := f.readyErr
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if gap != nil {
		select {
		case <-gap:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeService) call(_ context.Context, req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusOK)
	_, _ = rec.WriteString("ok")
	return rec.Result(), nil
}

func testRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://ignored/svc/method", strings.NewReader(""))
	require.NoError(t, err)
	return req
}

func TestChannelRoundTrip(t *testing.T) {
	svc := &fakeService{}
	channel := newChannel(svc, 4, DefaultExecutor, zap.NewNop())
	defer channel.Close()

	resp, err := channel.RoundTrip(context.Background(), testRequest(t))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
}

func TestChannelBackpressure(t *testing.T) {
	gap := make(chan struct{})
	svc := &fakeService{readyGap: gap}
	channel := newChannel(svc, 1, DefaultExecutor, zap.NewNop())
	defer channel.Close()

	// The single readiness slot is consumed by the first caller.
	require.NoError(t, channel.Ready(context.Background()))
	future := channel.Call(context.Background(), testRequest(t))

	// With the worker stuck before its first dequeue, a second Ready must
	// block until the queue drains.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, channel.Ready(ctx), context.DeadlineExceeded)

	close(gap)

	resp, err := future.Await(context.Background())
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.NoError(t, channel.Ready(context.Background()))
}

func TestChannelWorkerTermination(t *testing.T) {
	svc := &fakeService{readyErr: errors.New("connection torn down")}
	channel := newChannel(svc, 4, DefaultExecutor, zap.NewNop())

	require.Eventually(t, func() bool {
		return channel.Ready(context.Background()) != nil
	}, 2*time.Second, 10*time.Millisecond, "Ready should fail once the worker terminated")

	err := channel.Ready(context.Background())
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)

	// Calls submitted after termination resolve with the terminal error.
	_, err = channel.Call(context.Background(), testRequest(t)).Await(context.Background())
	require.Error(t, err)
}

func TestChannelCloneEquivalence(t *testing.T) {
	svc := &fakeService{}
	c1 := newChannel(svc, 4, DefaultExecutor, zap.NewNop())
	c2 := c1.Clone()

	for _, c := range []*Channel{c1, c2} {
		resp, err := c.RoundTrip(context.Background(), testRequest(t))
		require.NoError(t, err)
		_ = resp.Body.Close()
	}
	require.Equal(t, int32(2), svc.calls.Load(), "both clones must be served by the same worker")

	// Closing via one clone closes the shared pipeline.
	c2.Close()
	require.Eventually(t, func() bool {
		return c1.Ready(context.Background()) != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChannelCallContextCancel(t *testing.T) {
	gap := make(chan struct{})
	svc := &fakeService{readyGap: gap}
	channel := newChannel(svc, 1, DefaultExecutor, zap.NewNop())
	defer channel.Close()
	defer close(gap)

	require.NoError(t, channel.Ready(context.Background()))
	future := channel.Call(context.Background(), testRequest(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := future.Await(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
