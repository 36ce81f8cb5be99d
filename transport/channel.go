package transport

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Channel is a cheaply-cloneable handle over a background-driven service
// pipeline. All clones share one bounded queue and one worker; cloning is
// the intended way to issue calls concurrently.
//
// The backpressure contract is the Ready/Call split: a caller must observe
// Ready before Call, and one readiness signal admits exactly one call.
type Channel struct {
	w         *worker
	closeOnce *sync.Once
}

func newChannel(svc service, bufferSize int, executor Executor, logger *zap.Logger) *Channel {
	w := newWorker(svc, bufferSize, logger)
	executor.Execute(w.run)
	return &Channel{w: w, closeOnce: &sync.Once{}}
}

// BalanceList builds a channel that load balances across a fixed endpoint
// set. Each endpoint is inserted under its URI string.
func BalanceList(endpoints ...*Endpoint) *Channel {
	channel, changes := BalanceChannel[string](DefaultBufferSize)
	for _, ep := range endpoints {
		changes <- Insert(ep.URI().String(), ep)
	}
	return channel
}

// BalanceChannel builds a channel over a dynamic endpoint set and returns
// the producer handle for discovery changes. capacity bounds the change
// queue.
func BalanceChannel[K comparable](capacity int) (*Channel, chan<- Change[K]) {
	changes := make(chan Change[K], capacity)
	b := newBalancer(changes, DefaultExecutor, zap.NewNop())
	return newChannel(b, DefaultBufferSize, DefaultExecutor, zap.NewNop()), changes
}

// Clone returns a handle sharing this channel's queue and worker.
func (c *Channel) Clone() *Channel {
	return &Channel{w: c.w, closeOnce: c.closeOnce}
}

// Ready blocks until the channel can admit one call. It returns nil when a
// slot was reserved, the worker's terminal error if the worker has stopped,
// or the context error.
func (c *Channel) Ready(ctx context.Context) error {
	select {
	case <-c.w.done:
		return c.w.terminalErr()
	default:
	}

	select {
	case c.w.sem <- struct{}{}:
		return nil
	case <-c.w.done:
		return c.w.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call enqueues a request and returns a future for its response. The caller
// must hold a readiness slot from Ready; the enqueue itself does not block.
// Cancelling ctx cancels the in-flight HTTP request.
func (c *Channel) Call(ctx context.Context, req *http.Request) *ResponseFuture {
	item := &callItem{
		ctx:  ctx,
		req:  req,
		done: make(chan callResult, 1),
	}

	select {
	case c.w.queue <- item:
	case <-c.w.done:
		item.complete(nil, c.w.terminalErr())
	}
	return &ResponseFuture{item: item}
}

// RoundTrip is the convenience path: Ready, Call, Await.
func (c *Channel) RoundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.Ready(ctx); err != nil {
		return nil, err
	}
	return c.Call(ctx, req).Await(ctx)
}

// Close closes the shared queue and stops the worker; subsequent Ready
// calls on any clone fail. Calls still queued when the worker stops resolve
// with the terminal error.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.w.queue)
		c.w.cancel()
	})
}

// ResponseFuture resolves to the response of one call.
type ResponseFuture struct {
	item *callItem
}

// Await blocks until the response arrives, the call fails, or ctx is done.
func (f *ResponseFuture) Await(ctx context.Context) (*http.Response, error) {
	select {
	case res := <-f.item.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
