package transport

import (
	"context"
	"math/rand"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// balancer routes calls across a dynamic endpoint set using
// power-of-two-choices: sample two ready endpoints, pick the one with the
// lower pending-request load. Endpoint membership is mutated solely by
// consuming the discovery change stream; a failed endpoint stays in place
// until the discovery layer removes it.
type balancer[K comparable] struct {
	changes  <-chan Change[K]
	executor Executor
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[K]*Connection

	// wake is signalled when a connection finishes dialing, so a ready()
	// blocked on an all-connecting set re-evaluates.
	wake chan struct{}
}

func newBalancer[K comparable](changes <-chan Change[K], executor Executor, logger *zap.Logger) *balancer[K] {
	return &balancer[K]{
		changes:  changes,
		executor: executor,
		logger:   logger,
		conns:    make(map[K]*Connection),
		wake:     make(chan struct{}, 1),
	}
}

// ready blocks until at least one endpoint is ready, consuming discovery
// changes while it waits. Selection happens at call time, since admitted
// calls run concurrently while ready is polled again.
func (b *balancer[K]) ready(ctx context.Context) error {
	for {
		b.drainChanges()

		b.mu.Lock()
		picked := b.pick()
		b.mu.Unlock()
		if picked != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-b.changes:
			if !ok {
				// Discovery ended; keep serving the current set.
				b.changes = nil
				continue
			}
			b.apply(change)
		case <-b.wake:
		}
	}
}

// call picks a ready connection with P2C and issues the request on it.
func (b *balancer[K]) call(ctx context.Context, req *http.Request) (*http.Response, error) {
	b.mu.Lock()
	conn := b.pick()
	b.mu.Unlock()

	if conn == nil {
		// The endpoint that was ready when the call was admitted has
		// disappeared in the meantime.
		return nil, newError("no ready endpoint", nil)
	}
	resp, err := conn.call(ctx, req)
	if err != nil {
		b.notify()
	}
	return resp, err
}

func (b *balancer[K]) drainChanges() {
	for {
		select {
		case change, ok := <-b.changes:
			if !ok {
				b.changes = nil
				return
			}
			b.apply(change)
		default:
			return
		}
	}
}

func (b *balancer[K]) apply(change Change[K]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if change.Endpoint == nil {
		if conn, ok := b.conns[change.Key]; ok {
			delete(b.conns, change.Key)
			conn.close()
			b.logger.Debug("endpoint removed", zap.String("target", conn.endpoint.uri.String()))
		}
		return
	}

	if old, ok := b.conns[change.Key]; ok {
		old.close()
	}
	conn := newConnection(change.Endpoint)
	b.conns[change.Key] = conn
	b.logger.Debug("endpoint inserted", zap.String("target", change.Endpoint.uri.String()))

	// Drive the endpoint to readiness in the background; selection only
	// considers endpoints whose connection is established.
	b.executor.Execute(func() {
		if err := conn.connect(context.Background()); err != nil {
			b.logger.Warn("endpoint connect failed",
				zap.String("target", conn.endpoint.uri.String()), zap.Error(err))
		}
		b.notify()
	})
}

// pick runs P2C over the ready endpoints. Callers hold b.mu.
func (b *balancer[K]) pick() *Connection {
	ready := make([]*Connection, 0, len(b.conns))
	for _, conn := range b.conns {
		if conn.isReady() {
			ready = append(ready, conn)
		}
	}
	switch len(ready) {
	case 0:
		return nil
	case 1:
		return ready[0]
	}

	i := rand.Intn(len(ready))
	j := rand.Intn(len(ready) - 1)
	if j >= i {
		j++
	}
	if ready[j].load() < ready[i].load() {
		return ready[j]
	}
	return ready[i]
}

func (b *balancer[K]) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
