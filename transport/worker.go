package transport

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// service is the request→response contract the worker drives: a single
// connection or a balancer.
type service interface {
	ready(ctx context.Context) error
	call(ctx context.Context, req *http.Request) (*http.Response, error)
}

type callResult struct {
	resp *http.Response
	err  error
}

type callItem struct {
	ctx  context.Context
	req  *http.Request
	done chan callResult
}

func (item *callItem) complete(resp *http.Response, err error) {
	item.done <- callResult{resp: resp, err: err}
}

// worker is the single task driving the inner service. It awaits inner
// readiness before dequeuing, so at most one call is being admitted at a
// time; admitted calls run concurrently since HTTP/2 multiplexes streams.
type worker struct {
	svc    service
	logger *zap.Logger

	queue chan *callItem
	sem   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	done    chan struct{}
	once    sync.Once
	termErr error
}

func newWorker(svc service, bufferSize int, logger *zap.Logger) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		svc:    svc,
		logger: logger,
		queue:  make(chan *callItem, bufferSize),
		sem:    make(chan struct{}, bufferSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (w *worker) run() {
	for {
		if err := w.svc.ready(w.ctx); err != nil {
			w.fail(newError("worker terminated", err))
			return
		}

		item, ok := <-w.queue
		if !ok {
			w.shutdown(ErrChannelClosed)
			return
		}
		<-w.sem

		go func(item *callItem) {
			resp, err := w.svc.call(item.ctx, item.req)
			item.complete(resp, err)
		}(item)
	}
}

// fail marks the worker terminated and keeps draining the queue so no caller
// waits forever on an abandoned item.
func (w *worker) fail(err error) {
	w.shutdown(err)
	w.logger.Warn("channel worker terminated", zap.Error(err))
	for item := range w.queue {
		item.complete(nil, err)
	}
}

func (w *worker) shutdown(err error) {
	w.once.Do(func() {
		w.termErr = err
		w.cancel()
		close(w.done)
	})
}

// terminalErr returns the error that stopped the worker. Only valid after
// done is closed.
func (w *worker) terminalErr() error {
	return w.termErr
}
