package stream

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pitabwire/xrpc/model"
)

// Emit hands one value to the consumer of a generated stream. It blocks
// until the value is taken and fails once the stream is closed.
type Emit func(ctx context.Context, v any) error

type generator struct {
	fn func(ctx context.Context, emit Emit) error

	start  sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	values chan any
	done   chan struct{}
	err    error
}

// Generate adapts a callback-style emitter into a Producer. fn runs on its
// own goroutine from the first call to Next; each emit waits for the
// consumer, so fn never runs ahead of the connection. fn returning nil ends
// the stream normally, any other error fails it. fn's context is cancelled
// by Close.
func Generate(fn func(ctx context.Context, emit Emit) error) model.Producer {
	ctx, cancel := context.WithCancel(context.Background())
	return &generator{
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		values: make(chan any),
		done:   make(chan struct{}),
	}
}

func (g *generator) run() {
	defer close(g.done)
	defer func() {
		if r := recover(); r != nil {
			g.err = fmt.Errorf("stream producer panic: %v", r)
		}
	}()

	emit := func(ctx context.Context, v any) error {
		select {
		case g.values <- v:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-g.ctx.Done():
			return g.ctx.Err()
		}
	}
	if err := g.fn(g.ctx, emit); err != nil {
		g.err = err
		return
	}
	g.err = io.EOF
}

// Next returns the next emitted value.
func (g *generator) Next(ctx context.Context) (any, error) {
	g.start.Do(func() { go g.run() })

	select {
	case v := <-g.values:
		return v, nil
	case <-g.done:
		return nil, g.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels fn and waits for it to return if it was started.
func (g *generator) Close() error {
	g.cancel()
	started := true
	g.start.Do(func() { started = false })
	if started {
		<-g.done
	}
	return nil
}
