package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/xrpc/internal/lexicon"
	"github.com/pitabwire/xrpc/model"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// Observer receives connection and frame events, typically to record metrics.
type Observer interface {
	SubscriptionOpened(methodID string)
	SubscriptionClosed(methodID string)
	FrameSent(methodID string, op int)
}

type nopObserver struct{}

func (nopObserver) SubscriptionOpened(string) {}
func (nopObserver) SubscriptionClosed(string) {}
func (nopObserver) FrameSent(string, int)     {}

// Reporter normalizes a failure into its structured form. It is the single
// place stream failures are logged.
type Reporter func(ctx context.Context, methodID string, err error) *model.XRPCError

// Options configure an Engine.
type Options struct {
	Logger         *zap.Logger
	Observer       Observer
	Reporter       Reporter
	WriteTimeout   time.Duration
	OriginPatterns []string
}

// Engine serves subscription connections. The subscription table is fixed
// when the engine is created and only read afterwards.
type Engine struct {
	registry model.SchemaRegistry
	subs     map[string]model.StreamHandlerConfig
	opts     Options
}

// NewEngine creates an Engine serving the given subscriptions. The map is
// copied.
func NewEngine(registry model.SchemaRegistry, subs map[string]model.StreamHandlerConfig, opts Options) *Engine {
	table := make(map[string]model.StreamHandlerConfig, len(subs))
	for id, cfg := range subs {
		table[id] = cfg
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Reporter == nil {
		opts.Reporter = func(_ context.Context, _ string, err error) *model.XRPCError {
			return model.FromError(err)
		}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Engine{registry: registry, subs: table, opts: opts}
}

// Has reports whether methodID is a registered subscription.
func (e *Engine) Has(methodID string) bool {
	_, ok := e.subs[methodID]
	return ok
}

// IsUpgrade reports whether r asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

// Refuse drops an upgrade request without a handshake by closing the
// underlying connection.
func Refuse(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

// Serve handles an upgrade request for methodID. Unknown subscriptions are
// refused before any handshake.
func (e *Engine) Serve(w http.ResponseWriter, r *http.Request, methodID string) {
	cfg, ok := e.subs[methodID]
	if !ok {
		Refuse(w)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: e.opts.OriginPatterns})
	if err != nil {
		e.opts.Logger.Debug("websocket accept failed", zap.String("nsid", methodID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	connID := uuid.NewString()
	log := e.opts.Logger.With(zap.String("nsid", methodID), zap.String("conn_id", connID))

	e.opts.Observer.SubscriptionOpened(methodID)
	defer e.opts.Observer.SubscriptionClosed(methodID)

	// The returned context is cancelled when the peer closes or the request
	// context ends (server shutdown).
	ctx := conn.CloseRead(r.Context())
	log.Debug("subscription opened")

	c := &connection{engine: e, conn: conn, methodID: methodID, log: log}
	c.run(ctx, r, cfg)
	log.Debug("subscription closed")
}

type connection struct {
	engine   *Engine
	conn     *websocket.Conn
	methodID string
	log      *zap.Logger
}

func (c *connection) run(ctx context.Context, r *http.Request, cfg model.StreamHandlerConfig) {
	sc, err := c.prepare(ctx, r, cfg)
	if err != nil {
		c.fail(ctx, err)
		return
	}

	producer, err := cfg.Handler(ctx, sc)
	if err != nil {
		c.fail(ctx, err)
		return
	}
	if producer == nil {
		c.fail(ctx, model.NewInternalServerError("subscription handler returned no producer"))
		return
	}
	defer producer.Close()

	for {
		v, err := producer.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			_ = c.conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		if err != nil {
			c.fail(ctx, err)
			return
		}

		frame := Classify(v, c.methodID)
		if ef, ok := frame.(*model.ErrorFrame); ok {
			if c.write(ctx, ef) == nil {
				_ = c.conn.Close(websocket.StatusInternalError, ef.Error)
			}
			return
		}
		if err := c.write(ctx, frame); err != nil {
			c.log.Debug("frame write failed", zap.Error(err))
			return
		}
	}
}

func (c *connection) prepare(ctx context.Context, r *http.Request, cfg model.StreamHandlerConfig) (*model.StreamContext, error) {
	sc := &model.StreamContext{MethodID: c.methodID, Request: r}

	if cfg.Auth != nil {
		res, err := cfg.Auth.Verify(ctx, r)
		if err != nil {
			return nil, err
		}
		sc.Auth = res
	}

	def, ok := c.engine.registry.Definition(c.methodID)
	if !ok {
		return nil, model.NewInternalServerError("lexicon not found: " + c.methodID)
	}
	params, err := lexicon.DecodeParams(def, r.URL.Query())
	if err != nil {
		return nil, model.NewInvalidRequestError(err.Error())
	}
	if err := c.engine.registry.ValidateParams(c.methodID, params); err != nil {
		return nil, model.NewInvalidRequestError(err.Error())
	}
	sc.Params = params
	return sc, nil
}

// fail sends the single terminal error frame for err and closes.
func (c *connection) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	xe := c.engine.opts.Reporter(ctx, c.methodID, err)
	body := xe.Payload()
	if c.write(ctx, &model.ErrorFrame{Error: body.Error, Message: body.Message}) != nil {
		return
	}
	_ = c.conn.Close(websocket.StatusInternalError, body.Error)
}

func (c *connection) write(ctx context.Context, f model.Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		if _, isErr := f.(*model.ErrorFrame); isErr {
			return err
		}
		c.fail(ctx, err)
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, c.engine.opts.WriteTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageBinary, data); err != nil {
		return err
	}

	op := OpMessage
	if _, isErr := f.(*model.ErrorFrame); isErr {
		op = OpError
	}
	c.engine.opts.Observer.FrameSent(c.methodID, op)
	return nil
}
