package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/thoughtgate/thoughtjack/internal/behavior"
	"github.com/thoughtgate/thoughtjack/pkg/mcptypes"
)

// HTTPConnection is one POST /message request's lifetime (or one GET /sse
// stream): for POST the request body is the single inbound message, and the
// response is written back as a plain body over this same
// http.ResponseWriter; SSE framing is used only on GET /sse connections
// (§4.1 "HTTP+SSE backend").
type HTTPConnection struct {
	connCtx ConnectionContext
	w       http.ResponseWriter
	flusher http.Flusher
	sse     bool // true only for GET /sse subscriptions, never plain POST /message

	writeMu sync.Mutex
	closed  bool
	done    chan struct{}

	inbound *mcptypes.Request

	lastReqMu sync.Mutex
	lastReqID interface{}
	hasReqID  bool
}

// Server hosts the HTTP+SSE backend via chi, mirroring the teacher's
// router/middleware composition (cors.Handler, structured logging).
// Concurrency: each request gets its own HTTPConnection with its own write
// mutex, satisfying the ≥100-concurrent-connections requirement of §4.1
// without any shared lock across requests.
type Server struct {
	router  chi.Router
	maxSize int64
	handler func(ctx context.Context, conn *HTTPConnection)
}

// NewServer builds the chi-routed HTTP+SSE backend. handler is invoked once
// per POST /message with a fresh HTTPConnection; the dispatcher supplies
// this callback so transport stays decoupled from dispatch (§2 layering).
func NewServer(maxSize int64, handler func(ctx context.Context, conn *HTTPConnection)) *Server {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Accept"},
		AllowCredentials: false,
	}))

	s := &Server{router: r, maxSize: maxSize, handler: handler}
	r.Post("/message", s.handleMessage)
	r.Get("/sse", s.handleSSE)
	return s
}

func (s *Server) Router() http.Handler { return s.router }

// handleMessage implements POST /message: parse one JSON-RPC value,
// reject oversize bodies before full read, build a per-request
// HTTPConnection, and hand it to the dispatcher callback.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if s.maxSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxSize)
	}

	var req mcptypes.Request
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		log.Warn().Err(err).Msg("malformed JSON-RPC body on POST /message")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32700,"message":"parse error"}}`))
		return
	}

	conn := &HTTPConnection{
		connCtx: ConnectionContext{ID: uuid.NewString(), Kind: behavior.HTTP, RemoteAddr: r.RemoteAddr, ConnectedAt: time.Now()},
		w:       w,
		done:    make(chan struct{}),
		inbound: &req,
	}
	if f, ok := w.(http.Flusher); ok {
		conn.flusher = f
	}
	if !req.IsNotification() {
		var id interface{}
		_ = json.Unmarshal(req.ID, &id)
		conn.lastReqID, conn.hasReqID = id, true
	}

	w.Header().Set("Content-Type", "application/json")
	s.handler(r.Context(), conn)
}

// handleSSE implements GET /sse: a long-lived event stream connections can
// subscribe notifications on. It is kept open until the client
// disconnects or the server shuts down; writes go through the same
// per-connection mutex/Sink path as POST responses.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	conn := &HTTPConnection{
		connCtx: ConnectionContext{ID: uuid.NewString(), Kind: behavior.HTTP, RemoteAddr: r.RemoteAddr, ConnectedAt: time.Now()},
		w:       w,
		flusher: f,
		sse:     true,
		done:    make(chan struct{}),
	}
	s.handler(r.Context(), conn)
	<-r.Context().Done()
	conn.Close(true)
}

// ── behavior.Sink implementation ─────────────────────────────

func (c *HTTPConnection) SendMessage(ctx context.Context, v interface{}) (int, error) {
	body, err := marshalEnvelope(v)
	if err != nil {
		return 0, err
	}
	return c.SendRaw(ctx, body)
}

// SendRaw writes an SSE `data:` frame on a GET /sse connection; on a POST
// /message connection it writes b to the body as-is, flushing after each
// write when a flusher is available so chunked delivery behaviors stream.
func (c *HTTPConnection) SendRaw(ctx context.Context, b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return 0, ErrConnectionClosed
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	if c.sse && c.flusher != nil {
		n, err := fmt.Fprintf(c.w, "data: %s\n\n", b)
		if err == nil {
			c.flusher.Flush()
		}
		return n, err
	}
	n, err := c.w.Write(b)
	if err == nil && c.flusher != nil {
		c.flusher.Flush()
	}
	return n, err
}

func (c *HTTPConnection) SendRawDelayed(ctx context.Context, chunk []byte, delay time.Duration) (int, error) {
	n, err := c.SendRaw(ctx, chunk)
	if err != nil || delay <= 0 {
		return n, err
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return n, ctx.Err()
	case <-timer.C:
		return n, nil
	}
}

func (c *HTTPConnection) TransportKind() behavior.TransportKind { return behavior.HTTP }
func (c *HTTPConnection) ConnectionID() string                  { return c.connCtx.ID }
func (c *HTTPConnection) ConnectionContext() ConnectionContext  { return c.connCtx }

// Close marks the connection closed for writes. HTTP close_connection
// never tears down the whole server (§4.4) — it only stops this one
// response/stream.
func (c *HTTPConnection) Close(graceful bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

func (c *HTTPConnection) LastClientRequestID() (interface{}, bool) {
	c.lastReqMu.Lock()
	defer c.lastReqMu.Unlock()
	return c.lastReqID, c.hasReqID
}

// InboundRequest returns the message that started this connection (the
// POST /message body), or nil for a bare GET /sse subscription.
func (c *HTTPConnection) InboundRequest() *mcptypes.Request { return c.inbound }

// ReceiveMessage satisfies the Transport interface; HTTP is request-scoped
// so the single inbound message was already captured at connection setup.
// A second call blocks until the connection closes, since POST /message
// carries exactly one request per HTTP exchange (§4.1).
func (c *HTTPConnection) ReceiveMessage(ctx context.Context) (*mcptypes.Request, error) {
	if c.inbound != nil {
		req := c.inbound
		c.inbound = nil
		return req, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnectionClosed
	}
}
