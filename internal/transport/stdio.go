package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/thoughtgate/thoughtjack/internal/behavior"
	"github.com/thoughtgate/thoughtjack/pkg/mcptypes"
)

// StdioTransport frames NDJSON over the given reader/writer (normally
// os.Stdin/os.Stdout). One value per line in, one value per line out
// (§4.1 "Stdio backend"). Reads happen on a dedicated goroutine so a slow
// delivery behavior never blocks receive, matching the spec's "never a
// thread-blocking handle" requirement.
type StdioTransport struct {
	connCtx ConnectionContext
	maxSize int64

	writeMu sync.Mutex
	w       io.Writer
	closed  bool

	lines chan string
	errs  chan error

	lastReqMu sync.Mutex
	lastReqID interface{}
	hasReqID  bool
}

// NewStdio wraps r/w as one stdio connection and starts its background
// line reader.
func NewStdio(ctx context.Context, r io.Reader, w io.Writer, maxSize int64) *StdioTransport {
	t := &StdioTransport{
		connCtx: ConnectionContext{ID: uuid.NewString(), Kind: behavior.Stdio, ConnectedAt: time.Now()},
		maxSize: maxSize,
		w:       w,
		lines:   make(chan string, 16),
		errs:    make(chan error, 1),
	}
	go t.readLoop(ctx, r)
	return t
}

// readLoop tolerates blank lines and accepts a trailing non-newline
// message at EOF (§4.1).
func (t *StdioTransport) readLoop(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if t.maxSize > 0 && int64(len(line)) >= t.maxSize {
			select {
			case t.errs <- ErrOversizeMessage:
			case <-ctx.Done():
			}
			continue
		}
		select {
		case t.lines <- line:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case t.errs <- err:
		case <-ctx.Done():
		}
		return
	}
	select {
	case t.errs <- io.EOF:
	case <-ctx.Done():
	}
}

func (t *StdioTransport) ReceiveMessage(ctx context.Context) (*mcptypes.Request, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-t.errs:
		// readLoop queues every line before it reports a later error, so
		// lines still queued are delivered first and err is kept for a
		// later call.
		if len(t.lines) > 0 {
			select {
			case t.errs <- err:
			default:
			}
			return t.ReceiveMessage(ctx)
		}
		return nil, err
	case line := <-t.lines:
		var req mcptypes.Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			log.Warn().Err(err).Str("connection_id", t.connCtx.ID).Msg("malformed JSON on stdio, skipping line")
			return t.ReceiveMessage(ctx)
		}
		if !req.IsNotification() {
			t.lastReqMu.Lock()
			var id interface{}
			_ = json.Unmarshal(req.ID, &id)
			t.lastReqID, t.hasReqID = id, true
			t.lastReqMu.Unlock()
		}
		return &req, nil
	}
}

func (t *StdioTransport) SendMessage(ctx context.Context, v interface{}) (int, error) {
	body, err := marshalEnvelope(v)
	if err != nil {
		return 0, err
	}
	return t.SendRaw(ctx, append(body, '\n'))
}

func (t *StdioTransport) SendRaw(ctx context.Context, b []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return 0, ErrConnectionClosed
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	n, err := t.w.Write(b)
	if err != nil {
		log.Error().Err(err).Str("connection_id", t.connCtx.ID).Msg("stdio write failed")
	}
	return n, err
}

func (t *StdioTransport) SendRawDelayed(ctx context.Context, chunk []byte, delay time.Duration) (int, error) {
	n, err := t.SendRaw(ctx, chunk)
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

func (t *StdioTransport) Close(graceful bool) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.closed = true
	if closer, ok := t.w.(io.Closer); ok && !graceful {
		return closer.Close()
	}
	return nil
}

func (t *StdioTransport) TransportKind() behavior.TransportKind { return behavior.Stdio }
func (t *StdioTransport) ConnectionID() string                  { return t.connCtx.ID }
func (t *StdioTransport) ConnectionContext() ConnectionContext  { return t.connCtx }

func (t *StdioTransport) LastClientRequestID() (interface{}, bool) {
	t.lastReqMu.Lock()
	defer t.lastReqMu.Unlock()
	return t.lastReqID, t.hasReqID
}
