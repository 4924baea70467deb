// Package rawstream exposes the wire protocol verbatim: outbound envelopes as
// newline-delimited JSON, inbound control messages for user input, approval
// decisions, interrupts, and rewinds. It serves programmatic clients (UI
// shells, test harnesses) either over stdio or over a single-client WebSocket.
package rawstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skeinlabs/skein/runtime/telemetry"
	"github.com/skeinlabs/skein/runtime/wire"
	"github.com/skeinlabs/skein/transport"
)

// Inbound control message types.
const (
	inUserInput        = "user_input"
	inApprovalResponse = "approval_response"
	inInterrupt        = "interrupt"
	inRewind           = "rewind"
)

type (
	// inbound is one client control message.
	inbound struct {
		Type      string        `json:"type"`
		Input     string        `json:"input,omitempty"`
		RequestID string        `json:"request_id,omitempty"`
		Decision  wire.Decision `json:"decision,omitempty"`
		TurnID    string        `json:"turn_id,omitempty"`
		Reason    string        `json:"reason,omitempty"`
	}

	// endpoint abstracts the framed byte stream under the adapter so the
	// stdio and WebSocket modes share one loop.
	endpoint interface {
		// WriteLine sends one JSON document. Implementations add framing.
		WriteLine(line []byte) error
		// ReadLine blocks for the next inbound document. io.EOF means the
		// client is gone.
		ReadLine() ([]byte, error)
		Close() error
	}

	// Options configures the adapter.
	Options struct {
		// Input and Output select stdio mode. Defaults are os.Stdin and
		// os.Stdout when ListenAddr is empty.
		Input  io.Reader
		Output io.Writer
		// ListenAddr selects WebSocket mode: the adapter listens there and
		// serves the first client to connect.
		ListenAddr string
		// Telemetry logs dropped messages and slow clients.
		Telemetry telemetry.Set
	}

	// Adapter is the raw wire transport.
	Adapter struct {
		listenAddr string
		tel        telemetry.Set

		mu     sync.Mutex
		ep     endpoint
		closed bool
	}
)

// New builds a rawstream adapter. With a ListenAddr the endpoint only exists
// once a client connects; Sends before that are dropped, which is safe because
// the durable wire record is the authoritative copy.
func New(opts Options) *Adapter {
	a := &Adapter{listenAddr: opts.ListenAddr, tel: opts.Telemetry.Fill()}
	if opts.ListenAddr == "" {
		in := opts.Input
		if in == nil {
			in = os.Stdin
		}
		out := opts.Output
		if out == nil {
			out = os.Stdout
		}
		a.ep = newStdioEndpoint(in, out)
	}
	return a
}

// Send implements wire.Sink.
func (a *Adapter) Send(ctx context.Context, msg wire.Message) error {
	line, err := wire.EncodeLine(msg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	ep, closed := a.ep, a.closed
	a.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if ep == nil {
		a.tel.Logger.Debug(ctx, "rawstream: no client, dropping", "kind", string(msg.Kind()))
		return nil
	}
	return ep.WriteLine(line)
}

// Close implements wire.Sink.
func (a *Adapter) Close(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.ep != nil {
		return a.ep.Close()
	}
	return nil
}

// Run implements transport.Adapter.
func (a *Adapter) Run(ctx context.Context, eng transport.Engine) error {
	ep := a.ep
	if ep == nil {
		accepted, err := a.acceptWebSocket(ctx)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.ep = accepted
		a.mu.Unlock()
		ep = accepted
	}
	return a.serve(ctx, eng, ep)
}

// serve pumps inbound control messages. User inputs queue and run serially;
// approval decisions, interrupts, and rewinds apply immediately.
func (a *Adapter) serve(ctx context.Context, eng transport.Engine, ep endpoint) error {
	inputs := make(chan string, 16)
	turnsDone := make(chan struct{})
	go func() {
		defer close(turnsDone)
		for input := range inputs {
			if _, err := eng.Prompt(ctx, input); err != nil {
				a.tel.Logger.Error(ctx, "turn failed", "err", err)
			}
		}
	}()

	readErr := func() error {
		defer close(inputs)
		for {
			line, err := ep.ReadLine()
			if err != nil {
				if errors.Is(err, io.EOF) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var in inbound
			if err := json.Unmarshal(line, &in); err != nil {
				a.tel.Logger.Warn(ctx, "rawstream: bad inbound line", "err", err)
				continue
			}
			switch in.Type {
			case inUserInput:
				select {
				case inputs <- in.Input:
				default:
					a.tel.Logger.Warn(ctx, "rawstream: input queue full, dropping")
				}
			case inApprovalResponse:
				if !eng.Resolve(ctx, in.RequestID, in.Decision) {
					a.tel.Logger.Warn(ctx, "rawstream: stale approval response", "request_id", in.RequestID)
				}
			case inInterrupt:
				reason := in.Reason
				if reason == "" {
					reason = "client interrupt"
				}
				eng.Interrupt(reason)
			case inRewind:
				r, ok := eng.(transport.Rewinder)
				if !ok {
					a.tel.Logger.Warn(ctx, "rawstream: engine does not support rewind")
					continue
				}
				if err := r.Rewind(ctx, in.TurnID, in.Reason); err != nil {
					a.tel.Logger.Error(ctx, "rewind failed", "turn_id", in.TurnID, "err", err)
				}
			default:
				a.tel.Logger.Warn(ctx, "rawstream: unknown inbound type", "type", in.Type)
			}
		}
	}()

	// The client is gone; cut any in-flight turn loose and drain it.
	eng.Interrupt("client disconnected")
	select {
	case <-turnsDone:
	case <-time.After(10 * time.Second):
		a.tel.Logger.Warn(ctx, "rawstream: timed out draining turns")
	}
	return readErr
}

// acceptWebSocket listens on the configured address and upgrades the first
// client. Later connection attempts are refused while a client is live.
func (a *Adapter) acceptWebSocket(ctx context.Context) (endpoint, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	conns := make(chan *websocket.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/wire", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case conns <- c:
		default:
			_ = c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session already attached"),
				time.Now().Add(time.Second))
			c.Close()
		}
	})

	srv := &http.Server{Addr: a.listenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errs := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		srv.Close()
		return nil, ctx.Err()
	case err := <-errs:
		return nil, fmt.Errorf("rawstream: listen %s: %w", a.listenAddr, err)
	case c := <-conns:
		// One client per session; stop accepting more.
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		return newWSEndpoint(c, srv), nil
	}
}

// stdioEndpoint frames documents as lines on a reader/writer pair.
type stdioEndpoint struct {
	r *lineReader

	mu sync.Mutex
	w  io.Writer
}

func newStdioEndpoint(r io.Reader, w io.Writer) *stdioEndpoint {
	return &stdioEndpoint{r: newLineReader(r), w: w}
}

func (e *stdioEndpoint) WriteLine(line []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.w.Write(line)
	return err
}

func (e *stdioEndpoint) ReadLine() ([]byte, error) {
	return e.r.Read()
}

func (e *stdioEndpoint) Close() error {
	if c, ok := e.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// wsEndpoint frames documents as WebSocket text messages.
type wsEndpoint struct {
	srv *http.Server

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSEndpoint(conn *websocket.Conn, srv *http.Server) *wsEndpoint {
	return &wsEndpoint{conn: conn, srv: srv}
}

func (e *wsEndpoint) WriteLine(line []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteMessage(websocket.TextMessage, line)
}

func (e *wsEndpoint) ReadLine() ([]byte, error) {
	_, data, err := e.conn.ReadMessage()
	return data, err
}

func (e *wsEndpoint) Close() error {
	err := e.conn.Close()
	if e.srv != nil {
		e.srv.Close()
	}
	return err
}

// lineReader adapts a bufio.Scanner to blocking single-line reads with an
// explicit io.EOF at end of input.
type lineReader struct {
	sc *bufio.Scanner
}

func newLineReader(r io.Reader) *lineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 10*1024*1024)
	return &lineReader{sc: sc}
}

func (l *lineReader) Read() ([]byte, error) {
	if l.sc.Scan() {
		return append([]byte(nil), l.sc.Bytes()...), nil
	}
	if err := l.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

var _ transport.Adapter = (*Adapter)(nil)

