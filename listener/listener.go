// Package listener receives subscription pushes delivered out of band to a
// fixed local endpoint and hands each one to the caller awaiting it.
package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/pushwatch/cfg"
	"github.com/maxpert/pushwatch/gate"
	"github.com/maxpert/pushwatch/telemetry"
	"github.com/rs/zerolog/log"
)

// State is the listener lifecycle state
type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// Config controls the listener socket and connection reading
type Config struct {
	Address      string        // host:port; port 0 picks an ephemeral port
	IdleTimeout  time.Duration // A gap this long ends the payload
	ConnDeadline time.Duration // Hard cap per connection
	MaxPayload   int           // Bytes
	Markers      []string      // Document start tokens
}

// ConfigFrom builds a listener Config from the harness configuration
func ConfigFrom(c *cfg.Configuration) Config {
	return Config{
		Address:      c.ListenAddress(),
		IdleTimeout:  time.Duration(c.Listener.IdleTimeoutMS) * time.Millisecond,
		ConnDeadline: time.Duration(c.Listener.ConnDeadlineMS) * time.Millisecond,
		MaxPayload:   c.Listener.MaxPayloadBytes,
		Markers:      c.Listener.DocumentMarkers,
	}
}

// DefaultConfig returns the default listener settings bound to addr
func DefaultConfig(addr string) Config {
	c := ConfigFrom(cfg.Default())
	c.Address = addr
	return c
}

// Recorder receives every deposited push, e.g. for journaling
type Recorder interface {
	Record(p gate.Push) error
}

// Option customizes a Listener
type Option func(*Listener)

// WithRecorder attaches a recorder called after each deposit
func WithRecorder(r Recorder) Option {
	return func(l *Listener) { l.recorder = r }
}

var errPayloadTooLarge = errors.New("payload exceeds limit")

// Listener accepts inbound push connections on one socket. A single worker
// goroutine serves connections one at a time.
type Listener struct {
	config   Config
	recorder Recorder

	lifecycleMu sync.Mutex // Protects Start/Stop
	state       atomic.Int32
	ln          net.Listener
	quit        chan struct{}
	wg          sync.WaitGroup

	gate atomic.Pointer[gate.Gate]
	seq  atomic.Uint64

	activeMu sync.Mutex
	active   net.Conn // Connection being read, closed on Stop
}

// New creates a stopped listener
func New(config Config, opts ...Option) *Listener {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 250 * time.Millisecond
	}
	if config.ConnDeadline < config.IdleTimeout {
		config.ConnDeadline = config.IdleTimeout
	}
	if config.MaxPayload <= 0 {
		config.MaxPayload = 8 << 20
	}

	l := &Listener{config: config}
	for _, opt := range opts {
		opt(l)
	}

	// Awaiting before the first Start reports a closed stream
	g := gate.New()
	g.Close()
	l.gate.Store(g)

	return l
}

// Start opens the socket and starts the accept worker. No-op when running.
func (l *Listener) Start() error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if State(l.state.Load()) == Running {
		return nil
	}

	ln, err := net.Listen("tcp", l.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.config.Address, err)
	}

	g := gate.New()
	l.ln = ln
	l.quit = make(chan struct{})
	l.gate.Store(g)

	l.wg.Add(1)
	go l.acceptLoop(ln, g, l.quit)

	l.state.Store(int32(Running))
	telemetry.ListenerRunning.Set(1)

	log.Info().Str("address", ln.Addr().String()).Msg("Notification listener started")
	return nil
}

// Stop closes the socket and wakes any waiter with an Empty outcome.
// Safe to call when stopped and safe to call twice.
func (l *Listener) Stop() {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if State(l.state.Load()) != Running {
		return
	}

	log.Info().Str("address", l.ln.Addr().String()).Msg("Stopping notification listener")

	// Unblock waiters first; pushes completing during shutdown are dropped
	l.gate.Load().Close()

	close(l.quit)
	l.ln.Close()

	l.activeMu.Lock()
	if l.active != nil {
		l.active.Close()
	}
	l.activeMu.Unlock()

	l.wg.Wait()

	l.state.Store(int32(Stopped))
	telemetry.ListenerRunning.Set(0)

	log.Info().Msg("Notification listener stopped")
}

// State returns the current lifecycle state
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Addr returns the bound address, or nil when stopped
func (l *Listener) Addr() net.Addr {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if State(l.state.Load()) != Running {
		return nil
	}
	return l.ln.Addr()
}

// AwaitNext waits up to timeout for the next push
func (l *Listener) AwaitNext(timeout time.Duration) gate.Result {
	start := time.Now()
	res := l.gate.Load().AwaitNext(timeout)
	observeAwait(res, start)
	return res
}

// AwaitContext waits for the next push until ctx is done
func (l *Listener) AwaitContext(ctx context.Context) gate.Result {
	start := time.Now()
	res := l.gate.Load().AwaitContext(ctx)
	observeAwait(res, start)
	return res
}

// Received returns the number of pushes deposited since creation
func (l *Listener) Received() uint64 {
	return l.seq.Load()
}

func observeAwait(res gate.Result, start time.Time) {
	outcome := res.Outcome.String()
	telemetry.AwaitTotal.With(outcome).Inc()
	telemetry.AwaitSeconds.With(outcome).Observe(time.Since(start).Seconds())
}

func (l *Listener) acceptLoop(ln net.Listener, g *gate.Gate, quit chan struct{}) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("Accept error")
			continue
		}

		l.activeMu.Lock()
		l.active = conn
		l.activeMu.Unlock()

		select {
		case <-quit:
			conn.Close()
			return
		default:
		}

		l.handleConnection(conn, g)

		l.activeMu.Lock()
		l.active = nil
		l.activeMu.Unlock()
	}
}

// handleConnection reads one framed payload, deposits the embedded document
// and closes the connection. Malformed input is logged and dropped.
func (l *Listener) handleConnection(conn net.Conn, g *gate.Gate) {
	defer conn.Close()

	start := time.Now()
	remote := conn.RemoteAddr().String()

	raw, isHTTP, err := l.readPayload(conn)
	telemetry.ConnReadSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.PushesMalformedTotal.Inc()
		log.Warn().Err(err).Str("remote", remote).Int("bytes", len(raw)).Msg("Dropped unreadable push")
		if isHTTP {
			if errors.Is(err, errPayloadTooLarge) {
				writeHTTPStatus(conn, 413, "Payload Too Large")
			} else {
				writeHTTPStatus(conn, 400, "Bad Request")
			}
		}
		return
	}

	doc, err := ExtractDocument(raw, l.config.Markers)
	if err != nil {
		var merr *MalformedPushError
		if errors.As(err, &merr) {
			merr.Remote = remote
		}
		telemetry.PushesMalformedTotal.Inc()
		log.Warn().Err(err).Str("remote", remote).Msg("Dropped malformed push")
		if isHTTP {
			writeHTTPStatus(conn, 400, "Bad Request")
		}
		return
	}

	p := gate.Push{
		Seq:        l.seq.Add(1),
		Payload:    doc,
		ReceivedAt: time.Now(),
		Remote:     remote,
	}

	if g.Deposit(p) {
		telemetry.PushesOverwrittenTotal.Inc()
		log.Debug().Uint64("seq", p.Seq).Msg("Overwrote unconsumed push")
	}
	telemetry.PushesReceivedTotal.Inc()
	telemetry.PushBytes.Observe(float64(len(doc)))

	log.Debug().
		Uint64("seq", p.Seq).
		Str("remote", remote).
		Int("bytes", len(doc)).
		Dur("read", time.Since(start)).
		Msg("Received push")

	if isHTTP {
		writeHTTPStatus(conn, 200, "OK")
	}

	if l.recorder != nil {
		if err := l.recorder.Record(p); err != nil {
			log.Warn().Err(err).Uint64("seq", p.Seq).Msg("Failed to record push")
		}
	}
}

// idleReader bounds every read by the idle gap and the connection deadline
type idleReader struct {
	conn     net.Conn
	idle     time.Duration
	deadline time.Time
}

func (r *idleReader) Read(p []byte) (int, error) {
	d := time.Now().Add(r.idle)
	if d.After(r.deadline) {
		d = r.deadline
	}
	if err := r.conn.SetReadDeadline(d); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}

// readPayload returns the inbound bytes and whether they arrived as an HTTP
// request. HTTP bodies are decoded per their framing; anything else is read
// until EOF, an idle gap, or the connection deadline.
func (l *Listener) readPayload(conn net.Conn) ([]byte, bool, error) {
	br := bufio.NewReader(&idleReader{
		conn:     conn,
		idle:     l.config.IdleTimeout,
		deadline: time.Now().Add(l.config.ConnDeadline),
	})

	// Short or failed peeks fall through to the raw read, which reports the error
	head, _ := br.Peek(len("PATCH "))
	if isHTTPRequest(head) {
		body, err := l.readHTTPBody(conn, br)
		return body, true, err
	}

	raw, err := l.readUntilGap(br)
	return raw, false, err
}

func (l *Listener) readHTTPBody(conn net.Conn, br *bufio.Reader) ([]byte, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("invalid http request: %w", err)
	}
	defer req.Body.Close()

	if req.ContentLength > int64(l.config.MaxPayload) {
		return nil, errPayloadTooLarge
	}

	if strings.EqualFold(req.Header.Get("Expect"), "100-continue") {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := io.WriteString(conn, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
			return nil, fmt.Errorf("failed to send 100 Continue: %w", err)
		}
	}

	// No declared length: the body runs to EOF or the idle gap
	if req.ContentLength == 0 && len(req.TransferEncoding) == 0 && req.Header.Get("Content-Length") == "" {
		return l.readUntilGap(br)
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, int64(l.config.MaxPayload)+1))
	if err != nil {
		return body, fmt.Errorf("failed to read http body: %w", err)
	}
	if len(body) > l.config.MaxPayload {
		return body, errPayloadTooLarge
	}
	return body, nil
}

func (l *Listener) readUntilGap(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 32<<10)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > l.config.MaxPayload {
				return buf, errPayloadTooLarge
			}
		}

		if err != nil {
			if err == io.EOF {
				return buf, nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return buf, nil
			}
			return buf, err
		}
	}
}

func writeHTTPStatus(conn net.Conn, code int, text string) {
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, text)
}
