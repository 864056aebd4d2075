package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrLegClosed    = errors.New("relay: leg closed")
	ErrBackpressure = errors.New("relay: outbound queue full")
)

// Leg is one side of a call as seen by the relay loop. Send never blocks: it
// enqueues the message or fails.
type Leg interface {
	Send(msg any) error
	Close() error
}

type LegConfig struct {
	QueueSize    int
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
}

// DecodeFunc turns one inbound text frame into an event payload.
type DecodeFunc func(data []byte) (any, error)

// WSLeg is a Leg over a gorilla websocket with its own writer goroutine.
type WSLeg struct {
	conn   *websocket.Conn
	source Source
	queue  chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	// writeErr is the write failure that closed the leg, if any.
	writeErr atomic.Pointer[error]

	writerDone chan struct{}
}

func NewWSLeg(conn *websocket.Conn, source Source, cfg LegConfig) *WSLeg {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &WSLeg{
		conn:       conn,
		source:     source,
		queue:      make(chan []byte, queueSize),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}

	w := &outboundWriter{
		ws:           conn,
		ctx:          ctx,
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		queue:        l.queue,
	}
	go func() {
		defer close(l.writerDone)
		if err := w.Run(); err != nil {
			// A failed write leaves the socket unusable; closing it ends the
			// reader, which reports the leg as failed.
			l.writeErr.Store(&err)
			l.closed.Store(true)
			l.cancel()
			_ = conn.Close()
		}
	}()
	return l
}

func (l *WSLeg) Send(msg any) error {
	if l.closed.Load() {
		return ErrLegClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: encode %T: %w", msg, err)
	}
	select {
	case l.queue <- payload:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close stops the writer, which sends a close frame and closes the socket.
// It is safe to call more than once.
func (l *WSLeg) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.cancel()
	return nil
}

// Pump reads frames until the socket fails, handing each decoded frame to
// deliver. It reports the end of the leg as a LegClosed event; a normal close
// handshake carries no error. The leg is closed once deliver refuses an event.
func (l *WSLeg) Pump(decode DecodeFunc, deliver func(Event) bool) {
	defer l.Close()
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			var legErr error
			if werr := l.writeErr.Load(); werr != nil {
				legErr = fmt.Errorf("write: %w", *werr)
			} else if !l.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				legErr = err
			}
			_ = l.Close()
			deliver(Event{Source: l.source, Payload: LegClosed{Err: legErr}})
			return
		}
		if mt != websocket.TextMessage {
			if !deliver(Event{Source: l.source, Payload: Malformed{Err: fmt.Errorf("unexpected message type %d", mt)}}) {
				return
			}
			continue
		}
		payload, err := decode(data)
		if err != nil {
			if !deliver(Event{Source: l.source, Payload: Malformed{Err: err}}) {
				return
			}
			continue
		}
		if !deliver(Event{Source: l.source, Payload: payload}) {
			return
		}
	}
}

// Done is closed once the writer goroutine has exited.
func (l *WSLeg) Done() <-chan struct{} {
	return l.writerDone
}
