package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshchat/internal/util"
)

var (
	// ErrConnection reports that the relay is unreachable or dropped the link.
	ErrConnection = errors.New("relay connection error")
	// ErrSend reports a write on a link that is not open.
	ErrSend = errors.New("relay send error")
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Link owns the single WebSocket connection to the signaling relay.
//
// Frames are decoded on one receive goroutine and handed to the registered
// handler in arrival order. Frames that arrive before OnMessage is called are
// held back until a handler exists.
type Link struct {
	conn *websocket.Conn
	url  string

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handler   func(Envelope)
	ready     chan struct{}
	readyOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Connect dials the relay and starts the receive loop.
func Connect(ctx context.Context, url string) (*Link, error) {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %v", ErrConnection, url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	l := &Link{
		conn:  conn,
		url:   url,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.receive()

	util.LogDebug("relay connected: %s", url)
	return l, nil
}

// Send serializes and writes one envelope. It fails with ErrSend once the link
// is closed; there is no retry.
func (l *Link) Send(env Envelope) error {
	select {
	case <-l.done:
		return fmt.Errorf("%w: link closed", ErrSend)
	default:
	}

	data, err := Encode(env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

// OnMessage registers the envelope handler, replacing any previous one.
func (l *Link) OnMessage(fn func(Envelope)) {
	l.handlerMu.Lock()
	l.handler = fn
	l.handlerMu.Unlock()

	if fn != nil {
		l.readyOnce.Do(func() { close(l.ready) })
	}
}

// Done is closed once the link is closed, locally or by the remote.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns the terminal error after Done is closed: nil for a local Close,
// an ErrConnection-wrapped error when the relay dropped the link.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Close releases the connection. Safe to call multiple times and after the
// remote closed first.
func (l *Link) Close() error {
	return l.shutdown(nil)
}

func (l *Link) shutdown(cause error) error {
	var err error
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.err = cause
		l.errMu.Unlock()
		close(l.done)

		if cause == nil {
			l.writeMu.Lock()
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(time.Second))
			l.writeMu.Unlock()
		}
		err = l.conn.Close()
	})
	return err
}

// receive is the single reader goroutine. It exits when the connection fails.
func (l *Link) receive() {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
				// closed locally
			default:
				l.shutdown(fmt.Errorf("%w: %v", ErrConnection, err))
			}
			return
		}

		env, err := Decode(data)
		if err != nil {
			util.LogWarning("dropping malformed relay frame: %v", err)
			continue
		}

		select {
		case <-l.ready:
		case <-l.done:
			return
		}

		l.handlerMu.RLock()
		fn := l.handler
		l.handlerMu.RUnlock()

		if fn != nil {
			fn(env)
		}
	}
}
