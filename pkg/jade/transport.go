package jade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Transport is a framed duplex channel with the device. Every call to Send
// and Receive carries exactly one CBOR message. Faults that might go away by
// trying again must be returned as *TransientError.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// WebsocketTransport reaches a device exposed through a websocket bridge, one
// binary frame per message. The connection is dialed lazily and dialed again
// after any fault.
type WebsocketTransport struct {
	url          string
	dialer       *websocket.Dialer
	writeTimeout time.Duration

	lock *sync.Mutex
	conn *websocket.Conn
}

// NewWebsocketTransport ...
func NewWebsocketTransport(url string, writeTimeout time.Duration) *WebsocketTransport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WebsocketTransport{
		url:          url,
		dialer:       websocket.DefaultDialer,
		writeTimeout: writeTimeout,
		lock:         &sync.Mutex{},
	}
}

func (t *WebsocketTransport) Send(ctx context.Context, msg []byte) error {
	conn, err := t.connection(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	//nolint
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		t.reset(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{err}
	}
	return nil
}

func (t *WebsocketTransport) Receive(ctx context.Context) ([]byte, error) {
	conn, err := t.connection(ctx)
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	//nolint
	conn.SetReadDeadline(deadline)

	// Unblock the read once the context is done.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			//nolint
			conn.UnderlyingConn().SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			t.reset(conn)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if ok && !time.Now().Before(deadline) {
				return nil, context.DeadlineExceeded
			}
			return nil, &TransientError{err}
		}
		if msgType != websocket.BinaryMessage {
			log.Debugf("jade: discarding websocket message of type %d", msgType)
			continue
		}
		return msg, nil
	}
}

func (t *WebsocketTransport) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn = nil
	//nolint
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}

func (t *WebsocketTransport) connection(ctx context.Context) (*websocket.Conn, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.conn != nil {
		return t.conn, nil
	}
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{fmt.Errorf("dial %s: %w", t.url, err)}
	}
	t.conn = conn
	return conn, nil
}

func (t *WebsocketTransport) reset(conn *websocket.Conn) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.conn == conn {
		//nolint
		t.conn.Close()
		t.conn = nil
	}
}
