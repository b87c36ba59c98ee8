package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// connWrapper serializes writes; gorilla connections allow one concurrent
// writer and one concurrent reader.
type connWrapper struct {
	conn         *websocket.Conn
	mutex        sync.Mutex
	writeTimeout time.Duration
}

func newConnWrapper(c *websocket.Conn, writeTimeout time.Duration) *connWrapper {
	return &connWrapper{conn: c, writeTimeout: writeTimeout}
}

func (w *connWrapper) WritePrepared(pm *websocket.PreparedMessage) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WritePreparedMessage(pm)
}

func (w *connWrapper) WriteJSON(v any) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteJSON(v)
}

func (w *connWrapper) Ping() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
}

func (w *connWrapper) WriteClose(code int, reason string) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	return w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.writeTimeout))
}

func (w *connWrapper) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.conn.Close()
}
