package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"darkmatter/fleet/pkg/proto"
)

// WSConn adapts a gorilla websocket connection to Conn. gorilla allows only
// one concurrent writer, so all writes funnel through a mutex.
type WSConn struct {
	ws *websocket.Conn

	wmu    sync.Mutex
	closed sync.Once
}

func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

func (c *WSConn) WriteFrame(f *proto.Frame) error {
	return c.WriteJSON(f)
}

func (c *WSConn) ReadFrame() (*proto.Frame, error) {
	var f proto.Frame
	if err := c.ws.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// WriteJSON writes an arbitrary JSON message. Relay legs use this for their
// envelope exchange after leg authentication.
func (c *WSConn) WriteJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *WSConn) ReadJSON(v any) error {
	return c.ws.ReadJSON(v)
}

func (c *WSConn) Close() error {
	var err error
	c.closed.Do(func() {
		deadline := time.Now().Add(time.Second)
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *WSConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Ping sends a control ping; safe concurrently with data writes.
func (c *WSConn) Ping(timeout time.Duration) error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// OnPong installs fn to run whenever the peer answers a ping.
func (c *WSConn) OnPong(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}
