package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn websocket 连接句柄。gorilla 要求单写者，
// 所有出站帧（含关闭帧）串行经过写锁。
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed atomic.Bool
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

// SendJSON 序列化并发送一条文本帧
func (c *wsConn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.SendRaw(data)
}

// SendRaw 原样发送一条文本帧
func (c *wsConn) SendRaw(data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("connection closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

// Close 发送关闭帧并断开底层连接，幂等
func (c *wsConn) Close(code int, reason string) error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	return c.ws.Close()
}

// Ready 连接是否仍可写
func (c *wsConn) Ready() bool { return !c.closed.Load() }

// RemoteAddr 对端地址
func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// markBroken 读循环出错时标记为不可写
func (c *wsConn) markBroken() { c.closed.Store(true) }
