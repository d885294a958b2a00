package im

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// 连接状态机 Connecting → Authenticated → Active → Closed
const (
	StateConnecting int32 = iota
	StateAuthenticated
	StateActive
	StateClosed
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// outFrame 下行帧；written 非空时由写泵在成功写出后关闭
type outFrame struct {
	payload []byte
	written chan struct{}
}

// Connection 单个长连接的运行时句柄，生命周期内不落盘
type Connection struct {
	ID     string
	UserID uint64

	ws        *websocket.Conn
	send      chan outFrame
	done      chan struct{}
	state     atomic.Int32
	closeOnce sync.Once
}

func newConnection(id string, ws *websocket.Conn, sendBuffer int) *Connection {
	c := &Connection{
		ID:   id,
		ws:   ws,
		send: make(chan outFrame, sendBuffer),
		done: make(chan struct{}),
	}
	c.state.Store(StateConnecting)
	return c
}

func (c *Connection) State() int32 {
	return c.state.Load()
}

// Push 非阻塞投递下行帧：慢连接只会丢自己的推送（拉取路径兜底），
// 绝不反向阻塞扇出引擎或其他接收者
func (c *Connection) Push(payload []byte) error {
	_, err := c.push(outFrame{payload: payload})
	return err
}

// PushTracked 同 Push，另返回一个在帧真正写出 socket 后关闭的通道；
// 连接在写出前终结则该通道永不关闭（以 done 为准）
func (c *Connection) PushTracked(payload []byte) (<-chan struct{}, error) {
	return c.push(outFrame{payload: payload, written: make(chan struct{})})
}

func (c *Connection) push(frame outFrame) (<-chan struct{}, error) {
	select {
	case <-c.done:
		return nil, ErrConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return frame.written, nil
	default:
		return nil, ErrSendBufferFull
	}
}

// close 标记关闭并唤醒写协程，幂等
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.state.Store(StateClosed)
		close(c.done)
	})
}
