// Package stream 实现推送连接的下行写出通道。
//
// Writer 屏蔽了底层传输的差异：HTTP 分块响应与 WebSocket 连接都以字节块为单位写出，
// 并在连接结束时按注册顺序回调 NotifyOnClose 注册的函数，每个函数只执行一次。
package stream

import (
	"sync"

	"github.com/google/uuid"
)

// Writer 是一条推送连接的写出端。
type Writer interface {
	// Write 写出一个数据块。调用方在 Write 返回后不得再修改 p。
	Write(p []byte) error

	// NotifyOnClose 注册连接结束时的回调。连接已结束时立即在当前协程执行。
	NotifyOnClose(fn func())

	// ID 返回连接的唯一标识，生命周期内不变。
	ID() uuid.UUID

	// Close 主动结束连接，可重复调用。
	Close() error

	// Done 返回连接结束时被关闭的通道。
	Done() <-chan struct{}

	// Err 返回连接结束的原因，主动关闭或连接仍存活时为 nil。
	Err() error
}

// closeState 保存两种 Writer 共用的关闭状态与回调。
type closeState struct {
	id uuid.UUID

	mu        sync.Mutex
	closed    bool
	cause     error
	callbacks []func()
	done      chan struct{}
}

func newCloseState() closeState {
	return closeState{
		id:   uuid.New(),
		done: make(chan struct{}),
	}
}

func (c *closeState) ID() uuid.UUID {
	return c.id
}

func (c *closeState) Done() <-chan struct{} {
	return c.done
}

func (c *closeState) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

func (c *closeState) NotifyOnClose(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

func (c *closeState) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markClosed 把状态置为已关闭并取出待执行的回调。只有第一次调用返回 true。
func (c *closeState) markClosed(cause error) ([]func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true
	c.cause = cause
	close(c.done)
	callbacks := c.callbacks
	c.callbacks = nil
	return callbacks, true
}

func runCallbacks(callbacks []func()) {
	for _, fn := range callbacks {
		fn()
	}
}
