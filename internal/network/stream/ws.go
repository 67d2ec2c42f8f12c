package stream

import (
	"net"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/network"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

const (
	// DefaultSendQueueSize 为每个连接的发送队列容量。
	DefaultSendQueueSize = 1024
	// DefaultWriteTimeout 为单次写出的超时时间。
	DefaultWriteTimeout = 10 * time.Second
	// MaxPeerMessageSize 为对端单条消息的上限，推送连接只需要收控制帧。
	MaxPeerMessageSize = 512
)

// WSConfig 描述 WebSocket 连接的写出参数，零值字段使用默认值。
type WSConfig struct {
	SendQueueSize int
	WriteTimeout  time.Duration
}

// WSWriter 基于 WebSocket 连接写出数据。
//
// Write 只把数据投递到发送队列，由独立的发送协程顺序写出，
// 避免多个协程并发写 conn；读协程负责感知对端关闭。
type WSWriter struct {
	closeState

	conn         *websocket.Conn
	sendQueue    chan []byte
	writeTimeout time.Duration
}

var _ Writer = (*WSWriter)(nil)

// NewWSWriter 接管一个已完成升级的连接，并启动收发协程。
func NewWSWriter(conn *websocket.Conn, cfg WSConfig) *WSWriter {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	w := &WSWriter{
		closeState:   newCloseState(),
		conn:         conn,
		sendQueue:    make(chan []byte, cfg.SendQueueSize),
		writeTimeout: cfg.WriteTimeout,
	}
	conn.SetReadLimit(MaxPeerMessageSize)
	go w.sendLoop()
	go w.readLoop()
	return w
}

// Write 将 p 投递到发送队列，队列已满时立即失败而不阻塞调用方。
func (w *WSWriter) Write(p []byte) error {
	select {
	case <-w.done:
		return merr.WrapErrStreamClosed(w.id)
	default:
	}
	select {
	case w.sendQueue <- p:
		return nil
	default:
		return merr.WrapErrStreamQueueFull(w.id, cap(w.sendQueue))
	}
}

// Close 发送关闭帧并关闭底层连接。
func (w *WSWriter) Close() error {
	return w.closeWithCause(nil)
}

func (w *WSWriter) closeWithCause(cause error) error {
	callbacks, first := w.markClosed(cause)
	if !first {
		return nil
	}
	// WriteControl 与 Close 可以和其它方法并发调用。
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := w.conn.Close()
	log.Debug("websocket stream closed", zap.Stringer("conn", w.id), zap.Error(cause))
	runCallbacks(callbacks)
	return err
}

// sendLoop 为每个连接启动的专职发送协程，写出失败即关闭连接。
func (w *WSWriter) sendLoop() {
	for {
		select {
		case <-w.done:
			return
		case p := <-w.sendQueue:
			msgType := websocket.TextMessage
			if !utf8.Valid(p) {
				msgType = websocket.BinaryMessage
			}
			_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
			if err := w.conn.WriteMessage(msgType, p); err != nil {
				_ = w.closeWithCause(network.MarkStage(err, network.StageSend))
				return
			}
		}
	}
}

// readLoop 丢弃对端发来的数据，读失败说明连接已断开。
func (w *WSWriter) readLoop() {
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			var cause error
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				cause = network.MarkStage(err, network.StageRecv)
			}
			_ = w.closeWithCause(cause)
			return
		}
	}
}
