package stream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/network"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// HTTPWriter 基于 HTTP 分块响应写出数据。
//
// 请求上下文结束（对端断开或服务器关闭）时自动关闭。处理请求的 handler
// 必须先等待 Done，再调用 Drain，之后才能返回，否则 ResponseWriter 可能仍在被写入。
type HTTPWriter struct {
	closeState

	// wmu 串行化对 ResponseWriter 的写入。Close 不获取 wmu。
	wmu          sync.Mutex
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration

	// stop 由 closeState.mu 保护。
	stop func() bool
}

var _ Writer = (*HTTPWriter)(nil)

// NewHTTPWriter 写出响应头并创建 HTTPWriter。contentType 为空时使用 text/plain，
// writeTimeout 非正时使用 DefaultWriteTimeout。
func NewHTTPWriter(ctx context.Context, w http.ResponseWriter, contentType string, writeTimeout time.Duration) (*HTTPWriter, error) {
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	h := &HTTPWriter{
		closeState:   newCloseState(),
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
	}

	header := w.Header()
	header.Set("Content-Type", contentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if err := h.rc.Flush(); err != nil {
		return nil, merr.WrapErrStreamWriteFailed(h.id, network.MarkStage(err, network.StageFlush))
	}

	stop := context.AfterFunc(ctx, func() {
		h.closeWithCause(context.Cause(ctx))
	})
	h.mu.Lock()
	h.stop = stop
	h.mu.Unlock()
	return h, nil
}

// Write 写出一个数据块并立即刷出。单次写出受 writeTimeout 限制，
// 超时或写失败后连接会被异步关闭。
func (h *HTTPWriter) Write(p []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if h.isClosed() {
		return merr.WrapErrStreamClosed(h.id)
	}
	h.setWriteDeadline(time.Now().Add(h.writeTimeout))
	if _, err := h.w.Write(p); err != nil {
		return h.fail(network.MarkStage(err, network.StageSend))
	}
	if err := h.rc.Flush(); err != nil {
		return h.fail(network.MarkStage(err, network.StageFlush))
	}
	h.setWriteDeadline(time.Time{})
	return nil
}

// fail 调用方持有房间锁，回调会重新进入注册表，因此在新协程中关闭。
func (h *HTTPWriter) fail(cause error) error {
	go h.closeWithCause(cause)
	return merr.WrapErrStreamWriteFailed(h.id, cause)
}

func (h *HTTPWriter) setWriteDeadline(t time.Time) {
	if err := h.rc.SetWriteDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Debug("fail to set write deadline", zap.Stringer("conn", h.id), zap.Error(err))
	}
}

// Close 结束响应。不等待进行中的写入，只把它的截止时间提前到当前时刻。
func (h *HTTPWriter) Close() error {
	h.closeWithCause(nil)
	return nil
}

// Drain 等待进行中的写入结束。Close 之后不会再有新的写入开始。
func (h *HTTPWriter) Drain() {
	h.wmu.Lock()
	defer h.wmu.Unlock()
}

func (h *HTTPWriter) closeWithCause(cause error) {
	if merr.IsCanceledOrTimeout(cause) {
		// 请求上下文结束即对端断开，属于正常结束。
		cause = nil
	}
	callbacks, first := h.markClosed(cause)
	if !first {
		return
	}
	h.setWriteDeadline(time.Now())

	h.mu.Lock()
	stop := h.stop
	h.mu.Unlock()
	if stop != nil {
		stop()
	}
	log.Debug("http stream closed", zap.Stringer("conn", h.id), zap.Error(cause))
	runCallbacks(callbacks)
}
