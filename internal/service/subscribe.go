package service

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/network"
	"github.com/lk2023060901/danmu-push-go/internal/network/stream"
	"github.com/lk2023060901/danmu-push-go/internal/registry"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// handleSubscribe 建立 HTTP 分块长连接，直到对端断开或连接被关闭才返回。
func (s *Service) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	req, err := parseSubscribe(r)
	if err == nil {
		err = s.acceptingStreams()
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	hw, err := stream.NewHTTPWriter(r.Context(), w, "", s.cfg.WriteTimeout)
	if err != nil {
		log.Ctx(r.Context()).Warn("fail to open http stream", zap.Error(err))
		return
	}
	s.attach(r.Context(), req, hw)
	<-hw.Done()
	hw.Drain()
}

// handleWSSubscribe 建立 WebSocket 长连接。升级完成后连接由 WSWriter 的收发协程接管。
func (s *Service) handleWSSubscribe(w http.ResponseWriter, r *http.Request) {
	req, err := parseSubscribe(r)
	if err == nil {
		err = s.acceptingStreams()
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := s.cfg.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 失败时已经写出了错误响应。
		log.Ctx(r.Context()).Info("fail to upgrade websocket",
			zap.String("stage", string(network.StageUpgrade)),
			zap.Error(network.MarkStage(err, network.StageUpgrade)))
		return
	}
	ww := stream.NewWSWriter(conn, stream.WSConfig{
		SendQueueSize: s.cfg.StreamQueueSize,
		WriteTimeout:  s.cfg.WriteTimeout,
	})
	s.attach(r.Context(), req, ww)
}

// attach 为新连接创建会话并注册。
//
// 断线回调在注册之后才挂上：若连接在此之前已经结束，回调会立即执行并把刚注册的会话摘掉。
// 回调只在当前会话仍属于该连接时才生效，被新连接替换后的旧连接的断线通知会被忽略。
func (s *Service) attach(ctx context.Context, req subscribeRequest, w stream.Writer) *registry.Session {
	logger := log.Ctx(ctx).With(
		log.FieldUID(req.key.UID),
		log.FieldDeviceType(req.key.DeviceType),
		zap.Stringer("conn", w.ID()))

	sess := s.reg.NewSession(req.key, w, req.antiIdle)
	sess.SetInterestedRooms(req.rooms)

	bucket := s.reg.Bucket(req.key.UID)
	if replaced := bucket.AddSession(sess); replaced != nil {
		logger.Warn("session replaced by new subscription",
			zap.Stringer("replacedConn", replaced.ConnectionID()))
		replaced.Destroy()
		closeSessionWriter(replaced)
	}

	connID := w.ID()
	w.NotifyOnClose(func() {
		removed := s.reg.RemoveIfCurrent(req.key, connID)
		if removed == nil {
			logger.Debug("connection closed, session already removed")
			return
		}
		logger.Info("unsubscribed", zap.Error(w.Err()))
	})

	logger.Info("subscribe ok",
		log.FieldBucket(bucket.Index()),
		zap.String("rooms", sess.InterestedRoomsCSV()),
		zap.Duration("antiIdle", req.antiIdle))
	return sess
}

// closeSessionWriter 关闭会话底层的连接。
func closeSessionWriter(sess *registry.Session) {
	if w, ok := sess.Writer().(stream.Writer); ok {
		if err := w.Close(); err != nil {
			log.Debug("fail to close stream", zap.Stringer("conn", w.ID()), zap.Error(err))
		}
	}
}

// handleUnsubscribe 主动注销在线会话并关闭其连接。
func (s *Service) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	key, err := userKeyFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	removed := s.reg.Bucket(key.UID).DelSession(key)
	if removed == nil {
		s.writeOffline(w, r, key)
		return
	}
	removed.Destroy()
	closeSessionWriter(removed)
	log.Ctx(r.Context()).Info("session unsubscribed by request",
		log.FieldUID(key.UID), log.FieldDeviceType(key.DeviceType))
	s.writeUserResult(w, r, key, resultRemoved, nil)
}

// handleUpdateRooms 替换在线会话关注的房间，连接保持不变。
func (s *Service) handleUpdateRooms(w http.ResponseWriter, r *http.Request) {
	key, err := userKeyFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !r.URL.Query().Has(paramRooms) {
		writeError(w, r, merr.WrapErrParameterMissing(paramRooms, "room identities are required"))
		return
	}

	sess, changed := s.reg.Bucket(key.UID).UpdateSessionRooms(key, r.URL.Query().Get(paramRooms))
	switch {
	case sess == nil:
		s.writeOffline(w, r, key)
	case changed:
		s.writeUserResult(w, r, key, resultUpdated, nil)
	default:
		s.writeUserResult(w, r, key, resultUnchanged, nil)
	}
}
