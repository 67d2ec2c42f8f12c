package service

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/registry"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/metrics"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// 面向单个用户的操作结果。
const (
	resultOffline   = "offline"
	resultDelivered = "delivered"
	resultError     = "error"
	resultRemoved   = "removed"
	resultUpdated   = "updated"
	resultUnchanged = "unchanged"
)

type userResult struct {
	Result     string          `json:"result"`
	UID        int64           `json:"uid"`
	DeviceType int16           `json:"device_type"`
	Error      *merr.ErrStatus `json:"error,omitempty"`
}

// writeUserResult 输出：
//
//	<result>
//	user=<uid> terminal=<device_type>
//	err=<code> <msg>            （仅 error 时）
//
// JSON 格式下只要 err 非空就带上 error 字段。
func (s *Service) writeUserResult(w http.ResponseWriter, r *http.Request, key registry.UserKey, result string, err error) {
	if wantsJSON(r) {
		res := userResult{Result: result, UID: key.UID, DeviceType: key.DeviceType}
		if err != nil {
			res.Error = merr.Status(err)
		}
		writeJSON(w, r, http.StatusOK, res)
		return
	}

	var sb strings.Builder
	sb.WriteString(result)
	fmt.Fprintf(&sb, "\nuser=%d terminal=%d\n", key.UID, key.DeviceType)
	if err != nil && result == resultError {
		status := merr.Status(err)
		fmt.Fprintf(&sb, "err=%d %s\n", status.Code, status.Msg)
	}
	writeText(w, http.StatusOK, sb.String())
}

// writeOffline 报告 key 没有在线会话。
func (s *Service) writeOffline(w http.ResponseWriter, r *http.Request, key registry.UserKey) {
	s.writeUserResult(w, r, key, resultOffline, merr.WrapErrSessionOffline(key.UID, key.DeviceType))
}

// handleNotifyToUser 把请求体写给 (u, t) 对应的在线会话。
func (s *Service) handleNotifyToUser(w http.ResponseWriter, r *http.Request) {
	key, err := userKeyFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := readBody(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sess := s.reg.GetSession(key)
	if sess == nil {
		metrics.DeliveryTotal.WithLabelValues(metrics.TargetUser, metrics.ResultOffline).Inc()
		s.writeOffline(w, r, key)
		return
	}
	if err := sess.Write(body); err != nil {
		metrics.DeliveryTotal.WithLabelValues(metrics.TargetUser, metrics.ResultError).Inc()
		log.Ctx(r.Context()).Warn("fail to notify user",
			log.FieldUID(key.UID), log.FieldDeviceType(key.DeviceType), zap.Error(err))
		s.writeUserResult(w, r, key, resultError, err)
		return
	}
	metrics.DeliveryTotal.WithLabelValues(metrics.TargetUser, metrics.ResultDelivered).Inc()
	s.writeUserResult(w, r, key, resultDelivered, nil)
}

type roomResult struct {
	Room      string `json:"room"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}

// handleNotifyToRoom 把请求体广播给 r 中的每个房间。
func (s *Service) handleNotifyToRoom(w http.ResponseWriter, r *http.Request) {
	rooms, err := roomsFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := readBody(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	results := make([]roomResult, 0, len(rooms))
	for _, key := range rooms {
		res := s.reg.BroadcastToRoom(r.Context(), key, body)
		metrics.DeliveryTotal.WithLabelValues(metrics.TargetRoom, metrics.ResultDelivered).Add(float64(res.Delivered))
		metrics.DeliveryTotal.WithLabelValues(metrics.TargetRoom, metrics.ResultError).Add(float64(res.Failed))
		results = append(results, roomResult{Room: key.String(), Delivered: res.Delivered, Failed: res.Failed})
	}
	log.Ctx(r.Context()).Debug("notify to room done", zap.Any("results", results))

	if wantsJSON(r) {
		writeJSON(w, r, http.StatusOK, results)
		return
	}
	var sb strings.Builder
	for _, res := range results {
		fmt.Fprintf(&sb, "room[%s] delivered=%d failed=%d\n", res.Room, res.Delivered, res.Failed)
	}
	writeText(w, http.StatusOK, sb.String())
}
