package service

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/danmu-push-go/internal/registry"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

const (
	paramUser     = "u"
	paramTerminal = "t"
	paramRooms    = "r"
	paramAntiIdle = "i"
)

// userKeyFromQuery 解析 u（必填）与 t（可选，默认 0）。
func userKeyFromQuery(r *http.Request) (registry.UserKey, error) {
	q := r.URL.Query()
	if !q.Has(paramUser) {
		return registry.UserKey{}, merr.WrapErrParameterMissing(paramUser, "user identity is required")
	}
	raw := q.Get(paramUser)
	uid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return registry.UserKey{}, merr.WrapErrParameterInvalid(paramUser, raw, "user identity is not a number")
	}

	var deviceType int64
	if q.Has(paramTerminal) {
		raw = q.Get(paramTerminal)
		deviceType, err = strconv.ParseInt(raw, 10, 16)
		if err != nil {
			return registry.UserKey{}, merr.WrapErrParameterInvalid(paramTerminal, raw, "terminal type is not a number")
		}
	}
	return registry.NewUserKey(uid, int16(deviceType)), nil
}

// antiIdleFromQuery 解析 i（可选，秒），不大于 0 表示关闭防空闲。
func antiIdleFromQuery(r *http.Request) (time.Duration, error) {
	q := r.URL.Query()
	if !q.Has(paramAntiIdle) {
		return 0, nil
	}
	raw := q.Get(paramAntiIdle)
	seconds, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, merr.WrapErrParameterInvalid(paramAntiIdle, raw, "anti-idle seconds is not a number")
	}
	if seconds <= 0 {
		return 0, nil
	}
	return time.Duration(seconds) * time.Second, nil
}

// roomsFromQuery 解析必填的 r，解析后为空同样视为缺失。
func roomsFromQuery(r *http.Request) ([]registry.RoomKey, error) {
	q := r.URL.Query()
	if !q.Has(paramRooms) {
		return nil, merr.WrapErrParameterMissing(paramRooms, "room identities are required")
	}
	rooms := registry.ParseRoomKeys(q.Get(paramRooms))
	if len(rooms) == 0 {
		return nil, merr.WrapErrParameterInvalid(paramRooms, q.Get(paramRooms), "room identities are empty")
	}
	return rooms, nil
}

type subscribeRequest struct {
	key      registry.UserKey
	rooms    string
	antiIdle time.Duration
}

func parseSubscribe(r *http.Request) (subscribeRequest, error) {
	key, err := userKeyFromQuery(r)
	if err != nil {
		return subscribeRequest{}, err
	}
	antiIdle, err := antiIdleFromQuery(r)
	if err != nil {
		return subscribeRequest{}, err
	}
	return subscribeRequest{
		key:      key,
		rooms:    r.URL.Query().Get(paramRooms),
		antiIdle: antiIdle,
	}, nil
}

// readBody 读取请求体，超过 limit 时返回 ErrParameterTooLarge。
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, merr.WrapErrParameterTooLarge("body", int(limit))
		}
		return nil, merr.WrapErrServiceInternal("read request body", err.Error())
	}
	return body, nil
}
