package service

import (
	"fmt"
	"net/http"

	"github.com/elnormous/contenttype"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/json"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

const textContentType = "text/plain; charset=utf-8"

var (
	textMediaType = contenttype.NewMediaType("text/plain")
	jsonMediaType = contenttype.NewMediaType("application/json")

	// 未携带 Accept 时取第一个，即 text/plain。
	availableMediaTypes = []contenttype.MediaType{textMediaType, jsonMediaType}
)

// wantsJSON 根据 Accept 头判断是否以 JSON 输出，无法协商时退回文本。
func wantsJSON(r *http.Request) bool {
	mt, _, err := contenttype.GetAcceptableMediaType(r, availableMediaTypes)
	if err != nil {
		return false
	}
	return mt.Type == jsonMediaType.Type && mt.Subtype == jsonMediaType.Subtype
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", textContentType)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Ctx(r.Context()).Warn("fail to marshal response", zap.Error(err))
		writeText(w, http.StatusInternalServerError, merr.Status(merr.WrapErrServiceInternal(err.Error())).String()+"\n")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func httpStatusOf(err error) int {
	switch {
	case merr.Code(err) == merr.Code(merr.ErrParameterTooLarge):
		return http.StatusRequestEntityTooLarge
	case merr.IsInputError(err):
		return http.StatusBadRequest
	case merr.Code(err) == merr.Code(merr.ErrServiceNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError 以 "code=<n> <msg>" 或 JSON Status 的形式返回错误。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := merr.Status(err)
	code := httpStatusOf(err)
	log.Ctx(r.Context()).Info("request rejected", zap.Int("status", code), zap.Error(err))
	if wantsJSON(r) {
		writeJSON(w, r, code, status)
		return
	}
	writeText(w, code, fmt.Sprintf("%s\n", status.String()))
}
