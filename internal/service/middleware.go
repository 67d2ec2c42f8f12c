package service

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/pkg/log"
)

// withRequestContext 为每个请求开启一个 span，并把带 traceID 的 logger 放进请求上下文。
func withRequestContext(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := log.StartSpan(r.Context(), "push-service", name)
		ctx = log.WithModule(ctx, "service")
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.RequestURI()),
		)

		log.Ctx(ctx).Debug("http request",
			zap.String("handler", name),
			zap.String("remote", r.RemoteAddr),
			zap.String("query", r.URL.RawQuery))
		next(w, r.WithContext(ctx))
	})
}
