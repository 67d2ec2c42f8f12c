// Package service 实现推送服务的 HTTP 接口。
//
// 接口与参数：
//   - /subscribe?u=&t=&r=&i=      建立 HTTP 分块长连接；
//   - /ws/subscribe?u=&t=&r=&i=   建立 WebSocket 长连接；
//   - /notify_to_user?u=&t=       将请求体推送给指定用户；
//   - /notify_to_room?r=          将请求体推送给一个或多个房间；
//   - /update_rooms?u=&t=&r=      不断线地替换在线会话关注的房间；
//   - /unsubscribe?u=&t=          主动断开在线会话；
//   - /show_session、/show_room、/show_bucket  只读诊断；
//   - /metrics                    Prometheus 指标。
package service

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/lk2023060901/danmu-push-go/internal/network/stream"
	"github.com/lk2023060901/danmu-push-go/internal/registry"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// Config 描述服务层参数，零值字段使用默认值。
type Config struct {
	// MaxBodyBytes 为推送请求体的最大字节数。
	MaxBodyBytes int64

	// StreamQueueSize 为 WebSocket 连接的发送队列容量。
	StreamQueueSize int
	// WriteTimeout 为单次写出的超时时间，HTTP 与 WebSocket 连接共用。
	WriteTimeout time.Duration

	// Upgrader 允许调用方自定义 gorilla/websocket 的升级行为。
	// 若为 nil，则使用内部默认的 Upgrader。
	Upgrader *websocket.Upgrader

	// Gatherer 为 /metrics 输出的指标来源，为 nil 时使用 prometheus.DefaultGatherer。
	Gatherer prometheus.Gatherer
}

const defaultMaxBodyBytes = 1 << 20

func defaultConfig() Config {
	return Config{
		MaxBodyBytes:    defaultMaxBodyBytes,
		StreamQueueSize: stream.DefaultSendQueueSize,
		WriteTimeout:    stream.DefaultWriteTimeout,
	}
}

func (c *Config) fillDefaults() {
	def := defaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.StreamQueueSize <= 0 {
		c.StreamQueueSize = def.StreamQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Upgrader == nil {
		c.Upgrader = &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		}
	}
	if c.Gatherer == nil {
		c.Gatherer = prometheus.DefaultGatherer
	}
}

// Service 持有注册表并对外提供 HTTP 接口。
type Service struct {
	reg *registry.Registry
	cfg Config
	mux *http.ServeMux

	// draining 在 CloseStreams 之后为 true，此后拒绝新的订阅。
	draining atomic.Bool
}

// New 创建服务，reg 由调用方构造并负责关闭。
func New(reg *registry.Registry, cfg Config) *Service {
	cfg.fillDefaults()
	s := &Service{
		reg: reg,
		cfg: cfg,
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Service) routes() {
	s.handle("/subscribe", "subscribe", s.handleSubscribe)
	s.handle("/ws/subscribe", "ws_subscribe", s.handleWSSubscribe)
	s.handle("/notify_to_user", "notify_to_user", s.handleNotifyToUser)
	s.handle("/notify_to_room", "notify_to_room", s.handleNotifyToRoom)
	s.handle("/update_rooms", "update_rooms", s.handleUpdateRooms)
	s.handle("/unsubscribe", "unsubscribe", s.handleUnsubscribe)
	s.handle("/show_session", "show_session", s.handleShowSession)
	s.handle("/show_room", "show_room", s.handleShowRoom)
	s.handle("/show_bucket", "show_bucket", s.handleShowBucket)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
}

func (s *Service) handle(pattern, name string, fn http.HandlerFunc) {
	s.mux.Handle(pattern, withRequestContext(name, fn))
}

// Handler 返回服务的 http.Handler。
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Registry 返回服务使用的注册表。
func (s *Service) Registry() *registry.Registry {
	return s.reg
}

// CloseStreams 关闭所有在线会话的连接，用于进程退出前让长连接尽快结束。
// 断线回调会把会话从注册表中摘除。之后的订阅请求以 ErrServiceNotReady 拒绝。
func (s *Service) CloseStreams() int {
	s.draining.Store(true)
	count := 0
	for _, b := range s.reg.Buckets() {
		for _, sess := range b.Sessions() {
			closeSessionWriter(sess)
			count++
		}
	}
	return count
}

// acceptingStreams 在服务退出过程中返回 ErrServiceNotReady。
func (s *Service) acceptingStreams() error {
	if s.draining.Load() {
		return merr.WrapErrServiceNotReady("draining", "server is shutting down")
	}
	return nil
}
