package application

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/danmu-push-go/internal/registry"
	"github.com/lk2023060901/danmu-push-go/internal/service"
	zlog "github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/metrics"
	zviper "github.com/lk2023060901/danmu-push-go/pkg/util/viper"
)

const (
	defaultConfigPath = "./config.yaml"
	envConfigPath     = "PUSH_CONFIG_FILE_PATH"
)

// Option 用于定制 Application。
type Option func(*options)

type options struct {
	configPath string
	overrides  []func(*ServerConfig)
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// WithConfigPath 指定配置文件路径，优先级高于 PUSH_CONFIG_FILE_PATH。
func WithConfigPath(path string) Option {
	return func(o *options) {
		if path != "" {
			o.configPath = path
		}
	}
}

// WithServerOverride 在配置文件与环境变量之后修改服务配置，通常来自命令行参数。
func WithServerOverride(fn func(*ServerConfig)) Option {
	return func(o *options) {
		if fn != nil {
			o.overrides = append(o.overrides, fn)
		}
	}
}

// WithMetrics 指定指标注册与输出使用的 Prometheus 实例。
func WithMetrics(r prometheus.Registerer, g prometheus.Gatherer) Option {
	return func(o *options) {
		o.registerer = r
		o.gatherer = g
	}
}

// Application 是推送服务的运行时容器。
// 它持有配置，并负责注册表、HTTP 服务的创建与生命周期管理。
type Application struct {
	opts options

	cfg     *zviper.Config
	server  ServerConfig
	loggers map[string]*zlog.MLogger

	registry *registry.Registry
	service  *service.Service

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// New 创建一个 Application。
func New(opts ...Option) *Application {
	o := options{
		registerer: metrics.GetRegisterer(),
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Application{
		opts:   o,
		server: DefaultServerConfig(),
		ready:  make(chan struct{}),
	}
}

// Run 加载配置、初始化日志并启动 HTTP 服务，阻塞直至 ctx 取消或服务出错。
//
// 配置文件路径优先级：
//  1. 默认：./config.yaml
//  2. 环境变量：PUSH_CONFIG_FILE_PATH
//  3. 选项：WithConfigPath（通常来自 --config）
func (a *Application) Run(ctx context.Context) error {
	if err := a.initLogging(); err != nil {
		return err
	}
	if err := a.loadConfig(); err != nil {
		return err
	}
	if err := a.initModuleLoggersFromConfig(); err != nil {
		return err
	}
	a.watchConfig()

	metrics.Register(a.opts.registerer)
	a.registry = registry.NewRegistry(a.server.registryOptions())
	defer a.registry.Close()
	if lg, ok := a.loggers["registry"]; ok {
		for _, b := range a.registry.Buckets() {
			b.SetLogger(lg.With(zlog.FieldComponent("bucket"), zlog.FieldBucket(b.Index())))
		}
	}

	svcCfg := a.server.serviceConfig()
	svcCfg.Gatherer = a.opts.gatherer
	a.service = service.New(a.registry, svcCfg)

	ln, err := a.listen(ctx)
	if err != nil {
		return err
	}
	ln, scheme, err := a.maybeTLS(ln)
	if err != nil {
		_ = ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           a.service.Handler(),
		IdleTimeout:       a.server.idleTimeout(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(zlog.L()),
	}

	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()
	close(a.ready)
	zlog.Info("push server started", zap.String("scheme", scheme), zap.Stringer("addr", ln.Addr()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve http")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown(srv)
	})
	return g.Wait()
}

// Ready 返回服务开始监听后被关闭的通道。
func (a *Application) Ready() <-chan struct{} {
	return a.ready
}

// Addr 返回实际监听的地址，监听前为 nil。
func (a *Application) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// ServerConfig 返回合并后的服务配置。
func (a *Application) ServerConfig() ServerConfig {
	return a.server
}

// Registry 返回会话注册表，Run 之前为 nil。
func (a *Application) Registry() *registry.Registry {
	return a.registry
}

// Logger returns a named logger created from configuration.
// If the name is unknown, it falls back to the global logger.
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

func (a *Application) shutdown(srv *http.Server) error {
	timeout := a.server.shutdownTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 长连接不会自行空闲下来，先关闭它们再等待其它请求结束。
	closed := a.service.CloseStreams()
	zlog.Info("shutting down push server", zap.Int("closedStreams", closed), zap.Duration("timeout", timeout))
	if err := srv.Shutdown(ctx); err != nil {
		zlog.Warn("graceful shutdown timed out, force closing", zap.Error(err))
		return srv.Close()
	}
	return nil
}

// listen 绑定监听端口，端口暂时被占用时按指数退避重试。
func (a *Application) listen(ctx context.Context) (net.Listener, error) {
	addr := fmt.Sprintf(":%d", a.server.Port)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second

	var ln net.Listener
	op := func() error {
		var err error
		var lc net.ListenConfig
		ln, err = lc.Listen(ctx, "tcp", addr)
		if err != nil {
			zlog.Warn("fail to listen, will retry", zap.String("addr", addr), zap.Error(err))
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	return ln, nil
}

// maybeTLS 在证书与私钥文件都存在时把 ln 包装为 TLS 监听器。
func (a *Application) maybeTLS(ln net.Listener) (net.Listener, string, error) {
	cert, key := a.server.Certificate, a.server.PrivateKey
	if cert == "" || key == "" || !fileExists(cert) || !fileExists(key) {
		zlog.Info("certificate not found, serving plain http",
			zap.String("certificate", cert), zap.String("privateKey", key))
		return ln, "http", nil
	}
	pair, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return ln, "", errors.Wrap(err, "load certificate")
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}), "https", nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// loadConfig 解析配置文件路径并加载 server 段，文件不存在时使用默认值。
func (a *Application) loadConfig() error {
	configPath := getenvDefault(envConfigPath, defaultConfigPath)
	if a.opts.configPath != "" {
		configPath = a.opts.configPath
	}

	if fileExists(configPath) {
		cfg := zviper.New()
		if err := cfg.LoadFile(configPath); err != nil {
			return errors.Wrapf(err, "failed to load config file %q", configPath)
		}
		if err := cfg.UnmarshalKey("server", &a.server); err != nil {
			return errors.Wrap(err, "unmarshal server config")
		}
		a.cfg = cfg
		a.applyLogLevelFromConfig()
	} else {
		zlog.Info("config file not found, using defaults", zap.String("path", configPath))
	}

	if err := a.server.applyEnv(); err != nil {
		return err
	}
	for _, fn := range a.opts.overrides {
		fn(&a.server)
	}
	return a.server.Validate()
}

// watchConfig 在配置文件变更时热更新全局日志级别（log.level）。
func (a *Application) watchConfig() {
	if a.cfg == nil {
		return
	}
	a.cfg.Watch(func(name string) {
		zlog.Info("config file changed", zap.String("file", name))
		a.applyLogLevelFromConfig()
	})
}

func (a *Application) applyLogLevelFromConfig() {
	if a.cfg == nil || !a.cfg.IsSet("log.level") {
		return
	}
	raw := a.cfg.GetString("log.level")
	level, err := zapcore.ParseLevel(raw)
	if err != nil {
		zlog.Warn("invalid log level in config", zap.String("level", raw), zap.Error(err))
		return
	}
	if level != zlog.GetLevel() {
		zlog.SetLevel(level)
		zlog.Info("log level changed", zap.Stringer("level", level))
	}
}

// initLogging configures the process-wide logger based on PUSH_LOG_* env vars.
//
// Priority:
//   - PUSH_LOG_ENABLE: "1"/"true" to enable outputs; others treated as disabled.
//   - PUSH_LOG_LEVEL: log level (default "info").
//   - PUSH_LOG_STDOUT: whether to log to stdout (default true).
//   - PUSH_LOG_FILE_DIR: log directory.
//   - PUSH_LOG_FILE: log file name (empty means no file).
//   - PUSH_LOG_FORMAT: log format ("text" or "json", default "text").
//   - PUSH_LOG_RATE_CREDIT_PER_SECOND / PUSH_LOG_RATE_MAX_BALANCE: global rate
//     limit for rated logs; unset or non-positive disables it.
func (a *Application) initLogging() error {
	enabled := getenvBool("PUSH_LOG_ENABLE", true)

	cfg := &zlog.Config{
		Level:               getenvDefault("PUSH_LOG_LEVEL", "info"),
		Format:              getenvDefault("PUSH_LOG_FORMAT", "text"),
		Stdout:              getenvBool("PUSH_LOG_STDOUT", true),
		DisableErrorVerbose: true,
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("PUSH_LOG_FILE_DIR", ""),
			Filename: getenvDefault("PUSH_LOG_FILE", ""),
		},
	}

	// When not enabled, direct all outputs to a discarded sink.
	if !enabled {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	zlog.ReplaceGlobals(logger, props)
	zlog.SetRateLimit(&zlog.RateLimitConfig{
		CreditPerSecond: getenvFloat("PUSH_LOG_RATE_CREDIT_PER_SECOND", 0),
		MaxBalance:      getenvFloat("PUSH_LOG_RATE_MAX_BALANCE", 0),
	})
	return nil
}

// initModuleLoggersFromConfig creates named loggers from YAML config under "logging" key.
//
// Example:
//
//	logging:
//	  registry:
//	    level: debug
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: registry.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil {
		return nil
	}

	raw := make(map[string]zlog.Config)
	if err := a.cfg.UnmarshalKey("logging", &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger}
	}

	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func getenvFloat(key string, def float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}
