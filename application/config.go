package application

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joeshaw/envdecode"

	"github.com/lk2023060901/danmu-push-go/internal/registry"
	"github.com/lk2023060901/danmu-push-go/internal/service"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// ServerConfig 对应配置文件中的 server 段。
//
// 优先级从低到高：默认值、配置文件、PUSH_* 环境变量、命令行参数。
type ServerConfig struct {
	Port int `mapstructure:"port" env:"PUSH_PORT"`
	// IdleTimeoutS 为 keep-alive 连接在两次请求之间的最长空闲时间，不大于 0 表示不限制。
	IdleTimeoutS int `mapstructure:"idle_timeout_s" env:"PUSH_IDLE_TIMEOUT_S"`
	// Certificate 与 PrivateKey 对应的文件都存在时启用 TLS。
	Certificate string `mapstructure:"certificate" env:"PUSH_CERTIFICATE"`
	PrivateKey  string `mapstructure:"private_key" env:"PUSH_PRIVATE_KEY"`

	BucketSize         int `mapstructure:"bucket_size" env:"PUSH_BUCKET_SIZE"`
	SuggestedRoomCount int `mapstructure:"suggested_room_count" env:"PUSH_SUGGESTED_ROOM_COUNT"`
	SuggestedUserCount int `mapstructure:"suggested_user_count" env:"PUSH_SUGGESTED_USER_COUNT"`

	StreamQueueSize int   `mapstructure:"stream_queue_size" env:"PUSH_STREAM_QUEUE_SIZE"`
	MaxBodyBytes    int64 `mapstructure:"max_body_bytes" env:"PUSH_MAX_BODY_BYTES"`

	ShutdownTimeoutS int `mapstructure:"shutdown_timeout_s" env:"PUSH_SHUTDOWN_TIMEOUT_S"`
}

// DefaultServerConfig 返回默认配置。
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:               8080,
		IdleTimeoutS:       -1,
		Certificate:        "insecure.crt",
		PrivateKey:         "insecure.key",
		BucketSize:         registry.DefaultBucketSize,
		SuggestedRoomCount: registry.DefaultSuggestedRoomCount,
		SuggestedUserCount: registry.DefaultSuggestedUserCount,
		StreamQueueSize:    1024,
		MaxBodyBytes:       1 << 20,
		ShutdownTimeoutS:   10,
	}
}

// applyEnv 用 PUSH_* 环境变量覆盖配置，未设置的字段保持不变。
func (c *ServerConfig) applyEnv() error {
	if err := envdecode.Decode(c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return errors.Wrap(err, "decode server config from env")
	}
	return nil
}

// Validate 检查配置是否合法。
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return merr.WrapErrParameterInvalid("port", c.Port, "port out of range")
	}
	if c.BucketSize <= 0 {
		return merr.WrapErrParameterInvalid("bucket_size", c.BucketSize, "bucket size must be positive")
	}
	return nil
}

func (c *ServerConfig) registryOptions() registry.Options {
	return registry.Options{
		BucketSize:         c.BucketSize,
		SuggestedRoomCount: c.SuggestedRoomCount,
		SuggestedUserCount: c.SuggestedUserCount,
	}
}

func (c *ServerConfig) serviceConfig() service.Config {
	return service.Config{
		MaxBodyBytes:    c.MaxBodyBytes,
		StreamQueueSize: c.StreamQueueSize,
	}
}

func (c *ServerConfig) idleTimeout() time.Duration {
	if c.IdleTimeoutS <= 0 {
		return 0
	}
	return time.Duration(c.IdleTimeoutS) * time.Second
}

func (c *ServerConfig) shutdownTimeout() time.Duration {
	if c.ShutdownTimeoutS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
