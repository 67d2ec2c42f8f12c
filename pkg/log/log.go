// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/uber/jaeger-client-go/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var _globalL, _globalP, _globalS, _globalCleanup atomic.Value

// _globalR 保存 rateLimiterHolder，atomic.Value 要求每次存入的具体类型一致。
var _globalR atomic.Value

var (
	_cleanupMu         sync.Mutex
	_globalLevelLogger sync.Map
	_namedRateLimiters sync.Map
)

// RateLimiter 是限流输出使用的最小接口，jaeger 的 utils.RateLimiter 满足它。
type RateLimiter interface {
	CheckCredit(delta float64) bool
}

type nopRateLimiter struct{}

func (nopRateLimiter) CheckCredit(float64) bool { return true }

type rateLimiterHolder struct {
	RateLimiter
}

func init() {
	l, p := newStdLogger()

	replaceLeveledLoggers(l)
	_globalL.Store(l)
	_globalP.Store(p)
	_globalS.Store(l.Sugar())
	_globalR.Store(rateLimiterHolder{nopRateLimiter{}})
}

// RateLimitConfig 是全局限流参数，creditPerSecond 为每秒补充的额度。
type RateLimitConfig struct {
	CreditPerSecond float64 `toml:"credit-per-second" json:"credit-per-second" mapstructure:"credit-per-second"`
	MaxBalance      float64 `toml:"max-balance" json:"max-balance" mapstructure:"max-balance"`
}

// SetRateLimit 替换没有绑定限流分组的 Logger 所用的全局限流器。
// cfg 为 nil 或额度非正时关闭限流。
func SetRateLimit(cfg *RateLimitConfig) {
	if cfg == nil || cfg.CreditPerSecond <= 0 || cfg.MaxBalance <= 0 {
		_globalR.Store(rateLimiterHolder{nopRateLimiter{}})
		return
	}
	_globalR.Store(rateLimiterHolder{utils.NewRateLimiter(cfg.CreditPerSecond, cfg.MaxBalance)})
}

// R 返回全局限流器，未开启限流时它从不丢弃日志。
func R() RateLimiter {
	return _globalR.Load().(rateLimiterHolder).RateLimiter
}

// InitLogger 按 cfg 构建 Logger。级别由返回的 ZapProperties 控制，
// 各级别的派生 Logger 共享同一个 core。
func InitLogger(cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	var outputs []zapcore.WriteSyncer
	if len(cfg.File.Filename) > 0 {
		lg, err := initFileLog(&cfg.File)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, zapcore.AddSync(lg))
	}
	if cfg.Stdout {
		stdOut, _, err := zap.Open("stdout")
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, stdOut)
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	debugCfg := *cfg
	debugCfg.Level = zapcore.DebugLevel.String()
	debugL, props, err := InitLoggerWithWriteSyncer(&debugCfg, zap.CombineWriteSyncers(outputs...), opts...)
	if err != nil {
		return nil, nil, err
	}
	replaceLeveledLoggers(debugL)
	props.Level.SetLevel(level)
	return debugL.WithOptions(zap.AddCallerSkip(1)), props, nil
}

// parseLevel 在 zap 的级别之外接受 trace，视同 debug。
func parseLevel(text string) (zapcore.Level, error) {
	if strings.EqualFold(text, "trace") {
		return zapcore.DebugLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(text)); err != nil {
		return level, errors.Wrapf(err, "parse log level %q", text)
	}
	return level, nil
}

// InitLoggerWithWriteSyncer 使用指定的输出构建 Logger，测试中常用。
func InitLoggerWithWriteSyncer(cfg *Config, output zapcore.WriteSyncer, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	atomicLevel := zap.NewAtomicLevelAt(level)
	core := zapcore.NewCore(cfg.newEncoder(), output, atomicLevel)
	lg := zap.New(core, append(cfg.buildOptions(output), opts...)...)
	return lg, &ZapProperties{
		Core:   core,
		Syncer: output,
		Level:  atomicLevel,
	}, nil
}

func initFileLog(cfg *FileLogConfig) (*lumberjack.Logger, error) {
	logPath := filepath.Join(cfg.RootPath, cfg.Filename)
	if st, err := os.Stat(logPath); err == nil && st.IsDir() {
		return nil, errors.Newf("log file %s is a directory", logPath)
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = defaultLogMaxSize
	}

	// 使用 lumberjack 进行日志切割，进程退出时通过 Cleanup 关闭文件句柄。
	lg := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		LocalTime:  true,
	}
	registerCleanup(func() { _ = lg.Close() })
	return lg, nil
}

func newStdLogger() (*zap.Logger, *ZapProperties) {
	conf := &Config{Level: "debug", Stdout: true, DisableErrorVerbose: true}
	lg, r, _ := InitLogger(conf, zap.OnFatal(zapcore.WriteThenPanic))
	return lg, r
}

// L 返回全局 Logger，可通过 ReplaceGlobals 替换，并发安全。
func L() *zap.Logger {
	return _globalL.Load().(*zap.Logger)
}

// S 返回全局 SugaredLogger。
func S() *zap.SugaredLogger {
	return _globalS.Load().(*zap.SugaredLogger)
}

// ctxL 返回与当前全局级别对应的派生 Logger。
func ctxL() *zap.Logger {
	level := _globalP.Load().(*ZapProperties).Level.Level()
	if l, ok := _globalLevelLogger.Load(level); ok {
		return l.(*zap.Logger)
	}
	return L()
}

// Cleanup 执行 InitLogger 注册的清理函数，例如关闭日志文件。
func Cleanup() {
	if cleanup := _globalCleanup.Load(); cleanup != nil {
		cleanup.(func())()
	}
}

// ReplaceGlobals 替换全局 Logger 与 SugaredLogger，并发安全。
func ReplaceGlobals(logger *zap.Logger, props *ZapProperties) {
	_globalL.Store(logger)
	_globalS.Store(logger.Sugar())
	_globalP.Store(props)
}

// registerCleanup 追加一个在 Cleanup 时执行的清理函数，按注册顺序依次执行。
func registerCleanup(cleanup func()) {
	_cleanupMu.Lock()
	defer _cleanupMu.Unlock()
	old := _globalCleanup.Load()
	if old == nil {
		_globalCleanup.Store(cleanup)
		return
	}
	prev := old.(func())
	_globalCleanup.Store(func() {
		prev()
		cleanup()
	})
}

func replaceLeveledLoggers(debugLogger *zap.Logger) {
	for level := zapcore.DebugLevel; level <= zapcore.FatalLevel; level++ {
		_globalLevelLogger.Store(level, debugLogger.WithOptions(zap.IncreaseLevel(level)))
	}
}

// Sync 刷新全局以及各级别 Logger 中缓冲的日志。
func Sync() error {
	var errs error
	errs = errors.CombineErrors(errs, L().Sync())
	errs = errors.CombineErrors(errs, S().Sync())
	_globalLevelLogger.Range(func(_, val any) bool {
		errs = errors.CombineErrors(errs, val.(*zap.Logger).Sync())
		return true
	})
	return errs
}
