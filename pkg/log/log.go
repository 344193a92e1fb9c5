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

package log

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/uber/jaeger-client-go/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"gopkg.in/natefinch/lumberjack.v2"
)

var _globalL, _globalP, _globalS, _globalR atomic.Value

var (
	_globalLevelLogger sync.Map
	_namedRateLimiters sync.Map
)

// RateLimiter is the minimal interface used by rated logging helpers.
type RateLimiter interface {
	CheckCredit(delta float64) bool
}

// nopRateLimiter never drops logs.
type nopRateLimiter struct{}

func (nopRateLimiter) CheckCredit(delta float64) bool { return true }

// rlHolder 统一 atomic.Value 中存放的具体类型，
// 允许在 nop 与真实限流器之间切换。
type rlHolder struct {
	rl RateLimiter
}

func init() {
	l, p := newStdLogger()

	replaceLeveledLoggers(l)
	_globalL.Store(l)
	_globalP.Store(p)

	s := _globalL.Load().(*zap.Logger).Sugar()
	_globalS.Store(s)

	_globalR.Store(rlHolder{rl: nopRateLimiter{}})
	configureRateLimiterFromEnv()
}

// configureRateLimiterFromEnv 从环境变量读取限流日志的速率配置。
// 变量 ATT_FLEET_LOG_RATE 表示每秒可用额度，未设置时不限流。
func configureRateLimiterFromEnv() {
	v := os.Getenv("ATT_FLEET_LOG_RATE")
	if v == "" {
		return
	}
	rate, err := strconv.ParseFloat(v, 64)
	if err != nil || rate <= 0 {
		return
	}
	_globalR.Store(rlHolder{rl: utils.NewRateLimiter(rate, rate)})
}

// InitLogger 根据配置初始化全局 zap Logger。
func InitLogger(cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	var outputs []zapcore.WriteSyncer
	if len(cfg.File.Filename) > 0 {
		lg := initFileLog(&cfg.File)
		outputs = append(outputs, zapcore.AddSync(lg))
	}
	if cfg.Stdout || len(outputs) == 0 {
		stdOut, _, err := zap.Open([]string{"stdout"}...)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, stdOut)
	}
	syncer := zap.CombineWriteSyncers(outputs...)

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, err
	}

	lg, props, err := initLoggerWithWriteSyncer(cfg, syncer, level, opts...)
	if err != nil {
		return nil, nil, err
	}
	replaceLeveledLoggers(lg)
	return lg, props, nil
}

// InitTestLogger 初始化一个面向单元测试的 Logger，输出经由 testing.T 收集。
func InitTestLogger(t zaptest.TestingT, cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	writer := newTestingWriter(t)

	level := zap.NewAtomicLevel()
	if cfg.Level == "" {
		cfg.Level = "debug"
	}
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, err
	}
	return initLoggerWithWriteSyncer(cfg, writer, level, opts...)
}

func initLoggerWithWriteSyncer(cfg *Config, syncer zapcore.WriteSyncer, level zap.AtomicLevel, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	var encoder zapcore.Encoder
	switch cfg.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(newEncoderConfig(cfg))
	case "text", "console", "":
		encoder = newZapTextEncoder(cfg)
	default:
		return nil, nil, errors.Newf("unsupported log format: %s", cfg.Format)
	}

	core := zapcore.NewCore(encoder, syncer, level)
	if !cfg.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if !cfg.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	lg := zap.New(core, opts...)
	if cfg.Prefix != "" {
		lg = lg.With(zap.String("prefix", cfg.Prefix))
	}

	props := &ZapProperties{
		Core:   core,
		Syncer: syncer,
		Level:  level,
	}
	return lg, props, nil
}

// initFileLog 基于 lumberjack 初始化滚动文件日志。
func initFileLog(cfg *FileLogConfig) *lumberjack.Logger {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = defaultLogMaxSize
	}
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		LocalTime:  true,
	}
}

func newStdLogger() (*zap.Logger, *ZapProperties) {
	cfg := &Config{Level: "info", Stdout: true}
	lg, props, _ := InitLogger(cfg, zap.AddCallerSkip(1))
	return lg, props
}

// L 返回全局 Logger，便于在不同代码片段中复用。
func L() *zap.Logger {
	return _globalL.Load().(*zap.Logger)
}

// S 返回全局 SugaredLogger，支持格式化风格的日志输出。
func S() *zap.SugaredLogger {
	return _globalS.Load().(*zap.SugaredLogger)
}

// R 返回全局的限流日志 RateLimiter。
func R() RateLimiter {
	return _globalR.Load().(rlHolder).rl
}

// ReplaceGlobals 替换全局 Logger 及其属性。调用方负责保证并发安全。
func ReplaceGlobals(logger *zap.Logger, props *ZapProperties) {
	_globalL.Store(logger)
	_globalS.Store(logger.Sugar())
	_globalP.Store(props)
}

func ctxL() *zap.Logger {
	level := _globalP.Load().(*ZapProperties).Level.Level()
	l, ok := _globalLevelLogger.Load(level)
	if !ok {
		return L()
	}
	return l.(*zap.Logger)
}

func debugL() *zap.Logger { return leveled(zapcore.DebugLevel) }
func infoL() *zap.Logger  { return leveled(zapcore.InfoLevel) }
func warnL() *zap.Logger  { return leveled(zapcore.WarnLevel) }
func errorL() *zap.Logger { return leveled(zapcore.ErrorLevel) }
func fatalL() *zap.Logger { return leveled(zapcore.FatalLevel) }

func leveled(level zapcore.Level) *zap.Logger {
	if l, ok := _globalLevelLogger.Load(level); ok {
		return l.(*zap.Logger)
	}
	return L()
}

// replaceLeveledLoggers 为每个级别维护一个独立 Logger，
// 使 Ctx(WithXxxLevel(ctx)) 能够绕过全局级别设置。
func replaceLeveledLoggers(base *zap.Logger) {
	for _, level := range []zapcore.Level{
		zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel,
		zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel,
	} {
		levelL := base.WithOptions(zap.IncreaseLevel(level))
		_globalLevelLogger.Store(level, levelL)
	}
}
