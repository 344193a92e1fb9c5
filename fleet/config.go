package fleet

import (
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lk2023060901/att-fleet-go/internal/sdk/alta"
	zlog "github.com/lk2023060901/att-fleet-go/pkg/log"
)

const (
	defaultMaxWorkerConcurrency    = 5
	workerConcurrencyWarnThreshold = 10
	defaultMaxMissedHeartbeats     = 3
	defaultHeartbeatInterval       = 20 * time.Second
	defaultConnectionRecoveryDelay = 10 * time.Second
)

// defaultSupportedFleets 为默认允许建立控制台连接的服务器机群。
var defaultSupportedFleets = []string{"att-release", "att-quest"}

// Config 为客户端的完整配置。
// 零值字段在 Start 前由 fillDefaults 填充为默认行为。
type Config struct {
	// 凭证：机器人与用户两种形态二选一。
	ClientID     string
	ClientSecret string
	Scopes       []alta.Scope
	Username     string
	Password     string

	// ExcludedGroups/IncludedGroups 为群组黑白名单；
	// 白名单非空时以白名单为准。
	ExcludedGroups []int64
	IncludedGroups []int64

	// LogVerbosity 取 quiet/error/warning/info/debug；
	// LogPrefix 会作为固定字段附加在每条日志上。
	LogVerbosity string
	LogPrefix    string

	MaxWorkerConcurrency          int
	MaxSubscriptionsPerWebSocket  int
	MaxMissedServerHeartbeats     int
	ServerHeartbeatInterval       time.Duration
	ServerConnectionRecoveryDelay time.Duration
	SupportedServerFleets         []string

	WebSocketPingInterval            time.Duration
	WebSocketMigrationInterval       time.Duration
	WebSocketMigrationHandoverPeriod time.Duration
	WebSocketMigrationRetryDelay     time.Duration
	WebSocketRecoveryRetryDelay      time.Duration
	WebSocketRecoveryTimeout         time.Duration
	WebSocketRequestAttempts         int
	WebSocketRequestRetryDelay       time.Duration

	APIRequestAttempts   int
	APIRequestRetryDelay time.Duration
	APIRequestTimeout    time.Duration

	// 端点覆盖，通常只在测试或私有部署时设置。
	RestBaseURL  string
	TokenURL     string
	SessionsURL  string
	WebSocketURL string
	XAPIKey      string

	// Events 为对外事件面；为空时使用 NopEvents。
	Events EventSink

	Logger *zlog.MLogger
}

func (c *Config) credential() alta.Credential {
	return alta.Credential{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       c.Scopes,
		Username:     c.Username,
		Password:     c.Password,
	}
}

func (c *Config) fillDefaults(logger *zlog.MLogger) {
	if c.MaxWorkerConcurrency <= 0 {
		c.MaxWorkerConcurrency = defaultMaxWorkerConcurrency
	}
	if c.MaxWorkerConcurrency > workerConcurrencyWarnThreshold {
		logger.Warn("maxWorkerConcurrency above recommended threshold",
			zap.Int("value", c.MaxWorkerConcurrency),
			zap.Int("threshold", workerConcurrencyWarnThreshold))
	}
	if c.MaxMissedServerHeartbeats <= 0 {
		c.MaxMissedServerHeartbeats = defaultMaxMissedHeartbeats
	}
	if c.ServerHeartbeatInterval <= 0 {
		c.ServerHeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ServerConnectionRecoveryDelay <= 0 {
		c.ServerConnectionRecoveryDelay = defaultConnectionRecoveryDelay
	}
	if len(c.SupportedServerFleets) == 0 {
		c.SupportedServerFleets = defaultSupportedFleets
	}
	if c.Events == nil {
		c.Events = NopEvents{}
	}
}

// applyVerbosity 把配置里的日志级别映射到全局日志。
// 档位名不区分大小写，quiet 档位只保留 Fatal 输出。
func (c *Config) applyVerbosity() {
	switch strings.ToLower(c.LogVerbosity) {
	case "":
		return
	case "quiet":
		zlog.SetLevel(zapcore.FatalLevel)
	case "error":
		zlog.SetLevel(zapcore.ErrorLevel)
	case "warning":
		zlog.SetLevel(zapcore.WarnLevel)
	case "info":
		zlog.SetLevel(zapcore.InfoLevel)
	case "debug":
		zlog.SetLevel(zapcore.DebugLevel)
	default:
		zlog.Warn("unknown logVerbosity ignored", zap.String("value", c.LogVerbosity))
	}
}

func (c *Config) altaConfig(logger *zlog.MLogger) alta.Config {
	return alta.Config{
		Credential:           c.credential(),
		RestBaseURL:          c.RestBaseURL,
		TokenURL:             c.TokenURL,
		SessionsURL:          c.SessionsURL,
		WebSocketURL:         c.WebSocketURL,
		XAPIKey:              c.XAPIKey,
		APIRequestAttempts:   c.APIRequestAttempts,
		APIRequestRetryDelay: c.APIRequestRetryDelay,
		APIRequestTimeout:    c.APIRequestTimeout,
		Logger:               logger,
	}
}
