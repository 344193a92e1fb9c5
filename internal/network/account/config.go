package account

import (
	"time"

	zlog "github.com/lk2023060901/att-fleet-go/pkg/log"
)

const (
	defaultPingInterval            = 5 * time.Minute
	defaultMigrationInterval       = 110 * time.Minute
	defaultMigrationHandoverPeriod = 10 * time.Second
	defaultMigrationRetryDelay     = 10 * time.Second
	defaultRecoveryRetryDelay      = 5 * time.Second
	defaultRecoveryTimeout         = 2 * time.Minute
	defaultRequestAttempts         = 3
	defaultRequestRetryDelay       = 3 * time.Second
	defaultMaxSubscriptions        = 500
	defaultDispatchQueueSize       = 1024
	defaultHandshakeTimeout        = 10 * time.Second
)

// Config 描述账号 WebSocket 连接池的行为参数。
//
// 平台侧的 socket 约在 120 分钟后过期，
// 因此 MigrationInterval 默认取 110 分钟，在过期前完成例行迁移。
type Config struct {
	WebSocketURL string
	XAPIKey      string

	PingInterval            time.Duration
	MigrationInterval       time.Duration
	MigrationHandoverPeriod time.Duration
	MigrationRetryDelay     time.Duration
	RecoveryRetryDelay      time.Duration
	RecoveryTimeout         time.Duration

	RequestAttempts   int
	RequestRetryDelay time.Duration

	// MaxSubscriptions 为单个实例的订阅数上限，
	// 超过后 Router 会开启新的实例分摊订阅。
	MaxSubscriptions int

	// DispatchQueueSize 为每个实例事件分发队列的容量。
	DispatchQueueSize int

	Logger *zlog.MLogger
}

func (c *Config) fillDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.MigrationInterval <= 0 {
		c.MigrationInterval = defaultMigrationInterval
	}
	if c.MigrationHandoverPeriod <= 0 {
		c.MigrationHandoverPeriod = defaultMigrationHandoverPeriod
	}
	if c.MigrationRetryDelay <= 0 {
		c.MigrationRetryDelay = defaultMigrationRetryDelay
	}
	if c.RecoveryRetryDelay <= 0 {
		c.RecoveryRetryDelay = defaultRecoveryRetryDelay
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaultRecoveryTimeout
	}
	if c.RequestAttempts <= 0 {
		c.RequestAttempts = defaultRequestAttempts
	}
	if c.RequestRetryDelay <= 0 {
		c.RequestRetryDelay = defaultRequestRetryDelay
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = defaultMaxSubscriptions
	}
	if c.DispatchQueueSize <= 0 {
		c.DispatchQueueSize = defaultDispatchQueueSize
	}
}
