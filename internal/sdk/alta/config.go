package alta

import (
	"time"

	zlog "github.com/lk2023060901/att-fleet-go/pkg/log"
)

const (
	// 默认的 REST 请求行为参数。
	defaultAPIRequestAttempts   = 3
	defaultAPIRequestRetryDelay = 3 * time.Second
	defaultAPIRequestTimeout    = 5 * time.Second

	// 令牌刷新失败后的固定重试间隔。
	defaultTokenRetryDelay = 10 * time.Second

	// 默认服务端地址。
	defaultRestBaseURL   = "https://webapi.townshiptale.com/api"
	defaultTokenURL      = "https://accounts.townshiptale.com/connect/token"
	defaultSessionsURL   = "https://webapi.townshiptale.com/api/sessions"
	defaultWebSocketURL  = "wss://websocket.townshiptale.com"
	defaultXAPIKey       = "2l6aQGoNes8EHb94qMhqQ5m8iaiOM9666oDTPORf"
	defaultPageSizeLimit = 1000
)

// Config 描述 Alta 平台 REST/令牌客户端的基础配置。
//
// 说明：
//   - Credential 为平台凭证，机器人与用户两种形态二选一；
//   - 各 URL 字段预留主要用于测试与多环境支持，通常保持默认值即可；
//   - Logger 允许调用方注入具名日志实例，为空时使用全局日志。
type Config struct {
	Credential Credential

	RestBaseURL  string
	TokenURL     string
	SessionsURL  string
	WebSocketURL string
	XAPIKey      string

	APIRequestAttempts   int
	APIRequestRetryDelay time.Duration
	APIRequestTimeout    time.Duration

	Logger *zlog.MLogger
}

// Option 为 Config 的可选配置项。
type Option func(*Config)

// WithRestBaseURL 设置 REST API 基础地址。
func WithRestBaseURL(baseURL string) Option {
	return func(c *Config) {
		if baseURL != "" {
			c.RestBaseURL = baseURL
		}
	}
}

// WithTokenURL 设置机器人令牌端点地址。
func WithTokenURL(tokenURL string) Option {
	return func(c *Config) {
		if tokenURL != "" {
			c.TokenURL = tokenURL
		}
	}
}

// WithSessionsURL 设置用户会话端点地址。
func WithSessionsURL(sessionsURL string) Option {
	return func(c *Config) {
		if sessionsURL != "" {
			c.SessionsURL = sessionsURL
		}
	}
}

// WithWebSocketURL 设置账号 WebSocket 地址。
func WithWebSocketURL(wsURL string) Option {
	return func(c *Config) {
		if wsURL != "" {
			c.WebSocketURL = wsURL
		}
	}
}

// WithXAPIKey 设置 x-api-key 请求头的值。
func WithXAPIKey(key string) Option {
	return func(c *Config) {
		if key != "" {
			c.XAPIKey = key
		}
	}
}

// WithAPIRetry 设置 REST 请求的尝试次数与固定重试间隔。
func WithAPIRetry(attempts int, delay time.Duration) Option {
	return func(c *Config) {
		if attempts > 0 {
			c.APIRequestAttempts = attempts
		}
		if delay > 0 {
			c.APIRequestRetryDelay = delay
		}
	}
}

// WithAPITimeout 设置单次 REST 请求的超时时间。
func WithAPITimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.APIRequestTimeout = d
		}
	}
}

// WithLogger 注入具名日志实例。
func WithLogger(l *zlog.MLogger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

func (c *Config) fillDefaults() {
	if c.RestBaseURL == "" {
		c.RestBaseURL = defaultRestBaseURL
	}
	if c.TokenURL == "" {
		c.TokenURL = defaultTokenURL
	}
	if c.SessionsURL == "" {
		c.SessionsURL = defaultSessionsURL
	}
	if c.WebSocketURL == "" {
		c.WebSocketURL = defaultWebSocketURL
	}
	if c.XAPIKey == "" {
		c.XAPIKey = defaultXAPIKey
	}

	if c.APIRequestAttempts <= 0 {
		c.APIRequestAttempts = defaultAPIRequestAttempts
	}
	if c.APIRequestRetryDelay <= 0 {
		c.APIRequestRetryDelay = defaultAPIRequestRetryDelay
	}
	if c.APIRequestTimeout <= 0 {
		c.APIRequestTimeout = defaultAPIRequestTimeout
	}
}
