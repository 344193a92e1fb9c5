package alta

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	zlog "github.com/lk2023060901/att-fleet-go/pkg/log"
	"github.com/lk2023060901/att-fleet-go/pkg/util/merr"
	"github.com/lk2023060901/att-fleet-go/pkg/util/retry"
)

var restJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// PrincipalKind 区分令牌主体的两种形态。
type PrincipalKind int

const (
	PrincipalBot PrincipalKind = iota
	PrincipalUser
)

func (k PrincipalKind) String() string {
	if k == PrincipalBot {
		return "bot"
	}
	return "user"
}

// Claims 为解码后的令牌声明。平台是可信的，因此只解码、不做签名校验。
type Claims struct {
	Kind      PrincipalKind
	Subject   string
	ClientSub string
	UserID    string
	Username  string
	NotBefore time.Time
	ExpiresAt time.Time
	Audience  []string
}

// PrincipalID 返回主体标识：机器人为 client_sub，用户为 UserId。
func (c Claims) PrincipalID() string {
	if c.Kind == PrincipalBot {
		return c.ClientSub
	}
	return c.UserID
}

// AccessToken 为一个处于有效期内的令牌及其声明。
type AccessToken struct {
	Bearer string
	Claims Claims
}

// TokenManager 负责获取与周期性刷新令牌。
//
// 约束：
//   - 同一时刻最多只有一个刷新在执行（singleflight 保证）；
//   - 刷新定时器要么未设置，要么严格早于令牌过期时间触发；
//   - 获取失败时每 10 秒无限重试，使进程能够穿越平台故障期。
type TokenManager struct {
	cfg    Config
	logger *zlog.MLogger
	httpc  *http.Client

	mu      sync.RWMutex
	current *AccessToken
	timer   *time.Timer

	sf singleflight.Group

	// onRefresh 在每次成功刷新后回调，用于重新授权下游持有方。
	onRefresh func(tok AccessToken)

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTokenManager 创建 TokenManager 并完成首次令牌获取。
func NewTokenManager(ctx context.Context, cfg Config, onRefresh func(tok AccessToken)) (*TokenManager, error) {
	cfg.fillDefaults()
	if err := cfg.Credential.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &zlog.MLogger{Logger: zlog.L()}
	}

	m := &TokenManager{
		cfg:       cfg,
		logger:    logger,
		httpc:     &http.Client{Timeout: cfg.APIRequestTimeout},
		onRefresh: onRefresh,
		closed:    make(chan struct{}),
	}

	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Current 返回当前令牌；尚未获取到时第二个返回值为 false。
func (m *TokenManager) Current() (AccessToken, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return AccessToken{}, false
	}
	return *m.current, true
}

// Refresh 立即执行一次强制刷新。
// 多个并发调用会合并为一次实际请求。
func (m *TokenManager) Refresh(ctx context.Context) error {
	_, err, _ := m.sf.Do("refresh", func() (any, error) {
		return nil, m.refreshLocked(ctx)
	})
	return err
}

func (m *TokenManager) refreshLocked(ctx context.Context) error {
	// 认证端点偶发失败不应使客户端退出，按固定间隔持续重试。
	return retry.Do(ctx, func() error {
		tok, err := m.fetchToken(ctx)
		if err != nil {
			m.logger.Error("token refresh failed, will retry",
				zap.Duration("retryAfter", defaultTokenRetryDelay),
				zap.Error(err))
			return err
		}
		m.install(tok)
		return nil
	}, retry.AttemptAlways(), retry.Sleep(defaultTokenRetryDelay), retry.FixedSleep())
}

// install 原子替换当前令牌并重排刷新定时器。
func (m *TokenManager) install(tok AccessToken) {
	m.mu.Lock()
	m.current = &tok
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	// 在过期时间的 90% 处安排下一次刷新，保证严格早于过期。
	expMs := tok.Claims.ExpiresAt.UnixMilli()
	delay := time.Duration(expMs-time.Now().UnixMilli()) * time.Millisecond
	delay = delay * 9 / 10
	if delay < 0 {
		delay = 0
	}
	m.timer = time.AfterFunc(delay, m.scheduledRefresh)
	m.mu.Unlock()

	m.logger.Info("access token refreshed",
		zap.String("principal", tok.Claims.Kind.String()),
		zap.String("principalId", tok.Claims.PrincipalID()),
		zap.Time("expiresAt", tok.Claims.ExpiresAt),
		zap.Duration("nextRefreshIn", delay))

	if m.onRefresh != nil {
		m.onRefresh(tok)
	}
}

func (m *TokenManager) scheduledRefresh() {
	select {
	case <-m.closed:
		return
	default:
	}
	if err := m.Refresh(context.Background()); err != nil {
		m.logger.Error("scheduled token refresh failed", zap.Error(err))
	}
}

// Dispose 停止刷新定时器。幂等。
func (m *TokenManager) Dispose() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.mu.Lock()
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		m.mu.Unlock()
	})
}

// fetchToken 按凭证形态向对应端点发起认证请求。
func (m *TokenManager) fetchToken(ctx context.Context) (AccessToken, error) {
	cred := m.cfg.Credential
	if cred.IsBot() {
		return m.fetchBotToken(ctx)
	}
	return m.fetchUserToken(ctx)
}

func (m *TokenManager) fetchBotToken(ctx context.Context) (AccessToken, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", m.cfg.Credential.ClientID)
	form.Set("client_secret", m.cfg.Credential.ClientSecret)
	form.Set("scope", m.cfg.Credential.scopeString())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", UserAgent())

	return m.doTokenRequest(req)
}

func (m *TokenManager) fetchUserToken(ctx context.Context) (AccessToken, error) {
	body, err := restJSON.Marshal(map[string]string{
		"username":      m.cfg.Credential.Username,
		"password_hash": HashPassword(m.cfg.Credential.Password),
	})
	if err != nil {
		return AccessToken{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.SessionsURL, strings.NewReader(string(body)))
	if err != nil {
		return AccessToken{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", m.cfg.XAPIKey)
	req.Header.Set("User-Agent", UserAgent())

	return m.doTokenRequest(req)
}

func (m *TokenManager) doTokenRequest(req *http.Request) (AccessToken, error) {
	res, err := m.httpc.Do(req)
	if err != nil {
		return AccessToken{}, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return AccessToken{}, err
	}
	if res.StatusCode != http.StatusOK {
		return AccessToken{}, merr.WrapErrTokenRequestFailed(res.StatusCode, string(raw))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := restJSON.Unmarshal(raw, &payload); err != nil {
		return AccessToken{}, merr.WrapErrTokenMalformed(err.Error())
	}
	if payload.AccessToken == "" {
		return AccessToken{}, merr.WrapErrTokenMalformed("empty access_token in response")
	}

	claims, err := DecodeClaims(payload.AccessToken)
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Bearer: payload.AccessToken, Claims: claims}, nil
}

// DecodeClaims 解码令牌声明。平台是可信来源，因此不做签名校验。
func DecodeClaims(bearer string) (Claims, error) {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(bearer, jwt.MapClaims{})
	if err != nil {
		return Claims{}, merr.WrapErrTokenMalformed(err.Error())
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, merr.WrapErrTokenMalformed("unexpected claims shape")
	}

	var c Claims
	if sub, ok := mc["sub"].(string); ok {
		c.Subject = sub
	}
	if clientSub, ok := mc["client_sub"].(string); ok {
		c.ClientSub = clientSub
	}
	if userID, ok := mc["UserId"].(string); ok {
		c.UserID = userID
	}
	if username, ok := mc["Username"].(string); ok {
		c.Username = username
	}

	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	} else {
		return Claims{}, merr.WrapErrTokenMalformed("missing exp claim")
	}
	if nbf, err := mc.GetNotBefore(); err == nil && nbf != nil {
		c.NotBefore = nbf.Time
	}
	if aud, err := mc.GetAudience(); err == nil {
		c.Audience = aud
	}

	if c.ClientSub != "" {
		c.Kind = PrincipalBot
	} else {
		c.Kind = PrincipalUser
	}
	return c, nil
}
