package alta

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	zlog "github.com/lk2023060901/att-fleet-go/pkg/log"
	"github.com/lk2023060901/att-fleet-go/pkg/util/merr"
	"github.com/lk2023060901/att-fleet-go/pkg/util/retry"
)

// paginationHeader 为平台分页令牌使用的请求/响应头名称。
const paginationHeader = "paginationToken"

// Client 封装平台 REST API，并持有 TokenManager 作为鉴权来源。
//
// 设计目标：
//   - 所有请求统一携带 {Content-Type, x-api-key, User-Agent, Authorization} 头；
//   - 网络错误与 5xx 按配置做固定间隔的有限重试；
//     平台对写操作（如接受邀请）是幂等的，因此 POST 同样参与重试；
//   - 分页接口根据响应头中的 paginationToken 自动翻页并合并结果。
type Client struct {
	cfg    Config
	logger *zlog.MLogger

	tokens *TokenManager
	httpc  *http.Client
}

// NewClient 创建平台 REST 客户端，内部会完成首次令牌获取。
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg.fillDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = &zlog.MLogger{Logger: zlog.L()}
	}
	cfg.Logger = logger

	tokens, err := NewTokenManager(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		tokens: tokens,
		httpc:  &http.Client{Timeout: cfg.APIRequestTimeout},
	}, nil
}

// Tokens 返回内部的 TokenManager，供 WebSocket 等下游组件复用。
func (c *Client) Tokens() *TokenManager {
	return c.tokens
}

// Config 返回客户端生效的配置副本。
func (c *Client) Config() Config {
	return c.cfg
}

// Dispose 停止令牌刷新。幂等。
func (c *Client) Dispose() {
	c.tokens.Dispose()
}

// Authorize 构造完整的认证请求头集合。
// 当前没有可用令牌时，会先强制刷新一次再重试。
func (c *Client) Authorize(ctx context.Context) (http.Header, error) {
	tok, ok := c.tokens.Current()
	if !ok {
		if err := c.tokens.Refresh(ctx); err != nil {
			return nil, err
		}
		tok, ok = c.tokens.Current()
		if !ok {
			return nil, merr.WrapErrTokenMalformed("no token after refresh")
		}
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("x-api-key", c.cfg.XAPIKey)
	h.Set("User-Agent", UserAgent())
	h.Set("Authorization", "Bearer "+tok.Bearer)
	return h, nil
}

// AcceptGroupInvite 接受一条群组邀请。
func (c *Client) AcceptGroupInvite(ctx context.Context, groupID int64) error {
	path := fmt.Sprintf("groups/invites/%d", groupID)
	return c.do(ctx, http.MethodPost, path, nil, "", nil)
}

// GetGroupInfo 获取群组详情。
func (c *Client) GetGroupInfo(ctx context.Context, groupID int64) (*Group, error) {
	var out Group
	path := fmt.Sprintf("groups/%d", groupID)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetGroupMember 获取群组内指定成员的信息。
func (c *Client) GetGroupMember(ctx context.Context, groupID int64, userID string) (*GroupMember, error) {
	var out GroupMember
	path := fmt.Sprintf("groups/%d/members/%s", groupID, userID)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListJoinedGroups 列出当前主体已加入的全部群组（自动翻页）。
func (c *Client) ListJoinedGroups(ctx context.Context) ([]JoinedGroup, error) {
	return listPaginated[JoinedGroup](ctx, c, fmt.Sprintf("groups/joined?limit=%d", defaultPageSizeLimit))
}

// ListPendingGroupInvites 列出全部待处理的群组邀请（自动翻页）。
func (c *Client) ListPendingGroupInvites(ctx context.Context) ([]GroupInvite, error) {
	return listPaginated[GroupInvite](ctx, c, fmt.Sprintf("groups/invites?limit=%d", defaultPageSizeLimit))
}

// GetServerInfo 获取游戏服务器详情。
func (c *Client) GetServerInfo(ctx context.Context, serverID int64) (*ServerInfo, error) {
	var out ServerInfo
	path := fmt.Sprintf("servers/%d", serverID)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetServerConnectionDetails 申请指定服务器的控制台连接信息。
func (c *Client) GetServerConnectionDetails(ctx context.Context, serverID int64) (*ConsoleAccess, error) {
	var out ConsoleAccess
	path := fmt.Sprintf("servers/%d/console", serverID)
	body := consoleRequest{ShouldLaunch: false, IgnoreOffline: false}
	if err := c.do(ctx, http.MethodPost, path, body, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// listPaginated 依照 paginationToken 响应头循环拉取并合并列表结果。
func listPaginated[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var (
		results []T
		token   string
	)
	for {
		var page []T
		next, err := c.doPage(ctx, path, token, &page)
		if err != nil {
			return nil, err
		}
		results = append(results, page...)
		if next == "" {
			return results, nil
		}
		token = next
	}
}

// doPage 执行一次分页 GET，返回下一页令牌（为空表示结束）。
func (c *Client) doPage(ctx context.Context, path string, pageToken string, out any) (string, error) {
	var next string
	err := c.doOnce(ctx, http.MethodGet, path, nil, pageToken, out, &next)
	if err == nil {
		return next, nil
	}
	// doOnce 已包含重试，此处直接透传错误。
	return "", err
}

// do 执行一次带重试的请求。
func (c *Client) do(ctx context.Context, method string, path string, reqBody any, pageToken string, out any) error {
	return c.doOnce(ctx, method, path, reqBody, pageToken, out, nil)
}

func (c *Client) doOnce(ctx context.Context, method string, path string, reqBody any, pageToken string, out any, nextToken *string) error {
	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = restJSON.Marshal(reqBody)
		if err != nil {
			return err
		}
	}

	urlStr := strings.TrimSuffix(c.cfg.RestBaseURL, "/") + "/" + path

	attempt := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.APIRequestTimeout)
		defer cancel()

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = strings.NewReader(string(payload))
		}
		req, err := http.NewRequestWithContext(reqCtx, method, urlStr, bodyReader)
		if err != nil {
			return retry.Unrecoverable(err)
		}

		headers, err := c.Authorize(reqCtx)
		if err != nil {
			return err
		}
		req.Header = headers
		if pageToken != "" {
			req.Header.Set(paginationHeader, pageToken)
		}

		res, err := c.httpc.Do(req)
		if err != nil {
			return merr.WrapErrAPIRequestFailed(method, path, err)
		}
		defer res.Body.Close()

		raw, err := io.ReadAll(res.Body)
		if err != nil {
			return merr.WrapErrAPIRequestFailed(method, path, err)
		}

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			message := string(raw)
			var apiErr apiError
			if jerr := restJSON.Unmarshal(raw, &apiErr); jerr == nil && apiErr.Message != "" {
				message = apiErr.Message
			}
			wrapped := merr.WrapErrAPIStatusUnexpected(res.StatusCode, message, method+" "+path)
			if res.StatusCode >= http.StatusInternalServerError {
				return wrapped
			}
			return retry.Unrecoverable(wrapped)
		}

		if nextToken != nil {
			*nextToken = res.Header.Get(paginationHeader)
		}
		if out != nil && len(raw) > 0 {
			if err := restJSON.Unmarshal(raw, out); err != nil {
				return retry.Unrecoverable(merr.WrapErrAPIRequestFailed(method, path, err))
			}
		}
		return nil
	}

	err := retry.Do(ctx, attempt,
		retry.Attempts(uint(c.cfg.APIRequestAttempts)),
		retry.Sleep(c.cfg.APIRequestRetryDelay),
		retry.FixedSleep())
	if err != nil {
		c.logger.Warn("api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
	}
	return err
}
