package alta

import (
	"crypto/sha512"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/lk2023060901/att-fleet-go/pkg/util/merr"
)

// Scope 为机器人凭证可以申请的权限范围。
type Scope string

const (
	ScopeGroupInfo       Scope = "group.info"
	ScopeGroupInvite     Scope = "group.invite"
	ScopeGroupJoin       Scope = "group.join"
	ScopeGroupLeave      Scope = "group.leave"
	ScopeGroupMembers    Scope = "group.members"
	ScopeGroupView       Scope = "group.view"
	ScopeServerConsole   Scope = "server.console"
	ScopeServerView      Scope = "server.view"
	ScopeWebsocket       Scope = "ws.group"
	ScopeWebsocketMember Scope = "ws.group_members"
	ScopeWebsocketServer Scope = "ws.group_servers"
	ScopeWebsocketBot    Scope = "ws.bot"
	ScopeWebsocketInvite Scope = "ws.group_invites"
)

// DefaultScopes 为机器人凭证的默认权限集合。
var DefaultScopes = []Scope{
	ScopeGroupInfo, ScopeGroupInvite, ScopeGroupJoin, ScopeGroupLeave,
	ScopeGroupMembers, ScopeGroupView, ScopeServerConsole, ScopeServerView,
	ScopeWebsocket, ScopeWebsocketMember, ScopeWebsocketServer,
	ScopeWebsocketBot, ScopeWebsocketInvite,
}

// Credential 为平台凭证的标签联合：机器人（client 凭证）与用户（账号密码）二选一。
type Credential struct {
	// 机器人形态。
	ClientID     string
	ClientSecret string
	Scopes       []Scope

	// 用户形态。Password 可以是明文，
	// 也可以是已经计算好的 128 位十六进制 SHA-512 摘要。
	Username string
	Password string
}

// IsBot 返回凭证是否为机器人形态。
func (c Credential) IsBot() bool {
	return c.ClientID != ""
}

// Validate 校验凭证的完整性与互斥性。
func (c Credential) Validate() error {
	bot := c.ClientID != "" || c.ClientSecret != ""
	user := c.Username != "" || c.Password != ""

	switch {
	case bot && user:
		return merr.ErrCredentialAmbiguous
	case bot:
		if c.ClientID == "" || c.ClientSecret == "" {
			return merr.WrapErrCredentialMissing("both clientId and clientSecret are required")
		}
	case user:
		if c.Username == "" || c.Password == "" {
			return merr.WrapErrCredentialMissing("both username and password are required")
		}
	default:
		return merr.WrapErrCredentialMissing("no credentials provided")
	}
	return nil
}

// scopeString 将权限集合拼接为令牌端点要求的空格分隔形式。
func (c Credential) scopeString() string {
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	parts := make([]string, 0, len(scopes))
	for _, s := range scopes {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, " ")
}

// sha512HexPattern 匹配已经散列过的密码形式。
var sha512HexPattern = regexp.MustCompile(`(?i)^[0-9a-f]{128}$`)

// HashPassword 计算用户密码的 SHA-512 摘要（小写十六进制）。
// 若输入已经是 128 位十六进制摘要，则原样返回，不再二次散列。
func HashPassword(password string) string {
	if sha512HexPattern.MatchString(password) {
		return password
	}
	sum := sha512.Sum512([]byte(password))
	return hex.EncodeToString(sum[:])
}
