package alta

// 本文件集中定义平台 REST/WS 载荷中出现的实体结构。
// 字段名与平台返回的 JSON 保持一致，调用侧不应依赖未列出的字段。

// Group 为群组的基础描述。
type Group struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	MemberCount int          `json:"member_count"`
	CreatedAt   string       `json:"created_at"`
	Type        string       `json:"type"`
	Roles       []GroupRole  `json:"roles"`
	Servers     []ServerInfo `json:"servers"`
}

// GroupRole 描述群组内的一个角色及其权限集合。
type GroupRole struct {
	RoleID      int64    `json:"role_id"`
	Name        string   `json:"name"`
	Color       string   `json:"color"`
	Permissions []string `json:"permissions"`
}

// GroupMember 描述群组内的一个成员。
type GroupMember struct {
	GroupID   int64  `json:"group_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Bot       bool   `json:"bot"`
	RoleID    int64  `json:"role_id"`
	CreatedAt string `json:"created_at"`
}

// JoinedGroup 为 listJoinedGroups 返回的条目，包含群组与自身成员信息。
type JoinedGroup struct {
	Group  Group       `json:"group"`
	Member GroupMember `json:"member"`
}

// GroupInvite 为一条待处理的群组邀请。
type GroupInvite struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MemberCount int    `json:"member_count"`
	InvitedAt   string `json:"invited_at"`
}

// ServerInfo 为游戏服务器的基础描述。
type ServerInfo struct {
	ID            int64        `json:"id"`
	GroupID       int64        `json:"group_id"`
	Name          string       `json:"name"`
	Region        string       `json:"region"`
	SceneIndex    int          `json:"scene_index"`
	Fleet         string       `json:"fleet"`
	Playability   float64      `json:"playability"`
	IsOnline      bool         `json:"is_online"`
	OnlinePlayers []PlayerInfo `json:"online_players"`
}

// PlayerInfo 为服务器上的一名在线玩家。
type PlayerInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ServerHeartbeat 为 group-server-heartbeat 事件的载荷。
type ServerHeartbeat struct {
	ID            int64        `json:"id"`
	GroupID       int64        `json:"group_id"`
	Name          string       `json:"name"`
	Fleet         string       `json:"fleet"`
	Playability   float64      `json:"playability"`
	IsOnline      bool         `json:"is_online"`
	OnlinePlayers []PlayerInfo `json:"online_players"`
}

// ConsoleEndpoint 描述控制台 WebSocket 的连接地址。
type ConsoleEndpoint struct {
	Address       string `json:"address"`
	WebsocketPort int    `json:"websocket_port"`
}

// ConsoleAccess 为 getServerConnectionDetails 的响应。
type ConsoleAccess struct {
	ServerID   int64            `json:"server_id"`
	Allowed    bool             `json:"allowed"`
	WasOffline bool             `json:"was_offline"`
	Token      string           `json:"token"`
	Connection *ConsoleEndpoint `json:"connection"`
}

// consoleRequest 为申请控制台访问时的请求体。
type consoleRequest struct {
	ShouldLaunch  bool `json:"should_launch"`
	IgnoreOffline bool `json:"ignore_offline"`
}

// apiError 为平台错误响应的通用结构。
type apiError struct {
	Message string `json:"message"`
}
