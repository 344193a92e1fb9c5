package fleet

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/att-fleet-go/internal/json"
	"github.com/lk2023060901/att-fleet-go/internal/network/account"
	"github.com/lk2023060901/att-fleet-go/internal/sdk/alta"
)

// testMessage 构造一条入站事件帧，便于直接驱动各 handler。
func testMessage(event string, key string, content string) *account.Message {
	return &account.Message{
		Event:        event,
		Key:          key,
		ResponseCode: 200,
		Content:      &content,
	}
}

// wireRequest/wireMessage 按账号 WebSocket 的线上帧格式定义，
// 测试侧独立声明以免依赖内部包的私有类型。
type wireRequest struct {
	Method        string  `json:"method"`
	Path          string  `json:"path"`
	Authorization string  `json:"authorization"`
	ID            int64   `json:"id"`
	Content       *string `json:"content"`
}

type wireMessage struct {
	ID           int64   `json:"id"`
	Event        string  `json:"event"`
	Key          string  `json:"key"`
	ResponseCode int     `json:"responseCode"`
	Content      *string `json:"content"`
}

// fakePlatform 在进程内模拟整个平台：
// 令牌端点、REST API、账号 WebSocket 网关与单台服务器的控制台端。
type fakePlatform struct {
	t      *testing.T
	server *httptest.Server

	bearer   string
	upgrader websocket.Upgrader

	mu       sync.Mutex
	wsConns  []*platformConn
	subPosts []string

	joined  []alta.JoinedGroup
	invites []alta.GroupInvite
	groups  map[int64]alta.Group
	members map[string]alta.GroupMember // "<groupId>/<userId>"
	servers map[int64]alta.ServerInfo

	consoleAddr  string
	consolePort  int
	consoleToken string
	consoleGrant bool

	console *fakeConsoleServer
}

type platformConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (pc *platformConn) writeJSON(t *testing.T, v any) {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	_ = pc.conn.WriteMessage(websocket.TextMessage, data)
}

func newFakePlatform(t *testing.T) *fakePlatform {
	claims := jwt.MapClaims{
		"client_sub": "U1",
		"exp":        time.Now().Add(time.Hour).Unix(),
	}
	bearer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	require.NoError(t, err)

	p := &fakePlatform{
		t:            t,
		bearer:       bearer,
		groups:       make(map[int64]alta.Group),
		members:      make(map[string]alta.GroupMember),
		servers:      make(map[int64]alta.ServerInfo),
		consoleToken: "CT",
		consoleGrant: true,
	}
	p.console = newFakeConsoleServer(t, p.consoleToken)
	p.consoleAddr, p.consolePort = p.console.addrPort()

	mux := http.NewServeMux()
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/ws", p.handleWS)
	mux.HandleFunc("/", p.handleREST)
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

// config 返回指向本平台、并为测试压缩了时间参数的客户端配置。
func (p *fakePlatform) config(events EventSink) Config {
	return Config{
		ClientID:     "bot-id",
		ClientSecret: "bot-secret",

		TokenURL:     p.server.URL + "/token",
		RestBaseURL:  p.server.URL,
		WebSocketURL: "ws" + strings.TrimPrefix(p.server.URL, "http") + "/ws",
		XAPIKey:      "test-key",

		MaxWorkerConcurrency:          5,
		ServerHeartbeatInterval:       40 * time.Millisecond,
		MaxMissedServerHeartbeats:     2,
		ServerConnectionRecoveryDelay: 20 * time.Millisecond,

		WebSocketRequestAttempts:    3,
		WebSocketRequestRetryDelay:  5 * time.Millisecond,
		WebSocketRecoveryRetryDelay: 20 * time.Millisecond,

		APIRequestAttempts:   3,
		APIRequestRetryDelay: 5 * time.Millisecond,
		APIRequestTimeout:    2 * time.Second,

		Events: events,
	}
}

// useUserPrincipal 把令牌端点切换为签发用户主体令牌。
func (p *fakePlatform) useUserPrincipal(userID string) {
	claims := jwt.MapClaims{
		"UserId": userID,
		"exp":    time.Now().Add(time.Hour).Unix(),
	}
	bearer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	require.NoError(p.t, err)
	p.mu.Lock()
	p.bearer = bearer
	p.mu.Unlock()
}

func (p *fakePlatform) handleToken(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(`{"access_token":"` + p.bearer + `","expires_in":3600}`))
}

func (p *fakePlatform) handleREST(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(path, "/")
	write := func(v any) {
		data, err := json.Marshal(v)
		require.NoError(p.t, err)
		_, _ = w.Write(data)
	}

	switch {
	case path == "groups/joined":
		write(p.joined)

	case path == "groups/invites" && r.Method == http.MethodGet:
		write(p.invites)

	case len(parts) == 3 && parts[0] == "groups" && parts[1] == "invites" && r.Method == http.MethodPost:
		w.WriteHeader(http.StatusOK)

	case len(parts) == 2 && parts[0] == "groups":
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		if g, ok := p.groups[id]; ok {
			write(g)
			return
		}
		http.Error(w, `{"message":"group not found"}`, http.StatusNotFound)

	case len(parts) == 4 && parts[0] == "groups" && parts[2] == "members":
		if m, ok := p.members[parts[1]+"/"+parts[3]]; ok {
			write(m)
			return
		}
		http.Error(w, `{"message":"member not found"}`, http.StatusNotFound)

	case len(parts) == 2 && parts[0] == "servers":
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		if s, ok := p.servers[id]; ok {
			write(s)
			return
		}
		http.Error(w, `{"message":"server not found"}`, http.StatusNotFound)

	case len(parts) == 3 && parts[0] == "servers" && parts[2] == "console":
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		write(alta.ConsoleAccess{
			ServerID: id,
			Allowed:  p.consoleGrant,
			Token:    p.consoleToken,
			Connection: &alta.ConsoleEndpoint{
				Address:       p.consoleAddr,
				WebsocketPort: p.consolePort,
			},
		})

	default:
		http.Error(w, `{"message":"no such endpoint"}`, http.StatusNotFound)
	}
}

func (p *fakePlatform) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	pc := &platformConn{conn: conn}
	p.mu.Lock()
	p.wsConns = append(p.wsConns, pc)
	p.mu.Unlock()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame wireRequest
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}

			if frame.Method == http.MethodPost && strings.HasPrefix(frame.Path, "subscription/") {
				p.mu.Lock()
				p.subPosts = append(p.subPosts, frame.Path)
				p.mu.Unlock()
			}

			content := "{}"
			pc.writeJSON(p.t, &wireMessage{
				ID:           frame.ID,
				Event:        "response",
				Key:          frame.Method + " /ws/" + frame.Path,
				ResponseCode: 200,
				Content:      &content,
			})
		}
	}()
}

// pushEvent 通过第一条账号连接下发事件。
func (p *fakePlatform) pushEvent(event string, key string, payload string) {
	p.mu.Lock()
	require.NotEmpty(p.t, p.wsConns, "no account websocket connected")
	pc := p.wsConns[0]
	p.mu.Unlock()
	pc.writeJSON(p.t, &wireMessage{
		ID:           0,
		Event:        event,
		Key:          key,
		ResponseCode: 200,
		Content:      &payload,
	})
}

func (p *fakePlatform) subscriptionPaths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subPosts...)
}

// fakeConsoleServer 模拟游戏服务器的控制台端。
type fakeConsoleServer struct {
	t      *testing.T
	token  string
	server *httptest.Server

	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    int
	closed   int
	commands []string
}

func newFakeConsoleServer(t *testing.T, token string) *fakeConsoleServer {
	f := &fakeConsoleServer{t: t, token: token}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeConsoleServer) addrPort() (string, int) {
	host := strings.TrimPrefix(f.server.URL, "http://")
	addr, portStr, err := net.SplitHostPort(host)
	require.NoError(f.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(f.t, err)
	return addr, port
}

func (f *fakeConsoleServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_, first, err := conn.ReadMessage()
	if err != nil || string(first) != f.token {
		_ = conn.Close()
		return
	}

	f.mu.Lock()
	f.conns++
	f.mu.Unlock()

	writeMu := &sync.Mutex{}
	send := func(v any) {
		data, merr := json.Marshal(v)
		require.NoError(f.t, merr)
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	send(map[string]any{
		"type":      "SystemMessage",
		"eventType": "InfoLog",
		"data":      "Connection Succeeded! Main",
		"timeStamp": time.Now().UTC().Format(time.RFC3339),
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			f.closed++
			f.mu.Unlock()
			return
		}
		var frame struct {
			ID      int64  `json:"id"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		f.mu.Lock()
		f.commands = append(f.commands, frame.Content)
		f.mu.Unlock()
		send(map[string]any{
			"type":      "CommandResult",
			"commandId": frame.ID,
			"data":      json.RawMessage(fmt.Sprintf(`{"Result":"ok-%d"}`, frame.ID)),
			"timeStamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (f *fakeConsoleServer) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

func (f *fakeConsoleServer) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// seedGroup 预置一个已加入的群组与其成员、服务器。
func (p *fakePlatform) seedGroup(groupID int64, serverID int64, permissions []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	server := alta.ServerInfo{
		ID:      serverID,
		GroupID: groupID,
		Name:    "S",
		Fleet:   "att-release",
	}
	group := alta.Group{
		ID:   groupID,
		Name: "G",
		Roles: []alta.GroupRole{
			{RoleID: 1, Name: "Bot", Permissions: permissions},
		},
		Servers: []alta.ServerInfo{server},
	}
	member := alta.GroupMember{
		GroupID: groupID,
		UserID:  "U1",
		RoleID:  1,
	}

	p.groups[groupID] = group
	p.members[fmt.Sprintf("%d/U1", groupID)] = member
	p.servers[serverID] = server
	p.joined = append(p.joined, alta.JoinedGroup{Group: group, Member: member})
}

// waitCond 轮询等待条件成立。
func waitCond(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}
