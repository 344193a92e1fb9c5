package account

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/att-fleet-go/internal/json"
	"github.com/lk2023060901/att-fleet-go/internal/sdk/alta"
)

// fakeGateway 模拟平台侧的账号 WebSocket 网关。
//
// 行为：
//   - 自动以 200 响应订阅/退订请求；
//   - GET migrate 返回迁移令牌，POST migrate 按 key 匹配方式确认；
//   - 支持向任意连接推送事件、统计请求、强制断开。
type fakeGateway struct {
	t        *testing.T
	upgrader websocket.Upgrader
	server   *httptest.Server

	mu         sync.Mutex
	conns      []*fakeConn
	subPosts   []string // 收到的订阅请求 path
	failSubs   int      // 前 N 个订阅请求以 500 响应
	closeCodes []int    // 客户端主动关闭时送达的关闭码
}

type fakeConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *fakeConn) writeJSON(t *testing.T, v any) {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{t: t}
	g.server = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeConn{conn: conn}

	g.mu.Lock()
	g.conns = append(g.conns, fc)
	g.mu.Unlock()

	go g.serveConn(fc)
}

func (g *fakeGateway) serveConn(fc *fakeConn) {
	for {
		_, data, err := fc.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				g.mu.Lock()
				g.closeCodes = append(g.closeCodes, ce.Code)
				g.mu.Unlock()
			}
			return
		}

		var frame requestFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		g.respond(fc, &frame)
	}
}

func (g *fakeGateway) respond(fc *fakeConn, frame *requestFrame) {
	key := frame.Method + " /ws/" + frame.Path
	content := "{}"

	switch {
	case frame.Method == http.MethodGet && frame.Path == "migrate":
		content = `{"token":"MT"}`

	case frame.Method == http.MethodPost && frame.Path == "migrate":
		// 平台对迁移确认不回填请求 id。
		fc.writeJSON(g.t, &Message{
			ID:           0,
			Event:        "response",
			Key:          "POST /ws/migrate",
			ResponseCode: 200,
			Content:      &content,
		})
		return

	case strings.HasPrefix(frame.Path, "subscription/"):
		if frame.Method == http.MethodPost {
			g.mu.Lock()
			g.subPosts = append(g.subPosts, frame.Path)
			fail := g.failSubs > 0
			if fail {
				g.failSubs--
			}
			g.mu.Unlock()
			if fail {
				fc.writeJSON(g.t, &Message{
					ID:           frame.ID,
					Event:        "response",
					Key:          key,
					ResponseCode: 500,
					Content:      &content,
				})
				return
			}
		}
	}

	fc.writeJSON(g.t, &Message{
		ID:           frame.ID,
		Event:        "response",
		Key:          key,
		ResponseCode: 200,
		Content:      &content,
	})
}

// pushEvent 在指定连接上推送一条事件帧。
func (g *fakeGateway) pushEvent(idx int, event string, key string, payload string) {
	g.mu.Lock()
	fc := g.conns[idx]
	g.mu.Unlock()
	fc.writeJSON(g.t, &Message{
		ID:           0,
		Event:        event,
		Key:          key,
		ResponseCode: 200,
		Content:      &payload,
	})
}

// dropConn 不发送关闭帧直接断开，模拟异常掉线。
func (g *fakeGateway) dropConn(idx int) {
	g.mu.Lock()
	fc := g.conns[idx]
	g.mu.Unlock()
	_ = fc.conn.Close()
}

func (g *fakeGateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *fakeGateway) subPostCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subPosts)
}

func (g *fakeGateway) receivedCloseCodes() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.closeCodes...)
}

// newTestTokens 构造一个指向本地令牌端点的 TokenManager。
func newTestTokens(t *testing.T) *alta.TokenManager {
	t.Helper()

	claims := jwt.MapClaims{
		"client_sub": "U1",
		"exp":        time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	bearer, err := token.SignedString([]byte("test"))
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"` + bearer + `"}`))
	}))
	t.Cleanup(ts.Close)

	m, err := alta.NewTokenManager(t.Context(), alta.Config{
		Credential: alta.Credential{ClientID: "id", ClientSecret: "secret"},
		TokenURL:   ts.URL,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(m.Dispose)
	return m
}

// testConfig 返回为单元测试压缩过时间参数的配置。
func testConfig(g *fakeGateway) Config {
	return Config{
		WebSocketURL:            g.wsURL(),
		XAPIKey:                 "test-key",
		PingInterval:            time.Minute,
		MigrationInterval:       time.Hour,
		MigrationHandoverPeriod: 30 * time.Millisecond,
		MigrationRetryDelay:     200 * time.Millisecond,
		RecoveryRetryDelay:      20 * time.Millisecond,
		RecoveryTimeout:         2 * time.Second,
		RequestAttempts:         3,
		RequestRetryDelay:       5 * time.Millisecond,
		MaxSubscriptions:        500,
	}
}

// waitFor 轮询断言，超时即失败。
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
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
