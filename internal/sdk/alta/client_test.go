package alta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient 启动一个同时扮演令牌端点与 REST API 的测试服务器。
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	bearer := signTestToken(t, botClaims(time.Now().Add(time.Hour)))
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"` + bearer + `"}`))
	})
	mux.HandleFunc("/", handler)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	c, err := NewClient(context.Background(), Config{
		Credential:           Credential{ClientID: "id", ClientSecret: "secret"},
		TokenURL:             ts.URL + "/token",
		RestBaseURL:          ts.URL,
		XAPIKey:              "test-key",
		APIRequestAttempts:   3,
		APIRequestRetryDelay: time.Millisecond,
		APIRequestTimeout:    time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(c.Dispose)
	return c, ts
}

func TestClientHeaderSet(t *testing.T) {
	var got http.Header
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{"id":7,"name":"S"}`))
	})

	_, err := c.GetServerInfo(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "test-key", got.Get("x-api-key"))
	assert.Equal(t, UserAgent(), got.Get("User-Agent"))
	assert.Contains(t, got.Get("Authorization"), "Bearer ")
}

func TestClientPagination(t *testing.T) {
	var pages atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get(paginationHeader) {
		case "":
			w.Header().Set(paginationHeader, "page-2")
			_, _ = w.Write([]byte(`[{"group":{"id":1,"name":"A"},"member":{"user_id":"U1"}}]`))
		case "page-2":
			_, _ = w.Write([]byte(`[{"group":{"id":2,"name":"B"},"member":{"user_id":"U1"}}]`))
		default:
			t.Errorf("unexpected pagination token %q", r.Header.Get(paginationHeader))
		}
		pages.Add(1)
	})

	groups, err := c.ListJoinedGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, int64(1), groups[0].Group.ID)
	assert.Equal(t, int64(2), groups[1].Group.ID)
	assert.Equal(t, int32(2), pages.Load())
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"message":"try later"}`, http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":7,"name":"S"}`))
	})

	info, err := c.GetServerInfo(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientSurfacesMessageField(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"group is private"}`, http.StatusForbidden)
	})

	_, err := c.GetGroupInfo(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "group is private")
}

func TestClientAcceptInvitePostsOnce(t *testing.T) {
	var gotPath string
	var gotMethod string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.AcceptGroupInvite(context.Background(), 42))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/groups/invites/42", gotPath)
}

func TestClientConsoleRequestBody(t *testing.T) {
	var body consoleRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, restJSON.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"server_id":7,"allowed":true,"token":"CT","connection":{"address":"10.0.0.1","websocket_port":9001}}`))
	})

	access, err := c.GetServerConnectionDetails(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, body.ShouldLaunch)
	assert.False(t, body.IgnoreOffline)
	assert.True(t, access.Allowed)
	require.NotNil(t, access.Connection)
	assert.Equal(t, 9001, access.Connection.WebsocketPort)
}
